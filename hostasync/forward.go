package hostasync

import (
	"fmt"

	"github.com/hostcall/hostcall-go/abi"
	"github.com/hostcall/hostcall-go/codec"
	"github.com/hostcall/hostcall-go/rpc"
)

// installCallbacks wires this context's RpcNode sender (a push onto the
// rx_queue, so host exports' responses reach the guest) and its result and
// forward callbacks. Called once from New.
func (c *AsyncContext) installCallbacks() {
	c.node.SetSender(c.pushRx)
	c.node.SetResultCallback(c.handleResult)
	c.node.SetForwardCallback(c.forwardRequest)
}

// handleResult is installed as this context's RpcNode result callback
// (base spec §4.4's "Result callback"). It takes the pending action for
// the response's SeqNo: a Wake entry is resolved in place and its caller
// woken; a PendingForward entry is routed onward to the original caller's
// context. A response with no pending action (open question §9(a)) is
// logged and dropped — there is no reachable caller to report it to.
func (c *AsyncContext) handleResult(end rpc.EndCtx, resultBytes []byte) error {
	c.pendingMu.Lock()
	action, ok := c.pending[end.SeqNo]
	if !ok {
		c.pendingMu.Unlock()
		c.log.Printf("[WARN] dropping response for unknown seq %d", end.SeqNo)
		return nil
	}

	switch action.Kind {
	case PendingWake:
		action.Kind = PendingResponse
		action.Response = resultBytes
		wake := action.Wake
		c.pendingMu.Unlock()
		if wake != nil {
			wake()
		}
		return nil

	case PendingForward:
		delete(c.pending, end.SeqNo)
		c.pendingMu.Unlock()

		destCtx, ok := c.resolve(action.ForwardHint)
		if !ok {
			c.log.Printf("[WARN] forward-result route to %s gone, dropping response for seq %d", action.ForwardHint, end.SeqNo)
			return nil
		}
		env := codec.NewResponseEnvelope(end.SeqNo, action.ForwardFunc, resultBytes)
		buf, err := codec.Encode(c.node.Codec(), env)
		if err != nil {
			return err
		}
		return destCtx.pushRx(buf)

	default:
		c.pendingMu.Unlock()
		return abi.NewError(abi.NoCallback, "unexpected pending action for seq %d", end.SeqNo)
	}
}

// forwardRequest is installed as this context's RpcNode forward callback
// (base spec §4.4's "Forward callback"). On an unknown-export request, it
// resolves fn.Hint through the resolver, pushes the original raw request
// bytes onto the destination's rx_queue, and records a PendingForward
// entry under the same SeqNo on the *destination* context so its own
// handleResult routes the eventual response back here. An unresolvable or
// self-addressed hint (§4.7: "caller sees UnresolvedHint"/CircularRoute)
// synthesizes an error response back to the original caller rather than
// leaving it to hang, the same as a push failure below.
func (c *AsyncContext) forwardRequest(end rpc.EndCtx, fn abi.FunctionIdent, rawRequest []byte) error {
	destCtx, ok := c.resolve(fn.Hint)
	if !ok {
		cause := abi.NewError(abi.UnresolvedHint, "no module registered for hint %s", fn.Hint)
		if serr := c.synthesizeErrorResponse(end.SeqNo, fn, cause); serr != nil {
			return serr
		}
		return cause
	}
	if destCtx == c {
		cause := abi.NewError(abi.CircularRoute, "forward to %s would re-enter originating module", fn.Hint)
		if serr := c.synthesizeErrorResponse(end.SeqNo, fn, cause); serr != nil {
			return serr
		}
		return cause
	}

	destCtx.pendingMu.Lock()
	destCtx.pending[end.SeqNo] = &PendingAction{Kind: PendingForward, ForwardHint: c.self, ForwardFunc: fn}
	destCtx.pendingMu.Unlock()

	if err := destCtx.pushRx(rawRequest); err != nil {
		destCtx.pendingMu.Lock()
		delete(destCtx.pending, end.SeqNo)
		destCtx.pendingMu.Unlock()
		return c.synthesizeErrorResponse(end.SeqNo, fn, err)
	}
	return nil
}

// resolve calls the installed resolver, or reports no match if none is
// installed (a module that was never attached to a ModuleManager).
func (c *AsyncContext) resolve(hint abi.LinkHint) (*AsyncContext, bool) {
	if c.resolver == nil {
		return nil, false
	}
	return c.resolver(hint)
}

// synthesizeErrorResponse implements the SPEC_FULL.md supplement adopted
// from original_source/modules/rpc/src/node.rs: when the destination
// module is already gone at forward time, drop a synthesized error
// Response back onto the *original caller's* own rx_queue (c, since c is
// the context whose guest issued the request currently being forwarded)
// instead of leaving the caller to time out silently.
func (c *AsyncContext) synthesizeErrorResponse(seq abi.SeqNo, fn abi.FunctionIdent, cause error) error {
	msg := fmt.Sprintf("forward to %s failed: %v", fn.Hint, cause)
	env := codec.NewResponseEnvelope(seq, fn, []byte(msg))
	buf, err := codec.Encode(c.node.Codec(), env)
	if err != nil {
		return err
	}
	return c.pushRx(buf)
}
