package guestasync

import (
	"sync"

	"github.com/hostcall/hostcall-go/abi"
	"github.com/hostcall/hostcall-go/rpc"
)

// pendingKind distinguishes the two guest-side PendingAction variants.
type pendingKind uint8

const (
	pendingWake pendingKind = iota
	pendingResponse
)

type pendingAction struct {
	kind   pendingKind
	wake   Waker
	result []byte
}

// SendFunc delivers a framed request to the host, ordinarily
// guest.SendMessageToHost from lowlevel/guest.
type SendFunc func(envelopeBytes []byte)

// WasmRtCtx mirrors the host's AsyncContext minimally: a single RpcNode
// talking to the host, a map from SeqNo to guest PendingAction, and the
// Queue driving guest-local tasks.
type WasmRtCtx struct {
	mu      sync.Mutex
	node    *rpc.RpcNode
	pending map[abi.SeqNo]*pendingAction
	queue   *Queue
	send    SendFunc
}

// NewWasmRtCtx wires node (already configured with exports/forward
// callback) to a fresh task Queue and installs the result callback that
// resolves guest-issued requests.
func NewWasmRtCtx(node *rpc.RpcNode, send SendFunc) *WasmRtCtx {
	ctx := &WasmRtCtx{
		node:    node,
		pending: make(map[abi.SeqNo]*pendingAction),
		queue:   NewQueue(),
		send:    send,
	}
	node.SetSender(func(b []byte) error {
		send(b)
		return nil
	})
	node.SetResultCallback(func(end rpc.EndCtx, resultBytes []byte) error {
		return ctx.resolve(end.SeqNo, resultBytes)
	})
	return ctx
}

// Queue exposes the underlying task queue, e.g. for low_level_wasm_poll to
// call RunAll, or for tests to drive it manually.
func (c *WasmRtCtx) Queue() *Queue {
	return c.queue
}

// Node exposes the underlying RpcNode, e.g. for HandleMessage.
func (c *WasmRtCtx) Node() *rpc.RpcNode {
	return c.node
}

// resolve is the guest result callback: it rewrites a Wake entry into a
// Response entry and fires the waker. A response for a SeqNo with no
// pending entry (already picked up, or never issued) is dropped; this
// mirrors the host-side open question §9(a) decision.
func (c *WasmRtCtx) resolve(seq abi.SeqNo, result []byte) error {
	c.mu.Lock()
	action, ok := c.pending[seq]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	action.kind = pendingResponse
	action.result = result
	wake := action.wake
	c.mu.Unlock()
	if wake != nil {
		wake()
	}
	return nil
}

// WasmAsyncRequest is the guest-side future for a single host-bound call.
// On first poll it installs a Wake pending action, serializes and
// immediately emits the request through the adapter, and returns pending.
// On subsequent polls it checks whether a Response has arrived.
type WasmAsyncRequest struct {
	ctx       *WasmRtCtx
	fn        abi.FunctionIdent
	argBytes  []byte
	seq       abi.SeqNo
	triggered bool
}

// NewWasmAsyncRequest allocates a SeqNo for fn and returns a future that,
// once polled, issues the request carrying argBytes.
func NewWasmAsyncRequest(ctx *WasmRtCtx, fn abi.FunctionIdent, argBytes []byte) (*WasmAsyncRequest, error) {
	reqCtx, err := ctx.node.Request(fn)
	if err != nil {
		return nil, err
	}
	return &WasmAsyncRequest{ctx: ctx, fn: fn, argBytes: argBytes, seq: reqCtx.SeqNo}, nil
}

// poll drives the future one step given the waker the owning Task should
// use to be re-scheduled. Returns (done, result, err).
func (r *WasmAsyncRequest) poll(waker Waker) (bool, []byte, error) {
	c := r.ctx
	if !r.triggered {
		c.mu.Lock()
		c.pending[r.seq] = &pendingAction{kind: pendingWake, wake: waker}
		c.mu.Unlock()
		r.triggered = true

		reqCtx := rpc.RequestCtx{SeqNo: r.seq}
		buf, err := reqCtxFrame(c.node, reqCtx, r.fn, r.argBytes)
		if err != nil {
			c.mu.Lock()
			delete(c.pending, r.seq)
			c.mu.Unlock()
			return true, nil, err
		}
		c.send(buf)
		return false, nil, nil
	}

	c.mu.Lock()
	action, ok := c.pending[r.seq]
	if !ok {
		c.mu.Unlock()
		// Orphaned: nothing to resume into. Treat as still pending; a
		// caller that dropped the owning Task will simply never see this
		// fire again.
		return false, nil, nil
	}
	if action.kind != pendingResponse {
		c.mu.Unlock()
		return false, nil, nil
	}
	delete(c.pending, r.seq)
	c.mu.Unlock()
	return true, action.result, nil
}

// Spawn wraps req in a Task on ctx's Queue and invokes onDone with its
// eventual result. This is the guest-side equivalent of awaiting the
// future: since the guest has no native async/await, completion is
// delivered by callback once the Task's step function reports done.
func (r *WasmAsyncRequest) Spawn(onDone func(result []byte, err error)) {
	var task *Task
	var waker Waker
	step := func() bool {
		done, result, err := r.poll(waker)
		if done {
			onDone(result, err)
			return true
		}
		return false
	}
	task = r.ctx.queue.SpawnLocal(step)
	waker = r.ctx.queue.Waker(task)
}

// reqCtxFrame is a small seam so WasmAsyncRequest doesn't need node's
// private Frame machinery exposed beyond the rpc package's public surface.
func reqCtxFrame(node *rpc.RpcNode, reqCtx rpc.RequestCtx, fn abi.FunctionIdent, argBytes []byte) ([]byte, error) {
	return node.FrameRequest(reqCtx, fn, argBytes)
}
