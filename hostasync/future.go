package hostasync

import (
	"context"
	"sync"

	"github.com/hostcall/hostcall-go/abi"
)

// AsyncRequest is the host-side future for a single guest-bound call. Go
// has real blocking primitives, so "suspend between issuing a request and
// receiving its response" (base spec §5) is implemented as a goroutine
// parked on a channel rather than a hand-rolled poll loop; the observable
// behavior — one PendingAction per in-flight SeqNo, resolved exactly once,
// regardless of delivery order — matches the base spec precisely.
type AsyncRequest struct {
	ctx      *AsyncContext
	seq      abi.SeqNo
	outbound []byte
}

// NewAsyncRequest allocates a SeqNo for fn and frames a Request envelope
// carrying argBytes, ready to Await.
func NewAsyncRequest(ctx *AsyncContext, fn abi.FunctionIdent, argBytes []byte) (*AsyncRequest, error) {
	reqCtx, err := ctx.node.Request(fn)
	if err != nil {
		return nil, err
	}
	buf, err := ctx.node.FrameRequest(reqCtx, fn, argBytes)
	if err != nil {
		return nil, err
	}
	return &AsyncRequest{ctx: ctx, seq: reqCtx.SeqNo, outbound: buf}, nil
}

// Await installs the PendingAction, pushes the framed request into the
// module's rx_queue (to be delivered into the guest by the RX driver, which
// may not have started yet — per Testable Property 6 this does not block),
// and blocks until a response arrives or ctx is cancelled.
func (r *AsyncRequest) Await(ctx context.Context) ([]byte, error) {
	done := make(chan struct{})
	var once sync.Once
	wake := func() { once.Do(func() { close(done) }) }

	r.ctx.pendingMu.Lock()
	r.ctx.pending[r.seq] = &PendingAction{Kind: PendingWake, Wake: wake}
	r.ctx.pendingMu.Unlock()

	if err := r.ctx.pushRx(r.outbound); err != nil {
		r.ctx.pendingMu.Lock()
		delete(r.ctx.pending, r.seq)
		r.ctx.pendingMu.Unlock()
		return nil, abi.WrapError(abi.ChannelFailed, err, "enqueue request for seq %d", r.seq)
	}

	select {
	case <-done:
	case <-ctx.Done():
		// Leave the stale Wake entry; base spec §5 allows this, since the
		// eventual Response (if it ever arrives) is discarded when wake
		// fails to have any further effect on this caller.
		return nil, ctx.Err()
	}

	r.ctx.pendingMu.Lock()
	action, ok := r.ctx.pending[r.seq]
	delete(r.ctx.pending, r.seq)
	r.ctx.pendingMu.Unlock()

	if !ok || action.Kind != PendingResponse {
		return nil, abi.NewError(abi.ChannelFailed, "seq %d woke with no response recorded", r.seq)
	}
	return action.Response, nil
}

// SeqNo exposes the allocated sequence number, mostly for tests and logging.
func (r *AsyncRequest) SeqNo() abi.SeqNo {
	return r.seq
}
