package hostasync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostcall/hostcall-go/abi"
	"github.com/hostcall/hostcall-go/codec"
	"github.com/hostcall/hostcall-go/hostasync"
	"github.com/hostcall/hostcall-go/lowlevel"
	"github.com/hostcall/hostcall-go/rpc"
)

// twoModuleHarness wires two modules, a and b, each with its own in-process
// fake guest, and cross-registers their resolvers so a request a's guest
// addresses at b is forwarded, and vice versa — base spec scenario S2.
type twoModuleHarness struct {
	c codec.Codec

	hintA, hintB abi.LinkHint

	guestNodeA, guestNodeB *rpc.RpcNode
	asyncA, asyncB         *hostasync.AsyncContext
}

func newTwoModuleHarness(t *testing.T) *twoModuleHarness {
	t.Helper()
	c := codec.NewMsgpackCodec()
	hintA := abi.GuestModule("a")
	hintB := abi.GuestModule("b")

	hostNodeA := rpc.New(c, 10, hintA, nil)
	hostNodeB := rpc.New(c, 11, hintB, nil)
	guestNodeA := rpc.New(c, 20, hintA, nil)
	guestNodeB := rpc.New(c, 21, hintB, nil)

	tableB := rpc.NewExportTable(hintB)
	tableB.Register("pong", func(ctx rpc.ResponseCtx, raw []byte) error {
		return ctx.Respond("pong!")
	})
	guestNodeB.SetExports(tableB)

	llA := lowlevel.NewContext(nil)
	llB := lowlevel.NewContext(nil)

	asyncA := hostasync.New(hintA, hostNodeA, llA)
	asyncB := hostasync.New(hintB, hostNodeB, llB)
	llA.SetReceiver(asyncA.DeliverGuestMessage)
	llB.SetReceiver(asyncB.DeliverGuestMessage)

	storeA := &fakeGuestStore{guestNode: guestNodeA}
	storeB := &fakeGuestStore{guestNode: guestNodeB}
	llA.SetOwnedStore(storeA)
	llB.SetOwnedStore(storeB)
	guestNodeA.SetSender(func(buf []byte) error { return llA.HandleGuestMessage(storeA, buf) })
	guestNodeB.SetSender(func(buf []byte) error { return llB.HandleGuestMessage(storeB, buf) })

	resolver := func(hint abi.LinkHint) (*hostasync.AsyncContext, bool) {
		switch hint {
		case hintA:
			return asyncA, true
		case hintB:
			return asyncB, true
		default:
			return nil, false
		}
	}
	asyncA.SetResolver(resolver)
	asyncB.SetResolver(resolver)

	return &twoModuleHarness{
		c: c, hintA: hintA, hintB: hintB,
		guestNodeA: guestNodeA, guestNodeB: guestNodeB,
		asyncA: asyncA, asyncB: asyncB,
	}
}

func TestForwardingRoutesResponseBackToOriginator(t *testing.T) {
	h := newTwoModuleHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.asyncA.Start(ctx)
	h.asyncB.Start(ctx)

	resultCh := make(chan []byte, 1)
	h.guestNodeA.SetResultCallback(func(_ rpc.EndCtx, result []byte) error {
		resultCh <- result
		return nil
	})

	fn := abi.NewFunctionIdent("pong", h.hintB)
	reqCtx, err := h.guestNodeA.Request(fn)
	require.NoError(t, err)
	require.NoError(t, h.guestNodeA.Send(reqCtx, fn, nil))

	select {
	case raw := <-resultCh:
		var out string
		require.NoError(t, h.c.Unmarshal(raw, &out))
		assert.Equal(t, "pong!", out)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded response")
	}
}

func TestSelfForwardRejectedWithSyntheticError(t *testing.T) {
	h := newTwoModuleHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.asyncA.Start(ctx)
	h.asyncB.Start(ctx)

	resultCh := make(chan []byte, 1)
	h.guestNodeA.SetResultCallback(func(_ rpc.EndCtx, result []byte) error {
		resultCh <- result
		return nil
	})

	// a addresses a request at itself: the resolver finds a again, which
	// must be rejected rather than looping the request back into a's own
	// export table.
	fn := abi.NewFunctionIdent("whatever", h.hintA)
	reqCtx, err := h.guestNodeA.Request(fn)
	require.NoError(t, err)
	require.NoError(t, h.guestNodeA.Send(reqCtx, fn, nil))

	select {
	case raw := <-resultCh:
		assert.Contains(t, string(raw), "re-enter")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for synthesized error response")
	}
}
