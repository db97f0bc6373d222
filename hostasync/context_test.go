package hostasync_test

import (
	"context"
	"fmt"
	"sync"
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

// fakeGuestStore stands in for a real isolate instance: it delivers
// host→guest sends by calling directly into an in-process guest RpcNode,
// simulating the guest side without a real wasm runtime.
type fakeGuestStore struct {
	guestNode *rpc.RpcNode
}

func (s *fakeGuestStore) SendToGuest(ctx context.Context, data []byte) error {
	return s.guestNode.HandleMessage(data)
}

func (s *fakeGuestStore) Poll(ctx context.Context) error { return nil }

// harness wires one host AsyncContext to one in-process fake guest that
// echoes its single string argument back.
type harness struct {
	hostCtx   *hostasync.AsyncContext
	guestNode *rpc.RpcNode
	moduleHint abi.LinkHint
	codec     codec.Codec
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c := codec.NewMsgpackCodec()
	moduleHint := abi.GuestModule("echo-guest")

	hostNode := rpc.New(c, 1, moduleHint, nil)
	guestNode := rpc.New(c, 2, moduleHint, nil)

	table := rpc.NewExportTable(moduleHint)
	table.Register("echo", func(ctx rpc.ResponseCtx, raw []byte) error {
		args, err := codec.ParseArgs(c, raw)
		if err != nil {
			return err
		}
		var s string
		if err := args.Get(0, &s); err != nil {
			return err
		}
		return ctx.Respond(s)
	})
	guestNode.SetExports(table)

	ll := lowlevel.NewContext(nil)
	hostCtx := hostasync.New(moduleHint, hostNode, ll)
	ll.SetReceiver(hostCtx.DeliverGuestMessage)

	store := &fakeGuestStore{guestNode: guestNode}
	ll.SetOwnedStore(store)
	guestNode.SetSender(func(buf []byte) error {
		return ll.HandleGuestMessage(store, buf)
	})

	return &harness{hostCtx: hostCtx, guestNode: guestNode, moduleHint: moduleHint, codec: c}
}

func (h *harness) call(t *testing.T, ctx context.Context, arg string) (string, error) {
	t.Helper()
	b := codec.NewArgsBuilder(h.codec)
	require.NoError(t, b.Add(arg))
	argBytes, err := b.Build()
	require.NoError(t, err)

	req, err := hostasync.NewAsyncRequest(h.hostCtx, abi.NewFunctionIdent("echo", h.moduleHint), argBytes)
	require.NoError(t, err)

	raw, err := req.Await(ctx)
	if err != nil {
		return "", err
	}
	var out string
	if err := h.codec.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	return out, nil
}

func TestEchoRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.hostCtx.Start(ctx)

	out, err := h.call(t, ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestReadinessOrdering(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Issue the request before Start(); Await must still complete once the
	// drivers start, per Testable Property 6.
	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := h.call(t, ctx, "before-start")
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- out
	}()

	time.Sleep(20 * time.Millisecond)
	h.hostCtx.Start(ctx)

	select {
	case out := <-resultCh:
		assert.Equal(t, "before-start", out)
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pre-start request")
	}
}

func TestConcurrentRequestsCorrelateIndependently(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.hostCtx.Start(ctx)

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			arg := fmt.Sprintf("call-%d", i)
			out, err := h.call(t, ctx, arg)
			assert.NoError(t, err)
			assert.Equal(t, arg, out)
		}()
	}
	wg.Wait()
}

func TestKillStopsAcceptingNewWork(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.hostCtx.Start(ctx)

	require.NoError(t, h.hostCtx.Kill())
	assert.False(t, h.hostCtx.Healthy())

	_, err := h.call(t, ctx, "after-kill")
	assert.Error(t, err)
}
