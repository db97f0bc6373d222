package lowlevel_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostcall/hostcall-go/abi"
	"github.com/hostcall/hostcall-go/lowlevel"
)

// fakeStore is a StoreHandle stand-in that just records what it was asked to
// do, so a test can tell the cached caller's handle apart from the owned
// store's handle.
type fakeStore struct {
	name string

	mu     sync.Mutex
	sent   [][]byte
	polled int
}

func (s *fakeStore) SendToGuest(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

func (s *fakeStore) Poll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polled++
	return nil
}

func (s *fakeStore) sentStrings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, b := range s.sent {
		out[i] = string(b)
	}
	return out
}

func TestSendWithNoStoreInstalledFailsWithNoAvailableStore(t *testing.T) {
	ctx := lowlevel.NewContext(nil)
	err := ctx.SendMessageToGuest(context.Background(), []byte("hi"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, abi.KindSentinel(abi.NoAvailableStore)))
}

func TestSendUsesOwnedStoreOutsideReentrancy(t *testing.T) {
	ctx := lowlevel.NewContext(nil)
	owned := &fakeStore{name: "owned"}
	ctx.SetOwnedStore(owned)

	require.NoError(t, ctx.SendMessageToGuest(context.Background(), []byte("direct")))
	assert.Equal(t, []string{"direct"}, owned.sentStrings())
}

// TestCachedCallerHandoffDuringReentrantSend exercises scenario S6: a
// guest→host callback (HandleGuestMessage) that itself issues a nested
// host→guest send. The nested send must be routed through the reentrant
// caller's own store handle, not the owned store, and
// the owned store must be untouched by the nested call and still usable
// once the reentrant call returns.
func TestCachedCallerHandoffDuringReentrantSend(t *testing.T) {
	ctx := lowlevel.NewContext(nil)
	owned := &fakeStore{name: "owned"}
	ctx.SetOwnedStore(owned)
	caller := &fakeStore{name: "caller"}

	var nestedErr error
	ctx.SetReceiver(func(data []byte) error {
		nestedErr = ctx.SendMessageToGuest(context.Background(), []byte("nested"))
		return nil
	})

	require.NoError(t, ctx.HandleGuestMessage(caller, []byte("trigger")))
	require.NoError(t, nestedErr)

	assert.Equal(t, []string{"nested"}, caller.sentStrings(), "nested send during callback must go to the cached caller")
	assert.Empty(t, owned.sentStrings(), "owned store must not see the nested send")

	// Once the reentrant call has returned, the cached-caller slot is
	// cleared and the owned store is available again for a direct send.
	require.NoError(t, ctx.SendMessageToGuest(context.Background(), []byte("post")))
	assert.Equal(t, []string{"post"}, owned.sentStrings())
}

// TestCachedCallerHandoffDuringReentrantPoll mirrors the above for Poll,
// which follows the identical handoff discipline.
func TestCachedCallerHandoffDuringReentrantPoll(t *testing.T) {
	ctx := lowlevel.NewContext(nil)
	owned := &fakeStore{name: "owned"}
	ctx.SetOwnedStore(owned)
	caller := &fakeStore{name: "caller"}

	var nestedErr error
	ctx.SetReceiver(func(data []byte) error {
		nestedErr = ctx.Poll(context.Background())
		return nil
	})

	require.NoError(t, ctx.HandleGuestMessage(caller, []byte("trigger")))
	require.NoError(t, nestedErr)

	assert.Equal(t, 1, caller.polled, "nested poll during callback must go to the cached caller")
	assert.Equal(t, 0, owned.polled, "owned store must not see the nested poll")

	require.NoError(t, ctx.Poll(context.Background()))
	assert.Equal(t, 1, owned.polled)
}
