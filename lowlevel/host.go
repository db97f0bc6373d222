// Package lowlevel implements the host side of the low-level byte channel
// (base spec §4.1): moving an opaque byte string across the host/guest
// boundary without interpreting it, plus the reentrancy handling required
// because the isolate store is a singular, non-shareable resource that must
// be reachable both from outside (a driver feeding messages in) and from
// inside (an import callback that may itself need to send to the guest).
package lowlevel

import (
	"context"
	"sync"

	"github.com/hostcall/hostcall-go/abi"
)

// StoreHandle is the narrow interface a concrete isolate engine (e.g.
// engines/wazero) implements to let lowlevel drive a single guest instance.
// It mirrors the engine's required exports: realloc/free-backed message
// delivery and the cooperative poll entry point.
type StoreHandle interface {
	// SendToGuest copies data into the guest's linear memory via its
	// allocator and invokes its host_message_handler export.
	SendToGuest(ctx context.Context, data []byte) error
	// Poll invokes the guest's low_level_wasm_poll export so its
	// cooperative runtime can advance queued microtasks.
	Poll(ctx context.Context) error
}

// ReceiveFunc is the host's callback for bytes arriving from the guest via
// receive_message_from_wasm. The slice it receives is only valid for the
// duration of the call (Invariant 7); it must copy anything it needs to
// retain past return.
type ReceiveFunc func(data []byte) error

// Context owns the one-shot reentrant-caller handoff slot described in
// base spec §4.1: while the host is inside the receive-from-guest import
// callback, the isolate store is borrowed by the invoking caller view, not
// the stored owned copy. The owned store is taken out of its slot while a
// send or poll uses it, so a send from outside the callback in that window
// finds neither handle and fails with NoAvailableStore.
type Context struct {
	mu           sync.Mutex
	owned        StoreHandle
	cachedCaller StoreHandle
	onReceive    ReceiveFunc
}

// NewContext builds a Context. onReceive is invoked for every message
// arriving from the guest; it may be nil until the guest's peer handshake
// is wired, since early messages (PeerInfo) still need a non-nil receiver
// per Invariant 4.
func NewContext(onReceive ReceiveFunc) *Context {
	return &Context{onReceive: onReceive}
}

// SetOwnedStore installs the owned store handle obtained after the guest
// instance is created. Must be called exactly once before any send.
func (c *Context) SetOwnedStore(s StoreHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owned = s
}

// SetReceiver (re)installs the receive callback, used when the guest's peer
// name becomes known only after construction.
func (c *Context) SetReceiver(fn ReceiveFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReceive = fn
}

// SendMessageToGuest delivers data to the guest. It uses the cached caller
// handle if the call is happening reentrantly from within
// HandleGuestMessage; otherwise it temporarily removes the owned store,
// uses it, and restores it. A concurrent send attempted while neither slot
// is populated fails with NoAvailableStore.
func (c *Context) SendMessageToGuest(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.cachedCaller != nil {
		caller := c.cachedCaller
		c.mu.Unlock()
		return caller.SendToGuest(ctx, data)
	}
	if c.owned == nil {
		c.mu.Unlock()
		return abi.NewError(abi.NoAvailableStore, "send attempted with neither cached caller nor owned store present")
	}
	store := c.owned
	c.owned = nil
	c.mu.Unlock()

	err := store.SendToGuest(ctx, data)

	c.mu.Lock()
	c.owned = store
	c.mu.Unlock()
	return err
}

// Poll invokes the guest's cooperative poll entry point, using the same
// handoff discipline as SendMessageToGuest.
func (c *Context) Poll(ctx context.Context) error {
	c.mu.Lock()
	if c.cachedCaller != nil {
		caller := c.cachedCaller
		c.mu.Unlock()
		return caller.Poll(ctx)
	}
	if c.owned == nil {
		c.mu.Unlock()
		return abi.NewError(abi.NoAvailableStore, "poll attempted with neither cached caller nor owned store present")
	}
	store := c.owned
	c.owned = nil
	c.mu.Unlock()

	err := store.Poll(ctx)

	c.mu.Lock()
	c.owned = store
	c.mu.Unlock()
	return err
}

// HandleGuestMessage is invoked by the concrete engine's
// receive_message_from_wasm import implementation. caller is the reentrant
// store handle valid only for the duration of this call; data is a
// borrowed slice over guest linear memory, valid only for the duration of
// this call. While onReceive runs, SendMessageToGuest will see caller via
// the cached-caller slot, supporting nested host→guest sends triggered from
// within a guest→host callback (scenario S6).
func (c *Context) HandleGuestMessage(caller StoreHandle, data []byte) error {
	c.mu.Lock()
	c.cachedCaller = caller
	onReceive := c.onReceive
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.cachedCaller = nil
		c.mu.Unlock()
	}()

	if onReceive == nil {
		return nil
	}
	// Copy: the caller only guarantees data is valid for this call's
	// duration, and onReceive may outlive it (e.g. queueing for later).
	cp := make([]byte, len(data))
	copy(cp, data)
	return onReceive(cp)
}
