// Package registry implements the module registry and lifecycle (base spec
// §4.6): a thread-safe LinkHint → Module map, and the Module type that
// wires a compiled guest through the low-level channel, the RPC node, and
// the host async context into one addressable unit.
package registry

import (
	"context"
	"sync/atomic"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/hostcall/hostcall-go/abi"
	"github.com/hostcall/hostcall-go/codec"
	wazeroengine "github.com/hostcall/hostcall-go/engines/wazero"
	"github.com/hostcall/hostcall-go/hostasync"
	"github.com/hostcall/hostcall-go/lowlevel"
	"github.com/hostcall/hostcall-go/rpc"
)

// nonceSeq hands every Module's RpcNode a distinct SeqAllocator nonce, since
// nonces only need to be unique among nodes sharing a process.
var nonceSeq uint32

func nextNonce() uint32 {
	return atomic.AddUint32(&nonceSeq, 1)
}

// closeFunc tears down whatever holds the guest instance alive (the engine
// Store and Module). Captured once at Init time so Kill doesn't need to
// know which concrete engine loaded this module.
type closeFunc func(context.Context) error

// Module is a single loaded guest plus its host-side bookkeeping: the
// low-level channel, the RPC node, and the async context. One Module
// lives per loaded guest instance; ModuleManager addresses them by hint.
type Module struct {
	name string

	node     *rpc.RpcNode
	ll       *lowlevel.Context
	asyncCtx *hostasync.AsyncContext

	closeEngine closeFunc
}

// Init loads guestWasm through engine: compiles it, instantiates it,
// invokes its main export (which must send a PeerInfo envelope before
// returning), and reads the resulting peer name off the RPC node.
// Initialization is synchronous: main is expected to perform only
// structure setup, never I/O or suspension.
func Init(ctx context.Context, engine *wazeroengine.Engine, guestWasm []byte, c codec.Codec, hostExports *rpc.ExportTable, cfg *wazeroengine.Config) (*Module, error) {
	ll := lowlevel.NewContext(nil)
	node := rpc.New(c, nextNonce(), abi.Host(), nil)
	if hostExports != nil {
		node.SetExports(hostExports)
	}
	// Pre-asyncCtx bootstrap: the guest's PeerInfo (and nothing else, since
	// main must not issue real requests) is dispatched straight into the
	// node, mirroring the readiness-gate behavior hostasync applies later.
	ll.SetReceiver(node.HandleMessage)

	em, err := engine.New(ctx, guestWasm, cfg, func(store *wazeroengine.Store, data []byte) error {
		return ll.HandleGuestMessage(store, data)
	})
	if err != nil {
		return nil, err
	}

	store, err := em.Instantiate(ctx)
	if err != nil {
		_ = em.Close(ctx)
		return nil, err
	}
	ll.SetOwnedStore(store)

	if err := store.CallMain(ctx); err != nil {
		_ = store.Close(ctx)
		_ = em.Close(ctx)
		return nil, err
	}

	closeEngine := func(ctx context.Context) error {
		var merr *multierror.Error
		if err := store.Close(ctx); err != nil {
			merr = multierror.Append(merr, err)
		}
		if err := em.Close(ctx); err != nil {
			merr = multierror.Append(merr, err)
		}
		return merr.ErrorOrNil()
	}

	m := &Module{}
	if err := m.bind(node, ll, closeEngine); err != nil {
		_ = closeEngine(ctx)
		return nil, err
	}
	return m, nil
}

// bind finishes construction once the guest's peer name is known: it builds
// the AsyncContext under that identity and swaps the low-level receiver
// over from the bootstrap path to the real, readiness-aware one.
func (m *Module) bind(node *rpc.RpcNode, ll *lowlevel.Context, closeEngine closeFunc) error {
	peerName, ok := node.PeerName()
	if !ok {
		return abi.NewError(abi.NotReady, "guest main returned without sending a PeerInfo envelope")
	}

	m.name = peerName
	m.node = node
	m.ll = ll
	m.closeEngine = closeEngine
	m.asyncCtx = hostasync.New(abi.GuestModule(peerName), node, ll)
	ll.SetReceiver(m.asyncCtx.DeliverGuestMessage)
	return nil
}

// Start spawns the module's TX/RX drivers and blocks until both are ready.
func (m *Module) Start(ctx context.Context) {
	m.asyncCtx.Start(ctx)
}

// RequestAPI issues fn(argBytes) against the guest and returns its raw
// result bytes. Callers are responsible for their own argument/result
// (de)serialization via the codec package.
func (m *Module) RequestAPI(ctx context.Context, fn abi.FunctionIdent, argBytes []byte) ([]byte, error) {
	req, err := hostasync.NewAsyncRequest(m.asyncCtx, fn, argBytes)
	if err != nil {
		return nil, err
	}
	return req.Await(ctx)
}

// Kill terminates the module's drivers and tears down its guest instance,
// aggregating failures from both.
func (m *Module) Kill(ctx context.Context) error {
	var merr *multierror.Error
	if err := m.asyncCtx.Kill(); err != nil {
		merr = multierror.Append(merr, err)
	}
	if m.closeEngine != nil {
		if err := m.closeEngine(ctx); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// Name returns the peer name the guest announced via PeerInfo.
func (m *Module) Name() string {
	return m.name
}

// Hint returns this module's own routing hint.
func (m *Module) Hint() abi.LinkHint {
	return abi.GuestModule(m.name)
}

// AsyncContext exposes the underlying host async context, mostly for tests
// and for wiring a ModuleManager's resolver.
func (m *Module) AsyncContext() *hostasync.AsyncContext {
	return m.asyncCtx
}

// AttachToManager installs a resolver on this module's AsyncContext that
// looks destinations up through mgr, rejecting a hint that resolves back to
// this same module (Invariant 6). hostasync.forwardRequest independently
// rejects routing to itself by identity; this is the registry-level
// equivalent the original source's attach_to_manager performs by comparing
// hints before ever handing back an AsyncContext.
func (m *Module) AttachToManager(mgr *ModuleManager) {
	myHint := m.Hint()
	m.asyncCtx.SetResolver(func(hint abi.LinkHint) (*hostasync.AsyncContext, bool) {
		other, ok := mgr.Resolve(hint)
		if !ok {
			return nil, false
		}
		if other.Hint() == myHint {
			return nil, false
		}
		return other.asyncCtx, true
	})
}
