package registry

import (
	"context"
	"log"
	"sync"

	"github.com/hostcall/hostcall-go/abi"
	"github.com/hostcall/hostcall-go/codec"
	wazeroengine "github.com/hostcall/hostcall-go/engines/wazero"
	"github.com/hostcall/hostcall-go/internal/logging"
	"github.com/hostcall/hostcall-go/rpc"
)

// ModuleManager is a thread-safe LinkHint → Module map. It owns every
// Module registered into it; Modules hold only a non-owning reference back
// (captured in the resolver closure installed by AttachToManager).
type ModuleManager struct {
	mu      sync.RWMutex
	modules map[abi.LinkHint]*Module
	log     *log.Logger
}

// NewModuleManager returns an empty manager.
func NewModuleManager() *ModuleManager {
	return &ModuleManager{
		modules: make(map[abi.LinkHint]*Module),
		log:     logging.Default("registry"),
	}
}

// Resolve looks up the module registered under hint.
func (mgr *ModuleManager) Resolve(hint abi.LinkHint) (*Module, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	m, ok := mgr.modules[hint]
	return m, ok
}

// Register installs m under hint, returning the previously registered
// module at that hint, if any (the caller decides whether to kill it).
func (mgr *ModuleManager) Register(hint abi.LinkHint, m *Module) (*Module, bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	old, had := mgr.modules[hint]
	mgr.modules[hint] = m
	if had {
		mgr.log.Printf("[INFO] evicting module at %s on re-register", hint)
	}
	mgr.log.Printf("[INFO] registered module %s", hint)
	return old, had
}

// Unregister removes the module at hint, if any.
func (mgr *ModuleManager) Unregister(hint abi.LinkHint) (*Module, bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	old, had := mgr.modules[hint]
	if had {
		delete(mgr.modules, hint)
		mgr.log.Printf("[INFO] unregistered module %s", hint)
	}
	return old, had
}

// ListHints returns every currently registered hint, in no particular order.
func (mgr *ModuleManager) ListHints() []abi.LinkHint {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	out := make([]abi.LinkHint, 0, len(mgr.modules))
	for h := range mgr.modules {
		out = append(out, h)
	}
	return out
}

// Load is the convenience path tying Init, AttachToManager, Register, and
// Start together: it loads guestWasm, attaches the module's forwarding
// resolver to mgr, registers it under the peer name the guest announced,
// killing off whatever module previously held that hint (base spec S4:
// re-loading the same path evicts the old module, leaving list_hints with
// exactly one entry for that name), and starts its drivers.
func (mgr *ModuleManager) Load(ctx context.Context, engine *wazeroengine.Engine, guestWasm []byte, c codec.Codec, hostExports *rpc.ExportTable, cfg *wazeroengine.Config) (*Module, error) {
	m, err := Init(ctx, engine, guestWasm, c, hostExports, cfg)
	if err != nil {
		return nil, err
	}
	m.AttachToManager(mgr)

	if displaced, had := mgr.Register(m.Hint(), m); had && displaced != nil {
		if err := displaced.Kill(ctx); err != nil {
			mgr.log.Printf("[WARN] killing displaced module %s: %v", displaced.Hint(), err)
		}
	}

	m.Start(ctx)
	return m, nil
}
