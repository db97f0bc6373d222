// Package wazero is the concrete isolate engine binding lowlevel.StoreHandle
// to a wazero-compiled guest module. It owns the one required host import
// (receive_message_from_wasm) and the guest's required exports
// (realloc, free, host_message_handler, main, low_level_wasm_poll).
package wazero

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/hostcall/hostcall-go/abi"
	"github.com/hostcall/hostcall-go/internal/logging"
	"github.com/hostcall/hostcall-go/lowlevel"
)

const i32 = api.ValueTypeI32

// allocAlign is the alignment requested from the guest's realloc on every
// host-to-guest send. Guests that don't care about alignment may ignore it.
const allocAlign = 8

const (
	exportRealloc      = "realloc"
	exportFree         = "free"
	exportHostMsgFn    = "host_message_handler"
	exportMain         = "main"
	exportLowLevelPoll = "low_level_wasm_poll"

	importReceiveFromWasm = "receive_message_from_wasm"
)

// Config customizes an Engine's runtimes. Built with functional options, the
// same convention the teacher's Module.WithConfig uses for wazero.ModuleConfig.
type Config struct {
	stdout interface {
		Write([]byte) (int, error)
	}
	stderr interface {
		Write([]byte) (int, error)
	}
}

// ConfigOption mutates a Config.
type ConfigOption func(*Config)

// WithStdout directs guest stdout (e.g. WASI fd_write(1, ...)) to w.
func WithStdout(w interface {
	Write([]byte) (int, error)
}) ConfigOption {
	return func(c *Config) { c.stdout = w }
}

// WithStderr directs guest stderr to w.
func WithStderr(w interface {
	Write([]byte) (int, error)
}) ConfigOption {
	return func(c *Config) { c.stderr = w }
}

// NewRuntime constructs the wazero runtime used for a freshly loaded module.
// Each Module gets its own runtime, mirroring the teacher's per-Module
// runtime lifecycle.
type NewRuntime func(context.Context) (wazero.Runtime, error)

// DefaultRuntime returns a wazero runtime with WASI instantiated, which is
// all a tinygo-compiled guest needs beyond this package's own "env" import
// module.
func DefaultRuntime(ctx context.Context) (wazero.Runtime, error) {
	r := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	return r, nil
}

// Engine compiles guest bytes into Modules.
type Engine struct {
	newRuntime NewRuntime
}

// NewEngine returns an Engine using DefaultRuntime.
func NewEngine() *Engine {
	return &Engine{newRuntime: DefaultRuntime}
}

// EngineWithRuntime allows overriding runtime construction (e.g. to add
// further host modules a particular guest needs).
func EngineWithRuntime(newRuntime NewRuntime) *Engine {
	return &Engine{newRuntime: newRuntime}
}

// OnGuestMessage is invoked synchronously from within the
// receive_message_from_wasm host import. store is the caller's reentrant
// handle (valid to use from inside this call, per lowlevel's one-shot
// handoff discipline); data is borrowed guest memory, valid only for the
// duration of the call.
type OnGuestMessage func(store *Store, data []byte) error

// hostEnv implements the single host import. store is bound once, right
// after Instantiate, since each Module owns exactly one guest instance.
type hostEnv struct {
	store     *Store
	onReceive OnGuestMessage
	log       *log.Logger
}

func (h *hostEnv) receiveMessageFromWasm(_ context.Context, mod api.Module, stack []uint64) {
	ptr := uint32(stack[0])
	length := uint32(stack[1])

	data := requireRead(mod.Memory(), "receive_message_from_wasm payload", ptr, length)
	if h.store == nil || h.onReceive == nil {
		return
	}
	if err := h.onReceive(h.store, data); err != nil {
		h.log.Printf("[WARN] receive_message_from_wasm: %v", err)
	}
}

// Module is one compiled guest, ready to be instantiated. One Module backs
// one registry.Module.
type Module struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	config   wazero.ModuleConfig
	hostEnv  *hostEnv
	log      *log.Logger

	instanceCounter uint64
	closed          uint32
}

// New compiles guestWasm and wires the env.receive_message_from_wasm import,
// calling onMessage whenever the guest sends a message to the host.
func (e *Engine) New(ctx context.Context, guestWasm []byte, cfg *Config, onMessage OnGuestMessage) (*Module, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	r, err := e.newRuntime(ctx)
	if err != nil {
		return nil, err
	}

	m := &Module{
		runtime: r,
		log:     logging.Default("wazero"),
		config:  wazero.NewModuleConfig(),
	}
	if cfg.stdout != nil {
		m.config = m.config.WithStdout(cfg.stdout)
	}
	if cfg.stderr != nil {
		m.config = m.config.WithStderr(cfg.stderr)
	}

	h := &hostEnv{onReceive: onMessage, log: m.log}
	if _, err := r.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.receiveMessageFromWasm), []api.ValueType{i32, i32}, []api.ValueType{}).
		WithParameterNames("ptr", "len").
		Export(importReceiveFromWasm).
		Instantiate(ctx); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	m.hostEnv = h

	if m.compiled, err = r.CompileModule(ctx, guestWasm); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	return m, nil
}

// Instantiate creates the guest instance and resolves its required exports.
// It does not call main; the caller (registry.Module.Init) does that
// explicitly once the instance's Store is wired into a lowlevel.Context.
func (m *Module) Instantiate(ctx context.Context) (*Store, error) {
	if atomic.LoadUint32(&m.closed) != 0 {
		return nil, errors.New("wazero: cannot instantiate a closed module")
	}

	name := fmt.Sprintf("%d", atomic.AddUint64(&m.instanceCounter, 1))
	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, m.config.WithName(name))
	if err != nil {
		return nil, err
	}

	store := &Store{name: name, module: mod}
	for _, req := range []struct {
		name string
		fn   *api.Function
	}{
		{exportRealloc, &store.reallocFn},
		{exportFree, &store.freeFn},
		{exportHostMsgFn, &store.hostMsgFn},
		{exportMain, &store.mainFn},
		{exportLowLevelPoll, &store.pollFn},
	} {
		f := mod.ExportedFunction(req.name)
		if f == nil {
			_ = mod.Close(ctx)
			return nil, abi.NewError(abi.MissingExport, "guest module %q missing required export %q", name, req.name)
		}
		*req.fn = f
	}

	m.hostEnv.store = store
	return store, nil
}

// Close releases the runtime and every instance created from it.
func (m *Module) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&m.closed, 0, 1) {
		return nil
	}
	return m.runtime.Close(ctx)
}

// Store is one running guest instance; it implements lowlevel.StoreHandle.
type Store struct {
	name   string
	module api.Module

	reallocFn api.Function
	freeFn    api.Function
	hostMsgFn api.Function
	mainFn    api.Function
	pollFn    api.Function

	closed uint32
}

var _ lowlevel.StoreHandle = (*Store)(nil)

// CallMain invokes the guest's main export, which must send its PeerInfo
// envelope before returning (base spec §4.6).
func (s *Store) CallMain(ctx context.Context) error {
	_, err := s.mainFn.Call(ctx)
	if err != nil {
		return abi.WrapError(abi.ChannelFailed, err, "guest main trapped")
	}
	return nil
}

// SendToGuest allocates allocAlign-aligned space in the guest's linear
// memory via realloc, copies data into it, invokes host_message_handler, and
// frees the buffer — the four steps of base spec §4.1 sharing one logical
// critical section. free runs on every path once realloc has succeeded,
// including when the write or the handler call itself fails, since the
// guest otherwise has no way to reclaim an allocation it never gets to see.
func (s *Store) SendToGuest(ctx context.Context, data []byte) error {
	results, err := s.reallocFn.Call(ctx, 0, 0, allocAlign, uint64(len(data)))
	if err != nil {
		return abi.WrapError(abi.ChannelFailed, err, "guest realloc trapped")
	}
	ptr := uint32(results[0])
	defer func() {
		_, _ = s.freeFn.Call(ctx, uint64(ptr), uint64(len(data)), allocAlign)
	}()

	if len(data) > 0 {
		if !s.module.Memory().Write(ptr, data) {
			return abi.NewError(abi.MemoryOutOfBounds, "write of %d bytes at %#x out of guest memory bounds", len(data), ptr)
		}
	}

	if _, err := s.hostMsgFn.Call(ctx, uint64(ptr), uint64(len(data))); err != nil {
		return abi.WrapError(abi.ChannelFailed, err, "guest host_message_handler trapped")
	}
	return nil
}

// Poll invokes the guest's low_level_wasm_poll export so its cooperative
// runtime can advance any woken tasks.
func (s *Store) Poll(ctx context.Context) error {
	if _, err := s.pollFn.Call(ctx); err != nil {
		return abi.WrapError(abi.ChannelFailed, err, "guest low_level_wasm_poll trapped")
	}
	return nil
}

// Close tears down this instance.
func (s *Store) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return nil
	}
	return s.module.Close(ctx)
}

// requireRead is like api.Memory.Read except it panics (surfacing as a
// wazero trap to the caller of the originating Call) if the range is out of
// bounds, matching base spec §4.7's channel-level trap semantics.
func requireRead(mem api.Memory, fieldName string, offset, byteCount uint32) []byte {
	buf, ok := mem.Read(offset, byteCount)
	if !ok {
		panic(abi.NewError(abi.MemoryOutOfBounds, "out of bounds reading %s (offset=%d len=%d)", fieldName, offset, byteCount))
	}
	return buf
}
