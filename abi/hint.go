// Package abi defines the leaf types shared by every other layer of the
// host-call fabric: the routing tags, the call-site identifiers, and the
// sequence number scheme used to correlate requests with responses.
package abi

import "fmt"

// HintKind tags the variant carried by a LinkHint.
type HintKind uint8

const (
	// HintHost routes to a function exported by the host itself.
	HintHost HintKind = iota
	// HintGuestModule routes to a function exported by a named guest module.
	HintGuestModule
	// HintNativeModule routes to a function exported by a native (non-wasm) module.
	HintNativeModule
)

func (k HintKind) String() string {
	switch k {
	case HintHost:
		return "host"
	case HintGuestModule:
		return "guest_module"
	case HintNativeModule:
		return "native_module"
	default:
		return fmt.Sprintf("hint_kind(%d)", uint8(k))
	}
}

// LinkHint identifies a call destination. It is a tagged variant: Host
// carries no name, GuestModule and NativeModule carry the target module's
// name. Two LinkHints are equal iff their Kind and Name both match, which
// makes LinkHint usable directly as a map key.
type LinkHint struct {
	Kind HintKind
	Name string
}

// Host is the singleton hint addressing the host process.
func Host() LinkHint {
	return LinkHint{Kind: HintHost}
}

// GuestModule addresses the named guest module.
func GuestModule(name string) LinkHint {
	return LinkHint{Kind: HintGuestModule, Name: name}
}

// NativeModule addresses the named native module.
func NativeModule(name string) LinkHint {
	return LinkHint{Kind: HintNativeModule, Name: name}
}

// String renders the hint for logging and error messages.
func (h LinkHint) String() string {
	if h.Kind == HintHost {
		return "host"
	}
	return fmt.Sprintf("%s(%s)", h.Kind, h.Name)
}

// IsHost reports whether this hint addresses the host itself.
func (h LinkHint) IsHost() bool {
	return h.Kind == HintHost
}

// FunctionIdent uniquely identifies a callable endpoint: a name scoped to a
// routing hint. It is immutable once placed on the wire.
type FunctionIdent struct {
	Name string
	Hint LinkHint
}

// NewFunctionIdent builds a FunctionIdent. Callers own the resulting value;
// it carries no reference back to whatever constructed it.
func NewFunctionIdent(name string, hint LinkHint) FunctionIdent {
	return FunctionIdent{Name: name, Hint: hint}
}

func (f FunctionIdent) String() string {
	return fmt.Sprintf("%s@%s", f.Name, f.Hint)
}
