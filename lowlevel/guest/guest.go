// Package guest implements the guest side of the low-level byte channel
// (base spec §4.1, §6): the two extern declarations required of every
// guest module, plus the allocator exports obeying the component-model
// canonical ABI. This package is compiled into guest modules (tinygo
// targeting wasm), never into the host binary.
package guest

import "unsafe"

// MessageHandler is the guest-side callback invoked for every message
// delivered by the host via host_message_handler. Installed once by the
// guest's RPC layer (lowlevel/guest is deliberately RPC-agnostic: it only
// moves bytes).
type MessageHandler func(data []byte)

var installedHandler MessageHandler

// Install registers the guest's message handler. Must be called before the
// host can deliver any message (ordinarily from the guest's main export).
func Install(h MessageHandler) {
	installedHandler = h
}

// receive_message_from_wasm is the import the host registers; the guest
// calls it to hand a byte string to the host's receive-from-guest path.
//
//go:wasmimport env receive_message_from_wasm
func receiveMessageFromWasm(ptr, length uint32)

// SendMessageToHost copies data into a scratch allocation and hands it to
// the host via the receive_message_from_wasm import. The host's callback
// must copy anything it needs past the call (Invariant 7); this function
// frees the scratch buffer only after the import call returns, which is
// synchronous by construction of the ABI.
func SendMessageToHost(data []byte) {
	ptr, length := bytesToPtr(data)
	receiveMessageFromWasm(ptr, length)
	free(ptr, length, 1)
}

// host_message_handler is the well-known export the host invokes to
// deliver a message into the guest. It reconstructs a slice over its
// arguments and invokes the installed handler.
//
//export host_message_handler
func hostMessageHandler(ptr, length uint32) {
	if installedHandler == nil {
		return
	}
	installedHandler(ptrToBytes(ptr, length))
}

// low_level_wasm_poll lets the host cooperatively tick the guest's
// microtask queue. The guest's async runtime installs its RunAll via
// InstallPoll; lowlevel/guest only provides the export shim.
var installedPoll func()

// InstallPoll registers the function invoked on low_level_wasm_poll,
// ordinarily guestasync.Queue.RunAll for the guest's default queue.
func InstallPoll(fn func()) {
	installedPoll = fn
}

//export low_level_wasm_poll
func lowLevelWasmPoll() {
	if installedPoll != nil {
		installedPoll()
	}
}

// realloc implements the canonical-ABI allocator export. A zero-length
// request for a fresh allocation (oldPtr==0, oldLen==0) returns a fresh
// buffer of newLen bytes; alignment is honored by over-allocating and
// rounding up, matching what component-model guests expect. A newLen of 0
// frees nothing and returns a sentinel pointer equal to the alignment, per
// the canonical ABI's "no allocation" convention.
//
//export realloc
func realloc(oldPtr, oldLen, align, newLen uint32) uint32 {
	if newLen == 0 {
		return align
	}
	buf := make([]byte, newLen+align)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (ptr + uintptr(align) - 1) &^ (uintptr(align) - 1)
	pin(aligned, buf)
	if oldPtr != 0 && oldLen != 0 {
		old := ptrToBytes(oldPtr, oldLen)
		copy(ptrToBytes(uint32(aligned), newLen), old)
	}
	return uint32(aligned)
}

//export free
func free(ptr, length, align uint32) {
	unpin(ptr)
}

// pin/unpin keep allocations referenced from Go's GC reachable from raw
// pointers handed across the ABI boundary until free is called. tinygo's
// wasm target does not relocate the heap during a call, so a simple
// reference-holding map suffices. Keyed by the aligned address realloc
// actually returns (and free is later called with), not buf's unaligned
// base — the two can differ whenever align > 1.
var pinned = map[uintptr][]byte{}

func pin(aligned uintptr, buf []byte) {
	pinned[aligned] = buf
}

func unpin(ptr uint32) {
	delete(pinned, uintptr(ptr))
}

func ptrToBytes(ptr, length uint32) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}

func bytesToPtr(data []byte) (uint32, uint32) {
	if len(data) == 0 {
		return 0, 0
	}
	ptr := realloc(0, 0, 1, uint32(len(data)))
	copy(ptrToBytes(ptr, uint32(len(data))), data)
	return ptr, uint32(len(data))
}
