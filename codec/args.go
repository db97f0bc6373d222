package codec

import (
	"github.com/hostcall/hostcall-go/abi"
)

// PackedArgs is the wire shape of an ordered argument tuple: each element is
// independently serialized, so the receiver may deserialize lazily by index
// and type.
type PackedArgs struct {
	ArgBuffers [][]byte `codec:"a"`
}

// ArgsBuilder accumulates per-argument serialized buffers and emits a final
// serialized PackedArgs.
type ArgsBuilder struct {
	codec   Codec
	buffers [][]byte
}

// NewArgsBuilder constructs an empty builder using c to serialize each
// argument as it's added.
func NewArgsBuilder(c Codec) *ArgsBuilder {
	return &ArgsBuilder{codec: c}
}

// Add serializes v and appends it as the next argument.
func (b *ArgsBuilder) Add(v any) error {
	buf, err := b.codec.Marshal(v)
	if err != nil {
		return err
	}
	b.buffers = append(b.buffers, buf)
	return nil
}

// Build serializes the accumulated PackedArgs into its final wire form.
func (b *ArgsBuilder) Build() ([]byte, error) {
	return b.codec.Marshal(&PackedArgs{ArgBuffers: b.buffers})
}

// Args wraps a decoded PackedArgs and offers index-typed accessors.
type Args struct {
	codec  Codec
	packed PackedArgs
}

// ParseArgs decodes raw as a PackedArgs using c.
func ParseArgs(c Codec, raw []byte) (*Args, error) {
	var packed PackedArgs
	if err := c.Unmarshal(raw, &packed); err != nil {
		return nil, err
	}
	return &Args{codec: c, packed: packed}, nil
}

// Len returns the number of packed arguments.
func (a *Args) Len() int {
	return len(a.packed.ArgBuffers)
}

// Get deserializes the i-th argument into out. Out-of-range access is an
// error, not a panic.
func (a *Args) Get(i int, out any) error {
	if i < 0 || i >= len(a.packed.ArgBuffers) {
		return abi.NewError(abi.SerializationFailed, "arg index %d out of range (len=%d)", i, len(a.packed.ArgBuffers))
	}
	return a.codec.Unmarshal(a.packed.ArgBuffers[i], out)
}
