// Package codec provides the serialization envelope used to encode calls,
// responses, and arguments on the wire, plus the argument-packing helpers
// built on top of it. The codec itself is pluggable; the shipped
// implementation wraps github.com/hashicorp/go-msgpack/codec the way
// hashicorp/serf's RPC client wraps it for its header/body framing.
package codec

import (
	"github.com/hashicorp/go-msgpack/codec"

	"github.com/hostcall/hostcall-go/abi"
)

// Codec maps typed values to and from byte strings. All values transported
// by the RPC layer, including Envelope itself, are routed through this one
// pair of operations.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// MsgpackCodec implements Codec with a self-describing msgpack encoding.
type MsgpackCodec struct {
	handle *codec.MsgpackHandle
}

// NewMsgpackCodec constructs the default codec.
func NewMsgpackCodec() *MsgpackCodec {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	return &MsgpackCodec{handle: h}
}

// Marshal implements Codec.
func (c *MsgpackCodec) Marshal(v any) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, c.handle)
	if err := enc.Encode(v); err != nil {
		return nil, abi.WrapError(abi.SerializationFailed, err, "marshal %T", v)
	}
	return out, nil
}

// Unmarshal implements Codec.
func (c *MsgpackCodec) Unmarshal(data []byte, v any) error {
	dec := codec.NewDecoderBytes(data, c.handle)
	if err := dec.Decode(v); err != nil {
		return abi.WrapError(abi.SerializationFailed, err, "unmarshal into %T", v)
	}
	return nil
}

var _ Codec = (*MsgpackCodec)(nil)
