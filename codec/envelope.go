package codec

import (
	"github.com/hostcall/hostcall-go/abi"
)

// PayloadKind tags the one_of carried by an Envelope.
type PayloadKind uint8

const (
	// KindRequest carries a packed-argument request body.
	KindRequest PayloadKind = iota
	// KindResponse carries a single serialized return value.
	KindResponse
	// KindPeerInfo carries the guest's chosen peer name at init time.
	KindPeerInfo
)

// wireEnvelope is the on-the-wire shape of Envelope. It is kept separate
// from Envelope so the richer abi.FunctionIdent/LinkHint types don't need
// their own codec tags duplicated across every caller.
type wireEnvelope struct {
	SeqNo       uint64 `codec:"s"`
	FuncName    string `codec:"n"`
	HintKind    uint8  `codec:"hk"`
	HintName    string `codec:"hn"`
	PayloadKind uint8  `codec:"pk"`
	Bytes       []byte `codec:"b"`
	PeerName    string `codec:"p"`
}

// Envelope is the single framed message exchanged over the low-level
// channel: a sequence number, the target function identifier, and exactly
// one of Request(bytes) / Response(bytes) / PeerInfo(name).
type Envelope struct {
	SeqNo       abi.SeqNo
	Func        abi.FunctionIdent
	PayloadKind PayloadKind
	// Bytes holds the packed argument tuple for Request, or the single
	// serialized return value for Response. Unused for PeerInfo.
	Bytes []byte
	// PeerName holds the guest-chosen name for PeerInfo. Unused otherwise.
	PeerName string
}

// NewRequestEnvelope builds a Request envelope.
func NewRequestEnvelope(seq abi.SeqNo, fn abi.FunctionIdent, args []byte) Envelope {
	return Envelope{SeqNo: seq, Func: fn, PayloadKind: KindRequest, Bytes: args}
}

// NewResponseEnvelope builds a Response envelope.
func NewResponseEnvelope(seq abi.SeqNo, fn abi.FunctionIdent, result []byte) Envelope {
	return Envelope{SeqNo: seq, Func: fn, PayloadKind: KindResponse, Bytes: result}
}

// NewPeerInfoEnvelope builds the initialization envelope a node sends to
// announce its name.
func NewPeerInfoEnvelope(seq abi.SeqNo, fn abi.FunctionIdent, name string) Envelope {
	return Envelope{SeqNo: seq, Func: fn, PayloadKind: KindPeerInfo, PeerName: name}
}

// Encode serializes the Envelope using c.
func Encode(c Codec, e Envelope) ([]byte, error) {
	w := wireEnvelope{
		SeqNo:       uint64(e.SeqNo),
		FuncName:    e.Func.Name,
		HintKind:    uint8(e.Func.Hint.Kind),
		HintName:    e.Func.Hint.Name,
		PayloadKind: uint8(e.PayloadKind),
		Bytes:       e.Bytes,
		PeerName:    e.PeerName,
	}
	return c.Marshal(&w)
}

// Decode deserializes an Envelope using c.
func Decode(c Codec, data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := c.Unmarshal(data, &w); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		SeqNo:       abi.SeqNo(w.SeqNo),
		Func:        abi.NewFunctionIdent(w.FuncName, abi.LinkHint{Kind: abi.HintKind(w.HintKind), Name: w.HintName}),
		PayloadKind: PayloadKind(w.PayloadKind),
		Bytes:       w.Bytes,
		PeerName:    w.PeerName,
	}, nil
}
