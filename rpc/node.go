// Package rpc implements the RPC node: one per endpoint (one on each side
// of the channel per module). It allocates SeqNos, frames outbound
// Request/Response envelopes, decodes inbound envelopes, and dispatches
// them to exports or to the forwarding/result callbacks installed by the
// layer above (hostasync on the host side, guestasync on the guest side).
package rpc

import (
	"sync"

	"github.com/hostcall/hostcall-go/abi"
	"github.com/hostcall/hostcall-go/codec"
)

// ExportFunc handles an inbound Request for one exported function. It
// receives a ResponseCtx (used to frame and send the eventual Response) and
// the raw, still-serialized argument bytes.
type ExportFunc func(ctx ResponseCtx, rawArgs []byte) error

// ExportTable maps exported function names to their handlers, scoped to a
// single LinkHint. Lookups succeed only when the inbound function's hint
// equals the table's own hint.
type ExportTable struct {
	Hint  abi.LinkHint
	Funcs map[string]ExportFunc
}

// NewExportTable builds an empty table scoped to hint.
func NewExportTable(hint abi.LinkHint) *ExportTable {
	return &ExportTable{Hint: hint, Funcs: make(map[string]ExportFunc)}
}

// Register installs fn under name.
func (t *ExportTable) Register(name string, fn ExportFunc) {
	t.Funcs[name] = fn
}

func (t *ExportTable) lookup(fn abi.FunctionIdent) (ExportFunc, bool) {
	if fn.Hint != t.Hint {
		return nil, false
	}
	f, ok := t.Funcs[fn.Name]
	return f, ok
}

// ForwardFunc handles a Request whose function wasn't found in the export
// table: the "unknown export ⇒ forward" fallback.
type ForwardFunc func(ctx EndCtx, fn abi.FunctionIdent, rawRequest []byte) error

// ResultFunc handles an inbound Response envelope.
type ResultFunc func(ctx EndCtx, resultBytes []byte) error

// EndCtx carries the per-call context threaded through forward/result
// callbacks: the originating seq_no, the node's codec, and the node's user
// data.
type EndCtx struct {
	SeqNo abi.SeqNo
	Codec codec.Codec
	Data  any
}

// ResponseCtx is the context handed to an export wrapper; it can frame and
// emit a Response for the request it was given.
type ResponseCtx struct {
	EndCtx
	node *RpcNode
	fn   abi.FunctionIdent
}

// Respond serializes result and hands the framed Response envelope to
// node's configured sender. The SendFunc installed with SetSender decides
// where the bytes actually go (a queue, a direct channel write, ...).
func (r ResponseCtx) Respond(result any) error {
	buf, err := r.Codec.Marshal(result)
	if err != nil {
		return err
	}
	return r.node.emitResponse(r.SeqNo, r.fn, buf)
}

// RespondRaw emits a Response whose body is already serialized.
func (r ResponseCtx) RespondRaw(resultBytes []byte) error {
	return r.node.emitResponse(r.SeqNo, r.fn, resultBytes)
}

// SendFunc delivers a framed, serialized envelope to the other side of the
// channel. hostasync and guestasync each supply one (queue push, or direct
// low-level send).
type SendFunc func(envelopeBytes []byte) error

// RpcNode is one RPC endpoint. One lives on the host side of a module and
// one lives inside the guest; each owns its own SeqAllocator, ExportTable,
// and callbacks.
type RpcNode struct {
	mu sync.RWMutex

	codec codec.Codec
	seq   *abi.SeqAllocator
	data  any
	self  abi.LinkHint

	exports   *ExportTable
	forwardCb ForwardFunc
	resultCb  ResultFunc

	send SendFunc

	peerName     string
	peerNameOnce sync.Once
	peerNameCh   chan struct{}
}

// New constructs an RpcNode. nonce must be unique among nodes sharing a
// channel. self is this node's own hint (used to frame outbound envelopes
// addressed from this side); data is arbitrary per-node user data threaded
// through every callback context.
func New(c codec.Codec, nonce uint32, self abi.LinkHint, data any) *RpcNode {
	return &RpcNode{
		codec:      c,
		seq:        abi.NewSeqAllocator(nonce),
		data:       data,
		self:       self,
		peerNameCh: make(chan struct{}),
	}
}

// SetSender installs the function used to deliver outbound framed bytes to
// the other side of the channel. Must be called before Send, or an export's
// Respond during HandleMessage, can deliver output.
func (n *RpcNode) SetSender(fn SendFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.send = fn
}

// SetExports installs the ExportTable used to resolve inbound requests.
func (n *RpcNode) SetExports(t *ExportTable) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.exports = t
}

// SetForwardCallback installs the "unknown export ⇒ forward" fallback.
func (n *RpcNode) SetForwardCallback(fn ForwardFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forwardCb = fn
}

// SetResultCallback installs the handler for inbound Response envelopes.
func (n *RpcNode) SetResultCallback(fn ResultFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resultCb = fn
}

// RequestCtx is returned by Request: a builder carrying the freshly
// allocated SeqNo, ready to be framed once the caller has packed its
// arguments.
type RequestCtx struct {
	SeqNo abi.SeqNo
	node  *RpcNode
}

// Request allocates a new SeqNo and returns a builder context.
func (n *RpcNode) Request(fn abi.FunctionIdent) (RequestCtx, error) {
	seq, err := n.seq.Next()
	if err != nil {
		return RequestCtx{}, err
	}
	return RequestCtx{SeqNo: seq, node: n}, nil
}

// Frame serializes a Request envelope for fn carrying argBytes, addressed
// with this node's own self hint as the implicit source (the wire format
// only carries the destination hint inside fn; the source is implicit in
// which channel the bytes travel over).
func (r RequestCtx) Frame(fn abi.FunctionIdent, argBytes []byte) ([]byte, error) {
	env := codec.NewRequestEnvelope(r.SeqNo, fn, argBytes)
	return codec.Encode(r.node.codec, env)
}

// FrameRequest serializes a Request envelope for fn/argBytes addressed at
// ctx.SeqNo, without requiring ctx to carry a node reference (useful when a
// caller built its own RequestCtx, e.g. across the guestasync boundary).
func (n *RpcNode) FrameRequest(ctx RequestCtx, fn abi.FunctionIdent, argBytes []byte) ([]byte, error) {
	env := codec.NewRequestEnvelope(ctx.SeqNo, fn, argBytes)
	return codec.Encode(n.codec, env)
}

// Send frames and immediately delivers a Request for fn carrying argBytes
// through the node's configured sender.
func (n *RpcNode) Send(ctx RequestCtx, fn abi.FunctionIdent, argBytes []byte) error {
	buf, err := ctx.Frame(fn, argBytes)
	if err != nil {
		return err
	}
	n.mu.RLock()
	send := n.send
	n.mu.RUnlock()
	if send == nil {
		return abi.NewError(abi.NoCallback, "no sender installed on node")
	}
	return send(buf)
}

// MakePeerInfo produces the initialization envelope announcing this node's
// own name.
func (n *RpcNode) MakePeerInfo(name string) ([]byte, error) {
	env := codec.NewPeerInfoEnvelope(0, abi.NewFunctionIdent("", n.self), name)
	return codec.Encode(n.codec, env)
}

// PeerName returns the name most recently learned from a PeerInfo envelope.
// It does not block: ok is false if no PeerInfo has been processed yet (use
// WaitForPeerName to block).
func (n *RpcNode) PeerName() (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peerName, n.peerName != ""
}

// WaitForPeerName blocks until a PeerInfo envelope has been processed.
func (n *RpcNode) WaitForPeerName() string {
	<-n.peerNameCh
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peerName
}

// emitResponse frames and sends a Response envelope for seq/fn.
func (n *RpcNode) emitResponse(seq abi.SeqNo, fn abi.FunctionIdent, result []byte) error {
	env := codec.NewResponseEnvelope(seq, fn, result)
	buf, err := codec.Encode(n.codec, env)
	if err != nil {
		return err
	}
	n.mu.RLock()
	send := n.send
	n.mu.RUnlock()
	if send == nil {
		return abi.NewError(abi.NoCallback, "no sender installed on node")
	}
	return send(buf)
}

// HandleMessage decodes and dispatches a single inbound framed message.
// This is the dispatch algorithm of base spec §4.3.
func (n *RpcNode) HandleMessage(raw []byte) error {
	env, err := codec.Decode(n.codec, raw)
	if err != nil {
		return err
	}

	switch env.PayloadKind {
	case codec.KindPeerInfo:
		n.mu.Lock()
		n.peerName = env.PeerName
		n.mu.Unlock()
		n.peerNameOnce.Do(func() { close(n.peerNameCh) })
		return nil

	case codec.KindRequest:
		n.mu.RLock()
		exports := n.exports
		forwardCb := n.forwardCb
		codecV := n.codec
		data := n.data
		n.mu.RUnlock()

		if exports != nil {
			if fn, ok := exports.lookup(env.Func); ok {
				rctx := ResponseCtx{
					EndCtx: EndCtx{SeqNo: env.SeqNo, Codec: codecV, Data: data},
					node:   n,
					fn:     env.Func,
				}
				return fn(rctx, env.Bytes)
			}
		}
		if forwardCb != nil {
			ectx := EndCtx{SeqNo: env.SeqNo, Codec: codecV, Data: data}
			return forwardCb(ectx, env.Func, raw)
		}
		return abi.NewError(abi.UnknownExport, "no export or forward callback for %s", env.Func)

	case codec.KindResponse:
		n.mu.RLock()
		resultCb := n.resultCb
		codecV := n.codec
		data := n.data
		n.mu.RUnlock()
		if resultCb == nil {
			return abi.NewError(abi.NoCallback, "no result callback installed for seq %d", env.SeqNo)
		}
		ectx := EndCtx{SeqNo: env.SeqNo, Codec: codecV, Data: data}
		return resultCb(ectx, env.Bytes)

	default:
		return abi.NewError(abi.SerializationFailed, "unknown payload kind %d", env.PayloadKind)
	}
}

// Nonce returns this node's allocator nonce.
func (n *RpcNode) Nonce() uint32 {
	return n.seq.Nonce()
}

// Data returns this node's per-node user data.
func (n *RpcNode) Data() any {
	return n.data
}

// Codec returns this node's codec.
func (n *RpcNode) Codec() codec.Codec {
	return n.codec
}
