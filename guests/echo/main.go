// Command echo is the minimal guest module exercising scenario S1: a single
// "echo" export that hands its one string argument straight back. It is
// built with tinygo targeting wasm32-wasi and never linked into the host
// binary.
package main

import (
	"github.com/hostcall/hostcall-go/abi"
	"github.com/hostcall/hostcall-go/codec"
	"github.com/hostcall/hostcall-go/guestasync"
	llguest "github.com/hostcall/hostcall-go/lowlevel/guest"
	"github.com/hostcall/hostcall-go/rpc"
)

const selfName = "echo"

var (
	c    = codec.NewMsgpackCodec()
	self = abi.GuestModule(selfName)
	node = rpc.New(c, 1, self, nil)
	rt   = guestasync.NewWasmRtCtx(node, llguest.SendMessageToHost)
)

func init() {
	table := rpc.NewExportTable(self)
	table.Register("echo", func(ctx rpc.ResponseCtx, raw []byte) error {
		args, err := codec.ParseArgs(c, raw)
		if err != nil {
			return err
		}
		var s string
		if err := args.Get(0, &s); err != nil {
			return err
		}
		return ctx.Respond(s)
	})
	node.SetExports(table)
}

func main() {
	llguest.Install(func(data []byte) {
		if err := node.HandleMessage(data); err != nil {
			// No caller reachable for a malformed inbound frame; the host's
			// own rx driver already logged the send.
			_ = err
		}
	})
	llguest.InstallPoll(func() {
		rt.Queue().RunAll()
	})

	peerInfo, err := node.MakePeerInfo(selfName)
	if err != nil {
		panic(err)
	}
	llguest.SendMessageToHost(peerInfo)
}
