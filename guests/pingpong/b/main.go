// Command b is the callee half of scenario S2: it exports "pong", answered
// directly with no further forwarding. Built with tinygo targeting
// wasm32-wasi; loaded alongside guests/pingpong/a under the module manager.
package main

import (
	"github.com/hostcall/hostcall-go/abi"
	"github.com/hostcall/hostcall-go/codec"
	"github.com/hostcall/hostcall-go/guestasync"
	llguest "github.com/hostcall/hostcall-go/lowlevel/guest"
	"github.com/hostcall/hostcall-go/rpc"
)

const selfName = "b"

var (
	c    = codec.NewMsgpackCodec()
	self = abi.GuestModule(selfName)
	node = rpc.New(c, 1, self, nil)
	rt   = guestasync.NewWasmRtCtx(node, llguest.SendMessageToHost)
)

func init() {
	table := rpc.NewExportTable(self)
	table.Register("pong", func(ctx rpc.ResponseCtx, raw []byte) error {
		return ctx.Respond("pong")
	})
	node.SetExports(table)
}

func main() {
	llguest.Install(func(data []byte) {
		_ = node.HandleMessage(data)
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
