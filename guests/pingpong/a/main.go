// Command a is the caller half of scenario S2: its "ping" export does not
// answer synchronously. It spawns a guest-local task that issues its own
// request to b's "pong" export through the host, suspends until the result
// arrives, and only then responds to its own caller with "pong!" — the
// guest-side async runtime's cooperative suspend/resume in action, not a
// plain function call. Built with tinygo targeting wasm32-wasi.
package main

import (
	"github.com/hostcall/hostcall-go/abi"
	"github.com/hostcall/hostcall-go/codec"
	"github.com/hostcall/hostcall-go/guestasync"
	llguest "github.com/hostcall/hostcall-go/lowlevel/guest"
	"github.com/hostcall/hostcall-go/rpc"
)

const selfName = "a"

var (
	c     = codec.NewMsgpackCodec()
	self  = abi.GuestModule(selfName)
	bHint = abi.GuestModule("b")
	node  = rpc.New(c, 1, self, nil)
	rt    = guestasync.NewWasmRtCtx(node, llguest.SendMessageToHost)
)

func init() {
	table := rpc.NewExportTable(self)
	table.Register("ping", func(ctx rpc.ResponseCtx, raw []byte) error {
		fn := abi.NewFunctionIdent("pong", bHint)
		req, err := guestasync.NewWasmAsyncRequest(rt, fn, nil)
		if err != nil {
			return err
		}
		req.Spawn(func(result []byte, err error) {
			if err != nil {
				return
			}
			var pong string
			if err := c.Unmarshal(result, &pong); err != nil {
				return
			}
			_ = ctx.Respond(pong + "!")
		})
		return nil
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
