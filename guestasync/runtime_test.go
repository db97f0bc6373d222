package guestasync_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostcall/hostcall-go/abi"
	"github.com/hostcall/hostcall-go/codec"
	"github.com/hostcall/hostcall-go/guestasync"
	"github.com/hostcall/hostcall-go/rpc"
)

func TestQueueRunAllRunsOnlyQueuedAtEntry(t *testing.T) {
	q := guestasync.NewQueue()
	var ranFirst, ranSecond bool

	q.SpawnLocal(func() bool {
		ranFirst = true
		// Scheduling a second task mid-run must not run it this RunAll.
		q.SpawnLocal(func() bool {
			ranSecond = true
			return true
		})
		return true
	})

	n := q.RunAll()
	assert.Equal(t, 1, n)
	assert.True(t, ranFirst)
	assert.False(t, ranSecond)

	n = q.RunAll()
	assert.Equal(t, 1, n)
	assert.True(t, ranSecond)
}

func TestWasmAsyncRequestRoundTrip(t *testing.T) {
	c := codec.NewMsgpackCodec()
	guestHint := abi.GuestModule("mod-a")
	node := rpc.New(c, 7, guestHint, nil)

	var sent []byte
	rt := guestasync.NewWasmRtCtx(node, func(b []byte) { sent = b })

	fn := abi.NewFunctionIdent("echo", abi.Host())
	builder := codec.NewArgsBuilder(c)
	require.NoError(t, builder.Add("hi"))
	argBytes, err := builder.Build()
	require.NoError(t, err)

	req, err := guestasync.NewWasmAsyncRequest(rt, fn, argBytes)
	require.NoError(t, err)

	var gotResult []byte
	var gotErr error
	done := false
	req.Spawn(func(result []byte, err error) {
		gotResult = result
		gotErr = err
		done = true
	})

	// First RunAll triggers the request: frames+sends, stays pending.
	rt.Queue().RunAll()
	require.NotNil(t, sent)
	require.False(t, done)

	sentEnv, err := codec.Decode(c, sent)
	require.NoError(t, err)
	assert.Equal(t, codec.KindRequest, sentEnv.PayloadKind)

	// Simulate the host's response arriving.
	respEnv := codec.NewResponseEnvelope(sentEnv.SeqNo, fn, []byte("echo-result"))
	respBuf, err := codec.Encode(c, respEnv)
	require.NoError(t, err)
	require.NoError(t, node.HandleMessage(respBuf))

	// Second RunAll observes the resolved response.
	rt.Queue().RunAll()
	require.True(t, done)
	require.NoError(t, gotErr)
	assert.Equal(t, []byte("echo-result"), gotResult)
}
