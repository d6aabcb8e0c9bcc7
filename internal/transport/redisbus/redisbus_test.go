package redisbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/workerlink/internal/channel"
	"github.com/ocx/workerlink/internal/infra"
	"github.com/ocx/workerlink/internal/transaction"
	"github.com/ocx/workerlink/internal/worker"
)

func TestChannels(t *testing.T) {
	req, resp := Channels("")
	assert.Equal(t, "workerlink:requests", req)
	assert.Equal(t, "workerlink:responses", resp)

	req, resp = Channels("pool-7:")
	assert.Equal(t, "pool-7:requests", req)
	assert.Equal(t, "pool-7:responses", resp)
}

func TestConn_EndToEndWithDispatcher(t *testing.T) {
	ps := infra.NewMemoryPubSub()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	workerSide, err := Open(ctx, ps, "test:", Worker)
	require.NoError(t, err)
	d := worker.NewDispatcher(nil)
	worker.RegisterDefaults(d)
	served := make(chan error, 1)
	go func() { served <- d.Serve(context.Background(), workerSide) }()

	controllerSide, err := Open(ctx, ps, "test:", Controller)
	require.NoError(t, err)
	ep := channel.NewEndpoint(controllerSide, transaction.NewInitiator())

	f, err := ep.Call(ctx, transaction.OpInitialize)
	require.NoError(t, err)
	value, err := f.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "null", string(value))

	f, err = ep.Call(ctx, transaction.OpExampleAskDeepThought, "ultimate question")
	require.NoError(t, err)
	var answer int
	require.NoError(t, f.Decode(ctx, &answer))
	assert.Equal(t, worker.DeepThoughtAnswer, answer)

	require.NoError(t, ep.Close())
	select {
	case err := <-served:
		assert.ErrorIs(t, err, ErrPeerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not see the goodbye")
	}
}

func TestConn_SubscriptionLossFaults(t *testing.T) {
	ps := infra.NewMemoryPubSub()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Open(ctx, ps, "", Controller)
	require.NoError(t, err)
	ep := channel.NewEndpoint(conn, transaction.NewInitiator())
	defer ep.Close()

	// No worker is listening, so this stays pending until the fault.
	f, err := ep.Call(ctx, transaction.OpInitialize)
	require.NoError(t, err)

	ps.Disconnect()

	_, err = f.Await(ctx)
	require.ErrorIs(t, err, transaction.ErrChannelFault)
	assert.ErrorIs(t, ep.Err(), ErrSubscriptionLost)
}

func TestConn_SendAfterClose(t *testing.T) {
	conn, err := Open(context.Background(), infra.NewMemoryPubSub(), "", Worker)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send(context.Background(), []byte("{}")), ErrClosed)
}

func TestConn_OverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ps, err := infra.NewGoRedisAdapter(mr.Addr(), "", 0)
	require.NoError(t, err)
	defer ps.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	workerSide, err := Open(ctx, ps, "", Worker)
	require.NoError(t, err)
	d := worker.NewDispatcher(nil)
	worker.RegisterDefaults(d)
	d.Register("hold", func(ctx context.Context, args []json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	go d.Serve(context.Background(), workerSide)

	controllerSide, err := Open(ctx, ps, "", Controller)
	require.NoError(t, err)
	ep := channel.NewEndpoint(controllerSide, transaction.NewInitiator())
	defer ep.Close()

	f, err := ep.Call(ctx, transaction.OpInitialize)
	require.NoError(t, err)
	_, err = f.Await(ctx)
	require.NoError(t, err)

	f, err = ep.Call(ctx, transaction.OpExampleAskDeepThought, "q")
	require.NoError(t, err)
	var answer int
	require.NoError(t, f.Decode(ctx, &answer))
	assert.Equal(t, worker.DeepThoughtAnswer, answer)

	// Losing the broker faults the link.
	pending, err := ep.Call(ctx, "hold")
	require.NoError(t, err)
	mr.Close()
	_, err = pending.Await(ctx)
	assert.ErrorIs(t, err, transaction.ErrChannelFault)
}
