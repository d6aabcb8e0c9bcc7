package stdio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/workerlink/internal/channel"
	"github.com/ocx/workerlink/internal/transaction"
	"github.com/ocx/workerlink/internal/worker"
)

const helperEnv = "WORKERLINK_STDIO_HELPER"

// TestHelperProcess is not a real test: it is the worker subprocess the other
// tests spawn by re-executing the test binary.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		t.Skip("helper process only")
	}

	d := worker.NewDispatcher(nil)
	worker.RegisterDefaults(d)
	if mode == "crash-after-init" {
		d.Register("crash", func(ctx context.Context, args []json.RawMessage) (any, error) {
			os.Exit(3)
			return nil, nil
		})
	}
	d.Serve(context.Background(), Attach(os.Stdin, os.Stdout))
	os.Exit(0)
}

func helperCommand(mode string) *exec.Cmd {
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(), helperEnv+"="+mode)
	return cmd
}

func TestStream_RoundTripOverPipes(t *testing.T) {
	toWorkerR, toWorkerW := io.Pipe()
	toControllerR, toControllerW := io.Pipe()

	controller := newStream(toControllerR, toWorkerW, func() error { return io.EOF }, func() error {
		return toWorkerW.Close()
	})
	workerSide := Attach(toWorkerR, toControllerW)
	defer workerSide.Close()

	ctx := context.Background()
	require.NoError(t, controller.Send(ctx, []byte(`{"id":"1"}`)))
	assert.Equal(t, []byte(`{"id":"1"}`), <-workerSide.Inbound())

	require.NoError(t, workerSide.Send(ctx, []byte(`{"id":"1","value":null}`)))
	assert.Equal(t, []byte(`{"id":"1","value":null}`), <-controller.Inbound())

	// Closing the controller ends the worker's input.
	require.NoError(t, controller.Close())
	select {
	case err := <-workerSide.Faults():
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("worker side did not see end of input")
	}
	assert.ErrorIs(t, controller.Send(ctx, []byte("x")), ErrClosed)
}

func TestProcess_EndToEnd(t *testing.T) {
	proc, err := Spawn(helperCommand("serve"), time.Second)
	require.NoError(t, err)

	ep := channel.NewEndpoint(proc, transaction.NewInitiator())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f, err := ep.Call(ctx, transaction.OpInitialize)
	require.NoError(t, err)
	value, err := f.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "null", string(value))

	f, err = ep.Call(ctx, transaction.OpExampleAskDeepThought, "why?")
	require.NoError(t, err)
	var answer int
	require.NoError(t, f.Decode(ctx, &answer))
	assert.Equal(t, worker.DeepThoughtAnswer, answer)

	require.NoError(t, ep.Close())
	select {
	case <-proc.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("worker process still running after close")
	}
}

func TestProcess_CrashFaultsEndpoint(t *testing.T) {
	proc, err := Spawn(helperCommand("crash-after-init"), time.Second)
	require.NoError(t, err)

	ep := channel.NewEndpoint(proc, transaction.NewInitiator())
	defer ep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f, err := ep.Call(ctx, transaction.OpInitialize)
	require.NoError(t, err)
	_, err = f.Await(ctx)
	require.NoError(t, err)

	f, err = ep.Call(ctx, "crash")
	require.NoError(t, err)

	_, err = f.Await(ctx)
	require.ErrorIs(t, err, transaction.ErrChannelFault)

	var exitErr *exec.ExitError
	require.True(t, errors.As(ep.Err(), &exitErr), "fault carries the exit status: %v", ep.Err())
	assert.Equal(t, 3, exitErr.ExitCode())
	assert.Equal(t, channel.StateFaulted, ep.State())
}

func TestSpawn_MissingBinary(t *testing.T) {
	_, err := Spawn(exec.Command("/nonexistent/workerlink-worker"), time.Second)
	assert.Error(t, err)
}
