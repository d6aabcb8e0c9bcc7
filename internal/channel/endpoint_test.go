package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/workerlink/internal/events"
	"github.com/ocx/workerlink/internal/transaction"
)

type fakeTransport struct {
	mu         sync.Mutex
	sent       [][]byte
	sendErr    error
	closeCalls int

	inbound chan []byte
	faults  chan error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		faults:  make(chan error, 1),
	}
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Inbound() <-chan []byte { return f.inbound }
func (f *fakeTransport) Faults() <-chan error   { return f.faults }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeTransport) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func (f *fakeTransport) sentRequests(t *testing.T) []transaction.RequestEnvelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transaction.RequestEnvelope
	for _, frame := range f.sent {
		req, err := JSONCodec{}.DecodeRequest(frame)
		require.NoError(t, err)
		out = append(out, req)
	}
	return out
}

func (f *fakeTransport) respond(t *testing.T, resp transaction.ResponseEnvelope) {
	t.Helper()
	frame, err := JSONCodec{}.EncodeResponse(resp)
	require.NoError(t, err)
	f.inbound <- frame
}

func await(t *testing.T, f *transaction.Future) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return f.Await(ctx)
}

func waitDone(t *testing.T, e *Endpoint) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("receiver did not stop")
	}
}

func TestEndpoint_CallSendsInOrder(t *testing.T) {
	tr := newFakeTransport()
	ep := NewEndpoint(tr, transaction.NewInitiator())
	defer ep.Close()
	ctx := context.Background()

	_, err := ep.Call(ctx, "initialize")
	require.NoError(t, err)
	_, err = ep.Call(ctx, "op", 42)
	require.NoError(t, err)
	_, err = ep.Call(ctx, "op2", 7)
	require.NoError(t, err)

	reqs := tr.sentRequests(t)
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"initialize", "op", "op2"}, []string{reqs[0].Op, reqs[1].Op, reqs[2].Op})
	assert.Equal(t, []transaction.ID{"1", "2", "3"}, []transaction.ID{reqs[0].ID, reqs[1].ID, reqs[2].ID})
	assert.JSONEq(t, `[42]`, string(reqs[1].Payload))
}

func TestEndpoint_InboundConcludes(t *testing.T) {
	tr := newFakeTransport()
	ep := NewEndpoint(tr, transaction.NewInitiator())
	defer ep.Close()

	f2, err := ep.Call(context.Background(), "op", 42)
	require.NoError(t, err)
	f3, err := ep.Call(context.Background(), "op2", 7)
	require.NoError(t, err)

	tr.respond(t, transaction.Success(f3.ID(), json.RawMessage(`"seven"`)))
	value, err := await(t, f3)
	require.NoError(t, err)
	assert.Equal(t, `"seven"`, string(value))

	select {
	case <-f2.Done():
		t.Fatal("unrelated transaction settled")
	default:
	}

	tr.respond(t, transaction.Failure(f2.ID(), "too_big", "42 is too big"))
	_, err = await(t, f2)
	var appErr *transaction.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "too_big", appErr.Code)
	assert.Equal(t, StateOpen, ep.State(), "application errors do not affect the channel")
}

func TestEndpoint_SendFailureAborts(t *testing.T) {
	tr := newFakeTransport()
	tr.sendErr = errors.New("broken pipe")
	in := transaction.NewInitiator()
	ep := NewEndpoint(tr, in)
	defer ep.Close()

	future, err := ep.Call(context.Background(), "op")
	require.Error(t, err)
	assert.Nil(t, future)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Equal(t, 0, in.Len(), "a request that never left must not stay pending")
}

func TestEndpoint_FaultCancelsPending(t *testing.T) {
	tr := newFakeTransport()
	bus := events.NewLocalBus()
	faulted := make(chan *events.Event, 1)
	bus.Subscribe(events.EventEndpointFaulted, func(ctx context.Context, e *events.Event) error {
		faulted <- e
		return nil
	})

	var handled error
	handlerCalled := make(chan struct{})
	in := transaction.NewInitiator()
	ep := NewEndpoint(tr, in, WithEventBus(bus), WithFaultHandler(func(err error) {
		handled = err
		close(handlerCalled)
	}))

	f1, err := ep.Call(context.Background(), "op", 1)
	require.NoError(t, err)
	f2, err := ep.Call(context.Background(), "op", 2)
	require.NoError(t, err)

	tr.faults <- errors.New("worker exited with status 2")
	waitDone(t, ep)
	<-handlerCalled

	for _, f := range []*transaction.Future{f1, f2} {
		_, err := await(t, f)
		assert.ErrorIs(t, err, transaction.ErrCancelled)
		assert.ErrorIs(t, err, transaction.ErrChannelFault)
	}
	assert.Equal(t, 0, in.Len())
	assert.Equal(t, StateFaulted, ep.State())
	assert.ErrorIs(t, ep.Err(), transaction.ErrChannelFault)
	assert.ErrorIs(t, handled, transaction.ErrChannelFault)
	assert.Equal(t, 1, tr.closes(), "faulted transport is released")

	select {
	case e := <-faulted:
		assert.Equal(t, ep.ID(), e.EndpointID)
		assert.Equal(t, 2, e.Payload["cancelled"])
	case <-time.After(time.Second):
		t.Fatal("fault event not published")
	}

	_, err = ep.Call(context.Background(), "op", 3)
	assert.ErrorIs(t, err, transaction.ErrChannelFault)

	// Close after a fault is allowed and does not close the transport again.
	assert.NoError(t, ep.Close())
	assert.Equal(t, StateFaulted, ep.State(), "no transition out of Faulted")
	assert.Equal(t, 1, tr.closes())
	require.NoError(t, bus.Close())
}

func TestEndpoint_FaultConcludesQueuedResponsesFirst(t *testing.T) {
	tr := newFakeTransport()
	ep := NewEndpoint(tr, transaction.NewInitiator())

	f, err := ep.Call(context.Background(), "op")
	require.NoError(t, err)

	// Whichever case the receiver picks first, the queued response concludes.
	frame, err := JSONCodec{}.EncodeResponse(transaction.Success(f.ID(), json.RawMessage(`1`)))
	require.NoError(t, err)
	tr.inbound <- frame
	tr.faults <- errors.New("crash")
	waitDone(t, ep)

	value, err := await(t, f)
	require.NoError(t, err)
	assert.Equal(t, "1", string(value))
}

func TestEndpoint_MalformedFrameIsFault(t *testing.T) {
	tr := newFakeTransport()
	ep := NewEndpoint(tr, transaction.NewInitiator())

	f, err := ep.Call(context.Background(), "op")
	require.NoError(t, err)

	tr.inbound <- []byte("not json")
	waitDone(t, ep)

	_, err = await(t, f)
	assert.ErrorIs(t, err, transaction.ErrChannelFault)
	assert.Contains(t, ep.Err().Error(), "malformed message")
}

func TestEndpoint_UnknownResponseIsDropped(t *testing.T) {
	tr := newFakeTransport()
	ep := NewEndpoint(tr, transaction.NewInitiator())
	defer ep.Close()

	f, err := ep.Call(context.Background(), "op")
	require.NoError(t, err)

	tr.respond(t, transaction.Success("999", nil))
	tr.respond(t, transaction.Success(f.ID(), json.RawMessage(`true`)))

	value, err := await(t, f)
	require.NoError(t, err)
	assert.Equal(t, "true", string(value))
	assert.Equal(t, StateOpen, ep.State())
}

func TestEndpoint_CloseCancelsAndIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	bus := events.NewLocalBus()
	closed := make(chan *events.Event, 2)
	bus.Subscribe(events.EventEndpointClosed, func(ctx context.Context, e *events.Event) error {
		closed <- e
		return nil
	})
	in := transaction.NewInitiator()
	ep := NewEndpoint(tr, in, WithEventBus(bus))

	f, err := ep.Call(context.Background(), "op")
	require.NoError(t, err)

	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())

	_, err = await(t, f)
	var cancelErr *transaction.CancellationError
	require.ErrorAs(t, err, &cancelErr)
	assert.Equal(t, "closed", cancelErr.Reason)

	assert.Equal(t, StateClosed, ep.State())
	assert.ErrorIs(t, ep.Err(), ErrClosed)
	assert.Equal(t, 1, tr.closes())
	waitDone(t, ep)

	_, err = ep.Call(context.Background(), "op")
	assert.ErrorIs(t, err, ErrClosed)

	// A transport fault after Close is ignored.
	tr.faults <- errors.New("late")
	assert.Equal(t, StateClosed, ep.State())

	require.NoError(t, bus.Close())
	assert.Len(t, closed, 1)
}

func TestEndpoint_CloseWithNothingPending(t *testing.T) {
	tr := newFakeTransport()
	ep := NewEndpoint(tr, transaction.NewInitiator())
	assert.NoError(t, ep.Close())
	assert.Equal(t, 1, tr.closes())
}

func TestEndpoint_SendWithAttachments(t *testing.T) {
	tr := newFakeTransport()
	ep := NewEndpoint(tr, transaction.NewInitiator())
	defer ep.Close()

	buf := []byte{0xde, 0xad, 0xbe, 0xef}
	req := transaction.RequestEnvelope{ID: "a", Op: "upload", Payload: json.RawMessage(`[]`)}
	require.NoError(t, ep.Send(context.Background(), &req, WithAttachments(buf)))
	assert.Len(t, req.Attachments, 1, "copy semantics leave the envelope intact")

	moved := transaction.RequestEnvelope{ID: "b", Op: "upload", Payload: json.RawMessage(`[]`)}
	require.NoError(t, ep.Send(context.Background(), &moved, WithAttachments(buf), WithTransfer()))
	assert.Nil(t, moved.Attachments, "transferred buffers are released by the envelope")

	reqs := tr.sentRequests(t)
	require.Len(t, reqs, 2)
	assert.Equal(t, [][]byte{buf}, reqs[0].Attachments)
	assert.Equal(t, [][]byte{buf}, reqs[1].Attachments)
}

func TestEndpoint_CallWithAttachments(t *testing.T) {
	tr := newFakeTransport()
	ep := NewEndpoint(tr, transaction.NewInitiator())
	defer ep.Close()

	payload := []byte("payload")
	_, err := ep.CallWith(context.Background(), "hash", []any{"sha256"}, WithAttachments(payload))
	require.NoError(t, err)

	// Transfer has nothing to release on the Call path; the request goes out the same.
	_, err = ep.CallWith(context.Background(), "hash", []any{"sha256"}, WithAttachments(payload), WithTransfer())
	require.NoError(t, err)

	reqs := tr.sentRequests(t)
	require.Len(t, reqs, 2)
	assert.Equal(t, [][]byte{payload}, reqs[0].Attachments)
	assert.Equal(t, reqs[0].Attachments, reqs[1].Attachments)
	assert.Equal(t, []byte("payload"), payload)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "FAULTED", StateFaulted.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}
