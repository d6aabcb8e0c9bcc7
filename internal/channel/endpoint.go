package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ocx/workerlink/internal/events"
	"github.com/ocx/workerlink/internal/transaction"
)

// ErrClosed is returned by operations on a closed endpoint.
var ErrClosed = errors.New("endpoint is closed")

// State of an Endpoint. Faulted and Closed are terminal.
type State int

const (
	StateOpen State = iota
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateFaulted:
		return "FAULTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Endpoint owns the transport to one worker and routes its responses to the
// Initiator.
type Endpoint struct {
	id        string
	transport Transport
	initiator *transaction.Initiator
	codec     Codec
	bus       events.Bus
	onFault   func(error)
	logger    *slog.Logger

	// mu guards state; Call holds it shared across the state check and
	// Initiate so Close cannot slip between them.
	mu    sync.RWMutex
	state State
	err   error

	stop          chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
	transportOnce sync.Once
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithCodec replaces the JSON codec.
func WithCodec(c Codec) Option {
	return func(e *Endpoint) { e.codec = c }
}

// WithEventBus publishes lifecycle events to bus.
func WithEventBus(bus events.Bus) Option {
	return func(e *Endpoint) { e.bus = bus }
}

// WithFaultHandler is called once, from the receiver goroutine, after a
// channel fault has cancelled every pending transaction.
func WithFaultHandler(fn func(error)) Option {
	return func(e *Endpoint) { e.onFault = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) { e.logger = l }
}

// NewEndpoint starts the receiver for transport and returns an open endpoint.
func NewEndpoint(transport Transport, initiator *transaction.Initiator, opts ...Option) *Endpoint {
	e := &Endpoint{
		id:        uuid.New().String(),
		transport: transport,
		initiator: initiator,
		codec:     JSONCodec{},
		logger:    slog.Default(),
		state:     StateOpen,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	go e.receive()

	e.logger.Info("[Endpoint] Opened", "endpoint", e.id)
	e.publish(events.EventEndpointOpened, nil)
	return e
}

// ID identifies this endpoint in logs and events.
func (e *Endpoint) ID() string { return e.id }

// Initiator returns the Initiator this endpoint concludes into.
func (e *Endpoint) Initiator() *transaction.Initiator { return e.initiator }

// State returns the current state.
func (e *Endpoint) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Err returns the fault that moved the endpoint to Faulted, ErrClosed after
// Close, or nil while open.
func (e *Endpoint) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// Done is closed when the receiver stops, after a fault or Close.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// SendOption adjusts a single Send.
type SendOption func(*sendOptions)

type sendOptions struct {
	attachments [][]byte
	transfer    bool
}

// WithAttachments attaches binary buffers to the request.
func WithAttachments(bufs ...[]byte) SendOption {
	return func(o *sendOptions) { o.attachments = append(o.attachments, bufs...) }
}

// WithTransfer hands the request's attachment buffers to the endpoint. Once
// the frame is encoded the envelope drops its references to them, so the
// caller can no longer reach them through it. It applies to Send only;
// CallWith builds an envelope the caller never sees and ignores it.
func WithTransfer() SendOption {
	return func(o *sendOptions) { o.transfer = true }
}

// Send encodes req and forwards it to the worker.
func (e *Endpoint) Send(ctx context.Context, req *transaction.RequestEnvelope, opts ...SendOption) error {
	if err := e.available(); err != nil {
		return err
	}

	var so sendOptions
	for _, opt := range opts {
		opt(&so)
	}
	if len(so.attachments) > 0 {
		req.Attachments = append(req.Attachments, so.attachments...)
	}

	frame, err := e.codec.EncodeRequest(*req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", req.Op, err)
	}
	if so.transfer {
		req.Attachments = nil
	}

	e.logger.Debug("[Endpoint] Post message to worker", "endpoint", e.id, "id", req.ID, "op", req.Op, "bytes", len(frame))
	if err := e.transport.Send(ctx, frame); err != nil {
		return fmt.Errorf("send %s request: %w", req.Op, err)
	}
	return nil
}

// Call initiates a transaction and sends it. The returned Future settles
// with the worker's response, or with a cancellation if the endpoint closes
// or faults first. A failed send removes the transaction again.
func (e *Endpoint) Call(ctx context.Context, op string, args ...any) (*transaction.Future, error) {
	return e.CallWith(ctx, op, args)
}

// CallWith is Call with per-request send options. Only WithAttachments has
// an effect here.
func (e *Endpoint) CallWith(ctx context.Context, op string, args []any, opts ...SendOption) (*transaction.Future, error) {
	e.mu.RLock()
	if err := e.errLocked(); err != nil {
		e.mu.RUnlock()
		return nil, err
	}
	req, future, err := e.initiator.Initiate(op, args...)
	e.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if err := e.Send(ctx, &req, opts...); err != nil {
		e.initiator.Abort(req.ID, err)
		return nil, err
	}
	return future, nil
}

// Close cancels every pending transaction with reason "closed", then closes
// the transport. It is idempotent and safe after a fault.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		wasOpen := e.state == StateOpen
		if wasOpen {
			e.state = StateClosed
			e.err = ErrClosed
		}
		e.mu.Unlock()

		close(e.stop)

		if !wasOpen {
			return
		}

		cancelled := e.initiator.CancelAll("closed")
		err = e.closeTransport()
		e.logger.Info("[Endpoint] Closed", "endpoint", e.id, "cancelled", cancelled)
		e.publish(events.EventEndpointClosed, map[string]interface{}{"cancelled": cancelled})
		if cancelled > 0 {
			e.publish(events.EventTransactionsCancelled, map[string]interface{}{
				"reason": "closed", "count": cancelled,
			})
		}
	})
	return err
}

// receive is the only reader of the transport.
func (e *Endpoint) receive() {
	defer close(e.done)

	inbound := e.transport.Inbound()
	faults := e.transport.Faults()
	for {
		select {
		case frame, ok := <-inbound:
			if !ok {
				e.fault(errors.New("inbound stream ended"))
				return
			}
			if err := e.conclude(frame); err != nil {
				e.fault(err)
				return
			}
		case err, ok := <-faults:
			if !ok || err == nil {
				err = errors.New("transport stopped")
			}
			e.drain(inbound)
			e.fault(err)
			return
		case <-e.stop:
			return
		}
	}
}

func (e *Endpoint) conclude(frame []byte) error {
	resp, err := e.codec.DecodeResponse(frame)
	if err != nil {
		return fmt.Errorf("malformed message: %w", err)
	}
	e.logger.Debug("[Endpoint] Received message from worker", "endpoint", e.id, "id", resp.ID, "ok", resp.OK())
	e.initiator.Conclude(resp)
	return nil
}

// drain concludes responses that were already queued when the fault arrived.
func (e *Endpoint) drain(inbound <-chan []byte) {
	for {
		select {
		case frame, ok := <-inbound:
			if !ok {
				return
			}
			if err := e.conclude(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (e *Endpoint) fault(cause error) {
	e.mu.Lock()
	if e.state != StateOpen {
		e.mu.Unlock()
		return
	}
	fault := &transaction.ChannelFault{Cause: cause}
	e.state = StateFaulted
	e.err = fault
	e.mu.Unlock()

	e.logger.Error("[Endpoint] Received error from worker", "endpoint", e.id, "error", cause)

	cancelled := e.initiator.CancelAllWithCause("channel fault", fault)
	e.closeTransport()

	e.publish(events.EventEndpointFaulted, map[string]interface{}{
		"error": cause.Error(), "cancelled": cancelled,
	})
	if cancelled > 0 {
		e.publish(events.EventTransactionsCancelled, map[string]interface{}{
			"reason": "channel fault", "count": cancelled,
		})
	}
	if e.onFault != nil {
		e.onFault(fault)
	}
}

// closeTransport closes the transport once; only the closing call sees its error.
func (e *Endpoint) closeTransport() error {
	var err error
	e.transportOnce.Do(func() {
		if err = e.transport.Close(); err != nil {
			e.logger.Warn("[Endpoint] Transport close failed", "endpoint", e.id, "error", err)
		}
	})
	return err
}

func (e *Endpoint) available() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.errLocked()
}

func (e *Endpoint) errLocked() error {
	if e.state == StateOpen {
		return nil
	}
	return e.err
}

func (e *Endpoint) publish(t events.EventType, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(context.Background(), &events.Event{
		Type:       t,
		EndpointID: e.id,
		Payload:    payload,
	}); err != nil {
		e.logger.Warn("[Endpoint] Event publish failed", "type", t, "error", err)
	}
}
