// Package worker is the worker side of the channel: it decodes request
// envelopes, runs the registered handler and sends back exactly one response
// carrying the request's correlation ID.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/ocx/workerlink/internal/channel"
	"github.com/ocx/workerlink/internal/transaction"
)

// Failure codes sent back to the controller.
const (
	CodeUnknownOperation = "unknown_operation"
	CodeNotInitialized   = "not_initialized"
	CodeBadArguments     = "bad_arguments"
	CodeOperationFailed  = "operation_failed"
	CodePanic            = "panic"
)

// HandlerFunc performs one operation. args are the request's positional
// arguments; the returned value is encoded as the response value.
type HandlerFunc func(ctx context.Context, args []json.RawMessage) (any, error)

// HandlerError lets a handler choose the failure code.
type HandlerError struct {
	Code    string
	Message string
}

func (e *HandlerError) Error() string {
	return e.Message
}

// Dispatcher routes requests to handlers by operation tag.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	codec       channel.Codec
	logger      *slog.Logger
	initialized atomic.Bool
}

// NewDispatcher creates a dispatcher with no handlers.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		codec:    channel.JSONCodec{},
		logger:   logger,
	}
}

// Register installs h for op, replacing any previous handler.
func (d *Dispatcher) Register(op string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[op] = h
}

// Initialized reports whether an initialize request has succeeded.
func (d *Dispatcher) Initialized() bool {
	return d.initialized.Load()
}

// Serve handles requests from t until ctx is done or the channel faults.
// Requests run concurrently; each gets exactly one response. Serve closes t
// before returning and returns the fault, or nil when ctx ended it.
func (d *Dispatcher) Serve(ctx context.Context, t channel.Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		t.Close()
	}()

	inbound := t.Inbound()
	faults := t.Faults()
	for {
		select {
		case frame, ok := <-inbound:
			if !ok {
				return errors.New("inbound stream ended")
			}
			req, err := d.codec.DecodeRequest(frame)
			if err != nil {
				d.logger.Warn("[Worker] Dropping malformed request", "error", err)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.respond(ctx, t, d.Dispatch(ctx, req))
			}()
		case err, ok := <-faults:
			if !ok || err == nil {
				err = errors.New("transport stopped")
			}
			d.logger.Info("[Worker] Controller channel ended", "error", err)
			return fmt.Errorf("controller channel: %w", err)
		case <-ctx.Done():
			return nil
		}
	}
}

// Dispatch runs the handler for req and builds its response.
func (d *Dispatcher) Dispatch(ctx context.Context, req transaction.RequestEnvelope) (resp transaction.ResponseEnvelope) {
	d.mu.RLock()
	h, ok := d.handlers[req.Op]
	d.mu.RUnlock()

	if !ok {
		return transaction.Failure(req.ID, CodeUnknownOperation, fmt.Sprintf("unknown operation %q", req.Op))
	}
	if req.Op != transaction.OpInitialize && !d.initialized.Load() {
		return transaction.Failure(req.ID, CodeNotInitialized, "worker has not been initialized")
	}

	var args []json.RawMessage
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &args); err != nil {
			return transaction.Failure(req.ID, CodeBadArguments, "payload is not an argument list")
		}
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("[Worker] Handler panicked", "op", req.Op, "id", req.ID, "panic", r, "stack", string(debug.Stack()))
			resp = transaction.Failure(req.ID, CodePanic, fmt.Sprint(r))
		}
	}()

	value, err := h(ctx, args)
	if err != nil {
		var herr *HandlerError
		if errors.As(err, &herr) {
			return transaction.Failure(req.ID, herr.Code, herr.Message)
		}
		return transaction.Failure(req.ID, CodeOperationFailed, err.Error())
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return transaction.Failure(req.ID, CodeOperationFailed, fmt.Sprintf("encode result: %v", err))
	}
	if req.Op == transaction.OpInitialize {
		d.initialized.Store(true)
	}
	return transaction.Success(req.ID, encoded)
}

func (d *Dispatcher) respond(ctx context.Context, t channel.Transport, resp transaction.ResponseEnvelope) {
	frame, err := d.codec.EncodeResponse(resp)
	if err != nil {
		d.logger.Error("[Worker] Failed to encode response", "id", resp.ID, "error", err)
		return
	}
	if err := t.Send(ctx, frame); err != nil {
		d.logger.Warn("[Worker] Failed to send response", "id", resp.ID, "error", err)
	}
}

// Arg decodes the i-th positional argument.
func Arg[T any](args []json.RawMessage, i int) (T, error) {
	var v T
	if i >= len(args) {
		return v, &HandlerError{Code: CodeBadArguments, Message: fmt.Sprintf("missing argument %d", i)}
	}
	if err := json.Unmarshal(args[i], &v); err != nil {
		return v, &HandlerError{Code: CodeBadArguments, Message: fmt.Sprintf("argument %d: %v", i, err)}
	}
	return v, nil
}
