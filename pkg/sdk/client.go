// Package sdk is the application-facing surface of workerlink.
//
// A Client talks to one background worker over one duplex channel. Every
// typed method issues a transaction, sends it, and waits for the matching
// response; many calls may be in flight at once and their responses may
// arrive in any order.
//
// Quick Start:
//
//	controller, workerEnd := pipe.New(0)
//	go dispatcher.Serve(ctx, workerEnd)
//
//	client, err := sdk.CreateClient(ctx, controller)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	answer, err := client.ExampleAskDeepThought(ctx, "life, the universe and everything")
//
// CreateClient issues the mandatory initialize transaction before returning,
// so the worker is loaded before any other operation reaches it.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ocx/workerlink/internal/channel"
	"github.com/ocx/workerlink/internal/transaction"
)

// Client is the interface exposed to application code. Add one method per
// operation the worker supports.
type Client interface {
	Close() error
	ExampleAskDeepThought(ctx context.Context, question string) (int, error)
	State() State
	Pending() int
}

// ClientImplementation runs the Client state machine on top of a channel
// Endpoint: Created -> Initializing -> Ready -> Closed, with Faulted
// mirrored from the endpoint.
type ClientImplementation struct {
	endpoint *channel.Endpoint

	mu    sync.Mutex
	state State
}

var _ Client = (*ClientImplementation)(nil)

// Option configures CreateClient.
type Option func(*options)

type options struct {
	initiator []transaction.Option
	endpoint  []channel.Option
}

// WithInitiatorOptions passes options to the transaction Initiator.
func WithInitiatorOptions(opts ...transaction.Option) Option {
	return func(o *options) { o.initiator = append(o.initiator, opts...) }
}

// WithEndpointOptions passes options to the channel Endpoint.
func WithEndpointOptions(opts ...channel.Option) Option {
	return func(o *options) { o.endpoint = append(o.endpoint, opts...) }
}

// NewClientImplementation wraps an open endpoint. The client starts in
// StateCreated; call Initialize before anything else.
func NewClientImplementation(endpoint *channel.Endpoint) *ClientImplementation {
	return &ClientImplementation{endpoint: endpoint, state: StateCreated}
}

// CreateClient opens an endpoint on transport and initializes the worker.
// If initialization fails the endpoint is closed and the error returned.
func CreateClient(ctx context.Context, transport channel.Transport, opts ...Option) (*ClientImplementation, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	initiator := transaction.NewInitiator(o.initiator...)
	endpoint := channel.NewEndpoint(transport, initiator, o.endpoint...)
	client := NewClientImplementation(endpoint)

	if err := client.Initialize(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("workerlink: initialize worker: %w", err)
	}
	return client, nil
}

// Initialize issues the initialize transaction and waits for it. It must be
// the first operation on a client.
func (c *ClientImplementation) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if err := c.unavailableLocked(); err != nil && !errors.Is(err, ErrNotReady) {
		c.mu.Unlock()
		return err
	}
	if c.state != StateCreated {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.state = StateInitializing
	c.mu.Unlock()

	future, err := c.endpoint.Call(ctx, transaction.OpInitialize)
	if err == nil {
		_, err = future.Await(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInitializing {
		// Closed while initializing.
		if err == nil {
			err = ErrClosed
		}
		return err
	}
	if err != nil {
		c.state = StateCreated
		return err
	}
	c.state = StateReady
	return nil
}

// ExampleAskDeepThought asks the worker the ultimate question.
func (c *ClientImplementation) ExampleAskDeepThought(ctx context.Context, question string) (int, error) {
	return Call[int](ctx, c, transaction.OpExampleAskDeepThought, question)
}

// Call issues op with args on a ready client and decodes the result into T.
// Use it to add typed methods for further operations.
func Call[T any](ctx context.Context, c *ClientImplementation, op string, args ...any) (T, error) {
	var out T
	if err := c.ready(); err != nil {
		return out, err
	}
	future, err := c.endpoint.Call(ctx, op, args...)
	if err != nil {
		return out, err
	}
	if err := future.Decode(ctx, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Close cancels every outstanding call and terminates the worker channel.
// Calling it again is a no-op.
func (c *ClientImplementation) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()

	return c.endpoint.Close()
}

// State returns the client state, reporting Faulted once the channel broke.
func (c *ClientImplementation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed && c.endpoint.State() == channel.StateFaulted {
		return StateFaulted
	}
	return c.state
}

// Pending returns the number of outstanding calls.
func (c *ClientImplementation) Pending() int {
	return c.endpoint.Initiator().Len()
}

// Err returns the channel fault once the client is Faulted.
func (c *ClientImplementation) Err() error {
	return c.endpoint.Err()
}

// Done is closed when the channel stops receiving, on fault or close.
func (c *ClientImplementation) Done() <-chan struct{} {
	return c.endpoint.Done()
}

func (c *ClientImplementation) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unavailableLocked()
}

func (c *ClientImplementation) unavailableLocked() error {
	switch c.state {
	case StateClosed:
		return ErrClosed
	case StateCreated, StateInitializing:
		if err := c.faultLocked(); err != nil {
			return err
		}
		return ErrNotReady
	}
	return c.faultLocked()
}

func (c *ClientImplementation) faultLocked() error {
	if c.endpoint.State() == channel.StateFaulted {
		return c.endpoint.Err()
	}
	return nil
}
