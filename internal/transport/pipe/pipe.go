// Package pipe connects a controller and a worker goroutine in one process.
//
// Each End is a Transport; frames written to one end arrive on the other.
// Nothing is shared between the ends except the frames themselves.
package pipe

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed     = errors.New("pipe: end is closed")
	ErrPeerClosed = errors.New("pipe: peer closed")
)

const defaultBuffer = 64

// End is one side of a pipe.
type End struct {
	in     chan []byte
	faults chan error
	peer   *End

	done      chan struct{}
	closeOnce sync.Once
	faultOnce sync.Once
}

// New returns the two connected ends. buffer is the per-direction queue
// length; values below 1 use the default.
func New(buffer int) (controller, worker *End) {
	if buffer < 1 {
		buffer = defaultBuffer
	}
	controller = newEnd(buffer)
	worker = newEnd(buffer)
	controller.peer = worker
	worker.peer = controller
	return controller, worker
}

func newEnd(buffer int) *End {
	return &End{
		in:     make(chan []byte, buffer),
		faults: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Send queues frame on the peer's inbound side.
func (e *End) Send(ctx context.Context, frame []byte) error {
	select {
	case <-e.done:
		return ErrClosed
	case <-e.peer.done:
		return ErrPeerClosed
	default:
	}

	select {
	case e.peer.in <- frame:
		return nil
	case <-e.done:
		return ErrClosed
	case <-e.peer.done:
		return ErrPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *End) Inbound() <-chan []byte { return e.in }

func (e *End) Faults() <-chan error { return e.faults }

// Closed is closed once this end is closed or crashed.
func (e *End) Closed() <-chan struct{} { return e.done }

// Close shuts this end. The peer observes ErrPeerClosed as a fault.
func (e *End) Close() error {
	e.shutdown(ErrPeerClosed)
	return nil
}

// Crash shuts this end abruptly; the peer observes cause as a fault.
func (e *End) Crash(cause error) {
	e.shutdown(cause)
}

func (e *End) shutdown(cause error) {
	e.closeOnce.Do(func() {
		close(e.done)
		e.peer.raise(cause)
	})
}

func (e *End) raise(err error) {
	select {
	case <-e.done:
		return
	default:
	}
	e.faultOnce.Do(func() {
		e.faults <- err
	})
}
