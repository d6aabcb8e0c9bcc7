// Package channel binds a transaction Initiator to one duplex message channel.
//
// The Endpoint forwards request envelopes to the worker, runs the single
// receiver that hands inbound responses to the Initiator, and turns a
// transport fault into cancellation of everything still pending.
package channel

import "context"

// Transport is one duplex message channel between controller and worker.
// Frames are encoded envelopes; a transport never inspects them.
//
// Faults reports at most one error, raised when the channel breaks while it
// is open (peer crashed, connection reset). Errors caused by Close are not
// reported as faults. Inbound may be closed once the transport is done.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Inbound() <-chan []byte
	Faults() <-chan error
	Close() error
}
