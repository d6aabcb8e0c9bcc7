package transaction

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Future is the completion handle of one transaction. It is settled exactly
// once, by the Initiator.
type Future struct {
	id   ID
	op   string
	done chan struct{}
	once sync.Once

	value json.RawMessage
	err   error
}

func newFuture(id ID, op string) *Future {
	return &Future{id: id, op: op, done: make(chan struct{})}
}

// ID returns the correlation ID of the transaction.
func (f *Future) ID() ID { return f.id }

// Op returns the operation tag of the transaction.
func (f *Future) Op() string { return f.op }

// Done is closed once the future is settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks until the transaction settles or ctx is done. A context
// error does not remove the transaction from the table.
func (f *Future) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode awaits the result and unmarshals it into out.
func (f *Future) Decode(ctx context.Context, out any) error {
	value, err := f.Await(ctx)
	if err != nil {
		return err
	}
	if out == nil || len(value) == 0 {
		return nil
	}
	if err := json.Unmarshal(value, out); err != nil {
		return fmt.Errorf("decode %s result: %w", f.op, err)
	}
	return nil
}

// settle reports whether this call was the one that settled the future.
func (f *Future) settle(value json.RawMessage, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}
