package transaction

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type pending struct {
	op      string
	started time.Time
	future  *Future
}

// Initiator owns the pending table for one controller/worker pair.
type Initiator struct {
	mu     sync.Mutex
	active map[ID]*pending

	ids      IDGenerator
	observer Observer
	logger   *slog.Logger
}

// Option configures an Initiator.
type Option func(*Initiator)

// WithIDGenerator replaces the default sequential IDs.
func WithIDGenerator(g IDGenerator) Option {
	return func(i *Initiator) { i.ids = g }
}

// WithObserver attaches metrics, journaling or other settlement observers.
func WithObserver(o Observer) Option {
	return func(i *Initiator) { i.observer = o }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(i *Initiator) { i.logger = l }
}

// NewInitiator creates an Initiator with an empty table.
func NewInitiator(opts ...Option) *Initiator {
	i := &Initiator{
		active:   make(map[ID]*pending),
		ids:      NewSequentialIDs(),
		observer: nopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Initiate registers a new transaction and returns the envelope to send and
// the Future that settles with its response. args are encoded as a JSON array.
func (i *Initiator) Initiate(op string, args ...any) (RequestEnvelope, *Future, error) {
	if args == nil {
		args = []any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return RequestEnvelope{}, nil, fmt.Errorf("encode %s arguments: %w", op, err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	// A generator that yields distinct IDs finds a free one within
	// len(active)+1 draws.
	id, ok := ID(""), false
	for attempt := 0; attempt <= len(i.active); attempt++ {
		id = i.ids.Next()
		if _, taken := i.active[id]; !taken {
			ok = true
			break
		}
	}
	if !ok {
		return RequestEnvelope{}, nil, fmt.Errorf("%w: %d draws all pending", ErrIDExhausted, len(i.active)+1)
	}

	// Started is observed before the entry becomes visible to Conclude.
	i.observer.TransactionStarted(op)
	future := newFuture(id, op)
	i.active[id] = &pending{op: op, started: time.Now(), future: future}

	return RequestEnvelope{ID: id, Op: op, Payload: payload}, future, nil
}

// Conclude settles the transaction matching resp.ID. Responses for unknown,
// already settled or cancelled IDs are dropped.
func (i *Initiator) Conclude(resp ResponseEnvelope) {
	p, ok := i.take(resp.ID)
	if !ok {
		i.logger.Debug("[Initiator] Dropping response for unknown transaction", "id", resp.ID)
		i.observer.UnknownResponse(resp.ID)
		return
	}

	rec := Record{ID: resp.ID, Op: p.op, Started: p.started, Duration: time.Since(p.started)}
	if resp.OK() {
		p.future.settle(resp.Value, nil)
		rec.Status = StatusConcluded
	} else {
		appErr := &ApplicationError{ID: resp.ID, Op: p.op, Code: resp.Error.Code, Message: resp.Error.Message}
		p.future.settle(nil, appErr)
		rec.Status = StatusFailed
		rec.Err = appErr
	}
	i.observer.TransactionSettled(rec)
}

// Abort removes one transaction and rejects it with err. It reports whether
// the ID was pending.
func (i *Initiator) Abort(id ID, err error) bool {
	p, ok := i.take(id)
	if !ok {
		return false
	}
	p.future.settle(nil, err)
	i.observer.TransactionSettled(Record{
		ID: id, Op: p.op, Status: StatusAborted,
		Started: p.started, Duration: time.Since(p.started), Err: err,
	})
	return true
}

// CancelAll empties the table and rejects every pending Future with a
// CancellationError carrying reason. It returns the number cancelled.
func (i *Initiator) CancelAll(reason string) int {
	return i.cancelAll(&CancellationError{Reason: reason})
}

// CancelAllWithCause is CancelAll with an underlying cause attached, such as
// the channel fault that triggered it.
func (i *Initiator) CancelAllWithCause(reason string, cause error) int {
	return i.cancelAll(&CancellationError{Reason: reason, Cause: cause})
}

func (i *Initiator) cancelAll(cancelErr *CancellationError) int {
	i.mu.Lock()
	drained := i.active
	i.active = make(map[ID]*pending)
	i.mu.Unlock()

	if len(drained) == 0 {
		return 0
	}

	for id, p := range drained {
		p.future.settle(nil, cancelErr)
		i.observer.TransactionSettled(Record{
			ID: id, Op: p.op, Status: StatusCancelled,
			Started: p.started, Duration: time.Since(p.started), Err: cancelErr,
		})
	}
	i.logger.Info("[Initiator] Cancelled pending transactions", "count", len(drained), "reason", cancelErr.Reason)
	return len(drained)
}

// Len returns the number of pending transactions.
func (i *Initiator) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.active)
}

// Pending returns a snapshot of the table, oldest first.
func (i *Initiator) Pending() []PendingTransaction {
	i.mu.Lock()
	out := make([]PendingTransaction, 0, len(i.active))
	for id, p := range i.active {
		out = append(out, PendingTransaction{ID: id, Op: p.op, Started: p.started})
	}
	i.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].Started.Before(out[b].Started) })
	return out
}

func (i *Initiator) take(id ID) (*pending, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.active[id]
	if ok {
		delete(i.active, id)
	}
	return p, ok
}
