package transaction

import "time"

// Status is how a transaction left the pending table.
type Status string

const (
	StatusConcluded Status = "concluded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusAborted   Status = "aborted"
)

// Record describes one settled transaction.
type Record struct {
	ID       ID
	Op       string
	Status   Status
	Started  time.Time
	Duration time.Duration
	Err      error
}

// Observer is notified of table changes. TransactionStarted runs with the
// table lock held, so that it precedes the matching TransactionSettled; the
// other callbacks run outside it. Implementations must not block or call
// back into the Initiator.
type Observer interface {
	TransactionStarted(op string)
	TransactionSettled(rec Record)
	UnknownResponse(id ID)
}

// Observers fans out to several observers.
type Observers []Observer

func (o Observers) TransactionStarted(op string) {
	for _, obs := range o {
		obs.TransactionStarted(op)
	}
}

func (o Observers) TransactionSettled(rec Record) {
	for _, obs := range o {
		obs.TransactionSettled(rec)
	}
}

func (o Observers) UnknownResponse(id ID) {
	for _, obs := range o {
		obs.UnknownResponse(id)
	}
}

type nopObserver struct{}

func (nopObserver) TransactionStarted(string) {}
func (nopObserver) TransactionSettled(Record) {}
func (nopObserver) UnknownResponse(ID)        {}
