// Package transaction correlates asynchronous requests with their responses.
//
// An Initiator hands out correlation IDs, keeps the table of pending
// transactions and settles each caller's Future when the matching response
// arrives, or rejects every pending Future at once on shutdown.
package transaction

import (
	"encoding/json"
	"time"
)

// ID is an opaque correlation token. It is unique while its transaction is pending.
type ID string

// RequestEnvelope is sent controller -> worker.
type RequestEnvelope struct {
	ID          ID              `json:"id"`
	Op          string          `json:"op"`
	Payload     json.RawMessage `json:"payload"`
	Attachments [][]byte        `json:"attachments,omitempty"`
}

// ErrorDetail is the failure outcome carried by a response.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseEnvelope is sent worker -> controller. A nil Error means success.
type ResponseEnvelope struct {
	ID    ID              `json:"id"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *ErrorDetail    `json:"error,omitempty"`
}

// Success builds a successful response. A nil value is encoded as JSON null.
func Success(id ID, value json.RawMessage) ResponseEnvelope {
	if value == nil {
		value = json.RawMessage("null")
	}
	return ResponseEnvelope{ID: id, Value: value}
}

// Failure builds a failed response.
func Failure(id ID, code, message string) ResponseEnvelope {
	return ResponseEnvelope{ID: id, Error: &ErrorDetail{Code: code, Message: message}}
}

// OK reports whether the response carries a value rather than an error.
func (r ResponseEnvelope) OK() bool {
	return r.Error == nil
}

// PendingTransaction is a read-only snapshot of one table entry.
type PendingTransaction struct {
	ID      ID
	Op      string
	Started time.Time
}

// Age returns how long the transaction has been pending.
func (p PendingTransaction) Age() time.Duration {
	return time.Since(p.Started)
}
