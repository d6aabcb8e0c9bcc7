package transaction

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks.
var (
	ErrCancelled    = errors.New("transaction cancelled")
	ErrChannelFault = errors.New("channel fault")
	ErrIDExhausted  = errors.New("no free transaction id")
)

// ApplicationError is a failure response from the worker. It rejects only
// the one matching transaction.
type ApplicationError struct {
	ID      ID
	Op      string
	Code    string
	Message string
}

func (e *ApplicationError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s failed (%s): %s", e.Op, e.Code, e.Message)
}

// CancellationError rejects every pending transaction on CancelAll.
type CancellationError struct {
	Reason string
	Cause  error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("transaction cancelled: %s", e.Reason)
}

func (e *CancellationError) Is(target error) bool {
	return target == ErrCancelled
}

func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// ChannelFault is a transport-level failure: the worker went away or sent
// something that could not be decoded.
type ChannelFault struct {
	Cause error
}

func (e *ChannelFault) Error() string {
	if e.Cause == nil {
		return "channel fault"
	}
	return fmt.Sprintf("channel fault: %v", e.Cause)
}

func (e *ChannelFault) Is(target error) bool {
	return target == ErrChannelFault
}

func (e *ChannelFault) Unwrap() error {
	return e.Cause
}
