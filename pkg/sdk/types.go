package sdk

import "errors"

// State of a Client. Faulted and Closed are terminal.
type State int

const (
	// StateCreated: channel open, initialize not yet issued
	StateCreated State = iota

	// StateInitializing: initialize is in flight
	StateInitializing

	// StateReady: initialize concluded, operations may be issued
	StateReady

	// StateFaulted: the channel to the worker broke
	StateFaulted

	// StateClosed: Close was called
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateFaulted:
		return "FAULTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrNotReady is returned for operations issued before initialize concluded.
	ErrNotReady = errors.New("workerlink: client is not initialized")

	// ErrAlreadyInitialized is returned when initialize is issued twice.
	ErrAlreadyInitialized = errors.New("workerlink: client already initialized")

	// ErrClosed is returned for operations issued after Close.
	ErrClosed = errors.New("workerlink: client is closed")
)

// DeepThoughtRequest is the gateway request body for ExampleAskDeepThought.
type DeepThoughtRequest struct {
	Question string `json:"question"`
}

// DeepThoughtResponse is the gateway response body for ExampleAskDeepThought.
type DeepThoughtResponse struct {
	Answer int `json:"answer"`
}

// HealthResponse is what the gateway reports on /health.
type HealthResponse struct {
	Status  string `json:"status"`
	State   string `json:"state"`
	Pending int    `json:"pending"`
}
