package transaction

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces correlation IDs. The Initiator re-polls it if a
// generated ID is still pending.
type IDGenerator interface {
	Next() ID
}

// SequentialIDs counts up from 1.
type SequentialIDs struct {
	n atomic.Uint64
}

func NewSequentialIDs() *SequentialIDs {
	return &SequentialIDs{}
}

func (s *SequentialIDs) Next() ID {
	return ID(strconv.FormatUint(s.n.Add(1), 10))
}

// UUIDIDs yields random v4 UUIDs, for peers that must not guess IDs.
type UUIDIDs struct{}

func NewUUIDIDs() UUIDIDs {
	return UUIDIDs{}
}

func (UUIDIDs) Next() ID {
	return ID(uuid.New().String())
}
