package journal

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/workerlink/internal/transaction"
)

// blockingStore holds every Insert until released.
type blockingStore struct {
	*MemoryStore
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) Insert(ctx context.Context, entries []Entry) error {
	<-s.release
	return s.MemoryStore.Insert(ctx, entries)
}

func (s *blockingStore) unblock() { s.once.Do(func() { close(s.release) }) }

type failingStore struct{ MemoryStore }

func (*failingStore) Insert(context.Context, []Entry) error { return errors.New("connection refused") }

func TestJournal_RecordsSettlements(t *testing.T) {
	store := NewMemoryStore(0)
	j := New(store, "ep-1", Config{FlushInterval: 10 * time.Millisecond})

	in := transaction.NewInitiator(transaction.WithObserver(j))
	r1, _, err := in.Initiate(transaction.OpInitialize)
	require.NoError(t, err)
	r2, _, err := in.Initiate(transaction.OpExampleAskDeepThought, "q")
	require.NoError(t, err)
	_, _, err = in.Initiate("op")
	require.NoError(t, err)

	in.Conclude(transaction.Success(r1.ID, nil))
	in.Conclude(transaction.Failure(r2.ID, "bad_arguments", "empty question"))
	in.CancelAll("closed")

	require.NoError(t, j.Close())
	assert.Equal(t, int64(3), j.Written())
	assert.Equal(t, int64(0), j.Dropped())

	entries, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	byID := map[string]Entry{}
	for _, e := range entries {
		assert.Equal(t, "ep-1", e.EndpointID)
		byID[e.ID] = e
	}
	assert.Equal(t, "concluded", byID["1"].Status)
	assert.Equal(t, "failed", byID["2"].Status)
	assert.Contains(t, byID["2"].Error, "empty question")
	assert.Equal(t, "cancelled", byID["3"].Status)
	assert.Contains(t, byID["3"].Error, "closed")
}

func TestJournal_DropsWhenBufferFull(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(0), release: make(chan struct{})}
	defer store.unblock()
	j := New(store, "ep", Config{BufferSize: 2, BatchSize: 1, FlushInterval: time.Hour})

	rec := transaction.Record{ID: "1", Op: "op", Status: transaction.StatusConcluded}
	// The first record is taken by the loop and blocks in Insert; two more
	// fill the buffer; the rest must not block the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			j.TransactionSettled(rec)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TransactionSettled blocked on a full buffer")
	}
	assert.GreaterOrEqual(t, j.Dropped(), int64(7))

	store.unblock()
	require.NoError(t, j.Close())
	assert.Equal(t, int64(10), j.Dropped()+j.Written())
}

func TestJournal_StoreFailureCountsDropped(t *testing.T) {
	j := New(&failingStore{}, "ep", Config{})
	j.TransactionSettled(transaction.Record{ID: "1", Op: "op", Status: transaction.StatusAborted, Err: errors.New("send failed")})
	require.NoError(t, j.Close())

	assert.Equal(t, int64(1), j.Dropped())
	assert.Equal(t, int64(0), j.Written())

	// Records after Close are dropped.
	j.TransactionSettled(transaction.Record{ID: "2", Op: "op"})
	assert.Equal(t, int64(2), j.Dropped())
}

func TestMemoryStore_KeepsNewest(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, s.Insert(ctx, []Entry{{ID: id}}))
	}

	entries, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "5", entries[0].ID)
	assert.Equal(t, "3", entries[2].ID)

	entries, err = s.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "5", entries[0].ID)
}

func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("WORKERLINK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("WORKERLINK_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	endpoint := "it-" + time.Now().Format("20060102150405.000000")
	require.NoError(t, store.Insert(ctx, []Entry{
		{ID: "1", EndpointID: endpoint, Op: "initialize", Status: "concluded", Started: time.Now(), Duration: time.Millisecond},
		{ID: "2", EndpointID: endpoint, Op: "op", Status: "cancelled", Started: time.Now(), Error: "closed"},
	}))

	entries, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	var found int
	for _, e := range entries {
		if e.EndpointID == endpoint {
			found++
		}
	}
	assert.Equal(t, 2, found)
}
