// Package journal records settled transactions to durable storage.
//
// The Journal is a transaction.Observer: settlement hands it a record without
// blocking, and a background loop writes batches to the Store. When the
// buffer is full new records are dropped and counted, never waited on.
package journal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/workerlink/internal/transaction"
)

// Entry is one settled transaction as stored.
type Entry struct {
	ID         string        `json:"id"`
	EndpointID string        `json:"endpoint_id,omitempty"`
	Op         string        `json:"op"`
	Status     string        `json:"status"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
}

// Store persists entries.
type Store interface {
	Insert(ctx context.Context, entries []Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Config tunes the write loop.
type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func (c *Config) withDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Journal buffers settlement records and writes them to a Store.
type Journal struct {
	store      Store
	cfg        Config
	endpointID string

	records chan Entry
	dropped atomic.Int64
	written atomic.Int64

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts the write loop. endpointID tags every entry.
func New(store Store, endpointID string, cfg Config) *Journal {
	cfg.withDefaults()
	j := &Journal{
		store:      store,
		cfg:        cfg,
		endpointID: endpointID,
		records:    make(chan Entry, cfg.BufferSize),
		stop:       make(chan struct{}),
	}
	j.wg.Add(1)
	go j.run()
	return j
}

func (j *Journal) TransactionStarted(string) {}

func (j *Journal) UnknownResponse(transaction.ID) {}

func (j *Journal) TransactionSettled(rec transaction.Record) {
	e := Entry{
		ID:         string(rec.ID),
		EndpointID: j.endpointID,
		Op:         rec.Op,
		Status:     string(rec.Status),
		Started:    rec.Started,
		Duration:   rec.Duration,
	}
	if rec.Err != nil {
		e.Error = rec.Err.Error()
	}

	select {
	case <-j.stop:
		j.dropped.Add(1)
		return
	default:
	}
	select {
	case j.records <- e:
	default:
		j.dropped.Add(1)
	}
}

// Dropped returns how many records were discarded because the buffer was full
// or the journal was closed.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Written returns how many records reached the store.
func (j *Journal) Written() int64 { return j.written.Load() }

// Recent reads back the newest entries from the store.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return j.store.Recent(ctx, limit)
}

// Close flushes buffered records and closes the store.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.stop)
		j.wg.Wait()
		err = j.store.Close()
	})
	return err
}

func (j *Journal) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, j.cfg.BatchSize)
	for {
		select {
		case e := <-j.records:
			batch = append(batch, e)
			if len(batch) >= j.cfg.BatchSize {
				batch = j.flush(batch)
			}
		case <-ticker.C:
			batch = j.flush(batch)
		case <-j.stop:
			for {
				select {
				case e := <-j.records:
					batch = append(batch, e)
				default:
					j.flush(batch)
					return
				}
			}
		}
	}
}

func (j *Journal) flush(batch []Entry) []Entry {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.WriteTimeout)
	defer cancel()

	if err := j.store.Insert(ctx, batch); err != nil {
		slog.Warn("[Journal] Write failed, dropping batch", "entries", len(batch), "error", err)
		j.dropped.Add(int64(len(batch)))
	} else {
		j.written.Add(int64(len(batch)))
	}
	return batch[:0]
}
