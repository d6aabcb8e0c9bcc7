package infra

import (
	"context"
	"errors"
	"sync"
)

// ErrDisconnected is returned by a MemoryPubSub after Disconnect.
var ErrDisconnected = errors.New("pubsub disconnected")

// MemoryPubSub is an in-process pub/sub with the same delivery contract as
// GoRedisAdapter: per-subscriber ordering, no persistence, no replay.
type MemoryPubSub struct {
	mu           sync.Mutex
	subs         map[string]map[*memorySub]struct{}
	disconnected bool
}

type memorySub struct {
	msgs  chan []byte
	stop  chan struct{}
	ended chan struct{}
	once  sync.Once
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]map[*memorySub]struct{})}
}

func (m *MemoryPubSub) Publish(ctx context.Context, channel string, message []byte) error {
	m.mu.Lock()
	if m.disconnected {
		m.mu.Unlock()
		return ErrDisconnected
	}
	targets := make([]*memorySub, 0, len(m.subs[channel]))
	for s := range m.subs[channel] {
		targets = append(targets, s)
	}
	m.mu.Unlock()

	for _, s := range targets {
		msg := append([]byte(nil), message...)
		select {
		case s.msgs <- msg:
		case <-s.stop:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disconnected {
		return nil, nil, ErrDisconnected
	}

	s := &memorySub{
		msgs:  make(chan []byte, 256),
		stop:  make(chan struct{}),
		ended: make(chan struct{}),
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySub]struct{})
	}
	m.subs[channel][s] = struct{}{}

	go func() {
		defer close(s.ended)
		for {
			select {
			case msg := <-s.msgs:
				handler(msg)
			case <-s.stop:
				return
			}
		}
	}()

	unsub := func() {
		m.mu.Lock()
		delete(m.subs[channel], s)
		m.mu.Unlock()
		s.close()
	}
	return unsub, s.ended, nil
}

// Disconnect ends every subscription and fails later calls, like a lost
// Redis connection.
func (m *MemoryPubSub) Disconnect() {
	m.mu.Lock()
	m.disconnected = true
	subs := m.subs
	m.subs = make(map[string]map[*memorySub]struct{})
	m.mu.Unlock()

	for _, set := range subs {
		for s := range set {
			s.close()
		}
	}
}

func (s *memorySub) close() {
	s.once.Do(func() { close(s.stop) })
}
