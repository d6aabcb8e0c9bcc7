// Package redisbus carries frames over a pair of Redis Pub/Sub channels.
//
// A link named by prefix uses <prefix>requests from controller to worker and
// <prefix>responses back. Pub/Sub has no persistence: frames published while
// a side is not subscribed are lost, so the worker must be subscribed before
// the controller sends.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultPrefix names the channel pair when none is configured.
const DefaultPrefix = "workerlink:"

var (
	ErrClosed           = errors.New("redisbus: link is closed")
	ErrPeerClosed       = errors.New("redisbus: peer closed the link")
	ErrSubscriptionLost = errors.New("redisbus: subscription lost")
)

// PubSub is the minimal broker surface the link needs. infra.GoRedisAdapter
// and infra.MemoryPubSub implement it.
type PubSub interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsub func(), ended <-chan struct{}, err error)
}

// Role selects which side of the channel pair a Conn plays.
type Role int

const (
	Controller Role = iota
	Worker
)

func (r Role) String() string {
	if r == Worker {
		return "worker"
	}
	return "controller"
}

// Conn is a Transport over Redis Pub/Sub. An empty message is the goodbye
// a side publishes when it closes; frames are never empty.
type Conn struct {
	ps   PubSub
	role Role
	out  string
	in   string

	inbound chan []byte
	faults  chan error
	unsub   func()

	done      chan struct{}
	once      sync.Once
	faultOnce sync.Once
}

// Channels returns the request and response channel names for prefix.
func Channels(prefix string) (requests, responses string) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "requests", prefix + "responses"
}

// Open subscribes to the inbound channel for role and returns the link.
func Open(ctx context.Context, ps PubSub, prefix string, role Role) (*Conn, error) {
	requests, responses := Channels(prefix)
	c := &Conn{
		ps:      ps,
		role:    role,
		out:     requests,
		in:      responses,
		inbound: make(chan []byte, 256),
		faults:  make(chan error, 1),
		done:    make(chan struct{}),
	}
	if role == Worker {
		c.out, c.in = responses, requests
	}

	unsub, ended, err := ps.Subscribe(ctx, c.in, c.deliver)
	if err != nil {
		return nil, fmt.Errorf("redisbus %s: %w", role, err)
	}
	c.unsub = unsub

	go func() {
		select {
		case <-ended:
			c.raise(ErrSubscriptionLost)
		case <-c.done:
		}
	}()

	slog.Info("[RedisBus] Link opened", "role", role, "publish", c.out, "subscribe", c.in)
	return c, nil
}

func (c *Conn) deliver(msg []byte) {
	if len(msg) == 0 {
		c.raise(ErrPeerClosed)
		return
	}
	select {
	case c.inbound <- msg:
	case <-c.done:
	}
}

func (c *Conn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.ps.Publish(ctx, c.out, frame); err != nil {
		return fmt.Errorf("publish to %s: %w", c.out, err)
	}
	return nil
}

func (c *Conn) Inbound() <-chan []byte { return c.inbound }

func (c *Conn) Faults() <-chan error { return c.faults }

// Close tells the peer goodbye and unsubscribes.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ps.Publish(context.Background(), c.out, nil)
		c.unsub()
		slog.Info("[RedisBus] Link closed", "role", c.role)
	})
	return err
}

func (c *Conn) raise(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	c.faultOnce.Do(func() {
		c.faults <- err
	})
}
