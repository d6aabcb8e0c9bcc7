// Package ws carries frames over a WebSocket connection, one frame per text
// message. The worker listens with Handler; the controller connects with Dial.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 16 * 1024 * 1024 // Largest accepted frame
	sendBuffer = 256              // Outbound channel buffer
)

var (
	ErrClosed     = errors.New("ws: connection is closed")
	ErrPeerClosed = errors.New("ws: peer closed the connection")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

// Conn is a Transport over one WebSocket connection. All writes go through
// send to the write pump; the read pump is the only reader.
type Conn struct {
	conn *websocket.Conn

	send    chan []byte
	inbound chan []byte
	faults  chan error

	done      chan struct{}
	once      sync.Once
	faultOnce sync.Once
}

// buildCheckOrigin accepts only origins listed in WORKERLINK_ALLOWED_ORIGINS
// when it is set, and any origin otherwise.
func buildCheckOrigin() func(r *http.Request) bool {
	allowedRaw := os.Getenv("WORKERLINK_ALLOWED_ORIGINS")
	if allowedRaw == "" {
		return func(r *http.Request) bool { return true }
	}

	allowed := make(map[string]bool)
	for _, origin := range strings.Split(allowedRaw, ",") {
		allowed[strings.TrimSpace(origin)] = true
	}
	slog.Info("[WebSocket] Origin allowlist active", "count", len(allowed))
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed[origin] {
			return true
		}
		slog.Info("[WebSocket] Rejected connection from origin", "origin", origin)
		return false
	}
}

// Dial connects to a worker listening at url.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial worker %s: %w", url, err)
	}
	slog.Info("[WebSocket] Connected to worker", "url", url)
	return newConn(conn), nil
}

// Handler upgrades each request and hands the connection to accept, which
// owns it from then on.
func Handler(accept func(*Conn)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("[WebSocket] Upgrade failed", "error", err)
			return
		}
		slog.Info("[WebSocket] Controller connected", "remote", r.RemoteAddr)
		accept(newConn(conn))
	})
}

func newConn(conn *websocket.Conn) *Conn {
	c := &Conn{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		inbound: make(chan []byte, sendBuffer),
		faults:  make(chan error, 1),
		done:    make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c
}

func (c *Conn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Inbound() <-chan []byte { return c.inbound }

func (c *Conn) Faults() <-chan error { return c.faults }

// Close sends a close frame and tears the connection down.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}

// raise reports the first failure of a connection that was not closed locally.
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

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Warn("[WebSocket] Write failed", "error", err)
				c.raise(fmt.Errorf("write: %w", err))
				c.conn.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Warn("[WebSocket] Ping failed", "error", err)
				c.raise(fmt.Errorf("ping: %w", err))
				c.conn.Close()
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *Conn) readPump() {
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.raise(ErrPeerClosed)
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("[WebSocket] Read error", "error", err)
			}
			c.raise(fmt.Errorf("read: %w", err))
			return
		}

		select {
		case c.inbound <- payload:
		case <-c.done:
			return
		}
	}
}
