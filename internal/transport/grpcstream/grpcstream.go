// Package grpcstream carries frames over a bidirectional gRPC stream. Each
// frame travels as a google.protobuf.BytesValue, so no generated code is
// needed.
//
// Proto definition:
//
//	service Worker {
//	  rpc Exchange(stream google.protobuf.BytesValue) returns (stream google.protobuf.BytesValue);
//	}
package grpcstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName    = "workerlink.v1.Worker"
	exchangeMethod = "/workerlink.v1.Worker/Exchange"
	sendBuffer     = 256
)

var (
	ErrClosed     = errors.New("grpcstream: stream is closed")
	ErrPeerClosed = errors.New("grpcstream: peer closed the stream")
)

// exchangeServer is the server API for the Worker service.
type exchangeServer interface {
	Exchange(grpc.ServerStream) error
}

func _Worker_Exchange_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(exchangeServer).Exchange(stream)
}

// Worker_ServiceDesc is the grpc.ServiceDesc for the Worker service.
var Worker_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*exchangeServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       _Worker_Exchange_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "workerlink.proto",
}

// msgStream is what grpc.ClientStream and grpc.ServerStream have in common.
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
	Context() context.Context
}

// Conn is a Transport over one Exchange stream. The write pump is the only
// sender and the read pump the only receiver, as gRPC streams require.
type Conn struct {
	stream msgStream

	send    chan []byte
	inbound chan []byte
	faults  chan error

	done      chan struct{}
	once      sync.Once
	faultOnce sync.Once
	onClose   func() error
}

// Dial opens an Exchange stream to the worker at target. ctx bounds stream
// setup only.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Conn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to worker: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	st, err := cc.NewStream(streamCtx, &Worker_ServiceDesc.Streams[0], exchangeMethod)
	if !stop() {
		err = errors.Join(err, ctx.Err())
	}
	if err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("open exchange stream: %w", err)
	}

	slog.Info("[gRPC] Connected to worker", "target", target)
	return newConn(st, func() error {
		cancel()
		return cc.Close()
	}), nil
}

// Register installs the Worker service on s. Each incoming stream is handed
// to accept; the RPC stays open until the Conn is closed or the controller
// goes away.
func Register(s grpc.ServiceRegistrar, accept func(*Conn)) {
	s.RegisterService(&Worker_ServiceDesc, acceptor(accept))
}

type acceptor func(*Conn)

func (a acceptor) Exchange(stream grpc.ServerStream) error {
	c := newConn(stream, nil)
	slog.Info("[gRPC] Controller connected")
	a(c)
	select {
	case <-c.done:
	case <-stream.Context().Done():
	}
	return nil
}

func newConn(stream msgStream, onClose func() error) *Conn {
	c := &Conn{
		stream:  stream,
		send:    make(chan []byte, sendBuffer),
		inbound: make(chan []byte, sendBuffer),
		faults:  make(chan error, 1),
		done:    make(chan struct{}),
		onClose: onClose,
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

// Close ends the stream. On the controller it also releases the client
// connection.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		if c.onClose != nil {
			err = c.onClose()
		}
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

func (c *Conn) writePump() {
	for {
		select {
		case frame := <-c.send:
			if err := c.stream.SendMsg(wrapperspb.Bytes(frame)); err != nil {
				slog.Warn("[gRPC] Send failed", "error", err)
				c.raise(peerError(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readPump() {
	for {
		msg := new(wrapperspb.BytesValue)
		if err := c.stream.RecvMsg(msg); err != nil {
			c.raise(peerError(err))
			return
		}
		select {
		case c.inbound <- msg.GetValue():
		case <-c.done:
			return
		}
	}
}

// peerError maps an orderly end of stream to ErrPeerClosed.
func peerError(err error) error {
	if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
		return ErrPeerClosed
	}
	return fmt.Errorf("stream: %w", err)
}
