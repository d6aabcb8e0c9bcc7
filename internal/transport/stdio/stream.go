// Package stdio carries frames over a byte stream, one frame per line.
//
// The controller side spawns the worker as a subprocess and talks to it over
// its stdin/stdout; the worker side attaches to its own stdin/stdout. The
// process boundary is the isolation: nothing but frames crosses it.
package stdio

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
)

// MaxFrameSize bounds one line on the wire.
const MaxFrameSize = 16 * 1024 * 1024

var ErrClosed = errors.New("stdio: stream is closed")

// Stream is a Transport over a reader/writer pair.
type Stream struct {
	wmu sync.Mutex
	w   *bufio.Writer

	inbound chan []byte
	faults  chan error

	done      chan struct{}
	closeOnce sync.Once
	faultOnce sync.Once

	onEOF   func() error
	onClose func() error
}

func newStream(r io.Reader, w io.Writer, onEOF, onClose func() error) *Stream {
	s := &Stream{
		w:       bufio.NewWriter(w),
		inbound: make(chan []byte, 64),
		faults:  make(chan error, 1),
		done:    make(chan struct{}),
		onEOF:   onEOF,
		onClose: onClose,
	}
	go s.readLoop(r)
	return s
}

// Attach wraps the worker's own input and output, typically os.Stdin and
// os.Stdout. End of input is reported as a fault: the controller is gone.
func Attach(r io.Reader, w io.Writer) *Stream {
	return newStream(r, w, func() error { return io.EOF }, nil)
}

func (s *Stream) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *Stream) Inbound() <-chan []byte { return s.inbound }

func (s *Stream) Faults() <-chan error { return s.faults }

// Close stops the stream. Faults raised while closing are suppressed.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			err = s.onClose()
		}
	})
	return err
}

func (s *Stream) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)

		select {
		case s.inbound <- frame:
		case <-s.done:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		s.raise(err)
		return
	}
	s.raise(s.onEOF())
}

func (s *Stream) raise(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.faultOnce.Do(func() {
		s.faults <- err
	})
}
