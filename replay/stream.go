package replay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// DefaultMaxFrameSize is the largest frame a stream accepts unless
// configured otherwise.
const DefaultMaxFrameSize = 256 << 20

const frameHeaderSize = 4

// Stream is a message-oriented duplex channel. Each Send is delivered to the
// peer as exactly one Recv.
type Stream interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// StreamOption configures a stream created by NewStream.
type StreamOption func(*frameStream)

// WithMaxFrameSize sets the largest frame the stream sends or accepts.
func WithMaxFrameSize(n int) StreamOption {
	return func(s *frameStream) {
		if n > 0 {
			s.maxFrame = n
		}
	}
}

// NewStream frames messages over rw with a 4-byte little-endian length
// prefix.
//
// When rw has SetReadDeadline and SetWriteDeadline methods (net.Conn does),
// context deadlines and cancellation interrupt blocked operations. Otherwise
// the context is only checked before each operation.
func NewStream(rw io.ReadWriter, opts ...StreamOption) Stream {
	s := &frameStream{rw: rw, maxFrame: DefaultMaxFrameSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type frameStream struct {
	rw       io.ReadWriter
	maxFrame int

	readMu  sync.Mutex
	writeMu sync.Mutex
	header  [frameHeaderSize]byte
}

func (s *frameStream) Send(ctx context.Context, frame []byte) error {
	if len(frame) > s.maxFrame {
		return fmt.Errorf("%w: send %d bytes, limit %d", ErrFrameTooLarge, len(frame), s.maxFrame)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var set func(time.Time) error
	if d, ok := s.rw.(writeDeadliner); ok {
		set = d.SetWriteDeadline
	}
	defer watch(ctx, set)()

	buf := make([]byte, frameHeaderSize+len(frame))
	binary.LittleEndian.PutUint32(buf, uint32(len(frame))) //nolint:gosec // bounded by maxFrame
	copy(buf[frameHeaderSize:], frame)
	if _, err := s.rw.Write(buf); err != nil {
		return ioError(ctx, "send frame", err)
	}
	return nil
}

func (s *frameStream) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	var set func(time.Time) error
	if d, ok := s.rw.(readDeadliner); ok {
		set = d.SetReadDeadline
	}
	defer watch(ctx, set)()

	if _, err := io.ReadFull(s.rw, s.header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, ioError(ctx, "read frame header", err)
	}
	n := binary.LittleEndian.Uint32(s.header[:])
	if uint64(n) > uint64(s.maxFrame) {
		return nil, fmt.Errorf("%w: peer sent %d bytes, limit %d", ErrFrameTooLarge, n, s.maxFrame)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(s.rw, frame); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, ioError(ctx, "read frame body", err)
	}
	return frame, nil
}

// Close closes the underlying transport when it is an io.Closer.
func (s *frameStream) Close() error {
	if c, ok := s.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// watch applies ctx's deadline through set and arranges for cancellation to
// expire it. The returned function clears the deadline.
func watch(ctx context.Context, set func(time.Time) error) func() {
	if set == nil {
		return func() {}
	}
	if d, ok := ctx.Deadline(); ok {
		_ = set(d)
	}
	var (
		mu   sync.Mutex
		done bool
	)
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if !done {
			_ = set(time.Unix(1, 0))
		}
	})
	return func() {
		stop()
		mu.Lock()
		done = true
		mu.Unlock()
		_ = set(time.Time{})
	}
}

// ioError prefers the context's error when it caused the failure.
func ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
			return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
