package replay_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/replaycache/replay"
)

func TestStream_RoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := replay.NewStream(&buf)
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, []byte("first")))
	require.NoError(t, s.Send(ctx, nil))
	require.NoError(t, s.Send(ctx, []byte("third")))

	assert.Equal(t, []byte{5, 0, 0, 0}, buf.Bytes()[:4], "length prefix is little-endian")

	for _, want := range []string{"first", "", "third"} {
		got, err := s.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err := s.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_TruncatedFrame(t *testing.T) {
	t.Parallel()

	s := replay.NewStream(bytes.NewBuffer([]byte{8, 0, 0, 0, 'a', 'b'}))
	_, err := s.Recv(context.Background())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStream_FrameTooLarge(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	small := replay.NewStream(&buf, replay.WithMaxFrameSize(8))
	err := small.Send(context.Background(), make([]byte, 9))
	require.ErrorIs(t, err, replay.ErrFrameTooLarge)
	assert.Zero(t, buf.Len(), "oversized frames are not written")

	require.NoError(t, replay.NewStream(&buf).Send(context.Background(), make([]byte, 16)))
	_, err = small.Recv(context.Background())
	require.ErrorIs(t, err, replay.ErrFrameTooLarge)
}

func TestStream_Context(t *testing.T) {
	t.Parallel()

	t.Run("deadline", func(t *testing.T) {
		t.Parallel()

		a, b := net.Pipe()
		t.Cleanup(func() {
			a.Close()
			b.Close()
		})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := replay.NewStream(a).Recv(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("cancel", func(t *testing.T) {
		t.Parallel()

		a, b := net.Pipe()
		t.Cleanup(func() {
			a.Close()
			b.Close()
		})

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)
		err := replay.NewStream(a).Send(ctx, []byte("nobody is reading"))
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("recovers after deadline", func(t *testing.T) {
		t.Parallel()

		a, b := net.Pipe()
		t.Cleanup(func() {
			a.Close()
			b.Close()
		})
		sa, sb := replay.NewStream(a), replay.NewStream(b)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := sa.Recv(ctx)
		require.Error(t, err)

		go func() { _ = sb.Send(context.Background(), []byte("late")) }()
		got, err := sa.Recv(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "late", string(got))
	})

	t.Run("already canceled", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var buf bytes.Buffer
		s := replay.NewStream(&buf)
		require.ErrorIs(t, s.Send(ctx, []byte("x")), context.Canceled)
		_, err := s.Recv(ctx)
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, buf.Len())
	})
}
