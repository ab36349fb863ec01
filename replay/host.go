package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/google/uuid"

	"github.com/meigma/replaycache/provider"
	"github.com/meigma/replaycache/replay/internal/wire"
)

// Host is the host's end of a replay connection. It reads replayer messages
// and answers payload and resource requests.
type Host struct {
	stream  Stream
	session uuid.UUID
	logger  *slog.Logger

	mu      sync.Mutex
	builder *flatbuffers.Builder
}

// NewHost returns the host side of a connection over stream.
func NewHost(stream Stream, opts ...Option) *Host {
	cfg := newConfig(opts)
	return &Host{
		stream:  stream,
		session: cfg.session,
		logger:  cfg.logger,
		builder: flatbuffers.NewBuilder(1024),
	}
}

// Session returns the connection's session identifier.
func (h *Host) Session() uuid.UUID {
	return h.session
}

// Next waits for the next replayer message. It returns io.EOF when the
// replayer closed the connection between messages.
func (h *Host) Next(ctx context.Context) (Message, error) {
	frame, err := h.stream.Recv(ctx)
	if err != nil {
		return Message{}, err
	}
	env, err := decode(frame)
	if err != nil {
		return Message{}, err
	}
	return env.message()
}

// SendPayload answers a payload request.
func (h *Host) SendPayload(ctx context.Context, p *Payload) error {
	return h.send(ctx, payloadEnvelope(p))
}

// SendResources answers a resource request with the requested bodies
// concatenated in request order.
func (h *Host) SendResources(ctx context.Context, data []byte) error {
	return h.send(ctx, &envelope{kind: wire.KindResources, data: data})
}

// Serve answers requests until the replayer reports completion.
//
// Payload requests are answered with payloads in order. Resource requests
// are fetched from src; when src cannot supply every requested body with
// the requested size, an empty response is sent and the replayer fails the
// request. Every other message is passed to observe, which may be nil.
func (h *Host) Serve(ctx context.Context, src provider.Provider, payloads []*Payload, observe func(Message)) error {
	next := 0
	for {
		msg, err := h.Next(ctx)
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("replayer disconnected before finishing: %w", io.ErrUnexpectedEOF)
		}
		if err != nil {
			return err
		}

		switch msg.Kind {
		case KindPayloadRequest:
			if next >= len(payloads) {
				return ErrNoPayload
			}
			if err := h.SendPayload(ctx, payloads[next]); err != nil {
				return err
			}
			next++
		case KindResourceRequest:
			if err := h.SendResources(ctx, h.gather(ctx, src, msg.Resources)); err != nil {
				return err
			}
		case KindReplayFinished:
			if observe != nil {
				observe(msg)
			}
			return nil
		default:
			if msg.Kind == KindNotification {
				n := msg.Notification
				h.logger.Log(ctx, n.Severity.Level(), n.Message,
					slog.Uint64("id", n.ID),
					slog.Uint64("label", n.Label),
					slog.Uint64("api", uint64(n.APIIndex)))
			}
			if observe != nil {
				observe(msg)
			}
		}
	}
}

// gather fetches reqs and concatenates them, or returns nil when any body is
// unavailable.
func (h *Host) gather(ctx context.Context, src provider.Provider, reqs []provider.Request) []byte {
	got, err := src.Fetch(ctx, reqs, nil)
	if err != nil {
		h.logger.WarnContext(ctx, "resource fetch failed", slog.Any("error", err))
	}
	byID := make(map[string][]byte, len(got))
	for _, r := range got {
		byID[r.ID] = r.Data
	}

	out := make([]byte, 0, provider.TotalSize(reqs))
	for _, r := range reqs {
		data, ok := byID[r.ID]
		if !ok || len(data) != r.Size {
			h.logger.WarnContext(ctx, "resource unavailable", slog.String("id", r.ID), slog.Int("size", r.Size))
			return nil
		}
		out = append(out, data...)
	}
	return out
}

// Close closes the underlying transport when it is an io.Closer.
func (h *Host) Close() error {
	if cl, ok := h.stream.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

func (h *Host) send(ctx context.Context, env *envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.stream.Send(ctx, encode(h.builder, env)); err != nil {
		return fmt.Errorf("send %s: %w", env.kind, err)
	}
	return nil
}
