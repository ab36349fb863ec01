package replay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/google/uuid"

	"github.com/meigma/replaycache/provider"
	"github.com/meigma/replaycache/replay/internal/wire"
)

// Option configures a Conn or a Host.
type Option func(*config)

type config struct {
	logger  *slog.Logger
	session uuid.UUID
}

// WithLogger sets the logger. Connection events are logged at debug level
// with a session attribute.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithSession sets the session identifier instead of generating one.
func WithSession(id uuid.UUID) Option {
	return func(c *config) {
		c.session = id
	}
}

func newConfig(opts []Option) config {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.session == uuid.Nil {
		cfg.session = uuid.New()
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	cfg.logger = cfg.logger.With(slog.String("session", cfg.session.String()))
	return cfg
}

// Conn is the replayer's end of a replay connection.
//
// Conn is safe for concurrent use. Request/response exchanges are
// serialized; one-way messages may be sent from any goroutine.
type Conn struct {
	stream  Stream
	session uuid.UUID
	logger  *slog.Logger

	// mu guards builder and keeps a request paired with its response.
	mu      sync.Mutex
	builder *flatbuffers.Builder
}

// NewConn returns the replayer side of a connection over stream.
func NewConn(stream Stream, opts ...Option) *Conn {
	cfg := newConfig(opts)
	return &Conn{
		stream:  stream,
		session: cfg.session,
		logger:  cfg.logger,
		builder: flatbuffers.NewBuilder(1024),
	}
}

// Session returns the connection's session identifier.
func (c *Conn) Session() uuid.UUID {
	return c.session
}

// Payload requests the replay payload and waits for it.
func (c *Conn) Payload(ctx context.Context) (*Payload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	env, err := c.exchange(ctx, &envelope{kind: wire.KindPayloadRequest}, wire.KindPayload)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	p, err := env.payload()
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	c.logger.DebugContext(ctx, "received payload",
		slog.Int("opcodes", len(p.Opcodes)),
		slog.Int("resources", len(p.Resources)))
	return p, nil
}

// Resources requests the bodies of reqs and returns them concatenated in
// request order. The response must hold exactly the requested bytes.
func (c *Conn) Resources(ctx context.Context, reqs []provider.Request) ([]byte, error) {
	req, err := resourceRequestEnvelope(reqs)
	if err != nil {
		return nil, fmt.Errorf("resources: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	env, err := c.exchange(ctx, req, wire.KindResources)
	if err != nil {
		return nil, fmt.Errorf("resources: %w", err)
	}
	want := provider.TotalSize(reqs)
	if len(env.data) != want {
		return nil, fmt.Errorf("%w: got %d bytes for %d resources, want %d",
			ErrLengthMismatch, len(env.data), len(reqs), want)
	}
	c.logger.DebugContext(ctx, "received resources",
		slog.Int("count", len(reqs)),
		slog.Int("bytes", want))
	return env.data, nil
}

// SendReplayFinished tells the host the replay completed.
func (c *Conn) SendReplayFinished(ctx context.Context) error {
	return c.send(ctx, &envelope{kind: wire.KindReplayFinished})
}

// SendCrashDump sends a crash report. The body is compressed on the wire.
func (c *Conn) SendCrashDump(ctx context.Context, path string, data []byte) error {
	env, err := crashDumpEnvelope(path, data)
	if err != nil {
		return err
	}
	c.logger.WarnContext(ctx, "sending crash dump", slog.String("path", path), slog.Int("bytes", len(data)))
	return c.send(ctx, env)
}

// SendPostData sends data read back from the replay target.
func (c *Conn) SendPostData(ctx context.Context, posts []Post) error {
	env, err := postDataEnvelope(posts)
	if err != nil {
		return err
	}
	return c.send(ctx, env)
}

// SendNotification reports an event to the host.
func (c *Conn) SendNotification(ctx context.Context, n Notification) error {
	return c.send(ctx, notificationEnvelope(&n))
}

// Close closes the underlying transport when it is an io.Closer.
func (c *Conn) Close() error {
	if cl, ok := c.stream.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

func (c *Conn) send(ctx context.Context, env *envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.stream.Send(ctx, encode(c.builder, env)); err != nil {
		return fmt.Errorf("send %s: %w", env.kind, err)
	}
	return nil
}

// exchange sends req and decodes the response, which must be of kind want.
// c.mu must be held.
func (c *Conn) exchange(ctx context.Context, req *envelope, want wire.Kind) (envelope, error) {
	if err := c.stream.Send(ctx, encode(c.builder, req)); err != nil {
		return envelope{}, fmt.Errorf("send %s: %w", req.kind, err)
	}
	frame, err := c.stream.Recv(ctx)
	if err != nil {
		return envelope{}, fmt.Errorf("receive %s: %w", want, err)
	}
	env, err := decode(frame)
	if err != nil {
		return envelope{}, err
	}
	if env.kind != want {
		return envelope{}, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedMessage, env.kind, want)
	}
	return env, nil
}
