// Package http fetches resource bodies from a web server.
//
// Each resource is a separate GET of {base}/{id}. Requests in a batch run
// concurrently up to a configurable limit, and the bytes read across all of
// them can be throttled with a shared rate limit.
package http //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/meigma/replaycache/provider"
)

// DefaultConcurrency is the number of requests a Fetch runs at once unless
// configured otherwise.
const DefaultConcurrency = 4

// maxDecodedWindow bounds the memory a zstd response may ask for.
const maxDecodedWindow = 64 << 20

var (
	// ErrUnexpectedStatus is returned for responses other than 200 and 404.
	ErrUnexpectedStatus = errors.New("http: unexpected status")

	// ErrUnsupportedEncoding is returned for a Content-Encoding the provider
	// did not ask for.
	ErrUnsupportedEncoding = errors.New("http: unsupported content encoding")
)

// Provider implements provider.Provider with HTTP GET requests.
type Provider struct {
	base        string
	client      *nethttp.Client
	headers     nethttp.Header
	concurrency int
	limiter     *rate.Limiter
	zstd        bool
	logger      *slog.Logger
}

var _ provider.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(p *Provider) {
		p.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(p *Provider) {
		if headers == nil {
			return
		}
		p.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(p *Provider) {
		if p.headers == nil {
			p.headers = make(nethttp.Header)
		}
		p.headers.Set(key, value)
	}
}

// WithConcurrency sets how many requests a single Fetch runs at once.
// Values < 1 force serial requests.
func WithConcurrency(n int) Option {
	return func(p *Provider) {
		if n < 1 {
			n = 1
		}
		p.concurrency = n
	}
}

// WithRateLimit caps the body bytes read per second across all requests.
// Zero or negative disables the limit.
func WithRateLimit(bytesPerSec int) Option {
	return func(p *Provider) {
		if bytesPerSec <= 0 {
			p.limiter = nil
			return
		}
		p.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
	}
}

// WithZstd controls whether requests advertise zstd content encoding.
// Enabled by default.
func WithZstd(enabled bool) Option {
	return func(p *Provider) {
		p.zstd = enabled
	}
}

// WithLogger sets the logger for request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// NewProvider creates a Provider that fetches {baseURL}/{id}.
func NewProvider(baseURL string, opts ...Option) (*Provider, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url %q: missing host", baseURL)
	}

	p := &Provider{
		base:        strings.TrimRight(baseURL, "/"),
		client:      nethttp.DefaultClient,
		concurrency: DefaultConcurrency,
		zstd:        true,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = nethttp.DefaultClient
	}
	return p, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (p *Provider) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Fetch requests every resource in reqs. A 404 leaves the resource out
// silently; any other failure leaves it out and contributes to the returned
// error. Results are returned in request order.
func (p *Provider) Fetch(ctx context.Context, reqs []provider.Request, scratch []byte) ([]provider.Resource, error) {
	offsets := provider.Offsets(reqs)
	bodies := make([][]byte, len(reqs))
	found := make([]bool, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, req := range reqs {
		if req.ID == "" || req.Size < 0 {
			continue
		}
		dst := provider.Stage(scratch, offsets, reqs, i)
		g.Go(func() error {
			bodies[i], found[i], errs[i] = p.fetch(ctx, req, dst)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]provider.Resource, 0, len(reqs))
	for i, req := range reqs {
		if found[i] {
			out = append(out, provider.Resource{ID: req.ID, Data: bodies[i]})
		}
	}
	return out, errors.Join(errs...)
}

// fetch reads one resource into dst. It reports false with a nil error when
// the server does not have it.
func (p *Provider) fetch(ctx context.Context, req provider.Request, dst []byte) ([]byte, bool, error) {
	httpReq, err := p.newRequest(ctx, req.ID)
	if err != nil {
		return nil, false, err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %q: %w", req.ID, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch resp.StatusCode {
	case nethttp.StatusOK:
	case nethttp.StatusNotFound:
		p.log().DebugContext(ctx, "resource not found", slog.String("id", req.ID))
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("fetch %q: %w: %s", req.ID, ErrUnexpectedStatus, resp.Status)
	}

	var body io.Reader = resp.Body
	switch enc := resp.Header.Get("Content-Encoding"); enc {
	case "", "identity":
		if resp.ContentLength >= 0 && resp.ContentLength != int64(req.Size) {
			return nil, false, &provider.SizeError{ID: req.ID, Want: req.Size, Got: int(resp.ContentLength)}
		}
	case "zstd":
		dec, err := zstd.NewReader(resp.Body, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxWindow(maxDecodedWindow))
		if err != nil {
			return nil, false, fmt.Errorf("fetch %q: %w", req.ID, err)
		}
		defer dec.Close()
		body = dec
	default:
		return nil, false, fmt.Errorf("fetch %q: %w: %s", req.ID, ErrUnsupportedEncoding, enc)
	}
	if p.limiter != nil {
		body = &throttledReader{ctx: ctx, r: body, limiter: p.limiter}
	}

	n, err := io.ReadFull(body, dst)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF):
		return nil, false, &provider.SizeError{ID: req.ID, Want: req.Size, Got: n}
	case err != nil:
		return nil, false, fmt.Errorf("fetch %q: %w", req.ID, err)
	}
	if extra, _ := io.Copy(io.Discard, body); extra > 0 {
		return nil, false, &provider.SizeError{ID: req.ID, Want: req.Size, Got: req.Size + int(extra)}
	}

	p.log().DebugContext(ctx, "fetched resource", slog.String("id", req.ID), slog.Int("bytes", n))
	return dst, true, nil
}

func (p *Provider) newRequest(ctx context.Context, id string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, p.base+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", id, err)
	}
	for key, values := range p.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		if p.zstd {
			req.Header.Set("Accept-Encoding", "zstd")
		} else {
			req.Header.Set("Accept-Encoding", "identity")
		}
	}
	return req, nil
}

// throttledReader waits on a shared limiter for every chunk it reads.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(b []byte) (int, error) {
	if burst := t.limiter.Burst(); len(b) > burst {
		b = b[:burst]
	}
	n, err := t.r.Read(b)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
