package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"
	"oras.land/oras-go/v2/content"

	"github.com/meigma/replaycache/provider"
)

// MediaTypeResource is the media type resource blobs are fetched as.
const MediaTypeResource = "application/vnd.replaycache.resource.v1"

// DefaultConcurrency is the number of blobs a Fetch reads at once unless
// configured otherwise.
const DefaultConcurrency = 4

// Provider implements provider.Provider on top of an oras content.Fetcher.
type Provider struct {
	fetcher     content.Fetcher
	algorithm   digest.Algorithm
	mediaType   string
	concurrency int
	logger      *slog.Logger
}

var _ provider.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithAlgorithm sets the digest algorithm assumed for identifiers that are
// bare hex rather than "algorithm:hex". Defaults to SHA-256.
func WithAlgorithm(alg digest.Algorithm) Option {
	return func(p *Provider) {
		p.algorithm = alg
	}
}

// WithMediaType sets the media type placed on fetch descriptors.
func WithMediaType(mediaType string) Option {
	return func(p *Provider) {
		p.mediaType = mediaType
	}
}

// WithConcurrency sets how many blobs a single Fetch reads at once.
// Values < 1 force serial reads.
func WithConcurrency(n int) Option {
	return func(p *Provider) {
		if n < 1 {
			n = 1
		}
		p.concurrency = n
	}
}

// WithLogger sets the logger for fetch diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// New creates a Provider that reads blobs from fetcher.
func New(fetcher content.Fetcher, opts ...Option) *Provider {
	p := &Provider{
		fetcher:     fetcher,
		algorithm:   digest.SHA256,
		mediaType:   MediaTypeResource,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// log returns the logger, falling back to a discard logger if nil.
func (p *Provider) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Fetch reads the blob named by each request. Blobs the fetcher does not
// have are left out silently. Invalid identifiers, digest mismatches and
// transport failures leave the resource out and contribute to the returned
// error.
func (p *Provider) Fetch(ctx context.Context, reqs []provider.Request, scratch []byte) ([]provider.Resource, error) {
	offsets := provider.Offsets(reqs)
	found := make([]bool, len(reqs))
	errs := make([]error, len(reqs))
	bodies := make([][]byte, len(reqs))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, req := range reqs {
		if req.Size < 0 {
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

func (p *Provider) fetch(ctx context.Context, req provider.Request, dst []byte) ([]byte, bool, error) {
	dgst, err := p.parseID(req.ID)
	if err != nil {
		return nil, false, err
	}
	desc := ocispec.Descriptor{
		MediaType: p.mediaType,
		Digest:    dgst,
		Size:      int64(req.Size),
	}

	rc, err := p.fetcher.Fetch(ctx, desc)
	if err != nil {
		err = mapError(err)
		if errors.Is(err, ErrNotFound) {
			p.log().DebugContext(ctx, "resource not found", slog.String("id", req.ID))
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fetch %s: %w", dgst, err)
	}
	defer rc.Close()

	verifier := dgst.Verifier()
	n, err := io.ReadFull(io.TeeReader(rc, verifier), dst)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF):
		return nil, false, &provider.SizeError{ID: req.ID, Want: req.Size, Got: n}
	case err != nil:
		return nil, false, fmt.Errorf("fetch %s: %w", dgst, err)
	}
	if extra, _ := io.Copy(io.Discard, rc); extra > 0 {
		return nil, false, &provider.SizeError{ID: req.ID, Want: req.Size, Got: req.Size + int(extra)}
	}
	if !verifier.Verified() {
		return nil, false, fmt.Errorf("%w: %s", ErrDigestMismatch, dgst)
	}

	p.log().DebugContext(ctx, "fetched resource", slog.String("digest", dgst.String()), slog.Int("bytes", n))
	return dst, true, nil
}

// parseID maps a resource identifier to a digest. Identifiers are either
// full digests or the encoded part alone.
func (p *Provider) parseID(id string) (digest.Digest, error) {
	var dgst digest.Digest
	if strings.Contains(id, ":") {
		dgst = digest.Digest(id)
	} else {
		if !p.algorithm.Available() {
			return "", fmt.Errorf("%w: %q: algorithm %s unavailable", ErrInvalidID, id, p.algorithm)
		}
		dgst = digest.NewDigestFromEncoded(p.algorithm, id)
	}
	if err := dgst.Validate(); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidID, id, err)
	}
	return dgst, nil
}
