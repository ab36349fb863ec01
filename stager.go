package replaycache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/replaycache/provider"
	"github.com/meigma/replaycache/ring"
)

// DefaultScratchSize is the size of the prefetch staging area unless
// configured otherwise.
const DefaultScratchSize = 4 << 20

// Stager serves resource bytes from a ring cache and fetches misses from a
// provider.
//
// All cache access is serialized by one mutex. Provider calls made by Load
// run outside it; Prefetch holds it for the whole pass.
type Stager struct {
	mu      sync.Mutex
	cache   *ring.Cache
	scratch []byte
	stats   Stats

	provider    provider.Provider
	logger      *slog.Logger
	fetchGroup  singleflight.Group
	cacheSize   int
	scratchSize int
}

// Stats counts what a Stager has done since it was created.
type Stats struct {
	// Hits counts loads served from the cache.
	Hits uint64
	// Misses counts loads that had to consult the provider.
	Misses uint64
	// Fetches counts provider calls, including prefetch batches.
	Fetches uint64
	// Admitted counts resources written into the cache.
	Admitted uint64
	// Uncacheable counts fetched resources the cache could not hold.
	Uncacheable uint64

	// Resident is the number of resources currently cached.
	Resident int
	// Used is the number of cache bytes they occupy.
	Used int
	// Size is the cache size in bytes.
	Size int
}

// Option configures a Stager.
type Option func(*Stager) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stager) error {
		s.logger = logger
		return nil
	}
}

// WithScratchSize sets the size of the area prefetched batches are staged
// in. It bounds the bytes requested per provider call during Prefetch.
func WithScratchSize(n int) Option {
	return func(s *Stager) error {
		if n <= 0 {
			return errors.New("scratch size must be positive")
		}
		s.scratchSize = n
		return nil
	}
}

// WithCacheSize limits the cache to the first n bytes of the buffer.
func WithCacheSize(n int) Option {
	return func(s *Stager) error {
		s.cacheSize = n
		return nil
	}
}

// New creates a Stager that caches resources in buf. The Stager owns buf
// from now on.
func New(buf []byte, p provider.Provider, opts ...Option) (*Stager, error) {
	if p == nil {
		return nil, ErrNilProvider
	}
	s := &Stager{
		provider:    p,
		cacheSize:   len(buf),
		scratchSize: DefaultScratchSize,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	cache, err := ring.New(buf, ring.WithSize(s.cacheSize))
	if err != nil {
		return nil, err
	}
	s.cache = cache
	s.scratch = make([]byte, s.scratchSize)
	return s, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Stager) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Load fills dst with the resource id, whose size is len(dst).
//
// Resident resources are copied out of the cache. Otherwise the resource is
// fetched, admitted when it fits and copied. Concurrent loads of the same
// resource share one fetch. Load returns ErrNotFound when the provider does
// not supply the resource and ErrSizeMismatch when it has another size.
func (s *Stager) Load(ctx context.Context, id string, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	if hit, err := s.copyResident(id, dst, true); hit || err != nil {
		return err
	}

	s.mu.Lock()
	s.stats.Misses++
	s.mu.Unlock()

	key := id + "\x00" + strconv.Itoa(len(dst))
	result, err, _ := s.fetchGroup.Do(key, func() (any, error) {
		// Another load may have admitted it since the first check.
		buf := make([]byte, len(dst))
		if hit, err := s.copyResident(id, buf, false); hit || err != nil {
			return buf, err
		}
		return s.fetch(ctx, id, len(dst))
	})
	if err != nil {
		return err
	}
	data, _ := result.([]byte) //nolint:errcheck // type assertion always succeeds when err is nil
	copy(dst, data)
	return nil
}

// copyResident copies a resident resource into dst, counting the hit when
// asked to.
func (s *Stager) copyResident(id string, dst []byte, count bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache.Lookup(id)
	if !ok {
		return false, nil
	}
	if e.Size != len(dst) {
		return false, &provider.SizeError{ID: id, Want: len(dst), Got: e.Size}
	}
	s.cache.Get(id, dst)
	if count {
		s.stats.Hits++
	}
	return true, nil
}

// fetch asks the provider for one resource and admits it.
func (s *Stager) fetch(ctx context.Context, id string, size int) ([]byte, error) {
	got, err := s.provider.Fetch(ctx, []provider.Request{{ID: id, Size: size}}, nil)

	var data []byte
	found := false
	for _, r := range got {
		if r.ID == id {
			data, found = r.Data, true
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Fetches++

	switch {
	case !found && err != nil:
		return nil, fmt.Errorf("%w: %q: %w", ErrNotFound, id, err)
	case !found:
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	case len(data) != size:
		return nil, &provider.SizeError{ID: id, Want: size, Got: len(data)}
	}
	if err != nil {
		s.log().WarnContext(ctx, "provider reported an error alongside the resource",
			slog.String("id", id), slog.Any("error", err))
	}

	if s.cache.Put(id, data) {
		s.stats.Admitted++
	} else {
		s.stats.Uncacheable++
		s.log().DebugContext(ctx, "resource does not fit the cache",
			slog.String("id", id), slog.Int("size", size), slog.Int("cache", s.cache.Size()))
	}
	// The provider may have staged data in memory it reuses.
	return append([]byte(nil), data...), nil
}

// Prefetch fetches and admits the resources in reqs that are not resident.
// Partial results are logged and returned; a non-nil error never means
// nothing was admitted.
func (s *Stager) Prefetch(ctx context.Context, reqs []provider.Request) (ring.PrefetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.cache.Prefetch(ctx, reqs, s.provider, s.scratch)
	s.stats.Fetches += uint64(res.Batches)
	s.stats.Admitted += uint64(len(res.Admitted))

	if err != nil || len(res.Missing) > 0 {
		attrs := []any{
			slog.Int("requested", res.Requested),
			slog.Int("admitted", len(res.Admitted)),
			slog.Int("missing", len(res.Missing)),
		}
		if err != nil {
			attrs = append(attrs, slog.Any("error", err))
		}
		s.log().WarnContext(ctx, "prefetch incomplete", attrs...)
	} else {
		s.log().DebugContext(ctx, "prefetch complete",
			slog.Int("requested", res.Requested),
			slog.Int("admitted", len(res.Admitted)),
			slog.Int("resident", res.Resident),
			slog.Int("deferred", len(res.Deferred)))
	}
	return res, err
}

// Contains reports whether id is resident.
func (s *Stager) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Contains(id)
}

// Clear evicts every resource.
func (s *Stager) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Clear()
}

// Resize changes the cache size and evicts every resource. It fails with
// ErrOutOfBounds when n exceeds the buffer given to New.
func (s *Stager) Resize(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Resize(n)
}

// Snapshot returns the cache's block layout.
func (s *Stager) Snapshot() []ring.BlockInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Snapshot()
}

// Dump writes the cache's block layout to w.
func (s *Stager) Dump(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Dump(w)
}

// Validate checks the cache's structural invariants.
func (s *Stager) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Validate()
}

// Stats returns the counters and current occupancy.
func (s *Stager) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Resident = s.cache.Len()
	st.Used = s.cache.Used()
	st.Size = s.cache.Size()
	return st
}
