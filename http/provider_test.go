package http_test

import (
	"context"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	replayhttp "github.com/meigma/replaycache/http"
	"github.com/meigma/replaycache/provider"
)

// newServer serves bodies by path. Ids starting with "status-" answer with
// an internal server error.
func newServer(t *testing.T, bodies map[string]string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/")
		if strings.HasPrefix(id, "status-") {
			nethttp.Error(w, "boom", nethttp.StatusInternalServerError)
			return
		}
		body, ok := bodies[id]
		if !ok {
			nethttp.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewProvider_InvalidURL(t *testing.T) {
	t.Parallel()

	for _, base := range []string{"", "ftp://example.com", "http://", "://bad"} {
		_, err := replayhttp.NewProvider(base)
		assert.Error(t, err, base)
	}
}

func TestProvider_Fetch(t *testing.T) {
	t.Parallel()

	server := newServer(t, map[string]string{
		"a":             "alpha",
		"sha256:feed":   "digest-named",
		"dir/with path": "escaped",
		"short":         "abc",
	})
	p, err := replayhttp.NewProvider(server.URL + "/")
	require.NoError(t, err)

	reqs := []provider.Request{
		{ID: "a", Size: 5},
		{ID: "missing", Size: 4},
		{ID: "sha256:feed", Size: 12},
		{ID: "status-500", Size: 1},
		{ID: "short", Size: 10},
		{ID: "dir/with path", Size: 7},
	}
	scratch := make([]byte, provider.TotalSize(reqs))
	got, err := p.Fetch(context.Background(), reqs, scratch)

	require.Error(t, err)
	assert.ErrorIs(t, err, replayhttp.ErrUnexpectedStatus)
	assert.ErrorIs(t, err, provider.ErrSizeMismatch)
	assert.NotContains(t, err.Error(), "missing", "404s are not errors")

	assert.Equal(t, []provider.Resource{
		{ID: "a", Data: []byte("alpha")},
		{ID: "sha256:feed", Data: []byte("digest-named")},
		{ID: "dir/with path", Data: []byte("escaped")},
	}, got)
	assert.Equal(t, "alpha", string(scratch[:5]), "bodies are staged in scratch")
}

func TestProvider_Headers(t *testing.T) {
	t.Parallel()

	var seen nethttp.Header
	var mu sync.Mutex
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		mu.Lock()
		seen = r.Header.Clone()
		mu.Unlock()
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(server.Close)

	p, err := replayhttp.NewProvider(server.URL,
		replayhttp.WithHeaders(nethttp.Header{"X-Capture": []string{"frame-42"}}),
		replayhttp.WithHeader("Authorization", "Bearer token"),
		replayhttp.WithZstd(false),
	)
	require.NoError(t, err)

	got, err := p.Fetch(context.Background(), []provider.Request{{ID: "x", Size: 2}}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "frame-42", seen.Get("X-Capture"))
	assert.Equal(t, "Bearer token", seen.Get("Authorization"))
	assert.Equal(t, "identity", seen.Get("Accept-Encoding"))
}

func TestProvider_Zstd(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("vertex buffer ", 100)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll([]byte(body), nil)
	require.NoError(t, enc.Close())

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "zstd") {
			_, _ = w.Write([]byte(body))
			return
		}
		w.Header().Set("Content-Encoding", "zstd")
		_, _ = w.Write(compressed)
	}))
	t.Cleanup(server.Close)

	p, err := replayhttp.NewProvider(server.URL)
	require.NoError(t, err)

	got, err := p.Fetch(context.Background(), []provider.Request{{ID: "vb", Size: len(body)}}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, body, string(got[0].Data))
}

func TestProvider_UnsupportedEncoding(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write([]byte("??"))
	}))
	t.Cleanup(server.Close)

	p, err := replayhttp.NewProvider(server.URL)
	require.NoError(t, err)

	got, err := p.Fetch(context.Background(), []provider.Request{{ID: "x", Size: 2}}, nil)
	require.ErrorIs(t, err, replayhttp.ErrUnsupportedEncoding)
	assert.Empty(t, got)
}

func TestProvider_Concurrency(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte("x"))
	}))
	t.Cleanup(server.Close)

	p, err := replayhttp.NewProvider(server.URL, replayhttp.WithConcurrency(2))
	require.NoError(t, err)

	reqs := make([]provider.Request, 8)
	for i := range reqs {
		reqs[i] = provider.Request{ID: string(rune('a' + i)), Size: 1}
	}
	got, err := p.Fetch(context.Background(), reqs, make([]byte, 8))
	require.NoError(t, err)
	assert.Len(t, got, 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestProvider_RateLimit(t *testing.T) {
	t.Parallel()

	server := newServer(t, map[string]string{"big": strings.Repeat("z", 256)})
	p, err := replayhttp.NewProvider(server.URL, replayhttp.WithRateLimit(64))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// 256 bytes at 64 bytes per second cannot finish inside the deadline.
	got, err := p.Fetch(ctx, []provider.Request{{ID: "big", Size: 256}}, nil)
	require.Error(t, err)
	assert.Empty(t, got)
}
