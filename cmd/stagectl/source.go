package main

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand" //nolint:gosec // deterministic resource bodies
	nethttp "net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	rchttp "github.com/meigma/replaycache/http"
	"github.com/meigma/replaycache/provider"
	"github.com/meigma/replaycache/registry"
)

const (
	sourceLocal  = "local"
	schemeOCI    = "oci://"
	resourcePath = "/resources/"
)

// newProvider builds the provider named by cfg.source. A comma-separated
// list of sources is chained: later sources are asked for whatever earlier
// ones did not return. The returned cleanup stops any in-process host.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newProvider(cfg config, reqs []provider.Request, logger *slog.Logger) (provider.Provider, func(), error) {
	var (
		sources  []provider.Provider
		cleanups []func()
	)
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	for _, name := range strings.Split(cfg.source, ",") {
		p, stop, err := newSource(cfg, strings.TrimSpace(name), reqs, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		sources = append(sources, p)
		if stop != nil {
			cleanups = append(cleanups, stop)
		}
	}
	if len(sources) == 1 {
		return sources[0], cleanup, nil
	}
	return provider.Chain(sources...), cleanup, nil
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newSource(cfg config, name string, reqs []provider.Request, logger *slog.Logger) (provider.Provider, func(), error) {
	switch {
	case name == sourceLocal:
		host, err := newLocalHost(distinct(reqs), cfg.seed)
		if err != nil {
			return nil, nil, err
		}
		p, err := newHTTPProvider(cfg, host.URL+strings.TrimSuffix(resourcePath, "/"), logger)
		if err != nil {
			host.Close()
			return nil, nil, err
		}
		return p, host.Close, nil
	case name == sourceReplay:
		return newReplaySource(reqs, cfg.seed, cfg.session, logger)
	case strings.HasPrefix(name, "http://"), strings.HasPrefix(name, "https://"):
		p, err := newHTTPProvider(cfg, name, logger)
		return p, nil, err
	case strings.HasPrefix(name, schemeOCI):
		p, err := newRegistryProvider(cfg, strings.TrimPrefix(name, schemeOCI), logger)
		return p, nil, err
	default:
		return nil, nil, fmt.Errorf("source %q: want %q, %q, an http(s) URL or %s<reference>",
			name, sourceLocal, sourceReplay, schemeOCI)
	}
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newHTTPProvider(cfg config, base string, logger *slog.Logger) (*rchttp.Provider, error) {
	opts := []rchttp.Option{
		rchttp.WithClient(newHTTPClient(cfg.httpLatency)),
		rchttp.WithConcurrency(cfg.concurrency),
		rchttp.WithZstd(cfg.zstd),
		rchttp.WithLogger(logger),
		rchttp.WithHeader("X-Replay-Session", cfg.session),
	}
	if cfg.httpBPS > 0 {
		opts = append(opts, rchttp.WithRateLimit(cfg.httpBPS))
	}
	return rchttp.NewProvider(base, opts...)
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newRegistryProvider(cfg config, ref string, logger *slog.Logger) (*registry.Provider, error) {
	opts := []registry.RepositoryOption{registry.WithPlainHTTP(cfg.plainHTTP)}
	switch {
	case cfg.username != "":
		host, _, _ := strings.Cut(ref, "/")
		opts = append(opts, registry.WithStaticCredentials(host, cfg.username, cfg.password))
	case cfg.dockerCreds:
		opts = append(opts, registry.WithDockerCredentials())
	}
	repo, err := registry.NewRepository(ref, opts...)
	if err != nil {
		return nil, err
	}
	return registry.New(repo, registry.WithConcurrency(cfg.concurrency), registry.WithLogger(logger)), nil
}

// newLocalHost serves a deterministic body for every request under
// resourcePath, zstd-encoded when the client accepts it.
func newLocalHost(reqs []provider.Request, seed int64) (*httptest.Server, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	bodies := make(map[string][]byte, len(reqs))
	encoded := make(map[string][]byte, len(reqs))
	for _, r := range reqs {
		body := resourceBody(r.ID, r.Size, seed)
		bodies[r.ID] = body
		encoded[r.ID] = enc.EncodeAll(body, nil)
	}

	return httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		id, ok := strings.CutPrefix(r.URL.Path, resourcePath)
		if !ok {
			nethttp.NotFound(w, r)
			return
		}
		body, ok := bodies[id]
		if !ok {
			nethttp.NotFound(w, r)
			return
		}
		if strings.Contains(r.Header.Get("Accept-Encoding"), "zstd") {
			w.Header().Set("Content-Encoding", "zstd")
			w.Header().Set("Content-Length", strconv.Itoa(len(encoded[id])))
			_, _ = w.Write(encoded[id])
			return
		}
		nethttp.ServeContent(w, r, id, time.Time{}, bytes.NewReader(body))
	})), nil
}

// resourceBody returns size bytes derived from id and seed. Bodies are
// half repeated and half random so zstd has something to do.
func resourceBody(id string, size int, seed int64) []byte {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	rng := rand.New(rand.NewSource(seed ^ int64(h.Sum64()))) //nolint:gosec // deterministic resource bodies
	body := make([]byte, size)
	half := size / 2
	_, _ = rng.Read(body[half:])
	for i := range half {
		body[i] = id[i%len(id)]
	}
	return body
}

func newHTTPClient(latency time.Duration) *nethttp.Client {
	transport := nethttp.DefaultTransport
	if base, ok := transport.(*nethttp.Transport); ok {
		transport = base.Clone()
	}
	if latency > 0 {
		transport = &latencyRoundTripper{base: transport, latency: latency}
	}
	return &nethttp.Client{Transport: transport}
}

// latencyRoundTripper delays every request, simulating a distant host.
type latencyRoundTripper struct {
	base    nethttp.RoundTripper
	latency time.Duration
}

func (rt *latencyRoundTripper) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	timer := time.NewTimer(rt.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}
	return rt.base.RoundTrip(req)
}

// parseBytesPerSecond parses values such as "512", "64k", "10MBps" or "1g".
func parseBytesPerSecond(value string) (int, error) {
	text := strings.TrimSpace(value)
	text = strings.TrimSuffix(text, "Bps")
	text = strings.TrimSuffix(text, "bps")
	text = strings.TrimSuffix(text, "/s")

	multiplier := 1
	lower := strings.ToLower(text)
	for _, unit := range []struct {
		suffix string
		scale  int
	}{
		{"kb", 1 << 10}, {"k", 1 << 10},
		{"mb", 1 << 20}, {"m", 1 << 20},
		{"gb", 1 << 30}, {"g", 1 << 30},
	} {
		if strings.HasSuffix(lower, unit.suffix) {
			multiplier = unit.scale
			text = text[:len(text)-len(unit.suffix)]
			break
		}
	}

	text = strings.TrimSpace(text)
	raw, err := strconv.Atoi(text)
	if err != nil || raw <= 0 {
		return 0, fmt.Errorf("invalid bytes-per-second %q", value)
	}
	if raw > math.MaxInt/multiplier {
		return 0, errors.New("bytes-per-second out of range")
	}
	return raw * multiplier, nil
}
