// Command stagectl replays a resource trace through a Stager and reports how
// the cache behaved.
//
// Resources come from a local generated HTTP host (the default), an
// in-process host answering over a replay connection, any HTTP host serving
// {base}/{id}, or an OCI repository (oci://host/repo) whose blobs are
// addressed by digest. Several sources separated by commas are tried in
// order. A trace lists one "<id> <size>" request per line;
// without one, a Zipf-distributed synthetic trace is generated.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/fatih/color"
	"github.com/felixge/fgprof"
	"github.com/google/uuid"

	"github.com/meigma/replaycache"
	"github.com/meigma/replaycache/provider"
)

type config struct {
	source      string
	traceFile   string
	resources   int
	requests    int
	minSize     int
	maxSize     int
	seed        int64
	cacheSize   int
	scratchSize int
	lookahead   int
	concurrency int
	zstd        bool
	httpLatency time.Duration
	httpBPS     int
	plainHTTP   bool
	username    string
	password    string
	dockerCreds bool
	session     string
	dump        bool
	validate    bool
	noColor     bool
	logLevel    string
	fgProfile   string
	cpuProfile  string
	memProfile  string
	runTrace    string
	pprofAddr   string
}

func main() {
	cfg := parseFlags()
	if cfg.noColor {
		color.NoColor = true
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.logLevel)); err != nil {
		log.Fatalf("log-level: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With(slog.String("session", cfg.session))

	if cfg.pprofAddr != "" {
		go func() {
			logger.Info("pprof listening", slog.String("addr", cfg.pprofAddr))
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				logger.Error("pprof server", slog.Any("error", err))
			}
		}()
	}

	stop, err := startProfiles(cfg)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	err = run(ctx, cfg, logger)
	cancel()
	stop()
	if err != nil {
		logger.Error("replay failed", slog.Any("error", err))
		os.Exit(1)
	}
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	reqs, err := loadTrace(cfg)
	if err != nil {
		return err
	}

	p, cleanup, err := newProvider(cfg, reqs, logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	s, err := replaycache.New(make([]byte, cfg.cacheSize), p,
		replaycache.WithLogger(logger),
		replaycache.WithScratchSize(cfg.scratchSize),
	)
	if err != nil {
		return err
	}

	start := time.Now()
	loads, err := replayTrace(ctx, s, reqs, cfg.lookahead, logger)
	elapsed := time.Since(start)
	if err != nil {
		return err
	}

	fmt.Printf("replayed %d requests in %s\n", loads, elapsed.Round(time.Microsecond))
	if err := writeStats(os.Stdout, s.Stats(), loads); err != nil {
		return err
	}
	if cfg.dump {
		if err := writeBlocks(os.Stdout, s.Snapshot()); err != nil {
			return err
		}
	}
	if cfg.validate {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("cache invariants: %w", err)
		}
		logger.Info("cache invariants hold")
	}
	return nil
}

// replayTrace loads every request in order, prefetching the next lookahead
// requests first. Missing resources are logged and skipped.
func replayTrace(ctx context.Context, s *replaycache.Stager, reqs []provider.Request, lookahead int, logger *slog.Logger) (int, error) {
	dst := make([]byte, 0)
	loads := 0
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return loads, err
		}
		if next := window(reqs, i, lookahead); len(next) > 0 && !s.Contains(next[len(next)-1].ID) {
			// Prefetch failures are logged by the stager; the miss path retries.
			_, _ = s.Prefetch(ctx, next)
		}

		if cap(dst) < req.Size {
			dst = make([]byte, req.Size)
		}
		err := s.Load(ctx, req.ID, dst[:req.Size])
		switch {
		case errors.Is(err, replaycache.ErrNotFound):
			logger.Warn("resource unavailable", slog.String("id", req.ID), slog.Int("size", req.Size))
		case err != nil:
			return loads, err
		}
		loads++
	}
	return loads, nil
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func loadTrace(cfg config) ([]provider.Request, error) {
	if cfg.traceFile == "" {
		reqs := syntheticTrace(cfg.resources, cfg.requests, cfg.minSize, cfg.maxSize, cfg.seed)
		if len(reqs) == 0 {
			return nil, errors.New("resources and requests must be positive")
		}
		return reqs, nil
	}
	f, err := os.Open(cfg.traceFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseTrace(f)
}

// startProfiles starts the requested profiles and returns a function that
// stops them and writes the heap profile.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func startProfiles(cfg config) (func(), error) {
	var stops []func()
	stop := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if cfg.fgProfile != "" {
		f, err := os.Create(cfg.fgProfile)
		if err != nil {
			return nil, err
		}
		stopFG := fgprof.Start(f, fgprof.FormatPprof)
		stops = append(stops, func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = f.Close()
		})
	}

	if cfg.cpuProfile != "" {
		f, err := os.Create(cfg.cpuProfile)
		if err != nil {
			stop()
			return nil, err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			stop()
			return nil, err
		}
		stops = append(stops, func() {
			pprof.StopCPUProfile()
			_ = f.Close()
		})
	}

	if cfg.runTrace != "" {
		f, err := os.Create(cfg.runTrace)
		if err != nil {
			stop()
			return nil, err
		}
		if err := trace.Start(f); err != nil {
			_ = f.Close()
			stop()
			return nil, err
		}
		stops = append(stops, func() {
			trace.Stop()
			_ = f.Close()
		})
	}

	if cfg.memProfile != "" {
		stops = append([]func(){func() {
			f, err := os.Create(cfg.memProfile)
			if err != nil {
				log.Printf("memprofile: %v", err)
				return
			}
			defer f.Close()
			runtime.GC()
			if err := pprof.WriteHeapProfile(f); err != nil {
				log.Printf("memprofile: %v", err)
			}
		}}, stops...)
	}
	return stop, nil
}

func parseFlags() config {
	var cfg config
	var cacheSize, scratchSize, httpBPS string
	flag.StringVar(&cfg.source, "source", sourceLocal, "resource source: local, replay, an http(s) base URL, or oci://host/repository; a comma-separated list is tried in order")
	flag.StringVar(&cfg.traceFile, "trace", "", "trace file of \"<id> <size>\" lines (default: synthetic trace)")
	flag.IntVar(&cfg.resources, "resources", 256, "distinct resources in the synthetic trace")
	flag.IntVar(&cfg.requests, "requests", 4096, "requests in the synthetic trace")
	flag.IntVar(&cfg.minSize, "min-size", 4<<10, "smallest synthetic resource in bytes")
	flag.IntVar(&cfg.maxSize, "max-size", 256<<10, "largest synthetic resource in bytes")
	flag.Int64Var(&cfg.seed, "seed", 1, "random seed for synthetic traces and bodies")
	flag.StringVar(&cacheSize, "cache-size", "16m", "cache size (e.g. 512k, 64m)")
	flag.StringVar(&scratchSize, "scratch-size", "4m", "prefetch scratch size")
	flag.IntVar(&cfg.lookahead, "lookahead", 0, "requests to prefetch ahead of each load (0 disables prefetch)")
	flag.IntVar(&cfg.concurrency, "concurrency", 4, "concurrent fetches per provider call")
	flag.BoolVar(&cfg.zstd, "zstd", false, "accept zstd content-encoding from HTTP hosts")
	flag.DurationVar(&cfg.httpLatency, "http-latency", 0, "per-request latency added to HTTP fetches")
	flag.StringVar(&httpBPS, "http-bps", "", "bytes/sec limit for HTTP fetches (e.g. 10MBps)")
	flag.BoolVar(&cfg.plainHTTP, "plain-http", false, "talk to the registry over plain HTTP")
	flag.StringVar(&cfg.username, "username", "", "registry username")
	flag.StringVar(&cfg.password, "password", "", "registry password")
	flag.BoolVar(&cfg.dockerCreds, "docker-credentials", false, "use credentials from the Docker configuration")
	flag.StringVar(&cfg.session, "session", "", "session id sent to hosts and logged (default: random)")
	flag.BoolVar(&cfg.dump, "dump", false, "print the cache block layout after the replay")
	flag.BoolVar(&cfg.validate, "validate", false, "check cache invariants after the replay")
	flag.BoolVar(&cfg.noColor, "no-color", false, "disable colored output")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.runTrace, "runtime-trace", "", "write runtime trace to file")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.Parse()

	var err error
	if cfg.cacheSize, err = parseSize(cacheSize); err != nil {
		log.Fatalf("cache-size: %v", err)
	}
	if cfg.scratchSize, err = parseSize(scratchSize); err != nil {
		log.Fatalf("scratch-size: %v", err)
	}
	if httpBPS != "" {
		if cfg.httpBPS, err = parseBytesPerSecond(httpBPS); err != nil {
			log.Fatalf("http-bps: %v", err)
		}
	}
	if cfg.session == "" {
		cfg.session = uuid.NewString()
	}
	return cfg
}

// parseSize accepts the same suffixes as parseBytesPerSecond.
func parseSize(value string) (int, error) {
	n, err := parseBytesPerSecond(value)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", value)
	}
	return n, nil
}
