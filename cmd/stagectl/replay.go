package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/meigma/replaycache/provider"
	"github.com/meigma/replaycache/replay"
)

const (
	sourceReplay = "replay"

	// finishTimeout bounds the goodbye exchange with the in-process host.
	finishTimeout = 5 * time.Second
)

// newReplaySource starts an in-process host serving generated bodies over a
// replay connection and returns a provider on the replayer's end. The
// replayer fetches the payload first, as a real replay does; the returned
// cleanup reports completion and waits for the host to finish.
func newReplaySource(reqs []provider.Request, seed int64, session string, logger *slog.Logger) (provider.Provider, func(), error) {
	reqs = distinct(reqs)
	bodies := make(map[string][]byte, len(reqs))
	infos := make([]replay.ResourceInfo, len(reqs))
	for i, r := range reqs {
		if uint64(r.Size) > math.MaxUint32 {
			return nil, nil, fmt.Errorf("resource %q: %d bytes do not fit a replay payload", r.ID, r.Size)
		}
		bodies[r.ID] = resourceBody(r.ID, r.Size, seed)
		infos[i] = replay.ResourceInfo{ID: r.ID, Size: uint32(r.Size)}
	}

	id, err := uuid.Parse(session)
	if err != nil {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(session))
	}

	hostEnd, replayerEnd := net.Pipe()
	host := replay.NewHost(replay.NewStream(hostEnd),
		replay.WithSession(id), replay.WithLogger(logger.With(slog.String("side", "host"))))
	conn := replay.NewConn(replay.NewStream(replayerEnd),
		replay.WithSession(id), replay.WithLogger(logger.With(slog.String("side", "replayer"))))

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		payloads := []*replay.Payload{{Resources: infos}}
		served <- host.Serve(ctx, provider.NewMemory(bodies), payloads, func(msg replay.Message) {
			logger.DebugContext(ctx, "host received", slog.String("kind", msg.Kind.String()))
		})
	}()

	shutdown := func() {
		cancel()
		_ = conn.Close()
		_ = host.Close()
	}

	payload, err := conn.Payload(ctx)
	if err != nil {
		shutdown()
		return nil, nil, err
	}
	if len(payload.Resources) != len(infos) {
		shutdown()
		return nil, nil, fmt.Errorf("payload lists %d resources, want %d", len(payload.Resources), len(infos))
	}

	cleanup := func() {
		defer shutdown()
		fctx, fcancel := context.WithTimeout(ctx, finishTimeout)
		defer fcancel()
		if err := conn.SendReplayFinished(fctx); err != nil {
			logger.Warn("replay finish", slog.Any("error", err))
			return
		}
		select {
		case err := <-served:
			if err != nil {
				logger.Warn("replay host", slog.Any("error", err))
			}
		case <-fctx.Done():
			logger.Warn("replay host did not finish", slog.Any("error", fctx.Err()))
		}
	}
	return replay.NewProvider(conn), cleanup, nil
}
