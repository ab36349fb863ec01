// Package replaycache stages replay resources in a fixed memory budget.
//
// A replayer needs the bytes of many large resources (buffers, textures,
// shader blobs) that live on a remote host. [Stager] keeps recently fetched
// resources in a caller-provided buffer managed by a [ring.Cache] and fetches
// the rest through a [provider.Provider] on demand.
//
// # Quick Start
//
// Stage resources from an HTTP host:
//
//	p, err := http.NewProvider("https://host.example.com/resources")
//	if err != nil {
//	    return err
//	}
//	s, err := replaycache.New(make([]byte, 256<<20), p)
//	if err != nil {
//	    return err
//	}
//	dst := make([]byte, size)
//	err = s.Load(ctx, id, dst)
//
// Resources the payload will need can be fetched ahead of use:
//
//	res, err := s.Prefetch(ctx, payload.Requests())
//
// # Providers
//
// The http subpackage fetches resources with plain GET requests, the
// registry subpackage reads content-addressed blobs from an OCI registry, and
// the replay subpackage fetches them from the host over the replay
// connection itself. provider.Chain combines several.
//
// # Concurrency
//
// A Stager is safe for concurrent use. Concurrent misses for the same
// resource share one provider call.
package replaycache
