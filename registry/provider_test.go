package registry_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/memory"

	"github.com/meigma/replaycache/provider"
	"github.com/meigma/replaycache/registry"
)

// pushAll stores each body as a resource blob and returns their digests.
func pushAll(t *testing.T, store *memory.Store, bodies ...string) []digest.Digest {
	t.Helper()
	out := make([]digest.Digest, len(bodies))
	for i, body := range bodies {
		desc := content.NewDescriptorFromBytes(registry.MediaTypeResource, []byte(body))
		require.NoError(t, store.Push(context.Background(), desc, bytes.NewReader([]byte(body))))
		out[i] = desc.Digest
	}
	return out
}

func TestProvider_Fetch(t *testing.T) {
	t.Parallel()

	store := memory.New()
	dgsts := pushAll(t, store, "index buffer", "texture")
	absent := digest.FromString("never pushed")

	p := registry.New(store)
	reqs := []provider.Request{
		{ID: dgsts[0].String(), Size: 12},
		{ID: absent.String(), Size: 12},
		{ID: dgsts[1].Encoded(), Size: 7},
		{ID: "not a digest", Size: 3},
	}
	scratch := make([]byte, provider.TotalSize(reqs))
	got, err := p.Fetch(context.Background(), reqs, scratch)

	require.ErrorIs(t, err, registry.ErrInvalidID)
	assert.NotErrorIs(t, err, registry.ErrNotFound, "absent blobs are not errors")
	assert.Equal(t, []provider.Resource{
		{ID: dgsts[0].String(), Data: []byte("index buffer")},
		{ID: dgsts[1].Encoded(), Data: []byte("texture")},
	}, got)
	assert.Equal(t, "index buffer", string(scratch[:12]))
}

func TestProvider_Algorithm(t *testing.T) {
	t.Parallel()

	body := []byte("shader module")
	dgst := digest.SHA512.FromBytes(body)
	store := memory.New()
	desc := ocispec.Descriptor{MediaType: registry.MediaTypeResource, Digest: dgst, Size: int64(len(body))}
	require.NoError(t, store.Push(context.Background(), desc, bytes.NewReader(body)))

	got, err := registry.New(store, registry.WithAlgorithm(digest.SHA512)).
		Fetch(context.Background(), []provider.Request{{ID: dgst.Encoded(), Size: len(body)}}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, body, got[0].Data)

	// The same encoded value read as SHA-256 has the wrong length.
	_, err = registry.New(store).
		Fetch(context.Background(), []provider.Request{{ID: dgst.Encoded(), Size: len(body)}}, nil)
	assert.ErrorIs(t, err, registry.ErrInvalidID)
}

// fetcherFunc adapts a function to content.Fetcher.
type fetcherFunc func(ctx context.Context, desc ocispec.Descriptor) (io.ReadCloser, error)

func (f fetcherFunc) Fetch(ctx context.Context, desc ocispec.Descriptor) (io.ReadCloser, error) {
	return f(ctx, desc)
}

func TestProvider_Verification(t *testing.T) {
	t.Parallel()

	want := digest.FromString("genuine")
	errTransport := errors.New("connection reset")
	p := registry.New(fetcherFunc(func(_ context.Context, desc ocispec.Descriptor) (io.ReadCloser, error) {
		switch desc.Size {
		case 7:
			return io.NopCloser(bytes.NewReader([]byte("tampers"))), nil
		case 8:
			return io.NopCloser(bytes.NewReader([]byte("genuine"))), nil
		default:
			return nil, errTransport
		}
	}), registry.WithConcurrency(1))

	got, err := p.Fetch(context.Background(), []provider.Request{
		{ID: want.String(), Size: 7},
		{ID: want.String(), Size: 8},
		{ID: want.String(), Size: 9},
	}, nil)
	assert.Empty(t, got)
	assert.ErrorIs(t, err, registry.ErrDigestMismatch)
	assert.ErrorIs(t, err, provider.ErrSizeMismatch)
	assert.ErrorIs(t, err, errTransport)
}
