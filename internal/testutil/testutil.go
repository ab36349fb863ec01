// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/meigma/replaycache/provider"
)

// RandomBytes returns n random bytes.
func RandomBytes(tb testing.TB, n int) []byte {
	tb.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		tb.Fatalf("random bytes: %v", err)
	}
	return b
}

// RecordingProvider wraps a provider and records the identifiers of every
// batch it is asked for.
type RecordingProvider struct {
	next provider.Provider

	mu      sync.Mutex
	batches [][]string
}

// NewRecordingProvider returns a provider that records calls before
// delegating to next.
func NewRecordingProvider(next provider.Provider) *RecordingProvider {
	return &RecordingProvider{next: next}
}

// Fetch implements provider.Provider.
func (r *RecordingProvider) Fetch(ctx context.Context, reqs []provider.Request, scratch []byte) ([]provider.Resource, error) {
	ids := make([]string, len(reqs))
	for i, req := range reqs {
		ids[i] = req.ID
	}
	r.mu.Lock()
	r.batches = append(r.batches, ids)
	r.mu.Unlock()
	return r.next.Fetch(ctx, reqs, scratch)
}

// Batches returns the identifiers of each call so far, in call order.
func (r *RecordingProvider) Batches() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.batches))
	for i, b := range r.batches {
		out[i] = append([]string(nil), b...)
	}
	return out
}
