package provider

import (
	"context"
	"errors"
	"sync"
)

// Chain returns a Provider that asks each provider in turn for whatever the
// previous ones did not return. Errors from every provider are joined.
func Chain(providers ...Provider) Provider {
	return chain(providers)
}

type chain []Provider

func (c chain) Fetch(ctx context.Context, reqs []Request, scratch []byte) ([]Resource, error) {
	var (
		out  []Resource
		errs []error
	)
	pending := reqs
	for _, p := range c {
		if len(pending) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		// Later providers get a fresh allocation: earlier results may alias
		// scratch.
		dst := scratch
		if len(out) > 0 {
			dst = nil
		}
		got, err := p.Fetch(ctx, pending, dst)
		if err != nil {
			errs = append(errs, err)
		}
		if len(got) == 0 {
			continue
		}
		out = append(out, got...)
		pending = remaining(pending, got)
	}
	return out, errors.Join(errs...)
}

// remaining returns the requests not satisfied by got.
func remaining(reqs []Request, got []Resource) []Request {
	seen := make(map[string]struct{}, len(got))
	for _, r := range got {
		seen[r.ID] = struct{}{}
	}
	var rest []Request
	for _, r := range reqs {
		if _, ok := seen[r.ID]; !ok {
			rest = append(rest, r)
		}
	}
	return rest
}

// Memory is an in-memory Provider backed by a map. It is safe for
// concurrent use.
type Memory struct {
	mu    sync.RWMutex
	data  map[string][]byte
	calls int
}

// NewMemory returns a Memory provider holding a copy of data.
func NewMemory(data map[string][]byte) *Memory {
	m := &Memory{data: make(map[string][]byte, len(data))}
	for id, b := range data {
		m.Set(id, b)
	}
	return m
}

// Set stores a copy of b under id.
func (m *Memory) Set(id string, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[id] = append([]byte(nil), b...)
}

// Delete removes id.
func (m *Memory) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
}

// Calls returns how many times Fetch has been called.
func (m *Memory) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// Fetch implements Provider. Unknown identifiers are left out of the result;
// a stored body of the wrong size is left out and reported.
func (m *Memory) Fetch(ctx context.Context, reqs []Request, scratch []byte) ([]Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()

	offsets := Offsets(reqs)
	out := make([]Resource, 0, len(reqs))
	var errs []error
	for i, req := range reqs {
		b, ok := m.data[req.ID]
		if !ok {
			continue
		}
		if len(b) != req.Size {
			errs = append(errs, &SizeError{ID: req.ID, Want: req.Size, Got: len(b)})
			continue
		}
		dst := Stage(scratch, offsets, reqs, i)
		copy(dst, b)
		out = append(out, Resource{ID: req.ID, Data: dst})
	}
	return out, errors.Join(errs...)
}
