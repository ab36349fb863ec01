// Package provider defines the contract between the resource cache and the
// slow, possibly remote source of resource bytes.
//
// The cache consults a Provider on a miss and during prefetch. A provider is
// free to satisfy only part of a request: whatever it returns is admitted,
// and anything it leaves out simply stays a future miss.
package provider

import "context"

// Request names a resource and the number of bytes it is expected to hold.
type Request struct {
	ID   string
	Size int
}

// Resource is a resource body associated back to its identifier.
type Resource struct {
	ID   string
	Data []byte
}

// Provider supplies resource bytes.
type Provider interface {
	// Fetch returns bodies for as many of reqs as can be obtained.
	//
	// When the requests fit, implementations should stage the bodies in
	// scratch, in request order, so the returned Data slices alias it. Such
	// slices are only valid until the next call that reuses scratch.
	//
	// A non-nil error together with a non-empty result reports partial
	// success; callers keep what was returned.
	Fetch(ctx context.Context, reqs []Request, scratch []byte) ([]Resource, error)
}

// Func adapts a function to the Provider interface.
type Func func(ctx context.Context, reqs []Request, scratch []byte) ([]Resource, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, reqs []Request, scratch []byte) ([]Resource, error) {
	return f(ctx, reqs, scratch)
}

// TotalSize returns the summed expected size of reqs.
func TotalSize(reqs []Request) int {
	var n int
	for _, r := range reqs {
		n += r.Size
	}
	return n
}

// Stage returns a destination for the i'th of a run of requests laid out back
// to back. It slices scratch when the whole run fits and allocates otherwise.
// offsets must come from Offsets(reqs).
func Stage(scratch []byte, offsets []int, reqs []Request, i int) []byte {
	end := offsets[i] + reqs[i].Size
	if offsets[len(offsets)-1] <= len(scratch) {
		return scratch[offsets[i]:end:end]
	}
	return make([]byte, reqs[i].Size)
}

// Offsets returns the start of each request when laid out back to back,
// followed by the total size.
func Offsets(reqs []Request) []int {
	offsets := make([]int, len(reqs)+1)
	for i, r := range reqs {
		offsets[i+1] = offsets[i] + r.Size
	}
	return offsets
}
