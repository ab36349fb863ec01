package ring

import (
	"context"
	"errors"
	"fmt"

	"github.com/meigma/replaycache/provider"
)

// PrefetchResult reports what a Prefetch pass did with each identifier.
type PrefetchResult struct {
	// Requested is the number of distinct identifiers considered.
	Requested int
	// Resident counts identifiers that were already cached.
	Resident int
	// Admitted lists identifiers fetched and admitted, in admission order.
	Admitted []string
	// Missing lists identifiers the provider did not return.
	Missing []string
	// Skipped lists identifiers that can never be staged: empty, larger than
	// the cache or larger than the scratch area.
	Skipped []string
	// Deferred lists identifiers left for the miss path because admitting
	// them would evict resources prefetched earlier in the same pass, or
	// resident resources the same pass asks for.
	Deferred []string
	// Batches is the number of provider calls made.
	Batches int
}

// Prefetch fetches the resources in reqs that are not resident and admits
// them, ahead of use.
//
// Requests are batched so that each batch fits in scratch; scratch must not
// overlap the cache buffer. Identifiers are scheduled in order until their
// summed size would exceed the space ahead of the cursor, which ends at the
// first resident block that reqs also names. Provider failures never stop later
// batches: they are joined into the returned error and the affected
// identifiers are listed in Missing.
func (c *Cache) Prefetch(ctx context.Context, reqs []provider.Request, p provider.Provider, scratch []byte) (PrefetchResult, error) {
	var res PrefetchResult
	pending := c.schedule(reqs, len(scratch), &res)

	var errs []error
	for start := 0; start < len(pending); {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			for _, req := range pending[start:] {
				res.Missing = append(res.Missing, req.ID)
			}
			break
		}

		end, total := start, 0
		for end < len(pending) && total+pending[end].Size <= len(scratch) {
			total += pending[end].Size
			end++
		}
		batch := pending[start:end]
		start = end
		res.Batches++

		got, err := p.Fetch(ctx, batch, scratch[:total])
		if err != nil {
			errs = append(errs, fmt.Errorf("prefetch batch %d: %w", res.Batches, err))
		}
		errs = append(errs, c.admit(batch, got, &res)...)
	}
	return res, errors.Join(errs...)
}

// schedule filters reqs down to the identifiers worth fetching.
func (c *Cache) schedule(reqs []provider.Request, scratchSize int, res *PrefetchResult) []provider.Request {
	wanted := make(map[string]struct{})
	for _, req := range reqs {
		if c.Contains(req.ID) {
			wanted[req.ID] = struct{}{}
		}
	}

	seen := make(map[string]struct{}, len(reqs))
	pending := make([]provider.Request, 0, len(reqs))
	budget := c.reach(wanted)
	for _, req := range reqs {
		if _, dup := seen[req.ID]; dup {
			continue
		}
		seen[req.ID] = struct{}{}
		res.Requested++

		switch {
		case c.Contains(req.ID):
			res.Resident++
		case req.ID == "" || req.Size <= 0 || req.Size > c.size || req.Size > scratchSize:
			res.Skipped = append(res.Skipped, req.ID)
		case req.Size > budget:
			res.Deferred = append(res.Deferred, req.ID)
		default:
			budget -= req.Size
			pending = append(pending, req)
		}
	}
	return pending
}

// reach returns how many bytes can be admitted from the cursor before the
// walk would evict one of keep.
func (c *Cache) reach(keep map[string]struct{}) int {
	if c.head == nilHandle {
		return 0
	}
	n := 0
	h := c.head
	for {
		b := c.arena.at(h)
		if _, ok := keep[b.id]; ok && !b.isFree() {
			return n
		}
		n += b.size
		if h = b.next; h == c.head {
			return n
		}
	}
}

// admit puts every returned resource that belongs to batch and has the
// requested size, and records the rest as missing.
func (c *Cache) admit(batch []provider.Request, got []provider.Resource, res *PrefetchResult) []error {
	want := make(map[string]int, len(batch))
	for _, req := range batch {
		want[req.ID] = req.Size
	}

	var errs []error
	done := make(map[string]struct{}, len(got))
	for _, r := range got {
		size, ok := want[r.ID]
		if !ok {
			continue
		}
		if _, dup := done[r.ID]; dup {
			continue
		}
		if len(r.Data) != size {
			errs = append(errs, &provider.SizeError{ID: r.ID, Want: size, Got: len(r.Data)})
			continue
		}
		if c.Put(r.ID, r.Data) {
			done[r.ID] = struct{}{}
			res.Admitted = append(res.Admitted, r.ID)
		}
	}
	for _, req := range batch {
		if _, ok := done[req.ID]; !ok {
			res.Missing = append(res.Missing, req.ID)
		}
	}
	return errs
}
