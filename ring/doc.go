// Package ring implements a fixed-size, self-evicting resource cache over a
// borrowed byte buffer.
//
// The buffer is partitioned into a circular list of blocks. Each block is
// either free or holds exactly one resource, identified by a non-empty string.
// A map from identifier to block gives O(1) residency checks, and an eviction
// cursor walks the ring in allocation order: while the cache fills it points
// at the next free block, once full it points at the oldest admission. Space
// for a new resource is reclaimed by evicting forward from the cursor and
// merging the freed spans until the request fits. Eviction is therefore FIFO
// over admission time, not LRU.
//
// Blocks may wrap past the end of the buffer back to offset zero, so an
// admission never fails because of where the cursor happens to sit.
//
// # Concurrency
//
// A Cache has a single owner. None of its methods may run concurrently with
// each other; callers that share a cache across goroutines must serialize
// access themselves (see the root replaycache.Stager).
//
// # Contract violations
//
// Reading a resident resource into a destination of the wrong size, or any
// offset computation that would escape the buffer, panics with an
// *InvariantError. These indicate a bug in the cache or its caller and are
// not recoverable conditions.
package ring
