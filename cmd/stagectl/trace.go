package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand" //nolint:gosec // reproducible synthetic traces
	"strconv"
	"strings"

	"github.com/meigma/replaycache/provider"
)

// parseTrace reads one request per line as "<id> <size>". Blank lines and
// lines starting with '#' are skipped.
func parseTrace(r io.Reader) ([]provider.Request, error) {
	var reqs []provider.Request
	sizes := make(map[string]int)
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("trace line %d: want \"<id> <size>\", got %q", line, text)
		}
		size, err := strconv.Atoi(fields[1])
		if err != nil || size < 0 {
			return nil, fmt.Errorf("trace line %d: invalid size %q", line, fields[1])
		}
		id := fields[0]
		if prev, ok := sizes[id]; ok && prev != size {
			return nil, fmt.Errorf("trace line %d: %q has size %d, earlier %d", line, id, size, prev)
		}
		sizes[id] = size
		reqs = append(reqs, provider.Request{ID: id, Size: size})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, errors.New("trace is empty")
	}
	return reqs, nil
}

// syntheticTrace draws requests from a pool of resources with a Zipf
// distribution, so a few resources are requested far more often than the
// rest, as in a frame that reuses its textures.
func syntheticTrace(resources, requests, minSize, maxSize int, seed int64) []provider.Request {
	if resources <= 0 || requests <= 0 {
		return nil
	}
	if maxSize < minSize {
		maxSize = minSize
	}
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // reproducible synthetic traces
	pool := make([]provider.Request, resources)
	for i := range pool {
		pool[i] = provider.Request{
			ID:   fmt.Sprintf("res-%05d", i),
			Size: minSize + rng.Intn(maxSize-minSize+1),
		}
	}

	zipf := rand.NewZipf(rng, 1.2, 1, uint64(resources-1))
	out := make([]provider.Request, requests)
	for i := range out {
		out[i] = pool[zipf.Uint64()]
	}
	return out
}

// distinct returns the requests of reqs with duplicate identifiers removed,
// in first-seen order.
func distinct(reqs []provider.Request) []provider.Request {
	seen := make(map[string]struct{}, len(reqs))
	out := make([]provider.Request, 0, len(reqs))
	for _, r := range reqs {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}

// window returns up to n distinct requests following position i.
func window(reqs []provider.Request, i, n int) []provider.Request {
	if n <= 0 || i+1 >= len(reqs) {
		return nil
	}
	end := min(len(reqs), i+1+n)
	return distinct(reqs[i+1 : end])
}
