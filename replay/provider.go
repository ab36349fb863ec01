package replay

import (
	"context"

	"github.com/meigma/replaycache/provider"
)

// Provider fetches resources from the host over a Conn. Each Fetch is a
// single resource request.
type Provider struct {
	conn *Conn
}

var _ provider.Provider = (*Provider)(nil)

// NewProvider returns a provider that requests resources over conn.
func NewProvider(conn *Conn) *Provider {
	return &Provider{conn: conn}
}

// Fetch requests every resource in reqs at once. The host either supplies
// all of them or the call fails and returns nothing.
func (p *Provider) Fetch(ctx context.Context, reqs []provider.Request, scratch []byte) ([]provider.Resource, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	data, err := p.conn.Resources(ctx, reqs)
	if err != nil {
		return nil, err
	}

	offsets := provider.Offsets(reqs)
	if len(data) <= len(scratch) {
		data = scratch[:copy(scratch, data)]
	}
	out := make([]provider.Resource, len(reqs))
	for i, r := range reqs {
		out[i] = provider.Resource{ID: r.ID, Data: data[offsets[i]:offsets[i+1]:offsets[i+1]]}
	}
	return out, nil
}
