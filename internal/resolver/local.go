package resolver

import (
	"context"
)

// LocalResolver answers from a keyword catalog without any network call.
type LocalResolver struct {
	catalog *Catalog
	chooser Chooser
}

// NewLocal creates a resolver backed by catalog. A nil chooser uses Uniform.
func NewLocal(catalog *Catalog, chooser Chooser) *LocalResolver {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if chooser == nil {
		chooser = Uniform
	}
	return &LocalResolver{catalog: catalog, chooser: chooser}
}

// Resolve returns the first keyword match or a random default reply.
func (r *LocalResolver) Resolve(_ context.Context, req Request) (string, error) {
	if reply, ok := r.catalog.Match(req.Message); ok {
		return reply, nil
	}
	return Pick(r.chooser, r.catalog.Defaults), nil
}

// Mode returns ModeLocal.
func (r *LocalResolver) Mode() Mode { return ModeLocal }

var _ Resolver = (*LocalResolver)(nil)
