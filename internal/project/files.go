package project

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/goeb/smit/internal/storage"
)

// LoadFile returns the content of an attached file. Objects fetched from
// a remote may be packed, in which case the repository reads them.
func (p *Project) LoadFile(ctx context.Context, id string) (_ []byte, err error) {
	ctx, done := p.in.Start(ctx, "load_file", attribute.String("smit.project", p.name), attribute.String("smit.object", id))
	defer func() { done(err) }()

	p.mu.RLock()
	defer p.mu.RUnlock()

	data, err := p.store.Load(id)
	if errors.Is(err, storage.ErrNotFound) {
		return p.repo.ReadBlob(ctx, id)
	}
	return data, err
}
