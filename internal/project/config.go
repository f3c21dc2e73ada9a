package project

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/goeb/smit/internal/assoc"
	"github.com/goeb/smit/internal/projectconfig"
	"github.com/goeb/smit/internal/storage"
)

// ModifyConfig validates cfg, records it on the config branch, writes it
// to the project file and rebuilds the state derived from it. On failure
// neither the branch, the file nor the loaded state changes.
func (p *Project) ModifyConfig(ctx context.Context, cfg *projectconfig.Config, author string) (err error) {
	ctx, done := p.in.Start(ctx, "modify_config", attribute.String("smit.project", p.name))
	defer func() { done(err) }()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireLoaded(); err != nil {
		return err
	}

	// Round-trip through the parser so the stored document is exactly
	// what Load will read back.
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	next, err := projectconfig.Parse(data)
	if err != nil {
		return err
	}

	prev, err := p.repo.ShowRef(ctx, storage.ConfigBranch)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	tip, err := projectconfig.Commit(ctx, p.repo, next, author, p.opts.Now())
	if err != nil {
		return err
	}
	if err := projectconfig.Save(p.repo.Dir(), next); err != nil {
		// Load prefers the file, so the branch must not get ahead of it.
		if rerr := p.resetConfigBranch(ctx, prev, tip); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	p.cfg = next
	p.rebuildAssociations()
	p.log.Info("project config modified", "author", author, "properties", len(next.Properties), "tags", len(next.Tags))
	return nil
}

// resetConfigBranch moves the config branch from tip back to prev, or
// deletes it when prev is empty.
func (p *Project) resetConfigBranch(ctx context.Context, prev, tip string) error {
	if prev == "" {
		return p.repo.DeleteRef(ctx, storage.ConfigBranch)
	}
	return p.repo.UpdateRef(ctx, storage.ConfigBranch, prev, tip)
}

// rebuildAssociations must be called with p.mu held.
func (p *Project) rebuildAssociations() {
	p.assoc = assoc.New()
	names := p.cfg.AssociationNames()
	for id, issue := range p.issues {
		for _, name := range names {
			targets, _ := issue.Fields.Get(name)
			p.assoc.Update(id, name, targets)
		}
	}
}

// syncConfigFile brings project.yaml up to date with the config branch,
// used after a pull fast-forwarded it.
func (p *Project) syncConfigFile(ctx context.Context) error {
	cfg, err := projectconfig.ReadRef(ctx, p.repo, storage.ConfigBranch)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return projectconfig.Save(p.repo.Dir(), cfg)
}

// RefreshConfig rewrites the project file from the config branch and
// reloads the project.
func (p *Project) RefreshConfig(ctx context.Context) (err error) {
	ctx, done := p.in.Start(ctx, "refresh_config", attribute.String("smit.project", p.name))
	defer func() { done(err) }()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.syncConfigFile(ctx); err != nil {
		return err
	}
	return p.load(ctx)
}
