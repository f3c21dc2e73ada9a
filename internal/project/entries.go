package project

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/goeb/smit/internal/entrylog"
	"github.com/goeb/smit/internal/projectconfig"
	"github.com/goeb/smit/internal/storage"
	"github.com/goeb/smit/internal/types"
)

// File is an uploaded file to attach to a new entry.
type File struct {
	Name string
	Data []byte
}

// AddEntryRequest describes a change to an issue.
type AddEntryRequest struct {
	// IssueID is the issue to change; empty creates a new issue.
	IssueID    string
	Properties map[string][]string
	Message    string
	Files      []File
	Author     string
}

// AddEntry records a change to an issue, creating the issue when
// req.IssueID is empty. Undeclared properties are dropped and unchanged
// ones elided; when nothing remains (no property delta, no message, no
// file) no entry is created and AddEntry returns nil, nil.
func (p *Project) AddEntry(ctx context.Context, req AddEntryRequest) (_ *types.Entry, err error) {
	ctx, done := p.in.Start(ctx, "add_entry", attribute.String("smit.project", p.name), attribute.String("smit.issue", req.IssueID))
	defer func() { done(err) }()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireLoaded(); err != nil {
		return nil, err
	}

	props, dropped, err := p.cfg.Sanitize(req.Properties)
	if err != nil {
		return nil, err
	}
	if len(dropped) > 0 {
		p.log.Debug("dropping undeclared properties", "issue", req.IssueID, "properties", dropped)
	}

	issue := types.NewIssue("")
	if req.IssueID != "" {
		existing, ok := p.issues[req.IssueID]
		if !ok {
			return nil, storage.NotFoundf("issue %s in project %s", req.IssueID, p.name)
		}
		issue = existing
	}
	delta := issue.Delta(props)
	message := strings.TrimSpace(req.Message)
	if len(delta) == 0 && message == "" && len(req.Files) == 0 {
		p.log.Debug("no change", "issue", req.IssueID)
		return nil, nil
	}

	files, err := p.storeFiles(req.Files)
	if err != nil {
		return nil, err
	}

	id := req.IssueID
	if id == "" {
		id = p.allocateID()
		if _, err := p.repo.ShowRef(ctx, storage.IssueBranch(id)); err == nil {
			return nil, fmt.Errorf("allocated issue id %s already has a branch: %w", id, storage.ErrConflict)
		}
	}

	e, err := entrylog.Append(ctx, p.repo, id, entrylog.AppendRequest{
		Author:     req.Author,
		Time:       p.opts.Now(),
		Properties: delta,
		Message:    message,
		Files:      files,
	})
	if err != nil {
		return nil, err
	}

	if req.IssueID == "" {
		issue = types.NewIssue(id)
		p.issues[id] = issue
	}
	p.apply(issue, e)
	for _, prop := range delta {
		if spec, ok := p.cfg.Property(prop.Name); ok && spec.Type == projectconfig.KindAssociation {
			p.assoc.Update(id, prop.Name, prop.Values)
		}
	}
	p.log.Info("entry added", "issue", id, "entry", e.ID, "author", e.Author, "properties", delta.Names(), "files", len(files))
	return e.Clone(), nil
}

// apply must be called with p.mu held.
func (p *Project) apply(issue *types.Issue, e *types.Entry) {
	issue.Apply(e)
	p.entries[e.ID] = issue.ID
	if e.Ctime.After(p.mtime) {
		p.mtime = e.Ctime
	}
}

// storeFiles writes the uploaded files into the object store. Uploading
// content that is already stored is not an error.
func (p *Project) storeFiles(files []File) ([]types.AttachedFileRef, error) {
	refs := make([]types.AttachedFileRef, 0, len(files))
	for _, f := range files {
		name, err := cleanFilename(f.Name)
		if err != nil {
			return nil, err
		}
		id, err := p.store.Write(f.Data)
		if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("storing %s: %w", name, err)
		}
		refs = append(refs, types.AttachedFileRef{ID: id, Filename: name, Size: int64(len(f.Data))})
	}
	return refs, nil
}

func cleanFilename(name string) (string, error) {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "" || name == "." || name == "/" || name == ".." || strings.ContainsRune(name, 0) {
		return "", storage.Validationf("invalid file name %q", name)
	}
	return name, nil
}

// AmendEntry replaces the message of entryID by recording an amending
// entry. Only the author of the entry may amend it, within the edit
// delay, and amending entries cannot themselves be amended. An unchanged
// message is a no-op returning nil, nil.
func (p *Project) AmendEntry(ctx context.Context, entryID, message, author string) (_ *types.Entry, err error) {
	ctx, done := p.in.Start(ctx, "amend_entry", attribute.String("smit.project", p.name), attribute.String("smit.entry", entryID))
	defer func() { done(err) }()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireLoaded(); err != nil {
		return nil, err
	}

	issue, target, err := p.lookupEntry(entryID)
	if err != nil {
		return nil, err
	}
	if target.IsAmend() {
		return nil, storage.Validationf("entry %s is an amendment and cannot be amended", entryID)
	}
	if target.Author != author {
		return nil, fmt.Errorf("entry %s belongs to %s, not %s: %w", entryID, target.Author, author, storage.ErrPermission)
	}
	delay := p.cfg.EffectiveEditDelay(p.opts.EditDelay)
	if age := p.opts.Now().Sub(target.Ctime); age > delay {
		return nil, fmt.Errorf("entry %s is older than the edit delay of %v: %w", entryID, delay, storage.ErrPermission)
	}
	message = strings.TrimSpace(message)
	if message == issue.Message(entryID) {
		return nil, nil
	}

	e, err := entrylog.Append(ctx, p.repo, issue.ID, entrylog.AppendRequest{
		Author:  author,
		Time:    p.opts.Now(),
		Message: message,
		Amends:  entryID,
	})
	if err != nil {
		return nil, err
	}
	p.apply(issue, e)
	p.log.Info("entry amended", "issue", issue.ID, "entry", entryID, "amendment", e.ID)
	return e.Clone(), nil
}

// ToggleTag adds tag to entryID, or removes it when already present, and
// reports whether the tag is now set. The entry itself is not modified.
func (p *Project) ToggleTag(ctx context.Context, entryID, tag string) (_ bool, err error) {
	ctx, done := p.in.Start(ctx, "toggle_tag", attribute.String("smit.project", p.name), attribute.String("smit.entry", entryID))
	defer func() { done(err) }()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireLoaded(); err != nil {
		return false, err
	}
	if _, ok := p.cfg.Tag(tag); !ok {
		return false, storage.Validationf("tag %q is not declared in project %s", tag, p.name)
	}
	issue, _, err := p.lookupEntry(entryID)
	if err != nil {
		return false, err
	}

	tags := slices.Clone(issue.Tags[entryID])
	active := !slices.Contains(tags, tag)
	if active {
		tags = append(tags, tag)
		slices.Sort(tags)
	} else {
		tags = slices.DeleteFunc(tags, func(t string) bool { return t == tag })
	}

	if err := entrylog.WriteTags(ctx, p.repo, entryID, tags); err != nil {
		return false, err
	}
	if len(tags) == 0 {
		delete(issue.Tags, entryID)
	} else {
		issue.Tags[entryID] = tags
	}
	p.log.Info("tag toggled", "issue", issue.ID, "entry", entryID, "tag", tag, "active", active)
	return active, nil
}

// lookupEntry must be called with p.mu held.
func (p *Project) lookupEntry(entryID string) (*types.Issue, *types.Entry, error) {
	issueID, ok := p.entries[entryID]
	if !ok {
		return nil, nil, storage.NotFoundf("entry %s in project %s", entryID, p.name)
	}
	issue := p.issues[issueID]
	return issue, issue.Entry(entryID), nil
}
