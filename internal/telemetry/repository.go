package telemetry

import (
	"context"
	"iter"

	"go.opentelemetry.io/otel/attribute"

	"github.com/goeb/smit/internal/storage"
)

const storageScopeName = "github.com/goeb/smit/storage"

// InstrumentedRepository wraps storage.Repository with OTel tracing and
// metrics. Every version-control call gets a span and is counted in the
// smit.vcs.* metrics.
type InstrumentedRepository struct {
	inner storage.Repository
	in    *Instrument
}

// WrapRepository returns r decorated with OTel instrumentation.
// When telemetry is disabled, r is returned as-is with zero overhead.
func WrapRepository(r storage.Repository) storage.Repository {
	if !Enabled() {
		return r
	}
	return &InstrumentedRepository{inner: r, in: NewInstrument(storageScopeName, "smit.vcs")}
}

func (s *InstrumentedRepository) Dir() string        { return s.inner.Dir() }
func (s *InstrumentedRepository) ObjectsDir() string { return s.inner.ObjectsDir() }

func (s *InstrumentedRepository) OpenLog(ctx context.Context, ref string) (storage.CommitIterator, error) {
	ctx, done := s.in.Start(ctx, "OpenLog", attribute.String("smit.ref", ref))
	v, err := s.inner.OpenLog(ctx, ref)
	done(err)
	return v, err
}

func (s *InstrumentedRepository) AddCommit(ctx context.Context, branch string, c storage.NewCommit) (string, error) {
	ctx, done := s.in.Start(ctx, "AddCommit", attribute.String("smit.ref", branch), attribute.Int("smit.files", len(c.Files)))
	v, err := s.inner.AddCommit(ctx, branch, c)
	done(err)
	return v, err
}

func (s *InstrumentedRepository) RootCommit(ctx context.Context, ref string) (string, error) {
	ctx, done := s.in.Start(ctx, "RootCommit", attribute.String("smit.ref", ref))
	v, err := s.inner.RootCommit(ctx, ref)
	done(err)
	return v, err
}

func (s *InstrumentedRepository) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	ctx, done := s.in.Start(ctx, "IsAncestor")
	v, err := s.inner.IsAncestor(ctx, ancestor, descendant)
	done(err)
	return v, err
}

func (s *InstrumentedRepository) ListBranches(ctx context.Context, remote, prefix string) iter.Seq2[string, error] {
	return s.inner.ListBranches(ctx, remote, prefix)
}

func (s *InstrumentedRepository) ShowRef(ctx context.Context, ref string) (string, error) {
	ctx, done := s.in.Start(ctx, "ShowRef", attribute.String("smit.ref", ref))
	v, err := s.inner.ShowRef(ctx, ref)
	done(err)
	return v, err
}

func (s *InstrumentedRepository) ListRefs(ctx context.Context, prefix string) ([]string, error) {
	ctx, done := s.in.Start(ctx, "ListRefs", attribute.String("smit.ref", prefix))
	v, err := s.inner.ListRefs(ctx, prefix)
	done(err)
	return v, err
}

func (s *InstrumentedRepository) UpdateRef(ctx context.Context, ref, newID, oldID string) error {
	ctx, done := s.in.Start(ctx, "UpdateRef", attribute.String("smit.ref", ref))
	err := s.inner.UpdateRef(ctx, ref, newID, oldID)
	done(err)
	return err
}

func (s *InstrumentedRepository) DeleteRef(ctx context.Context, ref string) error {
	ctx, done := s.in.Start(ctx, "DeleteRef", attribute.String("smit.ref", ref))
	err := s.inner.DeleteRef(ctx, ref)
	done(err)
	return err
}

func (s *InstrumentedRepository) RenameBranch(ctx context.Context, from, to string) error {
	ctx, done := s.in.Start(ctx, "RenameBranch", attribute.String("smit.ref", from), attribute.String("smit.target", to))
	err := s.inner.RenameBranch(ctx, from, to)
	done(err)
	return err
}

func (s *InstrumentedRepository) ReadBlob(ctx context.Context, id string) ([]byte, error) {
	ctx, done := s.in.Start(ctx, "ReadBlob")
	v, err := s.inner.ReadBlob(ctx, id)
	done(err)
	return v, err
}

func (s *InstrumentedRepository) Rebase(ctx context.Context, branch, onto string) (string, error) {
	ctx, done := s.in.Start(ctx, "Rebase", attribute.String("smit.ref", branch), attribute.String("smit.target", onto))
	v, err := s.inner.Rebase(ctx, branch, onto)
	done(err)
	return v, err
}

func (s *InstrumentedRepository) ReadNote(ctx context.Context, notesRef, commit string) (string, error) {
	ctx, done := s.in.Start(ctx, "ReadNote")
	v, err := s.inner.ReadNote(ctx, notesRef, commit)
	done(err)
	return v, err
}

func (s *InstrumentedRepository) WriteNote(ctx context.Context, notesRef, commit, body string) error {
	ctx, done := s.in.Start(ctx, "WriteNote")
	err := s.inner.WriteNote(ctx, notesRef, commit, body)
	done(err)
	return err
}

func (s *InstrumentedRepository) MergeNotes(ctx context.Context, notesRef, otherRef string) error {
	ctx, done := s.in.Start(ctx, "MergeNotes", attribute.String("smit.ref", otherRef))
	err := s.inner.MergeNotes(ctx, notesRef, otherRef)
	done(err)
	return err
}

func (s *InstrumentedRepository) AddRemote(ctx context.Context, name, url string) error {
	ctx, done := s.in.Start(ctx, "AddRemote", attribute.String("smit.remote", name))
	err := s.inner.AddRemote(ctx, name, url)
	done(err)
	return err
}

func (s *InstrumentedRepository) Fetch(ctx context.Context, remote string) error {
	ctx, done := s.in.Start(ctx, "Fetch", attribute.String("smit.remote", remote))
	err := s.inner.Fetch(ctx, remote)
	done(err)
	return err
}

func (s *InstrumentedRepository) Push(ctx context.Context, remote string, refspecs []string) ([]storage.PushResult, error) {
	ctx, done := s.in.Start(ctx, "Push", attribute.String("smit.remote", remote), attribute.Int("smit.refspecs", len(refspecs)))
	v, err := s.inner.Push(ctx, remote, refspecs)
	done(err)
	return v, err
}
