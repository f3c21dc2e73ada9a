package gitcli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goeb/smit/internal/storage"
)

// ReadNote returns the note attached to commit under notesRef.
func (r *Repository) ReadNote(ctx context.Context, notesRef, commit string) (string, error) {
	out, err := r.run(ctx, nil, "notes", "--ref="+notesRef, "show", commit)
	if err != nil {
		var gerr *gitError
		if errors.As(err, &gerr) && strings.Contains(gerr.stderr, "no note found") {
			return "", storage.NotFoundf("note on %s", commit)
		}
		if _, rerr := r.ShowRef(ctx, notesRef); errors.Is(rerr, storage.ErrNotFound) {
			return "", storage.NotFoundf("note on %s", commit)
		}
		return "", err
	}
	return out, nil
}

// WriteNote replaces the note on commit. An empty body removes it.
func (r *Repository) WriteNote(ctx context.Context, notesRef, commit, body string) error {
	if body == "" {
		_, err := r.run(ctx, nil, "notes", "--ref="+notesRef, "remove", "--ignore-missing", commit)
		return err
	}
	_, err := r.run(ctx, strings.NewReader(body), "notes", "--ref="+notesRef, "add", "--force", "--file=-", commit)
	return err
}

// MergeNotes merges otherRef into notesRef. Conflicting notes are
// resolved by concatenating, sorting and de-duplicating their lines,
// which for tag records yields the union of both tag sets.
func (r *Repository) MergeNotes(ctx context.Context, notesRef, otherRef string) error {
	if _, err := r.ShowRef(ctx, otherRef); errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	_, err := r.run(ctx, nil, "notes", "--ref="+notesRef, "merge", "--quiet", "--strategy=cat_sort_uniq", otherRef)
	if err != nil {
		return fmt.Errorf("merging notes %s into %s: %w", otherRef, notesRef, err)
	}
	return nil
}
