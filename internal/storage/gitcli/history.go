package gitcli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/goeb/smit/internal/storage"
)

// logIterator reads the commits listed by "git rev-list" one at a time
// through a "git cat-file --batch" process. Records are framed by the
// object sizes cat-file reports.
type logIterator struct {
	dir    string
	ids    []string
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	reader *bufio.Reader
	stderr *strings.Builder
	done   bool
}

// OpenLog returns the first-parent history of ref, oldest commit first.
func (r *Repository) OpenLog(ctx context.Context, ref string) (storage.CommitIterator, error) {
	tip, err := r.ShowRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	out, err := r.run(ctx, nil, "rev-list", "--first-parent", "--reverse", tip)
	if err != nil {
		return nil, fmt.Errorf("log %s: %w", ref, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := r.command(ctx, r.dir, "cat-file", "--batch")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("log %s: %w", ref, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("log %s: %w", ref, err)
	}
	stderr := &strings.Builder{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting git cat-file: %v: %w", err, storage.ErrTransport)
	}
	return &logIterator{
		dir:    r.dir,
		ids:    strings.Fields(out),
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdin,
		reader: bufio.NewReader(stdout),
		stderr: stderr,
	}, nil
}

func (it *logIterator) Next() (*storage.Commit, error) {
	if it.done {
		return nil, io.EOF
	}
	if len(it.ids) == 0 {
		it.done = true
		it.stdin.Close()
		defer it.cancel()
		if err := it.cmd.Wait(); err != nil {
			return nil, &gitError{args: []string{"cat-file", "--batch"}, dir: it.dir, err: err, stderr: it.stderr.String()}
		}
		return nil, io.EOF
	}
	id := it.ids[0]
	it.ids = it.ids[1:]

	raw, err := it.readObject(id)
	if err != nil {
		it.Close()
		return nil, err
	}
	c, err := parseCommit(id, raw)
	if err != nil {
		return nil, &storage.CorruptCommitError{ID: id, Err: err}
	}
	return c, nil
}

// readObject requests id from cat-file and returns its content.
func (it *logIterator) readObject(id string) ([]byte, error) {
	if _, err := io.WriteString(it.stdin, id+"\n"); err != nil {
		return nil, fmt.Errorf("requesting commit %s: %v: %w", id, err, storage.ErrTransport)
	}
	header, err := it.reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: %v: %w", id, err, storage.ErrTransport)
	}
	fields := strings.Fields(header)
	if len(fields) != 3 || fields[1] != "commit" {
		return nil, fmt.Errorf("reading commit %s: unexpected object header %q: %w", id, strings.TrimSpace(header), storage.ErrTransport)
	}
	size, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: bad object size %q: %w", id, fields[2], storage.ErrTransport)
	}
	// The object is followed by a newline.
	buf := make([]byte, size+1)
	if _, err := io.ReadFull(it.reader, buf); err != nil {
		return nil, fmt.Errorf("reading commit %s: %v: %w", id, err, storage.ErrTransport)
	}
	return buf[:size], nil
}

func (it *logIterator) Close() error {
	if it.done {
		return nil
	}
	it.done = true
	it.stdin.Close()
	it.cancel()
	_ = it.cmd.Wait()
	return nil
}

// parseCommit decodes a raw commit object: header lines, a blank line,
// then the message.
func parseCommit(id string, raw []byte) (*storage.Commit, error) {
	headers, message, ok := strings.Cut(string(raw), "\n\n")
	if !ok {
		headers = strings.TrimSuffix(string(raw), "\n")
	}
	c := &storage.Commit{ID: id, Message: message}
	var author string
	for _, line := range strings.Split(headers, "\n") {
		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "parent":
			if c.ParentID == "" {
				c.ParentID = value
			}
		case "author":
			author = value
		}
	}
	if author == "" {
		return nil, errors.New("commit has no author")
	}
	// author is "<name> <<email>> <seconds> <zone>".
	open := strings.LastIndex(author, " <")
	closing := strings.LastIndex(author, "> ")
	if open < 0 || closing < open {
		return nil, fmt.Errorf("malformed author %q", author)
	}
	c.Author = author[:open]
	stamp := strings.Fields(author[closing+2:])
	if len(stamp) == 0 {
		return nil, fmt.Errorf("malformed author %q", author)
	}
	secs, err := strconv.ParseInt(stamp[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed commit time %q: %w", stamp[0], err)
	}
	c.Time = time.Unix(secs, 0).UTC()
	return c, nil
}

// AddCommit appends a commit to branch, creating the branch when absent.
// The new tree is the parent's tree plus c.Files. The ref is moved with
// a compare-and-swap so a concurrent writer yields storage.ErrConflict.
func (r *Repository) AddCommit(ctx context.Context, branch string, c storage.NewCommit) (string, error) {
	ref := storage.FullRef(branch)
	parent, err := r.ShowRef(ctx, ref)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	tree, err := r.buildTree(ctx, parent, c.Files)
	if err != nil {
		return "", err
	}

	args := []string{"commit-tree", tree}
	if parent != "" {
		args = append(args, "-p", parent)
	}
	date := "@" + strconv.FormatInt(c.Time.Unix(), 10) + " +0000"
	env := []string{
		"GIT_AUTHOR_NAME=" + c.Author,
		"GIT_AUTHOR_EMAIL=" + c.Author,
		"GIT_AUTHOR_DATE=" + date,
		"GIT_COMMITTER_DATE=" + date,
	}
	out, err := r.runIn(ctx, r.dir, strings.NewReader(c.Message), env, args...)
	if err != nil {
		return "", fmt.Errorf("commit on %s: %w", branch, err)
	}
	id := strings.TrimSpace(out)

	if err := r.UpdateRef(ctx, ref, id, parent); err != nil {
		return "", err
	}
	return id, nil
}

// buildTree returns the id of parent's tree extended with files.
func (r *Repository) buildTree(ctx context.Context, parent string, files []storage.TreeFile) (string, error) {
	var entries strings.Builder
	seen := make(map[string]bool)
	if parent != "" {
		out, err := r.run(ctx, nil, "ls-tree", "-z", parent)
		if err != nil {
			return "", err
		}
		for _, line := range strings.Split(out, "\x00") {
			if line == "" {
				continue
			}
			if _, path, ok := strings.Cut(line, "\t"); ok {
				seen[path] = true
			}
			entries.WriteString(line)
			entries.WriteByte(0)
		}
	}
	for _, f := range files {
		if seen[f.Path] {
			continue
		}
		seen[f.Path] = true
		fmt.Fprintf(&entries, "100644 blob %s\t%s\x00", f.BlobID, f.Path)
	}
	out, err := r.run(ctx, strings.NewReader(entries.String()), "mktree", "-z")
	if err != nil {
		return "", fmt.Errorf("building tree: %w", err)
	}
	return strings.TrimSpace(out), nil
}
