// Package objstore stores content-addressed blobs for attachments.
//
// Objects use git's loose-object format: the id is the SHA-1 of
// "blob <size>\x00<content>", the file lives at <dir>/xx/yyyy… (first two
// hex digits as shard directory) and holds the zlib-compressed header and
// content. Pointing the store at a repository's objects directory makes
// every stored file directly referenceable from commit trees.
package objstore

import (
	"bytes"
	"crypto/sha1" // #nosec G505 -- git object ids are SHA-1 by definition
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zlib"
	"github.com/natefinch/atomic"

	"github.com/goeb/smit/internal/storage"
)

const idLength = 40

// Options configures a Store.
type Options struct {
	// MaxSize rejects writes larger than this many bytes (0 = unlimited).
	MaxSize int64
	Logger  *slog.Logger
}

// Store is a directory of content-addressed objects. It holds no
// in-memory state, so concurrent use is safe; concurrent writers of the
// same content race benignly on an atomic rename.
type Store struct {
	dir     string
	maxSize int64
	log     *slog.Logger
}

// New returns a store rooted at dir. The directory is created lazily.
func New(dir string, opts Options) *Store {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Store{dir: dir, maxSize: opts.MaxSize, log: log}
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string {
	return s.dir
}

// Hash computes the object id of data without storing it.
func Hash(data []byte) string {
	h := sha1.New() // #nosec G401
	writeHeader(h, len(data))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func writeHeader(w io.Writer, size int) {
	_, _ = io.WriteString(w, "blob "+strconv.Itoa(size))
	_, _ = w.Write([]byte{0})
}

// ValidID reports whether id is a full lowercase hex object id.
func ValidID(id string) bool {
	if len(id) != idLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Path returns the shard path of id.
func (s *Store) Path(id string) (string, error) {
	if !ValidID(id) {
		return "", storage.Validationf("invalid object id %q", id)
	}
	return filepath.Join(s.dir, id[:2], id[2:]), nil
}

// Write stores data and returns its id. When the object already exists
// with identical content the id is returned together with
// storage.ErrAlreadyExists; when it exists with different content,
// storage.ErrConflict is returned and the stored object is left alone.
func (s *Store) Write(data []byte) (string, error) {
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return "", fmt.Errorf("object of %d bytes exceeds limit of %d: %w", len(data), s.maxSize, storage.ErrExhausted)
	}
	id := Hash(data)
	path, err := s.Path(id)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); err == nil {
		existing, err := s.Load(id)
		if err != nil {
			return id, fmt.Errorf("object %s exists but cannot be read (%v): %w", id, err, storage.ErrConflict)
		}
		if !bytes.Equal(existing, data) {
			return id, fmt.Errorf("object %s exists with different content: %w", id, storage.ErrConflict)
		}
		return id, fmt.Errorf("object %s: %w", id, storage.ErrAlreadyExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("stat object %s: %w", id, err)
	}

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	writeHeader(zw, len(data))
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("compressing object %s: %w", id, err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compressing object %s: %w", id, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating shard for %s: %w", id, err)
	}
	if err := atomic.WriteFile(path, &compressed); err != nil {
		return "", fmt.Errorf("writing object %s: %w", id, err)
	}
	// Loose objects are read-only in git repositories.
	_ = os.Chmod(path, 0o444)
	s.log.Debug("stored object", "id", id, "size", len(data))
	return id, nil
}

// Load returns the content of object id.
func (s *Store) Load(id string) ([]byte, error) {
	path, err := s.Path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) // #nosec G304 -- path derived from a validated id
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.NotFoundf("object %s", id)
		}
		return nil, fmt.Errorf("opening object %s: %w", id, err)
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("decompressing object %s: %w", id, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompressing object %s: %w", id, err)
	}

	header, content, ok := bytes.Cut(raw, []byte{0})
	if !ok {
		return nil, fmt.Errorf("object %s: missing header", id)
	}
	kind, sizeText, _ := bytes.Cut(header, []byte(" "))
	if string(kind) != "blob" {
		return nil, fmt.Errorf("object %s: unexpected type %q", id, kind)
	}
	size, err := strconv.Atoi(string(sizeText))
	if err != nil || size != len(content) {
		return nil, fmt.Errorf("object %s: size mismatch (header %q, content %d)", id, sizeText, len(content))
	}
	return content, nil
}

// Exists reports whether object id is stored.
func (s *Store) Exists(id string) bool {
	path, err := s.Path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// All yields the id of every stored object by walking the shard tree.
// Unreadable shard directories and stray files are skipped and logged.
func (s *Store) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		shards, err := os.ReadDir(s.dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.log.Warn("cannot read object store", "dir", s.dir, "error", err)
			}
			return
		}
		for _, shard := range shards {
			name := shard.Name()
			if !shard.IsDir() || len(name) != 2 || !ValidID(name+"00000000000000000000000000000000000000") {
				continue
			}
			files, err := os.ReadDir(filepath.Join(s.dir, name))
			if err != nil {
				s.log.Warn("skipping unreadable shard", "shard", name, "error", err)
				continue
			}
			for _, f := range files {
				id := name + f.Name()
				if f.IsDir() || !ValidID(id) {
					s.log.Debug("skipping stray entry in object store", "path", filepath.Join(name, f.Name()))
					continue
				}
				if !yield(id) {
					return
				}
			}
		}
	}
}

// Walk calls fn for every stored object id. It stops at the first error
// returned by fn.
func (s *Store) Walk(fn func(id string) error) error {
	for id := range s.All() {
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the decompressed content size of object id.
func (s *Store) Size(id string) (int64, error) {
	data, err := s.Load(id)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}
