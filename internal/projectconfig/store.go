package projectconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	"github.com/goeb/smit/internal/storage"
)

// Load reads the configuration file of the project in dir.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path) // #nosec G304 -- project directory is trusted
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.NotFoundf("project config %s", path)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to the configuration file of the project in dir,
// replacing it atomically.
func Save(dir string, cfg *Config) error {
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, FileName)
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Exists reports whether dir holds a project configuration file.
func Exists(dir string) bool {
	fi, err := os.Stat(filepath.Join(dir, FileName))
	return err == nil && fi.Mode().IsRegular()
}

// Commit records cfg as a new commit on the config branch.
func Commit(ctx context.Context, repo storage.Repository, cfg *Config, author string, at time.Time) (string, error) {
	data, err := cfg.Marshal()
	if err != nil {
		return "", err
	}
	id, err := repo.AddCommit(ctx, storage.ConfigBranch, storage.NewCommit{
		Author:  author,
		Time:    at,
		Message: string(data),
	})
	if err != nil {
		return "", fmt.Errorf("committing project config: %w", err)
	}
	return id, nil
}

// ReadRef returns the configuration carried by the newest commit of ref.
func ReadRef(ctx context.Context, repo storage.Repository, ref string) (*Config, error) {
	it, err := repo.OpenLog(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var last string
	for {
		c, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		last = c.Message
	}
	if last == "" {
		return nil, storage.NotFoundf("config on %s", ref)
	}
	return Parse([]byte(last))
}
