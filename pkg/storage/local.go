package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/defrances/reportoor/pkg/fsutil"
)

// Compile-time interface check.
var _ Bucket = (*localBucket)(nil)

type localBucket struct {
	root  string
	owner *fsutil.Owner
}

// LocalOption configures a local bucket.
type LocalOption func(*localBucket)

// WithOwner chowns every directory and file the bucket creates.
func WithOwner(owner *fsutil.Owner) LocalOption {
	return func(b *localBucket) {
		b.owner = owner
	}
}

// NewLocalBucket creates a Bucket rooted at dir on the local filesystem.
func NewLocalBucket(dir string, opts ...LocalOption) Bucket {
	b := &localBucket{root: filepath.Clean(dir)}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *localBucket) String() string {
	return "file://" + b.root
}

func (b *localBucket) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

// List walks the directory under prefix and returns file keys.
func (b *localBucket) List(
	_ context.Context, prefix string,
) ([]string, error) {
	prefix = dirPrefix(prefix)
	start := b.root

	if prefix != "" {
		start = b.path(strings.TrimSuffix(prefix, "/"))
	}

	var keys []string

	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		// Temp files from an interrupted Put are not part of the bucket.
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}

		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}

		keys = append(keys, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("listing %s: %w", start, err)
	}

	sort.Strings(keys)

	return keys, nil
}

// Get reads {root}/{key}. Returns (nil, nil) when the file does not exist.
func (b *localBucket) Get(_ context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	p := b.path(key)

	data, err := os.ReadFile(p) //nolint:gosec // trusted paths from config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading file %s: %w", p, err)
	}

	return data, nil
}

// Put writes through a temp file and rename so readers never observe a
// partially written object.
func (b *localBucket) Put(
	_ context.Context, key string, data []byte, _ string,
) error {
	if err := checkKey(key); err != nil {
		return err
	}

	p := b.path(key)
	dir := filepath.Dir(p)

	if err := b.owner.MkdirAll(b.root, dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return fmt.Errorf("writing %s: %w", p, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("closing %s: %w", p, err)
	}

	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("renaming into %s: %w", p, err)
	}

	b.owner.Chown(p)

	return nil
}

// Delete removes {root}/{key}.
func (b *localBucket) Delete(_ context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}

	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}

	return nil
}
