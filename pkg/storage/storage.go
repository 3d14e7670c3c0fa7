package storage

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/defrances/reportoor/pkg/config"
	"github.com/defrances/reportoor/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

// Bucket is a flat key/value blob store (local directory or S3 bucket).
// Keys always use forward slashes.
type Bucket interface {
	// List returns all keys below prefix, recursively, sorted ascending.
	List(ctx context.Context, prefix string) ([]string, error)

	// Get reads a key. Returns (nil, nil) when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes data to key, replacing any previous content.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// String describes the bucket for logs.
	String() string
}

// New creates the Bucket selected by cfg.
func New(log logrus.FieldLogger, cfg *config.StorageConfig) (Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Local != nil {
		owner, err := fsutil.ParseOwner(cfg.Local.Owner)
		if err != nil {
			return nil, fmt.Errorf("storage.local.owner: %w", err)
		}

		return NewLocalBucket(cfg.Local.Dir, WithOwner(owner)), nil
	}

	return NewS3Bucket(log, cfg.S3), nil
}

// Join builds a key from a prefix and path elements, dropping empty parts
// and surrounding slashes.
func Join(prefix string, elem ...string) string {
	parts := make([]string, 0, len(elem)+1)

	for _, p := range append([]string{prefix}, elem...) {
		p = strings.Trim(p, "/")
		if p != "" {
			parts = append(parts, p)
		}
	}

	return path.Join(parts...)
}

// ContentType returns the MIME type for the key's extension, falling back
// to application/octet-stream.
func ContentType(key string) string {
	ext := path.Ext(key)
	if ext == "" {
		return "application/octet-stream"
	}

	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}

	return "application/octet-stream"
}

func dirPrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}

	return prefix + "/"
}

func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid key %q", key)
	}

	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return fmt.Errorf("invalid key %q: parent segment", key)
		}
	}

	return nil
}
