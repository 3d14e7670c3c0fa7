package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defrances/reportoor/pkg/config"
	"github.com/defrances/reportoor/pkg/fsutil"
	"github.com/defrances/reportoor/pkg/storage"
)

func TestLocalBucket_PutGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	b := storage.NewLocalBucket(dir)

	require.NoError(t, b.Put(ctx, "history/abc.json", []byte(`{"a":1}`), ""))

	data, err := b.Get(ctx, "history/abc.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	// Overwrite replaces the content.
	require.NoError(t, b.Put(ctx, "history/abc.json", []byte(`{"a":2}`), ""))

	data, err = b.Get(ctx, "history/abc.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	require.NoError(t, b.Delete(ctx, "history/abc.json"))

	data, err = b.Get(ctx, "history/abc.json")
	require.NoError(t, err)
	assert.Nil(t, data)

	// Deleting again is a no-op.
	require.NoError(t, b.Delete(ctx, "history/abc.json"))
}

func TestLocalBucket_List(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("returns sorted keys under prefix", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		b := storage.NewLocalBucket(dir)

		for _, key := range []string{
			"results/b-result.json",
			"results/a-result.json",
			"results/nested/c-result.json",
			"other/x.json",
		} {
			require.NoError(t, b.Put(ctx, key, []byte("{}"), ""))
		}

		// Leftover temp files are ignored.
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, "results", ".tmp-123"), []byte("x"), 0o644,
		))

		keys, err := b.List(ctx, "results/")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"results/a-result.json",
			"results/b-result.json",
			"results/nested/c-result.json",
		}, keys)

		all, err := b.List(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})

	t.Run("missing prefix returns nil", func(t *testing.T) {
		t.Parallel()

		b := storage.NewLocalBucket(t.TempDir())

		keys, err := b.List(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, keys)
	})
}

func TestLocalBucket_RejectsBadKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := storage.NewLocalBucket(t.TempDir())

	for _, key := range []string{"", "/abs", "a/../../etc/passwd"} {
		_, err := b.Get(ctx, key)
		assert.Error(t, err, key)
		assert.Error(t, b.Put(ctx, key, nil, ""), key)
	}
}

func TestJoin(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		elem   []string
		want   string
	}{
		{name: "empty prefix", prefix: "", elem: []string{"report.json"}, want: "report.json"},
		{name: "trailing slash", prefix: "out/", elem: []string{"report.json"}, want: "out/report.json"},
		{name: "nested", prefix: "/a/b/", elem: []string{"c", "d.json"}, want: "a/b/c/d.json"},
		{name: "empty elements", prefix: "a", elem: []string{"", "b"}, want: "a/b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, storage.Join(tt.prefix, tt.elem...))
		})
	}
}

func TestContentType(t *testing.T) {
	assert.Contains(t, storage.ContentType("report.json"), "application/json")
	assert.Equal(t, "application/octet-stream", storage.ContentType("noext"))
}

func TestLocalBucket_WithOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	owner := &fsutil.Owner{UID: os.Getuid(), GID: os.Getgid()}
	b := storage.NewLocalBucket(dir, storage.WithOwner(owner))

	require.NoError(t, b.Put(ctx, "run-1/report.json", []byte(`{}`), "application/json"))

	info, err := os.Stat(filepath.Join(dir, "run-1", "report.json"))
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}

func TestNew_InvalidOwner(t *testing.T) {
	t.Parallel()

	_, err := storage.New(nil, &config.StorageConfig{
		Local: &config.LocalStorageConfig{Dir: t.TempDir(), Owner: "nobody"},
	})
	require.Error(t, err)
}
