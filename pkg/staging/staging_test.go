package staging

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Supports("file"))
	assert.True(t, r.Supports(""))
	assert.False(t, r.Supports("gsiftp"))
	assert.Equal(t, []string{"file"}, r.Schemes())

	_, err := r.Lookup("http")
	assert.True(t, IsUnsupportedScheme(err))

	err = r.Download(context.Background(), &url.URL{Scheme: "http", Host: "example.org", Path: "/x"}, t.TempDir())
	assert.True(t, IsUnsupportedScheme(err))
}

func TestFileStager(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	dir := t.TempDir()
	src := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	dst := filepath.Join(dir, "copy", "out.txt")
	require.NoError(t, r.Download(ctx, &url.URL{Scheme: "file", Path: filepath.ToSlash(src)}, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	up := filepath.Join(dir, "uploaded.txt")
	require.NoError(t, r.Upload(ctx, src, &url.URL{Scheme: "file", Path: filepath.ToSlash(up)}))
	_, err = os.Stat(up)
	assert.NoError(t, err)

	err = r.Download(ctx, &url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(dir, "missing"))}, dst)
	assert.True(t, IsNotFound(err))
}

func TestFilter(t *testing.T) {
	paths := []string{"out.txt", "logs/a.log", "logs/deep/b.log", "data.csv", ".gobatch/wrapper.pid"}

	got, err := Filter("*.txt", paths)
	require.NoError(t, err)
	assert.Equal(t, []string{"out.txt"}, got)

	got, err = Filter("logs/**/*.log", paths)
	require.NoError(t, err)
	assert.Equal(t, []string{"logs/a.log", "logs/deep/b.log"}, got)

	got, err = Filter("*.{csv,txt}", paths)
	require.NoError(t, err)
	assert.Equal(t, []string{"out.txt", "data.csv"}, got)

	_, err = Filter("[", paths)
	assert.Error(t, err)

	assert.True(t, HasMeta("*.log"))
	assert.False(t, HasMeta("plain/file.txt"))
}
