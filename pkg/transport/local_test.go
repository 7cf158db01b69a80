package transport

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExecute(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	res, err := l.Execute(ctx, "echo hello; echo oops >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.False(t, res.OK())

	res, err = l.Execute(ctx, "kill -9 $$")
	require.NoError(t, err)
	assert.Equal(t, 137, res.ExitCode)
}

func TestLocalExecuteDetached(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	marker := filepath.Join(t.TempDir(), "marker")

	start := time.Now()
	require.NoError(t, l.ExecuteDetached(ctx, "sh -c "+Quote("sleep 0.2; echo done > "+Quote(marker))))
	assert.Less(t, time.Since(start), 2*time.Second)

	data, err := ReadFileWithRetry(ctx, l, marker, Backoff{Initial: 50 * time.Millisecond, Max: time.Second, Factor: 2, MaxAttempts: 10})
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(data))
}

func TestLocalFileOps(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	dir := t.TempDir()

	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, l.MakeDirs(nested, 0755))
	ok, err := l.IsDir(nested)
	require.NoError(t, err)
	assert.True(t, ok)

	file := filepath.Join(nested, "f.txt")
	require.NoError(t, WriteFile(l, file, []byte("data"), 0644))
	exists, err := l.Exists(file)
	require.NoError(t, err)
	assert.True(t, exists)

	names, err := l.ListDir(nested)
	require.NoError(t, err)
	assert.Equal(t, []string{"f.txt"}, names)

	require.NoError(t, l.Rename(file, file+".moved"))
	exists, err = l.Exists(file)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = l.Stat(file)
	assert.True(t, IsNotExist(err))
	var te *Error
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, "localhost", te.Host)
	assert.Equal(t, 1, strings.Count(err.Error(), file), "path named once: %v", err)

	require.NoError(t, l.RemoveTree(ctx, filepath.Join(dir, "a")))
	exists, err = l.Exists(filepath.Join(dir, "a"))
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, l.RemoveTree(ctx, "/"), ErrUnsafePath)
	assert.ErrorIs(t, l.RemoveTree(ctx, ""), ErrUnsafePath)
}

func TestLocalCopy(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "dst")

	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "run.sh"), []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "data"), []byte("v1"), 0644))

	t.Run("recursive with modes", func(t *testing.T) {
		require.NoError(t, l.Put(ctx, src, dst, CopyOptions{}))
		info, err := os.Stat(filepath.Join(dst, "run.sh"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
		got, err := os.ReadFile(filepath.Join(dst, "sub", "data"))
		require.NoError(t, err)
		assert.Equal(t, "v1", string(got))
	})

	t.Run("no overwrite keeps destination", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "data"), []byte("v2"), 0644))
		require.NoError(t, l.Get(ctx, src, dst, CopyOptions{}))
		got, err := os.ReadFile(filepath.Join(dst, "sub", "data"))
		require.NoError(t, err)
		assert.Equal(t, "v1", string(got))
	})

	t.Run("changed only skips same size older source", func(t *testing.T) {
		old := time.Now().Add(-time.Hour)
		require.NoError(t, os.Chtimes(filepath.Join(src, "sub", "data"), old, old))
		require.NoError(t, l.Get(ctx, src, dst, CopyOptions{Overwrite: true, ChangedOnly: true}))
		got, err := os.ReadFile(filepath.Join(dst, "sub", "data"))
		require.NoError(t, err)
		assert.Equal(t, "v1", string(got))
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, l.Get(ctx, src, dst, CopyOptions{Overwrite: true}))
		got, err := os.ReadFile(filepath.Join(dst, "sub", "data"))
		require.NoError(t, err)
		assert.Equal(t, "v2", string(got))
	})

	t.Run("missing source", func(t *testing.T) {
		missing := filepath.Join(src, "nope")
		assert.NoError(t, l.Get(ctx, missing, filepath.Join(dst, "nope"), CopyOptions{IgnoreNotExist: true}))
		err := l.Get(ctx, missing, filepath.Join(dst, "nope"), CopyOptions{})
		assert.True(t, IsNotExist(err))
	})
}

func TestQuote(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	for _, s := range []string{"plain", "with space", "it's", `a"b`, "$HOME", "`x`"} {
		res, err := l.Execute(ctx, "printf %s "+Quote(s))
		require.NoError(t, err)
		assert.Equal(t, s, res.Stdout)
	}

	t.Setenv("GOBATCH_QUOTE_TEST", "expanded")
	res, err := l.Execute(ctx, "printf %s "+QuoteExpandable("$GOBATCH_QUOTE_TEST/x y"))
	require.NoError(t, err)
	assert.Equal(t, "expanded/x y", res.Stdout)
}

func TestRemoteUsername(t *testing.T) {
	name, err := NewLocal().RemoteUsername(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(name))
}
