package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}
	assert.Equal(t, 10*time.Millisecond, b.Delay(0))
	assert.Equal(t, 20*time.Millisecond, b.Delay(1))
	assert.Equal(t, 40*time.Millisecond, b.Delay(2))
	assert.Equal(t, 50*time.Millisecond, b.Delay(3))
	assert.Equal(t, 50*time.Millisecond, b.Delay(10))
}

func TestReadFileWithRetry(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	fast := Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2, MaxAttempts: 4}

	t.Run("appears later", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pid")
		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = os.WriteFile(path, []byte("1234\n"), 0644)
		}()
		long := Backoff{Initial: 5 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2, MaxAttempts: 20}
		data, err := ReadFileWithRetry(ctx, l, path, long)
		require.NoError(t, err)
		assert.Equal(t, "1234\n", string(data))
	})

	t.Run("never appears", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pid")
		_, err := ReadFileWithRetry(ctx, l, path, fast)
		assert.ErrorIs(t, err, ErrNotYetAvailable)
		assert.True(t, IsNotExist(err))
	})

	t.Run("empty counts as absent", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pid")
		require.NoError(t, os.WriteFile(path, nil, 0644))
		_, err := ReadFileWithRetry(ctx, l, path, fast)
		assert.ErrorIs(t, err, ErrNotYetAvailable)
	})

	t.Run("total cap", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pid")
		capped := Backoff{Initial: 100 * time.Millisecond, Factor: 1, MaxAttempts: 100, MaxTotal: 150 * time.Millisecond}
		start := time.Now()
		_, err := ReadFileWithRetry(ctx, l, path, capped)
		assert.ErrorIs(t, err, ErrNotYetAvailable)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("cancelled", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pid")
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := ReadFileWithRetry(cctx, l, path, fast)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
