package transport

import (
	"bytes"
	"io"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readRecorder remembers the buffer size of every Read call.
type readRecorder struct {
	r     io.Reader
	sizes []int
}

func (rr *readRecorder) Read(p []byte) (int, error) {
	rr.sizes = append(rr.sizes, len(p))
	return rr.r.Read(p)
}

func TestChunkedCopy(t *testing.T) {
	const threshold, chunk = 64, 16

	tests := []struct {
		name    string
		size    int
		chunked bool
	}{
		{"below threshold", threshold - 1, false},
		{"at threshold", threshold, true},
		{"well above threshold", threshold * 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := bytes.Repeat([]byte("x"), tt.size)
			src := &readRecorder{r: bytes.NewReader(data)}
			var dst bytes.Buffer

			require.NoError(t, chunkedCopy(threshold, chunk)(&dst, src, int64(tt.size)))
			assert.Equal(t, data, dst.Bytes())
			require.NotEmpty(t, src.sizes)
			for _, n := range src.sizes {
				if tt.chunked {
					assert.Equal(t, chunk, n)
				} else {
					assert.Greater(t, n, chunk)
				}
			}
		})
	}

	t.Run("zero chunk size still copies", func(t *testing.T) {
		var dst bytes.Buffer
		require.NoError(t, chunkedCopy(0, 0)(&dst, strings.NewReader("abc"), 3))
		assert.Equal(t, "abc", dst.String())
	})
}

func TestDialProxyCommand(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	conn, err := dialProxyCommand("cat")
	require.NoError(t, err)

	msg := []byte("SSH-2.0-test\r\n")
	n, err := conn.Write(msg)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	assert.Equal(t, "proxy", conn.RemoteAddr().Network())
	assert.Contains(t, conn.RemoteAddr().String(), "cat")
	assert.NoError(t, conn.Close())
}

func TestDialProxyCommandExited(t *testing.T) {
	conn, err := dialProxyCommand("exit 0")
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
