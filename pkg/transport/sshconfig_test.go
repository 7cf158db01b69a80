package transport

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSSHConfig = `Host cluster
  HostName login.example.org
  User alice
  Port 2222
  IdentityFile ~/.ssh/cluster_ed25519
  ConnectTimeout 7
  ProxyCommand ssh -W %h:%p bastion

Host direct
  HostName 10.0.0.5
  ProxyCommand none
`

func writeSSHConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(testSSHConfig), 0600))
	return path
}

func TestSSHConfigResolve(t *testing.T) {
	cfgFile := writeSSHConfig(t)

	t.Run("from ssh_config", func(t *testing.T) {
		r, err := SSHConfig{Host: "cluster", ConfigFile: cfgFile}.resolve()
		require.NoError(t, err)
		assert.Equal(t, "login.example.org", r.hostname)
		assert.Equal(t, "alice", r.Username)
		assert.Equal(t, 2222, r.Port)
		assert.Equal(t, 7*time.Second, r.Timeout)
		assert.Equal(t, "ssh -W %h:%p bastion", r.ProxyCommand)
		assert.Equal(t, "login.example.org:2222", r.addr())
		assert.NotContains(t, r.KeyFile, "~")
		assert.Equal(t, int64(DefaultLargeFileThreshold), r.LargeFileThreshold)
		assert.Equal(t, DefaultLargeFileChunkSize, r.LargeFileChunkSize)
	})

	t.Run("explicit fields win", func(t *testing.T) {
		r, err := SSHConfig{Host: "cluster", ConfigFile: cfgFile, Username: "bob", Port: 22, Timeout: time.Second}.resolve()
		require.NoError(t, err)
		assert.Equal(t, "bob", r.Username)
		assert.Equal(t, 22, r.Port)
		assert.Equal(t, time.Second, r.Timeout)
	})

	t.Run("proxy none", func(t *testing.T) {
		r, err := SSHConfig{Host: "direct", ConfigFile: cfgFile}.resolve()
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.5", r.hostname)
		assert.Empty(t, r.ProxyCommand)
		assert.Equal(t, DefaultSSHPort, r.Port)
		assert.Equal(t, DefaultSSHTimeout, r.Timeout)
	})

	t.Run("unknown host passes through", func(t *testing.T) {
		r, err := SSHConfig{Host: "other.example.org", ConfigFile: cfgFile}.resolve()
		require.NoError(t, err)
		assert.Equal(t, "other.example.org", r.hostname)
	})

	t.Run("missing host", func(t *testing.T) {
		_, err := SSHConfig{ConfigFile: cfgFile}.resolve()
		assert.Error(t, err)
	})

	t.Run("explicit config must exist", func(t *testing.T) {
		_, err := SSHConfig{Host: "cluster", ConfigFile: filepath.Join(t.TempDir(), "missing")}.resolve()
		assert.Error(t, err)
	})
}

func TestExpandProxyCommand(t *testing.T) {
	got := expandProxyCommand("ssh -W %h:%p -l %r jump # 100%%", "node1", 2200, "carol")
	assert.Equal(t, "ssh -W node1:2200 -l carol jump # 100%", got)
}

func TestCheckRemotePath(t *testing.T) {
	assert.NoError(t, checkRemotePath("/home/u/jobs/1"))
	assert.NoError(t, checkRemotePath("relative/dir"))
	assert.ErrorIs(t, checkRemotePath("/home/u/../../etc"), ErrUnsafePath)
	assert.ErrorIs(t, checkRemotePath(""), ErrUnsafePath)
}
