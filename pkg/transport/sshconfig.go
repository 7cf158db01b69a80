package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kevinburke/ssh_config"
)

// Defaults for SSH transfers.
const (
	DefaultSSHPort            = 22
	DefaultSSHTimeout         = 30 * time.Second
	DefaultLargeFileThreshold = 10 * 1024 * 1024
	DefaultLargeFileChunkSize = 1024 * 1024
)

// SSHConfig configures an SSH transport. Empty fields are filled from the
// user's ssh_config entry for Host, then from defaults.
type SSHConfig struct {
	// Host is a host name or an ssh_config alias.
	Host     string
	Port     int
	Username string
	KeyFile  string

	// ConfigFile is the ssh_config path; empty means ~/.ssh/config.
	ConfigFile string

	// KnownHostsFile is the known_hosts path; empty means ~/.ssh/known_hosts.
	KnownHostsFile string
	IgnoreHostKeys bool

	// Timeout bounds connection establishment.
	Timeout time.Duration

	// ProxyCommand is run to obtain the connection (ssh_config %h, %p and %r
	// tokens are expanded).
	ProxyCommand string

	// Files at least LargeFileThreshold bytes are fetched in
	// LargeFileChunkSize pieces instead of one read.
	LargeFileThreshold int64
	LargeFileChunkSize int
}

// resolved is an SSHConfig after ssh_config lookup and defaulting.
type resolved struct {
	SSHConfig
	hostname string
}

func (r resolved) addr() string {
	return fmt.Sprintf("%s:%d", r.hostname, r.Port)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func (c SSHConfig) resolve() (resolved, error) {
	if strings.TrimSpace(c.Host) == "" {
		return resolved{}, fmt.Errorf("ssh host is required")
	}
	r := resolved{SSHConfig: c, hostname: c.Host}

	lookup, err := loadSSHConfig(c.ConfigFile)
	if err != nil {
		return resolved{}, err
	}
	get := func(key string) string {
		if lookup == nil {
			return ""
		}
		v, err := lookup.Get(c.Host, key)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(v)
	}

	if v := get("HostName"); v != "" {
		r.hostname = v
	}
	if r.Username == "" {
		r.Username = get("User")
	}
	if r.Username == "" {
		r.Username = os.Getenv("USER")
	}
	if r.Port == 0 {
		if p, err := strconv.Atoi(get("Port")); err == nil && p > 0 {
			r.Port = p
		} else {
			r.Port = DefaultSSHPort
		}
	}
	if r.KeyFile == "" {
		r.KeyFile = get("IdentityFile")
	}
	r.KeyFile = expandHome(r.KeyFile)
	if r.Timeout == 0 {
		if secs, err := strconv.Atoi(get("ConnectTimeout")); err == nil && secs > 0 {
			r.Timeout = time.Duration(secs) * time.Second
		} else {
			r.Timeout = DefaultSSHTimeout
		}
	}
	if r.ProxyCommand == "" {
		r.ProxyCommand = get("ProxyCommand")
	}
	if strings.EqualFold(r.ProxyCommand, "none") {
		r.ProxyCommand = ""
	}
	if r.KnownHostsFile == "" {
		r.KnownHostsFile = "~/.ssh/known_hosts"
	}
	r.KnownHostsFile = expandHome(r.KnownHostsFile)
	if r.LargeFileThreshold <= 0 {
		r.LargeFileThreshold = DefaultLargeFileThreshold
	}
	if r.LargeFileChunkSize <= 0 {
		r.LargeFileChunkSize = DefaultLargeFileChunkSize
	}
	return r, nil
}

func loadSSHConfig(path string) (*ssh_config.Config, error) {
	explicit := path != ""
	if !explicit {
		path = "~/.ssh/config"
	}
	f, err := os.Open(expandHome(path))
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil, nil
		}
		return nil, fmt.Errorf("open ssh config: %w", err)
	}
	defer func() { _ = f.Close() }()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("parse ssh config %s: %w", path, err)
	}
	return cfg, nil
}

// expandProxyCommand substitutes the ssh_config tokens %h, %p, %r and %%.
func expandProxyCommand(cmd, host string, port int, user string) string {
	r := strings.NewReplacer("%%", "%", "%h", host, "%p", strconv.Itoa(port), "%r", user)
	return r.Replace(cmd)
}
