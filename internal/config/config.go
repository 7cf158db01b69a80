// Package config loads gobatch configuration: built-in defaults, an optional
// YAML file, GOBATCH_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/gobatch/pkg/job"
)

// Config is the complete gobatch configuration.
type Config struct {
	Logging   LoggingConfig             `mapstructure:"logging"`
	Session   SessionConfig             `mapstructure:"session"`
	Poll      PollConfig                `mapstructure:"poll"`
	Server    ServerConfig              `mapstructure:"server"`
	Staging   StagingConfig             `mapstructure:"staging"`
	Resources map[string]ResourceConfig `mapstructure:"resources"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// SessionConfig locates the task store.
type SessionConfig struct {
	Dir string `mapstructure:"dir"`
	// Store is "sqlite" or "file".
	Store string `mapstructure:"store"`
}

// PollConfig paces the progress loop.
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// RateLimit caps backend polls per second; zero disables the limit.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StagingConfig struct {
	S3 S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Region            string `mapstructure:"region"`
	Endpoint          string `mapstructure:"endpoint"`
	Profile           string `mapstructure:"profile"`
	ForcePathStyle    bool   `mapstructure:"force_path_style"`
	UseInstanceRegion bool   `mapstructure:"use_instance_region"`
}

// Resource types.
const (
	TypeShellcmd = "shellcmd"
	TypeNoop     = "noop"
)

// Transports.
const (
	TransportLocal = "local"
	TransportSSH   = "ssh"
)

// ResourceConfig defines one execution resource.
type ResourceConfig struct {
	// Name is filled from the map key.
	Name string `mapstructure:"-"`

	Type      string `mapstructure:"type"`
	Enabled   *bool  `mapstructure:"enabled"`
	Transport string `mapstructure:"transport"`
	Frontend  string `mapstructure:"frontend"`

	Architecture     []string      `mapstructure:"architecture"`
	MaxCores         int           `mapstructure:"max_cores"`
	MaxCoresPerJob   int           `mapstructure:"max_cores_per_job"`
	MaxMemoryPerCore job.Memory    `mapstructure:"max_memory_per_core"`
	MaxWalltime      time.Duration `mapstructure:"max_walltime"`

	TimeCmd     string `mapstructure:"time_cmd"`
	SpoolDir    string `mapstructure:"spooldir"`
	ResourceDir string `mapstructure:"resourcedir"`
	Override    bool   `mapstructure:"override"`

	Username           string        `mapstructure:"username"`
	Port               int           `mapstructure:"port"`
	KeyFile            string        `mapstructure:"keyfile"`
	SSHConfig          string        `mapstructure:"ssh_config"`
	SSHTimeout         time.Duration `mapstructure:"ssh_timeout"`
	ProxyCommand       string        `mapstructure:"proxy_command"`
	IgnoreSSHHostKeys  bool          `mapstructure:"ignore_ssh_host_keys"`
	LargeFileThreshold job.Memory    `mapstructure:"large_file_threshold"`
	LargeFileChunkSize job.Memory    `mapstructure:"large_file_chunk_size"`

	TransitionGraph map[string]map[string]any `mapstructure:"transition_graph"`
}

// IsEnabled reports the enabled flag, which defaults to true.
func (r ResourceConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Resource converts the static part of the definition.
func (r ResourceConfig) Resource() job.Resource {
	return job.Resource{
		Name:             r.Name,
		Type:             r.Type,
		Frontend:         r.Frontend,
		Enabled:          r.IsEnabled(),
		Architectures:    append([]string(nil), r.Architecture...),
		MaxCores:         r.MaxCores,
		MaxCoresPerJob:   r.MaxCoresPerJob,
		MaxMemoryPerCore: r.MaxMemoryPerCore,
		MaxWalltime:      r.MaxWalltime,
	}
}

// Validate reports the first problem with the definition as a configuration
// error.
func (r ResourceConfig) Validate() error {
	fail := func(format string, args ...any) error {
		return job.Wrap(job.ErrConfiguration, "resource %q: %s", r.Name, fmt.Sprintf(format, args...))
	}
	switch r.Type {
	case TypeShellcmd, TypeNoop:
	case "":
		return fail("missing type")
	default:
		return fail("unknown type %q", r.Type)
	}
	if r.MaxCores < 1 {
		return fail("max_cores must be at least 1")
	}
	if r.MaxCoresPerJob < 0 || r.MaxCoresPerJob > r.MaxCores {
		return fail("max_cores_per_job must be between 1 and max_cores")
	}
	if r.MaxMemoryPerCore < 0 || r.MaxWalltime < 0 {
		return fail("limits must not be negative")
	}
	if r.Type == TypeShellcmd {
		switch r.Transport {
		case TransportLocal:
		case TransportSSH:
			if r.Frontend == "" {
				return fail("ssh transport needs a frontend host")
			}
		default:
			return fail("unknown transport %q", r.Transport)
		}
	}
	return nil
}

// Validate checks every resource and the settings the engine relies on.
func (c *Config) Validate() error {
	for _, name := range c.ResourceNames() {
		if err := c.Resources[name].Validate(); err != nil {
			return err
		}
	}
	if c.Poll.Interval <= 0 {
		return job.Wrap(job.ErrConfiguration, "poll.interval must be positive")
	}
	if c.Poll.RateLimit < 0 || c.Poll.Burst < 0 {
		return job.Wrap(job.ErrConfiguration, "poll.rate_limit and poll.burst must not be negative")
	}
	switch strings.ToLower(c.Session.Store) {
	case "sqlite", "file":
	default:
		return job.Wrap(job.ErrConfiguration, "session.store must be sqlite or file, got %q", c.Session.Store)
	}
	return nil
}

// ResourceNames returns the configured resource names in sorted order.
func (c *Config) ResourceNames() []string {
	names := make([]string, 0, len(c.Resources))
	for name := range c.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
