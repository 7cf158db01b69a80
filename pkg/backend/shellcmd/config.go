// Package shellcmd runs jobs as ordinary detached processes on the local
// machine or on a host reached over SSH.
//
// The backend keeps no connection to a running job. Everything it needs to find
// the job again lives in files: the wrapper writes its pid and an accounting
// report into the execution directory, and the backend keeps one accounting
// record per pid under the resource directory. A fresh backend instance reading
// that directory sees the same used capacity as the one that submitted.
package shellcmd

import (
	"github.com/3leaps/gobatch/pkg/job"
	"github.com/3leaps/gobatch/pkg/staging"
	"github.com/3leaps/gobatch/pkg/transport"

	"go.uber.org/zap"
)

// Type is the resource type name used in configuration.
const Type = "shellcmd"

// DefaultResourceDir holds accounting records; it is expanded by the target
// host's shell.
const DefaultResourceDir = "$HOME/.gobatch/shellcmd.d"

const (
	wrapperDir      = ".gobatch"
	wrapperScript   = "wrapper_script.sh"
	wrapperOutput   = "resource_usage.txt"
	wrapperPID      = "wrapper.pid"
	fallbackSpool   = "/var/tmp"
	execDirTemplate = "gobatch.XXXXXX"
)

// Config configures a shellcmd backend.
type Config struct {
	Resource  job.Resource
	Transport transport.Transport

	// TimeCmd is tried first when looking for GNU time.
	TimeCmd string

	// SpoolDir is where execution directories are created. Empty means
	// $TMPDIR on the target host, or /var/tmp.
	SpoolDir string

	// ResourceDir holds the accounting records. Empty means DefaultResourceDir.
	ResourceDir string

	// Override replaces the configured cores and memory with the values
	// detected on the target host.
	Override bool

	// Stagers handles input and output references that are not local files.
	// Nil means local files only.
	Stagers *staging.Registry

	// PIDBackoff bounds the wait for a launched wrapper to write its pid.
	// The zero value means transport.DefaultBackoff.
	PIDBackoff transport.Backoff

	Logger *zap.Logger
}

func (c *Config) validate() error {
	if c.Resource.Name == "" {
		return job.Wrap(job.ErrConfiguration, "shellcmd resource has no name")
	}
	if c.Resource.MaxCores < 1 {
		return job.Wrap(job.ErrConfiguration, "resource %s: max_cores must be at least 1", c.Resource.Name)
	}
	if c.Resource.MaxCoresPerJob < 0 || c.Resource.MaxMemoryPerCore < 0 || c.Resource.MaxWalltime < 0 {
		return job.Wrap(job.ErrConfiguration, "resource %s: negative limits", c.Resource.Name)
	}
	if c.Transport == nil {
		return job.Wrap(job.ErrConfiguration, "resource %s: no transport", c.Resource.Name)
	}
	return nil
}
