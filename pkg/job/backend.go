package job

import (
	"context"
	"net/url"
	"time"
)

// Resource is the static description of one execution endpoint.
// It is set once when the backend is built and never changes afterwards.
type Resource struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Frontend string `json:"frontend"`
	Enabled  bool   `json:"enabled"`

	// Architectures the endpoint can run (e.g. "x86_64", "arm64").
	Architectures []string `json:"architectures"`

	MaxCores         int           `json:"max_cores"`
	MaxCoresPerJob   int           `json:"max_cores_per_job"`
	MaxMemoryPerCore Memory        `json:"max_memory_per_core"`
	MaxWalltime      time.Duration `json:"max_walltime"`
}

// SupportsArchitecture reports whether arch is one of the resource's
// architectures. An empty request matches any resource.
func (r Resource) SupportsArchitecture(arch string) bool {
	if arch == "" {
		return true
	}
	arch = NormalizeArchitecture(arch)
	for _, a := range r.Architectures {
		if NormalizeArchitecture(a) == arch {
			return true
		}
	}
	return false
}

// NormalizeArchitecture maps the spellings reported by uname and used in
// configuration onto one name per architecture.
func NormalizeArchitecture(arch string) string {
	switch arch {
	case "x86_64", "amd64", "x86-64", "x64":
		return "x86_64"
	case "i386", "i486", "i586", "i686", "x86", "x86_32":
		return "i686"
	case "aarch64", "arm64":
		return "arm64"
	}
	return arch
}

// ResourceStatus holds the live counters of a resource. It is a cache computed by
// the owning backend; callers receive copies.
type ResourceStatus struct {
	FreeSlots       int       `json:"free_slots"`
	AvailableMemory Memory    `json:"available_memory"`
	UserRun         int       `json:"user_run"`
	UserQueued      int       `json:"user_queued"`
	Queued          int       `json:"queued"`
	Updated         bool      `json:"updated"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// Backend runs jobs on one execution endpoint.
//
// Submit and poll return the new state instead of writing it; the Task applies
// it so that a failed call never moves the state machine.
type Backend interface {
	// Name is the resource name.
	Name() string

	// Resource returns the static resource description.
	Resource() Resource

	// Status returns the last computed live counters.
	Status() ResourceStatus

	// UpdateStatus recomputes the live counters from the backend's bookkeeping.
	UpdateStatus(ctx context.Context) (ResourceStatus, error)

	// SubmitJob stages inputs and starts the job, returning SUBMITTED or RUNNING.
	SubmitJob(ctx context.Context, t *Task) (State, error)

	// UpdateJobState performs one liveness check and returns the observed state.
	UpdateJobState(ctx context.Context, t *Task) (State, error)

	// GetResults copies declared outputs into dest; missing outputs are skipped.
	GetResults(ctx context.Context, t *Task, dest string, overwrite, changedOnly bool) error

	// CancelJob asks the job to stop. A job that already exited is not an error.
	CancelJob(ctx context.Context, t *Task) error

	// Free releases the execution directory and bookkeeping. Idempotent.
	Free(ctx context.Context, t *Task) error

	// Peek reads size bytes at offset from a file in the execution directory.
	// A negative offset counts from the end of the file.
	Peek(ctx context.Context, t *Task, remotePath string, offset, size int64) ([]byte, error)

	// ValidateData reports whether every reference uses a supported scheme.
	ValidateData(refs []*url.URL) bool

	Close() error
}
