package shellcmd

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gobatch/pkg/accounting"
	"github.com/3leaps/gobatch/pkg/job"
	"github.com/3leaps/gobatch/pkg/staging"
	"github.com/3leaps/gobatch/pkg/transport"
)

// Backend is a job.Backend that runs each job as a detached process.
type Backend struct {
	cfg     Config
	t       transport.Transport
	stagers *staging.Registry
	logger  *zap.Logger

	// mu serializes admission decisions and all bookkeeping below.
	mu          sync.Mutex
	res         job.Resource
	specsLoaded bool
	kernel      string
	timeCmd     string
	spoolDir    string
	totalMemory job.Memory
	store       *accounting.Store
	records     map[int]accounting.Record
	status      job.ResourceStatus
}

var _ job.Backend = (*Backend)(nil)

// New returns a backend for cfg. The target host is not contacted until the
// first operation that needs it.
func New(cfg Config) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stagers == nil {
		cfg.Stagers = staging.NewRegistry()
	}
	if cfg.PIDBackoff.MaxAttempts == 0 {
		cfg.PIDBackoff = transport.DefaultBackoff()
	}
	res := cfg.Resource
	res.Type = Type
	res.Frontend = cfg.Transport.Frontend()
	if res.MaxCoresPerJob == 0 {
		res.MaxCoresPerJob = res.MaxCores
	}
	b := &Backend{
		cfg:     cfg,
		t:       cfg.Transport,
		stagers: cfg.Stagers,
		logger:  cfg.Logger.With(zap.String("resource", res.Name)),
		res:     res,
		records: make(map[int]accounting.Record),
	}
	b.totalMemory = b.configuredMemory()
	b.recompute()
	return b, nil
}

func (b *Backend) configuredMemory() job.Memory {
	return job.Memory(b.res.MaxCores) * b.res.MaxMemoryPerCore
}

func (b *Backend) Name() string { return b.res.Name }

func (b *Backend) Resource() job.Resource {
	b.mu.Lock()
	defer b.mu.Unlock()
	res := b.res
	res.Architectures = append([]string(nil), b.res.Architectures...)
	return res
}

func (b *Backend) Status() job.ResourceStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// UpdateStatus re-reads the accounting store and recomputes the counters.
func (b *Backend) UpdateStatus(ctx context.Context) (job.ResourceStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.status.Updated = false
	if err := b.ensureSpecs(ctx); err != nil {
		return b.status, err
	}
	if _, err := b.reload(); err != nil {
		return b.status, err
	}
	b.status.Updated = true
	b.status.UpdatedAt = time.Now().UTC()
	b.logger.Debug("Recovered resource information from accounting records",
		zap.String("dir", b.store.RootDir()),
		zap.Int("free_slots", b.status.FreeSlots),
		zap.Stringer("available_memory", b.status.AvailableMemory))
	return b.status, nil
}

// reload replaces the in-memory records with the store's and returns the
// store totals. Callers hold b.mu.
func (b *Backend) reload() (accounting.Totals, error) {
	totals, records, err := b.store.Totals()
	if err != nil {
		return accounting.Totals{}, job.WrapCause(job.ErrTransport, err, "read accounting records")
	}
	b.records = make(map[int]accounting.Record, len(records))
	for _, r := range records {
		b.records[r.PID] = r
	}
	b.recompute()
	return totals, nil
}

func (b *Backend) cachedTotals() accounting.Totals {
	records := make([]accounting.Record, 0, len(b.records))
	for _, r := range b.records {
		records = append(records, r)
	}
	return accounting.Sum(records)
}

// recompute derives the live counters from the in-memory records.
func (b *Backend) recompute() {
	totals := b.cachedTotals()
	b.status.FreeSlots = b.res.MaxCores - totals.UsedCores
	b.status.AvailableMemory = b.totalMemory - totals.UsedMemory
	b.status.UserRun = totals.Running
	b.status.UserQueued = 0
	b.status.Queued = 0
}

// ValidateData accepts local files and any scheme a stager is registered for.
func (b *Backend) ValidateData(refs []*url.URL) bool {
	for _, u := range refs {
		if u == nil || job.IsLocalRef(u) {
			continue
		}
		if !b.stagers.Supports(u.Scheme) {
			return false
		}
	}
	return true
}

func (b *Backend) Close() error {
	return b.t.Close()
}

func jobPID(t *job.Task) (int, bool) {
	pid, err := strconv.Atoi(t.Execution.LRMSJobID)
	return pid, err == nil && pid > 0
}
