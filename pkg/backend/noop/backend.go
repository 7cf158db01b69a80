// Package noop implements a backend that only pretends to run jobs.
//
// Every poll moves a job along a transition graph with configurable
// probabilities. Capacity is tracked like on a real resource, so the backend is
// useful for exercising admission and ranking without touching any host.
package noop

import (
	"context"
	"math/rand/v2"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gobatch/pkg/job"
)

// Type is the resource type name of this backend.
const Type = "noop"

// Config configures a simulated resource.
type Config struct {
	Resource job.Resource

	// Graph drives state changes; nil means NormalGraph.
	Graph Graph

	// Rand supplies the dice rolls. Tests pass a seeded source.
	Rand *rand.Rand

	Logger *zap.Logger
}

// charge is the capacity held by one simulated job.
type charge struct {
	cores  int
	memory job.Memory
	state  job.State
}

// Backend is a job.Backend that runs nothing.
type Backend struct {
	logger *zap.Logger
	graph  Graph

	mu     sync.Mutex
	rnd    *rand.Rand
	res    job.Resource
	status job.ResourceStatus
	jobs   map[string]*charge
	nextID int
}

var _ job.Backend = (*Backend)(nil)

// New returns a simulated backend with all of cfg.Resource's capacity free.
func New(cfg Config) (*Backend, error) {
	res := cfg.Resource
	if res.Name == "" {
		return nil, job.Wrap(job.ErrConfiguration, "resource has no name")
	}
	if res.MaxCores < 1 {
		return nil, job.Wrap(job.ErrConfiguration, "resource %s: max_cores must be at least 1", res.Name)
	}
	res.Type = Type
	if res.Frontend == "" {
		res.Frontend = "localhost"
	}
	if res.MaxCoresPerJob == 0 {
		res.MaxCoresPerJob = res.MaxCores
	}

	graph := cfg.Graph
	if graph == nil {
		graph = NormalGraph()
	}
	sorted := make(Graph, len(graph))
	for from, ts := range graph {
		sorted[from] = sortTransitions(ts)
	}

	rnd := cfg.Rand
	if rnd == nil {
		seed := uint64(time.Now().UnixNano())
		rnd = rand.New(rand.NewPCG(seed, seed>>1))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Backend{
		logger: logger.With(zap.String("resource", res.Name)),
		graph:  sorted,
		rnd:    rnd,
		res:    res,
		status: job.ResourceStatus{
			FreeSlots:       res.MaxCores,
			AvailableMemory: job.Memory(res.MaxCores) * res.MaxMemoryPerCore,
		},
		jobs: make(map[string]*charge),
	}, nil
}

func (b *Backend) Name() string { return b.res.Name }

func (b *Backend) Resource() job.Resource {
	res := b.res
	res.Architectures = append([]string(nil), b.res.Architectures...)
	return res
}

func (b *Backend) Status() job.ResourceStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// UpdateStatus has nothing to query; it marks the counters as fresh.
func (b *Backend) UpdateStatus(context.Context) (job.ResourceStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.Updated = true
	b.status.UpdatedAt = time.Now().UTC()
	return b.status, nil
}

// SubmitJob reserves the requested capacity. Submission still fails when the
// resource is full.
func (b *Backend) SubmitJob(_ context.Context, t *job.Task) (job.State, error) {
	if err := t.App.Validate(); err != nil {
		return t.State(), err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cores := t.App.Cores()
	if b.status.FreeSlots-cores < 0 {
		return t.State(), job.Wrap(job.ErrAdmission,
			"resource %s already running the maximum allowed number of jobs (%d cores); increase max_cores to raise",
			b.res.Name, b.res.MaxCores)
	}
	mem := t.App.RequestedMemory
	if mem > 0 && b.status.AvailableMemory < mem {
		return t.State(), job.Wrap(job.ErrAdmission,
			"resource %s does not have enough available memory: %s requested, %s available",
			b.res.Name, mem, b.status.AvailableMemory)
	}

	b.nextID++
	id := "noop-" + strconv.Itoa(b.nextID)
	t.Execution.LRMSJobID = id
	b.jobs[id] = &charge{cores: cores, memory: mem, state: job.StateSubmitted}
	b.status.FreeSlots -= cores
	b.status.AvailableMemory -= mem
	b.status.Queued++
	b.status.UserQueued++

	b.logger.Debug("Faking execution of command", zap.String("task", t.String()), zap.Strings("arguments", t.App.Arguments))
	return job.StateSubmitted, nil
}

// UpdateJobState rolls the dice once and follows the graph from the task's
// current state. Jobs submitted by another process are not in b.jobs; they
// move along the graph all the same but hold no capacity here.
func (b *Backend) UpdateJobState(_ context.Context, t *job.Task) (job.State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := t.Execution.LRMSJobID
	if id == "" {
		return t.State(), job.Wrap(job.ErrUnknownJob, "task %s was not submitted to %s", t, b.res.Name)
	}
	from := t.State()
	dice := b.rnd.Float64()
	to, moved := b.graph.next(from, dice)
	b.logger.Debug("Rolled dice", zap.String("task", t.String()), zap.Float64("dice", dice), zap.Stringer("from", from), zap.Stringer("to", to))
	if !moved || to == from {
		return from, nil
	}

	if c, ok := b.jobs[id]; ok {
		b.leave(c)
		c.state = to
		switch to {
		case job.StateRunning:
			b.status.UserRun++
		case job.StateSubmitted:
			b.status.Queued++
			b.status.UserQueued++
		case job.StateTerminating:
			b.release(id, c)
		}
	}
	if to == job.StateTerminating {
		t.Execution.SetTermStatus(0, 0)
	}
	return to, nil
}

// leave undoes the queue counters of c's current state. Callers hold b.mu.
func (b *Backend) leave(c *charge) {
	switch c.state {
	case job.StateSubmitted:
		b.status.Queued--
		b.status.UserQueued--
	case job.StateRunning:
		b.status.UserRun--
	}
}

// release returns c's capacity. Callers hold b.mu.
func (b *Backend) release(id string, c *charge) {
	b.status.FreeSlots += c.cores
	b.status.AvailableMemory += c.memory
	delete(b.jobs, id)
}

// CancelJob returns the job's capacity to the pool.
func (b *Backend) CancelJob(_ context.Context, t *job.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := t.Execution.LRMSJobID
	if c, ok := b.jobs[id]; ok {
		b.leave(c)
		b.release(id, c)
	}
	return nil
}

// GetResults fails for any declared output: nothing is ever produced.
func (b *Backend) GetResults(_ context.Context, t *job.Task, _ string, _, _ bool) error {
	if len(t.App.Outputs) > 0 {
		return job.Wrap(job.ErrDataStaging, "retrieval of output files is not supported by the %s backend", Type)
	}
	return nil
}

func (b *Backend) Free(context.Context, *job.Task) error { return nil }

func (b *Backend) Peek(context.Context, *job.Task, string, int64, int64) ([]byte, error) {
	return nil, job.Wrap(job.ErrInvalidOperation, "peek is not supported by the %s backend", Type)
}

// ValidateData accepts only plain relative paths since the backend performs no
// I/O.
func (b *Backend) ValidateData(refs []*url.URL) bool {
	for _, u := range refs {
		if u != nil && u.Scheme != "" {
			return false
		}
	}
	return true
}

func (b *Backend) Close() error { return nil }
