// Package engine drives tasks across the configured resources. It owns the
// broker that places new tasks and the store that remembers them between
// invocations, and reattaches loaded tasks to the backend they ran on.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gobatch/internal/config"
	"github.com/3leaps/gobatch/pkg/job"
	"github.com/3leaps/gobatch/pkg/persistence"
	"github.com/3leaps/gobatch/pkg/scheduler"
)

// Options assembles an Engine from parts.
type Options struct {
	Backends []job.Backend
	Store    persistence.Store

	// RateLimit caps backend polls per second; zero means unlimited.
	RateLimit float64
	Burst     int

	Logger *zap.Logger
}

// Engine methods may be called concurrently: task operations run one at a
// time, so a task is never polled and read at once.
type Engine struct {
	// mu serializes every operation that touches a task.
	mu sync.Mutex

	broker  *scheduler.Broker
	store   persistence.Store
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New returns an engine over opts. The engine takes ownership of the store and
// backends.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, job.Wrap(job.ErrConfiguration, "engine needs a task store")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	return &Engine{
		broker:  scheduler.NewBroker(opts.Backends, opts.Logger.Named("broker")),
		store:   opts.Store,
		limiter: rate.NewLimiter(limit, max(opts.Burst, 1)),
		logger:  opts.Logger,
	}, nil
}

// Open builds the backends and the session store described by cfg.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	backends, err := BuildBackends(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	store, err := persistence.Open(ctx, cfg.Session.Store, cfg.Session.Dir)
	if err != nil {
		closeAll(backends)
		return nil, err
	}
	return New(Options{
		Backends:  backends,
		Store:     store,
		RateLimit: cfg.Poll.RateLimit,
		Burst:     cfg.Poll.Burst,
		Logger:    logger,
	})
}

// Close releases the store and every backend.
func (e *Engine) Close() error {
	closeAll(e.broker.Backends())
	return e.store.Close()
}

func (e *Engine) Backends() []job.Backend { return e.broker.Backends() }

// ResourceView is a resource description paired with its live counters.
type ResourceView struct {
	job.Resource
	Status job.ResourceStatus `json:"status"`
	Error  string             `json:"error,omitempty"`
}

// Resources describes every resource. With refresh set, the counters of the
// enabled resources are recomputed first; a failed refresh is reported in the
// view rather than returned.
func (e *Engine) Resources(ctx context.Context, refresh bool) []ResourceView {
	backends := e.broker.Backends()
	views := make([]ResourceView, 0, len(backends))
	for _, b := range backends {
		v := ResourceView{Resource: b.Resource(), Status: b.Status()}
		if refresh && v.Enabled {
			status, err := b.UpdateStatus(ctx)
			v.Status = status
			if err != nil {
				v.Error = err.Error()
			}
			// Machine specs are read lazily and may have filled in resource fields.
			v.Resource = b.Resource()
		}
		views = append(views, v)
	}
	return views
}

// Submit stores a new task for app and places it on the best resource. A task
// that could not be placed is not kept.
func (e *Engine) Submit(ctx context.Context, app job.Application) (*job.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := job.NewTask(app)
	if _, err := e.store.Save(ctx, t); err != nil {
		return nil, err
	}
	if err := e.broker.Submit(ctx, t); err != nil {
		if rmErr := e.store.Remove(ctx, t.ID); rmErr != nil {
			e.logger.Warn("Could not discard unplaced task", zap.String("task", t.ID), zap.Error(rmErr))
		}
		return nil, err
	}
	e.logger.Info("Task submitted",
		zap.String("task", t.ID),
		zap.String("name", t.Name()),
		zap.String("resource", t.Execution.ResourceName))
	return t, e.save(ctx, t)
}

// Task loads a stored task and attaches it to the resource it last ran on.
// The caller must not use the task concurrently with other Engine calls.
func (e *Engine) Task(ctx context.Context, id string) (*job.Task, error) {
	t, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	e.attach(t)
	return t, nil
}

// attach binds t to its resource. A task whose resource is no longer
// configured stays detached and its operations fail with job.ErrDetached.
func (e *Engine) attach(t *job.Task) {
	name := t.Execution.ResourceName
	if name == "" {
		return
	}
	b, ok := e.broker.Lookup(name)
	if !ok {
		e.logger.Warn("Task resource is not configured", zap.String("task", t.ID), zap.String("resource", name))
		t.Detach()
		return
	}
	t.Attach(b)
}

func (e *Engine) save(ctx context.Context, t *job.Task) error {
	_, err := e.store.Save(ctx, t)
	return err
}

// List returns the stored task index.
func (e *Engine) List(ctx context.Context) ([]persistence.Record, error) {
	return e.store.List(ctx)
}

// Progress advances one task by one step and stores the result.
func (e *Engine) Progress(ctx context.Context, id string) (*job.Task, bool, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.Task(ctx, id)
	if err != nil {
		return nil, false, err
	}
	done, err := e.progress(ctx, t)
	return t, done, err
}

// progress runs one step of t. Callers hold e.mu and have waited on the
// limiter.
func (e *Engine) progress(ctx context.Context, t *job.Task) (bool, error) {
	if t.State() == job.StateTerminated {
		return true, nil
	}
	_, done, err := t.Progress(ctx)
	if saveErr := e.save(ctx, t); saveErr != nil {
		return done, errors.Join(err, saveErr)
	}
	return done, err
}

// Summary counts tasks by state after a ProgressAll pass.
type Summary struct {
	States map[job.State]int
	Failed int
	Errors int
}

// Pending reports whether any task has not reached TERMINATED.
func (s Summary) Pending() bool {
	for state, n := range s.States {
		if state != job.StateTerminated && n > 0 {
			return true
		}
	}
	return false
}

// ProgressAll advances every stored task that has not terminated. Per-task
// failures are logged and counted; only a failure to read the store or a
// cancelled context is returned.
func (e *Engine) ProgressAll(ctx context.Context) (Summary, error) {
	records, err := e.store.List(ctx)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{States: make(map[job.State]int)}
	for _, rec := range records {
		if rec.State == job.StateTerminated {
			sum.States[rec.State]++
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return sum, err
		}
		state, failed, err := e.progressOne(ctx, rec)
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			e.logger.Warn("Task progress failed", zap.String("task", rec.ID), zap.Error(err))
			sum.Errors++
		}
		sum.States[state]++
		if failed {
			sum.Failed++
		}
	}
	return sum, nil
}

func (e *Engine) progressOne(ctx context.Context, rec persistence.Record) (job.State, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.Task(ctx, rec.ID)
	if err != nil {
		return rec.State, false, err
	}
	_, err = e.progress(ctx, t)
	return t.State(), t.Execution.Failed(), err
}

// Loop runs ProgressAll every interval until ctx ends.
func (e *Engine) Loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sum, err := e.ProgressAll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("Progress pass failed", zap.Error(err))
		} else {
			e.logger.Debug("Progress pass complete",
				zap.Int("errors", sum.Errors),
				zap.Int("terminated", sum.States[job.StateTerminated]))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Wait drives one task until it terminates and returns its return code.
func (e *Engine) Wait(ctx context.Context, id string, interval time.Duration) (*job.Task, int, error) {
	for {
		t, done, err := e.Progress(ctx, id)
		if err != nil {
			return t, 0, err
		}
		if done {
			rc, _ := t.Execution.ReturnCode()
			return t, rc, nil
		}
		select {
		case <-ctx.Done():
			return t, 0, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Kill cancels a task and stores the result.
func (e *Engine) Kill(ctx context.Context, id string) (*job.Task, error) {
	return e.apply(ctx, id, func(t *job.Task) error { return t.Kill(ctx) })
}

// Fetch retrieves output into dir (the task's output directory when empty).
func (e *Engine) Fetch(ctx context.Context, id, dir string, overwrite, changedOnly bool) (*job.Task, error) {
	return e.apply(ctx, id, func(t *job.Task) error {
		_, err := t.FetchOutput(ctx, dir, overwrite, changedOnly)
		return err
	})
}

// Free releases the task's execution directory. With forget set the task is
// also removed from the store.
func (e *Engine) Free(ctx context.Context, id string, forget bool) error {
	t, err := e.apply(ctx, id, func(t *job.Task) error { return t.Free(ctx) })
	if err != nil {
		return err
	}
	if forget {
		return e.store.Remove(ctx, t.ID)
	}
	return nil
}

// Peek reads part of a task's stdout or stderr.
func (e *Engine) Peek(ctx context.Context, id string, stream job.Stream, offset, size int64) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.Task(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.Peek(ctx, stream, offset, size)
}

// apply runs op on a loaded task and stores the task whether or not op failed.
func (e *Engine) apply(ctx context.Context, id string, op func(*job.Task) error) (*job.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.Task(ctx, id)
	if err != nil {
		return nil, err
	}
	opErr := op(t)
	if err := e.save(ctx, t); err != nil {
		return t, errors.Join(opErr, err)
	}
	return t, opErr
}
