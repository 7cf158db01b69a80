package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/gobatch/pkg/job"
)

// Broker submits tasks to the best of a fixed set of backends.
type Broker struct {
	backends []job.Backend
	logger   *zap.Logger
}

// NewBroker returns a broker over backends. A nil logger discards output.
func NewBroker(backends []job.Backend, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{backends: backends, logger: logger}
}

// Backends returns the broker's backends in configuration order.
func (br *Broker) Backends() []job.Backend {
	return append([]job.Backend(nil), br.backends...)
}

// Lookup returns the backend with the given resource name.
func (br *Broker) Lookup(name string) (job.Backend, bool) {
	for _, b := range br.backends {
		if b.Name() == name {
			return b, true
		}
	}
	return nil, false
}

// Submit finds a compatible backend for t and submits to it, trying the
// candidates in ranked order until one accepts. Failed attempts are handed to
// the task's error policy together; when the policy swallows them the task
// stays in NEW.
func (br *Broker) Submit(ctx context.Context, t *job.Task) error {
	if s := t.State(); s != job.StateNew {
		return job.Wrap(job.ErrInvalidOperation, "cannot submit %s in state %s", t, s)
	}
	if err := t.CheckInputs(); err != nil {
		return err
	}

	var enabled []job.Backend
	for _, b := range br.backends {
		if b.Resource().Enabled {
			enabled = append(enabled, b)
		}
	}
	if len(enabled) == 0 {
		return job.Wrap(job.ErrNoResources, "no enabled resources")
	}

	candidates := Compatible(&t.App, enabled, br.logger)
	if len(candidates) == 0 {
		return job.Wrap(job.ErrNoResources, "no resource is compatible with %s", t)
	}

	if len(candidates) > 1 {
		for _, b := range candidates {
			if _, err := b.UpdateStatus(ctx); err != nil {
				br.logger.Warn("Could not update resource status, ranking with stale data",
					zap.String("resource", b.Name()), zap.Error(err))
			}
		}
	}

	ranked := Rank(t, candidates)
	var errs []error
	for _, b := range ranked {
		br.logger.Debug("Trying resource", zap.String("task", t.String()), zap.String("resource", b.Name()))
		err := t.SubmitTo(ctx, b)
		if err == nil {
			br.logger.Debug("Task submitted", zap.String("task", t.String()), zap.String("resource", b.Name()))
			return nil
		}
		br.logger.Debug("Resource refused task", zap.String("task", t.String()), zap.String("resource", b.Name()), zap.Error(err))
		errs = append(errs, err)
	}

	policy := t.Errors
	if policy == nil {
		policy = job.DefaultErrorPolicy{}
	}
	return policy.SubmitError(errs)
}
