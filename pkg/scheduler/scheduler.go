// Package scheduler picks the resource a job is submitted to.
//
// Compatible filters resources by what a job asks for, Rank orders the
// survivors by load, and Broker ties both to the actual submission.
package scheduler

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/gobatch/pkg/job"
)

// Compatible returns the backends able to run app, in input order. A backend
// is dropped when its resource is disabled, lacks the requested architecture,
// or when the request exceeds its per-job cores, memory or walltime, or uses a
// data reference the backend cannot handle.
func Compatible(app *job.Application, backends []job.Backend, logger *zap.Logger) []job.Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	refs := app.DataRefs()
	cores := app.Cores()

	var out []job.Backend
	for _, b := range backends {
		res := b.Resource()
		reason := ""
		switch {
		case !res.Enabled:
			reason = "disabled"
		case !res.SupportsArchitecture(app.RequestedArchitecture):
			reason = "architecture " + app.RequestedArchitecture + " not in [" + strings.Join(res.Architectures, ", ") + "]"
		case res.MaxCoresPerJob > 0 && cores > res.MaxCoresPerJob:
			reason = "too many cores requested"
		case app.RequestedMemory > 0 && res.MaxMemoryPerCore > 0 && app.RequestedMemory > job.Memory(cores)*res.MaxMemoryPerCore:
			reason = "too much memory requested"
		case app.RequestedWalltime > 0 && res.MaxWalltime > 0 && app.RequestedWalltime > res.MaxWalltime:
			reason = "walltime above resource limit"
		case !b.ValidateData(refs):
			reason = "unsupported data reference scheme"
		}
		if reason != "" {
			logger.Debug("Resource is not compatible with application",
				zap.String("resource", res.Name), zap.String("application", app.Name), zap.String("reason", reason))
			continue
		}
		out = append(out, b)
	}
	return out
}

// Rank orders backends for t, best first: fewer own queued jobs, then more
// free slots, fewer queued jobs overall, fewer own running jobs. Resources the
// task already ran on go last, keeping their relative order, so that a
// resubmission tries somewhere new first.
func Rank(t *job.Task, backends []job.Backend) []job.Backend {
	type entry struct {
		b      job.Backend
		status job.ResourceStatus
	}
	entries := make([]entry, len(backends))
	for i, b := range backends {
		entries[i] = entry{b: b, status: b.Status()}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].status, entries[j].status
		if a.UserQueued != b.UserQueued {
			return a.UserQueued < b.UserQueued
		}
		if a.FreeSlots != b.FreeSlots {
			return a.FreeSlots > b.FreeSlots
		}
		if a.Queued != b.Queued {
			return a.Queued < b.Queued
		}
		return a.UserRun < b.UserRun
	})

	tried := make(map[string]bool)
	if t != nil {
		for _, name := range t.Execution.ExecutionTargets {
			tried[name] = true
		}
	}
	ranked := make([]job.Backend, 0, len(entries))
	var demoted []job.Backend
	for _, e := range entries {
		if tried[e.b.Name()] {
			demoted = append(demoted, e.b)
			continue
		}
		ranked = append(ranked, e.b)
	}
	return append(ranked, demoted...)
}
