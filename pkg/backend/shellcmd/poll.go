package shellcmd

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gobatch/pkg/job"
	"github.com/3leaps/gobatch/pkg/transport"
)

// sigterm is reported for jobs cancelled over their walltime.
const sigterm job.Signal = 15

// termStatus overrides the status read from the accounting file.
type termStatus struct {
	signal   job.Signal
	exitcode int
}

// UpdateJobState checks once whether the job's process is still alive.
func (b *Backend) UpdateJobState(ctx context.Context, t *job.Task) (job.State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pid, ok := jobPID(t)
	if !ok {
		return t.State(), job.Wrap(job.ErrUnknownJob, "task %s has no process id", t)
	}
	if err := b.ensureSpecs(ctx); err != nil {
		return t.State(), err
	}

	res, err := b.t.Execute(ctx, fmt.Sprintf("ps -p %d -o stat=", pid))
	if err != nil {
		return t.State(), job.WrapCause(job.ErrTransport, err, "query process %d", pid)
	}
	stat := strings.TrimSpace(res.Stdout)
	if !res.OK() || stat == "" {
		b.logger.Debug("Process not found, assuming it finished", zap.Int("pid", pid), zap.String("task", t.String()))
		return b.cleanupTerminating(ctx, t, pid, nil)
	}

	switch stat[0] {
	case 'T':
		return job.StateStopped, nil
	case 'Z':
		b.logger.Debug("Process is a zombie, assuming it finished", zap.Int("pid", pid))
		return b.cleanupTerminating(ctx, t, pid, nil)
	case 'R', 'I', 'U', 'S', 'D', 'W':
	default:
		b.logger.Warn("Unrecognized process status, treating as running", zap.Int("pid", pid), zap.String("stat", stat))
	}

	limit := b.walltimeLimit(&t.App)
	if limit <= 0 {
		return job.StateRunning, nil
	}
	res, err = b.t.Execute(ctx, fmt.Sprintf("ps -p %d -o etime=", pid))
	if err != nil {
		return t.State(), job.WrapCause(job.ErrTransport, err, "query elapsed time of process %d", pid)
	}
	if !res.OK() || strings.TrimSpace(res.Stdout) == "" {
		return b.cleanupTerminating(ctx, t, pid, nil)
	}
	elapsed, err := parseElapsed(res.Stdout)
	if err != nil {
		b.logger.Warn("Cannot parse elapsed time", zap.Int("pid", pid), zap.Error(err))
		return job.StateRunning, nil
	}
	if elapsed <= limit {
		return job.StateRunning, nil
	}

	b.logger.Warn("Job exceeded its walltime, cancelling it",
		zap.String("task", t.String()), zap.Duration("elapsed", elapsed), zap.Duration("limit", limit))
	if err := b.cancel(ctx, pid); err != nil {
		return t.State(), err
	}
	return b.cleanupTerminating(ctx, t, pid, &termStatus{signal: sigterm, exitcode: -1})
}

// walltimeLimit is the tighter of the job's request and the resource ceiling.
func (b *Backend) walltimeLimit(app *job.Application) time.Duration {
	limit := app.RequestedWalltime
	if m := b.res.MaxWalltime; m > 0 && (limit <= 0 || m < limit) {
		limit = m
	}
	return limit
}

// cleanupTerminating releases the job's capacity and reads its accounting
// report. Without a report the job is marked as a remote error and
// ErrInvalidState is returned, unless status already supplies the outcome.
// Callers hold b.mu.
func (b *Backend) cleanupTerminating(ctx context.Context, t *job.Task, pid int, status *termStatus) (job.State, error) {
	if rec, ok := b.records[pid]; ok {
		rec.Terminated = true
		b.records[pid] = rec
	}
	defer func() {
		if err := b.store.Delete(pid); err != nil {
			b.logger.Warn("Could not delete accounting record", zap.Int("pid", pid), zap.Error(err))
		}
		delete(b.records, pid)
		b.recompute()
	}()

	if status != nil {
		t.Execution.SetTermStatus(status.signal, status.exitcode)
	}

	report := path.Join(t.Execution.LRMSExecDir, wrapperDir, wrapperOutput)
	data, err := transport.ReadFile(b.t, report)
	if err != nil {
		if status != nil {
			b.logger.Debug("No accounting report for cancelled job", zap.Int("pid", pid))
			return job.StateTerminating, nil
		}
		b.logger.Warn("Could not read accounting report; termination status and usage are unset",
			zap.String("file", report), zap.String("task", t.String()), zap.Error(err))
		t.Execution.SetTermStatus(job.SignalRemoteError, -1)
		return t.State(), job.WrapCause(job.ErrInvalidState, err,
			"process %d is gone but left no accounting report", pid)
	}

	usage, err := parseUsage(bytes.NewReader(data), b.logger)
	if err != nil {
		t.Execution.SetTermStatus(job.SignalRemoteError, -1)
		return t.State(), job.WrapCause(job.ErrInvalidState, err, "parse accounting report %s", report)
	}
	usage.apply(t.Execution)
	if status == nil {
		shell, ok := usage.shellStatus()
		if !ok {
			t.Execution.SetTermStatus(job.SignalRemoteError, -1)
			return t.State(), job.Wrap(job.ErrInvalidState, "accounting report %s has no return code", report)
		}
		t.Execution.SetTermStatus(job.TermStatusFromShell(shell))
	}
	return job.StateTerminating, nil
}

// CancelJob kills every process in the job's session. A process that already
// exited is not an error.
func (b *Backend) CancelJob(ctx context.Context, t *job.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pid, ok := jobPID(t)
	if !ok {
		return job.Wrap(job.ErrInvalidOperation, "task %s has no valid process id %q", t, t.Execution.LRMSJobID)
	}
	if err := b.ensureSpecs(ctx); err != nil {
		return err
	}
	if err := b.cancel(ctx, pid); err != nil {
		return err
	}
	if err := b.store.Delete(pid); err != nil {
		b.logger.Warn("Could not delete accounting record", zap.Int("pid", pid), zap.Error(err))
	}
	delete(b.records, pid)
	b.recompute()
	return nil
}

// cancel signals the session of pid. The session id is looked up first since
// `kill -- -pgid` does not reach every process on all systems.
func (b *Backend) cancel(ctx context.Context, pid int) error {
	res, err := b.t.Execute(ctx, fmt.Sprintf("ps -p %d -o sess=", pid))
	if err != nil {
		return job.WrapCause(job.ErrTransport, err, "look up session of process %d", pid)
	}
	sess := strings.TrimSpace(res.Stdout)
	if !res.OK() || sess == "" {
		b.logger.Info("Process already gone, nothing to cancel", zap.Int("pid", pid))
		return nil
	}

	res, err = b.t.Execute(ctx, fmt.Sprintf(
		"kill $(ps -ax -o sess=,pid= | awk -v s=%s '$1 == s { print $2 }')", transport.Quote(sess)))
	if err != nil {
		return job.WrapCause(job.ErrTransport, err, "kill session %s", sess)
	}
	if res.OK() {
		return nil
	}

	check, err := b.t.Execute(ctx, fmt.Sprintf("ps -p %d -o pid=", pid))
	if err == nil && check.OK() && strings.TrimSpace(check.Stdout) != "" {
		b.logger.Error("Could not kill job process", zap.Int("pid", pid), zap.String("stderr", strings.TrimSpace(res.Stderr)))
		return job.Wrap(job.ErrTransport, "kill process %d: %s", pid, strings.TrimSpace(res.Stderr))
	}
	b.logger.Info("Process exited while being cancelled", zap.Int("pid", pid))
	return nil
}
