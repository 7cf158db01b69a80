package shellcmd

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/gobatch/pkg/accounting"
	"github.com/3leaps/gobatch/pkg/job"
	"github.com/3leaps/gobatch/pkg/transport"
)

// SubmitJob admits the job against the recorded load, stages its inputs into a
// fresh execution directory and launches the wrapper detached. Anything
// acquired before a failure is released again.
func (b *Backend) SubmitJob(ctx context.Context, t *job.Task) (job.State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	app := &t.App
	if err := app.Validate(); err != nil {
		return t.State(), err
	}
	if err := b.ensureSpecs(ctx); err != nil {
		return t.State(), err
	}
	if err := b.admit(app); err != nil {
		return t.State(), err
	}

	execDir, err := b.makeExecDir(ctx)
	if err != nil {
		return t.State(), err
	}
	t.Execution.LRMSExecDir = execDir
	t.Execution.LRMSJobID = ""

	pid, err := b.launch(ctx, t, execDir)
	if err != nil {
		b.logger.Debug("Freeing resources used by failed submission", zap.String("task", t.String()))
		b.release(ctx, t)
		return t.State(), err
	}

	rec := accounting.Record{
		PID:             pid,
		RequestedCores:  app.Cores(),
		RequestedMemory: app.RequestedMemory,
		ExecutionDir:    execDir,
	}
	t.Execution.LRMSJobID = strconv.Itoa(pid)
	if err := b.store.Write(&rec); err != nil {
		b.logger.Error("Cannot persist accounting record, cancelling job", zap.Int("pid", pid), zap.Error(err))
		_ = b.cancel(ctx, pid)
		b.release(ctx, t)
		return t.State(), job.WrapCause(job.ErrSubmission, err, "persist accounting record")
	}
	b.records[pid] = rec
	b.recompute()

	b.logger.Info("Started job", zap.String("task", t.String()), zap.Int("pid", pid), zap.String("execdir", execDir))
	return job.StateSubmitted, nil
}

// admit checks the request against both the in-memory records and the store,
// then adopts the store's view. Callers hold b.mu.
func (b *Backend) admit(app *job.Application) error {
	cached := b.cachedTotals()
	stored, err := b.reload()
	if err != nil {
		return err
	}
	cores := app.Cores()
	used := max(cached.UsedCores, stored.UsedCores)
	if free := b.res.MaxCores - used; cores > free {
		return job.Wrap(job.ErrAdmission,
			"resource %s has %d free cores, %d requested (max_cores=%d)", b.res.Name, max(free, 0), cores, b.res.MaxCores)
	}
	if app.RequestedMemory > 0 && b.totalMemory > 0 {
		usedMem := max(cached.UsedMemory, stored.UsedMemory)
		if avail := b.totalMemory - usedMem; app.RequestedMemory > avail {
			return job.Wrap(job.ErrAdmission,
				"resource %s has %s memory available, %s requested", b.res.Name, avail, app.RequestedMemory)
		}
	}
	return nil
}

func (b *Backend) makeExecDir(ctx context.Context) (string, error) {
	command := "mktemp -d " + transport.Quote(path.Join(b.spoolDir, execDirTemplate))
	res, err := b.t.Execute(ctx, command)
	if err != nil {
		return "", job.WrapCause(job.ErrSubmission, err, "create execution directory on %s", b.t.Frontend())
	}
	dir := strings.TrimSpace(res.Stdout)
	if !res.OK() || dir == "" {
		return "", job.Wrap(job.ErrSubmission, "create execution directory on %s: %s", b.t.Frontend(), strings.TrimSpace(res.Stderr))
	}
	return dir, nil
}

// launch stages inputs, writes the wrapper, starts it and waits for its pid.
func (b *Backend) launch(ctx context.Context, t *job.Task, execDir string) (int, error) {
	app := &t.App
	if err := b.stageInputs(ctx, app, execDir); err != nil {
		return 0, err
	}

	if exe, ok := strings.CutPrefix(app.Arguments[0], "./"); ok {
		if err := b.t.Chmod(path.Join(execDir, exe), 0755); err != nil {
			b.logger.Warn("Failed setting execute bit on job executable", zap.String("path", exe), zap.Error(err))
		}
	}

	for _, rel := range []string{app.Stdout, app.Stderr} {
		if rel == "" {
			continue
		}
		if dir := path.Dir(rel); dir != "." {
			if err := b.t.MakeDirs(path.Join(execDir, dir), 0755); err != nil {
				return 0, job.WrapCause(job.ErrSubmission, err, "create output directory %s", dir)
			}
		}
	}

	wdir := path.Join(execDir, wrapperDir)
	if err := b.t.MakeDirs(wdir, 0755); err != nil {
		return 0, job.WrapCause(job.ErrSubmission, err, "create wrapper directory")
	}
	script, err := wrapperScriptFor(app, execDir, b.timeCmd)
	if err != nil {
		return 0, err
	}
	scriptPath := path.Join(wdir, wrapperScript)
	if err := transport.WriteFile(b.t, scriptPath, []byte(script), 0755); err != nil {
		return 0, job.WrapCause(job.ErrSubmission, err, "write wrapper script")
	}
	if err := b.t.Chmod(scriptPath, 0755); err != nil {
		return 0, job.WrapCause(job.ErrSubmission, err, "make wrapper script executable")
	}

	if err := b.t.ExecuteDetached(ctx, transport.Quote(scriptPath)); err != nil {
		return 0, job.WrapCause(job.ErrSubmission, err, "launch wrapper script")
	}

	pidPath := path.Join(wdir, wrapperPID)
	data, err := transport.ReadFileWithRetry(ctx, b.t, pidPath, b.cfg.PIDBackoff)
	if err != nil {
		b.reapLateWrapper(ctx, pidPath, execDir)
		return 0, job.WrapCause(job.ErrSubmission, err, "read pid file of submitted process from %s", execDir)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, job.Wrap(job.ErrSubmission, "invalid pid %q in %s", strings.TrimSpace(string(data)), pidPath)
	}
	return pid, nil
}

// reapLateWrapper handles a wrapper that was launched but did not report its
// pid in time. The caller is about to drop the exec dir, so a process that did
// start would run without an accounting record: kill it if the pid shows up on
// one last look, otherwise report the possible orphan.
func (b *Backend) reapLateWrapper(ctx context.Context, pidPath, execDir string) {
	data, err := transport.ReadFile(b.t, pidPath)
	pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || perr != nil || pid <= 0 {
		b.logger.Error("Wrapper launched but wrote no pid; a job process may be running untracked",
			zap.String("exec_dir", execDir))
		return
	}
	if err := b.cancel(ctx, pid); err != nil {
		b.logger.Error("Could not kill late wrapper process; it runs untracked",
			zap.Int("pid", pid), zap.String("exec_dir", execDir), zap.Error(err))
		return
	}
	b.logger.Warn("Killed wrapper process that reported its pid too late", zap.Int("pid", pid))
}

func (b *Backend) stageInputs(ctx context.Context, app *job.Application, execDir string) error {
	for _, in := range app.Inputs {
		remote := path.Join(execDir, in.Dest)
		if parent := path.Dir(remote); parent != execDir {
			if err := b.t.MakeDirs(parent, 0755); err != nil {
				return job.WrapCause(job.ErrDataStaging, err, "create input directory %s", parent)
			}
		}

		local := filepath.FromSlash(in.Source.Path)
		if !job.IsLocalRef(in.Source) {
			tmp, err := os.MkdirTemp("", "gobatch-stage-*")
			if err != nil {
				return job.WrapCause(job.ErrDataStaging, err, "create staging directory")
			}
			defer func() { _ = os.RemoveAll(tmp) }()
			local = filepath.Join(tmp, path.Base(in.Dest))
			if err := b.stagers.Download(ctx, in.Source, local); err != nil {
				return job.WrapCause(job.ErrDataStaging, err, "download input %s", in.Source)
			}
		}

		b.logger.Debug("Transferring input", zap.String("src", in.Source.String()), zap.String("dst", remote))
		if err := b.t.Put(ctx, local, remote, transport.CopyOptions{Overwrite: true}); err != nil {
			return job.WrapCause(job.ErrDataStaging, err, "copy input %s to %s", in.Source, b.t.Frontend())
		}
	}
	return nil
}

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// wrapperScriptFor renders the script that runs app under GNU time. The pid is
// written before anything else so the backend can find the process even if a
// later line fails.
func wrapperScriptFor(app *job.Application, execDir, timeCmd string) (string, error) {
	wdir := path.Join(execDir, wrapperDir)

	var redirs []string
	if app.Stdin != "" {
		redirs = append(redirs, "<"+transport.Quote(app.Stdin))
	}
	if app.Stdout != "" {
		redirs = append(redirs, ">"+transport.Quote(app.Stdout))
	}
	switch {
	case app.Join:
		redirs = append(redirs, "2>&1")
	case app.Stderr != "":
		redirs = append(redirs, "2>"+transport.Quote(app.Stderr))
	}

	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&sb, "echo $$ >%s\n", transport.Quote(path.Join(wdir, wrapperPID)))
	fmt.Fprintf(&sb, "cd %s || exit 126\n", transport.Quote(execDir))
	if len(redirs) > 0 {
		fmt.Fprintf(&sb, "exec %s\n", strings.Join(redirs, " "))
	}

	names := make([]string, 0, len(app.Environment))
	for k := range app.Environment {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if !envName.MatchString(k) {
			return "", job.Wrap(job.ErrSubmission, "invalid environment variable name %q", k)
		}
		fmt.Fprintf(&sb, "%s=%s; export %s\n", k, transport.QuoteExpandable(app.Environment[k]), k)
	}

	args := make([]string, len(app.Arguments))
	for i, a := range app.Arguments {
		args[i] = transport.QuoteExpandable(a)
	}
	fmt.Fprintf(&sb, "%s -o %s -f %s %s\n",
		transport.Quote(timeCmd),
		transport.Quote(path.Join(wdir, wrapperOutput)),
		transport.Quote(timeFormat),
		strings.Join(args, " "))
	sb.WriteString("exit $?\n")
	return sb.String(), nil
}

// release undoes a partial submission. Callers hold b.mu.
func (b *Backend) release(ctx context.Context, t *job.Task) {
	if dir := t.Execution.LRMSExecDir; dir != "" {
		if err := b.t.RemoveTree(ctx, dir); err != nil {
			b.logger.Warn("Could not remove execution directory", zap.String("dir", dir), zap.Error(err))
		} else {
			t.Execution.LRMSExecDir = ""
		}
	}
	if pid, ok := jobPID(t); ok {
		if err := b.store.Delete(pid); err != nil {
			b.logger.Warn("Could not delete accounting record", zap.Int("pid", pid), zap.Error(err))
		}
		delete(b.records, pid)
		b.recompute()
	}
}
