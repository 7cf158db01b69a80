package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HookFunc reacts to a Run entering a state. from is the state it left.
type HookFunc func(t *Task, from State)

// ErrorPolicy decides what happens to backend errors. Returning nil swallows the
// error; the state machine is never advanced on a swallowed error.
type ErrorPolicy interface {
	SubmitError(errs []error) error
	UpdateStateError(err error) error
	FetchOutputError(err error) error
}

// DefaultErrorPolicy re-raises everything.
type DefaultErrorPolicy struct{}

func (DefaultErrorPolicy) SubmitError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

func (DefaultErrorPolicy) UpdateStateError(err error) error { return err }

func (DefaultErrorPolicy) FetchOutputError(err error) error { return err }

// Stream selects one of the job's standard output files.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Task drives one Run through its lifecycle against an attached Backend.
//
// Calls on a single Task must be sequential. A Task with no backend attached
// rejects every operation except Attach with ErrDetached.
type Task struct {
	// ID is assigned by the persistence layer.
	ID string

	App       Application
	Execution *Run

	// UpdateOnError moves the Run to UNKNOWN when a poll fails.
	UpdateOnError bool

	// Errors converts backend errors; nil means DefaultErrorPolicy.
	Errors ErrorPolicy

	backend Backend
	hooks   map[State][]HookFunc
}

// NewTask returns a detached task in state NEW.
func NewTask(app Application) *Task {
	t := &Task{App: app, Execution: NewRun()}
	t.bind()
	return t
}

func (t *Task) bind() {
	if t.Execution == nil {
		t.Execution = NewRun()
	}
	t.Execution.onTransition = t.dispatch
}

func (t *Task) dispatch(from, to State) {
	for _, fn := range t.hooks[to] {
		fn(t, from)
	}
}

// OnTransition registers fn to run whenever the Run enters state s.
func (t *Task) OnTransition(s State, fn HookFunc) {
	if t.hooks == nil {
		t.hooks = make(map[State][]HookFunc)
	}
	t.hooks[s] = append(t.hooks[s], fn)
}

// Name returns the application name, falling back to the task id.
func (t *Task) Name() string {
	if t.App.Name != "" {
		return t.App.Name
	}
	return t.ID
}

func (t *Task) String() string {
	if t.ID != "" {
		return t.ID
	}
	return t.Name()
}

// Attach binds the task to a backend.
func (t *Task) Attach(b Backend) {
	t.backend = b
}

// Detach removes the backend binding.
func (t *Task) Detach() {
	t.backend = nil
}

// Backend returns the attached backend or ErrDetached.
func (t *Task) Backend() (Backend, error) {
	if t.backend == nil {
		return nil, fmt.Errorf("%w: %s", ErrDetached, t)
	}
	return t.backend, nil
}

func (t *Task) policy() ErrorPolicy {
	if t.Errors == nil {
		return DefaultErrorPolicy{}
	}
	return t.Errors
}

// State is shorthand for t.Execution.State().
func (t *Task) State() State {
	return t.Execution.State()
}

// CheckInputs verifies that every local input file exists.
func (t *Task) CheckInputs() error {
	for _, in := range t.App.Inputs {
		if !IsLocalRef(in.Source) {
			continue
		}
		if _, err := os.Stat(filepath.FromSlash(in.Source.Path)); err != nil {
			return fmt.Errorf("%w: input %s: %w", ErrDataStaging, in.Source.Path, err)
		}
	}
	return nil
}

// Submit hands the task to its attached backend.
func (t *Task) Submit(ctx context.Context) error {
	b, err := t.Backend()
	if err != nil {
		return err
	}
	if s := t.State(); s != StateNew {
		return fmt.Errorf("%w: cannot submit %s in state %s", ErrInvalidOperation, t, s)
	}
	if err := t.CheckInputs(); err != nil {
		return err
	}
	if err := t.SubmitTo(ctx, b); err != nil {
		return t.policy().SubmitError([]error{err})
	}
	return nil
}

// SubmitTo submits to b without consulting the error policy. On success the task
// is attached to b and b is recorded as an execution target.
func (t *Task) SubmitTo(ctx context.Context, b Backend) error {
	state, err := b.SubmitJob(ctx, t)
	if err != nil {
		return &Error{Op: "submit", Task: t.String(), Resource: b.Name(), Err: err}
	}
	t.backend = b
	t.Execution.ResourceName = b.Name()
	t.Execution.ExecutionTargets = append(t.Execution.ExecutionTargets, b.Name())
	if err := t.Execution.SetState(state); err != nil {
		return err
	}
	t.Execution.AddInfo("Submitted to '%s'", b.Name())
	return nil
}

// UpdateState polls the backend once. Tasks that are not live are left alone.
func (t *Task) UpdateState(ctx context.Context) (State, error) {
	b, err := t.Backend()
	if err != nil {
		return t.State(), err
	}
	current := t.State()
	if !current.IsLive() {
		return current, nil
	}

	observed, err := b.UpdateJobState(ctx, t)
	if err != nil {
		if errors.Is(err, ErrUnknownJob) {
			t.Execution.SetTermStatus(SignalLost, -1)
			if serr := t.Execution.SetState(StateTerminated); serr != nil {
				return t.State(), serr
			}
			t.Execution.AddInfo("%s", SignalLost.Description())
			return StateTerminated, nil
		}
		if errors.Is(err, ErrInvalidState) {
			// The job is over but its outcome is unknowable; whatever
			// output it left can still be fetched.
			if rc, ok := t.Execution.ReturnCode(); !ok || rc == 0 {
				t.Execution.SetTermStatus(SignalRemoteError, -1)
			}
			if serr := t.Execution.SetState(StateTerminating); serr != nil {
				return t.State(), serr
			}
			t.Execution.AddInfo("%v", err)
			t.noteTermination()
			return StateTerminating, nil
		}
		if t.UpdateOnError {
			_ = t.Execution.SetState(StateUnknown)
		}
		return t.State(), t.policy().UpdateStateError(&Error{Op: "update", Task: t.String(), Resource: b.Name(), Err: err})
	}

	if observed != current {
		if err := t.Execution.SetState(observed); err != nil {
			return current, err
		}
		if observed == StateTerminating {
			t.noteTermination()
		}
	}
	return observed, nil
}

func (t *Task) noteTermination() {
	rc, ok := t.Execution.ReturnCode()
	if !ok || rc == 0 {
		return
	}
	sig := t.Execution.Signal()
	switch {
	case sig.IsPseudo():
		t.Execution.AddInfo("Abnormal termination: %s", sig.Description())
	case sig != 0:
		t.Execution.AddInfo("Remote job terminated by signal %d", int(sig))
	default:
		t.Execution.AddInfo("Remote job exited with code %d", t.Execution.ExitCode())
	}
}

// FetchOutput retrieves output files into dir (the application's output
// directory when empty) and finalizes a TERMINATING task.
func (t *Task) FetchOutput(ctx context.Context, dir string, overwrite, changedOnly bool) (string, error) {
	b, err := t.Backend()
	if err != nil {
		return "", err
	}
	switch s := t.State(); s {
	case StateNew, StateSubmitted:
		return "", fmt.Errorf("%w: %s is in state %s", ErrOutputNotAvailable, t, s)
	case StateTerminated:
		return t.App.OutputDir, nil
	}

	if dir == "" {
		dir = t.App.OutputDir
	}
	if dir == "" {
		return "", fmt.Errorf("%w: %s has no output directory", ErrInvalidOperation, t)
	}
	if err := prepareOutputDir(dir, overwrite); err != nil {
		return "", fmt.Errorf("%w: %w", ErrDataStaging, err)
	}

	if err := b.GetResults(ctx, t, dir, overwrite, changedOnly); err != nil {
		wrapped := &Error{Op: "fetch", Task: t.String(), Resource: b.Name(), Err: err}
		if ex := t.policy().FetchOutputError(wrapped); ex != nil {
			return "", ex
		}
		if IsDataStaging(err) {
			t.Execution.SetTermStatus(SignalDataStagingFailure, -1)
		}
		t.Execution.AddInfo("Ignored error fetching output: %v", err)
	}
	t.App.OutputDir = dir

	if t.State() == StateTerminating {
		if err := t.Execution.SetState(StateTerminated); err != nil {
			return dir, err
		}
		t.Execution.AddInfo("Final output downloaded to '%s'", dir)
	}
	return dir, nil
}

// prepareOutputDir creates dir. Unless overwrite is set, an existing directory is
// first moved aside to dir.~N~.
func prepareOutputDir(dir string, overwrite bool) error {
	if _, err := os.Stat(dir); err == nil && !overwrite {
		for n := 1; ; n++ {
			backup := fmt.Sprintf("%s.~%d~", dir, n)
			if _, err := os.Stat(backup); os.IsNotExist(err) {
				if err := os.Rename(dir, backup); err != nil {
					return fmt.Errorf("rotate output dir: %w", err)
				}
				break
			}
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return nil
}

// Kill cancels the job and marks it TERMINATED with the Cancelled signal.
func (t *Task) Kill(ctx context.Context) error {
	b, err := t.Backend()
	if err != nil {
		return err
	}
	switch t.State() {
	case StateTerminated:
		return nil
	case StateNew:
	default:
		if err := b.CancelJob(ctx, t); err != nil {
			return &Error{Op: "kill", Task: t.String(), Resource: b.Name(), Err: err}
		}
	}
	t.Execution.SetTermStatus(SignalCancelled, -1)
	if err := t.Execution.SetState(StateTerminated); err != nil {
		return err
	}
	t.Execution.AddInfo("Cancelled")
	return nil
}

// Free releases backend resources held by a finished job.
func (t *Task) Free(ctx context.Context) error {
	b, err := t.Backend()
	if err != nil {
		return err
	}
	if s := t.State(); s != StateTerminating && s != StateTerminated {
		return fmt.Errorf("%w: cannot free %s in state %s", ErrInvalidOperation, t, s)
	}
	return b.Free(ctx, t)
}

// StreamPath returns the file name that holds stream, relative to the execution
// or output directory.
func (t *Task) StreamPath(stream Stream) (string, error) {
	var name string
	switch stream {
	case StreamStdout:
		name = t.App.Stdout
	case StreamStderr:
		name = t.App.Stderr
		if t.App.Join {
			name = t.App.Stdout
		}
	default:
		return "", fmt.Errorf("%w: unknown stream %q", ErrInvalidOperation, stream)
	}
	if name == "" {
		return "", fmt.Errorf("%w: %s does not capture %s", ErrInvalidOperation, t, stream)
	}
	return name, nil
}

// Peek returns size bytes of stdout or stderr starting at offset (negative
// offsets count from the end). Output that was already fetched is read locally.
func (t *Task) Peek(ctx context.Context, stream Stream, offset, size int64) ([]byte, error) {
	name, err := t.StreamPath(stream)
	if err != nil {
		return nil, err
	}
	if t.State() == StateTerminated && t.App.OutputDir != "" {
		return PeekFile(filepath.Join(t.App.OutputDir, name), offset, size)
	}
	b, err := t.Backend()
	if err != nil {
		return nil, err
	}
	if s := t.State(); s == StateNew || s == StateSubmitted {
		return nil, fmt.Errorf("%w: %s is in state %s", ErrOutputNotAvailable, t, s)
	}
	return b.Peek(ctx, t, name, offset, size)
}

// PeekFile reads a byte range of a local file. size <= 0 reads to the end.
func PeekFile(path string, offset, size int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if offset < 0 {
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		offset = max(info.Size()+offset, 0)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	if size <= 0 {
		return io.ReadAll(f)
	}
	return io.ReadAll(io.LimitReader(f, size))
}

// Progress advances the task by one step: poll a live job, submit a new one, or
// fetch output of a terminating one. It returns the return code and true once
// the task is TERMINATED.
func (t *Task) Progress(ctx context.Context) (int, bool, error) {
	if _, err := t.Backend(); err != nil {
		return 0, false, err
	}
	if t.State().IsLive() {
		if _, err := t.UpdateState(ctx); err != nil {
			return 0, false, err
		}
	}

	switch s := t.State(); s {
	case StateStopped, StateUnknown:
		return 0, false, fmt.Errorf("%w: %s is %s", ErrUnexpectedState, t, s)
	case StateNew:
		if err := t.Submit(ctx); err != nil {
			return 0, false, err
		}
	case StateTerminating:
		if _, err := t.FetchOutput(ctx, "", true, false); err != nil {
			return 0, false, err
		}
	}

	if t.State() == StateTerminated {
		rc, _ := t.Execution.ReturnCode()
		return rc, true, nil
	}
	return 0, false, nil
}

// Wait calls Progress every interval until the task terminates or ctx ends.
func (t *Task) Wait(ctx context.Context, interval time.Duration) (int, error) {
	for {
		rc, done, err := t.Progress(ctx)
		if err != nil {
			return 0, err
		}
		if done {
			return rc, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// InState reports whether the task is in any of the named states. Besides the
// state names, "ok" and "failed" match successful and failed terminations.
func (t *Task) InState(names ...string) bool {
	for _, name := range names {
		switch strings.ToLower(name) {
		case "ok":
			if t.Execution.Succeeded() {
				return true
			}
		case "failed":
			if t.Execution.Failed() {
				return true
			}
		default:
			if s, err := ParseState(name); err == nil && s == t.State() {
				return true
			}
		}
	}
	return false
}

type taskJSON struct {
	ID            string      `json:"id"`
	Application   Application `json:"application"`
	Execution     *Run        `json:"execution"`
	UpdateOnError bool        `json:"update_on_error,omitempty"`
}

func (t *Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskJSON{
		ID:            t.ID,
		Application:   t.App,
		Execution:     t.Execution,
		UpdateOnError: t.UpdateOnError,
	})
}

// UnmarshalJSON restores a task. The result is detached.
func (t *Task) UnmarshalJSON(b []byte) error {
	var in taskJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	t.ID = in.ID
	t.App = in.Application
	t.Execution = in.Execution
	t.UpdateOnError = in.UpdateOnError
	t.backend = nil
	t.bind()
	return nil
}
