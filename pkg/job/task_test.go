package job

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedBackend returns queued poll results in order.
type scriptedBackend struct {
	name      string
	submitErr error
	polls     []pollResult
	cancelled int
	freed     int
	fetched   int
	fetchErr  error
}

type pollResult struct {
	state State
	rc    *int
	err   error
}

func (b *scriptedBackend) Name() string { return b.name }
func (b *scriptedBackend) Resource() Resource { return Resource{Name: b.name, Enabled: true} }
func (b *scriptedBackend) Status() ResourceStatus { return ResourceStatus{} }
func (b *scriptedBackend) ValidateData([]*url.URL) bool { return true }
func (b *scriptedBackend) Close() error { return nil }

func (b *scriptedBackend) UpdateStatus(context.Context) (ResourceStatus, error) {
	return ResourceStatus{Updated: true}, nil
}

func (b *scriptedBackend) SubmitJob(_ context.Context, t *Task) (State, error) {
	if b.submitErr != nil {
		return t.State(), b.submitErr
	}
	t.Execution.LRMSJobID = "1"
	return StateSubmitted, nil
}

func (b *scriptedBackend) UpdateJobState(_ context.Context, t *Task) (State, error) {
	if len(b.polls) == 0 {
		return t.State(), nil
	}
	next := b.polls[0]
	b.polls = b.polls[1:]
	if next.err != nil {
		return t.State(), next.err
	}
	if next.rc != nil {
		t.Execution.SetReturnCode(*next.rc)
	}
	return next.state, nil
}

func (b *scriptedBackend) GetResults(_ context.Context, _ *Task, _ string, _, _ bool) error {
	b.fetched++
	return b.fetchErr
}

func (b *scriptedBackend) CancelJob(context.Context, *Task) error {
	b.cancelled++
	return nil
}

func (b *scriptedBackend) Free(context.Context, *Task) error {
	b.freed++
	return nil
}

func (b *scriptedBackend) Peek(context.Context, *Task, string, int64, int64) ([]byte, error) {
	return []byte("remote"), nil
}

func intPtr(v int) *int { return &v }

func newTestTask(t *testing.T) *Task {
	t.Helper()
	task := NewTask(Application{Name: "echo", Arguments: []string{"/bin/echo", "hi"}, Stdout: "out.txt"})
	task.App.OutputDir = filepath.Join(t.TempDir(), "out")
	return task
}

func TestTaskDetached(t *testing.T) {
	ctx := context.Background()
	task := newTestTask(t)

	assert.ErrorIs(t, task.Submit(ctx), ErrDetached)
	_, err := task.UpdateState(ctx)
	assert.ErrorIs(t, err, ErrDetached)
	_, err = task.FetchOutput(ctx, "", true, false)
	assert.ErrorIs(t, err, ErrDetached)
	assert.ErrorIs(t, task.Kill(ctx), ErrDetached)
	assert.ErrorIs(t, task.Free(ctx), ErrDetached)
	_, _, err = task.Progress(ctx)
	assert.ErrorIs(t, err, ErrDetached)

	task.Attach(&scriptedBackend{name: "local"})
	assert.NoError(t, task.Submit(ctx))
}

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	b := &scriptedBackend{name: "local", polls: []pollResult{
		{state: StateRunning},
		{state: StateTerminating, rc: intPtr(0)},
	}}
	task := newTestTask(t)
	task.Attach(b)

	var hooks []string
	for _, s := range States() {
		s := s
		task.OnTransition(s, func(tk *Task, from State) {
			hooks = append(hooks, from.HookName()+">"+s.HookName())
		})
	}

	rc, done, err := task.Progress(ctx)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, StateSubmitted, task.State())
	assert.Equal(t, "Submitted to 'local'", task.Execution.Info())
	assert.Equal(t, []string{"local"}, task.Execution.ExecutionTargets)

	_, done, err = task.Progress(ctx)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, StateRunning, task.State())

	rc, done, err = task.Progress(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 0, rc)
	assert.Equal(t, StateTerminated, task.State())
	assert.Equal(t, 1, b.fetched)
	assert.DirExists(t, task.App.OutputDir)
	assert.True(t, task.InState("ok", "failed"))
	assert.True(t, task.InState("ok"))
	assert.False(t, task.InState("failed"))

	assert.Equal(t, []string{
		"new>submitted",
		"submitted>running",
		"running>terminating",
		"terminating>terminated",
	}, hooks)

	// Already terminated: fetch is a no-op.
	_, err = task.FetchOutput(ctx, "", true, false)
	require.NoError(t, err)
	assert.Equal(t, 1, b.fetched)
}

func TestTaskTerminationInfo(t *testing.T) {
	tests := []struct {
		name string
		rc   int
		want string
	}{
		{"exit code", EncodeReturnCode(3, 0), "Remote job exited with code 3"},
		{"signal", EncodeReturnCode(0, 9), "Remote job terminated by signal 9"},
		{"pseudo signal", EncodeReturnCode(255, SignalRemoteKill), "Abnormal termination: Job killed by batch system or sysadmin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := newTestTask(t)
			task.Attach(&scriptedBackend{name: "r", polls: []pollResult{{state: StateTerminating, rc: intPtr(tt.rc)}}})
			require.NoError(t, task.Submit(context.Background()))
			_, err := task.UpdateState(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, task.Execution.Info())
		})
	}
}

type swallowPolicy struct{ DefaultErrorPolicy }

func (swallowPolicy) UpdateStateError(error) error { return nil }

func TestTaskFailedPollDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")

	t.Run("default re-raises", func(t *testing.T) {
		task := newTestTask(t)
		task.Attach(&scriptedBackend{name: "r", polls: []pollResult{{err: boom}}})
		require.NoError(t, task.Submit(ctx))

		_, err := task.UpdateState(ctx)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, StateSubmitted, task.State())
	})

	t.Run("swallowed", func(t *testing.T) {
		task := newTestTask(t)
		task.Errors = swallowPolicy{}
		task.Attach(&scriptedBackend{name: "r", polls: []pollResult{{err: boom}}})
		require.NoError(t, task.Submit(ctx))

		state, err := task.UpdateState(ctx)
		assert.NoError(t, err)
		assert.Equal(t, StateSubmitted, state)
	})

	t.Run("update on error", func(t *testing.T) {
		task := newTestTask(t)
		task.UpdateOnError = true
		task.Attach(&scriptedBackend{name: "r", polls: []pollResult{{err: boom}, {state: StateRunning}}})
		require.NoError(t, task.Submit(ctx))

		_, err := task.UpdateState(ctx)
		assert.Error(t, err)
		assert.Equal(t, StateUnknown, task.State())

		_, _, err = task.Progress(ctx)
		require.NoError(t, err)
		assert.Equal(t, StateRunning, task.State())
	})

	t.Run("unknown job is lost", func(t *testing.T) {
		task := newTestTask(t)
		task.Attach(&scriptedBackend{name: "r", polls: []pollResult{{err: ErrUnknownJob}}})
		require.NoError(t, task.Submit(ctx))

		state, err := task.UpdateState(ctx)
		require.NoError(t, err)
		assert.Equal(t, StateTerminated, state)
		assert.Equal(t, SignalLost, task.Execution.Signal())
	})
}

func TestTaskProgressStopped(t *testing.T) {
	task := newTestTask(t)
	task.Attach(&scriptedBackend{name: "r", polls: []pollResult{{state: StateStopped}}})
	require.NoError(t, task.Submit(context.Background()))

	_, _, err := task.Progress(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedState)
}

func TestTaskSubmitErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("backend failure keeps NEW", func(t *testing.T) {
		task := newTestTask(t)
		task.Attach(&scriptedBackend{name: "r", submitErr: ErrAdmission})
		err := task.Submit(ctx)
		assert.ErrorIs(t, err, ErrAdmission)
		assert.Equal(t, StateNew, task.State())
	})

	t.Run("missing input", func(t *testing.T) {
		task := newTestTask(t)
		task.App.Inputs = []Input{{Source: &url.URL{Scheme: "file", Path: "/does/not/exist"}, Dest: "in"}}
		task.Attach(&scriptedBackend{name: "r"})
		assert.ErrorIs(t, task.Submit(ctx), ErrDataStaging)
	})

	t.Run("twice", func(t *testing.T) {
		task := newTestTask(t)
		task.Attach(&scriptedBackend{name: "r"})
		require.NoError(t, task.Submit(ctx))
		assert.ErrorIs(t, task.Submit(ctx), ErrInvalidOperation)
	})
}

func TestTaskKill(t *testing.T) {
	ctx := context.Background()
	b := &scriptedBackend{name: "r"}
	task := newTestTask(t)
	task.Attach(b)
	require.NoError(t, task.Submit(ctx))

	require.NoError(t, task.Kill(ctx))
	assert.Equal(t, 1, b.cancelled)
	assert.Equal(t, StateTerminated, task.State())
	assert.Equal(t, SignalCancelled, task.Execution.Signal())
	assert.Equal(t, "Cancelled", task.Execution.Info())

	require.NoError(t, task.Kill(ctx))
	assert.Equal(t, 1, b.cancelled)
}

func TestTaskFreeAndFetchGuards(t *testing.T) {
	ctx := context.Background()
	b := &scriptedBackend{name: "r"}
	task := newTestTask(t)
	task.Attach(b)

	_, err := task.FetchOutput(ctx, "", true, false)
	assert.ErrorIs(t, err, ErrOutputNotAvailable)
	assert.ErrorIs(t, task.Free(ctx), ErrInvalidOperation)

	require.NoError(t, task.Kill(ctx))
	assert.Equal(t, 0, b.cancelled)
	require.NoError(t, task.Free(ctx))
	require.NoError(t, task.Free(ctx))
	assert.Equal(t, 2, b.freed)
}

func TestTaskPeek(t *testing.T) {
	ctx := context.Background()
	task := newTestTask(t)
	task.Attach(&scriptedBackend{name: "r", polls: []pollResult{{state: StateRunning}}})
	require.NoError(t, task.Submit(ctx))
	_, err := task.UpdateState(ctx)
	require.NoError(t, err)

	data, err := task.Peek(ctx, StreamStdout, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "remote", string(data))

	_, err = task.Peek(ctx, StreamStderr, 0, 10)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	task.App.Join = true
	_, err = task.Peek(ctx, StreamStderr, 0, 10)
	assert.NoError(t, err)
}

func TestPeekFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	data, err := PeekFile(path, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, "234", string(data))

	data, err = PeekFile(path, -4, 0)
	require.NoError(t, err)
	assert.Equal(t, "6789", string(data))

	data, err = PeekFile(path, -40, 2)
	require.NoError(t, err)
	assert.Equal(t, "01", string(data))
}

func TestFetchOutputRotatesExistingDir(t *testing.T) {
	ctx := context.Background()
	task := newTestTask(t)
	require.NoError(t, os.MkdirAll(task.App.OutputDir, 0755))
	task.Attach(&scriptedBackend{name: "r", polls: []pollResult{{state: StateTerminating, rc: intPtr(0)}}})
	require.NoError(t, task.Submit(ctx))
	_, err := task.UpdateState(ctx)
	require.NoError(t, err)

	_, err = task.FetchOutput(ctx, "", false, false)
	require.NoError(t, err)
	assert.DirExists(t, task.App.OutputDir+".~1~")
	assert.Equal(t, StateTerminated, task.State())
}
