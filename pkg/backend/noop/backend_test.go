package noop

import (
	"context"
	"math/rand/v2"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gobatch/pkg/job"
)

func newBackend(t *testing.T, cores int, graph Graph) *Backend {
	t.Helper()
	b, err := New(Config{
		Resource: job.Resource{Name: "sim", Enabled: true, MaxCores: cores, MaxMemoryPerCore: job.GiB},
		Graph:    graph,
		Rand:     rand.New(rand.NewPCG(1, 2)),
	})
	require.NoError(t, err)
	return b
}

func submit(t *testing.T, b *Backend, cores int) *job.Task {
	t.Helper()
	task := job.NewTask(job.Application{Name: "sim", Arguments: []string{"/bin/true"}, RequestedCores: cores, OutputDir: t.TempDir()})
	task.Attach(b)
	require.NoError(t, task.Submit(context.Background()))
	return task
}

func TestNormalProgression(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, 2, nil)
	task := submit(t, b, 1)

	assert.Equal(t, job.StateSubmitted, task.State())
	st := b.Status()
	assert.Equal(t, 1, st.FreeSlots)
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, 1, st.UserQueued)

	s, err := task.UpdateState(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StateRunning, s)
	st = b.Status()
	assert.Equal(t, 0, st.UserQueued)
	assert.Equal(t, 1, st.UserRun)

	s, err = task.UpdateState(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StateTerminating, s)
	st = b.Status()
	assert.Equal(t, 2, st.FreeSlots)
	assert.Equal(t, 0, st.UserRun)
	assert.Equal(t, 2*job.GiB, st.AvailableMemory)

	rc, done, err := task.Progress(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 0, rc)
	assert.Equal(t, job.StateTerminated, task.State())
}

func TestProgressAcrossBackendInstances(t *testing.T) {
	ctx := context.Background()
	task := submit(t, newBackend(t, 2, nil), 1)

	// A new backend (another process) knows nothing of the job.
	fresh := newBackend(t, 2, nil)
	task.Attach(fresh)

	s, err := task.UpdateState(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StateRunning, s)
	assert.Equal(t, 0, fresh.Status().UserRun)

	s, err = task.UpdateState(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StateTerminating, s)
	assert.Equal(t, 2, fresh.Status().FreeSlots)

	rc, done, err := task.Progress(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 0, rc)
	assert.True(t, task.Execution.Succeeded())
}

func TestUpdateWithoutJobID(t *testing.T) {
	b := newBackend(t, 1, nil)
	task := job.NewTask(job.Application{Arguments: []string{"x"}})
	_, err := b.UpdateJobState(context.Background(), task)
	assert.ErrorIs(t, err, job.ErrUnknownJob)
}

func TestAdmission(t *testing.T) {
	b := newBackend(t, 3, nil)
	submit(t, b, 2)

	task := job.NewTask(job.Application{Arguments: []string{"x"}, RequestedCores: 2})
	task.Attach(b)
	err := task.Submit(context.Background())
	assert.True(t, job.IsAdmission(err))

	submit(t, b, 1)
	assert.Equal(t, 0, b.Status().FreeSlots)

	hungry := job.NewTask(job.Application{Arguments: []string{"x"}, RequestedMemory: 4 * job.GiB})
	hungry.Attach(newBackend(t, 3, nil))
	assert.True(t, job.IsAdmission(hungry.Submit(context.Background())))
}

func TestCancelReleasesCapacity(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, 2, nil)
	task := submit(t, b, 2)
	require.NoError(t, task.Kill(ctx))

	st := b.Status()
	assert.Equal(t, 2, st.FreeSlots)
	assert.Equal(t, 0, st.Queued)
	assert.Equal(t, job.SignalCancelled, task.Execution.Signal())

	// Cancelling twice must not release twice.
	require.NoError(t, b.CancelJob(ctx, task))
	assert.Equal(t, 2, b.Status().FreeSlots)
}

func TestCustomGraph(t *testing.T) {
	ctx := context.Background()
	graph, err := ParseGraph(map[string]map[string]any{
		"SUBMITTED": {"RUNNING": 1.0},
		"RUNNING":   {"STOPPED": "100%"},
	})
	require.NoError(t, err)
	b := newBackend(t, 1, graph)
	task := submit(t, b, 1)

	_, err = task.UpdateState(ctx)
	require.NoError(t, err)
	s, err := task.UpdateState(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StateStopped, s)

	// No transitions out of STOPPED: the job stays there.
	s, err = task.UpdateState(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StateStopped, s)
	_, _, err = task.Progress(ctx)
	assert.ErrorIs(t, err, job.ErrUnexpectedState)
}

func TestGraphNext(t *testing.T) {
	g := Graph{job.StateRunning: sortTransitions([]Transition{
		{Probability: 0.5, To: job.StateTerminating},
		{Probability: 0.1, To: job.StateStopped},
	})}

	tests := []struct {
		dice  float64
		want  job.State
		moved bool
	}{
		{0.05, job.StateStopped, true},
		{0.1, job.StateTerminating, true},
		{0.59, job.StateTerminating, true},
		{0.6, job.StateRunning, false},
		{0.99, job.StateRunning, false},
	}
	for _, tt := range tests {
		got, moved := g.next(job.StateRunning, tt.dice)
		assert.Equal(t, tt.want, got, "dice %g", tt.dice)
		assert.Equal(t, tt.moved, moved, "dice %g", tt.dice)
	}
}

func TestParseGraphErrors(t *testing.T) {
	tests := map[string]map[string]map[string]any{
		"unknown state":   {"QUEUED": {"RUNNING": 1.0}},
		"backwards":       {"RUNNING": {"NEW": 0.5}},
		"over one":        {"RUNNING": {"TERMINATING": 0.7, "STOPPED": 0.5}},
		"bad probability": {"RUNNING": {"TERMINATING": "often"}},
		"negative":        {"RUNNING": {"TERMINATING": -0.1}},
		"skips fetch":     {"RUNNING": {"TERMINATED": 1.0}},
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseGraph(raw)
			assert.True(t, job.IsConfiguration(err), "got %v", err)
		})
	}
}

func TestDeterministicWithSeed(t *testing.T) {
	graph := Graph{job.StateSubmitted: {{Probability: 0.3, To: job.StateRunning}}}
	run := func() []job.State {
		b := newBackend(t, 1, graph)
		task := submit(t, b, 1)
		var seen []job.State
		for range 20 {
			s, err := task.UpdateState(context.Background())
			require.NoError(t, err)
			seen = append(seen, s)
		}
		return seen
	}
	assert.Equal(t, run(), run())
}

func TestOutputsAndData(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, 1, nil)

	rel := &url.URL{Path: "result.txt"}
	file := &url.URL{Scheme: "file", Path: "/tmp/x"}
	assert.True(t, b.ValidateData([]*url.URL{rel}))
	assert.False(t, b.ValidateData([]*url.URL{rel, file}))

	task := job.NewTask(job.Application{Arguments: []string{"x"}, Outputs: []job.Output{{Source: "a", Dest: rel}}})
	assert.True(t, job.IsDataStaging(b.GetResults(ctx, task, t.TempDir(), false, false)))
	_, err := b.Peek(ctx, task, "stdout", 0, 0)
	assert.ErrorIs(t, err, job.ErrInvalidOperation)
}
