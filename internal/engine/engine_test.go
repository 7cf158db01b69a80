package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gobatch/internal/config"
	"github.com/3leaps/gobatch/pkg/backend/noop"
	"github.com/3leaps/gobatch/pkg/job"
	"github.com/3leaps/gobatch/pkg/persistence"
)

func newNoopBackend(t *testing.T, name string, cores int) *noop.Backend {
	t.Helper()
	b, err := noop.New(noop.Config{Resource: job.Resource{Name: name, Enabled: true, MaxCores: cores}})
	require.NoError(t, err)
	return b
}

func newEngine(t *testing.T, dir string, backends ...job.Backend) *Engine {
	t.Helper()
	store, err := persistence.Open(context.Background(), persistence.KindFile, dir)
	require.NoError(t, err)
	e, err := New(Options{Backends: backends, Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func testApp(t *testing.T) job.Application {
	return job.Application{Name: "sim", Arguments: []string{"/bin/true"}, OutputDir: t.TempDir()}
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, job.ErrConfiguration)
}

func TestSubmitAndProgressAll(t *testing.T) {
	ctx := context.Background()
	sim := newNoopBackend(t, "sim", 4)
	e := newEngine(t, t.TempDir(), sim)

	task, err := e.Submit(ctx, testApp(t))
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, job.StateSubmitted, task.State())
	assert.Equal(t, "sim", task.Execution.ResourceName)
	assert.Equal(t, 3, sim.Status().FreeSlots)

	records, err := e.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, job.StateSubmitted, records[0].State)
	assert.Equal(t, "sim", records[0].Resource)

	sum, err := e.ProgressAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.States[job.StateRunning])
	assert.True(t, sum.Pending())

	sum, err = e.ProgressAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.States[job.StateTerminated])
	assert.False(t, sum.Pending())
	assert.Zero(t, sum.Errors)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, 4, sim.Status().FreeSlots)

	records, err = e.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StateTerminated, records[0].State)
}

func TestSubmitWithoutResources(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, t.TempDir())

	_, err := e.Submit(ctx, testApp(t))
	assert.ErrorIs(t, err, job.ErrNoResources)

	records, err := e.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestTaskResourceGone(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first := newEngine(t, dir, newNoopBackend(t, "sim", 2))
	task, err := first.Submit(ctx, testApp(t))
	require.NoError(t, err)

	second := newEngine(t, dir)
	loaded, err := second.Task(ctx, task.ID)
	require.NoError(t, err)
	_, err = loaded.Backend()
	assert.ErrorIs(t, err, job.ErrDetached)

	_, _, err = second.Progress(ctx, task.ID)
	assert.ErrorIs(t, err, job.ErrDetached)

	sum, err := second.ProgressAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Errors)
}

func TestKill(t *testing.T) {
	ctx := context.Background()
	sim := newNoopBackend(t, "sim", 2)
	e := newEngine(t, t.TempDir(), sim)

	task, err := e.Submit(ctx, testApp(t))
	require.NoError(t, err)
	assert.Equal(t, 1, sim.Status().FreeSlots)

	killed, err := e.Kill(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateTerminated, killed.State())
	assert.Equal(t, job.SignalCancelled, killed.Execution.Signal())
	assert.Equal(t, 2, sim.Status().FreeSlots)

	records, err := e.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StateTerminated, records[0].State)

	// Killing again is a no-op.
	_, err = e.Kill(ctx, task.ID)
	assert.NoError(t, err)
}

func TestWaitAndFree(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e := newEngine(t, t.TempDir(), newNoopBackend(t, "sim", 1))

	task, err := e.Submit(ctx, testApp(t))
	require.NoError(t, err)

	done, rc, err := e.Wait(ctx, task.ID, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, rc)
	assert.True(t, done.Execution.Succeeded())

	require.NoError(t, e.Free(ctx, task.ID, false))
	records, err := e.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	require.NoError(t, e.Free(ctx, task.ID, true))
	records, err = e.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFreeRunningTask(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, t.TempDir(), newNoopBackend(t, "sim", 1))
	task, err := e.Submit(ctx, testApp(t))
	require.NoError(t, err)

	err = e.Free(ctx, task.ID, true)
	assert.ErrorIs(t, err, job.ErrInvalidOperation)
}

func TestPeekUnsupported(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, t.TempDir(), newNoopBackend(t, "sim", 1))
	app := testApp(t)
	app.Stdout = "out.txt"
	task, err := e.Submit(ctx, app)
	require.NoError(t, err)

	_, err = e.Peek(ctx, task.ID, job.StreamStdout, 0, 10)
	assert.ErrorIs(t, err, job.ErrOutputNotAvailable)

	_, _, err = e.Progress(ctx, task.ID)
	require.NoError(t, err)
	_, err = e.Peek(ctx, task.ID, job.StreamStdout, 0, 10)
	assert.ErrorIs(t, err, job.ErrInvalidOperation)
}

func TestLoopStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	e := newEngine(t, t.TempDir(), newNoopBackend(t, "sim", 1))
	task, err := e.Submit(context.Background(), testApp(t))
	require.NoError(t, err)

	err = e.Loop(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, job.StateTerminated, task.State())
}

func TestResources(t *testing.T) {
	ctx := context.Background()
	off, err := noop.New(noop.Config{Resource: job.Resource{Name: "off", MaxCores: 1}})
	require.NoError(t, err)
	e := newEngine(t, t.TempDir(), newNoopBackend(t, "sim", 3), off)

	views := e.Resources(ctx, true)
	require.Len(t, views, 2)
	assert.Equal(t, "sim", views[0].Name)
	assert.Equal(t, 3, views[0].Status.FreeSlots)
	assert.True(t, views[0].Status.Updated)
	assert.Empty(t, views[0].Error)
	assert.False(t, views[1].Enabled)
	assert.False(t, views[1].Status.Updated)
}

func TestBuildBackends(t *testing.T) {
	ctx := context.Background()
	yes := true

	t.Run("all types", func(t *testing.T) {
		cfg := &config.Config{Resources: map[string]config.ResourceConfig{
			"local": {Name: "local", Type: config.TypeShellcmd, Transport: config.TransportLocal, MaxCores: 2, Enabled: &yes, SpoolDir: t.TempDir(), ResourceDir: t.TempDir()},
			"sim": {Name: "sim", Type: config.TypeNoop, MaxCores: 4, TransitionGraph: map[string]map[string]any{
				"submitted": {"running": 1},
				"running":   {"terminating": "50%"},
			}},
		}}
		backends, err := BuildBackends(ctx, cfg, nil)
		require.NoError(t, err)
		t.Cleanup(func() { closeAll(backends) })
		require.Len(t, backends, 2)
		assert.Equal(t, "local", backends[0].Name())
		assert.Equal(t, config.TypeShellcmd, backends[0].Resource().Type)
		assert.Equal(t, "sim", backends[1].Name())
		assert.Equal(t, config.TypeNoop, backends[1].Resource().Type)
		assert.True(t, backends[1].Resource().Enabled)
	})

	t.Run("invalid graph", func(t *testing.T) {
		cfg := &config.Config{Resources: map[string]config.ResourceConfig{
			"sim": {Name: "sim", Type: config.TypeNoop, MaxCores: 1, TransitionGraph: map[string]map[string]any{
				"running": {"new": 1},
			}},
		}}
		_, err := BuildBackends(ctx, cfg, nil)
		assert.ErrorIs(t, err, job.ErrConfiguration)
	})

	t.Run("invalid resource", func(t *testing.T) {
		cfg := &config.Config{Resources: map[string]config.ResourceConfig{
			"bad": {Name: "bad", Type: config.TypeShellcmd, Transport: "telnet", MaxCores: 1},
		}}
		_, err := BuildBackends(ctx, cfg, nil)
		assert.ErrorIs(t, err, job.ErrConfiguration)
	})
}

func TestView(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, t.TempDir(), newNoopBackend(t, "sim", 2))
	app := testApp(t)
	app.RequestedCores = 2
	task, err := e.Submit(ctx, app)
	require.NoError(t, err)

	v, err := e.View(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, v.ID)
	assert.Equal(t, "sim", v.Name)
	assert.Equal(t, job.StateSubmitted, v.State)
	assert.Equal(t, "Submitted to 'sim'", v.Info)
	assert.Equal(t, []string{"sim"}, v.Targets)
	assert.Equal(t, 2, v.Cores)
	assert.Nil(t, v.Exit)
	assert.Nil(t, v.Finished)

	_, err = e.Kill(ctx, task.ID)
	require.NoError(t, err)
	v, err = e.View(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, v.Exit)
	assert.Equal(t, int(job.SignalCancelled), v.Exit.Signal)
	assert.Equal(t, "Job canceled by user", v.Exit.Description)
	assert.NotNil(t, v.Finished)

	_, err = e.View(ctx, "0190f000-0000-7000-8000-000000000000")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}
