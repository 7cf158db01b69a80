package engine

import (
	"context"
	"time"

	"github.com/3leaps/gobatch/pkg/job"
)

// TaskView is a read-only snapshot of a task for display.
type TaskView struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	State     job.State          `json:"state"`
	Info      string             `json:"info,omitempty"`
	Resource  string             `json:"resource,omitempty"`
	Targets   []string           `json:"execution_targets,omitempty"`
	JobID     string             `json:"job_id,omitempty"`
	ExecDir   string             `json:"exec_dir,omitempty"`
	OutputDir string             `json:"output_dir,omitempty"`
	Arguments []string           `json:"arguments"`
	Cores     int                `json:"cores"`
	Memory    job.Memory         `json:"memory,omitempty"`
	Walltime  time.Duration      `json:"walltime,omitempty"`
	Created   time.Time          `json:"created"`
	Finished  *time.Time         `json:"terminated,omitempty"`
	Exit      *ExitView          `json:"exit,omitempty"`
	Usage     job.Usage          `json:"usage"`
	History   []job.HistoryEntry `json:"history,omitempty"`
}

// ExitView decodes a return code.
type ExitView struct {
	ReturnCode  int    `json:"returncode"`
	ExitCode    int    `json:"exitcode"`
	Signal      int    `json:"signal,omitempty"`
	Description string `json:"description,omitempty"`
}

// NewTaskView snapshots t.
func NewTaskView(t *job.Task) TaskView {
	run := t.Execution
	v := TaskView{
		ID:        t.ID,
		Name:      t.Name(),
		State:     t.State(),
		Info:      run.Info(),
		Resource:  run.ResourceName,
		Targets:   append([]string(nil), run.ExecutionTargets...),
		JobID:     run.LRMSJobID,
		ExecDir:   run.LRMSExecDir,
		OutputDir: t.App.OutputDir,
		Arguments: append([]string(nil), t.App.Arguments...),
		Cores:     t.App.Cores(),
		Memory:    t.App.RequestedMemory,
		Walltime:  t.App.RequestedWalltime,
		Usage:     run.Usage,
		History:   run.History(),
	}
	v.Created, _ = run.Timestamp(job.StateNew)
	if ts, ok := run.Timestamp(job.StateTerminated); ok {
		v.Finished = &ts
	}
	if rc, ok := run.ReturnCode(); ok {
		sig := run.Signal()
		v.Exit = &ExitView{ReturnCode: rc, ExitCode: run.ExitCode(), Signal: int(sig)}
		if sig != 0 {
			v.Exit.Description = sig.Description()
		}
	}
	return v
}

// View loads a task and returns its snapshot.
func (e *Engine) View(ctx context.Context, id string) (TaskView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.Task(ctx, id)
	if err != nil {
		return TaskView{}, err
	}
	return NewTaskView(t), nil
}
