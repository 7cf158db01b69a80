package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// HistoryEntry is one line of a Run's event log.
type HistoryEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Usage is resource consumption reported by the backend. Nil fields were not
// measured.
type Usage struct {
	Duration      *time.Duration `json:"duration,omitempty"`
	UsedCPUTime   *time.Duration `json:"used_cpu_time,omitempty"`
	MaxUsedMemory *Memory        `json:"max_used_memory,omitempty"`
}

// Run is the mutable execution record of one job.
//
// The state only changes through SetState, which keeps timestamps and history in
// step and notifies the owning Task. The remaining exported fields belong to the
// backend that submitted the job.
type Run struct {
	state      State
	timestamps map[State]time.Time
	history    []HistoryEntry
	returncode *int

	// ResourceName is the resource the job was last submitted to.
	ResourceName string

	// ExecutionTargets lists every resource the job was submitted to, in order.
	ExecutionTargets []string

	// LRMSJobID is the backend's identifier for the job (a pid for shellcmd).
	LRMSJobID string

	// LRMSExecDir is the execution directory on the target host. Empty once freed.
	LRMSExecDir string

	Usage Usage

	// Extra holds backend-specific counters. A nil value means "not measured".
	Extra map[string]any

	onTransition func(from, to State)
	now          func() time.Time
}

// NewRun returns a Run in state NEW.
func NewRun() *Run {
	r := &Run{timestamps: make(map[State]time.Time)}
	r.timestamps[StateNew] = r.clock()
	return r
}

func (r *Run) clock() time.Time {
	if r.now != nil {
		return r.now().UTC()
	}
	return time.Now().UTC()
}

// State returns the current state.
func (r *Run) State() State {
	return r.state
}

// SetState moves the Run to state to. Writing the current state is a no-op;
// transitions that would break the state order fail with ErrInvalidTransition.
func (r *Run) SetState(to State) error {
	from := r.state
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := r.clock()
	r.state = to
	if r.timestamps == nil {
		r.timestamps = make(map[State]time.Time)
	}
	if _, seen := r.timestamps[to]; !seen {
		r.timestamps[to] = now
	}

	msg := fmt.Sprintf("Transition from state %s to state %s", from, to)
	if to == StateTerminated {
		if rc, ok := r.ReturnCode(); ok {
			msg = fmt.Sprintf("%s, returncode %d", msg, rc)
		}
	}
	r.history = append(r.history, HistoryEntry{Time: now, Message: msg})

	if r.onTransition != nil {
		r.onTransition(from, to)
	}
	return nil
}

// Timestamp returns when state s was first entered.
func (r *Run) Timestamp(s State) (time.Time, bool) {
	t, ok := r.timestamps[s]
	return t, ok
}

// History returns a copy of the event log.
func (r *Run) History() []HistoryEntry {
	out := make([]HistoryEntry, len(r.history))
	copy(out, r.history)
	return out
}

// Info returns the most recent history message.
func (r *Run) Info() string {
	if len(r.history) == 0 {
		return ""
	}
	return r.history[len(r.history)-1].Message
}

// AddInfo appends a message to the history.
func (r *Run) AddInfo(format string, args ...any) {
	r.history = append(r.history, HistoryEntry{Time: r.clock(), Message: fmt.Sprintf(format, args...)})
}

// ReturnCode returns the combined exit status, if known.
func (r *Run) ReturnCode() (int, bool) {
	if r.returncode == nil {
		return 0, false
	}
	return *r.returncode, true
}

// SetReturnCode stores a combined exit status.
func (r *Run) SetReturnCode(rc int) {
	sig, code := DecodeReturnCode(rc)
	r.SetTermStatus(sig, code)
}

// SetTermStatus stores signal and exit code. An exit code of -1 (none) is kept
// in its masked form, 255.
func (r *Run) SetTermStatus(signal Signal, exitcode int) {
	rc := EncodeReturnCode(exitcode, signal)
	r.returncode = &rc
}

// Signal returns the termination signal, zero when unknown.
func (r *Run) Signal() Signal {
	if r.returncode == nil {
		return 0
	}
	sig, _ := DecodeReturnCode(*r.returncode)
	return sig
}

// ExitCode returns the exit code, or -1 when no status is known.
func (r *Run) ExitCode() int {
	if r.returncode == nil {
		return -1
	}
	_, code := DecodeReturnCode(*r.returncode)
	return code
}

// Succeeded reports TERMINATED with a zero return code.
func (r *Run) Succeeded() bool {
	rc, ok := r.ReturnCode()
	return r.state == StateTerminated && ok && rc == 0
}

// Failed reports TERMINATED with a non-zero or missing return code.
func (r *Run) Failed() bool {
	return r.state == StateTerminated && !r.Succeeded()
}

// SetExtra records a backend-specific counter; nil marks it as not measured.
func (r *Run) SetExtra(key string, value any) {
	if r.Extra == nil {
		r.Extra = make(map[string]any)
	}
	r.Extra[key] = value
}

type runJSON struct {
	State            State                `json:"state"`
	Timestamps       map[string]time.Time `json:"timestamps,omitempty"`
	History          []HistoryEntry       `json:"history,omitempty"`
	ReturnCode       *int                 `json:"returncode,omitempty"`
	ResourceName     string               `json:"resource_name,omitempty"`
	ExecutionTargets []string             `json:"execution_targets,omitempty"`
	LRMSJobID        string               `json:"lrms_jobid,omitempty"`
	LRMSExecDir      string               `json:"lrms_execdir,omitempty"`
	Usage            Usage                `json:"usage"`
	Extra            map[string]any       `json:"extra,omitempty"`
}

func (r *Run) MarshalJSON() ([]byte, error) {
	out := runJSON{
		State:            r.state,
		History:          r.history,
		ReturnCode:       r.returncode,
		ResourceName:     r.ResourceName,
		ExecutionTargets: r.ExecutionTargets,
		LRMSJobID:        r.LRMSJobID,
		LRMSExecDir:      r.LRMSExecDir,
		Usage:            r.Usage,
		Extra:            r.Extra,
	}
	if len(r.timestamps) > 0 {
		out.Timestamps = make(map[string]time.Time, len(r.timestamps))
		for s, t := range r.timestamps {
			out.Timestamps[s.String()] = t
		}
	}
	return json.Marshal(out)
}

func (r *Run) UnmarshalJSON(b []byte) error {
	var in runJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	timestamps := make(map[State]time.Time, len(in.Timestamps))
	for name, t := range in.Timestamps {
		s, err := ParseState(name)
		if err != nil {
			return err
		}
		timestamps[s] = t
	}
	r.state = in.State
	r.timestamps = timestamps
	r.history = in.History
	r.returncode = in.ReturnCode
	r.ResourceName = in.ResourceName
	r.ExecutionTargets = in.ExecutionTargets
	r.LRMSJobID = in.LRMSJobID
	r.LRMSExecDir = in.LRMSExecDir
	r.Usage = in.Usage
	r.Extra = in.Extra
	return nil
}
