package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateText(t *testing.T) {
	for _, s := range States() {
		b, err := s.MarshalText()
		require.NoError(t, err)

		var back State
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}

	assert.Equal(t, "terminating", StateTerminating.HookName())

	parsed, err := ParseState("running")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, parsed)

	_, err = ParseState("finished")
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateNew, StateSubmitted, true},
		{StateNew, StateRunning, true},
		{StateSubmitted, StateRunning, true},
		{StateSubmitted, StateStopped, true},
		{StateSubmitted, StateUnknown, true},
		{StateRunning, StateStopped, true},
		{StateStopped, StateRunning, true},
		{StateStopped, StateSubmitted, true},
		{StateRunning, StateTerminating, true},
		{StateTerminating, StateTerminated, true},
		{StateUnknown, StateRunning, true},
		{StateUnknown, StateSubmitted, true},
		{StateUnknown, StateNew, false},
		{StateRunning, StateSubmitted, false},
		{StateRunning, StateNew, false},
		{StateTerminating, StateRunning, false},
		{StateTerminating, StateUnknown, false},
		{StateNew, StateUnknown, false},
		{StateTerminated, StateNew, false},
		{StateTerminated, StateRunning, false},
		{StateTerminated, StateUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

// Every sequence of accepted writes must be monotonic in the state order, apart
// from the STOPPED and UNKNOWN recovery paths, and nothing follows TERMINATED.
func TestStateWritesAreMonotonic(t *testing.T) {
	states := States()
	// Exhaustive over sequences of length 4.
	var walk func(r *Run, depth int)
	walk = func(r *Run, depth int) {
		if depth == 0 {
			return
		}
		for _, next := range states {
			clone := NewRun()
			clone.state = r.state
			prev := clone.State()
			err := clone.SetState(next)
			if err != nil {
				assert.Equal(t, prev, clone.State())
				continue
			}
			if prev == StateTerminated {
				assert.Equal(t, StateTerminated, clone.State())
			}
			recovery := prev == StateUnknown || next == StateUnknown || (prev == StateStopped && next == StateSubmitted)
			if !recovery {
				assert.GreaterOrEqual(t, next.rank(), prev.rank(), "%s -> %s", prev, next)
			}
			walk(clone, depth-1)
		}
	}
	walk(NewRun(), 4)
}
