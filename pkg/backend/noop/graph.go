package noop

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/3leaps/gobatch/pkg/job"
)

// Transition moves a job to To with the given probability on one poll.
type Transition struct {
	Probability float64
	To          job.State
}

// Graph maps a state to the transitions a poll may take from it. Whatever
// probability is left over keeps the job where it is.
type Graph map[job.State][]Transition

// NormalGraph advances a job one step on every poll:
// SUBMITTED -> RUNNING -> TERMINATING.
func NormalGraph() Graph {
	return Graph{
		job.StateSubmitted: {{Probability: 1, To: job.StateRunning}},
		job.StateRunning:   {{Probability: 1, To: job.StateTerminating}},
	}
}

// ParseGraph builds a Graph from its configuration form, e.g.
//
//	SUBMITTED: {RUNNING: 0.8}
//	RUNNING:   {TERMINATING: 0.5, STOPPED: 0.1}
//
// Probabilities are numbers in [0, 1] (or percentages like "80%") and must not
// add up to more than 1 per source state.
func ParseGraph(raw map[string]map[string]any) (Graph, error) {
	g := make(Graph, len(raw))
	for fromName, targets := range raw {
		from, err := job.ParseState(fromName)
		if err != nil {
			return nil, fmt.Errorf("%w: transition graph: %w", job.ErrConfiguration, err)
		}
		var total float64
		for toName, rawProb := range targets {
			to, err := job.ParseState(toName)
			if err != nil {
				return nil, fmt.Errorf("%w: transition graph: %w", job.ErrConfiguration, err)
			}
			if to == job.StateTerminated {
				return nil, fmt.Errorf("%w: transition graph: %s -> %s: a job only reaches TERMINATED once its output is fetched", job.ErrConfiguration, from, to)
			}
			if !job.CanTransition(from, to) {
				return nil, fmt.Errorf("%w: transition graph: %s -> %s is not a valid transition", job.ErrConfiguration, from, to)
			}
			p, err := parseProbability(rawProb)
			if err != nil {
				return nil, fmt.Errorf("%w: transition graph %s -> %s: %w", job.ErrConfiguration, from, to, err)
			}
			total += p
			g[from] = append(g[from], Transition{Probability: p, To: to})
		}
		if total > 1+1e-9 {
			return nil, fmt.Errorf("%w: transition graph: probabilities out of %s add up to %g", job.ErrConfiguration, from, total)
		}
	}
	for from := range g {
		g[from] = sortTransitions(g[from])
	}
	return g, nil
}

func parseProbability(v any) (float64, error) {
	var p float64
	switch x := v.(type) {
	case float64:
		p = x
	case float32:
		p = float64(x)
	case int:
		p = float64(x)
	case int64:
		p = float64(x)
	case string:
		s := strings.TrimSpace(x)
		scale := 1.0
		if strings.HasSuffix(s, "%") {
			s, scale = strings.TrimSuffix(s, "%"), 0.01
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid probability %q", x)
		}
		p = f * scale
	default:
		return 0, fmt.Errorf("invalid probability %v", v)
	}
	if p < 0 || p > 1 {
		return 0, fmt.Errorf("probability %g outside [0, 1]", p)
	}
	return p, nil
}

// sortTransitions orders transitions by ascending probability, then by target
// state, so that a given dice roll always selects the same target.
func sortTransitions(ts []Transition) []Transition {
	out := append([]Transition(nil), ts...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability < out[j].Probability
		}
		return out[i].To < out[j].To
	})
	return out
}

// next picks the target for a roll in [0, 1). ok is false when the roll falls
// into the leftover probability.
func (g Graph) next(from job.State, dice float64) (job.State, bool) {
	for _, tr := range g[from] {
		if dice < tr.Probability {
			return tr.To, true
		}
		dice -= tr.Probability
	}
	return from, false
}
