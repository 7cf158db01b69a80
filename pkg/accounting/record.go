// Package accounting keeps one small record per in-flight process so that a
// backend can rebuild its admission state after a restart.
package accounting

import (
	"time"

	"github.com/3leaps/gobatch/pkg/job"
)

// Record is the claim of one running process on its resource.
//
// NOTE: These fields are persisted as JSON under the resource directory and are
// read back by backend instances that did not write them.
type Record struct {
	PID             int        `json:"pid"`
	RequestedCores  int        `json:"requested_cores"`
	RequestedMemory job.Memory `json:"requested_memory"`
	ExecutionDir    string     `json:"execution_dir"`
	Terminated      bool       `json:"terminated"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Totals aggregates the records that still hold capacity.
type Totals struct {
	UsedCores  int
	UsedMemory job.Memory
	Running    int
}

// Sum adds up the cores and memory of records not flagged terminated.
func Sum(records []Record) Totals {
	var t Totals
	for _, r := range records {
		if r.Terminated {
			continue
		}
		t.UsedCores += r.RequestedCores
		t.UsedMemory += r.RequestedMemory
		t.Running++
	}
	return t
}
