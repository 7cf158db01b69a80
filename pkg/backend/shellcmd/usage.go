package shellcmd

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gobatch/pkg/job"
)

// timeFormat is handed to GNU time -f. Every line is Key=Value; GNU time
// prints "?" for values it could not collect.
const timeFormat = `WallTime=%es
KernelTime=%Ss
UserTime=%Us
CPUUsage=%P
MaxResidentMemory=%MkB
AverageResidentMemory=%tkB
AverageTotalMemory=%KkB
AverageUnsharedMemory=%DkB
AverageUnsharedStack=%pkB
AverageSharedMemory=%XkB
PageSize=%ZB
MajorPageFaults=%F
MinorPageFaults=%R
Swaps=%W
ForcedSwitches=%c
WaitSwitches=%w
Inputs=%I
Outputs=%O
SocketReceived=%r
SocketSent=%s
Signals=%k
ReturnCode=%x`

type usageField struct {
	name  string
	parse func(string) (any, error)
}

var usageFields = map[string]usageField{
	"WallTime":              {"duration", parseDurationValue},
	"KernelTime":            {"kernel_time", parseDurationValue},
	"UserTime":              {"user_time", parseDurationValue},
	"CPUUsage":              {"cpu_usage", parsePercentage},
	"MaxResidentMemory":     {"max_used_memory", parseMemoryValue},
	"AverageResidentMemory": {"average_resident_memory", parseMemoryValue},
	"AverageTotalMemory":    {"average_total_memory", parseMemoryValue},
	"AverageUnsharedMemory": {"average_unshared_memory", parseMemoryValue},
	"AverageUnsharedStack":  {"average_unshared_stack", parseMemoryValue},
	"AverageSharedMemory":   {"average_shared_memory", parseMemoryValue},
	"PageSize":              {"page_size", parseMemoryValue},
	"MajorPageFaults":       {"major_page_faults", parseCount},
	"MinorPageFaults":       {"minor_page_faults", parseCount},
	"Swaps":                 {"swapped", parseCount},
	"ForcedSwitches":        {"involuntary_context_switches", parseCount},
	"WaitSwitches":          {"voluntary_context_switches", parseCount},
	"Inputs":                {"filesystem_inputs", parseCount},
	"Outputs":               {"filesystem_outputs", parseCount},
	"SocketReceived":        {"socket_received", parseCount},
	"SocketSent":            {"socket_sent", parseCount},
	"Signals":               {"signals_delivered", parseCount},
	"ReturnCode":            {"returncode", parseCount},
}

// usageReport is the parsed content of the wrapper's accounting file. A key
// present with a nil value was reported as "?".
type usageReport map[string]any

func parseUsage(r io.Reader, logger *zap.Logger) (usageReport, error) {
	out := make(usageReport)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		field, known := usageFields[k]
		if !known {
			logger.Warn("Unknown key in accounting file, ignoring", zap.String("key", k))
			continue
		}
		if strings.HasPrefix(v, "?") {
			out[field.name] = nil
			continue
		}
		val, err := field.parse(v)
		if err != nil {
			return nil, fmt.Errorf("accounting field %s=%q: %w", k, v, err)
		}
		out[field.name] = val
	}
	return out, sc.Err()
}

// shellStatus returns the shell exit status recorded by the wrapper.
func (u usageReport) shellStatus() (int, bool) {
	v, ok := u["returncode"].(int64)
	return int(v), ok
}

func (u usageReport) duration(name string) *time.Duration {
	if d, ok := u[name].(time.Duration); ok {
		return &d
	}
	return nil
}

// apply copies the measurements onto run. The return code is left to the caller.
func (u usageReport) apply(run *job.Run) {
	run.Usage.Duration = u.duration("duration")
	if user, kernel := u.duration("user_time"), u.duration("kernel_time"); user != nil && kernel != nil {
		total := *user + *kernel
		run.Usage.UsedCPUTime = &total
	} else {
		run.Usage.UsedCPUTime = nil
	}
	if m, ok := u["max_used_memory"].(job.Memory); ok {
		run.Usage.MaxUsedMemory = &m
	} else {
		run.Usage.MaxUsedMemory = nil
	}
	for name, v := range u {
		switch name {
		case "duration", "max_used_memory", "returncode":
			continue
		}
		if d, ok := v.(time.Duration); ok {
			v = d.Seconds()
		}
		run.SetExtra(name, v)
	}
}

// parseGNUTimeDuration accepts HH:MM:SS, MM:SS or plain seconds with an
// optional fraction and trailing "s".
func parseGNUTimeDuration(val string) (time.Duration, error) {
	parts := strings.Split(val, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("expected HH:MM:SS, MM:SS or seconds, got %q", val)
	}
	secs, err := strconv.ParseFloat(strings.TrimSuffix(parts[len(parts)-1], "s"), 64)
	if err != nil {
		return 0, err
	}
	d := time.Duration(secs * float64(time.Second))
	units := []time.Duration{time.Minute, time.Hour}
	for i := len(parts) - 2; i >= 0; i-- {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return 0, err
		}
		d += time.Duration(n) * units[len(parts)-2-i]
	}
	return d, nil
}

func parseDurationValue(v string) (any, error) {
	return parseGNUTimeDuration(v)
}

func parsePercentage(v string) (any, error) {
	return strconv.ParseFloat(strings.TrimSuffix(v, "%"), 64)
}

// parseMemoryValue reads GNU time sizes: "NkB" is kibibytes, "NB" bytes.
func parseMemoryValue(v string) (any, error) {
	unit := job.Byte
	switch {
	case strings.HasSuffix(v, "kB"):
		unit = job.KiB
		v = strings.TrimSuffix(v, "kB")
	case strings.HasSuffix(v, "B"):
		v = strings.TrimSuffix(v, "B")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	return job.Memory(n) * unit, nil
}

func parseCount(v string) (any, error) {
	return strconv.ParseInt(v, 10, 64)
}

// parseElapsed reads ps etime output: [[dd-]hh:]mm:ss.
func parseElapsed(val string) (time.Duration, error) {
	val = strings.TrimSpace(val)
	var days int
	if d, rest, ok := strings.Cut(val, "-"); ok {
		n, err := strconv.Atoi(d)
		if err != nil {
			return 0, fmt.Errorf("invalid elapsed time %q", val)
		}
		days = n
		val = rest
	}
	parts := strings.Split(val, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid elapsed time %q", val)
	}
	var total time.Duration
	units := []time.Duration{time.Second, time.Minute, time.Hour}
	for i := 0; i < len(parts); i++ {
		n, err := strconv.Atoi(parts[len(parts)-1-i])
		if err != nil {
			return 0, fmt.Errorf("invalid elapsed time %q", val)
		}
		total += time.Duration(n) * units[i]
	}
	return total + time.Duration(days)*24*time.Hour, nil
}
