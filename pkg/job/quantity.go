package job

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Memory is an amount of memory in bytes. Zero means "not specified".
type Memory int64

// Common memory units.
const (
	Byte Memory = 1
	KiB         = 1024 * Byte
	MiB         = 1024 * KiB
	GiB         = 1024 * MiB
)

// ParseMemory accepts human-readable sizes ("2GiB", "512 MB", "1024kB") and plain
// byte counts.
func ParseMemory(s string) (Memory, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %w", s, err)
	}
	return Memory(n), nil
}

func (m Memory) Bytes() int64 { return int64(m) }

func (m Memory) String() string {
	if m <= 0 {
		return "0B"
	}
	return humanize.IBytes(uint64(m))
}

func (m Memory) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(m), 10)), nil
}

func (m *Memory) UnmarshalText(b []byte) error {
	parsed, err := ParseMemory(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

var durationUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
}

// ParseDuration accepts Go duration syntax ("8h30m") as well as a number followed
// by a unit word ("30 minutes", "2 days"). A bare number is taken as seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	fields := strings.Fields(s)
	if len(fields) == 1 {
		if n, err := strconv.ParseFloat(fields[0], 64); err == nil {
			return time.Duration(n * float64(time.Second)), nil
		}
	}
	if len(fields) == 2 {
		n, err := strconv.ParseFloat(fields[0], 64)
		unit, ok := durationUnits[strings.ToLower(fields[1])]
		if err == nil && ok {
			return time.Duration(n * float64(unit)), nil
		}
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}
