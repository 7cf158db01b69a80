package job

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// AnyOutput as an output source means "the whole execution directory".
const AnyOutput = "*"

// Input copies Source into the execution directory at Dest (relative).
type Input struct {
	Source *url.URL
	Dest   string
}

// Output copies Source (relative to the execution directory, possibly a glob)
// to Dest after the job terminates.
type Output struct {
	Source string
	Dest   *url.URL
}

type refPair struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`
}

func refString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

func parseOptionalRef(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	return url.Parse(raw)
}

func (in Input) MarshalJSON() ([]byte, error) {
	return json.Marshal(refPair{Source: refString(in.Source), Dest: in.Dest})
}

func (in *Input) UnmarshalJSON(b []byte) error {
	var p refPair
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	u, err := parseOptionalRef(p.Source)
	if err != nil {
		return err
	}
	in.Source, in.Dest = u, p.Dest
	return nil
}

func (out Output) MarshalJSON() ([]byte, error) {
	return json.Marshal(refPair{Source: out.Source, Dest: refString(out.Dest)})
}

func (out *Output) UnmarshalJSON(b []byte) error {
	var p refPair
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	u, err := parseOptionalRef(p.Dest)
	if err != nil {
		return err
	}
	out.Source, out.Dest = p.Source, u
	return nil
}

// Application describes what to run and what it needs.
type Application struct {
	Name      string   `json:"name"`
	Arguments []string `json:"arguments"`

	Inputs  []Input  `json:"inputs,omitempty"`
	Outputs []Output `json:"outputs,omitempty"`

	// OutputDir is the local directory that receives outputs with relative
	// destinations.
	OutputDir string `json:"output_dir,omitempty"`

	Stdin  string `json:"stdin,omitempty"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	// Join sends stderr to the stdout file.
	Join bool `json:"join,omitempty"`

	Environment map[string]string `json:"environment,omitempty"`

	RequestedCores        int           `json:"requested_cores,omitempty"`
	RequestedMemory       Memory        `json:"requested_memory,omitempty"`
	RequestedWalltime     time.Duration `json:"requested_walltime,omitempty"`
	RequestedArchitecture string        `json:"requested_architecture,omitempty"`
}

// Cores returns the requested core count, at least 1.
func (a *Application) Cores() int {
	if a.RequestedCores < 1 {
		return 1
	}
	return a.RequestedCores
}

// Validate checks the fields every backend relies on.
func (a *Application) Validate() error {
	if len(a.Arguments) == 0 || strings.TrimSpace(a.Arguments[0]) == "" {
		return fmt.Errorf("%w: application %q has no command", ErrInvalidOperation, a.Name)
	}
	if a.RequestedCores < 0 || a.RequestedMemory < 0 || a.RequestedWalltime < 0 {
		return fmt.Errorf("%w: application %q has negative requirements", ErrInvalidOperation, a.Name)
	}
	for _, in := range a.Inputs {
		if in.Source == nil {
			return fmt.Errorf("%w: input %q has no source", ErrInvalidOperation, in.Dest)
		}
		if err := checkRelative(in.Dest); err != nil {
			return err
		}
	}
	for _, out := range a.Outputs {
		if out.Dest == nil {
			return fmt.Errorf("%w: output %q has no destination", ErrInvalidOperation, out.Source)
		}
		if out.Source != AnyOutput {
			if err := checkRelative(out.Source); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkRelative(p string) error {
	if p == "" || path.IsAbs(p) {
		return fmt.Errorf("%w: path %q must be relative to the execution directory", ErrInvalidOperation, p)
	}
	for _, part := range strings.Split(path.Clean(p), "/") {
		if part == ".." {
			return fmt.Errorf("%w: path %q escapes the execution directory", ErrInvalidOperation, p)
		}
	}
	return nil
}

// DataRefs returns every input source and output destination.
func (a *Application) DataRefs() []*url.URL {
	refs := make([]*url.URL, 0, len(a.Inputs)+len(a.Outputs))
	for _, in := range a.Inputs {
		refs = append(refs, in.Source)
	}
	for _, out := range a.Outputs {
		refs = append(refs, out.Dest)
	}
	return refs
}

// IsLocalRef reports whether u points at the controller's filesystem.
func IsLocalRef(u *url.URL) bool {
	return u != nil && (u.Scheme == "" || u.Scheme == "file")
}

// ParseRef parses a data reference; a bare path becomes a file URL.
func ParseRef(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty data reference")
	}
	if !strings.Contains(raw, "://") {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return nil, err
		}
		return &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid data reference %q: %w", raw, err)
	}
	return u, nil
}

// ResolveOutput returns the destination for an output whose Dest is relative,
// placing it under dir.
func ResolveOutput(dest *url.URL, dir string) *url.URL {
	if !IsLocalRef(dest) || filepath.IsAbs(filepath.FromSlash(dest.Path)) {
		return dest
	}
	return &url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(dir, filepath.FromSlash(dest.Path)))}
}

// ParseOutputRef is ParseRef for output destinations: a bare relative path stays
// relative and is later placed under the task's output directory.
func ParseOutputRef(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" && !strings.Contains(raw, "://") && !filepath.IsAbs(raw) {
		return &url.URL{Path: filepath.ToSlash(raw)}, nil
	}
	return ParseRef(raw)
}
