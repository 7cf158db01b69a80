// Package manifest loads application manifests.
//
// A manifest is a YAML or JSON file describing one application: the command,
// its data, and what it needs from a resource. Manifests are validated against
// an embedded JSON Schema that rejects unknown properties, then converted into
// a job.Application.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	name: wordcount
//	arguments: ["./count.sh", "input.txt"]
//	inputs:
//	  - source: count.sh
//	  - source: s3://corpus/books/moby.txt
//	    dest: input.txt
//	outputs:
//	  - source: "results/**/*.csv"
//	    dest: s3://corpus/results/
//	stdout: count.log
//	requirements:
//	  cores: 2
//	  memory: 2GiB
//	  walltime: 30 minutes
package manifest

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/3leaps/gobatch/pkg/job"
)

// Manifest is a validated application manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Name labels the task. Defaults to the manifest file name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Arguments is the command line; the first element is the executable.
	Arguments []string `json:"arguments" yaml:"arguments"`

	Inputs  []DataSpec `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []DataSpec `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// OutputDir receives outputs with relative destinations.
	OutputDir string `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`

	Stdin  string `json:"stdin,omitempty" yaml:"stdin,omitempty"`
	Stdout string `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty" yaml:"stderr,omitempty"`
	Join   bool   `json:"join,omitempty" yaml:"join,omitempty"`

	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`

	Requirements Requirements `json:"requirements,omitempty" yaml:"requirements,omitempty"`
}

// DataSpec pairs a data reference with a path in the execution directory.
// For inputs Source is the reference and Dest the relative path; for outputs
// it is the other way around.
type DataSpec struct {
	Source string `json:"source" yaml:"source"`
	Dest   string `json:"dest,omitempty" yaml:"dest,omitempty"`
}

// Requirements are the resources the application asks for.
type Requirements struct {
	Cores int `json:"cores,omitempty" yaml:"cores,omitempty"`

	// Memory accepts human-readable sizes: "512MB", "2GiB".
	Memory string `json:"memory,omitempty" yaml:"memory,omitempty"`

	// Walltime accepts Go durations ("8h") or "<n> <unit>" ("30 minutes").
	Walltime string `json:"walltime,omitempty" yaml:"walltime,omitempty"`

	Architecture string `json:"architecture,omitempty" yaml:"architecture,omitempty"`
}

// ApplyDefaults fills optional fields.
func (m *Manifest) ApplyDefaults(source string) {
	if m.Name == "" && source != "" {
		base := filepath.Base(source)
		m.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if m.Name == "" && len(m.Arguments) > 0 {
		m.Name = path.Base(m.Arguments[0])
	}
	for i := range m.Inputs {
		if m.Inputs[i].Dest == "" {
			m.Inputs[i].Dest = path.Base(strings.TrimSuffix(m.Inputs[i].Source, "/"))
		}
	}
	for i := range m.Outputs {
		if m.Outputs[i].Dest == "" {
			m.Outputs[i].Dest = m.Outputs[i].Source
			if m.Outputs[i].Source == job.AnyOutput {
				m.Outputs[i].Dest = "."
			}
		}
	}
}

// Application converts the manifest. Relative local paths (input sources and
// the output directory) are resolved against baseDir.
func (m *Manifest) Application(baseDir string) (job.Application, error) {
	app := job.Application{
		Name:                  m.Name,
		Arguments:             append([]string(nil), m.Arguments...),
		Stdin:                 m.Stdin,
		Stdout:                m.Stdout,
		Stderr:                m.Stderr,
		Join:                  m.Join,
		RequestedCores:        m.Requirements.Cores,
		RequestedArchitecture: m.Requirements.Architecture,
	}
	if len(m.Environment) > 0 {
		app.Environment = make(map[string]string, len(m.Environment))
		for k, v := range m.Environment {
			app.Environment[k] = v
		}
	}

	var err error
	if app.RequestedMemory, err = job.ParseMemory(m.Requirements.Memory); err != nil {
		return job.Application{}, fmt.Errorf("requirements.memory: %w", err)
	}
	if app.RequestedWalltime, err = job.ParseDuration(m.Requirements.Walltime); err != nil {
		return job.Application{}, fmt.Errorf("requirements.walltime: %w", err)
	}

	for i, in := range m.Inputs {
		src, err := job.ParseRef(resolveLocal(in.Source, baseDir))
		if err != nil {
			return job.Application{}, fmt.Errorf("inputs[%d]: %w", i, err)
		}
		app.Inputs = append(app.Inputs, job.Input{Source: src, Dest: in.Dest})
	}
	for i, out := range m.Outputs {
		dst, err := job.ParseOutputRef(out.Dest)
		if err != nil {
			return job.Application{}, fmt.Errorf("outputs[%d]: %w", i, err)
		}
		app.Outputs = append(app.Outputs, job.Output{Source: out.Source, Dest: dst})
	}
	if m.OutputDir != "" {
		app.OutputDir = resolveLocal(m.OutputDir, baseDir)
	}

	if err := app.Validate(); err != nil {
		return job.Application{}, err
	}
	return app, nil
}

func resolveLocal(p, baseDir string) string {
	if baseDir == "" || strings.Contains(p, "://") || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
