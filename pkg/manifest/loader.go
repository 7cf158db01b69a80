package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, validates and defaults the manifest at path. The format follows
// the extension (.json, .yaml, .yml); anything else is tried as YAML, then JSON.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return nil, fmt.Errorf("manifest file not found: %s", path)
	case os.IsPermission(err):
		return nil, fmt.Errorf("permission denied reading manifest: %s", path)
	case err != nil:
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromReader is Load for an already open stream. path only guides format
// detection and defaults.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes validates the raw document before decoding it, so unknown
// properties are reported instead of silently dropped.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("manifest is empty")
	}
	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	m.ApplyDefaults(path)
	return &m, nil
}

// toJSON normalizes YAML or JSON input to JSON.
func toJSON(data []byte, path string) ([]byte, error) {
	isJSON := func() error {
		var raw any
		return json.Unmarshal(data, &raw)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := isJSON(); err != nil {
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, nil
	case ".yaml", ".yml":
		return yamlToJSON(data)
	}

	out, yamlErr := yamlToJSON(data)
	if yamlErr == nil {
		return out, nil
	}
	if isJSON() == nil {
		return data, nil
	}
	return nil, fmt.Errorf("parse manifest (tried YAML and JSON): %w", yamlErr)
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert manifest to JSON: %w", err)
	}
	return out, nil
}
