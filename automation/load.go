package automation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// LoadSpec reads a spec document from a YAML or JSON file, chosen by
// extension, and validates it. YAML documents are converted to JSON first so
// both formats share the same tagged-variant decoding.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if data, err = yaml.YAMLToJSON(data); err != nil {
			return nil, fmt.Errorf("convert %s: %w", path, err)
		}
	case ".json":
	default:
		return nil, fmt.Errorf("unsupported spec file extension %q", ext)
	}
	return ParseSpec(data)
}

// ParseSpec decodes and validates a JSON spec document.
func ParseSpec(data []byte) (*Spec, error) {
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse automation spec: %w", err)
	}
	if spec.Status == "" {
		spec.Status = StatusDraft
	}
	if spec.Version == 0 {
		spec.Version = 1
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// SaveSpec writes a spec to a YAML or JSON file, chosen by extension.
func (s *Spec) SaveSpec(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if data, err = yaml.JSONToYAML(data); err != nil {
			return err
		}
	case ".json":
	default:
		return fmt.Errorf("unsupported spec file extension %q", ext)
	}
	return os.WriteFile(path, data, 0644)
}
