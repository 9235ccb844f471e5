package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// File is the on-disk catalog format. YAML (.yaml, .yml) and JSON with
// comments (.json, .jsonc) are accepted.
type File struct {
	// ReplaceBuiltin drops the builtin table instead of extending it.
	ReplaceBuiltin bool   `yaml:"replaceBuiltin" json:"replaceBuiltin"`
	Tools          []Tool `yaml:"tools" json:"tools"`
}

// ParseFile decodes catalog file contents. The extension of name selects
// the format.
func ParseFile(name string, data []byte) (*File, error) {
	var f File
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog file type %q", ext)
	}
	return &f, nil
}

// Load builds a catalog from the builtin table and, when path is not empty,
// the catalog file at path.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	f, err := ParseFile(path, data)
	if err != nil {
		return nil, err
	}

	var tools []Tool
	if !f.ReplaceBuiltin {
		tools = Builtin()
	}
	tools = append(tools, f.Tools...)
	c, err := New(tools...)
	if err != nil {
		return nil, fmt.Errorf("catalog file %s: %w", path, err)
	}
	return c, nil
}
