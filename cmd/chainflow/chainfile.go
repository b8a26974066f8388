package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/chainflow/pkg/schema"
)

// loadChainFile reads a chain definition from a .yaml/.yml or .json file.
// A definition without an id takes the file's base name.
func loadChainFile(path string) (*schema.ChainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := parseChain(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

func parseChain(data []byte, ext string) (*schema.ChainConfig, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		// ChainConfig carries json tags only; re-encode so both formats
		// share one field mapping.
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		data = b
	case ".json", "":
	default:
		return nil, fmt.Errorf("unsupported chain file extension %q", ext)
	}

	var def schema.ChainConfig
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse chain: %w", err)
	}
	return &def, nil
}

// parseVars turns repeated key=value flags into run variables. Values that
// parse as JSON keep their type; anything else is a plain string.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --var %q: want key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			vars[k] = decoded
		} else {
			vars[k] = v
		}
	}
	return vars, nil
}
