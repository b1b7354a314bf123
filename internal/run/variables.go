package run

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// VariablesFile is the project-wide variable overrides path. Values here sit
// between a factory's own defaults and per-invocation --var overrides.
func VariablesFile(factoryRoot string) string {
	return filepath.Join(factoryRoot, "variables.yaml")
}

// LoadVariables reads the project variable overrides. A missing file is an
// empty map, not an error.
func LoadVariables(factoryRoot string) (map[string]any, error) {
	data, err := os.ReadFile(VariablesFile(factoryRoot))
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("run: reading variables: %w", err)
	}
	vars := map[string]any{}
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("run: decoding variables: %w", err)
	}
	return vars, nil
}

// SaveVariables persists the resolved variable map with the temp-file +
// rename discipline, so the factory root records the exact variables the
// latest run started with.
func SaveVariables(factoryRoot string, vars map[string]any) error {
	data, err := yaml.Marshal(vars)
	if err != nil {
		return fmt.Errorf("run: marshaling variables: %w", err)
	}
	path := VariablesFile(factoryRoot)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("run: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("run: renaming %s: %w", tmp, err)
	}
	return nil
}
