package contracts

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads every *.yaml/*.yml file in dir as a Contract and validates
// each, mirroring the teacher's directory-of-YAML-files config loading
// style (pkg/config's load of tarsy.yaml/llm-providers.yaml, generalized
// to one contract per file instead of one monolithic file).
func Load(dir string) ([]Contract, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("contracts: read dir %s: %w", dir, err)
	}

	var out []Contract
	seen := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("contracts: read %s: %w", path, err)
		}
		var c Contract
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("contracts: parse %s: %w", path, err)
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("contracts: %s: %w", path, err)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("contracts: duplicate contract name %q (in %s)", c.Name, path)
		}
		seen[c.Name] = true
		out = append(out, c)
	}
	return out, nil
}
