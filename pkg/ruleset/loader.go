package ruleset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a ruleset declaration from a YAML file and compiles it.
// Deployments override the built-in tables with jurisdiction-specific ones
// this way; the compiled result is still immutable.
func LoadFile(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ruleset: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse compiles a YAML ruleset declaration.
func Parse(data []byte) (*Ruleset, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ruleset: parse: %w", err)
	}
	return f.Compile()
}
