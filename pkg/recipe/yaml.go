package recipe

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and decodes a recipe document from disk, applies default
// policy values, and validates its structure. The returned recipe is ready
// to execute.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a recipe document from raw YAML bytes, applies defaults,
// and validates it.
func Parse(data []byte) (*Recipe, error) {
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse recipe yaml: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.ApplyDefaults()
	return &r, nil
}

// Marshal serializes a recipe back to YAML, used to snapshot the recipe
// under a session directory as recipe.yaml for later resumption.
func Marshal(r *Recipe) ([]byte, error) {
	return yaml.Marshal(r)
}
