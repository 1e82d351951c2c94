package contracts

import "path/filepath"

// resolveRelative joins mention onto the directory containing basePath,
// matching the recipe-kind step's "relative to the parent recipe" rule.
func resolveRelative(basePath, mention string) (string, error) {
	if filepath.IsAbs(mention) {
		return mention, nil
	}
	dir := filepath.Dir(basePath)
	return filepath.Join(dir, mention), nil
}
