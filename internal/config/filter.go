package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"seed-search/internal/models"
)

// LoadFilter reads a filter descriptor from a .json, .yaml or .yml file. The id
// defaults to the file name without its extension and should clauses without a
// weight get models.DefaultWeight.
func LoadFilter(path string) (models.FilterDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.FilterDescriptor{}, fmt.Errorf("read filter: %w", err)
	}
	var f models.FilterDescriptor
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		err = json.Unmarshal(raw, &f)
	case ".yaml", ".yml":
		err = yaml.UnmarshalStrict(raw, &f)
	default:
		return f, fmt.Errorf("filter %s: unsupported extension %q (want .json, .yaml or .yml)", path, ext)
	}
	if err != nil {
		return f, fmt.Errorf("decode filter %s: %w", path, err)
	}
	if f.ID == "" {
		f.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return f.WithDefaults(), nil
}
