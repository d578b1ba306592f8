package apps

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is a YAML file declaring applications in bulk
type Catalog struct {
	Applications []CatalogEntry `yaml:"applications"`
}

// CatalogEntry declares one application. Enabled defaults to true.
type CatalogEntry struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Command    []string          `yaml:"command"`
	WorkingDir string            `yaml:"working_dir"`
	Env        map[string]string `yaml:"env"`
	Enabled    *bool             `yaml:"enabled"`
}

// LoadCatalog reads and validates a catalog file
func LoadCatalog(path string) ([]*Application, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	seen := make(map[string]bool, len(catalog.Applications))
	list := make([]*Application, 0, len(catalog.Applications))
	for i, entry := range catalog.Applications {
		app := New(entry.ID, entry.Name, entry.Command)
		app.WorkingDir = entry.WorkingDir
		app.Env = entry.Env
		if entry.Enabled != nil {
			app.Enabled = *entry.Enabled
		}
		if err := app.Validate(); err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		if seen[app.ID] {
			return nil, fmt.Errorf("catalog entry %d: duplicate id %s", i, app.ID)
		}
		seen[app.ID] = true
		list = append(list, app)
	}
	return list, nil
}
