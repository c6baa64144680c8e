package runnable

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the app metadata file at the root of an app folder.
const ManifestFile = "raw_app.yaml"

// DefaultAppPath is used when the manifest has no custom path.
const DefaultAppPath = "u/unknown/newapp"

// Manifest is the subset of raw_app.yaml the bridge reads.
type Manifest struct {
	Summary    string                    `yaml:"summary"`
	CustomPath string                    `yaml:"custom_path"`
	Data       ManifestData              `yaml:"data"`
	Runnables  map[string]map[string]any `yaml:"runnables"`
}

// ManifestData describes the datatable the app works against.
type ManifestData struct {
	Datatable string   `yaml:"datatable"`
	Schema    string   `yaml:"schema"`
	Tables    []string `yaml:"tables"`
}

// AppPath returns the app path used to scope component executions.
func (m *Manifest) AppPath() string {
	if m.CustomPath != "" {
		return m.CustomPath
	}
	return DefaultAppPath
}

// ReadManifest reads raw_app.yaml. A missing file is returned as an
// os.IsNotExist error.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &m, nil
}
