package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/spyglasshq/spyglass/internal/types"
)

// profilesFile is the on-disk shape of the profiles document.
type profilesFile struct {
	Profiles []types.Profile `yaml:"intelligence_profiles"`
}

// LoadProfiles reads the ordered list of search profiles from a YAML file.
// Unlike the main config, a missing or empty profiles file is an error: the
// collector has nothing to do without at least one profile.
func LoadProfiles(path string) ([]types.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profiles file: %w", err)
	}

	var doc profilesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing profiles file: %w", err)
	}

	if len(doc.Profiles) == 0 {
		return nil, fmt.Errorf("profiles file %s contains no intelligence_profiles", path)
	}

	seen := make(map[string]bool, len(doc.Profiles))
	for i, p := range doc.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profile %d has no name", i)
		}
		if p.Query == "" {
			return nil, fmt.Errorf("profile %q has no query", p.Name)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate profile name %q", p.Name)
		}
		seen[p.Name] = true
	}

	return doc.Profiles, nil
}
