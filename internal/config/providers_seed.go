package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderSeed is one provider catalog entry from a seed file.
type ProviderSeed struct {
	Slug              string         `yaml:"slug"`
	Kind              string         `yaml:"kind"`
	Active            *bool          `yaml:"active"`
	TimeoutSeconds    int            `yaml:"timeout_seconds"`
	MaxRetries        int            `yaml:"max_retries"`
	RetryDelaySeconds int            `yaml:"retry_delay_seconds"`
	DefaultModel      string         `yaml:"default_model"`
	Config            map[string]any `yaml:"config"`
}

// IsActive reports the entry's active flag, defaulting to true when the
// seed file omits it.
func (p ProviderSeed) IsActive() bool {
	return p.Active == nil || *p.Active
}

// ProvidersSeed is the structure of a providers seed YAML file.
type ProvidersSeed struct {
	Providers []ProviderSeed `yaml:"providers"`
}

// LoadProvidersSeed reads and parses a provider catalog seed file.
func LoadProvidersSeed(filePath string) (ProvidersSeed, error) {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return ProvidersSeed{}, fmt.Errorf("providers seed file not found: %s", filePath)
	}

	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(filePath)
	if err != nil {
		return ProvidersSeed{}, fmt.Errorf("failed to read providers seed file: %w", err)
	}

	var seed ProvidersSeed
	if err := yaml.Unmarshal(content, &seed); err != nil {
		return ProvidersSeed{}, fmt.Errorf("failed to parse providers seed YAML: %w", err)
	}
	if len(seed.Providers) == 0 {
		return ProvidersSeed{}, fmt.Errorf("no providers found in seed file: %s", filePath)
	}
	for i, p := range seed.Providers {
		if p.Slug == "" {
			return ProvidersSeed{}, fmt.Errorf("providers seed entry %d has no slug", i)
		}
		if p.Kind != "sync" && p.Kind != "async" {
			return ProvidersSeed{}, fmt.Errorf("provider %q has unknown kind %q", p.Slug, p.Kind)
		}
	}
	return seed, nil
}
