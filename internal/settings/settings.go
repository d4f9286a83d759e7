// Package settings holds the runtime-tunable knobs exposed through the
// admin API, persisted to a YAML file between restarts.
package settings

import (
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Settings are optional runtime-tunable knobs.
type Settings struct {
	OwnerRateLimit int `yaml:"owner_rate_limit,omitempty" json:"owner_rate_limit,omitempty"`
	MinWorkers     int `yaml:"min_workers,omitempty" json:"min_workers,omitempty"`
	MaxWorkers     int `yaml:"max_workers,omitempty" json:"max_workers,omitempty"`
	RetentionHours int `yaml:"retention_hours,omitempty" json:"retention_hours,omitempty"`
}

var mu sync.Mutex

const (
	defaultOwnerRateLimit = 100
	defaultMinWorkers     = 1
	defaultMaxWorkers     = 10
	defaultRetentionHours = 24
)

// applyDefaults fills zero-values with sane defaults.
func applyDefaults(s Settings) Settings {
	if s.OwnerRateLimit == 0 {
		s.OwnerRateLimit = defaultOwnerRateLimit
	}
	if s.MinWorkers == 0 {
		s.MinWorkers = defaultMinWorkers
	}
	if s.MaxWorkers == 0 {
		s.MaxWorkers = defaultMaxWorkers
	}
	if s.RetentionHours == 0 {
		s.RetentionHours = defaultRetentionHours
	}
	return s
}

// merge fills zero fields of s from fallback.
func merge(s, fallback Settings) Settings {
	if s.OwnerRateLimit == 0 {
		s.OwnerRateLimit = fallback.OwnerRateLimit
	}
	if s.MinWorkers == 0 {
		s.MinWorkers = fallback.MinWorkers
	}
	if s.MaxWorkers == 0 {
		s.MaxWorkers = fallback.MaxWorkers
	}
	if s.RetentionHours == 0 {
		s.RetentionHours = fallback.RetentionHours
	}
	return s
}

// Load reads settings from path. Fields unset in the file fall back to
// fallback (typically the env-derived config values), and fields unset there
// to the built-in defaults. A missing file or empty path yields the
// fallbacks alone.
func Load(path string, fallback Settings) Settings {
	mu.Lock()
	defer mu.Unlock()
	fallback = applyDefaults(fallback)
	if path == "" {
		return fallback
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	var s Settings
	_ = yaml.Unmarshal(data, &s)
	return merge(s, fallback)
}

// Save writes settings to path, creating parent directories.
func Save(path string, s Settings) error {
	mu.Lock()
	defer mu.Unlock()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
