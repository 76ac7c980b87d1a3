// Package manifest handles psoup.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a psoup.toml runtime configuration.
type Manifest struct {
	Pool    Pool    `toml:"pool"`
	Loop    Loop    `toml:"loop"`
	Debug   Debug   `toml:"debug"`
	Isolate Isolate `toml:"isolate"`

	// Dir is the directory containing the psoup.toml file (set at load time).
	Dir string `toml:"-"`
}

// Pool configures the worker thread pool.
type Pool struct {
	// Workers is the pool size. Zero means one worker per CPU.
	Workers int `toml:"workers"`
}

// Loop selects the message-loop strategy for every isolate.
type Loop struct {
	// Strategy is "portable" or "native".
	Strategy string `toml:"strategy"`
}

// Debug configures assertion strength.
type Debug struct {
	// InvariantChecks enables the lock/monitor misuse assertions.
	InvariantChecks bool `toml:"invariant-checks"`
}

// Isolate configures per-isolate defaults.
type Isolate struct {
	// Seed seeds the runtime's root random source. Zero means
	// time-derived.
	Seed uint64 `toml:"seed"`
}

// Default returns the configuration used when no psoup.toml exists.
func Default() *Manifest {
	return &Manifest{
		Loop:  Loop{Strategy: "portable"},
		Debug: Debug{InvariantChecks: true},
	}
}

// Load parses a psoup.toml file from the given directory. The file's
// settings override the defaults.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "psoup.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	if err := toml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	m.Dir = dir
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return m, nil
}

// Validate checks field ranges.
func (m *Manifest) Validate() error {
	if m.Pool.Workers < 0 {
		return fmt.Errorf("pool.workers must not be negative, got %d", m.Pool.Workers)
	}
	switch m.Loop.Strategy {
	case "", "portable", "native":
	default:
		return fmt.Errorf("loop.strategy must be \"portable\" or \"native\", got %q", m.Loop.Strategy)
	}
	return nil
}
