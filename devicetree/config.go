package devicetree

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const defaultMaxPasses = 64

// Config controls what the populator makes visible and touchable.
type Config struct {
	// IgnoredDisks are hidden with everything on them.
	IgnoredDisks []string `yaml:"ignoredDisks"`

	// ExclusiveDisks, if set, hides every other disk.
	ExclusiveDisks []string `yaml:"exclusiveDisks"`

	// Controllable false marks every discovered device as not controllable.
	Controllable bool `yaml:"controllable"`

	// ProtectedDevices are names that refuse destructive actions.
	ProtectedDevices []string `yaml:"protectedDevices"`

	// ActivateContainers sets up complete containers during population so
	// that the devices on them are discovered too.
	ActivateContainers bool `yaml:"activateContainers"`

	// MaxPasses bounds the discovery loop.
	MaxPasses int `yaml:"maxPasses"`
}

// DefaultConfig returns a config that shows and controls everything.
func DefaultConfig() Config {
	return Config{
		Controllable: true,
		MaxPasses:    defaultMaxPasses,
	}
}

// LoadConfig reads a yaml config file. Unset fields keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}

	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}

	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = defaultMaxPasses
	}

	return cfg, nil
}

func (c Config) ignored(name string) bool {
	if contains(c.IgnoredDisks, name) {
		return true
	}

	return len(c.ExclusiveDisks) != 0 && !contains(c.ExclusiveDisks, name)
}

func (c Config) protected(name string) bool {
	return contains(c.ProtectedDevices, name)
}

func contains(list []string, s string) bool {
	for _, l := range list {
		if l == s {
			return true
		}
	}

	return false
}
