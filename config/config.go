// Package config loads and validates the sourcemerge YAML
// configuration file.
package config

import (
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/suwayomi/sourcemerge/lib/pathsafe"
	"gopkg.in/yaml.v2"
)

// DefaultPath is used when neither the --config flag nor the
// environment variable names a file.
const DefaultPath = "/etc/sourcemerge/config.yaml"

// PathEnvVar overrides DefaultPath.
const PathEnvVar = "SOURCEMERGE_CONFIG"

// Duration is a time.Duration which unmarshals from a YAML string like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// D converts to a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Source is one configured manga source directory.
type Source struct {
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
	Priority *int   `yaml:"priority"` // lower sorts first; unset means lowest precedence
}

// Config is the full sourcemerge configuration.
type Config struct {
	Sources         []Source `yaml:"sources"`
	OverrideVolumes []string `yaml:"override_volumes"`
	BranchLinksRoot string   `yaml:"branch_links_root"`
	MountRoot       string   `yaml:"mount_root"`

	MergerfsOptions string `yaml:"mergerfs_options"`

	CommandTimeout Duration `yaml:"command_timeout"`
	ProbeTimeout   Duration `yaml:"probe_timeout"`
	PollInterval   Duration `yaml:"poll_interval"`
	ScanInterval   Duration `yaml:"scan_interval"`
	DebounceDelay  Duration `yaml:"debounce_delay"`

	HealthChecks        bool `yaml:"health_checks"`
	PruneBranchLinks    bool `yaml:"prune_branch_links"`
	CleanupHighPriority bool `yaml:"cleanup_high_priority"`
	IoniceClass         int  `yaml:"ionice_class"`
	NiceValue           int  `yaml:"nice_value"`
}

// Defaults returns a Config with every knob at its default. The
// mergerfs option base matches what the Suwayomi deployments ship
// with; a threads= token is appended at mount time unless the user
// supplies their own.
func Defaults() Config {
	return Config{
		MergerfsOptions:  "cache.files=partial,dropcacheonclose=true,category.create=ff",
		CommandTimeout:   Duration(30 * time.Second),
		ProbeTimeout:     Duration(10 * time.Second),
		PollInterval:     Duration(200 * time.Millisecond),
		ScanInterval:     Duration(10 * time.Minute),
		DebounceDelay:    Duration(2 * time.Second),
		HealthChecks:     true,
		PruneBranchLinks: true,
		IoniceClass:      2,
		NiceValue:        10,
	}
}

// ResolvePath picks the config file path from the flag value, the
// environment, or the default, in that order.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(PathEnvVar); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads, parses and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config file %q", path)
	}
	return Parse(data)
}

// Parse parses and validates raw YAML config data.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "cannot parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fails fast on configuration mistakes so they never reach
// mount execution.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return errors.New("config: at least one source is required")
	}
	seenNames := map[string]bool{}
	for _, src := range c.Sources {
		if err := pathsafe.ValidateLinkNameSegment(src.Name, "source name"); err != nil {
			return errors.Wrap(err, "config")
		}
		if seenNames[src.Name] {
			return errors.Errorf("config: source name %q is duplicated", src.Name)
		}
		seenNames[src.Name] = true
		if !pathsafe.IsFullyQualified(src.Path) {
			return errors.Errorf("config: source %q path %q must be absolute", src.Name, src.Path)
		}
	}
	if len(c.OverrideVolumes) == 0 {
		return errors.New("config: at least one override volume is required")
	}
	for _, vol := range c.OverrideVolumes {
		if !pathsafe.IsFullyQualified(vol) {
			return errors.Errorf("config: override volume %q must be absolute", vol)
		}
	}
	if !pathsafe.IsFullyQualified(c.BranchLinksRoot) {
		return errors.Errorf("config: branch_links_root %q must be absolute", c.BranchLinksRoot)
	}
	if !pathsafe.IsFullyQualified(c.MountRoot) {
		return errors.Errorf("config: mount_root %q must be absolute", c.MountRoot)
	}
	if pathsafe.ArePathsEqual(c.BranchLinksRoot, c.MountRoot) {
		return errors.New("config: branch_links_root and mount_root must differ")
	}
	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"command_timeout", c.CommandTimeout},
		{"probe_timeout", c.ProbeTimeout},
		{"poll_interval", c.PollInterval},
		{"scan_interval", c.ScanInterval},
		{"debounce_delay", c.DebounceDelay},
	} {
		if d.value <= 0 {
			return errors.Errorf("config: %s must be positive", d.name)
		}
	}
	if c.IoniceClass < 1 || c.IoniceClass > 3 {
		return errors.Errorf("config: ionice_class must be 1 to 3, got %d", c.IoniceClass)
	}
	if c.NiceValue < -20 || c.NiceValue > 19 {
		return errors.Errorf("config: nice_value must be -20 to 19, got %d", c.NiceValue)
	}
	return nil
}

// PriorityOrDefault implements mergelib.PriorityLookup: lower values
// sort first, unconfigured sources sort last.
func (c *Config) PriorityOrDefault(sourceName string) int {
	for _, src := range c.Sources {
		if src.Name == sourceName && src.Priority != nil {
			return *src.Priority
		}
	}
	return math.MaxInt
}
