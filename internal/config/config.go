// Package config reads the sectioned configuration file consumed at
// startup: a COMMON section with toolkit-wide options plus one section per
// configured platform. Environment variables prefixed IDMTOOLS_ override
// any option.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"gopkg.in/yaml.v3"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/tags"
)

// EnvPrefix is the documented prefix for environment overrides, in the form
// IDMTOOLS_<SECTION>_<OPTION>.
const EnvPrefix = "IDMTOOLS_"

// Common holds the COMMON section.
type Common struct {
	MaxWorkers   int           `yaml:"max_workers"`
	BatchSize    int           `yaml:"batch_size"`
	MaxThreads   int           `yaml:"max_threads"`
	LoggingLevel string        `yaml:"logging_level"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Config is the resolved configuration object the core consumes.
type Config struct {
	Common Common

	// Platforms maps a platform name to its raw section. Each section
	// carries `type` (the driver plugin name) plus free-form fields the
	// driver consumes.
	Platforms map[string]map[string]interface{}
}

// cpuCount probes logical CPUs, preferring the gopsutil reading and falling
// back to the runtime's view when probing fails (containers without /proc).
func cpuCount() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	n := cpuCount()
	ioWorkers := n * 2
	if ioWorkers > 32 {
		ioWorkers = 32
	}
	return &Config{
		Common: Common{
			MaxWorkers:   ioWorkers,
			BatchSize:    16,
			MaxThreads:   n,
			LoggingLevel: "info",
			PollInterval: 5 * time.Second,
		},
		Platforms: make(map[string]map[string]interface{}),
	}
}

// Load reads the configuration file at path, merges defaults for unset
// options, and applies environment overrides. A missing file yields the
// defaults (still subject to environment overrides).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		applyEnvOverrides(cfg)
		return cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var sections map[string]map[string]interface{}
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("%w: config file %s: %v", errs.ErrValidation, path, err)
	}

	for name, section := range sections {
		if strings.EqualFold(name, "common") {
			applyCommon(&cfg.Common, section)
			continue
		}
		if _, ok := section["type"]; !ok {
			return nil, fmt.Errorf("%w: platform section %q has no type", errs.ErrValidation, name)
		}
		cfg.Platforms[name] = section
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyCommon(c *Common, section map[string]interface{}) {
	for key, raw := range section {
		setCommonOption(c, key, raw)
	}
}

func setCommonOption(c *Common, key string, raw interface{}) {
	v := tags.NormalizeValue(raw)
	switch strings.ToLower(key) {
	case "max_workers":
		if n, ok := v.(int64); ok && n > 0 {
			c.MaxWorkers = int(n)
		}
	case "batch_size":
		if n, ok := v.(int64); ok && n > 0 {
			c.BatchSize = int(n)
		}
	case "max_threads":
		if n, ok := v.(int64); ok && n > 0 {
			c.MaxThreads = int(n)
		}
	case "logging_level":
		if s, ok := v.(string); ok {
			c.LoggingLevel = s
		}
	case "poll_interval":
		switch d := v.(type) {
		case int64:
			c.PollInterval = time.Duration(d) * time.Second
		case string:
			if parsed, err := time.ParseDuration(d); err == nil {
				c.PollInterval = parsed
			}
		}
	}
}

// applyEnvOverrides scans the environment for IDMTOOLS_<SECTION>_<OPTION>
// variables. The section is the first underscore-delimited token; the rest
// is the option name, lowercased.
func applyEnvOverrides(cfg *Config) {
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		name, value := kv[len(EnvPrefix):eq], kv[eq+1:]
		sep := strings.IndexByte(name, '_')
		if sep <= 0 {
			continue
		}
		section := strings.ToLower(name[:sep])
		option := strings.ToLower(name[sep+1:])

		if section == "common" {
			setCommonOption(&cfg.Common, option, value)
			continue
		}
		if _, ok := cfg.Platforms[section]; !ok {
			cfg.Platforms[section] = make(map[string]interface{})
		}
		cfg.Platforms[section][option] = tags.NormalizeValue(value)
	}
}

// Platform returns the named platform section.
func (c *Config) Platform(name string) (map[string]interface{}, error) {
	section, ok := c.Platforms[name]
	if !ok {
		return nil, fmt.Errorf("%w: platform section %q", errs.ErrValidation, name)
	}
	return section, nil
}

// StringOption reads a string field from a platform section, with a default.
func StringOption(section map[string]interface{}, key, def string) string {
	if v, ok := section[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// IntOption reads an integer field from a platform section, with a default.
func IntOption(section map[string]interface{}, key string, def int) int {
	if v, ok := section[key]; ok {
		if n, ok := tags.NormalizeValue(v).(int64); ok {
			return int(n)
		}
	}
	return def
}
