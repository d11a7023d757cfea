// Package config loads the parent CLI's YAML configuration.
//
//	locator:
//	  paths:
//	    "32": [/opt/childproc/taskhost32]
//	    "64": [/opt/childproc/taskhost]
//	  search: [taskhost]
//	timeouts:
//	  start: 10s
//	  completion: 5m
//	  kill: 10s
//	  join: 10s
//	  drain: 10s
//	log:
//	  level: info
//
// Flags override anything set here, and CHILDPROC_LOG_LEVEL overrides log.level.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/guseggert/childproc/locator"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Locator  LocatorConfig  `yaml:"locator"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Log      LogConfig      `yaml:"log"`
}

type LocatorConfig struct {
	// Paths maps a bitness ("any", "32", "64") to candidate executables.
	Paths map[string][]string `yaml:"paths"`
	// Search lists executable names looked for in the working directory and its parents.
	Search []string `yaml:"search"`
	// SearchDir is where the search starts instead of the working directory.
	SearchDir string `yaml:"search_dir"`
}

type TimeoutsConfig struct {
	Start      Duration `yaml:"start"`
	Completion Duration `yaml:"completion"`
	Kill       Duration `yaml:"kill"`
	Join       Duration `yaml:"join"`
	Drain      Duration `yaml:"drain"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration reads durations like "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when there is no file.
func Default() *Config {
	return &Config{
		Timeouts: TimeoutsConfig{
			Start:      Duration(10 * time.Second),
			Completion: Duration(5 * time.Minute),
			Kill:       Duration(10 * time.Second),
			Join:       Duration(10 * time.Second),
			Drain:      Duration(10 * time.Second),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the file at path on top of the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a configuration on top of the defaults. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHILDPROC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func (c *Config) Validate() error {
	var errs []string
	for bits := range c.Locator.Paths {
		if _, err := locator.ParseBitness(bits); err != nil {
			errs = append(errs, fmt.Sprintf("locator.paths: %s", err))
		}
	}
	for name, d := range map[string]Duration{
		"start":      c.Timeouts.Start,
		"completion": c.Timeouts.Completion,
		"kill":       c.Timeouts.Kill,
		"join":       c.Timeouts.Join,
		"drain":      c.Timeouts.Drain,
	} {
		if d < 0 {
			errs = append(errs, fmt.Sprintf("timeouts.%s must not be negative", name))
		}
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, fmt.Sprintf("log.level: %s", err))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) LogLevel() (zapcore.Level, error) {
	return zapcore.ParseLevel(c.Log.Level)
}

// BuildLocator returns a locator trying the configured paths, then the searched names, then fallback if not nil.
func (c *Config) BuildLocator(fallback locator.Locator) (locator.Locator, error) {
	var chain locator.Chain
	if len(c.Locator.Paths) > 0 {
		static := &locator.Static{Paths: map[locator.Bitness][]string{}}
		for bits, paths := range c.Locator.Paths {
			b, err := locator.ParseBitness(bits)
			if err != nil {
				return nil, err
			}
			static.Paths[b] = append(static.Paths[b], paths...)
		}
		chain = append(chain, static)
	}
	for _, name := range c.Locator.Search {
		chain = append(chain, &locator.FindUp{Name: name, Dir: c.Locator.SearchDir})
	}
	if fallback != nil {
		chain = append(chain, fallback)
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}
