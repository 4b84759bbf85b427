// Package config loads the YAML configuration of the callsites command.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StrategyDefault = ""
	StrategyFrames  = "frames"
	StrategySymtab  = "symtab"
)

type Output struct {
	// Pprof is the gzip pprof destination; "-" means stdout.
	Pprof  string `yaml:"pprof"`
	Folded string `yaml:"folded"`
}

type OTLP struct {
	// Endpoint of an OTLP profiles collector; empty disables the export.
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

type Config struct {
	// Strategy selects the backtracer. Samples keep only the function name of
	// each row, whichever strategy resolved it.
	Strategy        string        `yaml:"strategy"`
	MaxDepth        int           `yaml:"max_depth"`
	MaxNameLength   int           `yaml:"max_name_length"`
	CollectInterval time.Duration `yaml:"collect_interval"`
	Duration        time.Duration `yaml:"duration"`
	LogLevel        string        `yaml:"log_level"`
	Output          Output        `yaml:"output"`
	OTLP            OTLP          `yaml:"otlp"`
}

func Default() Config {
	return Config{
		Strategy:        StrategySymtab,
		MaxDepth:        64,
		MaxNameLength:   256,
		CollectInterval: time.Second,
		Duration:        10 * time.Second,
		LogLevel:        "info",
		Output: Output{
			Pprof:  "callsites.pb.gz",
			Folded: "callsites.folded",
		},
		OTLP: OTLP{Timeout: 5 * time.Second},
	}
}

// Load reads path over the defaults. An empty path or an empty file yields
// the defaults; unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := decode(f, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Strategy {
	case StrategyDefault, StrategyFrames, StrategySymtab:
	default:
		errs = append(errs, fmt.Errorf("unknown strategy %q", c.Strategy))
	}
	if c.MaxDepth <= 0 {
		errs = append(errs, fmt.Errorf("max_depth must be > 0, got %d", c.MaxDepth))
	}
	if c.MaxNameLength <= 0 {
		errs = append(errs, fmt.Errorf("max_name_length must be > 0, got %d", c.MaxNameLength))
	}
	if c.CollectInterval <= time.Millisecond {
		errs = append(errs, fmt.Errorf("collect_interval must be > 1ms, got %s", c.CollectInterval))
	}
	if c.Duration < c.CollectInterval {
		errs = append(errs, fmt.Errorf("duration %s is shorter than collect_interval %s", c.Duration, c.CollectInterval))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.OTLP.Endpoint != "" && c.OTLP.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("otlp.timeout must be > 0, got %s", c.OTLP.Timeout))
	}
	if c.Output.Pprof == "" && c.Output.Folded == "" && c.OTLP.Endpoint == "" {
		errs = append(errs, errors.New("no output configured"))
	}
	return errors.Join(errs...)
}

func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
