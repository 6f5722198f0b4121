package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level structure mapping to flowsim.toml. Every field has
// a working default; the file and all of its keys are optional.
type Config struct {
	Orders    int             `toml:"orders"`
	Scheduler SchedulerConfig `toml:"scheduler"`
}

// SchedulerConfig maps to the [scheduler] section.
type SchedulerConfig struct {
	Workers   int      `toml:"workers"`
	IdleDelay Duration `toml:"idle_delay"`
	BatchSize int      `toml:"batch_size"`
}

// Duration wraps time.Duration so TOML values can be written as "250ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() Config {
	return Config{
		Orders: 3,
		Scheduler: SchedulerConfig{
			Workers:   4,
			IdleDelay: Duration(50 * time.Millisecond),
			BatchSize: 16,
		},
	}
}

// LoadConfig reads path and overlays it on the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}
