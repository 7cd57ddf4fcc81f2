// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the kegstat TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// Config is the whole configuration file.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Flow    FlowConfig    `toml:"flow"`
	Auth    AuthConfig    `toml:"auth"`
	Metrics MetricsConfig `toml:"metrics"`
	Records RecordsConfig `toml:"records"`
	Taps    []TapConfig   `toml:"tap"`
	Tokens  []TokenConfig `toml:"token"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console or json
}

type FlowConfig struct {
	IdleTimeoutMs   int64 `toml:"idle_timeout_ms"`
	SweepIntervalMs int64 `toml:"sweep_interval_ms"`
	AutoEndAfterMs  int64 `toml:"auto_end_after_ms"`
}

func (f FlowConfig) IdleTimeout() time.Duration {
	return time.Duration(f.IdleTimeoutMs) * time.Millisecond
}

func (f FlowConfig) SweepInterval() time.Duration {
	return time.Duration(f.SweepIntervalMs) * time.Millisecond
}

func (f FlowConfig) AutoEndAfter() time.Duration {
	return time.Duration(f.AutoEndAfterMs) * time.Millisecond
}

// TapConfig binds a tap to a meter and, optionally, a relay.
type TapConfig struct {
	Name      string  `toml:"name"`
	Meter     string  `toml:"meter"`
	Relay     string  `toml:"relay,omitempty"`
	MlPerTick float64 `toml:"ml_per_tick"`
}

// TokenConfig maps an authentication token to a drinker.
type TokenConfig struct {
	AuthDevice string `toml:"auth_device"`
	Token      string `toml:"token"`
	Username   string `toml:"username"`
	// Tap restricts the token to one tap; empty uses auth.default_tap.
	Tap string `toml:"tap,omitempty"`
}

type AuthConfig struct {
	DefaultTap string `toml:"default_tap"`
}

type MetricsConfig struct {
	// Listen is the Prometheus listen address; empty disables metrics.
	Listen string `toml:"listen"`
}

type RecordsConfig struct {
	// Path is the drink record file; empty disables records.
	Path string `toml:"path"`
}

// DefaultMlPerTick is the calibration of the stock Kegboard meter.
const DefaultMlPerTick = 1000.0 / 5400.0

// Default returns the configuration written for a fresh install.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Flow: FlowConfig{
			IdleTimeoutMs:   30000,
			SweepIntervalMs: 1000,
			AutoEndAfterMs:  5000,
		},
		Auth:    AuthConfig{DefaultTap: "tap0"},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9110"},
		Records: RecordsConfig{Path: "drinks.cbor"},
		Taps: []TapConfig{
			{Name: "tap0", Meter: "kegboard.flow0", Relay: "kegboard.relay0", MlPerTick: DefaultMlPerTick},
			{Name: "tap1", Meter: "kegboard.flow1", Relay: "kegboard.relay1", MlPerTick: DefaultMlPerTick},
		},
	}
}

// Load reads path, writing the default configuration there first if the
// file does not exist. Keys missing from the file keep their defaults; taps
// and tokens come only from the file.
func Load(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := Write(path, Default()); err != nil {
			return Config{}, err
		}
	}

	cfg := Default()
	cfg.Taps = nil
	cfg.Tokens = nil

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("load config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Write encodes cfg to path.
func Write(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return f.Close()
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Auth.DefaultTap = strings.TrimSpace(c.Auth.DefaultTap)
	for i := range c.Taps {
		c.Taps[i].Name = strings.TrimSpace(c.Taps[i].Name)
		c.Taps[i].Meter = strings.TrimSpace(c.Taps[i].Meter)
		c.Taps[i].Relay = strings.TrimSpace(c.Taps[i].Relay)
	}
	for i := range c.Tokens {
		c.Tokens[i].AuthDevice = strings.TrimSpace(c.Tokens[i].AuthDevice)
		c.Tokens[i].Token = strings.ToLower(strings.TrimSpace(c.Tokens[i].Token))
		c.Tokens[i].Username = strings.TrimSpace(c.Tokens[i].Username)
		c.Tokens[i].Tap = strings.TrimSpace(c.Tokens[i].Tap)
	}
}

// FieldError names the offending configuration field.
type FieldError struct {
	Field string
	Msg   string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Msg
}

var relayNamePattern = regexp.MustCompile(`^[^.:]+[.:]relay\d+$`)

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &FieldError{Field: field, Msg: fmt.Sprintf(format, args...)})
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		bad("log.level", "unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		bad("log.format", "must be console or json, got %q", c.Log.Format)
	}

	if c.Flow.IdleTimeoutMs < 0 {
		bad("flow.idle_timeout_ms", "must not be negative")
	}
	if c.Flow.SweepIntervalMs <= 0 {
		bad("flow.sweep_interval_ms", "must be positive")
	}
	if c.Flow.AutoEndAfterMs < 0 {
		bad("flow.auto_end_after_ms", "must not be negative")
	}

	taps := make(map[string]bool)
	meters := make(map[string]string)
	for i, t := range c.Taps {
		field := fmt.Sprintf("tap[%d]", i)
		switch {
		case t.Name == "":
			bad(field+".name", "must be set")
		case taps[t.Name]:
			bad(field+".name", "duplicate tap %q", t.Name)
		}
		taps[t.Name] = true

		if t.Meter == "" {
			bad(field+".meter", "must be set")
		} else if other, ok := meters[t.Meter]; ok {
			bad(field+".meter", "%q is already bound to tap %q", t.Meter, other)
		} else {
			meters[t.Meter] = t.Name
		}

		if t.Relay != "" && !relayNamePattern.MatchString(t.Relay) {
			bad(field+".relay", "%q is not of the form <board>.relayN", t.Relay)
		}
		if t.MlPerTick < 0 {
			bad(field+".ml_per_tick", "must not be negative")
		}
	}

	type tokenKey struct{ device, token string }
	tokens := make(map[tokenKey]bool)
	for i, t := range c.Tokens {
		field := fmt.Sprintf("token[%d]", i)
		if t.AuthDevice == "" {
			bad(field+".auth_device", "must be set")
		}
		if t.Token == "" {
			bad(field+".token", "must be set")
		}
		if t.Username == "" {
			bad(field+".username", "must be set")
		}
		if t.Tap != "" && !taps[t.Tap] {
			bad(field+".tap", "unknown tap %q", t.Tap)
		}
		key := tokenKey{t.AuthDevice, t.Token}
		if tokens[key] {
			bad(field, "duplicate token %s|%s", t.AuthDevice, t.Token)
		}
		tokens[key] = true
	}

	if c.Auth.DefaultTap != "" && !taps[c.Auth.DefaultTap] {
		bad("auth.default_tap", "unknown tap %q", c.Auth.DefaultTap)
	}

	return errors.Join(errs...)
}
