// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kegstat.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kegstat.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err, "default file must be created")

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := writeFile(t, `
[flow]
idle_timeout_ms = 10000

[[tap]]
name = "stout"
meter = "kegboard-00c0ffee.flow1"
relay = "kegboard-00c0ffee.relay1"
ml_per_tick = 0.2

[[token]]
auth_device = "core.onewire"
token = "  0000111122223333 "
username = "alice"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Flow.IdleTimeout())
	assert.Equal(t, time.Second, cfg.Flow.SweepInterval())
	assert.Equal(t, 5*time.Second, cfg.Flow.AutoEndAfter())
	assert.Equal(t, "info", cfg.Log.Level)

	require.Len(t, cfg.Taps, 1, "taps come only from the file")
	assert.Equal(t, "stout", cfg.Taps[0].Name)
	require.Len(t, cfg.Tokens, 1)
	assert.Equal(t, "0000111122223333", cfg.Tokens[0].Token)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, `
[flow]
idle_timeout = 5
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flow.idle_timeout")
}

func TestLoadRejectsBadSyntax(t *testing.T) {
	path := writeFile(t, "[flow\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"negative idle", func(c *Config) { c.Flow.IdleTimeoutMs = -1 }, "flow.idle_timeout_ms"},
		{"zero sweep", func(c *Config) { c.Flow.SweepIntervalMs = 0 }, "flow.sweep_interval_ms"},
		{"negative auto end", func(c *Config) { c.Flow.AutoEndAfterMs = -5 }, "flow.auto_end_after_ms"},
		{"duplicate tap", func(c *Config) { c.Taps[1].Name = "tap0" }, "tap[1].name"},
		{"shared meter", func(c *Config) { c.Taps[1].Meter = c.Taps[0].Meter }, "tap[1].meter"},
		{"bad relay", func(c *Config) { c.Taps[0].Relay = "relay0" }, "tap[0].relay"},
		{"negative calibration", func(c *Config) { c.Taps[0].MlPerTick = -1 }, "tap[0].ml_per_tick"},
		{"unknown default tap", func(c *Config) { c.Auth.DefaultTap = "tap9" }, "auth.default_tap"},
		{"token without user", func(c *Config) {
			c.Tokens = []TokenConfig{{AuthDevice: "rfid", Token: "aa"}}
		}, "token[0].username"},
		{"token on unknown tap", func(c *Config) {
			c.Tokens = []TokenConfig{{AuthDevice: "rfid", Token: "aa", Username: "bob", Tap: "nope"}}
		}, "token[0].tap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var fe *FieldError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestValidateDefault(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateReportsEveryField(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "xml"
	cfg.Flow.SweepIntervalMs = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.format")
	assert.Contains(t, err.Error(), "flow.sweep_interval_ms")
}
