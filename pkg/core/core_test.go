// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package core

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/kegstat/pkg/config"
	"github.com/Thermoquad/kegstat/pkg/flow"
	"github.com/Thermoquad/kegstat/pkg/kegboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relayLog records relay toggles.
type relayLog struct {
	mu      sync.Mutex
	toggles []string
}

func (r *relayLog) ToggleOutput(name string, enable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toggles = append(r.toggles, fmt.Sprintf("%s=%t", name, enable))
	return nil
}

func (r *relayLog) Toggles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.toggles...)
}

type nopPort struct{}

func (nopPort) Read([]byte) (int, error)    { return 0, nil }
func (nopPort) Write(b []byte) (int, error) { return len(b), nil }
func (nopPort) Close() error                { return nil }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Taps = []config.TapConfig{
		{Name: "tap0", Meter: "kegboard.flow0", Relay: "kegboard.relay0", MlPerTick: 2},
		{Name: "tap1", Meter: "kegboard.flow1", MlPerTick: 1},
	}
	cfg.Tokens = []config.TokenConfig{
		{AuthDevice: "core.onewire", Token: "030201", Username: "alice"},
		{AuthDevice: "rfid", Token: "beef", Username: "bob", Tap: "tap1"},
	}
	cfg.Auth.DefaultTap = "tap0"
	return cfg
}

type harness struct {
	core   *Core
	clock  *flow.ManualClock
	relays *relayLog
	ctrl   *kegboard.Controller
	recs   *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  flow.NewManualClock(time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)),
		relays: &relayLog{},
		recs:   &bytes.Buffer{},
	}
	c, err := New(testConfig(), Options{
		Clock:   h.clock,
		Records: h.recs,
		Outputs: h.relays,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	h.core = c
	h.ctrl = kegboard.NewController(nopPort{}, "test", kegboard.ControllerConfig{})
	return h
}

func (h *harness) meter(name string, ticks uint32) {
	h.core.OnControllerEvent(h.ctrl, kegboard.MeterUpdateEvent{
		Meter: kegboard.FlowMeter{Controller: "kegboard", Name: name, Ticks: ticks},
	})
}

func (h *harness) token(device, value string) {
	h.core.OnControllerEvent(h.ctrl, kegboard.TokenAttachedEvent{
		Token: kegboard.AuthenticationToken{Device: device, Value: value},
	})
}

func TestNewRejectsSharedMeter(t *testing.T) {
	cfg := testConfig()
	cfg.Taps[1].Meter = cfg.Taps[0].Meter
	_, err := New(cfg, Options{})
	assert.ErrorIs(t, err, flow.ErrMeterInUse)
}

func TestMeterUpdatesDriveFlows(t *testing.T) {
	h := newHarness(t)

	h.meter("flow0", 500)
	h.meter("flow0", 520)

	snap, ok := h.core.Flows().FlowForTap("tap0")
	require.True(t, ok)
	assert.EqualValues(t, 20, snap.Ticks)
	assert.InDelta(t, 40.0, snap.VolumeMl, 1e-9)
	assert.Equal(t, []string{"kegboard.relay0=true"}, h.relays.Toggles())

	h.meter("flow9", 1)
	assert.Len(t, h.core.Flows().ActiveFlows(), 1)
}

func TestTapWithoutRelay(t *testing.T) {
	h := newHarness(t)
	h.meter("flow1", 1)

	_, ok := h.core.Flows().FlowForTap("tap1")
	require.True(t, ok)
	assert.Empty(t, h.relays.Toggles())
}

func TestTokenActivatesUser(t *testing.T) {
	h := newHarness(t)

	h.meter("flow0", 0)
	h.meter("flow0", 10)
	anon, _ := h.core.Flows().FlowForTap("tap0")

	h.token("core.onewire", "030201")
	snap, ok := h.core.Flows().FlowForTap("tap0")
	require.True(t, ok)
	assert.Equal(t, anon.ID, snap.ID)
	assert.Equal(t, "alice", snap.Username)

	h.token("rfid", "beef")
	bob, ok := h.core.Flows().FlowForTap("tap1")
	require.True(t, ok)
	assert.Equal(t, "bob", bob.Username)
}

func TestUnknownTokenIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.token("rfid", "0000")
	assert.Empty(t, h.core.Flows().ActiveFlows())
}

func TestTokenDetachedIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.core.OnControllerEvent(h.ctrl, kegboard.TokenDetachedEvent{
		Token: kegboard.AuthenticationToken{Device: "rfid", Value: "beef"},
	})
	assert.Empty(t, h.core.Flows().ActiveFlows())
}

func TestTemperatures(t *testing.T) {
	h := newHarness(t)
	h.core.OnControllerEvent(h.ctrl, kegboard.ThermoSensorUpdateEvent{
		Sensor: kegboard.ThermoSensor{Controller: "kegboard", Name: "thermo-1", TemperatureC: 3.25},
	})

	assert.Equal(t, map[string]float64{"kegboard.thermo-1": 3.25}, h.core.Temperatures())
	assert.Equal(t, []string{"kegboard.thermo-1"}, h.core.SensorNames())
}

func TestRunEndsFlowsOnShutdown(t *testing.T) {
	h := newHarness(t)

	h.meter("flow0", 0)
	h.meter("flow0", 30)
	h.token("core.onewire", "030201")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.core.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.Empty(t, h.core.Flows().ActiveFlows())
	assert.Equal(t, []string{"kegboard.relay0=true", "kegboard.relay0=false"}, h.relays.Toggles())

	records, err := flow.ReadRecords(h.recs)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].Username)
	assert.EqualValues(t, 30, records[0].Ticks)
	assert.InDelta(t, 60.0, records[0].VolumeMl, 1e-9)
}
