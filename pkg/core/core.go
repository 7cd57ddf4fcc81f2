// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package core wires boards, taps and flows together.
//
// Meter updates from attached boards drive the flow manager, presented auth
// tokens attribute pours to drinkers, and flow start and end switch the
// tap's relay.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/Thermoquad/kegstat/pkg/config"
	"github.com/Thermoquad/kegstat/pkg/flow"
	"github.com/Thermoquad/kegstat/pkg/kbsp"
	"github.com/Thermoquad/kegstat/pkg/kegboard"
	"github.com/Thermoquad/kegstat/pkg/metrics"
	"github.com/rs/zerolog"
)

// OutputSwitch drives a named relay output.
type OutputSwitch interface {
	ToggleOutput(outputName string, enable bool) error
}

// Options are the runtime collaborators of a Core.
type Options struct {
	Clock  flow.Clock
	Logger zerolog.Logger
	// Records receives one CBOR drink record per completed flow; nil
	// disables records.
	Records io.Writer
	// Metrics enables the Prometheus collectors.
	Metrics bool
	// Boards tunes board verification; Clock, Logger and FrameHook are
	// filled in by New.
	Boards kegboard.ManagerConfig
	// Outputs overrides the relay driver; nil uses the board manager.
	Outputs OutputSwitch
}

// Core owns the tap registry, the flow manager and the board manager.
type Core struct {
	cfg     config.Config
	log     zerolog.Logger
	metrics bool

	taps    *flow.TapRegistry
	flows   *flow.Manager
	boards  *kegboard.Manager
	outputs OutputSwitch
	records *flow.RecordWriter
	tokens  map[kegboard.AuthenticationToken]config.TokenConfig

	boardsCtx    context.Context
	cancelBoards context.CancelFunc

	mu           sync.Mutex
	temperatures map[string]float64
}

// New builds a Core from a validated configuration.
func New(cfg config.Config, opts Options) (*Core, error) {
	if opts.Clock == nil {
		opts.Clock = flow.SystemClock{}
	}

	c := &Core{
		cfg:          cfg,
		log:          opts.Logger.With().Str("component", "core").Logger(),
		metrics:      opts.Metrics,
		taps:         flow.NewTapRegistry(),
		tokens:       make(map[kegboard.AuthenticationToken]config.TokenConfig),
		temperatures: make(map[string]float64),
	}
	c.boardsCtx, c.cancelBoards = context.WithCancel(context.Background())

	for _, t := range cfg.Taps {
		if err := c.taps.AddTap(flow.NewTap(t.Name, t.Meter, t.Relay, t.MlPerTick)); err != nil {
			return nil, fmt.Errorf("tap %s: %w", t.Name, err)
		}
	}
	for _, t := range cfg.Tokens {
		c.tokens[kegboard.AuthenticationToken{Device: t.AuthDevice, Value: t.Token}] = t
	}

	c.flows = flow.NewManager(c.taps, flow.ManagerConfig{
		IdleTimeout:   cfg.Flow.IdleTimeout(),
		SweepInterval: cfg.Flow.SweepInterval(),
		AutoEndAfter:  cfg.Flow.AutoEndAfter(),
		Clock:         opts.Clock,
		Logger:        opts.Logger,
	})

	boardCfg := opts.Boards
	boardCfg.Clock = opts.Clock
	boardCfg.Logger = opts.Logger
	if opts.Metrics {
		metrics.RegisterMetrics()
		boardCfg.FrameHook = func(ctrl *kegboard.Controller, m *kbsp.Message, err error) {
			metrics.RecordFrame(ctrl.Name(), m, err)
		}
	}
	c.boards = kegboard.NewManager(c, boardCfg)

	c.outputs = opts.Outputs
	if c.outputs == nil {
		c.outputs = c.boards
	}

	c.flows.AddListener(flow.ListenerFuncs{
		Start: func(s flow.Snapshot) { c.setRelay(s.TapName, true) },
		End:   func(s flow.Snapshot) { c.setRelay(s.TapName, false) },
	})
	if opts.Metrics {
		c.flows.AddListener(metrics.FlowCollector{})
	}
	if opts.Records != nil {
		c.records = flow.NewRecordWriter(opts.Records)
		c.flows.AddListener(c.records)
	}

	return c, nil
}

func (c *Core) Taps() *flow.TapRegistry   { return c.taps }
func (c *Core) Flows() *flow.Manager      { return c.flows }
func (c *Core) Boards() *kegboard.Manager { return c.boards }
func (c *Core) Config() config.Config     { return c.cfg }

// Attach verifies and starts a board on an open transport. The board's
// session lasts until Run returns or Close is called.
func (c *Core) Attach(port io.ReadWriteCloser, portName string) (*kegboard.Controller, error) {
	return c.boards.Attach(c.boardsCtx, port, portName)
}

// Run drives the idle sweep and the board maintenance loop until ctx is
// done. It then ends every open flow, with the boards still attached so
// relays are switched off, and closes every board.
func (c *Core) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	var boardsErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		boardsErr = c.boards.Run(c.boardsCtx)
	}()

	flowsErr := c.flows.Run(ctx)
	for _, s := range c.flows.Stop() {
		c.log.Info().Uint64("flow", s.ID).Str("tap", s.TapName).Msg("Ended flow on shutdown")
	}

	c.cancelBoards()
	wg.Wait()
	return errors.Join(flowsErr, boardsErr, c.RecordsErr())
}

// Close detaches every board without running the shutdown sequence of Run.
func (c *Core) Close() {
	c.cancelBoards()
	c.boards.Close()
}

// RecordsErr returns the first drink record write error.
func (c *Core) RecordsErr() error {
	if c.records == nil {
		return nil
	}
	return c.records.Err()
}

// Temperatures returns the last reading of every sensor by full name.
func (c *Core) Temperatures() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.temperatures))
	for k, v := range c.temperatures {
		out[k] = v
	}
	return out
}

// SensorNames returns the known sensors, sorted.
func (c *Core) SensorNames() []string {
	temps := c.Temperatures()
	names := make([]string, 0, len(temps))
	for name := range temps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Core) setRelay(tapName string, enable bool) {
	tap := c.taps.Tap(tapName)
	if tap == nil || tap.RelayName() == "" {
		return
	}
	if err := c.outputs.ToggleOutput(tap.RelayName(), enable); err != nil {
		c.log.Warn().Err(err).Str("tap", tapName).Str("relay", tap.RelayName()).Bool("enable", enable).Msg("Relay toggle failed")
	}
}

// OnControllerAttached implements kegboard.Listener.
func (c *Core) OnControllerAttached(ctrl *kegboard.Controller) {
	c.log.Info().Str("board", ctrl.Name()).Str("serial", ctrl.SerialNumber()).Msg("Board online")
	if c.metrics {
		metrics.SetBoardAttached(ctrl.Name(), true)
	}
}

// OnControllerRemoved implements kegboard.Listener.
func (c *Core) OnControllerRemoved(ctrl *kegboard.Controller) {
	c.log.Warn().Str("board", ctrl.Name()).Msg("Board offline")
	if c.metrics {
		metrics.SetBoardAttached(ctrl.Name(), false)
	}
}

// OnControllerEvent implements kegboard.Listener.
func (c *Core) OnControllerEvent(ctrl *kegboard.Controller, ev kegboard.Event) {
	switch ev := ev.(type) {
	case kegboard.MeterUpdateEvent:
		c.flows.HandleMeterActivity(ev.Meter.FullName(), int64(ev.Meter.Ticks))

	case kegboard.ThermoSensorUpdateEvent:
		name := ev.Sensor.FullName()
		c.mu.Lock()
		c.temperatures[name] = ev.Sensor.TemperatureC
		c.mu.Unlock()
		if c.metrics {
			metrics.RecordTemperature(name, ev.Sensor.TemperatureC)
		}

	case kegboard.TokenAttachedEvent:
		c.authenticate(ev.Token)

	case kegboard.TokenDetachedEvent:
		c.log.Debug().Str("board", ctrl.Name()).Stringer("token", ev.Token).Msg("Token removed")
	}
}

func (c *Core) authenticate(token kegboard.AuthenticationToken) {
	entry, ok := c.tokens[token]
	if !ok {
		c.log.Info().Stringer("token", token).Msg("Unknown token")
		return
	}

	tapName := entry.Tap
	if tapName == "" {
		tapName = c.cfg.Auth.DefaultTap
	}
	if tapName == "" {
		c.log.Warn().Str("user", entry.Username).Msg("Token has no tap and no default tap is configured")
		return
	}

	snap, err := c.flows.ActivateUserAtTap(tapName, entry.Username)
	if err != nil {
		c.log.Warn().Err(err).Str("user", entry.Username).Str("tap", tapName).Msg("Could not activate user")
		return
	}
	c.log.Info().Str("user", entry.Username).Str("tap", tapName).Uint64("flow", snap.ID).Msg("User activated")
}
