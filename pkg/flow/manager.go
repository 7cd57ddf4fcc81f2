// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Default manager timing.
const (
	DefaultIdleTimeout   = 30 * time.Second
	DefaultSweepInterval = 1 * time.Second
)

// noReading is the baseline of a tap that has not reported yet.
const noReading int64 = -1

// ManagerConfig configures a Manager. Zero values select defaults.
type ManagerConfig struct {
	// IdleTimeout is the maxIdle of flows created by meter activity.
	IdleTimeout time.Duration
	// SweepInterval is the Run loop period.
	SweepInterval time.Duration
	// AutoEndAfter ends an IDLE flow once it has been idle for
	// maxIdle+AutoEndAfter. Zero leaves idle flows open.
	AutoEndAfter time.Duration
	Clock        Clock
	Logger       zerolog.Logger
}

// Manager owns the open flow of every tap. It is safe for concurrent use;
// one mutex covers the flow map, the reading baselines, and every flow it
// owns.
type Manager struct {
	taps          *TapRegistry
	clock         Clock
	log           zerolog.Logger
	idleTimeout   time.Duration
	sweepInterval time.Duration
	autoEndAfter  time.Duration

	mu             sync.Mutex
	flows          map[string]*Flow // by tap name
	lastReading    map[string]int64 // by tap name
	listeners      []listenerEntry
	nextListenerID int
}

// NewManager creates a Manager over taps.
func NewManager(taps *TapRegistry, cfg ManagerConfig) *Manager {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.AutoEndAfter < 0 {
		cfg.AutoEndAfter = 0
	}

	return &Manager{
		taps:          taps,
		clock:         cfg.Clock,
		log:           cfg.Logger.With().Str("component", "flow").Logger(),
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		autoEndAfter:  cfg.AutoEndAfter,
		flows:         make(map[string]*Flow),
		lastReading:   make(map[string]int64),
	}
}

// Taps returns the registry the manager resolves meters against.
func (m *Manager) Taps() *TapRegistry { return m.taps }

// IdleTimeout returns the maxIdle given to flows created by meter activity.
func (m *Manager) IdleTimeout() time.Duration { return m.idleTimeout }

// HandleMeterActivity applies an absolute meter reading. The first reading
// of a tap and every forward step open or advance the tap's flow; a reading
// below the baseline re-anchors the baseline without touching the flow.
// It reports the touched flow, if any.
func (m *Manager) HandleMeterActivity(meterName string, reading int64) (Snapshot, bool) {
	tap := m.taps.TapForMeterName(meterName)
	if tap == nil {
		m.log.Debug().Str("meter", meterName).Int64("reading", reading).Msg("Activity on unknown meter")
		return Snapshot{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	baseline, ok := m.lastReading[tap.Name()]
	if !ok {
		baseline = noReading
	}
	m.lastReading[tap.Name()] = reading

	var delta int64
	if baseline >= 0 {
		delta = reading - baseline
		if delta < 0 {
			m.log.Warn().
				Str("tap", tap.Name()).
				Int64("baseline", baseline).
				Int64("reading", reading).
				Msg("Meter reading went backwards; re-anchoring")
			delta = 0
		}
	}

	if delta == 0 && baseline >= 0 {
		return Snapshot{}, false
	}

	f := m.flows[tap.Name()]
	if f == nil {
		f = m.startLocked(tap, m.idleTimeout)
	}
	if err := f.AddTicks(delta); err != nil {
		// Open flows are never completed; this is a bookkeeping bug.
		m.log.Error().Err(err).Uint64("flow", f.ID()).Msg("Dropping meter activity")
		return Snapshot{}, false
	}
	m.log.Debug().
		Str("tap", tap.Name()).
		Uint64("flow", f.ID()).
		Int64("delta", delta).
		Int64("ticks", f.Ticks()).
		Msg("Meter activity")

	m.publish(eventUpdate, f)
	return f.Snapshot(), true
}

// StartFlow opens a new flow on tapName. A flow already open on the tap is
// ended first.
func (m *Manager) StartFlow(tapName string, maxIdle time.Duration) (Snapshot, error) {
	tap := m.taps.Tap(tapName)
	if tap == nil {
		return Snapshot{}, fmt.Errorf("start flow on %q: %w", tapName, ErrUnknownTap)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.startLocked(tap, maxIdle)
	m.publish(eventUpdate, f)
	return f.Snapshot(), nil
}

// startLocked creates, registers and announces an ACTIVE flow.
func (m *Manager) startLocked(tap *Tap, maxIdle time.Duration) *Flow {
	if old := m.flows[tap.Name()]; old != nil {
		m.endLocked(old)
	}

	f := NewFlow(tap, maxIdle, m.clock)
	f.activate()
	m.flows[tap.Name()] = f

	m.log.Info().Str("tap", tap.Name()).Uint64("flow", f.ID()).Msg("Flow started")
	m.publish(eventStart, f)
	return f
}

// EndFlow completes the open flow with the given id. Ending a flow that is
// no longer open returns ErrFlowNotFound and has no other effect.
func (m *Manager) EndFlow(id uint64) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.flowByIDLocked(id)
	if f == nil {
		return Snapshot{}, fmt.Errorf("end flow %d: %w", id, ErrFlowNotFound)
	}
	m.endLocked(f)
	return f.Snapshot(), nil
}

// EndFlowAtTap completes the open flow on tapName, if any.
func (m *Manager) EndFlowAtTap(tapName string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.flows[tapName]
	if f == nil {
		return Snapshot{}, false
	}
	m.endLocked(f)
	return f.Snapshot(), true
}

func (m *Manager) endLocked(f *Flow) {
	delete(m.flows, f.Tap().Name())
	if err := f.SetFinished(); err != nil {
		m.log.Error().Err(err).Uint64("flow", f.ID()).Msg("Flow already finished")
		return
	}

	m.log.Info().
		Str("tap", f.Tap().Name()).
		Uint64("flow", f.ID()).
		Str("user", f.Username()).
		Int64("ticks", f.Ticks()).
		Float64("volume_ml", f.VolumeMl()).
		Dur("duration", f.Duration()).
		Msg("Flow ended")
	m.publish(eventUpdate, f)
	m.publish(eventEnd, f)
}

// ActivateUserAtTap attributes the pour on tapName to username. An anonymous
// flow takes the user in place; a flow owned by someone else is ended and a
// new flow is started for username. With no open flow, a new one is
// started.
func (m *Manager) ActivateUserAtTap(tapName, username string) (Snapshot, error) {
	tap := m.taps.Tap(tapName)
	if tap == nil {
		return Snapshot{}, fmt.Errorf("activate %q at %q: %w", username, tapName, ErrUnknownTap)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.flows[tapName]
	switch {
	case f != nil && f.Username() == username:
		return f.Snapshot(), nil
	case f != nil && f.IsAnonymous():
		m.log.Info().Str("tap", tapName).Uint64("flow", f.ID()).Str("user", username).Msg("User attached to flow")
	default:
		f = m.startLocked(tap, m.idleTimeout)
	}

	if err := f.SetUsername(username); err != nil {
		return Snapshot{}, err
	}
	m.publish(eventUpdate, f)
	return f.Snapshot(), nil
}

// SetShout sets the shout of an open flow.
func (m *Manager) SetShout(id uint64, shout string) (Snapshot, error) {
	return m.mutate(id, func(f *Flow) error { return f.SetShout(shout) })
}

// AddImage attaches an image to an open flow.
func (m *Manager) AddImage(id uint64, path string) (Snapshot, error) {
	return m.mutate(id, func(f *Flow) error { return f.AddImage(path) })
}

// SetVolume overrides the volume of an open flow.
func (m *Manager) SetVolume(id uint64, volumeMl float64) (Snapshot, error) {
	return m.mutate(id, func(f *Flow) error { return f.SetVolumeMl(volumeMl) })
}

func (m *Manager) mutate(id uint64, fn func(*Flow) error) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.flowByIDLocked(id)
	if f == nil {
		return Snapshot{}, fmt.Errorf("flow %d: %w", id, ErrFlowNotFound)
	}
	if err := fn(f); err != nil {
		return Snapshot{}, err
	}
	m.publish(eventUpdate, f)
	return f.Snapshot(), nil
}

func (m *Manager) flowByIDLocked(id uint64) *Flow {
	for _, f := range m.flows {
		if f.ID() == id {
			return f
		}
	}
	return nil
}

// sortedLocked returns the open flows in id order.
func (m *Manager) sortedLocked() []*Flow {
	flows := make([]*Flow, 0, len(m.flows))
	for _, f := range m.flows {
		flows = append(flows, f)
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID() < flows[j].ID() })
	return flows
}

// ActiveFlows returns every open flow, ACTIVE or IDLE, in id order.
func (m *Manager) ActiveFlows() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Snapshot
	for _, f := range m.sortedLocked() {
		out = append(out, f.Snapshot())
	}
	return out
}

// IdleFlows returns the open flows in the IDLE state.
func (m *Manager) IdleFlows() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Snapshot
	for _, f := range m.sortedLocked() {
		if f.State() == StateIdle {
			out = append(out, f.Snapshot())
		}
	}
	return out
}

// FlowByID returns the open flow with the given id.
func (m *Manager) FlowByID(id uint64) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f := m.flowByIDLocked(id); f != nil {
		return f.Snapshot(), true
	}
	return Snapshot{}, false
}

// FlowForTap returns the open flow on tapName.
func (m *Manager) FlowForTap(tapName string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f := m.flows[tapName]; f != nil {
		return f.Snapshot(), true
	}
	return Snapshot{}, false
}

// FlowForMeterName returns the open flow on the tap bound to meterName.
func (m *Manager) FlowForMeterName(meterName string) (Snapshot, bool) {
	tap := m.taps.TapForMeterName(meterName)
	if tap == nil {
		return Snapshot{}, false
	}
	return m.FlowForTap(tap.Name())
}

// SweepIdle moves ACTIVE flows past their idle timeout to IDLE and, when
// auto-end is enabled, ends flows that have stayed idle long enough. It
// returns the number of flows it changed.
func (m *Manager) SweepIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := 0
	for _, f := range m.sortedLocked() {
		switch f.State() {
		case StateActive:
			if f.IsIdle() && f.markIdle() {
				m.log.Debug().Str("tap", f.Tap().Name()).Uint64("flow", f.ID()).Msg("Flow idle")
				m.publish(eventUpdate, f)
				changed++
			}
		case StateIdle:
			if m.autoEndAfter > 0 && f.MaxIdle() > 0 && f.IdleTime() >= f.MaxIdle()+m.autoEndAfter {
				m.endLocked(f)
				changed++
			}
		}
	}
	return changed
}

// Run sweeps idle flows every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.SweepIdle()
		}
	}
}

// Stop ends every open flow and returns them in id order.
func (m *Manager) Stop() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ended []Snapshot
	for _, f := range m.sortedLocked() {
		m.endLocked(f)
		ended = append(ended, f.Snapshot())
	}
	return ended
}
