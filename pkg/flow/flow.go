// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package flow turns meter ticks into pour sessions.
//
// A Flow is one continuous pour on one tap. The Manager owns the open flow
// of every tap, converts absolute meter readings into tick deltas, detects
// idle flows, attaches drinker identities, and publishes lifecycle events to
// listeners.
package flow

import (
	"fmt"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a flow.
type State int

// Flow states. A flow leaves INITIAL exactly once, may move between ACTIVE
// and IDLE any number of times, and never leaves COMPLETED.
const (
	StateInitial State = iota
	StateActive
	StateIdle
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateActive:
		return "ACTIVE"
	case StateIdle:
		return "IDLE"
	case StateCompleted:
		return "COMPLETED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// lastFlowID backs process-wide flow ids. Ids are never reused.
var lastFlowID atomic.Uint64

func nextFlowID() uint64 {
	return lastFlowID.Add(1)
}

// TickSample is one entry of a flow's tick time series.
type TickSample struct {
	Offset time.Duration `cbor:"offset"`
	Ticks  int64         `cbor:"ticks"`
}

// Flow is a single pour. A Flow is not safe for concurrent use; flows owned
// by a Manager are only touched under the manager's lock, and listeners see
// Snapshots instead.
type Flow struct {
	id    uint64
	tap   *Tap
	clock Clock

	state        State
	username     string
	ticks        int64
	volumeMl     float64
	start        time.Time
	end          time.Time
	lastActivity time.Time
	maxIdle      time.Duration
	shout        string
	images       []string
	series       []TickSample
}

// NewFlow creates a flow in the INITIAL state with a fresh id. A maxIdle of
// zero or less disables idle detection.
func NewFlow(tap *Tap, maxIdle time.Duration, clock Clock) *Flow {
	if clock == nil {
		clock = SystemClock{}
	}
	now := clock.Now()
	return &Flow{
		id:           nextFlowID(),
		tap:          tap,
		clock:        clock,
		state:        StateInitial,
		start:        now,
		lastActivity: now,
		maxIdle:      maxIdle,
	}
}

func (f *Flow) String() string {
	return fmt.Sprintf("<Flow %d tap=%s state=%s user=%q ticks=%d volume_ml=%.2f>",
		f.id, f.tap.Name(), f.state, f.username, f.ticks, f.volumeMl)
}

func (f *Flow) ID() uint64              { return f.id }
func (f *Flow) Tap() *Tap               { return f.tap }
func (f *Flow) State() State            { return f.state }
func (f *Flow) Username() string        { return f.username }
func (f *Flow) Ticks() int64            { return f.ticks }
func (f *Flow) VolumeMl() float64       { return f.volumeMl }
func (f *Flow) StartTime() time.Time    { return f.start }
func (f *Flow) EndTime() time.Time      { return f.end }
func (f *Flow) LastActivity() time.Time { return f.lastActivity }
func (f *Flow) MaxIdle() time.Duration  { return f.maxIdle }
func (f *Flow) Shout() string           { return f.shout }

// IsAnonymous reports whether no drinker is attached.
func (f *Flow) IsAnonymous() bool { return f.username == "" }

// IsCompleted reports whether the flow has finished.
func (f *Flow) IsCompleted() bool { return f.state == StateCompleted }

// Images returns a copy of the attached image paths.
func (f *Flow) Images() []string {
	return append([]string(nil), f.images...)
}

// TickSeries returns a copy of the tick time series.
func (f *Flow) TickSeries() []TickSample {
	return append([]TickSample(nil), f.series...)
}

// Duration is the time from start to end, or to now while open.
func (f *Flow) Duration() time.Duration {
	if f.state == StateCompleted {
		return f.end.Sub(f.start)
	}
	return f.clock.Now().Sub(f.start)
}

// IdleTime is the time since the last activity.
func (f *Flow) IdleTime() time.Duration {
	return f.clock.Now().Sub(f.lastActivity)
}

// TimeUntilIdle is how long until the flow goes idle, floored at zero.
func (f *Flow) TimeUntilIdle() time.Duration {
	return max(f.maxIdle-f.IdleTime(), 0)
}

// IsIdle reports whether the idle timeout has been exceeded. Flows without
// a timeout are never idle.
func (f *Flow) IsIdle() bool {
	if f.maxIdle <= 0 {
		return false
	}
	return f.IdleTime() > f.maxIdle
}

// Poke records activity now, waking an IDLE flow.
func (f *Flow) Poke() error {
	if f.state == StateCompleted {
		return ErrFlowCompleted
	}
	f.lastActivity = f.clock.Now()
	if f.state == StateIdle {
		f.state = StateActive
	}
	return nil
}

// AddTicks adds ticks and the volume they represent at the tap's current
// calibration, and counts as activity.
func (f *Flow) AddTicks(ticks int64) error {
	if f.state == StateCompleted {
		return fmt.Errorf("add %d ticks to flow %d: %w", ticks, f.id, ErrFlowCompleted)
	}
	if ticks < 0 {
		return fmt.Errorf("add %d ticks to flow %d: %w", ticks, f.id, ErrNegativeTicks)
	}
	f.ticks += ticks
	f.volumeMl += f.tap.VolumeMlForTicks(ticks)
	if ticks > 0 {
		f.series = append(f.series, TickSample{
			Offset: f.clock.Now().Sub(f.start),
			Ticks:  ticks,
		})
	}
	return f.Poke()
}

// AddVolumeMl adds volume without ticks.
func (f *Flow) AddVolumeMl(volumeMl float64) error {
	if f.state == StateCompleted {
		return fmt.Errorf("add volume to flow %d: %w", f.id, ErrFlowCompleted)
	}
	f.volumeMl += volumeMl
	return nil
}

// SetVolumeMl overrides the accumulated volume.
func (f *Flow) SetVolumeMl(volumeMl float64) error {
	if f.state == StateCompleted {
		return fmt.Errorf("set volume of flow %d: %w", f.id, ErrFlowCompleted)
	}
	f.volumeMl = volumeMl
	return nil
}

// SetUsername attaches a drinker; the empty string makes the flow
// anonymous again.
func (f *Flow) SetUsername(username string) error {
	if f.state == StateCompleted {
		return fmt.Errorf("set username of flow %d: %w", f.id, ErrFlowCompleted)
	}
	f.username = username
	return nil
}

// SetShout sets the drinker's message for this pour.
func (f *Flow) SetShout(shout string) error {
	if f.state == StateCompleted {
		return fmt.Errorf("set shout of flow %d: %w", f.id, ErrFlowCompleted)
	}
	f.shout = shout
	return nil
}

// AddImage attaches an image path to the pour.
func (f *Flow) AddImage(path string) error {
	if f.state == StateCompleted {
		return fmt.Errorf("add image to flow %d: %w", f.id, ErrFlowCompleted)
	}
	f.images = append(f.images, path)
	return nil
}

// SetFinished completes the flow. It can only happen once.
func (f *Flow) SetFinished() error {
	if f.state == StateCompleted {
		return fmt.Errorf("finish flow %d: %w", f.id, ErrFlowCompleted)
	}
	f.state = StateCompleted
	f.end = f.clock.Now()
	return nil
}

// activate moves an INITIAL flow to ACTIVE.
func (f *Flow) activate() {
	if f.state == StateInitial {
		f.state = StateActive
		f.lastActivity = f.clock.Now()
	}
}

// markIdle moves an ACTIVE flow to IDLE.
func (f *Flow) markIdle() bool {
	if f.state != StateActive {
		return false
	}
	f.state = StateIdle
	return true
}

// Snapshot is an immutable copy of a flow, as delivered to listeners.
type Snapshot struct {
	ID           uint64
	TapName      string
	MeterName    string
	Username     string
	State        State
	Ticks        int64
	VolumeMl     float64
	StartTime    time.Time
	EndTime      time.Time
	LastActivity time.Time
	MaxIdle      time.Duration
	Duration     time.Duration
	Shout        string
	Images       []string
	TickSeries   []TickSample
}

// IsAnonymous reports whether no drinker was attached.
func (s Snapshot) IsAnonymous() bool { return s.Username == "" }

// Snapshot copies the flow's current state.
func (f *Flow) Snapshot() Snapshot {
	return Snapshot{
		ID:           f.id,
		TapName:      f.tap.Name(),
		MeterName:    f.tap.MeterName(),
		Username:     f.username,
		State:        f.state,
		Ticks:        f.ticks,
		VolumeMl:     f.volumeMl,
		StartTime:    f.start,
		EndTime:      f.end,
		LastActivity: f.lastActivity,
		MaxIdle:      f.maxIdle,
		Duration:     f.Duration(),
		Shout:        f.shout,
		Images:       f.Images(),
		TickSeries:   f.TickSeries(),
	}
}
