// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flow

import (
	"fmt"
	"sort"
	"sync"
)

// Tap is a dispensing point bound to one meter and optionally one relay.
// Only the calibration may change after creation.
type Tap struct {
	name      string
	meterName string
	relayName string

	mu        sync.RWMutex
	mlPerTick float64
}

// NewTap creates a tap. relayName may be empty.
func NewTap(name, meterName, relayName string, mlPerTick float64) *Tap {
	return &Tap{
		name:      name,
		meterName: meterName,
		relayName: relayName,
		mlPerTick: mlPerTick,
	}
}

func (t *Tap) Name() string      { return t.name }
func (t *Tap) MeterName() string { return t.meterName }
func (t *Tap) RelayName() string { return t.relayName }

// MlPerTick returns the current calibration.
func (t *Tap) MlPerTick() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mlPerTick
}

// SetMlPerTick recalibrates the tap. Ticks already converted keep their
// volume.
func (t *Tap) SetMlPerTick(mlPerTick float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mlPerTick = mlPerTick
}

// VolumeMlForTicks converts ticks using the current calibration.
func (t *Tap) VolumeMlForTicks(ticks int64) float64 {
	return float64(ticks) * t.MlPerTick()
}

func (t *Tap) String() string {
	return fmt.Sprintf("<Tap %s meter=%s relay=%s ml_per_tick=%g>", t.name, t.meterName, t.relayName, t.MlPerTick())
}

// TapRegistry indexes taps by name and by meter name. No two taps share a
// meter. It is safe for concurrent use.
type TapRegistry struct {
	mu      sync.RWMutex
	byName  map[string]*Tap
	byMeter map[string]*Tap
}

// NewTapRegistry creates an empty registry.
func NewTapRegistry() *TapRegistry {
	return &TapRegistry{
		byName:  make(map[string]*Tap),
		byMeter: make(map[string]*Tap),
	}
}

// AddTap registers t. It fails if the name or the meter is already taken.
func (r *TapRegistry) AddTap(t *Tap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[t.name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTap, t.name)
	}
	if other, ok := r.byMeter[t.meterName]; ok {
		return fmt.Errorf("%w: %s is used by %s", ErrMeterInUse, t.meterName, other.name)
	}
	r.byName[t.name] = t
	r.byMeter[t.meterName] = t
	return nil
}

// RemoveTap unregisters the named tap, reporting whether it existed.
func (r *TapRegistry) RemoveTap(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byName[name]
	if !ok {
		return false
	}
	delete(r.byName, name)
	delete(r.byMeter, t.meterName)
	return true
}

// Tap returns the named tap, or nil.
func (r *TapRegistry) Tap(name string) *Tap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// TapForMeterName returns the tap bound to meterName, or nil.
func (r *TapRegistry) TapForMeterName(meterName string) *Tap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byMeter[meterName]
}

// TapForRelayName returns the first tap, by name, driving relayName, or nil.
func (r *TapRegistry) TapForRelayName(relayName string) *Tap {
	for _, t := range r.Taps() {
		if t.relayName != "" && t.relayName == relayName {
			return t
		}
	}
	return nil
}

// Taps returns every tap sorted by name.
func (r *TapRegistry) Taps() []*Tap {
	r.mu.RLock()
	taps := make([]*Tap, 0, len(r.byName))
	for _, t := range r.byName {
		taps = append(taps, t)
	}
	r.mu.RUnlock()
	sort.Slice(taps, func(i, j int) bool { return taps[i].name < taps[j].name })
	return taps
}
