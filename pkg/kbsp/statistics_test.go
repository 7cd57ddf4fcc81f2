// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kbsp

import (
	"fmt"
	"strings"
	"testing"
)

// ============================================================
// Statistics Tests
// ============================================================

func TestStatistics_Update(t *testing.T) {
	s := NewStatistics()

	s.Update(nil, fmt.Errorf("%w: skipped 3 bytes", ErrFraming), nil)
	s.Update(nil, fmt.Errorf("%w: expected 0x0001, got 0x0002", ErrChecksum), nil)
	s.Update(nil, ErrTrailer, nil)
	s.Update(nil, ErrPayloadTooLarge, nil)

	good := NewMeterStatusMessage("flow0", 1)
	s.Update(good, nil, ValidateMessage(good))

	hot := NewTemperatureReadingMessage("t0", 300)
	s.Update(hot, nil, ValidateMessage(hot))

	if s.FramingErrors != 1 || s.ChecksumErrors != 1 || s.TrailerErrors != 1 || s.OversizeFrames != 1 {
		t.Errorf("error counters = %d/%d/%d/%d", s.FramingErrors, s.ChecksumErrors, s.TrailerErrors, s.OversizeFrames)
	}
	if s.DroppedFrames() != 4 {
		t.Errorf("DroppedFrames() = %d, want 4", s.DroppedFrames())
	}
	if s.TotalMessages != 2 || s.ValidMessages != 1 || s.AnomalousValues != 1 {
		t.Errorf("messages total=%d valid=%d anomalous=%d", s.TotalMessages, s.ValidMessages, s.AnomalousValues)
	}
	if s.ByType[MsgMeterStatus] != 1 || s.ByType[MsgTemperatureReading] != 1 {
		t.Errorf("ByType = %v", s.ByType)
	}

	out := s.String()
	for _, want := range []string{"Total Messages:", "Dropped Frames:", "Checksum:", "METER_STATUS"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestStatistics_Reset(t *testing.T) {
	s := NewStatistics()
	s.Update(nil, ErrChecksum, nil)
	s.Reset()
	if s.ChecksumErrors != 0 || s.ByType == nil {
		t.Errorf("Reset left ChecksumErrors=%d ByType=%v", s.ChecksumErrors, s.ByType)
	}
}
