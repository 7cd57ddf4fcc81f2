// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/kegstat/pkg/flow"
	"github.com/Thermoquad/kegstat/pkg/kbsp"
)

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		ms   uint64
		want string
	}{
		{0, "0 seconds"},
		{999, "0 seconds"},
		{1000, "1 second"},
		{61000, "1 minute and 1 second"},
		{3600000, "1 hour"},
		{2*86400000 + 3*3600000 + 4*60000 + 5000, "2 days, 3 hours, 4 minutes, and 5 seconds"},
	}

	for _, tt := range tests {
		if got := formatUptime(tt.ms); got != tt.want {
			t.Errorf("formatUptime(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}

func TestHelloUptime(t *testing.T) {
	h := kbsp.Hello{UptimeMillis: 1500, UptimeDays: 1}
	if got := helloUptime(h); got != 86401500 {
		t.Errorf("helloUptime = %d, want 86401500", got)
	}

	h.UptimeDays = -1
	if got := helloUptime(h); got != 1500 {
		t.Errorf("helloUptime without days = %d, want 1500", got)
	}
}

func TestFormatDetails(t *testing.T) {
	lines := formatDetails(map[string]interface{}{"sensor": "thermo-1", "celsius": 150.5})
	want := []string{"celsius=150.5", "sensor=thermo-1"}
	if strings.Join(lines, ",") != strings.Join(want, ",") {
		t.Errorf("formatDetails = %v, want %v", lines, want)
	}
}

func TestDescribeSerial(t *testing.T) {
	if got := describeSerial("KB-0123-4567-89ABCDEF"); got != "kegboard-89abcdef (KB-0123-4567-89ABCDEF)" {
		t.Errorf("describeSerial = %q", got)
	}
	if got := describeSerial(""); got != "kegboard (no serial)" {
		t.Errorf("describeSerial(\"\") = %q", got)
	}
}

// ============================================================================
// Frame reader
// ============================================================================

// chunkConn replays chunks, one per Read, then returns io.EOF.
type chunkConn struct {
	chunks [][]byte
}

func (c *chunkConn) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	if n < len(c.chunks[0]) {
		c.chunks[0] = c.chunks[0][n:]
	} else {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func (c *chunkConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *chunkConn) Close() error                { return nil }

func TestFrameReader(t *testing.T) {
	frame := kbsp.MustEncode(kbsp.NewMeterStatusMessage("flow0", 42))
	stream := append([]byte("junk"), frame...)
	half := len(stream) / 2

	reader := newFrameReader(&chunkConn{chunks: [][]byte{stream[:half], stream[half:]}})

	var messages []*kbsp.Message
	var dropped int
	handle := func(m *kbsp.Message, err error) {
		if err != nil {
			dropped++
			return
		}
		messages = append(messages, m)
	}

	for i := 0; i < 10; i++ {
		if err := reader.next(handle); err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("next: %v", err)
			}
			break
		}
	}

	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	status, ok := messages[0].Body().(kbsp.MeterStatus)
	if !ok || status.MeterName != "flow0" || status.Reading != 42 {
		t.Errorf("body = %#v", messages[0].Body())
	}
}

// ============================================================================
// Drink records
// ============================================================================

func TestPrintRecords(t *testing.T) {
	start := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)
	records := []flow.DrinkRecord{
		{FlowID: 1, Tap: "tap0", Username: "alice", Ticks: 100, VolumeMl: 200, StartTime: start, DurationMs: 5000},
		{FlowID: 2, Tap: "tap1", Ticks: 50, VolumeMl: 50, StartTime: start.Add(time.Minute), DurationMs: 2000, Shout: "cheers"},
		{FlowID: 3, Tap: "tap0", Username: "alice", Ticks: 25, VolumeMl: 50, StartTime: start.Add(2 * time.Minute), DurationMs: 1000},
	}

	var out bytes.Buffer
	printRecords(&out, records, "", true)
	text := out.String()

	for _, want := range []string{
		"flow 1 on tap0 by alice: 100 ticks, 200.0 mL in 5s",
		"flow 2 on tap1 by (anonymous)",
		"\"cheers\"",
		"3 records",
		"By drinker:",
		"alice                     250.0 mL",
		"tap0                      250.0 mL",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}

	out.Reset()
	printRecords(&out, records, "alice", false)
	text = out.String()
	if !strings.Contains(text, "2 records") || strings.Contains(text, "flow 2") {
		t.Errorf("user filter not applied:\n%s", text)
	}
	if strings.Contains(text, "By drinker:") {
		t.Errorf("summary printed without --summary:\n%s", text)
	}
}
