// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flow

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWriterRoundTrip(t *testing.T) {
	m, clock, _ := newTestManager(t, ManagerConfig{})

	var buf bytes.Buffer
	rw := NewRecordWriter(&buf)
	m.AddListener(rw)

	m.HandleMeterActivity("kegboard.flow0", 0)
	clock.Advance(500 * time.Millisecond)
	m.HandleMeterActivity("kegboard.flow0", 40)
	first, err := m.ActivateUserAtTap("tap0", "alice")
	require.NoError(t, err)
	_, err = m.SetShout(first.ID, "cheers")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = m.EndFlow(first.ID)
	require.NoError(t, err)

	second, err := m.StartFlow("tap1", 0)
	require.NoError(t, err)
	m.Stop()

	require.NoError(t, rw.Err())
	assert.Equal(t, 2, rw.Written())

	records, err := ReadRecords(&buf)
	require.NoError(t, err)
	require.Len(t, records, 2)

	rec := records[0]
	_, err = uuid.Parse(rec.RecordID)
	assert.NoError(t, err)
	assert.Equal(t, first.ID, rec.FlowID)
	assert.Equal(t, "tap0", rec.Tap)
	assert.Equal(t, "kegboard.flow0", rec.Meter)
	assert.Equal(t, "alice", rec.Username)
	assert.EqualValues(t, 40, rec.Ticks)
	assert.InDelta(t, 80.0, rec.VolumeMl, 1e-9)
	assert.Equal(t, "cheers", rec.Shout)
	assert.Equal(t, 1500*time.Millisecond, rec.Duration())
	assert.True(t, rec.StartTime.Equal(epoch))
	assert.True(t, rec.EndTime.Equal(epoch.Add(1500*time.Millisecond)))
	assert.Equal(t, []TickSample{{Offset: 500 * time.Millisecond, Ticks: 40}}, rec.TickSeries)

	assert.Equal(t, second.ID, records[1].FlowID)
	assert.Empty(t, records[1].Username)
	assert.NotEqual(t, rec.RecordID, records[1].RecordID)
}

func TestReadRecordsEmpty(t *testing.T) {
	records, err := ReadRecords(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReadRecordsTruncated(t *testing.T) {
	var buf bytes.Buffer
	rw := NewRecordWriter(&buf)
	rw.OnFlowEnd(Snapshot{ID: 1, TapName: "tap0"})
	rw.OnFlowEnd(Snapshot{ID: 2, TapName: "tap0"})

	data := buf.Bytes()
	records, err := ReadRecords(bytes.NewReader(data[:len(data)-3]))
	assert.Error(t, err)
	assert.Len(t, records, 1)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRecordWriterKeepsFirstError(t *testing.T) {
	rw := NewRecordWriter(failingWriter{})
	rw.OnFlowEnd(Snapshot{ID: 1})
	rw.OnFlowEnd(Snapshot{ID: 2})

	require.Error(t, rw.Err())
	assert.Contains(t, rw.Err().Error(), "flow 1")
	assert.Zero(t, rw.Written())
}

func TestDrinkRecordString(t *testing.T) {
	rec := DrinkRecord{FlowID: 7, Tap: "tap0", Ticks: 10, VolumeMl: 22.5, DurationMs: 1500}
	assert.Equal(t, "flow 7 on tap0 by (anonymous): 10 ticks, 22.5 mL in 1.5s", rec.String())
}
