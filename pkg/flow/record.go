// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flow

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// DrinkRecord is the persisted form of a completed flow.
type DrinkRecord struct {
	RecordID   string       `cbor:"record_id"`
	FlowID     uint64       `cbor:"flow_id"`
	Tap        string       `cbor:"tap"`
	Meter      string       `cbor:"meter"`
	Username   string       `cbor:"username,omitempty"`
	Ticks      int64        `cbor:"ticks"`
	VolumeMl   float64      `cbor:"volume_ml"`
	StartTime  time.Time    `cbor:"start_time"`
	EndTime    time.Time    `cbor:"end_time"`
	DurationMs int64        `cbor:"duration_ms"`
	Shout      string       `cbor:"shout,omitempty"`
	Images     []string     `cbor:"images,omitempty"`
	TickSeries []TickSample `cbor:"tick_series,omitempty"`
}

// NewDrinkRecord builds a record from a flow snapshot with a fresh record
// id, which a sync layer can use as an idempotency key.
func NewDrinkRecord(s Snapshot) DrinkRecord {
	return DrinkRecord{
		RecordID:   uuid.NewString(),
		FlowID:     s.ID,
		Tap:        s.TapName,
		Meter:      s.MeterName,
		Username:   s.Username,
		Ticks:      s.Ticks,
		VolumeMl:   s.VolumeMl,
		StartTime:  s.StartTime,
		EndTime:    s.EndTime,
		DurationMs: s.Duration.Milliseconds(),
		Shout:      s.Shout,
		Images:     s.Images,
		TickSeries: s.TickSeries,
	}
}

// Duration returns the pour duration.
func (r DrinkRecord) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

func (r DrinkRecord) String() string {
	user := r.Username
	if user == "" {
		user = "(anonymous)"
	}
	return fmt.Sprintf("flow %d on %s by %s: %d ticks, %.1f mL in %s",
		r.FlowID, r.Tap, user, r.Ticks, r.VolumeMl, r.Duration())
}

var recordEncMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// RecordWriter is a Listener that appends one CBOR-encoded DrinkRecord to
// w for every completed flow. Records form a CBOR sequence.
type RecordWriter struct {
	mu      sync.Mutex
	enc     *cbor.Encoder
	written int
	err     error
}

// NewRecordWriter writes records to w.
func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{enc: recordEncMode.NewEncoder(w)}
}

func (rw *RecordWriter) OnFlowStart(Snapshot)  {}
func (rw *RecordWriter) OnFlowUpdate(Snapshot) {}

// OnFlowEnd writes the record of s. After the first write error every
// later record is dropped; see Err.
func (rw *RecordWriter) OnFlowEnd(s Snapshot) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.err != nil {
		return
	}
	if err := rw.enc.Encode(NewDrinkRecord(s)); err != nil {
		rw.err = fmt.Errorf("write record for flow %d: %w", s.ID, err)
		return
	}
	rw.written++
}

// Written returns the number of records written.
func (rw *RecordWriter) Written() int {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.written
}

// Err returns the first write error.
func (rw *RecordWriter) Err() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.err
}

// ReadRecords decodes a CBOR sequence of records until EOF.
func ReadRecords(r io.Reader) ([]DrinkRecord, error) {
	dec := cbor.NewDecoder(r)
	var records []DrinkRecord
	for {
		var rec DrinkRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, fmt.Errorf("read record %d: %w", len(records), err)
		}
		records = append(records, rec)
	}
}
