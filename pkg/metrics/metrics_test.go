// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package metrics

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/kegstat/pkg/flow"
	"github.com/Thermoquad/kegstat/pkg/kbsp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetricsIsIdempotent(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()
}

func TestFrameOutcome(t *testing.T) {
	assert.Equal(t, "ok", FrameOutcome(nil))
	assert.Equal(t, "framing", FrameOutcome(fmt.Errorf("skipped 3 bytes: %w", kbsp.ErrFraming)))
	assert.Equal(t, "oversize", FrameOutcome(kbsp.ErrPayloadTooLarge))
	assert.Equal(t, "checksum", FrameOutcome(kbsp.ErrChecksum))
	assert.Equal(t, "trailer", FrameOutcome(kbsp.ErrTrailer))
	assert.Equal(t, "other", FrameOutcome(kbsp.ErrTypeMismatch))
}

func TestRecordFrame(t *testing.T) {
	board := "test-record-frame"
	RecordFrame(board, kbsp.NewMeterStatusMessage("flow0", 1), nil)
	RecordFrame(board, nil, kbsp.ErrChecksum)
	RecordFrame(board, nil, kbsp.ErrChecksum)

	assert.Equal(t, 1.0, testutil.ToFloat64(frames.WithLabelValues(board, "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(frames.WithLabelValues(board, "checksum")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		messages.WithLabelValues(board, kbsp.FormatMessageType(kbsp.MsgMeterStatus))))
}

func TestFlowCollector(t *testing.T) {
	tap := "test-flow-collector"
	s := flow.Snapshot{TapName: tap, Ticks: 100, VolumeMl: 18.5, Duration: 4 * time.Second}

	var c FlowCollector
	c.OnFlowStart(s)
	assert.Equal(t, 1.0, testutil.ToFloat64(flowsOpen.WithLabelValues(tap)))

	c.OnFlowUpdate(s)
	c.OnFlowEnd(s)
	assert.Equal(t, 0.0, testutil.ToFloat64(flowsOpen.WithLabelValues(tap)))
	assert.Equal(t, 1.0, testutil.ToFloat64(flowsStarted.WithLabelValues(tap)))
	assert.Equal(t, 1.0, testutil.ToFloat64(flowsEnded.WithLabelValues(tap)))
	assert.InDelta(t, 18.5, testutil.ToFloat64(pouredMl.WithLabelValues(tap)), 1e-9)
	assert.Equal(t, 100.0, testutil.ToFloat64(pouredTicks.WithLabelValues(tap)))
}

func TestBoardAndTemperatureGauges(t *testing.T) {
	SetBoardAttached("test-board", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(boardsAttached.WithLabelValues("test-board")))
	SetBoardAttached("test-board", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(boardsAttached.WithLabelValues("test-board")))

	RecordTemperature("test-board.thermo-1", 3.5)
	assert.Equal(t, 3.5, testutil.ToFloat64(temperature.WithLabelValues("test-board.thermo-1")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordTemperature("test-handler.thermo", 2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "kegstat_kegboard_temperature_celsius"), body)
}
