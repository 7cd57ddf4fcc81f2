// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics exports decoder, board and flow metrics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Thermoquad/kegstat/pkg/flow"
	"github.com/Thermoquad/kegstat/pkg/kbsp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "kegstat"

var (
	registerOnce sync.Once

	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kbsp",
			Name:      "frames_total",
			Help:      "Decoder outcomes by board.",
		},
		[]string{"board", "outcome"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kbsp",
			Name:      "messages_total",
			Help:      "Decoded messages by board and type.",
		},
		[]string{"board", "type"},
	)
	boardsAttached = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "kegboard",
			Name:      "attached",
			Help:      "1 while the board is attached.",
		},
		[]string{"board"},
	)
	temperature = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "kegboard",
			Name:      "temperature_celsius",
			Help:      "Last temperature reported by each sensor.",
		},
		[]string{"sensor"},
	)
	flowsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "started_total",
			Help:      "Flows started by tap.",
		},
		[]string{"tap"},
	)
	flowsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "ended_total",
			Help:      "Flows ended by tap.",
		},
		[]string{"tap"},
	)
	flowsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "open",
			Help:      "Open flows by tap.",
		},
		[]string{"tap"},
	)
	pouredMl = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "poured_ml_total",
			Help:      "Volume of completed flows in millilitres.",
		},
		[]string{"tap"},
	)
	pouredTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "poured_ticks_total",
			Help:      "Meter ticks of completed flows.",
		},
		[]string{"tap"},
	)
	flowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "duration_seconds",
			Help:      "Duration of completed flows.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"tap"},
	)
)

// RegisterMetrics registers every collector with the default registry. It
// is safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			frames, messages, boardsAttached, temperature,
			flowsStarted, flowsEnded, flowsOpen, pouredMl, pouredTicks, flowDuration,
		)
	})
}

// FrameOutcome classifies a decoder result for the frames_total metric.
func FrameOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, kbsp.ErrFraming):
		return "framing"
	case errors.Is(err, kbsp.ErrPayloadTooLarge):
		return "oversize"
	case errors.Is(err, kbsp.ErrChecksum):
		return "checksum"
	case errors.Is(err, kbsp.ErrTrailer):
		return "trailer"
	default:
		return "other"
	}
}

// RecordFrame counts one decoder outcome: a message, or a dropped frame.
func RecordFrame(board string, m *kbsp.Message, err error) {
	RegisterMetrics()
	frames.WithLabelValues(board, FrameOutcome(err)).Inc()
	if err == nil && m != nil {
		messages.WithLabelValues(board, kbsp.FormatMessageType(m.Type())).Inc()
	}
}

// SetBoardAttached tracks board presence.
func SetBoardAttached(board string, attached bool) {
	RegisterMetrics()
	if attached {
		boardsAttached.WithLabelValues(board).Set(1)
		return
	}
	boardsAttached.WithLabelValues(board).Set(0)
}

// RecordTemperature stores the latest reading of sensor.
func RecordTemperature(sensor string, celsius float64) {
	RegisterMetrics()
	temperature.WithLabelValues(sensor).Set(celsius)
}

// FlowCollector is a flow.Listener feeding the flow metrics.
type FlowCollector struct{}

func (FlowCollector) OnFlowStart(s flow.Snapshot) {
	RegisterMetrics()
	flowsStarted.WithLabelValues(s.TapName).Inc()
	flowsOpen.WithLabelValues(s.TapName).Inc()
}

func (FlowCollector) OnFlowUpdate(flow.Snapshot) {}

func (FlowCollector) OnFlowEnd(s flow.Snapshot) {
	RegisterMetrics()
	flowsEnded.WithLabelValues(s.TapName).Inc()
	flowsOpen.WithLabelValues(s.TapName).Dec()
	pouredMl.WithLabelValues(s.TapName).Add(s.VolumeMl)
	pouredTicks.WithLabelValues(s.TapName).Add(float64(s.Ticks))
	flowDuration.WithLabelValues(s.TapName).Observe(s.Duration.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
