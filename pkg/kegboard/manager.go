// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kegboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/kegstat/pkg/flow"
	"github.com/Thermoquad/kegstat/pkg/kbsp"
	"github.com/rs/zerolog"
)

// Status is the outcome of attaching a board.
type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusOK           Status = "ok"
	StatusUnresponsive Status = "unresponsive"
	StatusNeedUpdate   Status = "need-update"
	StatusNameConflict Status = "name-conflict"
	StatusOpenError    Status = "open-error"
)

// MinFirmwareVersion is the oldest firmware the manager accepts.
const MinFirmwareVersion = 17

// Defaults for ManagerConfig.
const (
	DefaultMaintenanceInterval = 1 * time.Second
	DefaultPingAttempts        = 4
	DefaultPingDelay           = 200 * time.Millisecond
	DefaultPingTimeout         = 500 * time.Millisecond
)

var relayPattern = regexp.MustCompile(`^relay(\d+)$`)

// ManagerConfig configures a Manager. Zero values select defaults.
type ManagerConfig struct {
	Clock  flow.Clock
	Logger zerolog.Logger
	// MaintenanceInterval is the output refresh period of Run.
	MaintenanceInterval time.Duration
	// PingAttempts, PingDelay and PingTimeout shape firmware verification:
	// each attempt waits PingDelay, pings, and waits PingTimeout for Hello.
	PingAttempts int
	PingDelay    time.Duration
	PingTimeout  time.Duration
	// FrameHook is handed to every Controller.
	FrameHook func(c *Controller, m *kbsp.Message, err error)
}

// session is the reader goroutine of one board.
type session struct {
	controller *Controller
	cancel     context.CancelFunc
	running    atomic.Bool
	attached   atomic.Bool
	hello      chan kbsp.Hello
	done       chan struct{}
}

// Manager attaches boards and fans their events out to a Listener.
type Manager struct {
	cfg      ManagerConfig
	log      zerolog.Logger
	listener Listener

	mu           sync.Mutex
	sessions     map[*Controller]*session
	statusByPort map[string]Status
}

// NewManager creates a Manager reporting to listener, which may be nil.
func NewManager(listener Listener, cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = flow.SystemClock{}
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if cfg.PingAttempts <= 0 {
		cfg.PingAttempts = DefaultPingAttempts
	}
	if cfg.PingDelay <= 0 {
		cfg.PingDelay = DefaultPingDelay
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	return &Manager{
		cfg:          cfg,
		log:          cfg.Logger.With().Str("component", "kegboard").Logger(),
		listener:     listener,
		sessions:     make(map[*Controller]*session),
		statusByPort: make(map[string]Status),
	}
}

// Attach starts a session on an open transport and verifies the board's
// firmware. Only boards that come back StatusOK are reported to the
// listener; the returned error wraps ErrUnresponsive, ErrNeedUpdate or
// ErrNameConflict otherwise, and the transport is closed. The session ends
// when ctx is done, on a transport failure, or on Close.
func (m *Manager) Attach(ctx context.Context, port io.ReadWriteCloser, portName string) (*Controller, error) {
	c := NewController(port, portName, ControllerConfig{
		Clock:     m.cfg.Clock,
		Logger:    m.cfg.Logger,
		FrameHook: m.cfg.FrameHook,
	})

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		controller: c,
		cancel:     cancel,
		hello:      make(chan kbsp.Hello, 1),
		done:       make(chan struct{}),
	}
	s.running.Store(true)

	m.mu.Lock()
	m.sessions[c] = s
	m.statusByPort[portName] = StatusUnknown
	m.mu.Unlock()

	go m.serve(sctx, s)

	hello, err := m.verifyFirmware(sctx, s)
	if err != nil {
		m.removeSession(s, err)
		return c, err
	}

	status := m.statusFor(c, hello)
	c.setStatus(status)
	m.mu.Lock()
	m.statusByPort[portName] = status
	m.mu.Unlock()

	if status != StatusOK {
		m.log.Warn().Str("port", portName).Str("board", c.Name()).Str("status", string(status)).Msg("Board not attached")
		m.removeSession(s, nil)
		m.mu.Lock()
		m.statusByPort[portName] = status
		m.mu.Unlock()
		return c, statusError(status, c, hello)
	}

	s.attached.Store(true)
	m.log.Info().
		Str("port", portName).
		Str("board", c.Name()).
		Str("serial", c.SerialNumber()).
		Uint16("firmware", hello.FirmwareVersion).
		Msg("Board attached")
	if m.listener != nil {
		m.listener.OnControllerAttached(c)
	}
	return c, nil
}

func (m *Manager) statusFor(c *Controller, hello *kbsp.Hello) Status {
	if hello == nil {
		return StatusUnresponsive
	}
	if hello.FirmwareVersion < MinFirmwareVersion {
		return StatusNeedUpdate
	}
	if other := m.Controller(c.Name()); other != nil && other != c {
		return StatusNameConflict
	}
	return StatusOK
}

func statusError(status Status, c *Controller, hello *kbsp.Hello) error {
	switch status {
	case StatusUnresponsive:
		return fmt.Errorf("%w: %s", ErrUnresponsive, c.PortName())
	case StatusNeedUpdate:
		return fmt.Errorf("%w: %s runs v%d, need v%d", ErrNeedUpdate, c.Name(), hello.FirmwareVersion, MinFirmwareVersion)
	case StatusNameConflict:
		return fmt.Errorf("%w: %s on %s", ErrNameConflict, c.Name(), c.PortName())
	}
	return nil
}

// verifyFirmware pings until the board says Hello. A nil Hello with a nil
// error means the board never answered.
func (m *Manager) verifyFirmware(ctx context.Context, s *session) (*kbsp.Hello, error) {
	c := s.controller
	m.log.Debug().Str("port", c.PortName()).Msg("Pinging board")

	for attempt := 0; attempt < m.cfg.PingAttempts; attempt++ {
		if err := sleepContext(ctx, m.cfg.PingDelay); err != nil {
			return nil, err
		}
		if err := c.Ping(); err != nil {
			return nil, err
		}

		timer := time.NewTimer(m.cfg.PingTimeout)
		select {
		case hello := <-s.hello:
			timer.Stop()
			return &hello, nil
		case <-s.done:
			timer.Stop()
			return nil, fmt.Errorf("%w: %s closed during verification", ErrDeviceIO, c.PortName())
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	m.log.Warn().Str("port", c.PortName()).Int("attempts", m.cfg.PingAttempts).Msg("No response to ping")
	return nil, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// serve is the reader goroutine. Each iteration is one bounded transport
// read; the loop exits on ctx, on the running flag, or on a read failure.
func (m *Manager) serve(ctx context.Context, s *session) {
	defer close(s.done)
	c := s.controller

	for s.running.Load() {
		if ctx.Err() != nil {
			m.removeSession(s, nil)
			return
		}

		messages, err := c.ReadMessages()
		for _, msg := range messages {
			m.dispatch(s, msg)
		}
		if err != nil {
			if s.running.Load() {
				m.log.Error().Err(err).Str("board", c.Name()).Msg("Board read failed")
			}
			m.removeSession(s, err)
			return
		}
	}
}

func (m *Manager) dispatch(s *session, msg *kbsp.Message) {
	c := s.controller
	if hello, ok := msg.Body().(kbsp.Hello); ok && msg.ParseError() == nil {
		select {
		case s.hello <- hello:
		default:
		}
	}
	if !s.attached.Load() || m.listener == nil {
		return
	}
	if ev := c.eventFor(msg); ev != nil {
		m.listener.OnControllerEvent(c, ev)
	} else if msg.Type() != kbsp.MsgHello {
		m.log.Debug().Str("board", c.Name()).Str("message", kbsp.FormatMessage(msg)).Msg("Unhandled message")
	}
}

// removeSession stops a session once. A non-nil cause marks the port as
// failed.
func (m *Manager) removeSession(s *session, cause error) {
	c := s.controller

	m.mu.Lock()
	if _, ok := m.sessions[c]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, c)
	if cause != nil {
		m.statusByPort[c.PortName()] = StatusOpenError
	} else {
		delete(m.statusByPort, c.PortName())
	}
	m.mu.Unlock()

	s.running.Store(false)
	s.cancel()
	if err := c.Close(); err != nil {
		m.log.Debug().Err(err).Str("port", c.PortName()).Msg("Error closing port, ignoring")
	}
	if cause != nil {
		c.setStatus(StatusOpenError)
	}

	if s.attached.Swap(false) {
		m.log.Info().Str("board", c.Name()).Str("port", c.PortName()).Msg("Board removed")
		if m.listener != nil {
			m.listener.OnControllerRemoved(c)
		}
	}
}

// Run refreshes enabled outputs every MaintenanceInterval until ctx is
// done, then closes every session.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return nil
		case <-ticker.C:
			m.RefreshOutputs()
		}
	}
}

// RefreshOutputs re-asserts held outputs on every attached board. A board
// whose write fails is removed.
func (m *Manager) RefreshOutputs() {
	for _, s := range m.attachedSessions() {
		if err := s.controller.RefreshOutputs(); err != nil {
			m.log.Error().Err(err).Str("board", s.controller.Name()).Msg("Output refresh failed")
			m.removeSession(s, err)
		}
	}
}

// ToggleOutput drives the relay named "<board>.relayN" (or
// "<board>:relayN").
func (m *Manager) ToggleOutput(outputName string, enable bool) error {
	sep := strings.IndexByte(outputName, ':')
	if sep < 0 {
		sep = strings.IndexByte(outputName, '.')
	}
	if sep <= 0 || sep+1 >= len(outputName) {
		return fmt.Errorf("%w: malformed output name %q", ErrInvalidOutput, outputName)
	}
	boardName, relayName := outputName[:sep], outputName[sep+1:]

	match := relayPattern.FindStringSubmatch(relayName)
	if match == nil {
		return fmt.Errorf("%w: unrecognized relay %q", ErrInvalidOutput, relayName)
	}
	outputID, err := strconv.Atoi(match[1])
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidOutput, relayName, err)
	}

	s := m.sessionByName(boardName)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownController, boardName)
	}

	err = s.controller.ScheduleToggleOutput(outputID, enable)
	if errors.Is(err, ErrDeviceIO) {
		m.removeSession(s, err)
	}
	return err
}

func (m *Manager) attachedSessions() []*session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*session
	for _, s := range m.sessions {
		if s.attached.Load() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].controller.PortName() < out[j].controller.PortName() })
	return out
}

func (m *Manager) sessionByName(name string) *session {
	for _, s := range m.attachedSessions() {
		if s.controller.Name() == name {
			return s
		}
	}
	return nil
}

// Controllers returns the attached boards, ordered by port name.
func (m *Manager) Controllers() []*Controller {
	sessions := m.attachedSessions()
	out := make([]*Controller, len(sessions))
	for i, s := range sessions {
		out[i] = s.controller
	}
	return out
}

// Controller returns the attached board called name, or nil.
func (m *Manager) Controller(name string) *Controller {
	if s := m.sessionByName(name); s != nil {
		return s.controller
	}
	return nil
}

// PortStatus returns the last attach status recorded for portName.
func (m *Manager) PortStatus(portName string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.statusByPort[portName]; ok {
		return status
	}
	return StatusUnknown
}

// Close ends every session and waits for the reader goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.removeSession(s, nil)
	}
	for _, s := range sessions {
		<-s.done
	}
}
