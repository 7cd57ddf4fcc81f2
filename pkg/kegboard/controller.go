// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package kegboard drives Kegboard flow-control boards over KBSP.
//
// A Controller owns one board's transport and decoder and mirrors the
// board's meters, sensors and relay outputs. The Manager attaches boards,
// verifies their firmware, runs a reader goroutine per board, and turns
// decoded messages into Events for a Listener.
package kegboard

import (
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/kegstat/pkg/flow"
	"github.com/Thermoquad/kegstat/pkg/kbsp"
	"github.com/rs/zerolog"
)

// Fixed meter channels of every board.
const (
	Meter0 = "flow0"
	Meter1 = "flow1"
)

const (
	// DefaultBoardName names boards without a recognized serial number.
	DefaultBoardName = "kegboard"
	// OutputRefreshInterval is how often an enabled relay is re-asserted.
	OutputRefreshInterval = 5 * time.Second

	readBufferSize = 128
)

var serialNumberPattern = regexp.MustCompile(`^KB-([0-9a-fA-F]{4})-([0-9a-fA-F]{4})-([0-9a-fA-F]{4,8})$`)

// ShortNameFromSerialNumber derives a board name from its serial number:
// "KB-0123-4567-89ABCDEF" names the board "kegboard-89abcdef". Serials in
// any other form leave the default name.
func ShortNameFromSerialNumber(serialNumber string) string {
	match := serialNumberPattern.FindStringSubmatch(serialNumber)
	if match == nil {
		return DefaultBoardName
	}
	suffix := strings.ToLower(match[3])
	suffix = strings.Repeat("0", 8-len(suffix)) + suffix
	return DefaultBoardName + "-" + suffix
}

// ControllerConfig configures a Controller. Zero values select defaults.
type ControllerConfig struct {
	Clock  flow.Clock
	Logger zerolog.Logger
	// FrameHook, if set, observes every decoder outcome: a message, or a
	// dropped frame error.
	FrameHook func(c *Controller, m *kbsp.Message, err error)
}

// Controller is one attached board. Its read side (ReadMessages) must only
// be driven by a single goroutine; everything else is safe for concurrent
// use.
type Controller struct {
	port      io.ReadWriteCloser
	portName  string
	clock     flow.Clock
	log       zerolog.Logger
	frameHook func(*Controller, *kbsp.Message, error)

	decoder *kbsp.Decoder
	readBuf [readBufferSize]byte

	writeMu sync.Mutex

	mu              sync.Mutex
	name            string
	serialNumber    string
	status          Status
	meterTicks      [2]uint32
	sensors         map[string]float64
	sensorOrder     []string
	outputDeadlines map[int]time.Time
}

// NewController wraps an open transport.
func NewController(port io.ReadWriteCloser, portName string, cfg ControllerConfig) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = flow.SystemClock{}
	}
	return &Controller{
		port:            port,
		portName:        portName,
		clock:           cfg.Clock,
		log:             cfg.Logger.With().Str("component", "kegboard").Str("port", portName).Logger(),
		frameHook:       cfg.FrameHook,
		decoder:         kbsp.NewDecoder(),
		name:            DefaultBoardName,
		status:          StatusUnknown,
		sensors:         make(map[string]float64),
		outputDeadlines: make(map[int]time.Time),
	}
}

func (c *Controller) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("<Kegboard '%s': port=%s serial_number=%s status=%s>",
		c.name, c.portName, c.serialNumber, c.status)
}

// PortName returns the transport name the board was attached on.
func (c *Controller) PortName() string { return c.portName }

// Name returns the board name.
func (c *Controller) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// SerialNumber returns the serial number from the first Hello, or "".
func (c *Controller) SerialNumber() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serialNumber
}

// Status returns the attach status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) setStatus(status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

// setSerialNumber adopts the first serial number seen and renames the board
// after it. Later changes are ignored.
func (c *Controller) setSerialNumber(serialNumber string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.serialNumber == serialNumber {
		return
	}
	if c.serialNumber != "" {
		c.log.Warn().
			Str("from", c.serialNumber).
			Str("to", serialNumber).
			Msg("Ignoring serial number change")
		return
	}
	c.serialNumber = serialNumber
	c.name = ShortNameFromSerialNumber(serialNumber)
}

func meterIndex(name string) int {
	switch name {
	case Meter0:
		return 0
	case Meter1:
		return 1
	}
	return -1
}

// FlowMeters returns both meter channels.
func (c *Controller) FlowMeters() []FlowMeter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return []FlowMeter{
		{Controller: c.name, Name: Meter0, Ticks: c.meterTicks[0]},
		{Controller: c.name, Name: Meter1, Ticks: c.meterTicks[1]},
	}
}

// FlowMeter returns the meter channel with the short name name.
func (c *Controller) FlowMeter(name string) (FlowMeter, bool) {
	i := meterIndex(name)
	if i < 0 {
		return FlowMeter{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return FlowMeter{Controller: c.name, Name: name, Ticks: c.meterTicks[i]}, true
}

// ThermoSensors returns every sensor seen so far, in order of first report.
func (c *Controller) ThermoSensors() []ThermoSensor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ThermoSensor, 0, len(c.sensorOrder))
	for _, name := range c.sensorOrder {
		out = append(out, ThermoSensor{Controller: c.name, Name: name, TemperatureC: c.sensors[name]})
	}
	return out
}

// ThermoSensor returns the named sensor.
func (c *Controller) ThermoSensor(name string) (ThermoSensor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	temp, ok := c.sensors[name]
	if !ok {
		return ThermoSensor{}, false
	}
	return ThermoSensor{Controller: c.name, Name: name, TemperatureC: temp}, true
}

func (c *Controller) write(m *kbsp.Message) error {
	frame, err := kbsp.Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.port.Write(frame); err != nil {
		return fmt.Errorf("%w: write %s to %s: %w", ErrDeviceIO, kbsp.FormatMessageType(m.Type()), c.portName, err)
	}
	return nil
}

// Ping asks the board for a Hello.
func (c *Controller) Ping() error {
	return c.write(kbsp.NewPingCommand())
}

// ScheduleToggleOutput drives relay outputID. Enabling sends the command and
// keeps the relay asserted through RefreshOutputs; disabling sends the
// command and stops the refresh.
func (c *Controller) ScheduleToggleOutput(outputID int, enable bool) error {
	if outputID < 0 || outputID >= kbsp.MaxOutputs {
		return fmt.Errorf("%w: output %d", ErrInvalidOutput, outputID)
	}

	c.mu.Lock()
	if enable {
		c.outputDeadlines[outputID] = c.clock.Now().Add(OutputRefreshInterval)
	} else {
		delete(c.outputDeadlines, outputID)
	}
	c.mu.Unlock()

	c.log.Debug().Int("output", outputID).Bool("enable", enable).Msg("Toggling output")
	return c.write(kbsp.NewSetOutputCommand(outputID, enable))
}

// RefreshOutputs re-asserts every enabled output whose refresh deadline has
// passed.
func (c *Controller) RefreshOutputs() error {
	now := c.clock.Now()

	c.mu.Lock()
	var due []int
	for id, deadline := range c.outputDeadlines {
		if !now.Before(deadline) {
			due = append(due, id)
			c.outputDeadlines[id] = now.Add(OutputRefreshInterval)
		}
	}
	c.mu.Unlock()

	sort.Ints(due)
	for _, id := range due {
		if err := c.write(kbsp.NewSetOutputCommand(id, true)); err != nil {
			return err
		}
	}
	return nil
}

// EnabledOutputs returns the ids of outputs being held on.
func (c *Controller) EnabledOutputs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, 0, len(c.outputDeadlines))
	for id := range c.outputDeadlines {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ReadMessages performs one transport read and returns every message it
// completed, after applying them to the board state. Dropped frames are
// logged and reported to the frame hook. A transport failure is returned
// wrapped in ErrDeviceIO, after the bytes read alongside it are processed.
func (c *Controller) ReadMessages() ([]*kbsp.Message, error) {
	avail := c.decoder.Available()
	if avail == 0 {
		// Unreachable while frames are drained after every read.
		c.log.Warn().Int("buffered", c.decoder.Buffered()).Msg("Decoder full, resetting")
		c.decoder.Reset()
		avail = c.decoder.Available()
	}
	buf := c.readBuf[:min(len(c.readBuf), avail)]

	n, readErr := c.port.Read(buf)
	if n > 0 {
		if err := c.decoder.AddBytes(buf[:n]); err != nil {
			return nil, err
		}
	}

	var messages []*kbsp.Message
	for {
		m, err := c.decoder.GetMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("Dropped frame")
			if c.frameHook != nil {
				c.frameHook(c, nil, err)
			}
			continue
		}
		if m == nil {
			break
		}
		if c.frameHook != nil {
			c.frameHook(c, m, nil)
		}
		c.handleMessage(m)
		messages = append(messages, m)
	}

	if readErr != nil {
		return messages, fmt.Errorf("%w: read %s: %w", ErrDeviceIO, c.portName, readErr)
	}
	return messages, nil
}

// handleMessage folds a message into the board state.
func (c *Controller) handleMessage(m *kbsp.Message) {
	if err := m.ParseError(); err != nil {
		c.log.Debug().Err(err).Str("type", kbsp.FormatMessageType(m.Type())).Msg("Unparseable message")
		return
	}

	switch body := m.Body().(type) {
	case kbsp.Hello:
		if body.SerialNumber != "" {
			c.setSerialNumber(body.SerialNumber)
		}
	case kbsp.MeterStatus:
		i := meterIndex(body.MeterName)
		if i < 0 {
			c.log.Debug().Str("meter", body.MeterName).Msg("Status for unknown meter")
			return
		}
		c.mu.Lock()
		c.meterTicks[i] = body.Reading
		c.mu.Unlock()
	case kbsp.TemperatureReading:
		c.mu.Lock()
		if _, ok := c.sensors[body.SensorName]; !ok {
			c.sensorOrder = append(c.sensorOrder, body.SensorName)
		}
		c.sensors[body.SensorName] = body.Celsius
		c.mu.Unlock()
	}
}

// eventFor turns a message into an Event, or nil. Readings come from the
// message itself, since one read may carry several frames for a meter.
func (c *Controller) eventFor(m *kbsp.Message) Event {
	if m.ParseError() != nil {
		return nil
	}

	switch body := m.Body().(type) {
	case kbsp.MeterStatus:
		if meterIndex(body.MeterName) < 0 {
			return nil
		}
		return MeterUpdateEvent{Meter: FlowMeter{Controller: c.Name(), Name: body.MeterName, Ticks: body.Reading}}
	case kbsp.TemperatureReading:
		return ThermoSensorUpdateEvent{Sensor: ThermoSensor{Controller: c.Name(), Name: body.SensorName, TemperatureC: body.Celsius}}
	case kbsp.AuthToken:
		token := AuthenticationToken{Device: body.Device, Value: body.Token}
		if body.Status == kbsp.TokenStatusPresent {
			return TokenAttachedEvent{Token: token}
		}
		return TokenDetachedEvent{Token: token}
	}
	return nil
}

// Close closes the transport.
func (c *Controller) Close() error {
	return c.port.Close()
}
