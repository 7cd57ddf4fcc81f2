// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/kegstat/pkg/flow"
	"github.com/Thermoquad/kegstat/pkg/kbsp"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Event log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for notices
}

// TUI model
type monitorModel struct {
	cm            *connectionManager
	connInfo      string
	showAll       bool
	stats         *kbsp.Statistics
	eventLog      []logEntry
	maxLogEntries int
	synchronized  bool
	droppedFrames int
	connected     bool
	lastHello     *kbsp.Hello
	flowsTable    table.Model
	width         int
	height        int
	quitting      bool
}

type tickMsg time.Time

var flowColumns = []table.Column{
	{Title: "Flow", Width: 6},
	{Title: "Tap", Width: 10},
	{Title: "State", Width: 8},
	{Title: "Drinker", Width: 14},
	{Title: "Ticks", Width: 8},
	{Title: "Volume", Width: 10},
	{Title: "Duration", Width: 9},
	{Title: "Idle in", Width: 8},
}

func initialMonitorModel(cm *connectionManager, connInfo string, showAll bool) monitorModel {
	t := table.New(
		table.WithColumns(flowColumns),
		table.WithHeight(4),
		table.WithFocused(false),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = lipgloss.NewStyle()
	t.SetStyles(styles)

	return monitorModel{
		cm:            cm,
		connInfo:      connInfo,
		showAll:       showAll,
		stats:         kbsp.NewStatistics(),
		eventLog:      make([]logEntry, 0),
		maxLogEntries: 100,
		connected:     true,
		flowsTable:    t,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.stats.Reset()
			m.addLogEntry("Statistics reset", false)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.stats.CalculateRates()
		m.refreshFlows()
		return m, tickCmd()

	case connectionLostMsg:
		m.connected = false
		m.synchronized = false
		m.addLogEntry("Connection lost, reconnecting...", true)

	case reconnectedMsg:
		m.connected = true
		m.connInfo = msg.connInfo
		m.addLogEntry("Reconnected: "+msg.connInfo, false)

	case monitorBatchMsg:
		m.applyBatch(msg)
		m.refreshFlows()
	}

	return m, nil
}

func (m *monitorModel) applyBatch(batch monitorBatchMsg) {
	if batch.sync != nil {
		m.synchronized = true
		m.droppedFrames = batch.sync.droppedFrames
		if batch.sync.droppedFrames > 0 {
			m.addLogEntry(fmt.Sprintf("Synchronized after dropping %d frames", batch.sync.droppedFrames), false)
		} else {
			m.addLogEntry("Synchronized", false)
		}
	}
	if batch.lost > 0 {
		m.addLogEntry(fmt.Sprintf("%d frames not shown (display fell behind)", batch.lost), true)
	}

	for _, f := range batch.frames {
		m.stats.Update(f.message, f.decodeErr, f.validationErrors)

		if f.decodeErr != nil {
			m.addLogEntry("DROPPED: "+f.decodeErr.Error(), true)
			continue
		}

		msgType := kbsp.FormatMessageType(f.message.Type())
		for _, err := range f.validationErrors {
			m.addLogEntry(fmt.Sprintf("%s: %s", msgType, err.Message), true)
		}
		if len(f.validationErrors) > 0 {
			continue
		}

		switch body := f.message.Body().(type) {
		case kbsp.Hello:
			hello := body
			m.lastHello = &hello
			m.addLogEntry(fmt.Sprintf("Hello from %s, firmware %d", describeSerial(body.SerialNumber), body.FirmwareVersion), false)
		case kbsp.AuthToken:
			m.addLogEntry(fmt.Sprintf("Token %s: %s|%s", body.Status, body.Device, body.Token), false)
		default:
			if m.showAll {
				m.addLogEntry(msgType+" (valid)", false)
			}
		}
	}

	for _, ev := range batch.flows {
		m.addLogEntry(fmt.Sprintf("Flow %s: %s", ev.kind, describeFlow(ev.snapshot)), false)
	}
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.eventLog = append(m.eventLog, logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

// refreshFlows reloads the flows table from the flow manager.
func (m *monitorModel) refreshFlows() {
	snapshots := m.cm.flows.ActiveFlows()
	m.flowsTable.SetRows(flowRows(snapshots, time.Now()))
	m.flowsTable.SetHeight(max(len(snapshots), 1) + 1)
}

func flowRows(snapshots []flow.Snapshot, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(snapshots))
	for _, s := range snapshots {
		user := s.Username
		if user == "" {
			user = "-"
		}
		idleIn := "-"
		if s.State == flow.StateActive && s.MaxIdle > 0 {
			idleIn = max(s.MaxIdle-now.Sub(s.LastActivity), 0).Round(time.Second).String()
		}
		rows = append(rows, table.Row{
			fmt.Sprintf("#%d", s.ID),
			s.TapName,
			s.State.String(),
			user,
			fmt.Sprintf("%d", s.Ticks),
			fmt.Sprintf("%.1f mL", s.VolumeMl),
			s.Duration.Round(time.Second).String(),
			idleIn,
		})
	}
	return rows
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("KEGSTAT - MONITOR"))
	s.WriteString("\n")
	mode := "Errors only"
	if m.showAll {
		mode = "All messages"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | 'r' reset stats, 'q' quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	switch {
	case !m.connected:
		s.WriteString(errorStyle.Render("✗ Disconnected, reconnecting..."))
	case !m.synchronized:
		s.WriteString(warningStyle.Render("⏳ Waiting for synchronization..."))
	default:
		s.WriteString(valueStyle.Render("✓ Synchronized"))
		if m.droppedFrames > 0 {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (dropped %d frames)", m.droppedFrames)))
		}
	}
	s.WriteString("\n\n")

	// Statistics
	var validPercent float64
	if m.stats.TotalMessages > 0 {
		validPercent = float64(m.stats.ValidMessages) * 100.0 / float64(m.stats.TotalMessages)
	}

	var stats strings.Builder
	stats.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Messages:"), valueStyle.Render(fmt.Sprintf("%d", m.stats.TotalMessages)),
		labelStyle.Render("Valid:"), valueStyle.Render(fmt.Sprintf("%d (%.1f%%)", m.stats.ValidMessages, validPercent)),
		labelStyle.Render("Dropped:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.DroppedFrames())),
	))
	if m.stats.DroppedFrames() > 0 {
		stats.WriteString(headerStyle.Render(fmt.Sprintf("  framing %d, oversize %d, checksum %d, trailer %d\n",
			m.stats.FramingErrors, m.stats.OversizeFrames, m.stats.ChecksumErrors, m.stats.TrailerErrors)))
	}
	if anomalies := m.stats.TruncatedPayload + m.stats.ParseErrors + m.stats.AnomalousValues; anomalies > 0 {
		stats.WriteString(fmt.Sprintf("%s %s %s\n",
			labelStyle.Render("Anomalies:"), warningStyle.Render(fmt.Sprintf("%d", anomalies)),
			headerStyle.Render(fmt.Sprintf("(truncated %d, unparseable %d, values %d)",
				m.stats.TruncatedPayload, m.stats.ParseErrors, m.stats.AnomalousValues)),
		))
	}
	errorRate := valueStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
	if m.stats.ErrorRate > 0 {
		errorRate = errorStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
	}
	stats.WriteString(fmt.Sprintf("%s %s   %s %s",
		labelStyle.Render("Message Rate:"), valueStyle.Render(fmt.Sprintf("%.1f msg/s", m.stats.MessageRate)),
		labelStyle.Render("Error Rate:"), errorRate,
	))
	s.WriteString(boxStyle.Render(stats.String()))
	s.WriteString("\n\n")

	// Board
	if board := m.cm.currentBoard(); board != nil {
		s.WriteString(labelStyle.Render("Board:"))
		s.WriteString("\n")

		var b strings.Builder
		b.WriteString(fmt.Sprintf("%s %s", labelStyle.Render("Name:"), valueStyle.Render(board.Name())))
		if m.lastHello != nil {
			b.WriteString(fmt.Sprintf("   %s %d   %s %s",
				labelStyle.Render("Firmware:"), m.lastHello.FirmwareVersion,
				labelStyle.Render("Uptime:"), valueStyle.Render(formatUptime(helloUptime(*m.lastHello)))))
		}
		b.WriteString("\n")
		for _, meter := range board.FlowMeters() {
			b.WriteString(fmt.Sprintf("%s %s\n",
				labelStyle.Render(meter.FullName()+":"), valueStyle.Render(fmt.Sprintf("%d ticks", meter.Ticks))))
		}
		for _, sensor := range board.ThermoSensors() {
			reading := headerStyle.Render("no reading")
			if sensor.HasReading() {
				reading = valueStyle.Render(fmt.Sprintf("%.2f°C", sensor.TemperatureC))
			}
			b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render(sensor.FullName()+":"), reading))
		}
		s.WriteString(boxStyle.Render(strings.TrimRight(b.String(), "\n")))
		s.WriteString("\n\n")
	}

	// Flows
	s.WriteString(labelStyle.Render("Flows:"))
	s.WriteString("\n")
	if len(m.flowsTable.Rows()) == 0 {
		s.WriteString(boxStyle.Render(headerStyle.Render("(no open flows)")))
	} else {
		s.WriteString(boxStyle.Render(m.flowsTable.View()))
	}
	s.WriteString("\n\n")

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	used := lipgloss.Height(s.String())
	logHeight := max(m.height-used-3, 5)

	var logContent strings.Builder
	startIdx := max(len(m.eventLog)-logHeight, 0)
	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(max(m.width-4, 20)).Render(strings.TrimRight(logContent.String(), "\n")))

	return s.String()
}
