// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/kegstat/pkg/flow"
	"github.com/Thermoquad/kegstat/pkg/kbsp"
	"github.com/Thermoquad/kegstat/pkg/kegboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch a Kegboard: messages, anomalies, flows and sensors",
	Long: `Monitor a Kegboard in a terminal dashboard.

Every frame is decoded and validated, and the dashboard shows:
  - Statistics (message rate, dropped frames by cause, anomalies)
  - The board's identity, meters, temperature sensors and held outputs
  - Flows on the configured taps, tracked as serve would track them
  - An event log of errors, tokens and flow starts and ends

Monitor never switches relays. Taps come from --config when the file
exists, and from the defaults otherwise.

The connection is re-opened with exponential backoff (1s to 30s) when it
drops. With --tui=false, errors are printed as they happen and statistics
are printed every --stats-interval seconds.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all messages (not just errors)")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	monitorCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

// Messages delivered by the connection manager
type frameMsg struct {
	message          *kbsp.Message
	decodeErr        error
	validationErrors []kbsp.ValidationError
}

type flowEventMsg struct {
	kind     string // started, ended
	snapshot flow.Snapshot
}

type syncMsg struct {
	droppedFrames int
}

type monitorBatchMsg struct {
	sync   *syncMsg
	frames []frameMsg
	flows  []flowEventMsg
	// lost counts frames dropped because the UI fell behind
	lost int
}

type connectionLostMsg struct{}

type reconnectedMsg struct {
	connInfo string
}

// connectionManager handles connection lifecycle and reconnection. Each
// connection gets its own Controller, which mirrors the board state shown
// by the dashboard.
type connectionManager struct {
	conn     Connection
	connInfo string
	board    *kegboard.Controller
	mu       sync.RWMutex

	flows  *flow.Manager
	send   func(any)
	done   chan struct{}
	events chan flowEventMsg
}

func newConnectionManager(conn Connection, connInfo string, flows *flow.Manager) *connectionManager {
	cm := &connectionManager{
		conn:     conn,
		connInfo: connInfo,
		flows:    flows,
		done:     make(chan struct{}),
		events:   make(chan flowEventMsg, 64),
	}
	// Listeners run under the flow manager's lock and must not block
	notify := func(kind string) func(flow.Snapshot) {
		return func(s flow.Snapshot) {
			select {
			case cm.events <- flowEventMsg{kind: kind, snapshot: s}:
			default:
			}
		}
	}
	flows.AddListener(flow.ListenerFuncs{
		Start: notify("started"),
		End:   notify("ended"),
	})
	return cm
}

func (cm *connectionManager) getConn() Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn
}

func (cm *connectionManager) setConn(conn Connection, connInfo string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.conn = conn
	cm.connInfo = connInfo
}

// currentBoard returns the controller of the current connection, or nil
// before the first read.
func (cm *connectionManager) currentBoard() *kegboard.Controller {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.board
}

func (cm *connectionManager) setBoard(board *kegboard.Controller) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.board = board
}

func (cm *connectionManager) stop() {
	close(cm.done)
	if conn := cm.getConn(); conn != nil {
		conn.Close()
	}
}

func (cm *connectionManager) stopping() bool {
	select {
	case <-cm.done:
		return true
	default:
		return false
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigIfPresent(configPath)
	if err != nil {
		return err
	}
	taps := flow.NewTapRegistry()
	for _, t := range cfg.Taps {
		if err := taps.AddTap(flow.NewTap(t.Name, t.Meter, t.Relay, t.MlPerTick)); err != nil {
			return fmt.Errorf("tap %s: %w", t.Name, err)
		}
	}
	flows := flow.NewManager(taps, flow.ManagerConfig{
		IdleTimeout:   cfg.Flow.IdleTimeout(),
		SweepInterval: cfg.Flow.SweepInterval(),
		AutoEndAfter:  cfg.Flow.AutoEndAfter(),
	})

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	cm := newConnectionManager(conn, connInfo, flows)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go flows.Run(ctx)

	if useTUI {
		return runMonitorTUI(cm, connInfo)
	}
	return runMonitorText(cm, connInfo)
}

func runMonitorTUI(cm *connectionManager, connInfo string) error {
	m := initialMonitorModel(cm, connInfo, showAll)
	p := tea.NewProgram(m, tea.WithAltScreen())
	cm.send = func(msg any) { p.Send(msg) }

	go cm.readerLoop()

	_, err := p.Run()
	cm.stop()
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// readerLoop handles reading from connection with automatic reconnection
func (cm *connectionManager) readerLoop() {
	for !cm.stopping() {
		if cm.readFromConnection() {
			cm.send(connectionLostMsg{})
			if !cm.reconnect() {
				return
			}
		}
	}
}

// readFromConnection reads messages from the connection until it fails.
// Returns true if the connection was lost, false if shutdown was requested.
func (cm *connectionManager) readFromConnection() bool {
	synchronized := false
	droppedBeforeSync := 0

	batchChan := make(chan frameMsg, 256)
	syncChan := make(chan syncMsg, 1)
	readerDone := make(chan struct{})
	var lost int
	var lostMu sync.Mutex

	enqueue := func(f frameMsg) {
		select {
		case batchChan <- f:
		default:
			lostMu.Lock()
			lost++
			lostMu.Unlock()
		}
	}

	// Runs on the reader goroutine, once per decoder outcome
	hook := func(_ *kegboard.Controller, m *kbsp.Message, err error) {
		if err != nil {
			if !synchronized {
				droppedBeforeSync++
				return
			}
			enqueue(frameMsg{decodeErr: err})
			return
		}
		if !synchronized {
			synchronized = true
			select {
			case syncChan <- syncMsg{droppedFrames: droppedBeforeSync}:
			default:
			}
		}
		enqueue(frameMsg{message: m, validationErrors: kbsp.ValidateMessage(m)})
	}

	board := kegboard.NewController(cm.getConn(), connectionName(), kegboard.ControllerConfig{FrameHook: hook})
	cm.setBoard(board)

	go func() {
		defer close(readerDone)
		for !cm.stopping() {
			messages, err := board.ReadMessages()
			for _, m := range messages {
				if status, ok := m.Body().(kbsp.MeterStatus); ok && m.ParseError() == nil {
					if meter, ok := board.FlowMeter(status.MeterName); ok {
						cm.flows.HandleMeterActivity(meter.FullName(), int64(status.Reading))
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Batch sender - forwards updates to the UI at a fixed rate
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-cm.done:
				return
			case <-readerDone:
				return
			case <-ticker.C:
				var batch monitorBatchMsg

				select {
				case s := <-syncChan:
					batch.sync = &s
				default:
				}

			drainLoop:
				for {
					select {
					case f := <-batchChan:
						batch.frames = append(batch.frames, f)
					case ev := <-cm.events:
						batch.flows = append(batch.flows, ev)
					default:
						break drainLoop
					}
				}

				lostMu.Lock()
				batch.lost, lost = lost, 0
				lostMu.Unlock()

				if batch.sync != nil || len(batch.frames) > 0 || len(batch.flows) > 0 || batch.lost > 0 {
					cm.send(batch)
				}
			}
		}
	}()

	<-readerDone
	return !cm.stopping()
}

// reconnect attempts to reconnect with exponential backoff.
// Returns false if shutdown was requested during reconnection.
func (cm *connectionManager) reconnect() bool {
	if conn := cm.getConn(); conn != nil {
		conn.Close()
	}

	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-cm.done:
			return false
		case <-time.After(backoff):
		}

		conn, connInfo, err := OpenConnection()
		if err == nil {
			cm.setConn(conn, connInfo)
			cm.send(reconnectedMsg{connInfo: connInfo})
			return true
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
