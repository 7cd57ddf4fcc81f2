// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Thermoquad/kegstat/pkg/flow"
	"github.com/Thermoquad/kegstat/pkg/kbsp"
)

// runMonitorText runs the monitor in text mode
func runMonitorText(cm *connectionManager, connInfo string) error {
	fmt.Printf("Kegstat - Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All messages\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	updates := make(chan any, 64)
	cm.send = func(msg any) {
		select {
		case updates <- msg:
		case <-cm.done:
		}
	}
	go cm.readerLoop()
	defer cm.stop()

	stats := kbsp.NewStatistics()
	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			fmt.Print(stats.String())
			return nil

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()

		case msg := <-updates:
			switch msg := msg.(type) {
			case connectionLostMsg:
				fmt.Printf("[%s] \033[1;31mCONNECTION LOST\033[0m, reconnecting...\n\n", time.Now().Format("15:04:05.000"))
			case reconnectedMsg:
				fmt.Printf("[%s] \033[1;32mRECONNECTED:\033[0m %s\n\n", time.Now().Format("15:04:05.000"), msg.connInfo)
			case monitorBatchMsg:
				printBatch(stats, msg)
			}
		}
	}
}

func printBatch(stats *kbsp.Statistics, batch monitorBatchMsg) {
	if batch.sync != nil {
		if batch.sync.droppedFrames > 0 {
			fmt.Printf("[SYNC] Synchronized after dropping %d frames\n\n", batch.sync.droppedFrames)
		} else {
			fmt.Printf("[SYNC] Synchronized\n\n")
		}
	}
	if batch.lost > 0 {
		fmt.Printf("[WARN] %d frames not shown (output fell behind)\n\n", batch.lost)
	}

	for _, f := range batch.frames {
		stats.Update(f.message, f.decodeErr, f.validationErrors)

		switch {
		case f.decodeErr != nil:
			printDecodeError(f.decodeErr)
		case len(f.validationErrors) > 0:
			printValidationErrors(f.message, f.validationErrors)
		default:
			printNotable(f.message)
		}
	}

	for _, ev := range batch.flows {
		fmt.Printf("[%s] \033[1;36mFLOW %s:\033[0m %s\n\n", time.Now().Format("15:04:05.000"), strings.ToUpper(ev.kind), describeFlow(ev.snapshot))
	}
}

// printDecodeError prints a dropped frame in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDROPPED FRAME:\033[0m %v\n\n", timestamp, err)
}

// printValidationErrors prints the anomalies of a message. The message is
// still delivered.
func printValidationErrors(m *kbsp.Message, errors []kbsp.ValidationError) {
	timestamp := m.Timestamp().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;33mANOMALY:\033[0m %s (0x%02X)\n", timestamp, kbsp.FormatMessageType(m.Type()), m.Type())
	fmt.Printf("  CRC: \033[1;32mOK\033[0m\n")
	for i, err := range errors {
		fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
		for _, line := range formatDetails(err.Details) {
			fmt.Printf("    %s\n", line)
		}
	}
	fmt.Println()
}

// printNotable prints Hello and auth token messages always, and everything
// else with --show-all.
func printNotable(m *kbsp.Message) {
	timestamp := m.Timestamp().Format("15:04:05.000")
	switch body := m.Body().(type) {
	case kbsp.Hello:
		fmt.Printf("[%s] \033[1;32mHELLO:\033[0m %s, firmware=%d, uptime=%s\n\n",
			timestamp, describeSerial(body.SerialNumber), body.FirmwareVersion, formatUptime(helloUptime(body)))
	case kbsp.AuthToken:
		fmt.Printf("[%s] \033[1;36mTOKEN %s:\033[0m %s|%s\n\n", timestamp, body.Status, body.Device, body.Token)
	default:
		if showAll {
			fmt.Print(kbsp.FormatMessage(m))
		}
	}
}

// describeFlow renders a flow snapshot on one line.
func describeFlow(s flow.Snapshot) string {
	user := s.Username
	if user == "" {
		user = "(anonymous)"
	}
	return fmt.Sprintf("#%d on %s by %s: %d ticks, %.1f mL, %s",
		s.ID, s.TapName, user, s.Ticks, s.VolumeMl, s.Duration.Round(100*time.Millisecond))
}
