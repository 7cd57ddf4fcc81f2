// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/kegstat/pkg/kbsp"
	"github.com/Thermoquad/kegstat/pkg/kegboard"
	"github.com/spf13/cobra"
)

var (
	outputID      int
	outputEnable  bool
	outputDisable bool
	outputHold    int
)

var outputCmd = &cobra.Command{
	Use:   "output",
	Short: "Switch a Kegboard relay output",
	Long: `Send a SetOutput command to a Kegboard relay.

With --enable the relay is held on for --hold seconds, re-sending the
command every 5 seconds as the board expects, and then switched off.
A hold of 0 sends the command once and exits, leaving the board's own
watchdog to release the relay. Ctrl+C ends the hold early.

Examples:
  kegstat output -p /dev/ttyACM0 --id 0 --enable --hold 30
  kegstat output -p /dev/ttyACM0 --id 0 --disable`,
	RunE: runOutput,
}

func init() {
	rootCmd.AddCommand(outputCmd)
	outputCmd.Flags().IntVar(&outputID, "id", 0, fmt.Sprintf("Output id (0-%d)", kbsp.MaxOutputs-1))
	outputCmd.Flags().BoolVar(&outputEnable, "enable", false, "Switch the output on")
	outputCmd.Flags().BoolVar(&outputDisable, "disable", false, "Switch the output off")
	outputCmd.Flags().IntVar(&outputHold, "hold", 10, "Seconds to hold an enabled output on")
	outputCmd.MarkFlagsMutuallyExclusive("enable", "disable")
	outputCmd.MarkFlagsOneRequired("enable", "disable")
}

func runOutput(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}

	board := kegboard.NewController(conn, connectionName(), kegboard.ControllerConfig{})
	defer board.Close()

	fmt.Printf("Kegstat - Output Control\n")
	fmt.Printf("Connection: %s\n", connInfo)

	// Keep draining the board so its writes never stall
	readerDone := make(chan error, 1)
	go func() {
		for {
			messages, err := board.ReadMessages()
			for _, m := range messages {
				if m.Type() == kbsp.MsgOutputStatus {
					fmt.Print(kbsp.FormatMessage(m))
				}
			}
			if err != nil {
				readerDone <- err
				return
			}
		}
	}()

	if err := board.ScheduleToggleOutput(outputID, outputEnable); err != nil {
		return err
	}
	fmt.Printf("Output %d %s\n", outputID, onOff(outputEnable))

	if outputDisable || outputHold <= 0 {
		return nil
	}

	fmt.Printf("Holding for %d seconds (Ctrl+C to release)\n", outputHold)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.After(time.Duration(outputHold) * time.Second)

hold:
	for {
		select {
		case <-ticker.C:
			if err := board.RefreshOutputs(); err != nil {
				return err
			}
		case <-deadline:
			break hold
		case <-sigs:
			break hold
		case err := <-readerDone:
			return fmt.Errorf("connection lost while holding output: %w", err)
		}
	}

	if err := board.ScheduleToggleOutput(outputID, false); err != nil {
		return err
	}
	fmt.Printf("Output %d %s\n", outputID, onOff(false))
	return nil
}

func onOff(enabled bool) string {
	if enabled {
		return "ON"
	}
	return "OFF"
}
