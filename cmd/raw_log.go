// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Thermoquad/kegstat/pkg/kbsp"
	"github.com/spf13/cobra"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw message log in human-readable format",
	Long: `Continuously decode and display KBSP messages as they arrive.

Each message is printed with its timestamp, type, and decoded tags. Frames
the decoder drops (bad prefix, oversize length, CRC or trailer mismatch) are
printed as errors.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

func runRawLog(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Kegstat - Raw Message Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	reader := newFrameReader(conn)
	for {
		err := reader.next(func(m *kbsp.Message, err error) {
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
				return
			}
			fmt.Print(kbsp.FormatMessage(m))
		})
		if err != nil {
			// A closed WebSocket does not come back
			if errors.Is(err, ErrConnectionClosed) {
				log.Printf("Connection closed")
				return nil
			}
			log.Printf("Read error: %v", err)
			time.Sleep(10 * time.Millisecond)
		}
	}
}
