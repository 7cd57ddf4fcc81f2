// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/kegstat/pkg/kbsp"
	"github.com/spf13/cobra"
)

var (
	packetTestTimeout int
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid KBSP message",
	Long: `Wait for a valid KBSP message on the connection until timeout.

This command connects to a serial port or WebSocket and waits for any
complete KBSP frame that passes the length, trailer and CRC checks. Bytes
before the first good frame are skipped.

Exit codes:
  0 - Message received before timeout
  1 - Timeout reached without receiving a valid message
  2 - Connection error

Useful for checking that a Kegboard is powered and talking.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a message")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Kegstat - Packet Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for valid KBSP message...\n\n")

	messageChan := make(chan *kbsp.Message, 1)
	errChan := make(chan error, 1)

	go func() {
		reader := newFrameReader(conn)
		dropped := 0
		for {
			var got *kbsp.Message
			err := reader.next(func(m *kbsp.Message, err error) {
				if err != nil {
					dropped++
					return
				}
				if got == nil {
					got = m
				}
			})
			if got != nil {
				if dropped > 0 {
					fmt.Printf("(dropped %d frames before sync)\n", dropped)
				}
				messageChan <- got
				return
			}
			if err != nil {
				errChan <- err
				return
			}
		}
	}()

	select {
	case m := <-messageChan:
		fmt.Printf("SUCCESS: Received valid message\n")
		fmt.Printf("  Type: %s (0x%02X)\n", kbsp.FormatMessageType(m.Type()), m.Type())
		fmt.Printf("  Tags: %d\n", len(m.TagIDs()))
		fmt.Printf("  CRC: 0x%04X\n", m.CRC())
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(packetTestTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid message received within %d seconds\n", packetTestTimeout)
		os.Exit(1)
	}

	return nil
}
