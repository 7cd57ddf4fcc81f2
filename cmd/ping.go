// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/kegstat/pkg/kbsp"
	"github.com/Thermoquad/kegstat/pkg/kegboard"
	"github.com/spf13/cobra"
)

var (
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping a Kegboard and report its Hello reply",
	Long: `Send Ping commands to a Kegboard and wait for the Hello it answers with.

Each reply shows the board's firmware and protocol versions, serial number,
uptime and the round-trip time. Firmware older than the minimum supported
version is flagged.

Exit codes:
  0 - All pings answered
  1 - One or more pings timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 2, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Kegstat - Ping\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	// One reader for the whole run; replies are matched in order
	hellos := make(chan kbsp.Hello, 8)
	errChan := make(chan error, 1)
	reader := newFrameReader(conn)
	go func() {
		for {
			err := reader.next(func(m *kbsp.Message, err error) {
				if err != nil || m.ParseError() != nil {
					return
				}
				if hello, ok := m.Body().(kbsp.Hello); ok {
					select {
					case hellos <- hello:
					default:
					}
				}
			})
			if err != nil {
				errChan <- err
				return
			}
		}
	}()

	successCount := 0
	failCount := 0
	var readErr error

	for i := 1; i <= pingCount && readErr == nil; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		// Drop unsolicited Hellos (boot banners) from earlier
	drain:
		for {
			select {
			case <-hellos:
			default:
				break drain
			}
		}

		startTime := time.Now()
		if err := reader.board.Ping(); err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount++
			continue
		}

		select {
		case hello := <-hellos:
			rtt := time.Since(startTime)
			fmt.Printf("HELLO from %s, firmware=%d, protocol=%d, uptime=%s, rtt=%v\n",
				describeSerial(hello.SerialNumber), hello.FirmwareVersion, hello.ProtocolVersion,
				formatUptime(helloUptime(hello)), rtt.Round(time.Millisecond))
			if hello.FirmwareVersion < kegboard.MinFirmwareVersion {
				fmt.Printf("  WARNING: firmware %d is older than %d, update required\n",
					hello.FirmwareVersion, kegboard.MinFirmwareVersion)
			}
			successCount++

		case readErr = <-errChan:
			fmt.Printf("READ FAILED: %v\n", readErr)
			failCount++

		case <-time.After(time.Duration(pingTimeout) * time.Second):
			fmt.Printf("TIMEOUT (no response in %ds)\n", pingTimeout)
			failCount++
		}

		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	sent := successCount + failCount
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% packet loss\n",
		sent, successCount, float64(failCount)/float64(max(sent, 1))*100)

	if readErr != nil {
		os.Exit(2)
	}
	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}

// describeSerial names a board the way the board manager will.
func describeSerial(serialNumber string) string {
	if serialNumber == "" {
		return kegboard.DefaultBoardName + " (no serial)"
	}
	return fmt.Sprintf("%s (%s)", kegboard.ShortNameFromSerialNumber(serialNumber), serialNumber)
}

// helloUptime returns the board uptime in milliseconds.
func helloUptime(h kbsp.Hello) uint64 {
	uptime := uint64(h.UptimeMillis)
	if h.UptimeDays > 0 {
		uptime += uint64(h.UptimeDays) * uint64(24*time.Hour/time.Millisecond)
	}
	return uptime
}
