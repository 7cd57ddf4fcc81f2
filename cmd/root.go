// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"os"

	"github.com/Thermoquad/kegstat/pkg/config"
	"github.com/spf13/cobra"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "kegstat",
	Short: "Kegboard flow controller and KBSP analyzer",
	Long: `Kegstat - A CLI tool for Kegboard flow-control boards.

Decodes the Kegboard serial protocol (KBSP), tracks pours as flows, switches
tap relays, and exports drink records and Prometheus metrics.

Connection modes:
  Serial:    --port /dev/ttyACM0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the KEGSTAT_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:      "1.0.0",
	SilenceUsage: true,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "kegstat.toml", "Configuration file")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfigIfPresent loads path, or returns the defaults without writing
// them when the file does not exist.
func loadConfigIfPresent(path string) (config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(path)
}
