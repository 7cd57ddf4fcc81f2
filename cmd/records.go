// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Thermoquad/kegstat/pkg/flow"
	"github.com/spf13/cobra"
)

var (
	recordsUser    string
	recordsSummary bool
)

var recordsCmd = &cobra.Command{
	Use:   "records [file]",
	Short: "Print a drink record file",
	Long: `Decode and print the CBOR drink records written by serve.

Without a file argument, the records path of the configuration file is used.
--summary adds total volume per drinker and per tap.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecords,
}

func init() {
	rootCmd.AddCommand(recordsCmd)
	recordsCmd.Flags().StringVar(&recordsUser, "user", "", "Only show records of this drinker")
	recordsCmd.Flags().BoolVar(&recordsSummary, "summary", false, "Print volume totals")
}

func runRecords(cmd *cobra.Command, args []string) error {
	path, err := recordsPath(args)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open drink records: %w", err)
	}
	defer f.Close()

	records, readErr := flow.ReadRecords(f)
	printRecords(cmd.OutOrStdout(), records, recordsUser, recordsSummary)
	// Records before a truncated tail are still printed
	return readErr
}

func recordsPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfigIfPresent(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Records.Path == "" {
		return "", fmt.Errorf("no records path in %s", configPath)
	}
	return cfg.Records.Path, nil
}

func printRecords(w io.Writer, records []flow.DrinkRecord, user string, summary bool) {
	byUser := make(map[string]float64)
	byTap := make(map[string]float64)
	shown := 0

	for _, r := range records {
		if user != "" && r.Username != user {
			continue
		}
		shown++
		fmt.Fprintf(w, "[%s] %s\n", r.StartTime.Local().Format("2006-01-02 15:04:05"), r)
		if r.Shout != "" {
			fmt.Fprintf(w, "  \"%s\"\n", r.Shout)
		}

		name := r.Username
		if name == "" {
			name = "(anonymous)"
		}
		byUser[name] += r.VolumeMl
		byTap[r.Tap] += r.VolumeMl
	}

	fmt.Fprintf(w, "\n%d records\n", shown)
	if !summary || shown == 0 {
		return
	}

	fmt.Fprintf(w, "\nBy drinker:\n")
	printTotals(w, byUser)
	fmt.Fprintf(w, "By tap:\n")
	printTotals(w, byTap)
}

func printTotals(w io.Writer, totals map[string]float64) {
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-20s %10.1f mL\n", name, totals[name])
	}
}
