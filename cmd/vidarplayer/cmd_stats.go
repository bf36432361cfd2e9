/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/vidar_player/internal/db"
	"github.com/friendsincode/vidar_player/internal/progress"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print per-day watch totals",
	RunE:  runStats,
}

var statsDays int

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().IntVar(&statsDays, "days", 30, "How many recent days to show (0 = all)")
}

func runStats(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close(database)
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	store := progress.NewStore(database, logger)
	days, err := store.Totals(context.Background(), statsDays)
	if err != nil {
		return fmt.Errorf("load totals: %w", err)
	}
	if len(days) == 0 {
		fmt.Println("No watch history recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tWATCHED\tTRIGGERS\tSKIPS")
	var totalSeconds float64
	var totalTriggers, totalSkips int
	for _, day := range days {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n",
			day.Date,
			formatWatch(day.TotalSeconds),
			day.TriggerCount,
			day.SkipCount,
		)
		totalSeconds += day.TotalSeconds
		totalTriggers += day.TriggerCount
		totalSkips += day.SkipCount
	}
	fmt.Fprintf(w, "TOTAL\t%s\t%d\t%d\n", formatWatch(totalSeconds), totalTriggers, totalSkips)
	return w.Flush()
}

func formatWatch(seconds float64) string {
	d := time.Duration(seconds) * time.Second
	return d.Truncate(time.Second).String()
}
