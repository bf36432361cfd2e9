/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/friendsincode/vidar_player/internal/backlog"
	"github.com/friendsincode/vidar_player/internal/db"
	"github.com/friendsincode/vidar_player/internal/events"
)

var backlogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "Manage the watch backlog from the command line",
}

var backlogImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import backlog items from a YAML file",
	Long:  "Import items from a YAML document with an items list of source_ref entries. Duplicates are skipped.",
	RunE:  runBacklogImport,
}

var backlogExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the backlog to a YAML file",
	RunE:  runBacklogExport,
}

var backlogListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the backlog in play order",
	RunE:  runBacklogList,
}

var (
	backlogImportPath string
	backlogExportPath string
)

func init() {
	rootCmd.AddCommand(backlogCmd)
	backlogCmd.AddCommand(backlogImportCmd)
	backlogCmd.AddCommand(backlogExportCmd)
	backlogCmd.AddCommand(backlogListCmd)

	backlogImportCmd.Flags().StringVar(&backlogImportPath, "file", "", "Path to the YAML file to import (required)")
	backlogImportCmd.MarkFlagRequired("file")
	backlogExportCmd.Flags().StringVar(&backlogExportPath, "file", "", "Destination path; stdout when omitted")
}

// offlineBacklog builds a backlog service without the browser-backed
// title resolver; CLI imports leave titles for the daemon to fill in.
func offlineBacklog() (*backlog.Service, func(), error) {
	database, err := initDatabase()
	if err != nil {
		return nil, nil, fmt.Errorf("initialize database: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		db.Close(database)
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	cleanup := func() {
		if err := db.Close(database); err != nil {
			logger.Warn().Err(err).Msg("closing database")
		}
	}
	return backlog.NewService(database, nil, events.NewBus(), logger), cleanup, nil
}

func runBacklogImport(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	svc, cleanup, err := offlineBacklog()
	if err != nil {
		return err
	}
	defer cleanup()

	file, err := os.Open(backlogImportPath)
	if err != nil {
		return fmt.Errorf("open import file: %w", err)
	}
	defer file.Close()

	added, err := svc.ImportYAML(context.Background(), file)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	fmt.Printf("Imported %d new items.\n", added)
	return nil
}

func runBacklogExport(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	svc, cleanup, err := offlineBacklog()
	if err != nil {
		return err
	}
	defer cleanup()

	out := os.Stdout
	if backlogExportPath != "" {
		file, err := os.Create(backlogExportPath)
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		defer file.Close()
		out = file
	}
	return svc.ExportYAML(context.Background(), out)
}

func runBacklogList(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	svc, cleanup, err := offlineBacklog()
	if err != nil {
		return err
	}
	defer cleanup()

	items, err := svc.List(context.Background())
	if err != nil {
		return fmt.Errorf("list backlog: %w", err)
	}
	if len(items) == 0 {
		fmt.Println("Backlog is empty.")
		return nil
	}
	for i, item := range items {
		title := item.Title
		if title == "" {
			title = item.SourceRef
		}
		fmt.Printf("%3d. [%s] %s\n", i+1, item.Kind, title)
	}
	return nil
}
