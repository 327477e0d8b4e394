package main

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/backups"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newBackupCommand() *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot and retention tasks",
	}

	runScheduledCmd := &cobra.Command{
		Use:   "run-scheduled",
		Short: "Take one scheduled backup and purge expired ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.scheduler.RunOnce(cmd.Context())
			if printErr := printJSON(cmd, report); printErr != nil {
				app.logger.Warn("report not printed", zap.Error(printErr))
			}
			return err
		},
	}

	var createdBy string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Take a manual backup of every collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if createdBy == backups.ScheduledCreator {
				return fmt.Errorf("--created-by %q is reserved for scheduled runs", backups.ScheduledCreator)
			}
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.backups.Create(cmd.Context(), createdBy)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	createCmd.Flags().StringVar(&createdBy, "created-by", "cli", "Creator recorded on the snapshot")

	backupCmd.AddCommand(runScheduledCmd, createCmd)
	return backupCmd
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
