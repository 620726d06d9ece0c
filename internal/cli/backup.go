package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dukerupert/newsletter-admin/internal/backup"
	"github.com/dukerupert/newsletter-admin/internal/model"
	"github.com/dukerupert/newsletter-admin/internal/store"
	"github.com/spf13/cobra"
)

func newBackupCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run, inspect and restore database backups",
	}
	cmd.AddCommand(newBackupRunCommand(a), newBackupRunsCommand(a), newBackupRestoreCommand(a))
	return cmd
}

func newBackupRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Export, archive and upload one backup now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			c, err := a.cipher()
			if err != nil {
				return err
			}
			dest, err := a.destination(db, c)
			if err != nil {
				return err
			}

			res, err := a.backupManager(db, dest).Run(cmd.Context(), model.TriggerCLI)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func newBackupRunsCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent backup runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			runs, err := store.NewRunStore(db).List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tTRIGGER\tSTARTED\tFILE\tBYTES\tERROR")
			for _, r := range runs {
				file, size := "-", "-"
				if r.FileName != nil {
					file = *r.FileName
				}
				if r.SizeBytes != nil {
					size = fmt.Sprint(*r.SizeBytes)
				}
				errMsg := r.ErrorMessage
				if r.ErrorKind != "" {
					errMsg = r.ErrorKind + ": " + errMsg
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Status, r.Trigger, r.StartedAt.UTC().Format(time.RFC3339), file, size, errMsg)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to show")
	return cmd
}

func newBackupRestoreCommand(a *app) *cobra.Command {
	var (
		file   string
		tables []string
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Insert rows from a backup archive, skipping rows that already exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read archive: %w", err)
			}
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			results, err := backup.Restore(cmd.Context(), db, data, backup.RestoreOptions{Tables: tables})
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows, %d inserted\n", r.Table, r.Rows, r.Inserted)
			}
			a.logger.Info("restore complete", "file", file, "tables", len(results))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to a newsletter-backup-*.zip archive")
	cmd.Flags().StringSliceVar(&tables, "tables", nil, "restore only these tables (default: all in the archive)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
