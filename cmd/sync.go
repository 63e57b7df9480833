package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/budgetly/mailsync/internal/model"
	"github.com/budgetly/mailsync/internal/pipeline"
)

var (
	syncUserID    string
	syncStartDate string
	syncEndDate   string
	syncProvider  string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync for a user and wait for it to finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		req := pipeline.StartRequest{UserID: syncUserID, Provider: syncProvider}
		if syncStartDate != "" {
			req.StartDate, err = time.Parse("2006-01-02", syncStartDate)
			if err != nil {
				return eris.Wrap(err, "parse --start")
			}
		}
		if syncEndDate != "" {
			req.EndDate, err = time.Parse("2006-01-02", syncEndDate)
			if err != nil {
				return eris.Wrap(err, "parse --end")
			}
		}

		if err := env.Pipeline.Start(ctx, req); err != nil {
			return err
		}

		// The run is detached; follow it through the progress store.
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		lastStep := ""
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			job, err := env.Tracker.Get(ctx, syncUserID)
			if err != nil {
				return err
			}
			if job == nil {
				return eris.New("sync: progress record disappeared")
			}
			if job.Step != lastStep {
				lastStep = job.Step
				zap.L().Info("sync progress",
					zap.String("step", job.Step),
					zap.String("message", job.Message),
				)
			}
			if job.Status == model.SyncRunning {
				continue
			}

			fmt.Printf("%s: %s\n", job.Status, job.Message)
			fmt.Printf("  emails: %d  saved: %d  skipped: %d  failed: %d  duplicates: %d\n",
				job.TotalEmails, job.Saved, job.Skipped, job.Failed, job.DuplicatesFound)
			if job.Status == model.SyncError {
				return eris.New("sync: run failed")
			}
			return nil
		}
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncUserID, "user", "", "user id to sync (required)")
	syncCmd.Flags().StringVar(&syncStartDate, "start", "", "start date YYYY-MM-DD (default: last sync, else 30 days back)")
	syncCmd.Flags().StringVar(&syncEndDate, "end", "", "end date YYYY-MM-DD (default: open)")
	syncCmd.Flags().StringVar(&syncProvider, "provider", "", "AI provider id (default from config)")
	syncCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(syncCmd)
}
