package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tunesync/db"
	"tunesync/logger"
)

var syncUserID int64

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger library synchronization",
	Long: `Enqueues synchronization runs. Without flags every eligible user is
triggered, same as the scheduler endpoint; --user limits it to one account.
The actual work happens on the workers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap()
		if err != nil {
			return err
		}
		defer db.DB.Close()
		defer d.enqueuer.Close()

		ctx := context.Background()
		if syncUserID > 0 {
			if err := d.service.StartSync(ctx, syncUserID); err != nil {
				return fmt.Errorf("failed to start sync for user %d: %w", syncUserID, err)
			}
			logger.Info("sync enqueued", logger.Int64("userId", syncUserID))
			return nil
		}

		started, err := d.service.StartAll(ctx)
		if err != nil {
			return err
		}
		logger.Info("sync runs enqueued", logger.Int("started", started))
		return nil
	},
}

func init() {
	syncCmd.Flags().Int64Var(&syncUserID, "user", 0, "sync a single user id instead of everyone")
	rootCmd.AddCommand(syncCmd)
}
