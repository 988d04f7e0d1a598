package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"tunesync/db"
	"tunesync/logger"
	"tunesync/queue"
	"tunesync/storage"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the sync task worker",
	Long: `Runs the task-queue worker that executes the sync pipeline:
pagination, batch persistence, aggregation, finalization and cleanup.
Multiple workers can run side by side; the queue group load-balances tasks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap()
		if err != nil {
			return err
		}
		defer db.DB.Close()

		wmLogger := queue.NewLoggerAdapter()
		subscriber, err := queue.NewSubscriber(d.cfg, wmLogger)
		if err != nil {
			return err
		}
		publisher, err := queue.NewPublisher(d.cfg, wmLogger)
		if err != nil {
			return err
		}

		// Dead-letter archiving is best-effort infrastructure: a worker
		// without MinIO still processes tasks, it just logs dead letters
		// instead of archiving them.
		var archiver queue.DeadLetterArchiver
		if store, err := storage.NewDeadLetterStore(d.cfg); err != nil {
			logger.Warn("MinIO unavailable, dead-letter archiving disabled", logger.ErrorField(err))
		} else {
			archiver = store
		}

		worker, err := queue.NewWorker(d.cfg, d.service, subscriber, publisher, archiver, wmLogger)
		if err != nil {
			return err
		}
		defer worker.Close()

		return worker.Run(context.Background())
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
