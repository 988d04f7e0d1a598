package cmd

import (
	"github.com/spf13/cobra"

	"tunesync/db"
	"tunesync/logger"
	"tunesync/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the HTTP API server",
	Long:  `Runs the TuneSync HTTP API: account management, sync triggers, status and the live progress feed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap()
		if err != nil {
			return err
		}
		defer db.DB.Close()
		defer d.enqueuer.Close()

		apiHandler := server.NewAPIHandler(
			d.userRepo, d.trackRepo, d.service, d.progressCache, d.cipher, d.cfg)
		if err := server.Start(d.cfg, apiHandler); err != nil {
			return err
		}
		logger.Info("HTTP server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
