package cmd

import (
	"github.com/spf13/cobra"

	"github.com/andresmejia3/deepguard/internal/app"
	"github.com/andresmejia3/deepguard/internal/logging"
	"github.com/andresmejia3/deepguard/internal/supervisor"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Verify every file dropped into the inbox and write a report per file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if v, _ := cmd.Flags().GetString("inbox"); v != "" {
			cfg.Watch.Inbox = v
		}
		if v, _ := cmd.Flags().GetString("outbox"); v != "" {
			cfg.Watch.Outbox = v
		}

		a, err := app.Build(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		tree := supervisor.New("deepguard-watch", supervisor.DefaultConfig())
		tree.Add(newWatcher(a))

		logging.Info().Str("inbox", cfg.Watch.Inbox).Str("outbox", cfg.Watch.Outbox).Msg("watching inbox")
		return runTree(cmd.Context(), tree)
	},
}

func init() {
	watchCmd.Flags().StringP("inbox", "i", "", "Directory to watch (overrides watch.inbox)")
	watchCmd.Flags().StringP("outbox", "o", "", "Directory for reports (overrides watch.outbox)")
	rootCmd.AddCommand(watchCmd)
}
