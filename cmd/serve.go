package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/deepguard/internal/app"
	"github.com/andresmejia3/deepguard/internal/logging"
	"github.com/andresmejia3/deepguard/internal/report"
	"github.com/andresmejia3/deepguard/internal/server"
	"github.com/andresmejia3/deepguard/internal/supervisor"
	"github.com/andresmejia3/deepguard/internal/watcher"
)

var (
	serveAddr  string
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP upload gate (and optionally the inbox watcher)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}

		a, err := app.Build(cmd.Context(), cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		// A nil *storage.Publisher must not become a non-nil interface.
		var pub server.Publisher
		if a.Publisher != nil {
			pub = a.Publisher
		}

		tree := supervisor.New("deepguard", supervisor.DefaultConfig())
		tree.Add(server.New(cfg.Server, a.Guard, pub))
		if serveWatch {
			tree.Add(newWatcher(a))
		}

		logging.Info().
			Str("addr", cfg.Server.Addr).
			Bool("storage", pub != nil).
			Bool("watch", serveWatch).
			Str("model", a.Guard.ModelName()).
			Msg("deepguard serving")
		return runTree(cmd.Context(), tree)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().BoolVarP(&serveWatch, "watch", "w", false, "Also watch watch.inbox and write reports to watch.outbox")
	rootCmd.AddCommand(serveCmd)
}

func newWatcher(a *app.App) *watcher.Watcher {
	w := watcher.New(watcher.Config{
		Inbox:    cfg.Watch.Inbox,
		Outbox:   cfg.Watch.Outbox,
		Debounce: cfg.Watch.Debounce,
	}, a.Guard)
	w.Processed = func(path string, rep report.Report) {
		logging.Info().Str("file", path).Str("verdict", string(rep.Verdict)).Float64("score", rep.FinalScore).Msg("inbox file verified")
	}
	return w
}

// runTree serves until ctx is cancelled; a signal-driven stop is not an error.
func runTree(ctx context.Context, tree *supervisor.Tree) error {
	err := tree.Serve(ctx)
	if unstopped, uerr := tree.Unstopped(); uerr == nil && len(unstopped) > 0 {
		logging.Warn().Int("services", len(unstopped)).Msg("services did not stop in time")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
