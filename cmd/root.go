package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/deepguard/internal/app"
	"github.com/andresmejia3/deepguard/internal/config"
	"github.com/andresmejia3/deepguard/internal/utils"
)

// Version is the application version.
const Version = "0.1.0"

var (
	// cfg is loaded once in PersistentPreRunE and shared by subcommands
	cfg        *config.Config
	configPath string
	logLevel   string
	logFormat  string
)

// exitCode lets a command choose the process exit status without printing an error.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

var rootCmd = &cobra.Command{
	Use:           "deepguard",
	Short:         "Fail-closed deepfake gate for images and video",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
}

// setup loads the configuration, applies the logging flags and initialises logging.
func setup() error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	if logFormat != "" {
		loaded.Logging.Format = logFormat
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	app.InitLogging(loaded.Logging)
	cfg = loaded
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	err := rootCmd.ExecuteContext(ctx)
	var code exitCode
	switch {
	case err == nil:
		return
	case errors.As(err, &code):
		stop()
		os.Exit(int(code))
	default:
		stop()
		utils.Die("Command failed", err, nil)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (default: $DEEPGUARD_CONFIG or ./deepguard.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (trace, debug, info, warn, error, disabled)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override logging.format (json or console)")
}
