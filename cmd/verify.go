package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/deepguard/internal/app"
	"github.com/andresmejia3/deepguard/internal/fusion"
	"github.com/andresmejia3/deepguard/internal/logging"
	"github.com/andresmejia3/deepguard/internal/pipeline"
	"github.com/andresmejia3/deepguard/internal/report"
	"github.com/andresmejia3/deepguard/internal/types"
	"github.com/andresmejia3/deepguard/internal/utils"
)

// Exit statuses of verify.
const (
	exitOK       = 0
	exitFailure  = 1 // input error or contained fault; the report is still printed
	exitRejected = 2 // only with --strict
)

type verifyOptions struct {
	Strict     bool
	DebugDir   string
	NoProgress bool
	Engines    int
	ModelPath  string
	Timeout    time.Duration
}

var verifyOpts verifyOptions

var verifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify one image or video and print its report",
	Args:  cobra.MaximumNArgs(1),
	// verify owns its setup so a bad configuration still yields a report on stdout.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setup(); err != nil {
			return failVerify(cmd.OutOrStdout(), pipeline.DefaultModelName, "Invalid configuration", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		if verifyOpts.Engines > 0 {
			cfg.Engine.Size = verifyOpts.Engines
		}
		if verifyOpts.ModelPath != "" {
			cfg.Engine.ModelPath = verifyOpts.ModelPath
		}
		if verifyOpts.Timeout > 0 {
			cfg.Pipeline.Timeout = verifyOpts.Timeout
		}

		model := cfg.Pipeline.ModelName
		if model == "" {
			model = pipeline.DefaultModelName
		}

		if path == "" {
			rep := fusion.FailClosed(model, fusion.TagNoFileProvided)
			if err := report.Encode(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			utils.ShowError("No file provided", types.ErrNoInput, nil)
			return exitCode(exitFailure)
		}

		a, err := app.Build(cmd.Context(), cfg, false)
		if err != nil {
			return failVerify(cmd.OutOrStdout(), model, "Failed to start the verification engine", err)
		}
		defer a.Close()

		if code := runVerify(cmd.Context(), a.Guard, path, verifyOpts, cmd.OutOrStdout(), cmd.ErrOrStderr()); code != exitOK {
			return exitCode(code)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyOpts.Strict, "strict", false, "Exit with status 2 when the verdict is REJECTED")
	verifyCmd.Flags().StringVarP(&verifyOpts.DebugDir, "debug-dir", "d", "", "Write annotated face frames (box, eye and mouth bands) to this directory")
	verifyCmd.Flags().BoolVar(&verifyOpts.NoProgress, "no-progress", false, "Hide the frame progress bar")
	verifyCmd.Flags().IntVarP(&verifyOpts.Engines, "engines", "e", 0, "Number of parallel engine workers (overrides engine.size)")
	verifyCmd.Flags().StringVarP(&verifyOpts.ModelPath, "model", "m", "", "Model file passed to the engine (overrides engine.model_path)")
	verifyCmd.Flags().DurationVarP(&verifyOpts.Timeout, "timeout", "t", 0, "Wall-clock budget for the run (overrides pipeline.timeout)")
	rootCmd.AddCommand(verifyCmd)
}

// failVerify prints the fail-closed engine_error report for a fault that
// happened before any analysis could run.
func failVerify(stdout io.Writer, model, what string, err error) error {
	if encErr := report.Encode(stdout, fusion.EngineError(model, err)); encErr != nil {
		utils.ShowError("Failed to write report", encErr, nil)
	}
	utils.ShowError(what, err, nil)
	return exitCode(exitFailure)
}

// runVerify gates path, prints the report to stdout and returns the exit status.
func runVerify(ctx context.Context, guard *pipeline.Guard, path string, opts verifyOptions, stdout, stderr io.Writer) int {
	var bar *progressbar.ProgressBar
	hooks := pipeline.Hooks{}

	if !opts.NoProgress {
		hooks.Frames = func(total int) {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("🔍 DeepGuard Verifying"),
				progressbar.OptionSetWriter(stderr),
				progressbar.OptionShowCount(),
			)
		}
		hooks.FrameDone = func() {
			if bar != nil {
				bar.Add(1)
			}
		}
	}

	if opts.DebugDir != "" {
		if err := os.MkdirAll(opts.DebugDir, 0o755); err != nil {
			failVerify(stdout, guard.ModelName(), "Failed to create debug directory", err)
			return exitFailure
		}
		hooks.Region = func(frame types.Frame, region *types.FaceRegion, sig types.FrameSignal) {
			out := filepath.Join(opts.DebugDir, fmt.Sprintf("frame_%04d.png", frame.Index))
			if err := writeDebugFrame(out, frame, region); err != nil {
				logging.Warn().Err(err).Str("path", out).Msg("debug frame not written")
				return
			}
			logging.Debug().Int("frame", frame.Index).Float64("model", sig.ModelScore).Float64("artifact", sig.ArtifactScore).Str("path", out).Msg("debug frame written")
		}
	}

	rep, err := guard.RunWithHooks(ctx, path, hooks)
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(stderr)
	}

	if encErr := report.Encode(stdout, rep); encErr != nil {
		utils.ShowError("Failed to write report", encErr, nil)
		return exitFailure
	}
	if err != nil {
		utils.ShowError("Verification failed closed", err, nil)
	}
	return exitStatus(rep, err, opts.Strict)
}

func exitStatus(rep report.Report, err error, strict bool) int {
	switch {
	case err != nil:
		return exitFailure
	case strict && rep.Verdict != report.Approved:
		return exitRejected
	default:
		return exitOK
	}
}
