// Package app assembles a ready-to-run verification stack from configuration.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/deepguard/internal/artifact"
	"github.com/andresmejia3/deepguard/internal/config"
	"github.com/andresmejia3/deepguard/internal/fusion"
	"github.com/andresmejia3/deepguard/internal/logging"
	"github.com/andresmejia3/deepguard/internal/metadata"
	"github.com/andresmejia3/deepguard/internal/metrics"
	"github.com/andresmejia3/deepguard/internal/pipeline"
	"github.com/andresmejia3/deepguard/internal/region"
	"github.com/andresmejia3/deepguard/internal/sampler"
	"github.com/andresmejia3/deepguard/internal/scorer"
	"github.com/andresmejia3/deepguard/internal/storage"
	"github.com/andresmejia3/deepguard/internal/temporal"
	"github.com/andresmejia3/deepguard/internal/worker"
)

const helloTimeout = 10 * time.Second

// Engine is what the stack needs from the external engine.
type Engine interface {
	region.Detector
	scorer.Backend
	ModelName(ctx context.Context) (string, error)
	Close()
}

// App owns the long-lived pieces. Close releases them.
type App struct {
	Config    *config.Config
	Guard     *pipeline.Guard
	Publisher *storage.Publisher // nil unless storage is enabled

	engine Engine
}

// Option customises Build.
type Option func(*options)

type options struct {
	engine Engine
}

// WithEngine replaces the process pool, mostly for tests.
func WithEngine(e Engine) Option { return func(o *options) { o.engine = e } }

// InitLogging applies the logging section to the global logger.
func InitLogging(cfg config.Logging) {
	logging.Init(logging.Config{
		Level:     cfg.Level,
		Format:    cfg.Format,
		Caller:    cfg.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})
}

// Build wires every stage. withStorage controls whether the publisher is
// connected; the CLI verify path never publishes.
func Build(ctx context.Context, cfg *config.Config, withStorage bool, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	eng := o.engine
	if eng == nil {
		eng = worker.NewPool(worker.PoolConfig{
			Command: cfg.Engine.Argv(),
			Size:    cfg.Engine.Size,
			Timeout: cfg.Engine.Timeout,
		})
	}

	fuse, err := fusion.New(cfg.Fusion)
	if err != nil {
		eng.Close()
		return nil, err
	}

	model := cfg.Pipeline.ModelName
	if model == "" {
		hctx, cancel := context.WithTimeout(ctx, helloTimeout)
		name, err := eng.ModelName(hctx)
		cancel()
		if err != nil || name == "" {
			logging.Warn().Err(err).Str("fallback", pipeline.DefaultModelName).Msg("engine did not report its model")
			name = pipeline.DefaultModelName
		}
		model = name
	}

	guard, err := pipeline.New(pipeline.Deps{
		Metadata: metadata.New(),
		Frames:   sampler.New(cfg.Sampler.Config()),
		Regions:  region.New(eng),
		Artifact: artifact.New(cfg.Artifact.Thresholds()),
		Model: scorer.New(eng, scorer.BreakerConfig{
			ConsecutiveFailures: cfg.Engine.BreakerFailures,
			OpenTimeout:         cfg.Engine.BreakerOpenTimeout,
			Interval:            time.Minute,
			OnStateChange:       metrics.RecordBreakerState,
		}),
		Temporal: temporal.New(cfg.Pipeline.FluctuationThreshold),
		Fusion:   fuse,
	}, pipeline.Config{
		ModelName:   model,
		Parallelism: cfg.Pipeline.Parallelism,
		Timeout:     cfg.Pipeline.Timeout,
	})
	if err != nil {
		eng.Close()
		return nil, err
	}

	a := &App{Config: cfg, Guard: guard, engine: eng}

	if withStorage && cfg.Storage.Enabled {
		pub, err := storage.New(ctx, storage.Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			eng.Close()
			return nil, fmt.Errorf("connect storage: %w", err)
		}
		a.Publisher = pub
	}

	logging.Debug().Str("model", model).Int("engines", cfg.Engine.Size).Msg("verification stack ready")
	return a, nil
}

// Close stops the engine processes.
func (a *App) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
}
