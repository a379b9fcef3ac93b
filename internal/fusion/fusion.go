// Package fusion combines the four signal families into one score and verdict.
package fusion

import (
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/deepguard/internal/report"
	"github.com/andresmejia3/deepguard/internal/types"
)

const (
	TagSyntheticGeneration = "synthetic_generation_signal"
	TagHighManipulation    = "high_manipulation_risk"
	TagFailClosed          = "fail_closed"
	TagNoFaces             = "no_clear_faces_detected"
	TagMediaDecodeError    = "media_decode_error"
	TagNoFileProvided      = "no_file_provided"
	TagFileNotFound        = "file_not_found"
	TagInvalidInput        = "invalid_input"
	// EngineErrorPrefix starts the tag describing a contained catastrophic fault.
	EngineErrorPrefix = "engine_error: "
)

const weightTolerance = 1e-9

// Weights are the fusion coefficients. They must sum to 1.
type Weights struct {
	Model    float64 `koanf:"model" validate:"gte=0,lte=1"`
	Artifact float64 `koanf:"artifact" validate:"gte=0,lte=1"`
	Temporal float64 `koanf:"temporal" validate:"gte=0,lte=1"`
	Metadata float64 `koanf:"metadata" validate:"gte=0,lte=1"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Model + w.Artifact + w.Temporal + w.Metadata
}

// Thresholds are the lower edges of the two rejection bands.
type Thresholds struct {
	Reject float64 `koanf:"reject" validate:"gt=0,lte=1"`
	Unsafe float64 `koanf:"unsafe" validate:"gte=0,lte=1"`
}

// Config is copied into the Engine and never changes afterwards.
type Config struct {
	Weights    Weights    `koanf:"weights"`
	Thresholds Thresholds `koanf:"thresholds"`
}

// DefaultConfig is model 0.45, artifact 0.25, temporal 0.20, metadata 0.10,
// reject at 0.60 and unsafe at 0.40.
func DefaultConfig() Config {
	return Config{
		Weights:    Weights{Model: 0.45, Artifact: 0.25, Temporal: 0.20, Metadata: 0.10},
		Thresholds: Thresholds{Reject: 0.60, Unsafe: 0.40},
	}
}

// Validate checks the weight sum and band ordering.
func (c Config) Validate() error {
	w := c.Weights
	for name, v := range map[string]float64{"model": w.Model, "artifact": w.Artifact, "temporal": w.Temporal, "metadata": w.Metadata} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("weight %s=%v outside [0,1]", name, v)
		}
	}
	if math.Abs(w.Sum()-1) > weightTolerance {
		return fmt.Errorf("fusion weights sum to %v, want 1", w.Sum())
	}
	th := c.Thresholds
	if !(th.Unsafe >= 0 && th.Unsafe < th.Reject && th.Reject <= 1) {
		return errors.New("thresholds must satisfy 0 <= unsafe < reject <= 1")
	}
	return nil
}

// Engine is immutable and safe for concurrent use.
type Engine struct {
	cfg Config
}

// New validates cfg and returns an engine bound to it.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns a copy of the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

// Score is the clamped weighted sum of the clamped inputs, before any rounding.
func (e *Engine) Score(agg types.AggregateSignals) float64 {
	w := e.cfg.Weights
	final := w.Model*types.Clamp01(agg.ModelScore) +
		w.Artifact*types.Clamp01(agg.ArtifactScore) +
		w.Temporal*types.Clamp01(agg.TemporalRisk) +
		w.Metadata*types.Clamp01(agg.MetadataScore)
	return types.Clamp01(final)
}

// Decide maps a final score to a verdict and the band tag it implies, if any.
// The score is rounded to 4 decimals first so float noise cannot move it across a band edge.
func (e *Engine) Decide(final float64) (report.Verdict, string) {
	s := report.Round4(types.Clamp01(final))
	switch {
	case s >= e.cfg.Thresholds.Reject:
		return report.Rejected, TagSyntheticGeneration
	case s >= e.cfg.Thresholds.Unsafe:
		return report.Rejected, TagHighManipulation
	default:
		return report.Approved, ""
	}
}

// Fuse produces the terminal report for a run whose signals were all available.
func (e *Engine) Fuse(model string, agg types.AggregateSignals) report.Report {
	final := e.Score(agg)
	verdict, band := e.Decide(final)

	signals := append([]string(nil), agg.Signals...)
	if band != "" {
		signals = append(signals, band)
	}
	return report.New(model, agg.ModelScore, final, verdict, signals)
}

// FailClosed is the report for runs that could not produce evidence:
// both scores at maximum, REJECTED, and only the given explanation tags.
func FailClosed(model string, signals ...string) report.Report {
	return report.New(model, types.MaxRisk, types.MaxRisk, report.Rejected, signals)
}

// EngineError builds the catastrophic-fault report for cause.
func EngineError(model string, cause any) report.Report {
	return FailClosed(model, fmt.Sprintf("%s%v", EngineErrorPrefix, cause), TagFailClosed)
}
