// Package pipeline runs one asset through every detection stage and fuses the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/deepguard/internal/fusion"
	"github.com/andresmejia3/deepguard/internal/logging"
	"github.com/andresmejia3/deepguard/internal/metrics"
	"github.com/andresmejia3/deepguard/internal/report"
	"github.com/andresmejia3/deepguard/internal/sampler"
	"github.com/andresmejia3/deepguard/internal/types"
)

const (
	TagSuspiciousMetadata = "suspicious_metadata_integrity"
	TagHighFrequency      = "high_frequency_artifacts"
	TagTemporalDistortion = "temporal_face_distortion"
	TagDetectorError      = "face_detector_error"
)

// DefaultModelName identifies the classifier in reports when the engine does not say otherwise.
const DefaultModelName = "efficientnet-b0"

// Escalation thresholds for the derived tags.
const (
	suspiciousMetadataAt = 0.8
	highFrequencyAbove   = 0.7
	temporalDistortAbove = 0.4
)

// MetadataScanner is the pre-decode structural scan.
type MetadataScanner interface {
	Scan(ctx context.Context, path string) (float64, []string, error)
}

// FrameSource samples frames from a video asset.
type FrameSource interface {
	Extract(ctx context.Context, asset types.MediaAsset) []types.Frame
}

// RegionLocator finds the primary face of a frame.
type RegionLocator interface {
	Locate(ctx context.Context, frame types.Frame) (*types.FaceRegion, error)
}

// ArtifactAnalyzer applies the hard artifact rules to a region.
type ArtifactAnalyzer interface {
	Analyze(region *types.FaceRegion) (float64, []string)
}

// ModelScorer scores every region in one batch, fail-closed.
type ModelScorer interface {
	Scores(ctx context.Context, regions []*types.FaceRegion) ([]float64, []string)
}

// TemporalAnalyzer turns an ordered score sequence into a risk.
type TemporalAnalyzer interface {
	Analyze(scores []float64) (float64, []string)
}

// Deps are the stage implementations a Guard coordinates.
type Deps struct {
	Metadata MetadataScanner
	Frames   FrameSource
	Regions  RegionLocator
	Artifact ArtifactAnalyzer
	Model    ModelScorer
	Temporal TemporalAnalyzer
	Fusion   *fusion.Engine

	// Describe and DecodeImage default to the sampler package functions.
	Describe    func(path string) (types.MediaAsset, error)
	DecodeImage func(path string) (types.Frame, error)
}

// Config bounds one run.
type Config struct {
	ModelName   string
	Parallelism int           // concurrent per-frame region+artifact workers
	Timeout     time.Duration // wall-clock budget for a run; 0 disables
}

// Hooks observe a run. All fields are optional and must be safe for concurrent calls.
type Hooks struct {
	// Frames is called once with the number of frames about to be analysed.
	Frames func(total int)
	// FrameDone is called after each frame's region and artifact work.
	FrameDone func()
	// Region is called for every frame that yielded a face, after scoring.
	Region func(frame types.Frame, region *types.FaceRegion, signal types.FrameSignal)
}

// Guard is safe for concurrent runs; runs share only the stage implementations.
type Guard struct {
	d   Deps
	cfg Config
}

// New checks that every stage is present.
func New(d Deps, cfg Config) (*Guard, error) {
	switch {
	case d.Metadata == nil, d.Frames == nil, d.Regions == nil, d.Artifact == nil,
		d.Model == nil, d.Temporal == nil, d.Fusion == nil:
		return nil, errors.New("pipeline: every stage must be provided")
	}
	if d.Describe == nil {
		d.Describe = sampler.Describe
	}
	if d.DecodeImage == nil {
		d.DecodeImage = sampler.DecodeImage
	}
	if cfg.ModelName == "" {
		cfg.ModelName = DefaultModelName
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return &Guard{d: d, cfg: cfg}, nil
}

// ModelName is the identifier stamped on every report.
func (g *Guard) ModelName() string { return g.cfg.ModelName }

// Run verifies the asset at path. The report is always well-formed; a non-nil
// error accompanies it for input errors, timeouts and contained faults.
func (g *Guard) Run(ctx context.Context, path string) (report.Report, error) {
	return g.RunWithHooks(ctx, path, Hooks{})
}

// RunWithHooks is Run with progress and per-frame observers.
func (g *Guard) RunWithHooks(ctx context.Context, path string, hooks Hooks) (rep report.Report, err error) {
	if logging.RunID(ctx) == "" {
		ctx = logging.WithRunID(ctx, logging.NewRunID())
	}
	log := logging.Ctx(ctx)
	start := time.Now()

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("path", path).Msg("pipeline fault contained")
			metrics.FailClosedTotal.WithLabelValues("engine_error").Inc()
			rep = fusion.EngineError(g.cfg.ModelName, r)
			err = fmt.Errorf("pipeline panic: %v", r)
		}
		metrics.ObserveStage("total", start)
		metrics.RunsTotal.WithLabelValues(string(rep.Verdict)).Inc()
		metrics.FinalScore.Observe(rep.FinalScore)
		log.Info().
			Str("path", path).
			Str("verdict", string(rep.Verdict)).
			Float64("final_score", rep.FinalScore).
			Strs("signals", rep.Signals).
			Dur("elapsed", time.Since(start)).
			Msg("verification finished")
	}()

	rep, err = g.run(ctx, path, hooks)
	if err == nil && ctx.Err() != nil {
		// A run that overran its budget is never trusted, whatever it produced.
		err = ctx.Err()
	}
	if err != nil && (isCtxErr(err) || rep.Verdict == "") {
		metrics.FailClosedTotal.WithLabelValues("engine_error").Inc()
		return fusion.EngineError(g.cfg.ModelName, err), err
	}
	return rep, err
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// frameResult is the per-frame outcome, stored by frame index.
type frameResult struct {
	region    *types.FaceRegion
	artifact  float64
	signals   []string
	detectErr error
}

func (g *Guard) run(ctx context.Context, path string, hooks Hooks) (report.Report, error) {
	log := logging.Ctx(ctx)
	model := g.cfg.ModelName

	// 1. Metadata
	t0 := time.Now()
	metaScore, metaSignals, err := g.d.Metadata.Scan(ctx, path)
	metrics.ObserveStage("metadata", t0)
	if err != nil {
		return g.inputError(err)
	}

	signals := append([]string(nil), metaSignals...)
	if metaScore >= suspiciousMetadataAt {
		signals = append(signals, TagSuspiciousMetadata)
	}

	// 2. Frames
	t0 = time.Now()
	asset, err := g.d.Describe(path)
	if err != nil {
		return report.Report{}, fmt.Errorf("describe asset: %w", err)
	}
	var frames []types.Frame
	if asset.Kind != types.KindImage {
		frames = g.d.Frames.Extract(ctx, asset)
	}
	if err := ctx.Err(); err != nil {
		return report.Report{}, err
	}
	if len(frames) == 0 {
		still, err := g.d.DecodeImage(path)
		if err != nil {
			log.Debug().Err(err).Str("mime", asset.MIME).Msg("asset is neither video nor image")
			metrics.FailClosedTotal.WithLabelValues(fusion.TagMediaDecodeError).Inc()
			return fusion.FailClosed(model, fusion.TagMediaDecodeError), nil
		}
		frames = []types.Frame{still}
	}
	metrics.ObserveStage("sampling", t0)
	metrics.FramesSampled.Observe(float64(len(frames)))
	log.Debug().Int("frames", len(frames)).Str("kind", string(asset.Kind)).Msg("frames sampled")

	// 3. Per-frame region + artifact fan-out
	t0 = time.Now()
	if hooks.Frames != nil {
		hooks.Frames(len(frames))
	}
	results := make([]frameResult, len(frames))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.cfg.Parallelism)
	for i := range frames {
		grp.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("frame %d: panic: %v", frames[i].Index, r)
				}
				if hooks.FrameDone != nil {
					hooks.FrameDone()
				}
			}()
			region, err := g.d.Regions.Locate(gctx, frames[i])
			if err != nil {
				if isCtxErr(err) {
					return err
				}
				log.Warn().Err(err).Int("frame", frames[i].Index).Msg("face detection failed")
				results[i].detectErr = err
				return nil
			}
			if region == nil {
				return nil
			}
			score, tags := g.d.Artifact.Analyze(region)
			results[i] = frameResult{region: region, artifact: score, signals: tags}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return report.Report{}, err
	}
	metrics.ObserveStage("regions", t0)

	// A detector fault on any frame rejects the whole run. The surviving
	// frames cannot vouch for the ones the detector never saw.
	if failed, first := detectorFaults(results); failed > 0 {
		metrics.FailClosedTotal.WithLabelValues(TagDetectorError).Inc()
		return fusion.FailClosed(model, TagDetectorError, fusion.TagFailClosed),
			fmt.Errorf("face detection failed on %d of %d frames: %w", failed, len(frames), first)
	}

	// 4. Ordered pairing: region index -> frame index
	var located []int
	for i := range results {
		if results[i].region != nil {
			located = append(located, i)
		}
	}
	sort.Slice(located, func(a, b int) bool {
		return results[located[a]].region.FrameIndex < results[located[b]].region.FrameIndex
	})
	metrics.FacesLocated.Observe(float64(len(located)))

	if len(located) == 0 {
		metrics.FailClosedTotal.WithLabelValues(fusion.TagNoFaces).Inc()
		return fusion.FailClosed(model, fusion.TagNoFaces), nil
	}

	regions := make([]*types.FaceRegion, len(located))
	for k, i := range located {
		regions[k] = results[i].region
	}

	// 5. One batched model call
	t0 = time.Now()
	modelScores, modelTags := g.d.Model.Scores(ctx, regions)
	metrics.ObserveStage("scoring", t0)
	signals = append(signals, modelTags...)

	frameSignals := make([]types.FrameSignal, len(located))
	var modelSum, artifactSum float64
	for k, i := range located {
		fr := results[i]
		sig := types.FrameSignal{
			FrameIndex:    fr.region.FrameIndex,
			Timestamp:     fr.region.Timestamp,
			ModelScore:    modelScores[k],
			ArtifactScore: fr.artifact,
			Signals:       fr.signals,
		}
		frameSignals[k] = sig
		modelSum += sig.ModelScore
		artifactSum += sig.ArtifactScore
		signals = append(signals, fr.signals...)
		if sig.ArtifactScore > highFrequencyAbove {
			signals = append(signals, TagHighFrequency)
		}
		if hooks.Region != nil {
			hooks.Region(frames[i], fr.region, sig)
		}
	}

	// 6. Temporal analysis over the time-ordered sequence
	temporalRisk, temporalTags := g.d.Temporal.Analyze(modelScores)
	signals = append(signals, temporalTags...)
	if temporalRisk > temporalDistortAbove {
		signals = append(signals, TagTemporalDistortion)
	}

	n := float64(len(located))
	agg := types.AggregateSignals{
		ModelScore:    types.Clamp01(modelSum / n),
		ArtifactScore: types.Clamp01(artifactSum / n),
		TemporalRisk:  types.Clamp01(temporalRisk),
		MetadataScore: types.Clamp01(metaScore),
		Signals:       types.Dedup(signals),
	}
	log.Debug().
		Float64("model", agg.ModelScore).
		Float64("artifact", agg.ArtifactScore).
		Float64("temporal", agg.TemporalRisk).
		Float64("metadata", agg.MetadataScore).
		Int("faces", len(located)).
		Msg("signals aggregated")

	// 7. Fusion
	return g.d.Fusion.Fuse(model, agg), nil
}

func detectorFaults(results []frameResult) (int, error) {
	var (
		n     int
		first error
	)
	for _, r := range results {
		if r.detectErr != nil {
			if first == nil {
				first = r.detectErr
			}
			n++
		}
	}
	return n, first
}

// inputError maps a metadata-stage failure onto the rejection report for it.
func (g *Guard) inputError(err error) (report.Report, error) {
	model := g.cfg.ModelName
	metrics.FailClosedTotal.WithLabelValues("input_error").Inc()
	switch {
	case errors.Is(err, types.ErrNoInput):
		return fusion.FailClosed(model, fusion.TagNoFileProvided), err
	case errors.Is(err, types.ErrNotFound):
		return fusion.FailClosed(model, fusion.TagFileNotFound, fusion.TagFailClosed), err
	case errors.Is(err, types.ErrNotRegularFile):
		return fusion.FailClosed(model, fusion.TagInvalidInput, fusion.TagFailClosed), err
	case isCtxErr(err):
		return report.Report{}, err
	default:
		return fusion.EngineError(model, err), err
	}
}
