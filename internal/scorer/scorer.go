// Package scorer prepares face crops for the classifier and applies the
// fail-closed policy to whatever the inference backend returns.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/image/draw"

	"github.com/andresmejia3/deepguard/internal/logging"
	"github.com/andresmejia3/deepguard/internal/types"
)

const (
	TagModelUnavailable = "model_unavailable"
	TagInferenceError   = "model_inference_error"

	// InputSize is the square resolution the classifier expects.
	InputSize = 224
)

var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ErrNoBackend is the fault recorded when no inference backend is configured.
var ErrNoBackend = errors.New("no inference backend configured")

// Backend runs the classifier over an NCHW batch and returns one probability per crop.
type Backend interface {
	Infer(ctx context.Context, batch types.Tensor) ([]float32, error)
}

// BreakerConfig tunes the circuit breaker around the backend.
type BreakerConfig struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	Interval            time.Duration
	OnStateChange       func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig trips after 5 straight failures and probes again after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second, Interval: time.Minute}
}

// callerGone marks a backend error that happened after the caller's context
// ended. It says nothing about engine health, so the breaker ignores it.
type callerGone struct{ err error }

func (c *callerGone) Error() string { return c.err.Error() }
func (c *callerGone) Unwrap() error { return c.err }

// Scorer is safe for concurrent use.
type Scorer struct {
	backend Backend
	cb      *gobreaker.CircuitBreaker[[]float32]
}

// New wraps backend in a circuit breaker. A nil backend is allowed; every score then fails closed.
func New(backend Backend, bc BreakerConfig) *Scorer {
	if bc.ConsecutiveFailures == 0 {
		bc.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	settings := gobreaker.Settings{
		Name:        "engine-inference",
		MaxRequests: 1,
		Interval:    bc.Interval,
		Timeout:     bc.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.ConsecutiveFailures
		},
		IsExcluded: func(err error) bool {
			var gone *callerGone
			return errors.As(err, &gone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			if bc.OnStateChange != nil {
				bc.OnStateChange(name, from, to)
			}
		},
	}
	return &Scorer{
		backend: backend,
		cb:      gobreaker.NewCircuitBreaker[[]float32](settings),
	}
}

// ScoreBatch returns one result per region, in the same order.
// All regions go to the backend in a single call.
func (s *Scorer) ScoreBatch(ctx context.Context, regions []*types.FaceRegion) []types.ScoreResult {
	results := make([]types.ScoreResult, len(regions))
	if len(regions) == 0 {
		return results
	}

	fail := func(tag string, err error) []types.ScoreResult {
		for i := range results {
			results[i] = types.Faulted("model", tag, err)
		}
		return results
	}

	if s.backend == nil {
		return fail(TagModelUnavailable, ErrNoBackend)
	}

	batch, err := Preprocess(regions)
	if err != nil {
		return fail(TagInferenceError, err)
	}

	out, err := s.cb.Execute(func() ([]float32, error) {
		out, err := s.backend.Infer(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &callerGone{err: err}
			}
			return nil, err
		}
		if len(out) != len(regions) {
			return nil, fmt.Errorf("backend returned %d scores for %d crops", len(out), len(regions))
		}
		return out, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fail(TagModelUnavailable, err)
		}
		return fail(TagInferenceError, err)
	}

	for i, v := range out {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			results[i] = types.Faulted("model", TagInferenceError, fmt.Errorf("non-finite score %v for crop %d", v, i))
			continue
		}
		results[i] = types.Scored(types.Clamp01(f))
	}
	return results
}

// Resolve applies the fail-closed policy: every fault becomes MaxRisk and
// contributes its diagnostic tag once.
func Resolve(results []types.ScoreResult) ([]float64, []string) {
	scores := make([]float64, len(results))
	var tags []string
	for i, r := range results {
		scores[i] = r.Resolve()
		if r.Fault != nil {
			tags = append(tags, r.Fault.Tag)
		}
	}
	return scores, types.Dedup(tags)
}

// Scores is ScoreBatch followed by Resolve.
func (s *Scorer) Scores(ctx context.Context, regions []*types.FaceRegion) ([]float64, []string) {
	return Resolve(s.ScoreBatch(ctx, regions))
}

// Preprocess builds the NCHW batch: RGB, bilinear resize to 224x224, scale to
// [0,1], ImageNet mean/std normalisation, channel-first.
func Preprocess(regions []*types.FaceRegion) (types.Tensor, error) {
	const plane = InputSize * InputSize
	t := types.Tensor{
		Shape: [4]int{len(regions), 3, InputSize, InputSize},
		Data:  make([]float32, len(regions)*3*plane),
	}

	dst := image.NewRGBA(image.Rect(0, 0, InputSize, InputSize))
	for n, r := range regions {
		if r == nil || r.Crop == nil || r.Crop.Bounds().Empty() {
			return types.Tensor{}, fmt.Errorf("region %d has no crop", n)
		}
		draw.BiLinear.Scale(dst, dst.Bounds(), r.Crop, r.Crop.Bounds(), draw.Src, nil)

		base := n * 3 * plane
		for y := 0; y < InputSize; y++ {
			for x := 0; x < InputSize; x++ {
				off := y*dst.Stride + x*4
				i := y*InputSize + x
				for c := 0; c < 3; c++ {
					v := float32(dst.Pix[off+c]) / 255
					t.Data[base+c*plane+i] = (v - imagenetMean[c]) / imagenetStd[c]
				}
			}
		}
	}
	return t, nil
}
