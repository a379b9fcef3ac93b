// Package sampler turns a media asset into a bounded, time-ascending set of frames.
package sampler

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"math"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/deepguard/internal/logging"
	"github.com/andresmejia3/deepguard/internal/types"
	"github.com/andresmejia3/deepguard/internal/utils"
)

// Prober reports the duration of a video asset in seconds.
type Prober interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// Grabber returns the encoded frame nearest to ts.
type Grabber interface {
	Grab(ctx context.Context, path string, ts float64) ([]byte, error)
}

// FFmpeg implements Prober and Grabber with the ffprobe and ffmpeg binaries.
type FFmpeg struct{}

func (FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	return utils.ProbeDuration(ctx, path)
}

func (FFmpeg) Grab(ctx context.Context, path string, ts float64) ([]byte, error) {
	return utils.GrabFrame(ctx, path, ts)
}

// Config bounds the sampling.
type Config struct {
	MaxFrames   int     // hard cap on returned frames
	Rate        float64 // target frames per second
	Jitter      float64 // uniform jitter half-width in seconds
	Parallelism int     // concurrent ffmpeg grabs
}

// DefaultConfig is one frame per second, at most 32, with ±0.1s jitter.
func DefaultConfig() Config {
	return Config{MaxFrames: 32, Rate: 1, Jitter: 0.1, Parallelism: 4}
}

// Sampler extracts frames. It is safe for concurrent use.
type Sampler struct {
	cfg     Config
	prober  Prober
	grabber Grabber

	mu  sync.Mutex
	rng *rand.Rand
}

// Option customises a Sampler.
type Option func(*Sampler)

// WithProber replaces the duration probe.
func WithProber(p Prober) Option { return func(s *Sampler) { s.prober = p } }

// WithGrabber replaces the frame grabber.
func WithGrabber(g Grabber) Option { return func(s *Sampler) { s.grabber = g } }

// WithRand fixes the jitter source, for deterministic runs.
func WithRand(r *rand.Rand) Option { return func(s *Sampler) { s.rng = r } }

// New builds a Sampler backed by ffmpeg unless overridden.
func New(cfg Config, opts ...Option) *Sampler {
	def := DefaultConfig()
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = def.MaxFrames
	}
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	s := &Sampler{
		cfg:     cfg,
		prober:  FFmpeg{},
		grabber: FFmpeg{},
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Timestamps plans the seek positions for an asset of the given duration:
// one per 1/Rate seconds from 0, each jittered and clamped at 0, capped at MaxFrames.
// The result is ascending.
func (s *Sampler) Timestamps(duration float64) []float64 {
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return nil
	}
	n := int(math.Floor(duration*s.cfg.Rate)) + 1
	if n > s.cfg.MaxFrames {
		n = s.cfg.MaxFrames
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := make([]float64, 0, n)
	for k := 0; k < n; k++ {
		t := float64(k) / s.cfg.Rate
		if s.cfg.Jitter > 0 {
			t += (s.rng.Float64()*2 - 1) * s.cfg.Jitter
		}
		ts = append(ts, math.Max(0, t))
	}
	sort.Float64s(ts)
	return ts
}

// Extract samples frames from a video asset. Any failure to open or probe the
// container yields an empty slice; the caller decides on the image fallback.
// Individual grabs that fail are skipped.
func (s *Sampler) Extract(ctx context.Context, asset types.MediaAsset) []types.Frame {
	log := logging.Ctx(ctx)

	duration := asset.Duration
	if duration <= 0 {
		d, err := s.prober.Duration(ctx, asset.Path)
		if err != nil {
			log.Debug().Err(err).Str("path", asset.Path).Msg("container probe failed")
			return nil
		}
		duration = d
	}

	plan := s.Timestamps(duration)
	slots := make([]*types.Frame, len(plan))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for i, ts := range plan {
		g.Go(func() error {
			data, err := s.grabber.Grab(gctx, asset.Path, ts)
			if err != nil {
				log.Debug().Err(err).Float64("ts", ts).Msg("frame grab failed")
				return nil
			}
			img, _, err := image.Decode(bytes.NewReader(data))
			if err != nil {
				log.Debug().Err(err).Float64("ts", ts).Msg("frame decode failed")
				return nil
			}
			slots[i] = &types.Frame{Timestamp: ts, Image: img, Encoded: data}
			return nil
		})
	}
	_ = g.Wait()

	frames := make([]types.Frame, 0, len(plan))
	for _, f := range slots {
		if f != nil {
			frames = append(frames, *f)
		}
	}
	sort.SliceStable(frames, func(a, b int) bool { return frames[a].Timestamp < frames[b].Timestamp })
	for i := range frames {
		frames[i].Index = i
	}
	return frames
}

// DecodeImage reads path as a single still image at timestamp 0.
func DecodeImage(path string) (types.Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Frame{}, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return types.Frame{}, fmt.Errorf("decode image: %w", err)
	}
	f := types.Frame{Index: 0, Timestamp: 0, Image: img}
	if format == "jpeg" {
		f.Encoded = data
	}
	return f, nil
}

// Describe builds the MediaAsset for path by sniffing its contents.
func Describe(path string) (types.MediaAsset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return types.MediaAsset{}, err
	}
	asset := types.MediaAsset{Path: path, Size: info.Size(), Kind: types.KindUnknown}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return asset, nil
	}
	asset.MIME = mt.String()
	switch {
	case strings.HasPrefix(asset.MIME, "video/"):
		asset.Kind = types.KindVideo
	case strings.HasPrefix(asset.MIME, "image/"):
		asset.Kind = types.KindImage
	}
	return asset, nil
}
