package types

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// MaxRisk is the score every fail-closed path resolves to.
const MaxRisk = 1.0

var (
	// ErrNotFound is returned when the asset path does not exist.
	ErrNotFound = errors.New("asset not found")
	// ErrNotRegularFile is returned for directories and device files.
	ErrNotRegularFile = errors.New("asset is not a regular file")
	// ErrNoInput is returned when no asset path was supplied at all.
	ErrNoInput = errors.New("no file provided")
)

// MediaKind is the coarse container class detected from the file contents.
type MediaKind string

const (
	KindUnknown MediaKind = "unknown"
	KindImage   MediaKind = "image"
	KindVideo   MediaKind = "video"
)

// MediaAsset describes the file under inspection. It is never mutated once built.
type MediaAsset struct {
	Path     string
	Size     int64
	Kind     MediaKind
	MIME     string
	Duration float64 // seconds, video only
}

// Frame is a single decoded sample of an asset.
type Frame struct {
	Index     int
	Timestamp float64
	Image     image.Image
	Encoded   []byte // JPEG bytes the image was decoded from, if any
}

// FaceRegion is the primary face of a frame plus its fixed sub-bands.
// Rectangles are in frame coordinates.
type FaceRegion struct {
	FrameIndex int
	Timestamp  float64
	Face       image.Rectangle
	Eyes       image.Rectangle
	Mouth      image.Rectangle
	Crop       image.Image
	EyesCrop   image.Image
	MouthCrop  image.Image
}

// FrameSignal bundles everything the analyzers produced for one frame.
type FrameSignal struct {
	FrameIndex    int
	Timestamp     float64
	ModelScore    float64
	ArtifactScore float64
	Signals       []string
}

// AggregateSignals is the per-run reduction handed to fusion.
type AggregateSignals struct {
	ModelScore    float64
	ArtifactScore float64
	TemporalRisk  float64
	MetadataScore float64
	Signals       []string
}

// Tensor is a dense float32 batch in NCHW layout.
type Tensor struct {
	Shape [4]int
	Data  []float32
}

// Len returns the number of elements the shape describes.
func (t Tensor) Len() int {
	return t.Shape[0] * t.Shape[1] * t.Shape[2] * t.Shape[3]
}

// ScoringFault records why a stage could not produce a score.
type ScoringFault struct {
	Stage string
	Tag   string
	Cause error
}

func (f *ScoringFault) Error() string {
	return fmt.Sprintf("%s: %v", f.Stage, f.Cause)
}

func (f *ScoringFault) Unwrap() error { return f.Cause }

// ScoreResult holds either a score or the fault that prevented one.
type ScoreResult struct {
	Value float64
	Fault *ScoringFault
}

// Scored builds a successful result.
func Scored(v float64) ScoreResult { return ScoreResult{Value: v} }

// Faulted builds a failed result.
func Faulted(stage, tag string, cause error) ScoreResult {
	return ScoreResult{Fault: &ScoringFault{Stage: stage, Tag: tag, Cause: cause}}
}

// Resolve is the only place a fault turns into a number. Any fault is MaxRisk.
func (r ScoreResult) Resolve() float64 {
	if r.Fault != nil || math.IsNaN(r.Value) {
		return MaxRisk
	}
	return Clamp01(r.Value)
}

// Clamp01 bounds v to [0,1]. NaN maps to MaxRisk.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return MaxRisk
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Dedup returns the tags with duplicates and empty strings removed, keeping first occurrence order.
func Dedup(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
