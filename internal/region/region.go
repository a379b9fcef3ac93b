// Package region locates the primary face in a frame and derives its sub-bands.
package region

import (
	"context"
	"image"
	"image/draw"

	"github.com/andresmejia3/deepguard/internal/types"
)

// Detector finds candidate face boxes in a frame.
type Detector interface {
	DetectFaces(ctx context.Context, frame types.Frame) ([]image.Rectangle, error)
}

// Extractor turns detector candidates into at most one FaceRegion per frame.
type Extractor struct {
	detector Detector
}

func New(d Detector) *Extractor {
	return &Extractor{detector: d}
}

// Locate returns the largest face in frame, or nil when there is none.
// A nil region with a nil error is a valid "no signal" outcome.
func (e *Extractor) Locate(ctx context.Context, frame types.Frame) (*types.FaceRegion, error) {
	if frame.Image == nil {
		return nil, nil
	}
	candidates, err := e.detector.DetectFaces(ctx, frame)
	if err != nil {
		return nil, err
	}
	face, ok := Largest(candidates, frame.Image.Bounds())
	if !ok {
		return nil, nil
	}
	return Build(frame, face), nil
}

// Largest picks the candidate with the greatest area after clipping to bounds.
// Ties keep the earliest candidate. Empty boxes are ignored.
func Largest(candidates []image.Rectangle, bounds image.Rectangle) (image.Rectangle, bool) {
	var (
		best     image.Rectangle
		bestArea = -1
	)
	for _, c := range candidates {
		c = c.Canon().Intersect(bounds)
		if c.Empty() {
			continue
		}
		if a := c.Dx() * c.Dy(); a > bestArea {
			best, bestArea = c, a
		}
	}
	return best, bestArea > 0
}

// Bands returns the eyes and mouth rectangles for a face box.
// Eyes: rows 20%-45% of the height, full width.
// Mouth: rows 65%-90%, columns 20%-80%.
func Bands(face image.Rectangle) (eyes, mouth image.Rectangle) {
	w, h := face.Dx(), face.Dy()
	at := func(frac float64, n int) int { return int(frac * float64(n)) }

	eyes = image.Rect(
		face.Min.X, face.Min.Y+at(0.20, h),
		face.Max.X, face.Min.Y+at(0.45, h),
	)
	mouth = image.Rect(
		face.Min.X+at(0.20, w), face.Min.Y+at(0.65, h),
		face.Min.X+at(0.80, w), face.Min.Y+at(0.90, h),
	)
	return eyes, mouth
}

// Build assembles the FaceRegion for an already chosen face box.
func Build(frame types.Frame, face image.Rectangle) *types.FaceRegion {
	eyes, mouth := Bands(face)
	return &types.FaceRegion{
		FrameIndex: frame.Index,
		Timestamp:  frame.Timestamp,
		Face:       face,
		Eyes:       eyes,
		Mouth:      mouth,
		Crop:       Crop(frame.Image, face),
		EyesCrop:   Crop(frame.Image, eyes),
		MouthCrop:  Crop(frame.Image, mouth),
	}
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Crop returns the part of img inside r. Decoded images share pixels with the
// source; other implementations are copied into an RGBA.
func Crop(img image.Image, r image.Rectangle) image.Image {
	r = r.Intersect(img.Bounds())
	if si, ok := img.(subImager); ok {
		return si.SubImage(r)
	}
	dst := image.NewRGBA(r)
	draw.Draw(dst, r, img, r.Min, draw.Src)
	return dst
}
