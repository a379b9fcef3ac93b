package cmd

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"github.com/andresmejia3/deepguard/internal/types"
)

var (
	faceColor  = color.RGBA{0, 255, 0, 255}
	eyesColor  = color.RGBA{255, 215, 0, 255}
	mouthColor = color.RGBA{255, 0, 0, 255}
)

// outlineWidth is the stroke in pixels for debug boxes.
const outlineWidth = 2

// annotate returns an RGBA copy of img with the face box and both bands outlined.
func annotate(img image.Image, region *types.FaceRegion) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	if region == nil {
		return out
	}
	outline(out, region.Face, faceColor)
	outline(out, region.Eyes, eyesColor)
	outline(out, region.Mouth, mouthColor)
	return out
}

// outline strokes the inside edge of rect.
func outline(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	w := min(outlineWidth, rect.Dx(), rect.Dy())
	fill(img, image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+w), c)
	fill(img, image.Rect(rect.Min.X, rect.Max.Y-w, rect.Max.X, rect.Max.Y), c)
	fill(img, image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+w, rect.Max.Y), c)
	fill(img, image.Rect(rect.Max.X-w, rect.Min.Y, rect.Max.X, rect.Max.Y), c)
}

func fill(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		rowStart := (y-imgMinY)*stride + (rect.Min.X-imgMinX)*4
		for x := 0; x < rect.Dx(); x++ {
			off := rowStart + x*4
			pix[off] = c.R
			pix[off+1] = c.G
			pix[off+2] = c.B
			pix[off+3] = c.A
		}
	}
}

// writeDebugFrame writes the annotated frame as PNG, via a temp file so readers never see a partial image.
func writeDebugFrame(path string, frame types.Frame, region *types.FaceRegion) error {
	if frame.Image == nil {
		return fmt.Errorf("frame %d has no decoded image", frame.Index)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".frame-*.png")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := png.Encode(tmp, annotate(frame.Image, region)); err != nil {
		tmp.Close()
		return fmt.Errorf("encode frame %d: %w", frame.Index, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
