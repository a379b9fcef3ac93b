// Package artifact applies classical signal-processing hard rules to a face crop.
//
// Each rule is independently sufficient: any one that fires forces the frame's
// artifact score to 1.0. The rules operate on the 8-bit luma of the face.
package artifact

import (
	"image"
	"image/draw"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/andresmejia3/deepguard/internal/types"
)

const (
	TagFFTAnomaly       = "fft_frequency_anomaly"
	TagTextureSmoothing = "texture_smoothing_detected"
	TagSilentNoise      = "unnatural_silence_noise"
	TagNoFaceROI        = "no_face_roi"
	TagEngineError      = "artifact_engine_error"
)

// Thresholds are the trip points of the three rules.
type Thresholds struct {
	SpectrumMean      float64 // rule fires when the high-frequency mean is below this
	MaskRadius        float64 // low-frequency disk excluded around the spectrum centre
	LaplacianVariance float64
	NoiseLevel        float64
}

// DefaultThresholds returns the production trip points.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SpectrumMean:      80,
		MaskRadius:        20,
		LaplacianVariance: 50,
		NoiseLevel:        1.5,
	}
}

// Engine runs the rule set. It holds no per-call state.
type Engine struct {
	th Thresholds
}

func New(th Thresholds) *Engine {
	return &Engine{th: th}
}

// Analyze scores one face region. The result is 0 or 1.
// A nil region is a neutral "no_face_roi". A panic in any rule fails closed.
func (e *Engine) Analyze(region *types.FaceRegion) (score float64, signals []string) {
	if region == nil || region.Crop == nil || region.Crop.Bounds().Empty() {
		return 0, []string{TagNoFaceROI}
	}

	defer func() {
		if r := recover(); r != nil {
			score, signals = types.MaxRisk, []string{TagEngineError}
		}
	}()

	g := NewGray(region.Crop)

	if m, ok := g.HighFrequencyMean(e.th.MaskRadius); ok && m < e.th.SpectrumMean {
		signals = append(signals, TagFFTAnomaly)
	}
	if g.LaplacianVariance() < e.th.LaplacianVariance {
		signals = append(signals, TagTextureSmoothing)
	}
	if g.NoiseLevel() < e.th.NoiseLevel {
		signals = append(signals, TagSilentNoise)
	}

	if len(signals) > 0 {
		return 1, signals
	}
	return 0, nil
}

// Gray is a row-major 8-bit luma plane.
type Gray struct {
	W, H int
	Pix  []uint8
}

// NewGray converts img to luma using the BT.601 weights of the standard library's gray model.
func NewGray(img image.Image) *Gray {
	b := img.Bounds()
	g, ok := img.(*image.Gray)
	if !ok || g.Rect.Min != (image.Point{}) || g.Stride != b.Dx() {
		g = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(g, g.Rect, img, b.Min, draw.Src)
	}
	return &Gray{W: b.Dx(), H: b.Dy(), Pix: g.Pix}
}

func (g *Gray) at(x, y int) float64 { return float64(g.Pix[y*g.W+x]) }

// reflect101 mirrors an out-of-range index without repeating the edge: -1 -> 1, n -> n-2.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// HighFrequencyMean returns the mean of 20*ln(|F|+1) over the centre-shifted
// spectrum, excluding the disk of the given radius around the centre.
// ok is false when the disk covers the whole spectrum.
func (g *Gray) HighFrequencyMean(radius float64) (mean float64, ok bool) {
	spec := g.spectrum()
	cy, cx := g.H/2, g.W/2
	r2 := radius * radius

	var sum float64
	var n int
	for y := 0; y < g.H; y++ {
		// Row y of the shifted spectrum holds frequency row (y - H/2) mod H.
		fy := (y - cy + g.H) % g.H
		dy := float64(y - cy)
		for x := 0; x < g.W; x++ {
			dx := float64(x - cx)
			if dx*dx+dy*dy <= r2 {
				continue
			}
			fx := (x - cx + g.W) % g.W
			sum += 20 * math.Log(cmplx.Abs(spec[fy*g.W+fx])+1)
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// spectrum computes the unnormalised 2-D DFT, rows then columns.
func (g *Gray) spectrum() []complex128 {
	out := make([]complex128, g.W*g.H)
	for i, p := range g.Pix {
		out[i] = complex(float64(p), 0)
	}

	rowFFT := fourier.NewCmplxFFT(g.W)
	row := make([]complex128, g.W)
	for y := 0; y < g.H; y++ {
		rowFFT.Coefficients(row, out[y*g.W:(y+1)*g.W])
		copy(out[y*g.W:], row)
	}

	colFFT := fourier.NewCmplxFFT(g.H)
	col := make([]complex128, g.H)
	colOut := make([]complex128, g.H)
	for x := 0; x < g.W; x++ {
		for y := 0; y < g.H; y++ {
			col[y] = out[y*g.W+x]
		}
		colFFT.Coefficients(colOut, col)
		for y := 0; y < g.H; y++ {
			out[y*g.W+x] = colOut[y]
		}
	}
	return out
}

// LaplacianVariance is the population variance of the 4-neighbour Laplacian
// with reflect-101 borders.
func (g *Gray) LaplacianVariance() float64 {
	n := float64(g.W * g.H)
	var sum, sumSq float64
	for y := 0; y < g.H; y++ {
		up, down := reflect101(y-1, g.H), reflect101(y+1, g.H)
		for x := 0; x < g.W; x++ {
			left, right := reflect101(x-1, g.W), reflect101(x+1, g.W)
			l := g.at(x, up) + g.at(x, down) + g.at(left, y) + g.at(right, y) - 4*g.at(x, y)
			sum += l
			sumSq += l * l
		}
	}
	mean := sum / n
	return sumSq/n - mean*mean
}

// NoiseLevel is the mean absolute difference between the plane and its 3x3
// median filter with replicated borders.
func (g *Gray) NoiseLevel() float64 {
	var window [9]uint8
	var total float64
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			k := 0
			for dy := -1; dy <= 1; dy++ {
				yy := clampIndex(y+dy, g.H)
				for dx := -1; dx <= 1; dx++ {
					window[k] = g.Pix[yy*g.W+clampIndex(x+dx, g.W)]
					k++
				}
			}
			total += math.Abs(g.at(x, y) - float64(median9(&window)))
		}
	}
	return total / float64(g.W*g.H)
}

// median9 sorts the window in place and returns its middle element.
func median9(w *[9]uint8) uint8 {
	for i := 1; i < len(w); i++ {
		for j := i; j > 0 && w[j] < w[j-1]; j-- {
			w[j], w[j-1] = w[j-1], w[j]
		}
	}
	return w[4]
}
