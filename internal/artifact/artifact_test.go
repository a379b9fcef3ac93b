package artifact

import (
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/andresmejia3/deepguard/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flat(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func noisy(w, h int) *image.Gray {
	rng := rand.New(rand.NewPCG(7, 11))
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.IntN(256))
	}
	return img
}

func spike(v uint8) *Gray {
	g := &Gray{W: 5, H: 5, Pix: make([]uint8, 25)}
	g.Pix[2*5+2] = v
	return g
}

func regionOf(img image.Image) *types.FaceRegion {
	return &types.FaceRegion{Face: img.Bounds(), Crop: img}
}

func TestAnalyzeNoRegion(t *testing.T) {
	e := New(DefaultThresholds())

	score, signals := e.Analyze(nil)
	assert.Equal(t, 0.0, score)
	assert.Equal(t, []string{TagNoFaceROI}, signals)

	score, signals = e.Analyze(&types.FaceRegion{})
	assert.Equal(t, 0.0, score)
	assert.Equal(t, []string{TagNoFaceROI}, signals)
}

func TestAnalyzeFlatFaceTripsEveryRule(t *testing.T) {
	score, signals := New(DefaultThresholds()).Analyze(regionOf(flat(64, 64, 128)))
	assert.Equal(t, 1.0, score)
	assert.Equal(t, []string{TagFFTAnomaly, TagTextureSmoothing, TagSilentNoise}, signals)
}

func TestAnalyzeNoisyFacePasses(t *testing.T) {
	score, signals := New(DefaultThresholds()).Analyze(regionOf(noisy(64, 64)))
	assert.Equal(t, 0.0, score)
	assert.Empty(t, signals)
}

func TestAnalyzeLaplacianAloneForcesMaxScore(t *testing.T) {
	// Disable the other two rules so only texture smoothing can fire.
	th := DefaultThresholds()
	th.SpectrumMean = 0
	th.NoiseLevel = 0

	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(4 * x)})
		}
	}

	g := NewGray(img)
	require.Less(t, g.LaplacianVariance(), 50.0)

	score, signals := New(th).Analyze(regionOf(img))
	assert.Equal(t, 1.0, score)
	assert.Equal(t, []string{TagTextureSmoothing}, signals)
}

func TestLaplacianVarianceSpike(t *testing.T) {
	// One -4v, four +v, twenty zeros: mean 0, variance 20v^2/25.
	assert.InDelta(t, 80.0, spike(10).LaplacianVariance(), 1e-9)
}

func TestNoiseLevelSpike(t *testing.T) {
	// The median removes the lone spike entirely.
	assert.InDelta(t, 10.0/25.0, spike(10).NoiseLevel(), 1e-9)
	assert.Equal(t, 0.0, NewGray(flat(8, 8, 3)).NoiseLevel())
}

func TestHighFrequencyMean(t *testing.T) {
	m, ok := NewGray(flat(64, 64, 200)).HighFrequencyMean(20)
	require.True(t, ok)
	assert.InDelta(t, 0.0, m, 1e-6)

	m, ok = NewGray(noisy(64, 64)).HighFrequencyMean(20)
	require.True(t, ok)
	assert.Greater(t, m, 80.0)

	// Mask covers every coefficient of a tiny crop.
	_, ok = NewGray(flat(16, 16, 1)).HighFrequencyMean(20)
	assert.False(t, ok)
}

func TestSpectrumMatchesDirectDFT(t *testing.T) {
	g := &Gray{W: 3, H: 2, Pix: []uint8{1, 2, 3, 4, 5, 6}}
	spec := g.spectrum()

	for v := 0; v < g.H; v++ {
		for u := 0; u < g.W; u++ {
			var want complex128
			for y := 0; y < g.H; y++ {
				for x := 0; x < g.W; x++ {
					phase := -2 * math.Pi * (float64(u*x)/float64(g.W) + float64(v*y)/float64(g.H))
					want += complex(g.at(x, y)*math.Cos(phase), g.at(x, y)*math.Sin(phase))
				}
			}
			got := spec[v*g.W+u]
			assert.InDelta(t, real(want), real(got), 1e-9)
			assert.InDelta(t, imag(want), imag(got), 1e-9)
		}
	}
}

func TestNewGrayHandlesSubImages(t *testing.T) {
	src := noisy(20, 20)
	sub := src.SubImage(image.Rect(5, 5, 15, 12)).(*image.Gray)
	g := NewGray(sub)
	require.Equal(t, 10, g.W)
	require.Equal(t, 7, g.H)
	assert.Equal(t, src.GrayAt(5, 5).Y, g.Pix[0])
	assert.Equal(t, src.GrayAt(14, 11).Y, g.Pix[len(g.Pix)-1])

	rgba := image.NewRGBA(image.Rect(0, 0, 2, 1))
	rgba.Set(0, 0, color.RGBA{R: 255, A: 255})
	assert.Equal(t, uint8(76), NewGray(rgba).Pix[0])
}

type exploding struct{ image.Image }

func (exploding) At(int, int) color.Color { panic("corrupt decoder state") }

func TestAnalyzeRecoversFromPanics(t *testing.T) {
	img := exploding{image.NewRGBA(image.Rect(0, 0, 8, 8))}
	score, signals := New(DefaultThresholds()).Analyze(regionOf(img))
	assert.Equal(t, types.MaxRisk, score)
	assert.Equal(t, []string{TagEngineError}, signals)
}

func TestReflect101(t *testing.T) {
	assert.Equal(t, 1, reflect101(-1, 5))
	assert.Equal(t, 3, reflect101(5, 5))
	assert.Equal(t, 0, reflect101(-1, 1))
	assert.Equal(t, 0, reflect101(2, 2))
}
