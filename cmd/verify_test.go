package cmd

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/deepguard/internal/app"
	"github.com/andresmejia3/deepguard/internal/config"
	"github.com/andresmejia3/deepguard/internal/fusion"
	"github.com/andresmejia3/deepguard/internal/pipeline"
	"github.com/andresmejia3/deepguard/internal/report"
	"github.com/andresmejia3/deepguard/internal/types"
)

type fakeEngine struct{}

func (fakeEngine) DetectFaces(_ context.Context, frame types.Frame) ([]image.Rectangle, error) {
	b := frame.Image.Bounds()
	return []image.Rectangle{image.Rect(b.Dx()/4, b.Dy()/4, 3*b.Dx()/4, 3*b.Dy()/4)}, nil
}

func (fakeEngine) Infer(_ context.Context, t types.Tensor) ([]float32, error) {
	out := make([]float32, t.Shape[0])
	for i := range out {
		out[i] = 0.05
	}
	return out, nil
}

func (fakeEngine) ModelName(context.Context) (string, error) { return "xception-v2", nil }
func (fakeEngine) Close()                                     {}

func testGuard(t *testing.T) *pipeline.Guard {
	t.Helper()
	a, err := app.Build(context.Background(), config.Default(), false, app.WithEngine(fakeEngine{}))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a.Guard
}

func writePNG(t *testing.T, dir string) string {
	t.Helper()
	rng := rand.New(rand.NewPCG(7, 11))
	img := image.NewRGBA(image.Rect(0, 0, 96, 96))
	for y := 0; y < 96; y++ {
		for x := 0; x < 96; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(rng.IntN(256)), uint8(rng.IntN(256)), uint8(rng.IntN(256)), 255})
		}
	}
	path := filepath.Join(dir, "portrait.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func decode(t *testing.T, out *bytes.Buffer) report.Report {
	t.Helper()
	var rep report.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	return rep
}

func TestExitStatus(t *testing.T) {
	approved := report.New("m", 0.1, 0.1, report.Approved, nil)
	rejected := fusion.FailClosed("m", fusion.TagMediaDecodeError)

	tests := []struct {
		name   string
		rep    report.Report
		err    error
		strict bool
		want   int
	}{
		{"approved", approved, nil, false, exitOK},
		{"approved strict", approved, nil, true, exitOK},
		{"rejected lenient", rejected, nil, false, exitOK},
		{"rejected strict", rejected, nil, true, exitRejected},
		{"input error", fusion.FailClosed("m", fusion.TagFileNotFound, fusion.TagFailClosed), types.ErrNotFound, false, exitFailure},
		{"fault beats strict", fusion.EngineError("m", errors.New("boom")), errors.New("boom"), true, exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitStatus(tt.rep, tt.err, tt.strict))
		})
	}
}

func TestRunVerifyPrintsReport(t *testing.T) {
	guard := testGuard(t)
	path := writePNG(t, t.TempDir())

	var stdout, stderr bytes.Buffer
	code := runVerify(context.Background(), guard, path, verifyOptions{}, &stdout, &stderr)

	rep := decode(t, &stdout)
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "xception-v2", rep.Model)
	assert.InDelta(t, 0.05, rep.ModelScore, 1e-6)
}

func TestRunVerifyStrictOnUndecodable(t *testing.T) {
	guard := testGuard(t)
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("definitely not media\n"), 0o644))

	var stdout, stderr bytes.Buffer
	code := runVerify(context.Background(), guard, path, verifyOptions{Strict: true, NoProgress: true}, &stdout, &stderr)

	rep := decode(t, &stdout)
	assert.Equal(t, exitRejected, code)
	assert.Equal(t, report.Rejected, rep.Verdict)
	assert.Equal(t, []string{fusion.TagMediaDecodeError}, rep.Signals)
	assert.Empty(t, stderr.String())
}

func TestRunVerifyMissingFile(t *testing.T) {
	guard := testGuard(t)

	var stdout, stderr bytes.Buffer
	code := runVerify(context.Background(), guard, filepath.Join(t.TempDir(), "gone.mp4"), verifyOptions{NoProgress: true}, &stdout, &stderr)

	rep := decode(t, &stdout)
	assert.Equal(t, exitFailure, code)
	assert.Equal(t, report.Rejected, rep.Verdict)
	assert.True(t, rep.Has(fusion.TagFileNotFound))
}

func TestRunVerifyWritesDebugFrames(t *testing.T) {
	guard := testGuard(t)
	dir := t.TempDir()
	debugDir := filepath.Join(dir, "debug")
	path := writePNG(t, dir)

	var stdout, stderr bytes.Buffer
	runVerify(context.Background(), guard, path, verifyOptions{DebugDir: debugDir, NoProgress: true}, &stdout, &stderr)

	f, err := os.Open(filepath.Join(debugDir, "frame_0000.png"))
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 96, 96), img.Bounds())

	// Face box corner is stroked green.
	r, g, b, _ := img.At(24, 24).RGBA()
	assert.Equal(t, [3]uint32{0, 0xffff, 0}, [3]uint32{r, g, b})
}

func TestAnnotate(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 40, 40))
	region := &types.FaceRegion{
		Face:  image.Rect(10, 10, 30, 30),
		Eyes:  image.Rect(12, 14, 28, 18),
		Mouth: image.Rect(14, 24, 26, 28),
	}
	out := annotate(src, region)

	assert.Equal(t, faceColor, out.RGBAAt(10, 10))
	assert.Equal(t, faceColor, out.RGBAAt(29, 29))
	assert.Equal(t, eyesColor, out.RGBAAt(12, 14))
	assert.Equal(t, mouthColor, out.RGBAAt(25, 27))
	assert.Equal(t, color.RGBA{}, out.RGBAAt(20, 20), "interior untouched")
	assert.Equal(t, color.RGBA{}, src.RGBAAt(10, 10), "source not modified")
}

func TestOutlineClipsToBounds(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	assert.NotPanics(t, func() { outline(img, image.Rect(-5, -5, 20, 20), faceColor) })
	assert.NotPanics(t, func() { outline(img, image.Rect(50, 50, 60, 60), faceColor) })
	assert.Equal(t, faceColor, img.RGBAAt(0, 0))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "deepguard "+Version)
}

func TestVerifyBadConfigStillReports(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "deepguard.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("logging:\n  format: xml\n"), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"verify", "--config", bad, "--no-progress", "clip.mp4"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		configPath = ""
		verifyOpts = verifyOptions{}
	})

	err := rootCmd.Execute()
	var code exitCode
	require.ErrorAs(t, err, &code)
	assert.Equal(t, exitCode(exitFailure), code)

	rep := decode(t, &out)
	assert.Equal(t, report.Rejected, rep.Verdict)
	assert.Equal(t, 1.0, rep.FinalScore)
	assert.Equal(t, 1.0, rep.ModelScore)
	assert.Equal(t, pipeline.DefaultModelName, rep.Model)
	assert.True(t, rep.Has(fusion.TagFailClosed))
	require.Len(t, rep.Signals, 2)
	assert.True(t, strings.HasPrefix(rep.Signals[0], fusion.EngineErrorPrefix))
}

func TestDebugDirFailureStillReports(t *testing.T) {
	guard := testGuard(t)
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	var stdout, stderr bytes.Buffer
	code := runVerify(context.Background(), guard, writePNG(t, dir), verifyOptions{DebugDir: filepath.Join(blocker, "debug"), NoProgress: true}, &stdout, &stderr)

	rep := decode(t, &stdout)
	assert.Equal(t, exitFailure, code)
	assert.Equal(t, report.Rejected, rep.Verdict)
	assert.True(t, rep.Has(fusion.TagFailClosed))
}
