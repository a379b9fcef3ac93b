package utils

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/goccy/go-json"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (engine and ffmpeg logs)
// This ensures we don't lose critical crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command bound to ctx and attaches a buffer to its Stderr pipe.
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps child logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 DEEPGUARD ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nENGINE LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for deepguard.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Media Engine (Shared by the sampler and the debug writer) ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

const megabyte = 1024 * 1024

// ErrNoFrame is returned when ffmpeg produced no decodable JPEG for a seek position.
var ErrNoFrame = errors.New("ffmpeg produced no frame")

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Duration  string `json:"duration"`
		NbFrames  string `json:"nb_frames"`
	} `json:"streams"`
}

// ProbeDuration asks ffprobe for the duration of the first video stream, in seconds.
// The container duration is used when the stream does not carry one.
func ProbeDuration(ctx context.Context, path string) (float64, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return 0, fmt.Errorf("ffprobe not found: %w", err)
	}

	probe := NewSafeCommand(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=codec_type,duration,nb_frames:format=duration", "-of", "json", path)
	out, err := probe.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w: %s", err, bytes.TrimSpace(probe.Stderr.Bytes()))
	}
	return ParseProbeDuration(out)
}

// ParseProbeDuration extracts a positive duration from ffprobe JSON output.
func ParseProbeDuration(out []byte) (float64, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return 0, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return 0, errors.New("no video stream")
	}

	// 1. Stream duration is the most precise
	if d, err := strconv.ParseFloat(res.Streams[0].Duration, 64); err == nil && d > 0 {
		return d, nil
	}
	// 2. Fall back to the container
	if d, err := strconv.ParseFloat(res.Format.Duration, 64); err == nil && d > 0 {
		return d, nil
	}
	return 0, errors.New("duration unavailable")
}

// NewGrabCmd creates an ffmpeg process that seeks to ts and writes exactly one MJPEG frame to Stdout.
func NewGrabCmd(ctx context.Context, inputPath string, ts float64) *SafeCommand {
	// Input-side -ss seeks to the nearest keyframe and decodes forward, which is fast and exact enough here.
	return NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error",
		"-ss", strconv.FormatFloat(ts, 'f', 3, 64), "-i", inputPath,
		"-frames:v", "1", "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// GrabFrame returns the JPEG bytes of the frame at ts. The ffmpeg process is always reaped.
func GrabFrame(ctx context.Context, inputPath string, ts float64) ([]byte, error) {
	ffmpeg := NewGrabCmd(ctx, inputPath, ts)
	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	jpeg, scanErr := FirstJpeg(out)
	// Drain so ffmpeg never blocks on a full pipe before Wait.
	_, _ = io.Copy(io.Discard, out)
	waitErr := ffmpeg.Wait()

	if scanErr != nil {
		return nil, scanErr
	}
	if waitErr != nil {
		return nil, fmt.Errorf("ffmpeg execution failed: %w: %s", waitErr, bytes.TrimSpace(ffmpeg.Stderr.Bytes()))
	}
	return jpeg, nil
}

// FirstJpeg reads r until one complete JPEG has been seen and returns a copy of it.
func FirstJpeg(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)
	if scanner.Scan() {
		return bytes.Clone(scanner.Bytes()), nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("frame scanner failed: %w", err)
	}
	return nil, ErrNoFrame
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// --- 3. Identity ---

// HashFile returns the hex SHA-256 of the file contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
