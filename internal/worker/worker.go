package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"

	"github.com/andresmejia3/deepguard/internal/types"
	"github.com/andresmejia3/deepguard/internal/utils" // Using the SafeCommand wrapper
)

// Op selects the engine routine a request is addressed to.
type Op byte

const (
	OpHello  Op = 0 // -> model name
	OpDetect Op = 1 // JPEG -> face boxes
	OpInfer  Op = 2 // NCHW tensor -> one probability per crop
)

const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxFrameLen caps a single response so a corrupted header cannot trigger a huge allocation.
const maxFrameLen = 256 << 20

// ErrEngineCrashed wraps transport failures that leave the worker unusable.
var ErrEngineCrashed = errors.New("engine worker crashed")

// EngineWorker owns one inference engine process.
// Requests go out on stdin, responses come back on FD 3.
type EngineWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// NewEngineWorker starts the engine process described by argv.
func NewEngineWorker(id int, argv []string) (*EngineWorker, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty engine command")
	}
	// The engine outlives any single request, so it is not bound to a request context.
	eng := utils.NewSafeCommand(context.Background(), argv[0], argv[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	eng.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := eng.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := eng.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &EngineWorker{
		ID:       id,
		Cmd:      eng,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed request and reads one framed response.
// Protocol: [Length uint32 BE][Data]
func (w *EngineWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineCrashed, err)
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineCrashed, err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		// This is where a dead engine (e.g. import error) shows up
		return nil, fmt.Errorf("%w: %v", ErrEngineCrashed, err)
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxFrameLen {
		return nil, fmt.Errorf("%w: response of %d bytes exceeds limit", ErrEngineCrashed, respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineCrashed, err)
	}
	return respBody, nil
}

// call frames [op][payload] and unwraps the status byte of the reply.
// A status error means the engine is still healthy and only this request failed.
func (w *EngineWorker) call(op Op, payload []byte) ([]byte, error) {
	req := make([]byte, 0, len(payload)+1)
	req = append(req, byte(op))
	req = append(req, payload...)

	resp, err := w.Communicate(req)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrEngineCrashed)
	}

	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		rd := bytes.NewReader(resp[1:])
		var msgLen uint32
		if err := binary.Read(rd, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("%w: truncated error reply", ErrEngineCrashed)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(rd, msg); err != nil {
			return nil, fmt.Errorf("%w: truncated error reply", ErrEngineCrashed)
		}
		return nil, fmt.Errorf("engine worker error: %s", msg)
	default:
		return nil, fmt.Errorf("%w: unknown status byte %d", ErrEngineCrashed, resp[0])
	}
}

// Hello returns the identifier of the model the engine loaded.
func (w *EngineWorker) Hello() (string, error) {
	body, err := w.call(OpHello, nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Detect sends a JPEG and returns every face box the engine found.
// Reply: [NumFaces uint32] then NumFaces x [x0 y0 x1 y1 int32]
func (w *EngineWorker) Detect(jpeg []byte) ([]image.Rectangle, error) {
	body, err := w.call(OpDetect, jpeg)
	if err != nil {
		return nil, err
	}

	rd := bytes.NewReader(body)
	var n uint32
	if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: malformed detect reply: %v", ErrEngineCrashed, err)
	}
	if int64(n)*16 != int64(rd.Len()) {
		return nil, fmt.Errorf("%w: detect reply announces %d faces but carries %d bytes", ErrEngineCrashed, n, rd.Len())
	}

	boxes := make([]image.Rectangle, 0, n)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		if err := binary.Read(rd, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("%w: malformed detect reply: %v", ErrEngineCrashed, err)
		}
		boxes = append(boxes, image.Rect(int(box[0]), int(box[1]), int(box[2]), int(box[3])))
	}
	return boxes, nil
}

// Infer runs the classifier over an NCHW batch.
// Request: [N C H W uint32][float32 BE...]  Reply: [N uint32][float32 BE...]
func (w *EngineWorker) Infer(t types.Tensor) ([]float32, error) {
	if t.Len() != len(t.Data) {
		return nil, fmt.Errorf("tensor shape %v does not match %d values", t.Shape, len(t.Data))
	}

	payload := make([]byte, 16+4*len(t.Data))
	for i, d := range t.Shape {
		binary.BigEndian.PutUint32(payload[i*4:], uint32(d))
	}
	for i, v := range t.Data {
		binary.BigEndian.PutUint32(payload[16+i*4:], math.Float32bits(v))
	}

	body, err := w.call(OpInfer, payload)
	if err != nil {
		return nil, err
	}
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: malformed infer reply", ErrEngineCrashed)
	}
	n := binary.BigEndian.Uint32(body)
	if int64(len(body)-4) != int64(n)*4 {
		return nil, fmt.Errorf("%w: infer reply announces %d scores but carries %d bytes", ErrEngineCrashed, n, len(body)-4)
	}

	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.BigEndian.Uint32(body[4+i*4:]))
	}
	return out, nil
}

// Close shuts the pipes down and reaps the process.
func (w *EngineWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

// Kill terminates a worker that stopped responding, then reaps it.
func (w *EngineWorker) Kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
	w.Close()
}
