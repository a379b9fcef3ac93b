package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"math"
	"testing"

	"github.com/andresmejia3/deepguard/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// frame writes [len][status][body] as the engine would on FD 3.
func frame(status byte, body []byte) *MockCloser {
	payload := append([]byte{status}, body...)
	out := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(out, binary.BigEndian, uint32(len(payload)))
	out.Write(payload)
	return out
}

func errorBody(msg string) []byte {
	b := new(bytes.Buffer)
	binary.Write(b, binary.BigEndian, uint32(len(msg)))
	b.WriteString(msg)
	return b.Bytes()
}

func TestDetect(t *testing.T) {
	// Protocol: [NumFaces:2] [Box] [Box]
	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, uint32(2))
	binary.Write(body, binary.BigEndian, [4]int32{10, 10, 20, 20})
	binary.Write(body, binary.BigEndian, [4]int32{0, 5, 40, 60})

	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &EngineWorker{ID: 1, Stdin: stdinMock, DataPipe: frame(statusOK, body.Bytes())}

	input := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	boxes, err := w.Detect(input)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Verify Go sent [len][op][jpeg]
	sent := stdinMock.Bytes()
	if len(sent) != 4+1+len(input) {
		t.Fatalf("Expected %d bytes sent, got %d", 4+1+len(input), len(sent))
	}
	if Op(sent[4]) != OpDetect {
		t.Errorf("Expected op %d, got %d", OpDetect, sent[4])
	}

	if len(boxes) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(boxes))
	}
	if boxes[1] != image.Rect(0, 5, 40, 60) {
		t.Errorf("Unexpected second box %v", boxes[1])
	}
}

func TestDetect_Truncated(t *testing.T) {
	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, uint32(3)) // claims 3, carries 1
	binary.Write(body, binary.BigEndian, [4]int32{1, 2, 3, 4})

	w := &EngineWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: frame(statusOK, body.Bytes())}
	if _, err := w.Detect([]byte("x")); !errors.Is(err, ErrEngineCrashed) {
		t.Fatalf("Expected ErrEngineCrashed, got %v", err)
	}
}

func TestInfer(t *testing.T) {
	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, uint32(2))
	binary.Write(body, binary.BigEndian, []float32{0.25, 0.75})

	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &EngineWorker{Stdin: stdinMock, DataPipe: frame(statusOK, body.Bytes())}

	tensor := types.Tensor{Shape: [4]int{2, 1, 1, 2}, Data: []float32{1, 2, 3, 4}}
	scores, err := w.Infer(tensor)
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if len(scores) != 2 || math.Abs(float64(scores[1])-0.75) > 1e-6 {
		t.Errorf("Unexpected scores %v", scores)
	}

	// [len][op][shape x4][data x4]
	sent := stdinMock.Bytes()
	if want := 4 + 1 + 16 + 16; len(sent) != want {
		t.Fatalf("Expected %d bytes sent, got %d", want, len(sent))
	}
	if n := binary.BigEndian.Uint32(sent[5:]); n != 2 {
		t.Errorf("Expected batch size 2 on the wire, got %d", n)
	}
	if v := math.Float32frombits(binary.BigEndian.Uint32(sent[len(sent)-4:])); v != 4 {
		t.Errorf("Expected last value 4, got %v", v)
	}
}

func TestInfer_ShapeMismatch(t *testing.T) {
	w := &EngineWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}
	if _, err := w.Infer(types.Tensor{Shape: [4]int{1, 3, 2, 2}, Data: []float32{1}}); err == nil {
		t.Fatal("Expected shape error, got nil")
	}
}

func TestEngineError(t *testing.T) {
	errMsg := "Engine Exception: model file missing"
	w := &EngineWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: frame(statusError, errorBody(errMsg)),
	}

	_, err := w.Hello()
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "engine worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "engine worker error: "+errMsg, err)
	}
	// An engine-reported error leaves the worker usable
	if errors.Is(err, ErrEngineCrashed) {
		t.Error("Engine-reported error must not be classified as a crash")
	}
}

func TestDeadEngine(t *testing.T) {
	// Nothing on the data pipe: the engine died before replying
	w := &EngineWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}
	if _, err := w.Hello(); !errors.Is(err, ErrEngineCrashed) {
		t.Fatalf("Expected ErrEngineCrashed, got %v", err)
	}
}
