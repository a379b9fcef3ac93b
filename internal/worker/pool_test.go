package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/deepguard/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handler answers one request. Returning ok=false kills the fake engine mid-call.
type handler func(op Op, payload []byte) (status byte, body []byte, ok bool)

// fakeEngine wires an EngineWorker to an in-memory engine goroutine.
func fakeEngine(id int, h handler) *EngineWorker {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	go func() {
		defer respW.Close()
		for {
			var n uint32
			if err := binary.Read(reqR, binary.BigEndian, &n); err != nil {
				return
			}
			req := make([]byte, n)
			if _, err := io.ReadFull(reqR, req); err != nil {
				return
			}
			status, body, ok := h(Op(req[0]), req[1:])
			if !ok {
				return
			}
			out := append([]byte{status}, body...)
			if err := binary.Write(respW, binary.BigEndian, uint32(len(out))); err != nil {
				return
			}
			if _, err := respW.Write(out); err != nil {
				return
			}
		}
	}()

	return &EngineWorker{ID: id, Stdin: reqW, DataPipe: respR}
}

func echoModel(op Op, payload []byte) (byte, []byte, bool) {
	switch op {
	case OpHello:
		return statusOK, []byte("efficientnet-b0"), true
	case OpDetect:
		body := make([]byte, 4+16)
		binary.BigEndian.PutUint32(body, 1)
		binary.BigEndian.PutUint32(body[4:], 1)
		binary.BigEndian.PutUint32(body[8:], 2)
		binary.BigEndian.PutUint32(body[12:], 11)
		binary.BigEndian.PutUint32(body[16:], 12)
		return statusOK, body, true
	case OpInfer:
		n := binary.BigEndian.Uint32(payload)
		body := make([]byte, 4+4*n)
		binary.BigEndian.PutUint32(body, n)
		return statusOK, body, true
	}
	return statusError, errorBody("unknown op"), true
}

func TestPoolReusesWorkers(t *testing.T) {
	var spawned atomic.Int32
	p := NewPoolWithSpawner(PoolConfig{Size: 2}, func(id int) (*EngineWorker, error) {
		spawned.Add(1)
		return fakeEngine(id, echoModel), nil
	})
	defer p.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		name, err := p.ModelName(ctx)
		require.NoError(t, err)
		assert.Equal(t, "efficientnet-b0", name)
	}
	assert.Equal(t, int32(1), spawned.Load())
}

func TestPoolConcurrentCalls(t *testing.T) {
	var spawned atomic.Int32
	p := NewPoolWithSpawner(PoolConfig{Size: 3}, func(id int) (*EngineWorker, error) {
		spawned.Add(1)
		return fakeEngine(id, echoModel), nil
	})
	defer p.Close()

	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	img.Set(3, 3, color.White)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			boxes, err := p.DetectFaces(context.Background(), types.Frame{Index: i, Image: img})
			assert.NoError(t, err)
			assert.Equal(t, []image.Rectangle{image.Rect(1, 2, 11, 12)}, boxes)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, spawned.Load(), int32(3))
}

func TestPoolReplacesCrashedWorker(t *testing.T) {
	var spawned atomic.Int32
	p := NewPoolWithSpawner(PoolConfig{Size: 1}, func(id int) (*EngineWorker, error) {
		n := spawned.Add(1)
		if n == 1 {
			return fakeEngine(id, func(Op, []byte) (byte, []byte, bool) { return 0, nil, false }), nil
		}
		return fakeEngine(id, echoModel), nil
	})
	defer p.Close()

	_, err := p.Infer(context.Background(), types.Tensor{Shape: [4]int{1, 1, 1, 1}, Data: []float32{0}})
	require.ErrorIs(t, err, ErrEngineCrashed)

	out, err := p.Infer(context.Background(), types.Tensor{Shape: [4]int{1, 1, 1, 1}, Data: []float32{0}})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, int32(2), spawned.Load())
}

func TestPoolKeepsWorkerOnEngineError(t *testing.T) {
	var spawned atomic.Int32
	p := NewPoolWithSpawner(PoolConfig{Size: 1}, func(id int) (*EngineWorker, error) {
		spawned.Add(1)
		return fakeEngine(id, func(op Op, payload []byte) (byte, []byte, bool) {
			if op == OpInfer {
				return statusError, errorBody("onnx runtime error"), true
			}
			return echoModel(op, payload)
		}), nil
	})
	defer p.Close()

	_, err := p.Infer(context.Background(), types.Tensor{Shape: [4]int{1, 1, 1, 1}, Data: []float32{0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "onnx runtime error")

	_, err = p.ModelName(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), spawned.Load())
}

func TestPoolTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	p := NewPoolWithSpawner(PoolConfig{Size: 1, Timeout: 50 * time.Millisecond}, func(id int) (*EngineWorker, error) {
		return fakeEngine(id, func(Op, []byte) (byte, []byte, bool) {
			<-block
			return statusOK, nil, true
		}), nil
	})
	defer p.Close()

	start := time.Now()
	_, err := p.ModelName(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPoolSpawnFailure(t *testing.T) {
	p := NewPoolWithSpawner(PoolConfig{Size: 1}, func(int) (*EngineWorker, error) {
		return nil, errors.New("python3: not found")
	})
	_, err := p.ModelName(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	p.Close()
	_, err = p.ModelName(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}
