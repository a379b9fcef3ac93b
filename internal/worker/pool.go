package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/deepguard/internal/logging"
	"github.com/andresmejia3/deepguard/internal/types"
)

// ErrPoolClosed is returned by calls made after Close.
var ErrPoolClosed = errors.New("engine pool closed")

// PoolConfig sizes the engine pool.
type PoolConfig struct {
	Command []string      // argv of the engine process
	Size    int           // number of engine processes
	Timeout time.Duration // per-call budget; a worker that exceeds it is killed
}

// SpawnFunc starts a new worker. Tests swap it for an in-memory engine.
type SpawnFunc func(id int) (*EngineWorker, error)

// Pool hands out engine workers exclusively, one call at a time.
// Broken workers are killed and replaced lazily on the next acquire.
type Pool struct {
	cfg    PoolConfig
	spawn  SpawnFunc
	slots  chan struct{}
	mu     sync.Mutex
	idle   []*EngineWorker
	closed bool
	nextID atomic.Int64
}

// NewPool builds a pool that spawns cfg.Command on demand.
func NewPool(cfg PoolConfig) *Pool {
	return NewPoolWithSpawner(cfg, func(id int) (*EngineWorker, error) {
		return NewEngineWorker(id, cfg.Command)
	})
}

// NewPoolWithSpawner builds a pool with a custom worker factory.
func NewPoolWithSpawner(cfg PoolConfig, spawn SpawnFunc) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	return &Pool{
		cfg:   cfg,
		spawn: spawn,
		slots: make(chan struct{}, cfg.Size),
	}
}

func (p *Pool) acquire(ctx context.Context) (*EngineWorker, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return w, nil
	}
	p.mu.Unlock()

	id := int(p.nextID.Add(1))
	w, err := p.spawn(id)
	if err != nil {
		<-p.slots
		return nil, fmt.Errorf("spawn engine worker %d: %w", id, err)
	}
	logging.Debug().Int("worker", id).Msg("engine worker started")
	return w, nil
}

func (p *Pool) release(w *EngineWorker, healthy bool) {
	defer func() { <-p.slots }()

	p.mu.Lock()
	if healthy && !p.closed {
		p.idle = append(p.idle, w)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	w.Kill()
}

// do runs fn on an exclusive worker under the call budget.
// A transport failure or timeout retires the worker; an engine-reported error does not.
func (p *Pool) do(ctx context.Context, fn func(w *EngineWorker) error) error {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	w, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- fn(w) }()

	select {
	case err := <-done:
		broken := errors.Is(err, ErrEngineCrashed)
		if broken {
			logging.Warn().Int("worker", w.ID).Err(err).Msg("retiring engine worker")
		}
		p.release(w, !broken)
		return err
	case <-ctx.Done():
		// Killing the process unblocks the pending read in fn.
		logging.Warn().Int("worker", w.ID).Msg("engine worker timed out")
		p.release(w, false)
		<-done
		return fmt.Errorf("engine call: %w", ctx.Err())
	}
}

// DetectFaces returns the face boxes the engine finds in frame.
func (p *Pool) DetectFaces(ctx context.Context, frame types.Frame) ([]image.Rectangle, error) {
	payload := frame.Encoded
	if len(payload) == 0 {
		if frame.Image == nil {
			return nil, errors.New("frame has no pixels")
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: 95}); err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", frame.Index, err)
		}
		payload = buf.Bytes()
	}

	var boxes []image.Rectangle
	err := p.do(ctx, func(w *EngineWorker) error {
		var err error
		boxes, err = w.Detect(payload)
		return err
	})
	return boxes, err
}

// Infer runs the classifier over one batch.
func (p *Pool) Infer(ctx context.Context, t types.Tensor) ([]float32, error) {
	var out []float32
	err := p.do(ctx, func(w *EngineWorker) error {
		var err error
		out, err = w.Infer(t)
		return err
	})
	return out, err
}

// ModelName asks an engine which model it loaded.
func (p *Pool) ModelName(ctx context.Context) (string, error) {
	var name string
	err := p.do(ctx, func(w *EngineWorker) error {
		var err error
		name, err = w.Hello()
		return err
	})
	return name, err
}

// Close kills idle workers and rejects further calls. Busy workers are killed on release.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, w := range idle {
		w.Kill()
	}
}
