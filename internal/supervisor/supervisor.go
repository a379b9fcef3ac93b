// Package supervisor runs deepguard's long-lived services under a suture tree.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/andresmejia3/deepguard/internal/logging"
)

type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultConfig matches suture's own defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the root supervisor.
type Tree struct {
	root *suture.Supervisor
}

func New(name string, cfg Config) *Tree {
	d := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = d.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = d.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}

	return &Tree{root: suture.New(name, suture.Spec{
		EventHook:        logEvent,
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})}
}

var eventNames = map[suture.EventType]string{
	suture.EventTypeStopTimeout:      "stop_timeout",
	suture.EventTypeServicePanic:     "service_panic",
	suture.EventTypeServiceTerminate: "service_terminate",
	suture.EventTypeBackoff:          "backoff",
	suture.EventTypeResume:           "resume",
}

// logEvent routes suture events through zerolog.
func logEvent(e suture.Event) {
	ev := logging.Warn()
	if e.Type() == suture.EventTypeResume {
		ev = logging.Info()
	}
	ev.Str("event", eventNames[e.Type()]).Fields(e.Map()).Msg(e.String())
}

func (t *Tree) Add(svc suture.Service) suture.ServiceToken {
	return t.root.Add(svc)
}

// Serve blocks until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// Unstopped lists services that ignored the shutdown timeout.
func (t *Tree) Unstopped() (suture.UnstoppedServiceReport, error) {
	return t.root.UnstoppedServiceReport()
}
