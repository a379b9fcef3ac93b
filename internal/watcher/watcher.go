// Package watcher verifies files dropped into an inbox directory and writes
// one report per file into an outbox directory.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/andresmejia3/deepguard/internal/logging"
	"github.com/andresmejia3/deepguard/internal/metrics"
	"github.com/andresmejia3/deepguard/internal/report"
)

// ReportSuffix is appended to the input file name in the outbox.
const ReportSuffix = ".report.json"

const minTick = 10 * time.Millisecond

// Verifier runs the gate on a local file.
type Verifier interface {
	Run(ctx context.Context, path string) (report.Report, error)
}

type Config struct {
	Inbox    string
	Outbox   string
	Debounce time.Duration // quiet period before a changed file is picked up
}

// Watcher is a suture service; Serve may be restarted after a failure.
type Watcher struct {
	cfg      Config
	verifier Verifier
	// Processed is called after each report is written. Optional.
	Processed func(path string, rep report.Report)
}

func New(cfg Config, v Verifier) *Watcher {
	return &Watcher{cfg: cfg, verifier: v}
}

func (w *Watcher) String() string { return "inbox-watcher" }

// Serve watches the inbox until ctx is cancelled. Files already present and
// without an up-to-date report are verified first.
func (w *Watcher) Serve(ctx context.Context) error {
	for _, dir := range []string{w.cfg.Inbox, w.cfg.Outbox} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("prepare %s: %w", dir, err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.cfg.Inbox); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.Inbox, err)
	}
	logging.Info().Str("inbox", w.cfg.Inbox).Str("outbox", w.cfg.Outbox).Msg("watching inbox")

	pending := make(map[string]time.Time)
	entries, err := os.ReadDir(w.cfg.Inbox)
	if err != nil {
		return fmt.Errorf("scan %s: %w", w.cfg.Inbox, err)
	}
	for _, e := range entries {
		path := filepath.Join(w.cfg.Inbox, e.Name())
		if eligible(path) && w.stale(path) {
			pending[path] = time.Time{}
		}
	}

	tick := w.cfg.Debounce / 2
	if tick < minTick {
		tick = minTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fsw.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !eligible(ev.Name) {
				continue
			}
			pending[ev.Name] = time.Now()

		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			logging.Warn().Err(err).Msg("inbox watch error")

		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < w.cfg.Debounce {
					continue
				}
				delete(pending, path)
				w.process(ctx, path)
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
		}
	}
}

// process verifies one file. Failures are logged, never fatal to the loop.
func (w *Watcher) process(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	rep, err := w.verifier.Run(ctx, path)
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("verification failed closed")
	}
	metrics.WatchedFiles.WithLabelValues(string(rep.Verdict)).Inc()

	out := ReportPath(w.cfg.Outbox, path)
	if err := writeReport(out, rep); err != nil {
		logging.Error().Err(err).Str("report", out).Msg("write report")
		return
	}
	logging.Info().Str("path", path).Str("verdict", string(rep.Verdict)).Str("report", out).Msg("inbox file verified")
	if w.Processed != nil {
		w.Processed(path, rep)
	}
}

// stale reports whether path has no report yet or changed after its report.
func (w *Watcher) stale(path string) bool {
	in, err := os.Stat(path)
	if err != nil {
		return false
	}
	out, err := os.Stat(ReportPath(w.cfg.Outbox, path))
	if err != nil {
		return true
	}
	return in.ModTime().After(out.ModTime())
}

// ReportPath is where the report for an inbox file is written.
func ReportPath(outbox, input string) string {
	return filepath.Join(outbox, filepath.Base(input)+ReportSuffix)
}

// eligible skips hidden and partially-written files.
func eligible(path string) bool {
	name := filepath.Base(path)
	return !strings.HasPrefix(name, ".") && !strings.HasSuffix(name, ".part") && !strings.HasSuffix(name, ".tmp")
}

// writeReport replaces out atomically so readers never see a partial report.
func writeReport(out string, rep report.Report) error {
	tmp, err := os.CreateTemp(filepath.Dir(out), ".report-*.tmp")
	if err != nil {
		return err
	}
	if err := report.Encode(tmp, rep); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), out)
}
