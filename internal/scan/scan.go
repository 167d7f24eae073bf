// Package scan discovers new snapshots and feeds them to the work queue.
//
// Two producers run side by side: a filesystem watcher for low latency and
// an interval poller as the safety net for events the watcher missed
// (restarts, network mounts, bursty writes). Both funnel into the same
// deduplicating queue, so overlap is harmless.
package scan

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hazyhaar/yardwatch/internal/queue"
	"github.com/hazyhaar/yardwatch/internal/snapshot"
)

// Config configures snapshot discovery.
type Config struct {
	// Root is the snapshot directory root (YYYY/MM/DD layout below it).
	Root string
	// PollInterval is the backstop scan period.
	PollInterval time.Duration
	// SettleDelay is the wait after a write event before enqueueing, so
	// the capture process can finish the file.
	SettleDelay time.Duration
	// Location resolves snapshot paths to capture times.
	Location *time.Location
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 2 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

// Scanner runs the watcher and poller producers.
type Scanner struct {
	cfg    Config
	q      *queue.Q
	lister *snapshot.Lister
	logger *slog.Logger

	// after excludes snapshots at or before this capture time. The worker
	// advances it through Advance as records land.
	mu    sync.Mutex
	after time.Time
}

// New creates a Scanner. after seeds the high-water mark from the persisted
// last-processed state so a restart does not replay history.
func New(cfg Config, q *queue.Q, lister *snapshot.Lister, after time.Time, logger *slog.Logger) *Scanner {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		cfg:    cfg,
		q:      q,
		lister: lister,
		logger: logger,
		after:  after,
	}
}

// Advance raises the high-water mark. Older marks are ignored.
func (s *Scanner) Advance(t time.Time) {
	s.mu.Lock()
	if t.After(s.after) {
		s.after = t
	}
	s.mu.Unlock()
}

func (s *Scanner) highWater() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.after
}

// Run blocks until ctx is done, running both producers.
func (s *Scanner) Run(ctx context.Context) error {
	go s.pollLoop(ctx)
	return s.watchLoop(ctx)
}

// pollLoop scans the snapshot tree every PollInterval and enqueues anything
// newer than the high-water mark. An immediate first pass picks up the
// backlog accumulated while the service was down.
func (s *Scanner) pollLoop(ctx context.Context) {
	s.pollOnce()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *Scanner) pollOnce() {
	s.lister.Invalidate()
	entries, err := s.lister.List()
	if err != nil {
		s.logger.Warn("scan: poll failed", "error", err)
		return
	}
	after := s.highWater()
	enqueued := 0
	for _, e := range entries {
		if !e.Time.After(after) {
			continue
		}
		if s.q.Enqueue(e.Path) {
			enqueued++
		}
	}
	if enqueued > 0 {
		s.logger.Info("scan: poll enqueued snapshots", "count", enqueued)
	}
}

// watchLoop mirrors the directory tree into fsnotify watches. fsnotify is
// not recursive, so date directories get added as they appear.
func (s *Scanner) watchLoop(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := s.watchTree(w, s.cfg.Root); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("scan: watcher error", "error", err)
		}
	}
}

func (s *Scanner) watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

func (s *Scanner) handleEvent(ctx context.Context, w *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) {
		return
	}

	info, err := os.Stat(ev.Name)
	if err == nil && info.IsDir() {
		// Walk rather than Add: MkdirAll creates the whole date path
		// before the first event arrives, so children need watches too.
		if err := s.watchTree(w, ev.Name); err != nil {
			s.logger.Warn("scan: watch new directory", "dir", ev.Name, "error", err)
		}
		return
	}

	if !snapshot.IsSnapshot(ev.Name) {
		return
	}
	ts, err := snapshot.ParseTime(ev.Name, s.cfg.Location)
	if err != nil {
		return
	}
	if !ts.After(s.highWater()) {
		return
	}

	// Let the writer finish before the worker opens the file.
	go func(path string) {
		timer := time.NewTimer(s.cfg.SettleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if s.q.Enqueue(path) {
			s.logger.Debug("scan: event enqueued snapshot", "path", path)
		}
	}(ev.Name)
}
