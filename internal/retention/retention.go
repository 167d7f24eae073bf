// Package retention deletes old snapshots and prunes their database
// records on a daily schedule.
package retention

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/hazyhaar/yardwatch/internal/snapshot"
	"github.com/hazyhaar/yardwatch/internal/store"
)

// InFlightChecker reports whether a snapshot is still referenced by the
// pipeline. *queue.Q satisfies it.
type InFlightChecker interface {
	InFlight(path string) bool
}

// Config configures retention.
type Config struct {
	// MaxAgeDays is the snapshot age cutoff.
	MaxAgeDays int
	// Floor is the number of newest snapshots always kept, regardless of
	// age.
	Floor int
	// DryRun reports would-be deletions without deleting.
	DryRun bool
	// RunAt is the local wall-clock hour the daily pass runs at.
	RunAt int
	// Location is the schedule timezone.
	Location *time.Location
}

func (c *Config) defaults() {
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 30
	}
	if c.Floor <= 0 {
		c.Floor = 100
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

// Manager runs the retention passes.
type Manager struct {
	cfg      Config
	st       *store.Store
	lister   *snapshot.Lister
	inFlight InFlightChecker
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Manager.
func New(cfg Config, st *store.Store, lister *snapshot.Lister, inFlight InFlightChecker, logger *slog.Logger) *Manager {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		st:       st,
		lister:   lister,
		inFlight: inFlight,
		logger:   logger,
		now:      time.Now,
	}
}

// Run fires a pass daily at the configured hour until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	for {
		local := m.now().In(m.cfg.Location)
		next := time.Date(local.Year(), local.Month(), local.Day(), m.cfg.RunAt, 0, 0, 0, m.cfg.Location)
		if !next.After(local) {
			next = next.AddDate(0, 0, 1)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.logger.Error("retention: pass failed", "error", err)
			}
		}
	}
}

// Result reports one retention pass.
type Result struct {
	FilesDeleted  int
	FilesKept     int
	RecordsPruned int
	DryRun        bool
}

// RunOnce deletes snapshots older than the cutoff, honoring the floor and
// skipping anything still in flight, then prunes the per-snapshot record
// lists past the same cutoff. The daily report list is never pruned here;
// reports are the long-lived artifact.
func (m *Manager) RunOnce(ctx context.Context) (Result, error) {
	res := Result{DryRun: m.cfg.DryRun}
	cutoff := m.now().AddDate(0, 0, -m.cfg.MaxAgeDays)

	m.lister.Invalidate()
	entries, err := m.lister.List()
	if err != nil {
		return res, err
	}

	// Entries are sorted oldest first; the newest Floor entries are
	// untouchable whatever their age.
	deletable := 0
	if len(entries) > m.cfg.Floor {
		deletable = len(entries) - m.cfg.Floor
	}
	for i, e := range entries {
		if i >= deletable || !e.Time.Before(cutoff) {
			res.FilesKept++
			continue
		}
		if m.inFlight != nil && m.inFlight.InFlight(e.Path) {
			m.logger.Info("retention: skipping in-flight snapshot", "path", e.Path)
			res.FilesKept++
			continue
		}
		if m.cfg.DryRun {
			m.logger.Info("retention: would delete snapshot", "path", e.Path, "taken", e.Time.Format(time.RFC3339))
			res.FilesDeleted++
			continue
		}
		if err := os.Remove(e.Path); err != nil {
			m.logger.Warn("retention: delete failed", "path", e.Path, "error", err)
			res.FilesKept++
			continue
		}
		m.logger.Info("retention: deleted snapshot", "path", e.Path, "taken", e.Time.Format(time.RFC3339))
		res.FilesDeleted++
	}

	for _, list := range []string{store.ListDescriptions, store.ListCompare10m, store.ListCompareHourly, store.ListCompareCustom} {
		n, err := m.st.Prune(ctx, list, cutoff, m.cfg.DryRun)
		if err != nil {
			return res, err
		}
		res.RecordsPruned += n
	}

	if !m.cfg.DryRun && res.FilesDeleted > 0 {
		m.lister.Invalidate()
	}
	m.logger.Info("retention: pass complete",
		"deleted", res.FilesDeleted,
		"kept", res.FilesKept,
		"records_pruned", res.RecordsPruned,
		"dry_run", res.DryRun)
	return res, nil
}
