package retention

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/yardwatch/internal/dbopen"
	"github.com/hazyhaar/yardwatch/internal/snapshot"
	"github.com/hazyhaar/yardwatch/internal/store"
)

type staticInFlight map[string]bool

func (s staticInFlight) InFlight(path string) bool { return s[path] }

func writeSnapshot(t *testing.T, root string, ts time.Time) string {
	t.Helper()
	path := snapshot.PathFor(root, ts, time.UTC)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("frame"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testManager(t *testing.T, root string, cfg Config, inFlight InFlightChecker) (*Manager, *store.Store) {
	t.Helper()
	st := store.New(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
	cfg.Location = time.UTC
	m := New(cfg, st, snapshot.NewLister(root, time.UTC, 0), inFlight,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, st
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Old snapshots past the cutoff are deleted; recent ones stay, and matching
// records are pruned.
func TestRunOnceDeletesOldSnapshots(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	old := writeSnapshot(t, root, now.AddDate(0, 0, -40))
	recent := writeSnapshot(t, root, now.AddDate(0, 0, -1))

	m, st := testManager(t, root, Config{MaxAgeDays: 30, Floor: 1}, nil)
	m.now = func() time.Time { return now }

	oldTS := now.AddDate(0, 0, -40)
	if err := st.Append(context.Background(), store.ListDescriptions, oldTS,
		store.DescriptionRecord{Timestamp: oldTS.Format(time.RFC3339), Snapshot: old}); err != nil {
		t.Fatal(err)
	}

	res, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.FilesDeleted != 1 || exists(old) {
		t.Fatalf("old snapshot survived: %+v", res)
	}
	if !exists(recent) {
		t.Fatal("recent snapshot deleted")
	}
	if res.RecordsPruned != 1 {
		t.Fatalf("records pruned = %d, want 1", res.RecordsPruned)
	}
}

// The floor keeps the newest N snapshots even when all are past the cutoff.
func TestFloorOverridesAge(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	var paths []string
	for i := 0; i < 4; i++ {
		paths = append(paths, writeSnapshot(t, root, now.AddDate(0, 0, -60+i)))
	}

	m, _ := testManager(t, root, Config{MaxAgeDays: 30, Floor: 3}, nil)
	m.now = func() time.Time { return now }

	res, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.FilesDeleted != 1 {
		t.Fatalf("deleted = %d, want 1", res.FilesDeleted)
	}
	if exists(paths[0]) {
		t.Fatal("oldest snapshot survived")
	}
	for _, p := range paths[1:] {
		if !exists(p) {
			t.Fatalf("floor snapshot deleted: %s", p)
		}
	}
}

// Dry-run reports deletions without touching disk or records.
func TestDryRunTouchesNothing(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	old := writeSnapshot(t, root, now.AddDate(0, 0, -40))
	writeSnapshot(t, root, now.AddDate(0, 0, -1))

	m, st := testManager(t, root, Config{MaxAgeDays: 30, Floor: 1, DryRun: true}, nil)
	m.now = func() time.Time { return now }

	oldTS := now.AddDate(0, 0, -40)
	if err := st.Append(context.Background(), store.ListCompare10m, oldTS,
		store.ComparisonRecord{Timestamp: oldTS.Format(time.RFC3339)}); err != nil {
		t.Fatal(err)
	}

	res, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.FilesDeleted != 1 || res.RecordsPruned != 1 {
		t.Fatalf("dry-run report %+v", res)
	}
	if !exists(old) {
		t.Fatal("dry-run deleted a file")
	}
	if n, _ := st.Count(context.Background(), store.ListCompare10m); n != 1 {
		t.Fatal("dry-run pruned records")
	}
}

// An in-flight snapshot is never deleted, whatever its age.
func TestInFlightSnapshotKept(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	busy := writeSnapshot(t, root, now.AddDate(0, 0, -40))
	writeSnapshot(t, root, now.AddDate(0, 0, -1))

	m, _ := testManager(t, root, Config{MaxAgeDays: 30, Floor: 1}, staticInFlight{busy: true})
	m.now = func() time.Time { return now }

	res, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.FilesDeleted != 0 || !exists(busy) {
		t.Fatalf("in-flight snapshot deleted: %+v", res)
	}
}

// Daily reports survive retention.
func TestReportsNeverPruned(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	m, st := testManager(t, root, Config{MaxAgeDays: 30, Floor: 1}, nil)
	m.now = func() time.Time { return now }

	oldTS := now.AddDate(0, 0, -90)
	if err := st.Append(context.Background(), store.ListDailyReports, oldTS,
		store.ReportRecord{Timestamp: oldTS.Format(time.RFC3339), Date: "2026-06-01"}); err != nil {
		t.Fatal(err)
	}

	if _, err := m.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n, _ := st.Count(context.Background(), store.ListDailyReports); n != 1 {
		t.Fatal("daily report pruned")
	}
}
