package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// LegacyFiles maps each list to the flat JSON array file the pre-SQLite
// releases wrote. Migration imports these exactly once and leaves the
// originals untouched.
var LegacyFiles = map[string]string{
	ListDescriptions:  "descriptions.json",
	ListCompare10m:    "compare_10m.json",
	ListCompareHourly: "compare_hourly.json",
	ListCompareCustom: "compare_custom.json",
	ListDailyReports:  "daily_reports.json",
	ListUsage:         "usage.json",
}

// ErrMigrationConflict is returned when a legacy import is attempted against
// a list that already holds records. The import is permanently skipped for
// that list; the condition is logged by callers, never fatal.
type ErrMigrationConflict struct {
	List  string
	Count int
}

func (e *ErrMigrationConflict) Error() string {
	return fmt.Sprintf("store: list %s already has %d records, migration skipped", e.List, e.Count)
}

var migrateMu sync.Mutex

// Migrate imports the legacy JSON array at legacyPath into list. It returns
// the number of imported records. The operation is guarded check-then-act
// under a lock so concurrent first accesses compose safely:
//
//   - missing or empty legacy file → (0, nil), whatever the list holds
//   - legacy records present, list already populated → (0, *ErrMigrationConflict)
//   - otherwise all array items are inserted in file order, transactionally
//
// The legacy file is never modified or removed.
func (s *Store) Migrate(ctx context.Context, list, legacyPath string) (int, error) {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	raw, err := os.ReadFile(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("store: read legacy %s: %w", legacyPath, err)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0, fmt.Errorf("store: parse legacy %s: %w", legacyPath, err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	n, err := s.Count(ctx, list)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, &ErrMigrationConflict{List: list, Count: n}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: migrate %s: begin: %w", list, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (list_name, timestamp, timestamp_epoch, data) VALUES (?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("store: migrate %s: prepare: %w", list, err)
	}
	defer stmt.Close()

	imported := 0
	for _, item := range items {
		var isoVal, epochVal any
		if ts, ok := legacyTimestamp(item); ok {
			isoVal = ts.UTC().Format(time.RFC3339)
			epochVal = float64(ts.UnixNano()) / float64(time.Second)
		}
		if _, err := stmt.ExecContext(ctx, list, isoVal, epochVal, string(item)); err != nil {
			return 0, fmt.Errorf("store: migrate %s: insert: %w", list, err)
		}
		imported++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: migrate %s: commit: %w", list, err)
	}
	return imported, nil
}

// legacyTimestamp pulls a usable timestamp out of a legacy record. Old
// releases used either "timestamp" or "ts".
func legacyTimestamp(item json.RawMessage) (time.Time, bool) {
	var probe struct {
		Timestamp string `json:"timestamp"`
		TS        string `json:"ts"`
	}
	if err := json.Unmarshal(item, &probe); err != nil {
		return time.Time{}, false
	}
	val := probe.Timestamp
	if val == "" {
		val = probe.TS
	}
	if val == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
