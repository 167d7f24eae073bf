// Package store is the SQLite persistence layer for enrichment records.
//
// Writes are plain inserts inside SQLite's WAL journal, so a record is
// either fully visible or absent; there are no partial in-place edits.
// Within one list, read order equals commit order.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/yardwatch/internal/dbopen"
)

// Store is the yardwatch database handle. Safe for concurrent use; SQLite
// serialises writers internally.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the records database at path and applies the
// schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// New wraps an already-opened database. Used by tests with dbopen.OpenMemory.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Append persists one record under list. A zero ts stores NULL timestamps;
// otherwise both the ISO-8601 string and the epoch seconds are stored so
// that time-ranged queries never need to parse JSON.
func (s *Store) Append(ctx context.Context, list string, ts time.Time, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal %s record: %w", list, err)
	}

	var isoVal, epochVal any
	if !ts.IsZero() {
		isoVal = ts.UTC().Format(time.RFC3339)
		epochVal = float64(ts.UnixNano()) / float64(time.Second)
	}

	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO records (list_name, timestamp, timestamp_epoch, data) VALUES (?,?,?,?)`,
		list, isoVal, epochVal, string(data))
	if err != nil {
		return fmt.Errorf("store: append %s: %w", list, err)
	}
	return nil
}

// ListOptions controls List retrieval. Limit <= 0 means no limit.
type ListOptions struct {
	Limit       int
	Offset      int
	NewestFirst bool
}

// List returns raw record payloads for a list. With NewestFirst the rows
// come back newest first, which is what UI paging wants.
func (s *Store) List(ctx context.Context, list string, opts ListOptions) ([]json.RawMessage, error) {
	order := "ASC"
	if opts.NewestFirst {
		order = "DESC"
	}
	query := "SELECT data FROM records WHERE list_name = ? ORDER BY id " + order
	args := []any{list}
	switch {
	case opts.Limit > 0:
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, max(0, opts.Offset))
	case opts.Offset > 0:
		query += " LIMIT -1 OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", list, err)
	}
	defer rows.Close()
	return scanPayloads(rows, list)
}

// Since returns records whose timestamp is at or after cutoff, in append
// order. Records without a timestamp are excluded.
func (s *Store) Since(ctx context.Context, list string, cutoff time.Time) ([]json.RawMessage, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT data FROM records
		 WHERE list_name = ? AND timestamp_epoch IS NOT NULL AND timestamp_epoch >= ?
		 ORDER BY id ASC`,
		list, float64(cutoff.UnixNano())/float64(time.Second))
	if err != nil {
		return nil, fmt.Errorf("store: since %s: %w", list, err)
	}
	defer rows.Close()
	return scanPayloads(rows, list)
}

// Count returns the number of records in a list.
func (s *Store) Count(ctx context.Context, list string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE list_name = ?`, list).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count %s: %w", list, err)
	}
	return n, nil
}

// Prune deletes records older than cutoff from a list and returns the
// affected count. With dryRun it only counts. Records without a timestamp
// are never pruned.
func (s *Store) Prune(ctx context.Context, list string, cutoff time.Time, dryRun bool) (int, error) {
	epoch := float64(cutoff.UnixNano()) / float64(time.Second)
	if dryRun {
		var n int
		err := s.DB.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM records
			 WHERE list_name = ? AND timestamp_epoch IS NOT NULL AND timestamp_epoch < ?`,
			list, epoch).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("store: prune count %s: %w", list, err)
		}
		return n, nil
	}

	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM records
		 WHERE list_name = ? AND timestamp_epoch IS NOT NULL AND timestamp_epoch < ?`,
		list, epoch)
	if err != nil {
		return 0, fmt.Errorf("store: prune %s: %w", list, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanPayloads(rows *sql.Rows, list string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", list, err)
		}
		out = append(out, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: rows %s: %w", list, err)
	}
	return out, nil
}
