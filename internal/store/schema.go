package store

// Schema creates the records table. Records are append-only JSON payloads
// tagged with a list name; corrections are new records, never updates.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    list_name       TEXT NOT NULL,
    timestamp       TEXT,
    timestamp_epoch REAL,
    data            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_list_id ON records (list_name, id);
CREATE INDEX IF NOT EXISTS idx_records_list_ts ON records (list_name, timestamp_epoch);
`

// Record lists. Every persisted record belongs to exactly one of these.
const (
	ListDescriptions  = "descriptions"
	ListCompare10m    = "compare_10m"
	ListCompareHourly = "compare_hourly"
	ListCompareCustom = "compare_custom"
	ListDailyReports  = "daily_reports"
	ListUsage         = "usage"
)

// Lists enumerates all known record lists, in the order they are migrated.
var Lists = []string{
	ListDescriptions,
	ListCompare10m,
	ListCompareHourly,
	ListCompareCustom,
	ListDailyReports,
	ListUsage,
}
