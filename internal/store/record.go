package store

import "github.com/google/uuid"

// NewRecordID returns a time-ordered unique id for a stored record.
func NewRecordID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Tags groups the entities extracted from a description, lowercase and
// de-duplicated.
type Tags struct {
	People   []string `json:"people"`
	Vehicles []string `json:"vehicles"`
	Objects  []string `json:"objects"`
}

// EmptyTags returns a Tags value with non-nil slices so JSON output always
// carries the three keys.
func EmptyTags() Tags {
	return Tags{People: []string{}, Vehicles: []string{}, Objects: []string{}}
}

// DescriptionRecord is one per-snapshot description.
type DescriptionRecord struct {
	ID        string  `json:"id"`
	Timestamp string  `json:"timestamp"`
	Snapshot  string  `json:"snapshot"`
	Text      string  `json:"text"`
	Tags      Tags    `json:"tags"`
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	LatencyMS float64 `json:"latency_ms"`
}

// ComparisonRecord is the result of comparing two snapshots.
type ComparisonRecord struct {
	ID        string  `json:"id"`
	Timestamp string  `json:"timestamp"`
	SnapshotA string  `json:"snapshot_a"`
	SnapshotB string  `json:"snapshot_b"`
	Text      string  `json:"text"`
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	LatencyMS float64 `json:"latency_ms"`
}

// ReportRecord is one daily summary over the prior day's comparisons.
type ReportRecord struct {
	ID         string              `json:"id"`
	Timestamp  string              `json:"timestamp"`
	Date       string              `json:"date"`
	Summary    string              `json:"summary"`
	Text       string              `json:"text"`
	Highlights []string            `json:"highlights"`
	Tags       map[string][]string `json:"tags"`
	Provider   string              `json:"provider"`
	Model      string              `json:"model"`
}
