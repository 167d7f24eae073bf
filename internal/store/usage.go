package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// UsageRecord is one ledger entry for a provider call.
type UsageRecord struct {
	Timestamp    string  `json:"timestamp"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Endpoint     string  `json:"endpoint"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// UsageTotals accumulates token and cost counters.
type UsageTotals struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

func (t *UsageTotals) add(r UsageRecord) {
	t.InputTokens += r.InputTokens
	t.OutputTokens += r.OutputTokens
	t.TotalTokens += r.TotalTokens
	t.CostUSD += r.CostUSD
}

// UsageDay is one day's totals in the summary.
type UsageDay struct {
	Date string `json:"date"`
	UsageTotals
}

// UsageSummary aggregates the usage ledger over a trailing window.
type UsageSummary struct {
	WindowDays int                    `json:"window_days"`
	Totals     UsageTotals            `json:"totals"`
	ByProvider map[string]UsageTotals `json:"by_provider"`
	ByDay      []UsageDay             `json:"by_day"`
}

// AppendUsage persists one usage ledger entry.
func (s *Store) AppendUsage(ctx context.Context, rec UsageRecord) error {
	ts, err := time.Parse(time.RFC3339, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("store: usage timestamp %q: %w", rec.Timestamp, err)
	}
	return s.Append(ctx, ListUsage, ts, rec)
}

// SummarizeUsage aggregates usage records from the last `days` days into
// totals, per-provider totals, and a per-day series sorted by date.
func (s *Store) SummarizeUsage(ctx context.Context, days int) (*UsageSummary, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	raws, err := s.Since(ctx, ListUsage, cutoff)
	if err != nil {
		return nil, err
	}

	sum := &UsageSummary{
		WindowDays: days,
		ByProvider: map[string]UsageTotals{},
		ByDay:      []UsageDay{},
	}
	byDay := map[string]*UsageTotals{}

	for _, raw := range raws {
		var rec UsageRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, rec.Timestamp)
		if err != nil {
			continue
		}
		sum.Totals.add(rec)

		provider := rec.Provider
		if provider == "" {
			provider = "unknown"
		}
		pt := sum.ByProvider[provider]
		pt.add(rec)
		sum.ByProvider[provider] = pt

		day := ts.UTC().Format("2006-01-02")
		dt, ok := byDay[day]
		if !ok {
			dt = &UsageTotals{}
			byDay[day] = dt
		}
		dt.add(rec)
	}

	days2 := make([]string, 0, len(byDay))
	for day := range byDay {
		days2 = append(days2, day)
	}
	sort.Strings(days2)
	for _, day := range days2 {
		sum.ByDay = append(sum.ByDay, UsageDay{Date: day, UsageTotals: *byDay[day]})
	}
	return sum, nil
}
