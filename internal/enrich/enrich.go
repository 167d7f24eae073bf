// Package enrich runs the clock-driven enrichment jobs: the hourly
// comparison and the daily report. The short-interval comparison is
// data-driven and lives in the worker.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/yardwatch/internal/provider"
	"github.com/hazyhaar/yardwatch/internal/snapshot"
	"github.com/hazyhaar/yardwatch/internal/store"
)

// Comparer produces hourly comparison text. *provider.Client satisfies it.
type Comparer interface {
	Name() string
	Model() string
	Compare(ctx context.Context, earlierPath, laterPath, earlierLabel, laterLabel, kind string) (string, float64, error)
}

// Summarizer produces the daily report text. *provider.Client satisfies it.
type Summarizer interface {
	Name() string
	Model() string
	Summarize(ctx context.Context, material string) (string, error)
}

// Config configures the schedulers.
type Config struct {
	// HourlyMaxDelta rejects hourly comparison pairs more than this far
	// apart.
	HourlyMaxDelta time.Duration
	// CompareLimit caps hourly comparison text length.
	CompareLimit int
	// DailyAt is the local wall-clock time ("HH:MM") the daily report
	// covering the prior day runs at.
	DailyAt string
	// Location is the scheduler and report timezone.
	Location *time.Location
}

func (c *Config) defaults() {
	if c.HourlyMaxDelta <= 0 {
		c.HourlyMaxDelta = 2 * time.Hour
	}
	if c.CompareLimit <= 0 {
		c.CompareLimit = 200
	}
	if c.DailyAt == "" {
		c.DailyAt = "00:10"
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

// Enricher owns the hourly and daily jobs.
type Enricher struct {
	cfg        Config
	st         *store.Store
	lister     *snapshot.Lister
	comparer   Comparer
	summarizer Summarizer
	logger     *slog.Logger
	now        func() time.Time

	// One mutex per job: a slow provider call must not overlap the next
	// tick of the same job, but hourly and daily may interleave.
	hourlyMu sync.Mutex
	dailyMu  sync.Mutex

	lastHourlyKey string
	lastDailyKey  string

	dailyHour   int
	dailyMinute int
}

// New creates an Enricher.
func New(cfg Config, st *store.Store, lister *snapshot.Lister, comparer Comparer, summarizer Summarizer, logger *slog.Logger) *Enricher {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	hh, mm, err := ParseDailyAt(cfg.DailyAt)
	if err != nil {
		logger.Warn("enrich: invalid daily_at, using 00:10", "value", cfg.DailyAt)
		hh, mm = 0, 10
	}
	return &Enricher{
		cfg:         cfg,
		st:          st,
		lister:      lister,
		comparer:    comparer,
		summarizer:  summarizer,
		logger:      logger,
		now:         time.Now,
		dailyHour:   hh,
		dailyMinute: mm,
	}
}

// ParseDailyAt parses a "HH:MM" wall-clock time.
func ParseDailyAt(s string) (hh, mm int, err error) {
	n, err := fmt.Sscanf(s, "%d:%d", &hh, &mm)
	if err != nil || n != 2 || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("enrich: %q is not a HH:MM time", s)
	}
	return hh, mm, nil
}

// Run blocks until ctx is done, firing each job at its scheduled times.
func (e *Enricher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.loop(ctx, e.nextHourly, func() {
			if err := e.RunHourly(ctx); err != nil {
				e.logger.Error("enrich: hourly comparison failed", "error", err)
			}
		})
	}()
	go func() {
		defer wg.Done()
		e.loop(ctx, e.nextDaily, func() {
			if err := e.RunDaily(ctx); err != nil {
				e.logger.Error("enrich: daily report failed", "error", err)
			}
		})
	}()
	wg.Wait()
	return ctx.Err()
}

func (e *Enricher) loop(ctx context.Context, next func(time.Time) time.Time, job func()) {
	for {
		wait := time.Until(next(e.now()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			job()
		}
	}
}

func (e *Enricher) nextHourly(now time.Time) time.Time {
	return now.In(e.cfg.Location).Truncate(time.Hour).Add(time.Hour)
}

func (e *Enricher) nextDaily(now time.Time) time.Time {
	local := now.In(e.cfg.Location)
	at := time.Date(local.Year(), local.Month(), local.Day(), e.dailyHour, e.dailyMinute, 0, 0, e.cfg.Location)
	if !at.After(local) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

// RunHourly compares the latest snapshot against the one nearest to an hour
// earlier. With fewer than two candidate snapshots, or only pairs wider
// than HourlyMaxDelta, it is a no-op. At most one record lands per latest
// snapshot, checked against the store so restarts never duplicate it.
func (e *Enricher) RunHourly(ctx context.Context) error {
	e.hourlyMu.Lock()
	defer e.hourlyMu.Unlock()

	entries, err := e.lister.List()
	if err != nil {
		return fmt.Errorf("enrich: list snapshots: %w", err)
	}
	latest, ok := snapshot.Latest(entries)
	if !ok {
		return nil
	}
	if e.lastHourlyKey == latest.Path {
		return nil
	}
	done, err := e.hourlyRecorded(ctx, latest.Path)
	if err != nil {
		return err
	}
	if done {
		e.lastHourlyKey = latest.Path
		return nil
	}

	target := latest.Time.Add(-time.Hour)
	earlier, ok := snapshot.Nearest(entries, target, e.cfg.HourlyMaxDelta-time.Hour)
	if !ok || earlier.Path == latest.Path {
		e.logger.Info("enrich: no hourly comparison pair", "latest", latest.Path)
		return nil
	}

	text, latency, err := e.comparer.Compare(ctx, earlier.Path, latest.Path,
		earlier.Time.Format("15:04:05"), latest.Time.Format("15:04:05"), "hourly")
	if err != nil {
		return err
	}
	if truncated := provider.Truncate(text, e.cfg.CompareLimit); truncated != text {
		e.logger.Info("enrich: hourly text truncated", "from", len(text), "to", len(truncated))
		text = truncated
	}

	rec := store.ComparisonRecord{
		ID:        store.NewRecordID(),
		Timestamp: latest.Time.Format(time.RFC3339),
		SnapshotA: earlier.Path,
		SnapshotB: latest.Path,
		Text:      text,
		Provider:  e.comparer.Name(),
		Model:     e.comparer.Model(),
		LatencyMS: latency,
	}
	if err := e.st.Append(ctx, store.ListCompareHourly, latest.Time, rec); err != nil {
		return err
	}
	e.lastHourlyKey = latest.Path
	e.logger.Info("enrich: hourly comparison recorded", "earlier", earlier.Path, "latest", latest.Path)
	return nil
}

// RunDaily summarizes the prior day's hourly comparisons and tag activity
// into one report record. Re-runs for an already-reported date are no-ops.
func (e *Enricher) RunDaily(ctx context.Context) error {
	e.dailyMu.Lock()
	defer e.dailyMu.Unlock()

	local := e.now().In(e.cfg.Location)
	day := local.AddDate(0, 0, -1)
	return e.reportFor(ctx, day)
}

func (e *Enricher) reportFor(ctx context.Context, day time.Time) error {
	date := day.In(e.cfg.Location).Format("2006-01-02")
	if e.lastDailyKey == date {
		return nil
	}
	done, err := e.reportExists(ctx, date)
	if err != nil {
		return err
	}
	if done {
		e.lastDailyKey = date
		return nil
	}

	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, e.cfg.Location)
	end := start.AddDate(0, 0, 1)

	comparisons, err := e.comparisonsBetween(ctx, start, end)
	if err != nil {
		return err
	}
	if len(comparisons) == 0 {
		e.logger.Info("enrich: no activity to report", "date", date)
		return nil
	}
	tagFreq, err := e.tagsBetween(ctx, start, end)
	if err != nil {
		return err
	}

	material := buildMaterial(date, comparisons, tagFreq)
	text, err := e.summarizer.Summarize(ctx, material)
	if err != nil {
		return err
	}
	summary, highlights := provider.ParseReport(text)

	rec := store.ReportRecord{
		ID:         store.NewRecordID(),
		Timestamp:  e.now().In(e.cfg.Location).Format(time.RFC3339),
		Date:       date,
		Summary:    summary,
		Text:       summary,
		Highlights: highlights,
		Tags:       tagFreq,
		Provider:   e.summarizer.Name(),
		Model:      e.summarizer.Model(),
	}
	if err := e.st.Append(ctx, store.ListDailyReports, e.now(), rec); err != nil {
		return err
	}
	e.lastDailyKey = date
	e.logger.Info("enrich: daily report recorded", "date", date, "comparisons", len(comparisons))
	return nil
}

// hourlyRecorded reports whether a recent hourly comparison already names
// latestPath as its later snapshot.
func (e *Enricher) hourlyRecorded(ctx context.Context, latestPath string) (bool, error) {
	rows, err := e.st.List(ctx, store.ListCompareHourly, store.ListOptions{NewestFirst: true, Limit: 5})
	if err != nil {
		return false, err
	}
	for _, raw := range rows {
		var rec store.ComparisonRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.SnapshotB == latestPath {
			return true, nil
		}
	}
	return false, nil
}

func (e *Enricher) reportExists(ctx context.Context, date string) (bool, error) {
	rows, err := e.st.List(ctx, store.ListDailyReports, store.ListOptions{NewestFirst: true, Limit: 31})
	if err != nil {
		return false, err
	}
	for _, raw := range rows {
		var rec store.ReportRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.Date == date {
			return true, nil
		}
	}
	return false, nil
}

func (e *Enricher) comparisonsBetween(ctx context.Context, start, end time.Time) ([]store.ComparisonRecord, error) {
	rows, err := e.st.Since(ctx, store.ListCompareHourly, start)
	if err != nil {
		return nil, err
	}
	var out []store.ComparisonRecord
	for _, raw := range rows {
		var rec store.ComparisonRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, rec.Timestamp)
		if err != nil || !ts.Before(end) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// tagsBetween aggregates description tags for the window into per-category
// labels ordered by frequency.
func (e *Enricher) tagsBetween(ctx context.Context, start, end time.Time) (map[string][]string, error) {
	rows, err := e.st.Since(ctx, store.ListDescriptions, start)
	if err != nil {
		return nil, err
	}
	counts := map[string]map[string]int{"people": {}, "vehicles": {}, "objects": {}}
	for _, raw := range rows {
		var rec store.DescriptionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, rec.Timestamp)
		if err != nil || !ts.Before(end) {
			continue
		}
		for _, label := range rec.Tags.People {
			counts["people"][label]++
		}
		for _, label := range rec.Tags.Vehicles {
			counts["vehicles"][label]++
		}
		for _, label := range rec.Tags.Objects {
			counts["objects"][label]++
		}
	}

	out := make(map[string][]string, len(counts))
	for category, byLabel := range counts {
		labels := make([]string, 0, len(byLabel))
		for label := range byLabel {
			labels = append(labels, label)
		}
		sort.Slice(labels, func(i, j int) bool {
			if byLabel[labels[i]] != byLabel[labels[j]] {
				return byLabel[labels[i]] > byLabel[labels[j]]
			}
			return labels[i] < labels[j]
		})
		out[category] = labels
	}
	return out, nil
}

func buildMaterial(date string, comparisons []store.ComparisonRecord, tagFreq map[string][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Observations for %s:\n", date)
	for _, rec := range comparisons {
		ts := rec.Timestamp
		if parsed, err := time.Parse(time.RFC3339, rec.Timestamp); err == nil {
			ts = parsed.Format("15:04")
		}
		fmt.Fprintf(&b, "- [%s] %s\n", ts, rec.Text)
	}
	for _, category := range []string{"people", "vehicles", "objects"} {
		if labels := tagFreq[category]; len(labels) > 0 {
			fmt.Fprintf(&b, "Seen %s: %s\n", category, strings.Join(labels, ", "))
		}
	}
	return b.String()
}
