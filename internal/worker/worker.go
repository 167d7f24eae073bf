// Package worker is the single pipeline consumer: it drains the ingestion
// queue and turns accepted snapshots into description and short-interval
// comparison records.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/yardwatch/internal/provider"
	"github.com/hazyhaar/yardwatch/internal/queue"
	"github.com/hazyhaar/yardwatch/internal/snapshot"
	"github.com/hazyhaar/yardwatch/internal/store"
	"github.com/hazyhaar/yardwatch/internal/validate"
)

// Describer is the description-provider surface. *provider.Client
// satisfies it; tests substitute fakes.
type Describer interface {
	Name() string
	Model() string
	Describe(ctx context.Context, imagePath string, ts time.Time) (string, float64, error)
	ExtractTags(ctx context.Context, description string) (provider.Tags, error)
}

// Comparer is the comparison-provider surface. Comparisons run on their own
// client so the two providers keep independent pacing and breaker state.
type Comparer interface {
	Name() string
	Model() string
	Compare(ctx context.Context, earlierPath, laterPath, earlierLabel, laterLabel, kind string) (string, float64, error)
}

// Advancer receives the high-water mark as snapshots reach a terminal
// outcome. *scan.Scanner satisfies it.
type Advancer interface {
	Advance(t time.Time)
}

// Config configures the worker.
type Config struct {
	// CompareWindow bounds the age of the previous accepted frame for the
	// short-interval comparison. Boundaries wider than one capture
	// interval are gaps and are skipped, never backfilled.
	CompareWindow time.Duration
	// CompareLimit caps comparison text length.
	CompareLimit int
	// StatePath is the last-processed marker file.
	StatePath string
	// Location resolves snapshot paths to capture times.
	Location *time.Location
}

func (c *Config) defaults() {
	if c.CompareWindow <= 0 {
		c.CompareWindow = 15 * time.Minute
	}
	if c.CompareLimit <= 0 {
		c.CompareLimit = 200
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

// Worker processes queued snapshots one at a time.
type Worker struct {
	cfg       Config
	q         *queue.Q
	checker   *validate.Checker
	describer Describer
	comparer  Comparer
	st        *store.Store
	advancer  Advancer
	logger    *slog.Logger

	// prev is the last accepted frame, for the motion gate and the
	// short-interval comparison. Single-goroutine, no lock.
	prevPath string
	prevTime time.Time
}

// New creates a Worker. The last-processed marker, when present and still
// pointing at an existing file, seeds the previous-frame state so a restart
// resumes mid-stream.
func New(cfg Config, q *queue.Q, checker *validate.Checker, describer Describer, comparer Comparer, st *store.Store, advancer Advancer, logger *slog.Logger) *Worker {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		cfg:       cfg,
		q:         q,
		checker:   checker,
		describer: describer,
		comparer:  comparer,
		st:        st,
		advancer:  advancer,
		logger:    logger,
	}
	lp := store.ReadLastProcessed(cfg.StatePath)
	if lp.Path != "" {
		w.prevPath = lp.Path
		w.prevTime = lp.Timestamp
	}
	return w
}

// Run drains the queue until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	for {
		path, ok := w.q.Dequeue(ctx)
		if !ok {
			return ctx.Err()
		}
		w.process(ctx, path)
		w.q.MarkDone(path)
	}
}

func (w *Worker) process(ctx context.Context, path string) {
	ts, err := snapshot.ParseTime(path, w.cfg.Location)
	if err != nil {
		w.logger.Warn("worker: unparsable snapshot path", "path", path, "error", err)
		return
	}

	res := w.checker.Validate(path, w.prevPath)
	if !res.OK {
		w.handleRejection(path, ts, res)
		return
	}

	text, latency, err := w.describer.Describe(ctx, path, ts)
	if err != nil {
		// The file stays on disk and out of the processed state, so the
		// next poll retries it once the provider recovers.
		w.logger.Error("worker: describe failed", "path", path, "error", err)
		return
	}

	tags, err := w.describer.ExtractTags(ctx, text)
	if err != nil {
		w.logger.Warn("worker: tag extraction failed, using empty tags", "path", path, "error", err)
		tags = provider.EmptyTags()
	}

	rec := store.DescriptionRecord{
		ID:        store.NewRecordID(),
		Timestamp: ts.Format(time.RFC3339),
		Snapshot:  path,
		Text:      text,
		Tags:      store.Tags(tags),
		Provider:  w.describer.Name(),
		Model:     w.describer.Model(),
		LatencyMS: latency,
	}
	if err := w.st.Append(ctx, store.ListDescriptions, ts, rec); err != nil {
		w.logger.Error("worker: persist description failed", "path", path, "error", err)
		return
	}
	w.logger.Info("worker: described snapshot", "path", path, "motion_pct", res.MotionPct, "latency_ms", latency)

	w.maybeCompare(ctx, path, ts)

	w.prevPath = path
	w.prevTime = ts
	w.commit(path, ts)
}

// handleRejection settles a snapshot the validator refused. Transient
// reasons stay unprocessed so the poller retries them; everything else is
// terminal and advances the high-water mark.
func (w *Worker) handleRejection(path string, ts time.Time, res validate.Result) {
	switch res.Reason {
	case validate.ReasonFileMissing, validate.ReasonUnstable:
		w.logger.Warn("worker: snapshot not ready", "path", path, "reason", res.Reason)
		return
	}
	if validate.Skippable(res.Reason) {
		w.logger.Info("worker: snapshot skipped", "path", path, "reason", res.Reason, "motion_pct", res.MotionPct)
	} else {
		w.logger.Warn("worker: snapshot rejected", "path", path, "reason", res.Reason)
	}
	w.commit(path, ts)
}

// maybeCompare runs the short-interval comparison against the previous
// accepted frame when it falls inside the window. Comparison failures never
// undo the description already persisted.
func (w *Worker) maybeCompare(ctx context.Context, path string, ts time.Time) {
	if w.prevPath == "" {
		return
	}
	gap := ts.Sub(w.prevTime)
	if gap <= 0 || gap > w.cfg.CompareWindow {
		if gap > w.cfg.CompareWindow {
			w.logger.Info("worker: comparison gap too wide, skipping", "gap", gap.String())
		}
		return
	}

	text, latency, err := w.comparer.Compare(ctx, w.prevPath, path,
		w.prevTime.Format("15:04:05"), ts.Format("15:04:05"), "10m")
	if err != nil {
		w.logger.Error("worker: comparison failed", "earlier", w.prevPath, "later", path, "error", err)
		return
	}
	if truncated := provider.Truncate(text, w.cfg.CompareLimit); truncated != text {
		w.logger.Info("worker: comparison text truncated", "from", len(text), "to", len(truncated))
		text = truncated
	}

	rec := store.ComparisonRecord{
		ID:        store.NewRecordID(),
		Timestamp: ts.Format(time.RFC3339),
		SnapshotA: w.prevPath,
		SnapshotB: path,
		Text:      text,
		Provider:  w.comparer.Name(),
		Model:     w.comparer.Model(),
		LatencyMS: latency,
	}
	if err := w.st.Append(ctx, store.ListCompare10m, ts, rec); err != nil {
		w.logger.Error("worker: persist comparison failed", "path", path, "error", err)
	}
}

// commit advances the high-water mark and persists the restart marker.
func (w *Worker) commit(path string, ts time.Time) {
	if w.advancer != nil {
		w.advancer.Advance(ts)
	}
	if w.cfg.StatePath == "" {
		return
	}
	if err := store.WriteLastProcessed(w.cfg.StatePath, store.LastProcessed{Timestamp: ts, Path: path}); err != nil {
		w.logger.Warn("worker: persist last-processed marker failed", "error", err)
	}
}
