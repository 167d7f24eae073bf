// Package yardwatch wires the snapshot pipeline: discovery, validation,
// provider enrichment, storage, schedulers, retention, and the HTTP API.
package yardwatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/hazyhaar/yardwatch/internal/capture"
	"github.com/hazyhaar/yardwatch/internal/enrich"
	"github.com/hazyhaar/yardwatch/internal/provider"
	"github.com/hazyhaar/yardwatch/internal/queue"
	"github.com/hazyhaar/yardwatch/internal/retention"
	"github.com/hazyhaar/yardwatch/internal/scan"
	"github.com/hazyhaar/yardwatch/internal/snapshot"
	"github.com/hazyhaar/yardwatch/internal/store"
	"github.com/hazyhaar/yardwatch/internal/validate"
	"github.com/hazyhaar/yardwatch/internal/worker"
)

// Service is the assembled pipeline.
type Service struct {
	cfg    *Config
	logger *slog.Logger

	st         *store.Store
	q          *queue.Q
	lister     *snapshot.Lister
	describer  *provider.Client
	summarizer *provider.Client
	scanner    *scan.Scanner
	worker     *worker.Worker
	enricher   *enrich.Enricher
	retainer   *retention.Manager
	capturer   *capture.Capturer
	health     *healthTracker

	// schemaMismatch holds the on-disk marker version when it differs
	// from this build's, for the health report.
	schemaMismatch string

	started time.Time
}

// New builds a Service from config. It opens the store, checks the schema
// version marker, and runs the one-time legacy import before anything else
// touches the database. A marker mismatch is logged and surfaced through
// health, never fatal.
func New(cfg *Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	schemaMismatch := checkSchemaVersion(cfg.DataDir, logger)
	migrateLegacy(context.Background(), st, cfg.DataDir, logger)

	loc := cfg.Location()
	s := &Service{
		cfg:            cfg,
		logger:         logger,
		st:             st,
		q:              queue.New(cfg.Scan.QueueCapacity),
		lister:         snapshot.NewLister(cfg.SnapshotDir, loc, cfg.Scan.ListingTTL),
		health:         newHealthTracker(),
		schemaMismatch: schemaMismatch,
		started:        time.Now(),
	}

	usageSink := func(ctx context.Context, u provider.Usage) {
		rec := store.UsageRecord{
			Timestamp:    time.Now().In(loc).Format(time.RFC3339),
			Provider:     u.Provider,
			Model:        u.Model,
			Endpoint:     u.Endpoint,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			TotalTokens:  u.TotalTokens,
			CostUSD:      u.CostUSD,
		}
		if err := st.AppendUsage(ctx, rec); err != nil {
			logger.Warn("yardwatch: usage record failed", "error", err)
		}
	}

	s.describer = provider.New(providerConfig(cfg.Describe), logger,
		provider.WithUsageSink(usageSink), provider.WithResultSink(s.health.Observe))
	s.summarizer = provider.New(providerConfig(cfg.Summarize), logger,
		provider.WithUsageSink(usageSink), provider.WithResultSink(s.health.Observe))

	checker := validate.New(validate.Config{
		MaxFileSizeMB:      cfg.Validation.MaxFileSizeMB,
		MinWidth:           cfg.Validation.MinWidth,
		MinHeight:          cfg.Validation.MinHeight,
		MaxWidth:           cfg.Validation.MaxWidth,
		MaxHeight:          cfg.Validation.MaxHeight,
		DarkFrameCheck:     cfg.Validation.DarkFrameCheck,
		DarkFrameLuma:      cfg.Validation.DarkFrameLuma,
		MotionCheck:        cfg.Validation.MotionCheck,
		MotionThresholdPct: cfg.Validation.MotionThresholdPct,
	})

	lp := store.ReadLastProcessed(cfg.StatePath())
	s.scanner = scan.New(scan.Config{
		Root:         cfg.SnapshotDir,
		PollInterval: cfg.Scan.PollInterval,
		SettleDelay:  cfg.Scan.SettleDelay,
		Location:     loc,
	}, s.q, s.lister, lp.Timestamp, logger)

	// Descriptions and tags go to the describe provider; every comparison
	// kind goes to the summarize provider.
	s.worker = worker.New(worker.Config{
		CompareWindow: cfg.Worker.CompareWindow,
		CompareLimit:  cfg.Worker.CompareLimit,
		StatePath:     cfg.StatePath(),
		Location:      loc,
	}, s.q, checker, s.describer, s.summarizer, st, s.scanner, logger)

	s.enricher = enrich.New(enrich.Config{
		HourlyMaxDelta: cfg.Enrich.HourlyMaxDelta,
		CompareLimit:   cfg.Worker.CompareLimit,
		DailyAt:        cfg.Enrich.DailyAt,
		Location:       loc,
	}, st, s.lister, s.summarizer, s.summarizer, logger)

	s.retainer = retention.New(retention.Config{
		MaxAgeDays: cfg.Retention.MaxAgeDays,
		Floor:      cfg.Retention.Floor,
		DryRun:     cfg.Retention.DryRun,
		RunAt:      cfg.Retention.RunAt,
		Location:   loc,
	}, st, s.lister, s.q, logger)

	if cfg.Capture.Enabled {
		s.capturer = capture.New(capture.Config{
			URL:      cfg.Capture.URL,
			Interval: cfg.Capture.Interval,
			Root:     cfg.SnapshotDir,
			Timeout:  cfg.Capture.Timeout,
			Location: loc,
		}, logger)
	}

	return s, nil
}

func providerConfig(pc ProviderConfig) provider.Config {
	return provider.Config{
		Name:             pc.Name,
		BaseURL:          pc.BaseURL,
		APIKey:           pc.apiKey,
		Model:            pc.Model,
		RatePerMinute:    pc.RatePerMinute,
		MaxAttempts:      pc.MaxAttempts,
		BaseDelay:        pc.BaseDelay,
		BreakerThreshold: pc.BreakerThreshold,
		BreakerCooldown:  pc.BreakerCooldown,
		CostInputPerM:    pc.CostInputPerM,
		CostOutputPerM:   pc.CostOutputPerM,
	}
}

// Start runs the pipeline and the HTTP API until ctx is done, then shuts
// both down and returns.
func (s *Service) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("yardwatch: component stopped", "component", name, "error", err)
			}
		}()
	}

	run("scanner", s.scanner.Run)
	run("worker", s.worker.Run)
	run("enricher", s.enricher.Run)
	run("retention", s.retainer.Run)
	if s.capturer != nil {
		run("capture", s.capturer.Run)
	}

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("yardwatch: http listening", "addr", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("yardwatch: http shutdown", "error", err)
		}
		<-errCh
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	wg.Wait()
	return serveErr
}

// RetainOnce runs a single retention pass, for the one-shot CLI mode.
func (s *Service) RetainOnce(ctx context.Context) (retention.Result, error) {
	return s.retainer.RunOnce(ctx)
}

// CaptureOnce fetches a single snapshot, for the one-shot CLI mode.
func (s *Service) CaptureOnce(ctx context.Context) (string, error) {
	if s.capturer == nil {
		return "", errors.New("yardwatch: capture is not enabled")
	}
	return s.capturer.CaptureNow(ctx)
}

// Close releases the store.
func (s *Service) Close() error {
	return s.st.Close()
}

// checkSchemaVersion writes the version marker on first run. A marker from
// another version is returned for the health report; startup proceeds
// either way.
func checkSchemaVersion(dataDir string, logger *slog.Logger) string {
	current, err := store.ReadSchemaVersion(dataDir)
	if err != nil {
		logger.Warn("yardwatch: schema version unreadable", "error", err)
		return ""
	}
	if current == "" {
		if err := store.WriteSchemaVersion(dataDir); err != nil {
			logger.Warn("yardwatch: schema version write failed", "error", err)
		}
		return ""
	}
	if current != store.SchemaVersion {
		logger.Warn("yardwatch: data dir schema mismatch",
			"found", current, "want", store.SchemaVersion)
		return current
	}
	return ""
}

// migrateLegacy imports the pre-database JSON files once. Conflicts (a list
// already populated) are logged and skipped, never fatal.
func migrateLegacy(ctx context.Context, st *store.Store, dataDir string, logger *slog.Logger) {
	for list, file := range store.LegacyFiles {
		n, err := st.Migrate(ctx, list, filepath.Join(dataDir, file))
		if err != nil {
			var conflict *store.ErrMigrationConflict
			if errors.As(err, &conflict) {
				logger.Warn("yardwatch: legacy import skipped", "list", list, "existing", conflict.Count)
				continue
			}
			logger.Error("yardwatch: legacy import failed", "list", list, "error", err)
			continue
		}
		if n > 0 {
			logger.Info("yardwatch: legacy records imported", "list", list, "count", n)
		}
	}
}
