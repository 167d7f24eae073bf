package yardwatch

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/yardwatch/internal/provider"
	"github.com/hazyhaar/yardwatch/internal/snapshot"
	"github.com/hazyhaar/yardwatch/internal/store"
)

func (s *Service) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		// Health stays open so probes work without the key.
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAPIKey)
			r.Get("/metrics", s.handleMetrics)
			r.Get("/descriptions", s.listHandler(store.ListDescriptions))
			r.Get("/compare/10m", s.listHandler(store.ListCompare10m))
			r.Get("/compare/hourly", s.listHandler(store.ListCompareHourly))
			r.Get("/compare/custom", s.listHandler(store.ListCompareCustom))
			r.Post("/compare/custom", s.handleCompareCustom)
			r.Get("/reports/daily", s.listHandler(store.ListDailyReports))
			r.Get("/usage/summary", s.handleUsageSummary)
			r.Get("/snapshots/latest", s.handleLatestSnapshot)
			r.Post("/enqueue", s.handleEnqueue)
		})
	})
	return r
}

// requireAPIKey enforces X-API-Key when a key is configured. Without one
// the API is open, matching single-host deployments behind a firewall.
func (s *Service) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.buildHealth()
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Service) buildHealth() HealthReport {
	report := HealthReport{
		Status:        StatusHealthy,
		QueueDepth:    s.q.Depth(),
		Providers:     map[string]ProviderStatus{},
		SchemaVersion: store.SchemaVersion,
	}

	for name, stats := range s.health.snapshot() {
		ps := ProviderStatus{LastLatencyMS: stats.lastLatencyMS}
		if !stats.lastSuccess.IsZero() {
			t := stats.lastSuccess
			ps.LastSuccess = &t
		}
		if !stats.lastFailure.IsZero() {
			t := stats.lastFailure
			ps.LastFailure = &t
		}
		report.Providers[name] = ps
	}
	for _, c := range []*provider.Client{s.describer, s.summarizer} {
		ps := report.Providers[c.Name()]
		ps.Breaker = c.BreakerState().String()
		report.Providers[c.Name()] = ps
	}

	degrade := func(reason string) {
		if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
		report.Reasons = append(report.Reasons, reason)
	}

	if s.schemaMismatch != "" {
		degrade("data dir schema " + s.schemaMismatch + " differs from " + store.SchemaVersion)
	}

	entries, err := s.lister.List()
	if err != nil {
		degrade("snapshot listing failed: " + err.Error())
	} else if latest, ok := snapshot.Latest(entries); !ok {
		degrade("no snapshots on disk")
	} else {
		age := time.Since(latest.Time)
		report.LastSnapshot = latest.Path
		report.SnapshotAge = age.Round(time.Second).String()
		if age > s.cfg.Health.MaxSnapshotAge {
			degrade("latest snapshot is stale")
		}
	}

	if report.QueueDepth > s.cfg.Health.MaxQueueDepth {
		degrade("queue backlog")
	}

	free, err := diskFreeMB(s.cfg.DataDir)
	if err != nil {
		degrade("disk check failed: " + err.Error())
	} else {
		report.DiskFreeMB = free
		if free < s.cfg.Health.MinDiskFreeMB {
			report.Status = StatusUnhealthy
			report.Reasons = append(report.Reasons, "disk free below minimum")
		}
	}

	return report
}

func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts := map[string]int{}
	for _, list := range store.Lists {
		n, err := s.st.Count(r.Context(), list)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		counts[list] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records":        counts,
		"queue_depth":    s.q.Depth(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"breakers": map[string]string{
			s.describer.Name():  s.describer.BreakerState().String(),
			s.summarizer.Name(): s.summarizer.BreakerState().String(),
		},
	})
}

// listHandler serves one record list with limit/offset paging, newest
// first.
func (s *Service) listHandler(list string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)
		if limit > 500 {
			limit = 500
		}
		offset := queryInt(r, "offset", 0)
		rows, err := s.st.List(r.Context(), list, store.ListOptions{
			Limit:       limit,
			Offset:      offset,
			NewestFirst: true,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if rows == nil {
			rows = []json.RawMessage{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items":  rows,
			"limit":  limit,
			"offset": offset,
		})
	}
}

func (s *Service) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	if days < 1 {
		days = 1
	}
	summary, err := s.st.SummarizeUsage(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Service) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	entries, err := s.lister.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	latest, ok := snapshot.Latest(entries)
	if !ok {
		writeError(w, http.StatusNotFound, "no snapshots")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":  latest.Path,
		"taken": latest.Time.Format(time.RFC3339),
	})
}

type compareCustomRequest struct {
	SnapshotA string `json:"snapshot_a"`
	SnapshotB string `json:"snapshot_b"`
}

// handleCompareCustom runs a synchronous comparison between two named
// snapshots. Paths are relative to the snapshot root and must resolve
// inside it.
func (s *Service) handleCompareCustom(w http.ResponseWriter, r *http.Request) {
	var req compareCustomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	pathA, err := s.resolveSnapshot(req.SnapshotA)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pathB, err := s.resolveSnapshot(req.SnapshotB)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	loc := s.cfg.Location()
	tsA, errA := snapshot.ParseTime(pathA, loc)
	tsB, errB := snapshot.ParseTime(pathB, loc)
	if errA != nil || errB != nil {
		writeError(w, http.StatusBadRequest, "not snapshot paths")
		return
	}
	if tsB.Before(tsA) {
		pathA, pathB = pathB, pathA
		tsA, tsB = tsB, tsA
	}

	text, latency, err := s.summarizer.Compare(r.Context(), pathA, pathB,
		tsA.Format(time.RFC3339), tsB.Format(time.RFC3339), "custom")
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	text = provider.Truncate(text, s.cfg.Worker.CompareLimit)

	rec := store.ComparisonRecord{
		ID:        store.NewRecordID(),
		Timestamp: tsB.Format(time.RFC3339),
		SnapshotA: pathA,
		SnapshotB: pathB,
		Text:      text,
		Provider:  s.summarizer.Name(),
		Model:     s.summarizer.Model(),
		LatencyMS: latency,
	}
	if err := s.st.Append(r.Context(), store.ListCompareCustom, tsB, rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type enqueueRequest struct {
	Path string `json:"path"`
}

// handleEnqueue lets an external capture process push a snapshot without
// waiting for the poller.
func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	path, err := s.resolveSnapshot(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	accepted := s.q.Enqueue(path)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"path":     path,
		"accepted": accepted,
	})
}

// resolveSnapshot maps a request-supplied relative path onto the snapshot
// root and rejects anything escaping it.
func (s *Service) resolveSnapshot(rel string) (string, error) {
	if rel == "" {
		return "", errStr("path is required")
	}
	if filepath.IsAbs(rel) {
		return "", errStr("path must be relative to the snapshot root")
	}
	full := filepath.Join(s.cfg.SnapshotDir, filepath.Clean(rel))
	root := filepath.Clean(s.cfg.SnapshotDir) + string(filepath.Separator)
	if !strings.HasPrefix(full, root) {
		return "", errStr("path escapes the snapshot root")
	}
	if !snapshot.IsSnapshot(full) {
		return "", errStr("not a snapshot file")
	}
	return full, nil
}

type errStr string

func (e errStr) Error() string { return string(e) }

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
