package yardwatch

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Health status levels.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ProviderStatus is one provider's recent call history for the health
// report.
type ProviderStatus struct {
	LastSuccess   *time.Time `json:"last_success,omitempty"`
	LastFailure   *time.Time `json:"last_failure,omitempty"`
	LastLatencyMS float64    `json:"last_latency_ms"`
	Breaker       string     `json:"breaker"`
}

// HealthReport is the /api/health payload.
type HealthReport struct {
	Status        string                    `json:"status"`
	Reasons       []string                  `json:"reasons,omitempty"`
	LastSnapshot  string                    `json:"last_snapshot,omitempty"`
	SnapshotAge   string                    `json:"snapshot_age,omitempty"`
	QueueDepth    int                       `json:"queue_depth"`
	DiskFreeMB    int                       `json:"disk_free_mb"`
	Providers     map[string]ProviderStatus `json:"providers"`
	SchemaVersion string                    `json:"schema_version"`
}

type providerStats struct {
	lastSuccess   time.Time
	lastFailure   time.Time
	lastLatencyMS float64
}

// healthTracker accumulates provider call outcomes. Its Observe method is
// the ResultSink handed to each provider client.
type healthTracker struct {
	mu    sync.Mutex
	stats map[string]*providerStats
}

func newHealthTracker() *healthTracker {
	return &healthTracker{stats: make(map[string]*providerStats)}
}

func (h *healthTracker) Observe(provider string, success bool, latencyMS float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.stats[provider]
	if !ok {
		st = &providerStats{}
		h.stats[provider] = st
	}
	if success {
		st.lastSuccess = time.Now()
	} else {
		st.lastFailure = time.Now()
	}
	st.lastLatencyMS = latencyMS
}

func (h *healthTracker) snapshot() map[string]providerStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]providerStats, len(h.stats))
	for name, st := range h.stats {
		out[name] = *st
	}
	return out
}

// diskFreeMB reports free space on the filesystem holding path.
func diskFreeMB(path string) (int, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return 0, err
	}
	return int(uint64(fs.Bavail) * uint64(fs.Bsize) / (1024 * 1024)), nil
}
