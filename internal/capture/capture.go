// Package capture pulls frames from a camera HTTP endpoint and writes them
// into the dated snapshot layout. It is the optional ingestion mode for
// deployments without an external capture process.
package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/yardwatch/internal/snapshot"
)

// Config configures the capture loop.
type Config struct {
	// URL is the camera still-frame endpoint.
	URL string
	// Interval between captures.
	Interval time.Duration
	// Root is the snapshot directory root.
	Root string
	// Timeout bounds one fetch.
	Timeout time.Duration
	// Location names snapshot files in local camera time.
	Location *time.Location
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

// Capturer fetches frames on a fixed interval.
type Capturer struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Capturer.
func New(cfg Config, logger *slog.Logger) *Capturer {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Capturer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		now:    time.Now,
	}
}

// Run captures on the interval until ctx is done. Fetch failures are logged
// and skipped; the camera coming back means the next tick succeeds.
func (c *Capturer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	if _, err := c.CaptureNow(ctx); err != nil {
		c.logger.Warn("capture: initial fetch failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.CaptureNow(ctx); err != nil {
				c.logger.Warn("capture: fetch failed", "error", err)
			}
		}
	}
}

// CaptureNow fetches one frame and writes it atomically into the dated
// layout. The temp-then-rename dance keeps the discovery side from ever
// seeing a half-written file.
func (c *Capturer) CaptureNow(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return "", fmt.Errorf("capture: build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("capture: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("capture: camera returned %s", resp.Status)
	}

	final := snapshot.PathFor(c.cfg.Root, c.now().In(c.cfg.Location), c.cfg.Location)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", fmt.Errorf("capture: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), filepath.Base(final)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("capture: temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("capture: write frame: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("capture: sync frame: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("capture: close frame: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("capture: finalize frame: %w", err)
	}

	c.logger.Info("capture: snapshot written", "path", final, "bytes", resp.ContentLength)
	return final, nil
}
