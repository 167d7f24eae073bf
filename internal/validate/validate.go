// Package validate gates candidate snapshots before enrichment.
//
// Checks run in a fixed order and short-circuit on the first failure:
// size bounds, file stability, decode, pixel dimensions, then the optional
// dark-frame and motion gates. A failed frame is skipped, never retried;
// the capture source produces a replacement on its next cycle.
package validate

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"
	"time"
)

// Rejection reasons. ReasonDarkFrame and ReasonNoMotion mean "valid file,
// skip enrichment"; everything else means the file is unusable.
const (
	ReasonOK          = "ok"
	ReasonFileMissing = "file_missing"
	ReasonTooLarge    = "file_too_large"
	ReasonUnstable    = "file_unstable"
	ReasonBadFormat   = "unsupported_format"
	ReasonDecode      = "decode_error"
	ReasonTooSmall    = "image_too_small"
	ReasonOversized   = "image_too_large"
	ReasonDarkFrame   = "dark_frame"
	ReasonNoMotion    = "no_motion"
)

// Config bounds what the pipeline accepts.
type Config struct {
	MaxFileSizeMB int
	MinWidth      int
	MinHeight     int
	MaxWidth      int
	MaxHeight     int

	// StabilityDelay separates the two size reads that detect a file
	// still being written. StabilityAttempts bounds the re-reads.
	StabilityDelay    time.Duration
	StabilityAttempts int

	// DarkFrameCheck rejects frames whose mean luma falls below
	// DarkFrameLuma (0-255).
	DarkFrameCheck bool
	DarkFrameLuma  float64

	// MotionCheck rejects frames that differ from the previous accepted
	// frame by less than MotionThresholdPct percent of pixels.
	MotionCheck        bool
	MotionThresholdPct float64
}

func (c *Config) defaults() {
	if c.MaxFileSizeMB <= 0 {
		c.MaxFileSizeMB = 10
	}
	if c.MinWidth <= 0 {
		c.MinWidth = 320
	}
	if c.MinHeight <= 0 {
		c.MinHeight = 240
	}
	if c.MaxWidth <= 0 {
		c.MaxWidth = 4096
	}
	if c.MaxHeight <= 0 {
		c.MaxHeight = 4096
	}
	if c.StabilityDelay <= 0 {
		c.StabilityDelay = 500 * time.Millisecond
	}
	if c.StabilityAttempts <= 0 {
		c.StabilityAttempts = 3
	}
	if c.DarkFrameLuma <= 0 {
		c.DarkFrameLuma = 10
	}
}

// Checker validates candidate snapshot files.
type Checker struct {
	cfg   Config
	sleep func(time.Duration) // injectable for tests
}

// New creates a Checker.
func New(cfg Config) *Checker {
	cfg.defaults()
	return &Checker{cfg: cfg, sleep: time.Sleep}
}

// Result is the validation outcome. Reason is one of the Reason constants.
type Result struct {
	OK     bool
	Reason string
	// MotionPct holds the measured pixel change when the motion gate ran.
	MotionPct float64
}

// Validate runs all checks against path. prevPath is the previous accepted
// frame for the motion gate; pass "" to skip it.
func (c *Checker) Validate(path, prevPath string) Result {
	fi, err := os.Stat(path)
	if err != nil {
		return Result{Reason: ReasonFileMissing}
	}
	if fi.Size() > int64(c.cfg.MaxFileSizeMB)*1024*1024 {
		return Result{Reason: ReasonTooLarge}
	}
	if !c.stable(path) {
		return Result{Reason: ReasonUnstable}
	}

	img, format, err := decode(path)
	if err != nil {
		return Result{Reason: ReasonDecode}
	}
	switch format {
	case "jpeg", "png":
	default:
		return Result{Reason: ReasonBadFormat}
	}

	b := img.Bounds()
	if b.Dx() < c.cfg.MinWidth || b.Dy() < c.cfg.MinHeight {
		return Result{Reason: ReasonTooSmall}
	}
	if b.Dx() > c.cfg.MaxWidth || b.Dy() > c.cfg.MaxHeight {
		return Result{Reason: ReasonOversized}
	}

	if c.cfg.DarkFrameCheck && meanLuma(img) < c.cfg.DarkFrameLuma {
		return Result{Reason: ReasonDarkFrame}
	}

	if c.cfg.MotionCheck && prevPath != "" {
		prev, _, err := decode(prevPath)
		if err == nil {
			pct := diffPercent(prev, img)
			if pct < c.cfg.MotionThresholdPct {
				return Result{Reason: ReasonNoMotion, MotionPct: pct}
			}
			return Result{OK: true, Reason: ReasonOK, MotionPct: pct}
		}
		// A vanished or corrupt previous frame never blocks the current one.
	}

	return Result{OK: true, Reason: ReasonOK}
}

// Skippable reports whether a reason means "fine frame, nothing worth
// enriching" as opposed to a broken file.
func Skippable(reason string) bool {
	return reason == ReasonDarkFrame || reason == ReasonNoMotion
}

// stable re-reads the file size until two consecutive reads agree on a
// positive size, bounded by the configured attempts.
func (c *Checker) stable(path string) bool {
	last := int64(-1)
	for i := 0; i < c.cfg.StabilityAttempts; i++ {
		fi, err := os.Stat(path)
		if err != nil {
			return false
		}
		if fi.Size() == last && fi.Size() > 0 {
			return true
		}
		last = fi.Size()
		c.sleep(c.cfg.StabilityDelay)
	}
	return false
}

func decode(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("validate: decode %s: %w", path, err)
	}
	return img, strings.ToLower(format), nil
}
