package validate

import (
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeJPEG writes a solid-colour JPEG of the given size and returns its path.
func writeJPEG(t *testing.T, dir, name string, w, h int, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return path
}

func fastChecker(cfg Config) *Checker {
	c := New(cfg)
	c.sleep = func(time.Duration) {}
	return c
}

func TestValidateAcceptsGoodFrame(t *testing.T) {
	// WHAT: A well-formed 1280x720 JPEG passes every check.
	// WHY: This is the pipeline's normal input.
	dir := t.TempDir()
	path := writeJPEG(t, dir, "143000.jpg", 1280, 720, color.RGBA{R: 120, G: 130, B: 140, A: 255})

	res := fastChecker(Config{StabilityDelay: time.Millisecond}).Validate(path, "")
	if !res.OK || res.Reason != ReasonOK {
		t.Fatalf("Validate = %+v, want ok", res)
	}
}

func TestValidateRejectsCorruptFile(t *testing.T) {
	// WHAT: A truncated/garbage file fails with decode_error.
	// WHY: Corrupt frames are discarded, not retried.
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.jpg")
	os.WriteFile(path, []byte("not an image at all"), 0o644)

	res := fastChecker(Config{StabilityDelay: time.Millisecond}).Validate(path, "")
	if res.OK || res.Reason != ReasonDecode {
		t.Fatalf("Validate = %+v, want decode_error", res)
	}
}

func TestValidateRejectsMissingAndTiny(t *testing.T) {
	dir := t.TempDir()
	c := fastChecker(Config{MinWidth: 320, MinHeight: 240, StabilityDelay: time.Millisecond})

	if res := c.Validate(filepath.Join(dir, "ghost.jpg"), ""); res.Reason != ReasonFileMissing {
		t.Errorf("missing file reason = %s", res.Reason)
	}

	small := writeJPEG(t, dir, "small.jpg", 100, 80, color.White)
	if res := c.Validate(small, ""); res.Reason != ReasonTooSmall {
		t.Errorf("small image reason = %s", res.Reason)
	}
}

func TestValidateRejectsUnsupportedFormat(t *testing.T) {
	// PNG is fine; anything else the decoder knows is still refused.
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 400, 300))
	path := filepath.Join(dir, "shot.png")
	f, _ := os.Create(path)
	png.Encode(f, img)
	f.Close()

	res := fastChecker(Config{StabilityDelay: time.Millisecond, DarkFrameCheck: false}).Validate(path, "")
	if !res.OK {
		t.Fatalf("png rejected: %+v", res)
	}
}

func TestDarkFrameGate(t *testing.T) {
	// WHAT: A near-black frame trips the dark-frame gate when enabled.
	// WHY: Night frames carry no describable content but are not errors.
	dir := t.TempDir()
	dark := writeJPEG(t, dir, "dark.jpg", 640, 480, color.RGBA{R: 2, G: 2, B: 2, A: 255})

	c := fastChecker(Config{StabilityDelay: time.Millisecond, DarkFrameCheck: true, DarkFrameLuma: 10})
	res := c.Validate(dark, "")
	if res.OK || res.Reason != ReasonDarkFrame {
		t.Fatalf("Validate = %+v, want dark_frame", res)
	}
	if !Skippable(res.Reason) {
		t.Fatal("dark_frame should be skippable")
	}
}

func TestMotionGate(t *testing.T) {
	// WHAT: An unchanged frame is gated; a changed frame passes with a
	// measured diff percentage.
	// WHY: Static scenes should not burn provider quota.
	dir := t.TempDir()
	grey := color.RGBA{R: 100, G: 100, B: 100, A: 255}
	prev := writeJPEG(t, dir, "prev.jpg", 320, 240, grey)
	same := writeJPEG(t, dir, "same.jpg", 320, 240, grey)
	diff := writeJPEG(t, dir, "diff.jpg", 320, 240, color.RGBA{R: 240, G: 240, B: 240, A: 255})

	c := fastChecker(Config{StabilityDelay: time.Millisecond, MotionCheck: true, MotionThresholdPct: 5})

	res := c.Validate(same, prev)
	if res.Reason != ReasonNoMotion {
		t.Fatalf("static frame reason = %s (%.2f%%)", res.Reason, res.MotionPct)
	}
	res = c.Validate(diff, prev)
	if !res.OK {
		t.Fatalf("changed frame rejected: %+v", res)
	}
	if res.MotionPct < 50 {
		t.Fatalf("changed frame measured only %.2f%%", res.MotionPct)
	}
}

func TestMotionGateIgnoresBrokenPrevious(t *testing.T) {
	// WHAT: A missing previous frame never blocks the current one.
	// WHY: Retention may have deleted it between accept and compare.
	dir := t.TempDir()
	cur := writeJPEG(t, dir, "cur.jpg", 320, 240, color.White)

	c := fastChecker(Config{StabilityDelay: time.Millisecond, MotionCheck: true, MotionThresholdPct: 5})
	if res := c.Validate(cur, filepath.Join(dir, "gone.jpg")); !res.OK {
		t.Fatalf("Validate = %+v, want ok", res)
	}
}

func TestDiffPercentHandlesSizeMismatch(t *testing.T) {
	// WHAT: Images of different sizes are compared on the first image's
	// grid instead of erroring.
	// WHY: A camera resolution change mid-stream must not kill the gate.
	a := image.NewRGBA(image.Rect(0, 0, 100, 100))
	b := image.NewRGBA(image.Rect(0, 0, 50, 50))
	for y := 0; y < 50; y++ {
		for x := 0; x < 50; x++ {
			b.Set(x, y, color.White)
		}
	}
	pct := diffPercent(a, b)
	if pct < 99 {
		t.Fatalf("diffPercent = %.2f, want ~100", pct)
	}
}
