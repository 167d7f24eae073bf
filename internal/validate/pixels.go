package validate

import "image"

// diffLumaThreshold is the per-pixel luma delta below which two pixels are
// considered unchanged. Matches the histogram cut the legacy pipeline used.
const diffLumaThreshold = 25

// meanLuma averages Rec.601 luma over the image, 0-255.
func meanLuma(img image.Image) float64 {
	b := img.Bounds()
	pixels := b.Dx() * b.Dy()
	if pixels == 0 {
		return 0
	}
	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sum += luma(img, x, y)
		}
	}
	return sum / float64(pixels)
}

// diffPercent returns the percentage of pixels whose luma difference
// exceeds the change threshold. When dimensions differ, b is sampled at
// a's grid (nearest neighbour), mirroring a resize before diffing.
func diffPercent(a, b image.Image) float64 {
	ab := a.Bounds()
	bb := b.Bounds()
	pixels := ab.Dx() * ab.Dy()
	if pixels == 0 {
		return 0
	}

	changed := 0
	for y := 0; y < ab.Dy(); y++ {
		for x := 0; x < ab.Dx(); x++ {
			la := luma(a, ab.Min.X+x, ab.Min.Y+y)

			bx := bb.Min.X + x*bb.Dx()/ab.Dx()
			by := bb.Min.Y + y*bb.Dy()/ab.Dy()
			lb := luma(b, bx, by)

			d := la - lb
			if d < 0 {
				d = -d
			}
			if d > diffLumaThreshold {
				changed++
			}
		}
	}
	return float64(changed) / float64(pixels) * 100
}

func luma(img image.Image, x, y int) float64 {
	r, g, b, _ := img.At(x, y).RGBA()
	// RGBA returns 16-bit channels; scale to 0-255.
	return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257
}
