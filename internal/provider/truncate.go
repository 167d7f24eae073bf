package provider

import "strings"

// Truncate shortens text to at most limit characters, preferring a sentence
// boundary, then a word boundary, before a hard cut. All offsets are rune
// positions so multibyte text never splits mid-character or cuts against a
// byte-measured budget.
func Truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}

	window := runes[:limit]

	// Latest sentence end inside the window, if it keeps a useful share
	// of the budget.
	best := -1
	for i, r := range window {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i == len(window)-1 || window[i+1] == ' ' {
			best = i
		}
	}
	if best >= limit/2 {
		return strings.TrimSpace(string(window[:best+1]))
	}

	// Word boundary fallback; the ellipsis takes one rune of the budget.
	clipped := window[:limit-1]
	cut := -1
	for i := len(clipped) - 1; i >= 0; i-- {
		if clipped[i] == ' ' {
			cut = i
			break
		}
	}
	if cut >= limit/2 {
		return strings.TrimSpace(string(clipped[:cut])) + "…"
	}

	return strings.TrimSpace(string(clipped)) + "…"
}
