package provider

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Tags is the structured tag set extracted from a snapshot.
type Tags struct {
	People   []string `json:"people"`
	Vehicles []string `json:"vehicles"`
	Objects  []string `json:"objects"`
}

// EmptyTags is the degraded fallback when tag extraction fails.
func EmptyTags() Tags {
	return Tags{People: []string{}, Vehicles: []string{}, Objects: []string{}}
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// ParseTags pulls a tag object out of a model response. Models wrap JSON in
// prose and code fences often enough that we extract the outermost braces
// rather than unmarshalling the raw text. Labels are lowercased, trimmed and
// deduplicated; a response with no parsable object yields empty tags and no
// error, matching the soft-failure contract of tag extraction.
func ParseTags(text string) Tags {
	match := jsonObjectRe.FindString(text)
	if match == "" {
		return EmptyTags()
	}
	var raw struct {
		People   []string `json:"people"`
		Vehicles []string `json:"vehicles"`
		Objects  []string `json:"objects"`
	}
	if err := json.Unmarshal([]byte(match), &raw); err != nil {
		return EmptyTags()
	}
	return Tags{
		People:   normalizeLabels(raw.People),
		Vehicles: normalizeLabels(raw.Vehicles),
		Objects:  normalizeLabels(raw.Objects),
	}
}

func normalizeLabels(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, label := range in {
		label = strings.ToLower(strings.TrimSpace(label))
		if label == "" {
			continue
		}
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	return out
}

// ParseReport pulls the daily report JSON out of a summarize response,
// enforcing the summary and highlight limits. A response with no parsable
// object falls back to treating the whole text as the summary.
func ParseReport(text string) (summary string, highlights []string) {
	match := jsonObjectRe.FindString(text)
	if match != "" {
		var raw struct {
			Summary    string   `json:"summary"`
			Highlights []string `json:"highlights"`
		}
		if err := json.Unmarshal([]byte(match), &raw); err == nil && strings.TrimSpace(raw.Summary) != "" {
			summary = Truncate(raw.Summary, 500)
			for _, h := range raw.Highlights {
				if len(highlights) == 3 {
					break
				}
				h = strings.TrimSpace(h)
				if h == "" {
					continue
				}
				highlights = append(highlights, Truncate(h, 140))
			}
			if highlights == nil {
				highlights = []string{}
			}
			return summary, highlights
		}
	}
	return Truncate(text, 500), []string{}
}
