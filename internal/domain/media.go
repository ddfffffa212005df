package domain

import (
	"sort"
	"strings"
)

// MediaInfo is what the media registry knows about an asset.
type MediaInfo struct {
	Ref             string  `json:"ref"`
	Title           string  `json:"title,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Resolution      string  `json:"resolution,omitempty"`
	Format          string  `json:"format,omitempty"`
	AssetURL        string  `json:"asset_url,omitempty"`
}

// Frame is one extracted still image. URLs are time-limited.
type Frame struct {
	Index     int     `json:"index"`
	Timestamp float64 `json:"timestamp"`
	URL       string  `json:"url"`
}

// Segment is a timestamped description inside an analysis.
type Segment struct {
	Timestamp   float64 `json:"timestamp"`
	Description string  `json:"description"`
}

// ResultMetadata describes what an analysis was computed from.
type ResultMetadata struct {
	FrameCount      int     `json:"frame_count"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Resolution      string  `json:"resolution,omitempty"`
	Model           string  `json:"model"`
	Chunks          int     `json:"chunks"`
	ExtractionLevel Level   `json:"extraction_level,omitempty"`
	ManifestURL     string  `json:"manifest_url,omitempty"`
}

// AnalysisResult is the structured payload of a completed task. An
// extract_frames task fills only Frames and Metadata.
type AnalysisResult struct {
	Summary         string         `json:"summary"`
	DetailedContent string         `json:"detailed_content"`
	Tags            []string       `json:"tags"`
	Segments        []Segment      `json:"segments"`
	Frames          []Frame        `json:"frames,omitempty"`
	Metadata        ResultMetadata `json:"metadata"`
}

// Clone returns a deep copy of r.
func (r *AnalysisResult) Clone() *AnalysisResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Tags = append([]string(nil), r.Tags...)
	c.Segments = append([]Segment(nil), r.Segments...)
	if r.Frames != nil {
		c.Frames = append([]Frame(nil), r.Frames...)
	}
	return &c
}

// MergeTags returns the case-insensitive union of the given tag lists. The
// first spelling seen wins and first-seen order is kept. Blank tags are
// dropped.
func MergeTags(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, list := range lists {
		for _, tag := range list {
			tag = strings.TrimSpace(tag)
			if tag == "" {
				continue
			}
			key := strings.ToLower(tag)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}

// SortSegments orders segments by ascending timestamp, keeping the relative
// order of equal timestamps.
func SortSegments(segments []Segment) {
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Timestamp < segments[j].Timestamp
	})
}
