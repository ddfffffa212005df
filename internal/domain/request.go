package domain

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// MediaType is the kind of asset a request points at.
type MediaType string

const (
	MediaVideo MediaType = "video"
	MediaImage MediaType = "image"
)

// Level controls frame sampling density, or selects the job-based strategy.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
	LevelSmart  Level = "smart"
)

// Valid reports whether l is a known extraction level.
func (l Level) Valid() bool {
	switch l {
	case LevelLow, LevelMedium, LevelHigh, LevelSmart:
		return true
	}
	return false
}

// TaskKind selects which stages a task runs.
type TaskKind string

const (
	// TaskAnalyzeMedia resolves a registered asset, extracts frames and
	// analyzes them.
	TaskAnalyzeMedia TaskKind = "analyze_media"
	// TaskExtractFrames stops after extraction. The result lists the frames.
	TaskExtractFrames TaskKind = "extract_frames"
	// TaskAnalyzeFrames analyzes caller-supplied frame URLs and skips
	// resolution and extraction.
	TaskAnalyzeFrames TaskKind = "analyze_frames"
)

// MaxFrameURLs bounds the frames one analyze_frames task may carry.
const MaxFrameURLs = 500

const (
	maxCustomPromptRunes = 4000
	maxTagLength         = 128
)

// Request is the immutable copy of a submission's parameters.
type Request struct {
	Kind            TaskKind  `json:"kind,omitempty"`
	MediaRef        string    `json:"media_ref,omitempty"`
	MediaURL        string    `json:"media_url,omitempty"`
	MediaType       MediaType `json:"media_type"`
	Level           Level     `json:"extraction_level,omitempty"`
	SmartFrameCount *int      `json:"smart_frame_count,omitempty"`
	BrandName       string    `json:"brand_name,omitempty"`
	OwnerID         string    `json:"owner_id,omitempty"`
	CustomPrompt    string    `json:"custom_prompt,omitempty"`

	// Caller-supplied frames and media facts for analyze_frames.
	FrameURLs       []string `json:"frame_urls,omitempty"`
	DurationSeconds float64  `json:"duration_seconds,omitempty"`
	Resolution      string   `json:"resolution,omitempty"`
}

// Clone returns a deep copy of r.
func (r Request) Clone() Request {
	c := r
	if r.SmartFrameCount != nil {
		n := *r.SmartFrameCount
		c.SmartFrameCount = &n
	}
	if r.FrameURLs != nil {
		c.FrameURLs = append([]string(nil), r.FrameURLs...)
	}
	return c
}

// TaskKind returns the kind of r. The zero value means analyze_media.
func (r Request) TaskKind() TaskKind {
	if r.Kind == "" {
		return TaskAnalyzeMedia
	}
	return r.Kind
}

// Normalize trims whitespace and fills defaults: analyze_media as the kind,
// video for frame analysis, and the medium level for videos that need
// extraction.
func (r Request) Normalize() Request {
	c := r.Clone()
	c.Kind = TaskKind(strings.ToLower(strings.TrimSpace(string(c.Kind))))
	if c.Kind == "" {
		c.Kind = TaskAnalyzeMedia
	}
	c.MediaRef = strings.TrimSpace(c.MediaRef)
	c.MediaURL = strings.TrimSpace(c.MediaURL)
	c.MediaType = MediaType(strings.ToLower(strings.TrimSpace(string(c.MediaType))))
	c.Level = Level(strings.ToLower(strings.TrimSpace(string(c.Level))))
	c.BrandName = strings.TrimSpace(c.BrandName)
	c.OwnerID = strings.TrimSpace(c.OwnerID)
	c.CustomPrompt = strings.TrimSpace(c.CustomPrompt)
	c.Resolution = strings.TrimSpace(c.Resolution)
	for i, u := range c.FrameURLs {
		c.FrameURLs[i] = strings.TrimSpace(u)
	}
	if c.Kind == TaskAnalyzeFrames {
		if c.MediaType == "" {
			c.MediaType = MediaVideo
		}
		return c
	}
	if c.MediaType == MediaVideo && c.Level == "" {
		c.Level = LevelMedium
	}
	return c
}

// Validate rejects malformed or out-of-range parameters. It is run at
// submission time, before any task record exists.
func (r Request) Validate() error {
	switch r.TaskKind() {
	case TaskAnalyzeMedia:
	case TaskExtractFrames:
		if r.MediaType != MediaVideo {
			return &ValidationError{Field: "media_type", Reason: "frame extraction needs a video"}
		}
	case TaskAnalyzeFrames:
		return r.validateFrames()
	default:
		return &ValidationError{Field: "kind", Reason: "must be one of analyze_media, extract_frames, analyze_frames"}
	}
	if len(r.FrameURLs) > 0 {
		return &ValidationError{Field: "frame_urls", Reason: "requires kind analyze_frames"}
	}

	switch r.MediaType {
	case MediaVideo, MediaImage:
	case "":
		return &ValidationError{Field: "media_type", Reason: "is required"}
	default:
		return &ValidationError{Field: "media_type", Reason: "must be one of video, image"}
	}

	if r.MediaRef == "" && r.MediaURL == "" {
		return &ValidationError{Field: "media_ref", Reason: "is required"}
	}
	if r.MediaURL != "" {
		if r.MediaType != MediaImage {
			return &ValidationError{Field: "media_url", Reason: "is only supported for images"}
		}
		if !isHTTPURL(r.MediaURL) {
			return &ValidationError{Field: "media_url", Reason: "must be an absolute http(s) URL"}
		}
	}

	if r.MediaType == MediaVideo {
		if !r.Level.Valid() {
			return &ValidationError{Field: "extraction_level", Reason: "must be one of low, medium, high, smart"}
		}
		if r.BrandName == "" {
			return &ValidationError{Field: "brand_name", Reason: "is required for videos"}
		}
		if r.OwnerID == "" {
			return &ValidationError{Field: "owner_id", Reason: "is required for videos"}
		}
	} else if r.Level != "" {
		return &ValidationError{Field: "extraction_level", Reason: "is only supported for videos"}
	}

	return r.validateCommon()
}

// validateFrames checks an analyze_frames request. Nothing is resolved or
// extracted, so media references and levels are refused.
func (r Request) validateFrames() error {
	switch r.MediaType {
	case MediaVideo:
	case MediaImage:
		if len(r.FrameURLs) != 1 {
			return &ValidationError{Field: "frame_urls", Reason: "an image takes exactly one frame"}
		}
	default:
		return &ValidationError{Field: "media_type", Reason: "must be one of video, image"}
	}
	if r.MediaRef != "" || r.MediaURL != "" {
		return &ValidationError{Field: "media_ref", Reason: "is not used when frame_urls are given"}
	}
	if r.Level != "" || r.SmartFrameCount != nil {
		return &ValidationError{Field: "extraction_level", Reason: "is not used when frame_urls are given"}
	}
	if len(r.FrameURLs) == 0 {
		return &ValidationError{Field: "frame_urls", Reason: "is required"}
	}
	if len(r.FrameURLs) > MaxFrameURLs {
		return &ValidationError{Field: "frame_urls", Reason: fmt.Sprintf("at most %d frames", MaxFrameURLs)}
	}
	for i, u := range r.FrameURLs {
		if !isHTTPURL(u) {
			return &ValidationError{Field: "frame_urls", Reason: fmt.Sprintf("entry %d is not an absolute http(s) URL", i)}
		}
	}
	if r.DurationSeconds < 0 {
		return &ValidationError{Field: "duration_seconds", Reason: "must not be negative"}
	}
	return r.validateCommon()
}

func (r Request) validateCommon() error {
	if r.SmartFrameCount != nil {
		if r.Level != LevelSmart {
			return &ValidationError{Field: "smart_frame_count", Reason: "requires extraction_level smart"}
		}
		if *r.SmartFrameCount <= 0 {
			return &ValidationError{Field: "smart_frame_count", Reason: "must be positive"}
		}
	}

	if len(r.BrandName) > maxTagLength || strings.ContainsAny(r.BrandName, "/\\") {
		return &ValidationError{Field: "brand_name", Reason: "must be at most 128 characters without slashes"}
	}
	if len(r.OwnerID) > maxTagLength || strings.ContainsAny(r.OwnerID, "/\\") {
		return &ValidationError{Field: "owner_id", Reason: "must be at most 128 characters without slashes"}
	}
	if utf8.RuneCountInString(r.CustomPrompt) > maxCustomPromptRunes {
		return &ValidationError{Field: "custom_prompt", Reason: "must be at most 4000 characters"}
	}
	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Frames turns the caller-supplied URLs into ordered frames. With a known
// duration the frames are spread evenly across it; otherwise every
// timestamp is zero.
func (r Request) Frames() []Frame {
	frames := make([]Frame, len(r.FrameURLs))
	step := 0.0
	if r.DurationSeconds > 0 && len(r.FrameURLs) > 0 {
		step = r.DurationSeconds / float64(len(r.FrameURLs))
	}
	for i, u := range r.FrameURLs {
		frames[i] = Frame{Index: i, Timestamp: float64(i) * step, URL: u}
	}
	return frames
}
