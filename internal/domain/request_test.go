package domain_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
)

func intPtr(n int) *int { return &n }

func TestRequestValidate(t *testing.T) {
	video := domain.Request{
		MediaRef:  "media-1",
		MediaType: domain.MediaVideo,
		Level:     domain.LevelMedium,
		BrandName: "acme",
		OwnerID:   "owner-1",
	}

	tests := []struct {
		name   string
		mutate func(r *domain.Request)
		field  string
	}{
		{"valid video", func(r *domain.Request) {}, ""},
		{"missing type", func(r *domain.Request) { r.MediaType = "" }, "media_type"},
		{"unknown type", func(r *domain.Request) { r.MediaType = "gif" }, "media_type"},
		{"missing ref", func(r *domain.Request) { r.MediaRef = "" }, "media_ref"},
		{"bad level", func(r *domain.Request) { r.Level = "ultra" }, "extraction_level"},
		{"missing brand", func(r *domain.Request) { r.BrandName = "" }, "brand_name"},
		{"missing owner", func(r *domain.Request) { r.OwnerID = "" }, "owner_id"},
		{"url on video", func(r *domain.Request) { r.MediaURL = "https://x/y.jpg" }, "media_url"},
		{"count without smart", func(r *domain.Request) { r.SmartFrameCount = intPtr(5) }, "smart_frame_count"},
		{"zero smart count", func(r *domain.Request) {
			r.Level = domain.LevelSmart
			r.SmartFrameCount = intPtr(0)
		}, "smart_frame_count"},
		{"valid smart count", func(r *domain.Request) {
			r.Level = domain.LevelSmart
			r.SmartFrameCount = intPtr(500)
		}, ""},
		{"brand with slash", func(r *domain.Request) { r.BrandName = "a/b" }, "brand_name"},
		{"long prompt", func(r *domain.Request) { r.CustomPrompt = strings.Repeat("x", 4001) }, "custom_prompt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := video.Clone()
			tt.mutate(&r)
			err := r.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("want ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestRequestValidate_Image(t *testing.T) {
	ok := domain.Request{MediaType: domain.MediaImage, MediaURL: "https://cdn.example.com/a.png"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	relative := domain.Request{MediaType: domain.MediaImage, MediaURL: "/a.png"}
	if err := relative.Validate(); err == nil {
		t.Error("relative media_url should be rejected")
	}

	leveled := domain.Request{MediaType: domain.MediaImage, MediaRef: "m", Level: domain.LevelHigh}
	if err := leveled.Validate(); err == nil {
		t.Error("extraction_level on image should be rejected")
	}
}

func TestRequestNormalize_DefaultsLevel(t *testing.T) {
	r := domain.Request{MediaType: " Video ", MediaRef: " m1 "}.Normalize()
	if r.MediaType != domain.MediaVideo || r.Level != domain.LevelMedium || r.MediaRef != "m1" {
		t.Errorf("Normalize = %+v", r)
	}
}

func TestRequestNormalize_Kinds(t *testing.T) {
	r := domain.Request{MediaType: "video", MediaRef: "m1"}.Normalize()
	if r.Kind != domain.TaskAnalyzeMedia {
		t.Errorf("default kind = %q", r.Kind)
	}

	frames := domain.Request{Kind: " Analyze_Frames ", FrameURLs: []string{" https://f/0.jpg "}}.Normalize()
	if frames.Kind != domain.TaskAnalyzeFrames || frames.MediaType != domain.MediaVideo {
		t.Errorf("Normalize = %+v", frames)
	}
	if frames.Level != "" {
		t.Errorf("frame analysis must not get a default level, got %q", frames.Level)
	}
	if frames.FrameURLs[0] != "https://f/0.jpg" {
		t.Errorf("frame url not trimmed: %q", frames.FrameURLs[0])
	}
}

func TestRequestValidate_Kinds(t *testing.T) {
	frameURLs := []string{"https://f/0.jpg", "https://f/1.jpg"}
	manyURLs := make([]string, domain.MaxFrameURLs+1)
	for i := range manyURLs {
		manyURLs[i] = "https://f/x.jpg"
	}

	tests := []struct {
		name  string
		req   domain.Request
		field string
	}{
		{"extract video", domain.Request{Kind: domain.TaskExtractFrames, MediaType: domain.MediaVideo, MediaRef: "m", Level: domain.LevelLow, BrandName: "b", OwnerID: "o"}, ""},
		{"extract image", domain.Request{Kind: domain.TaskExtractFrames, MediaType: domain.MediaImage, MediaRef: "m"}, "media_type"},
		{"unknown kind", domain.Request{Kind: "transcode", MediaType: domain.MediaImage, MediaRef: "m"}, "kind"},
		{"frames on analyze_media", domain.Request{MediaType: domain.MediaImage, MediaRef: "m", FrameURLs: frameURLs}, "frame_urls"},
		{"frames video", domain.Request{Kind: domain.TaskAnalyzeFrames, MediaType: domain.MediaVideo, FrameURLs: frameURLs, DurationSeconds: 20}, ""},
		{"frames image with two urls", domain.Request{Kind: domain.TaskAnalyzeFrames, MediaType: domain.MediaImage, FrameURLs: frameURLs}, "frame_urls"},
		{"frames image", domain.Request{Kind: domain.TaskAnalyzeFrames, MediaType: domain.MediaImage, FrameURLs: frameURLs[:1]}, ""},
		{"frames empty", domain.Request{Kind: domain.TaskAnalyzeFrames, MediaType: domain.MediaVideo}, "frame_urls"},
		{"frames too many", domain.Request{Kind: domain.TaskAnalyzeFrames, MediaType: domain.MediaVideo, FrameURLs: manyURLs}, "frame_urls"},
		{"frames relative url", domain.Request{Kind: domain.TaskAnalyzeFrames, MediaType: domain.MediaVideo, FrameURLs: []string{"/a.jpg"}}, "frame_urls"},
		{"frames with ref", domain.Request{Kind: domain.TaskAnalyzeFrames, MediaType: domain.MediaVideo, MediaRef: "m", FrameURLs: frameURLs}, "media_ref"},
		{"frames with level", domain.Request{Kind: domain.TaskAnalyzeFrames, MediaType: domain.MediaVideo, Level: domain.LevelHigh, FrameURLs: frameURLs}, "extraction_level"},
		{"frames negative duration", domain.Request{Kind: domain.TaskAnalyzeFrames, MediaType: domain.MediaVideo, FrameURLs: frameURLs, DurationSeconds: -1}, "duration_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("want ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestRequestFrames(t *testing.T) {
	r := domain.Request{FrameURLs: []string{"a", "b", "c", "d"}, DurationSeconds: 20}
	frames := r.Frames()
	if len(frames) != 4 {
		t.Fatalf("len = %d", len(frames))
	}
	for i, want := range []float64{0, 5, 10, 15} {
		if frames[i].Index != i || frames[i].Timestamp != want {
			t.Errorf("frame %d = %+v, want timestamp %v", i, frames[i], want)
		}
	}

	unknown := domain.Request{FrameURLs: []string{"a", "b"}}.Frames()
	if unknown[1].Timestamp != 0 || unknown[1].URL != "b" {
		t.Errorf("frame without duration = %+v", unknown[1])
	}
}

func TestMergeTags(t *testing.T) {
	got := domain.MergeTags([]string{"Cat", "outdoor"}, []string{"cat", " Dog ", ""}, []string{"OUTDOOR", "dog"})
	want := []string{"Cat", "outdoor", "Dog"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("MergeTags = %v, want %v", got, want)
	}
}

func TestSortSegments_Stable(t *testing.T) {
	segs := []domain.Segment{
		{Timestamp: 30, Description: "c"},
		{Timestamp: 10, Description: "a1"},
		{Timestamp: 10, Description: "a2"},
		{Timestamp: 20, Description: "b"},
	}
	domain.SortSegments(segs)
	var order []string
	for _, s := range segs {
		order = append(order, s.Description)
	}
	if strings.Join(order, ",") != "a1,a2,b,c" {
		t.Errorf("order = %v", order)
	}
}
