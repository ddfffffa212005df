package vlm

import (
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/kaiwen1281/MOSSAI/internal/analysis"
	"github.com/kaiwen1281/MOSSAI/internal/domain"
)

const videoSystemPrompt = `You are a professional video content analyst. You are given frames sampled from one video, in time order.

Reply with JSON only, in this shape:
{
  "summary": "one sentence describing the main content",
  "detailed_content": "a complete description covering scenes, people, actions and any visible text",
  "tags": ["tag1", "tag2", "tag3"],
  "key_moments": [
    {"timestamp": 0.0, "description": "what happens at this moment"}
  ]
}

Rules:
1. Frames are in chronological order; pay attention to continuity and change.
2. key_moments timestamps are seconds from the start of the video, taken from the frame labels.
3. Tags must be short, accurate and representative.`

const imageSystemPrompt = `You are a professional image content analyst.

Reply with JSON only, in this shape:
{
  "summary": "one sentence describing the image",
  "detailed_content": "a complete description of the scene, subjects, style and any visible text",
  "tags": ["tag1", "tag2", "tag3"]
}`

const synthesisSystemPrompt = `You are a video content analyst. You are given analyses of consecutive parts of one video. Combine them into one description of the whole video.

Reply with JSON only, in this shape:
{
  "summary": "one sentence describing the whole video",
  "detailed_content": "a complete, well-structured description of the whole video",
  "tags": ["tag1", "tag2", "tag3"]
}`

func textPart(text string) openai.ChatMessagePart {
	return openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: text}
}

func buildMessages(call analysis.Call) []openai.ChatCompletionMessage {
	system := videoSystemPrompt
	if call.Context.MediaType == domain.MediaImage {
		system = imageSystemPrompt
	}

	var parts []openai.ChatMessagePart
	if info := describeContext(call.Context); info != "" {
		parts = append(parts, textPart(info))
	}
	if p := strings.TrimSpace(call.CustomPrompt); p != "" {
		parts = append(parts, textPart("Analysis requirements:\n"+p))
	}

	if call.Context.MediaType == domain.MediaImage {
		parts = append(parts, textPart("Analyze this image:"))
	} else {
		parts = append(parts, textPart("Analyze the following frames (in time order):"))
	}
	for i, f := range call.Frames {
		if call.Context.MediaType != domain.MediaImage {
			parts = append(parts, textPart(fmt.Sprintf("Frame %d at %.1fs", i+1, f.Timestamp)))
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: f.URL},
		})
	}

	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, MultiContent: parts},
	}
}

func describeContext(cc analysis.CallContext) string {
	var b strings.Builder
	if cc.DurationSeconds > 0 {
		fmt.Fprintf(&b, "- Duration: %.1fs\n", cc.DurationSeconds)
	}
	if cc.Resolution != "" {
		fmt.Fprintf(&b, "- Resolution: %s\n", cc.Resolution)
	}
	if cc.FrameCount > 0 && cc.MediaType != domain.MediaImage {
		fmt.Fprintf(&b, "- Frames: %d\n", cc.FrameCount)
	}
	if cc.Parts > 1 {
		fmt.Fprintf(&b, "- This is part %d of %d, covering %.1fs to %.1fs\n", cc.Part, cc.Parts, cc.RangeStart, cc.RangeEnd)
	}
	if b.Len() == 0 {
		return ""
	}
	return "Media information:\n" + b.String()
}

func buildSynthesisMessages(chunks []analysis.ChunkOutput, customPrompt string) []openai.ChatCompletionMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "The video was analyzed in %d parts:\n\n", len(chunks))
	for _, c := range chunks {
		fmt.Fprintf(&b, "Part %d (%.1fs to %.1fs): %s\n%s\n\n",
			c.Part, c.RangeStart, c.RangeEnd, c.Output.Summary, truncateRunes(c.Output.DetailedContent, 500))
	}
	if p := strings.TrimSpace(customPrompt); p != "" {
		b.WriteString("Analysis requirements:\n" + p + "\n\n")
	}
	b.WriteString("Give the complete summary of the whole video.")

	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: synthesisSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: b.String()},
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
