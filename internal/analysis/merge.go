package analysis

import (
	"fmt"
	"strings"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
)

// Partition splits frames into contiguous chunks of at most size frames,
// keeping order. Every frame lands in exactly one chunk.
func Partition(frames []domain.Frame, size int) [][]domain.Frame {
	if size <= 0 {
		size = DefaultCapacity
	}
	parts := make([][]domain.Frame, 0, (len(frames)+size-1)/size)
	for start := 0; start < len(frames); start += size {
		end := min(start+size, len(frames))
		parts = append(parts, frames[start:end])
	}
	return parts
}

// chunkRange is the time span covered by part i: from its first frame up to
// the next part's first frame, or the media end for the last part.
func chunkRange(parts [][]domain.Frame, i int, duration float64) (float64, float64) {
	start := parts[i][0].Timestamp
	if i+1 < len(parts) {
		return start, parts[i+1][0].Timestamp
	}
	end := parts[i][len(parts[i])-1].Timestamp
	if duration > end {
		end = duration
	}
	return start, end
}

// Merge combines chunk answers deterministically. Segments are concatenated
// and stably sorted by timestamp, tags are unioned case-insensitively in
// chunk order, and summaries are listed per time range.
func Merge(chunks []ChunkOutput) Output {
	var (
		segments []domain.Segment
		tagLists [][]string
		summary  []string
		detail   []string
	)
	for _, c := range chunks {
		segments = append(segments, c.Output.Segments...)
		tagLists = append(tagLists, c.Output.Tags)
		label := fmt.Sprintf("[%s-%s]", formatSeconds(c.RangeStart), formatSeconds(c.RangeEnd))
		if s := strings.TrimSpace(c.Output.Summary); s != "" {
			summary = append(summary, label+" "+s)
		}
		if d := strings.TrimSpace(c.Output.DetailedContent); d != "" {
			detail = append(detail, fmt.Sprintf("Part %d %s\n%s", c.Part, label, d))
		}
	}
	domain.SortSegments(segments)
	return Output{
		Summary:         strings.Join(summary, "\n"),
		DetailedContent: strings.Join(detail, "\n\n"),
		Tags:            domain.MergeTags(tagLists...),
		Segments:        segments,
	}
}

func formatSeconds(s float64) string {
	return fmt.Sprintf("%.1fs", s)
}
