package vlm

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/kaiwen1281/MOSSAI/internal/analysis"
	"github.com/kaiwen1281/MOSSAI/internal/domain"
)

const plainSummaryRunes = 200

type answer struct {
	Summary         string      `json:"summary"`
	DetailedContent string      `json:"detailed_content"`
	Tags            []string    `json:"tags"`
	KeyMoments      []keyMoment `json:"key_moments"`
	Segments        []keyMoment `json:"segments"`
}

type keyMoment struct {
	Timestamp   seconds `json:"timestamp"`
	Description string  `json:"description"`
}

// seconds accepts 12.5, "12.5", "12.5s" or "01:02".
type seconds float64

func (s *seconds) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*s = seconds(n)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		*s = 0
		return nil
	}
	*s = seconds(parseClock(str))
	return nil
}

func parseClock(v string) float64 {
	v = strings.TrimSuffix(strings.TrimSpace(v), "s")
	if !strings.Contains(v, ":") {
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	var total float64
	for _, part := range strings.Split(v, ":") {
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0
		}
		total = total*60 + f
	}
	return total
}

// extractJSON returns the body of the first fenced block, or the whole
// content when there is no fence.
func extractJSON(content string) string {
	if i := strings.Index(content, "```json"); i >= 0 {
		rest := content[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}
	if i := strings.Index(content, "```"); i >= 0 {
		rest := content[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
	}
	return strings.TrimSpace(content)
}

// parseAnswer never fails: a non-JSON answer becomes a plain-text result.
func parseAnswer(content string) analysis.Output {
	var a answer
	if err := json.Unmarshal([]byte(extractJSON(content)), &a); err != nil {
		return analysis.Output{
			Summary:         string([]rune(content)[:min(plainSummaryRunes, len([]rune(content)))]),
			DetailedContent: content,
			Tags:            []string{},
		}
	}

	moments := a.KeyMoments
	if len(moments) == 0 {
		moments = a.Segments
	}
	segments := make([]domain.Segment, 0, len(moments))
	for _, m := range moments {
		desc := strings.TrimSpace(m.Description)
		if desc == "" {
			continue
		}
		segments = append(segments, domain.Segment{Timestamp: float64(m.Timestamp), Description: desc})
	}
	return analysis.Output{
		Summary:         strings.TrimSpace(a.Summary),
		DetailedContent: strings.TrimSpace(a.DetailedContent),
		Tags:            domain.MergeTags(a.Tags),
		Segments:        segments,
	}
}
