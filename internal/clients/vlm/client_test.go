package vlm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaiwen1281/MOSSAI/internal/analysis"
	"github.com/kaiwen1281/MOSSAI/internal/domain"
)

func completion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
	})
	return string(b)
}

// sentRequest is the part of a chat-completions body the tests inspect.
type sentRequest struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Messages    []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

func newTestClient(url string) *Client {
	return NewClient(Config{APIKey: "k", Endpoint: url, Model: "doubao-vision"}, WithRetry(3, time.Millisecond))
}

func videoCall() analysis.Call {
	return analysis.Call{
		Frames: []domain.Frame{
			{Index: 0, Timestamp: 0, URL: "https://f/0.jpg"},
			{Index: 1, Timestamp: 3, URL: "https://f/1.jpg"},
		},
		Context:      analysis.CallContext{MediaType: domain.MediaVideo, DurationSeconds: 6, FrameCount: 2},
		CustomPrompt: "focus on products",
	}
}

func TestAnalyze_SendsFramesAndParsesFencedJSON(t *testing.T) {
	var got sentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = io.WriteString(w, completion("Here you go:\n```json\n"+
			`{"summary":"A demo","detailed_content":"Long","tags":["Shoe","shoe","Red"],`+
			`"key_moments":[{"timestamp":3,"description":"close-up"},{"timestamp":"0:01","description":"intro"}]}`+
			"\n```"))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Analyze(context.Background(), videoCall())
	require.NoError(t, err)

	assert.Equal(t, "doubao-vision", got.Model)
	assert.Equal(t, 8192, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "user", got.Messages[1].Role)
	raw := string(got.Messages[1].Content)
	assert.Equal(t, 2, strings.Count(raw, `"type":"image_url"`))
	assert.Contains(t, raw, "https://f/1.jpg")
	assert.Contains(t, raw, "focus on products")
	assert.Contains(t, raw, "Frame 2 at 3.0s")

	assert.Equal(t, "A demo", out.Summary)
	assert.Equal(t, []string{"Shoe", "Red"}, out.Tags)
	require.Len(t, out.Segments, 2)
	assert.Equal(t, 1.0, out.Segments[1].Timestamp)
}

func TestAnalyze_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, completion(`{"summary":"ok"}`))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Analyze(context.Background(), videoCall())
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Summary)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAnalyze_ExhaustedTransientStaysTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Analyze(context.Background(), videoCall())
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestAnalyze_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"image url unreachable"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Analyze(context.Background(), videoCall())
	require.Error(t, err)
	assert.False(t, domain.IsTransient(err))
	assert.Contains(t, err.Error(), "image url unreachable")
	assert.Equal(t, int32(1), calls.Load())
}

func TestAnalyze_ErrorMessageKeepsWholeRunes(t *testing.T) {
	long := strings.Repeat("图", 600)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		b, _ := json.Marshal(map[string]any{"error": map[string]any{"message": long}})
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Analyze(context.Background(), videoCall())
	require.Error(t, err)

	var statusErr *httpStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.True(t, utf8.ValidString(err.Error()))
	assert.Equal(t, maxErrorRunes+3, utf8.RuneCountInString(statusErr.Message), "excerpt plus ellipsis")
}

func TestAnalyze_RequiresAPIKey(t *testing.T) {
	c := NewClient(Config{Endpoint: "http://localhost"})
	_, err := c.Analyze(context.Background(), videoCall())
	require.Error(t, err)
}

func TestSynthesize_UsesNearZeroTemperature(t *testing.T) {
	var got sentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = io.WriteString(w, completion(`{"summary":"whole","tags":["x"]}`))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Synthesize(context.Background(), []analysis.ChunkOutput{
		{Part: 1, RangeStart: 0, RangeEnd: 30, Output: analysis.Output{Summary: "first"}},
		{Part: 2, RangeStart: 30, RangeEnd: 45, Output: analysis.Output{Summary: "second"}},
	}, "")
	require.NoError(t, err)
	assert.InDelta(t, synthesisTemperature, got.Temperature, 1e-6)
	require.Len(t, got.Messages, 2)
	var prompt string
	require.NoError(t, json.Unmarshal(got.Messages[1].Content, &prompt))
	assert.Contains(t, prompt, "Part 2 (30.0s to 45.0s): second")
	assert.Equal(t, "whole", out.Summary)
}

func TestParseAnswer_PlainText(t *testing.T) {
	content := strings.Repeat("é", 250)
	out := parseAnswer(content)
	assert.Equal(t, 200, len([]rune(out.Summary)))
	assert.Equal(t, content, out.DetailedContent)
	assert.Empty(t, out.Segments)
}

func TestClient_HealthCheck(t *testing.T) {
	assert.NoError(t, NewClient(Config{APIKey: "k", Endpoint: "https://ark"}).HealthCheck(context.Background()))
	assert.Error(t, NewClient(Config{Endpoint: "https://ark"}).HealthCheck(context.Background()))
	assert.Error(t, NewClient(Config{APIKey: "k"}).HealthCheck(context.Background()))
}

func TestParseClock(t *testing.T) {
	assert.Equal(t, 62.0, parseClock("01:02"))
	assert.Equal(t, 12.5, parseClock("12.5s"))
	assert.Equal(t, 3723.0, parseClock("1:02:03"))
	assert.Equal(t, 0.0, parseClock("abc"))
}
