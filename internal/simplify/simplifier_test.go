package simplify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamdub/streamdub/internal/config"
)

func TestChoose(t *testing.T) {
	candidates := Candidates{
		"minimal":     "一二三四五六七八", // 8
		"slight":      "一二三四五六",   // 6
		"moderate":    "一二三四五",    // 5
		"significant": "一二三",      // 3
		"extreme":     "一二",       // 2
	}

	// Longest candidate within the ideal length wins.
	assert.Equal(t, "一二三四五六", Choose("orig", candidates, 6))
	assert.Equal(t, "一二三四五", Choose("orig", candidates, 5))
	assert.Equal(t, "一二三四五六七八", Choose("orig", candidates, 100))

	// Nothing fits: the shortest over-length candidate.
	assert.Equal(t, "一二", Choose("orig", candidates, 1))

	// Nothing usable at all: keep the original.
	assert.Equal(t, "orig", Choose("orig", Candidates{}, 10))
	assert.Equal(t, "orig", Choose("orig", Candidates{"minimal": "   "}, 10))
}

func TestParseResponse(t *testing.T) {
	content := `{"3": {"minimal": "a", "slight": "b", "moderate": "c", "significant": "d", "extreme": "e"}}`
	out, err := parseResponse(content)
	require.NoError(t, err)
	require.Contains(t, out, 3)
	assert.Equal(t, "a", out[3]["minimal"])
	assert.Equal(t, "e", out[3]["extreme"])
}

func TestParseResponseFencedBlock(t *testing.T) {
	content := "```json\n{\"1\": {\"minimal\": \"x\"}}\n```"
	out, err := parseResponse(content)
	require.NoError(t, err)
	assert.Equal(t, "x", out[1]["minimal"])
}

func TestParseResponseGarbage(t *testing.T) {
	_, err := parseResponse("the model rambled instead of emitting JSON")
	require.Error(t, err)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(config.SimplifierConfig{Model: "claude"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

func TestSimplifyAgainstStubServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)

		body := `{"0": {"minimal": "shorter", "slight": "short", "moderate": "sh",
			"significant": "s", "extreme": ""}}`
		resp := map[string]any{
			"id": "x", "object": "chat.completion",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": body}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	s, err := New(config.SimplifierConfig{
		Model:   "deepseek",
		APIKey:  "test",
		BaseURL: server.URL,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	out, err := s.Simplify(context.Background(), map[int]string{0: "a rather long translation"})
	require.NoError(t, err)
	require.Contains(t, out, 0)
	assert.Equal(t, "shorter", out[0]["minimal"])
}

func TestSimplifyEmptyInput(t *testing.T) {
	s, err := New(config.SimplifierConfig{Model: "groq", APIKey: "k"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	out, err := s.Simplify(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
