// Package simplify shortens translations that cannot be spoken fast enough.
// One LLM call returns five candidate rewrites per sentence at escalating
// aggressiveness; the caller picks the longest candidate that fits its time
// budget.
package simplify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/streamdub/streamdub/internal/config"
)

// Levels are the rewrite aggressiveness tiers, mildest first.
var Levels = []string{"minimal", "slight", "moderate", "significant", "extreme"}

// Candidates maps a level name to the rewritten text.
type Candidates map[string]string

// Simplifier produces shortening candidates for a set of texts keyed by an
// opaque index.
type Simplifier interface {
	Simplify(ctx context.Context, texts map[int]string) (map[int]Candidates, error)
}

// LLMSimplifier asks an OpenAI-compatible chat API for candidates.
type LLMSimplifier struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// backend describes one supported chat API.
type backend struct {
	baseURL string
	model   string
}

// backends lists the supported providers. All of them speak the OpenAI chat
// protocol, gemini through its compatibility endpoint.
var backends = map[string]backend{
	"deepseek": {baseURL: "https://api.deepseek.com/v1", model: "deepseek-chat"},
	"grok":     {baseURL: "https://api.x.ai/v1", model: "grok-2-latest"},
	"groq":     {baseURL: "https://api.groq.com/openai/v1", model: "llama-3.3-70b-versatile"},
	"gemini":   {baseURL: "https://generativelanguage.googleapis.com/v1beta/openai", model: "gemini-2.0-flash"},
}

// New creates a simplifier for the configured backend.
func New(cfg config.SimplifierConfig, logger *slog.Logger) (*LLMSimplifier, error) {
	b, ok := backends[cfg.Model]
	if !ok {
		return nil, fmt.Errorf("unknown simplifier backend %q", cfg.Model)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = b.baseURL
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &LLMSimplifier{
		client: openai.NewClientWithConfig(clientCfg),
		model:  b.model,
		logger: logger,
	}, nil
}

const systemPrompt = `You shorten translated subtitles so they can be spoken within their time slot.
For every input sentence produce five rewrites at increasing aggressiveness:
"minimal", "slight", "moderate", "significant", "extreme".
Each rewrite must keep the original meaning and language.
Respond with a JSON object keyed by the input index, each value an object
mapping the five level names to the rewritten sentence.`

// Simplify requests candidates for all texts in a single JSON-valued call.
func (s *LLMSimplifier) Simplify(ctx context.Context, texts map[int]string) (map[int]Candidates, error) {
	if len(texts) == 0 {
		return map[int]Candidates{}, nil
	}

	input := make(map[string]string, len(texts))
	for idx, text := range texts {
		input[strconv.Itoa(idx)] = text
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding simplification input: %w", err)
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("simplification call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("simplification call returned no choices")
	}

	return parseResponse(resp.Choices[0].Message.Content)
}

// parseResponse decodes the model's JSON, tolerating a fenced code block.
func parseResponse(content string) (map[int]Candidates, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var raw map[string]map[string]string
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("parsing simplification response: %w", err)
	}

	out := make(map[int]Candidates, len(raw))
	for key, levels := range raw {
		idx, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		out[idx] = Candidates(levels)
	}
	return out, nil
}

// Choose picks the candidate text for a sentence given its ideal length in
// characters. Preference order: the longest candidate not exceeding the
// ideal length; failing that, the shortest candidate that exceeds it;
// failing that, the original text.
func Choose(original string, candidates Candidates, idealLength int) string {
	var bestFit string
	bestFitLen := -1
	var bestOver string
	bestOverLen := -1

	for _, level := range Levels {
		text, ok := candidates[level]
		if !ok || strings.TrimSpace(text) == "" {
			continue
		}
		n := utf8.RuneCountInString(text)
		if n <= idealLength {
			if n > bestFitLen {
				bestFit, bestFitLen = text, n
			}
		} else {
			if bestOverLen == -1 || n < bestOverLen {
				bestOver, bestOverLen = text, n
			}
		}
	}

	switch {
	case bestFitLen >= 0:
		return bestFit
	case bestOverLen >= 0:
		return bestOver
	default:
		return original
	}
}
