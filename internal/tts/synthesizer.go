// Package tts produces synthetic speech for translated sentences in
// sequence-ordered batches. The synthesizer itself is an external model
// reached over HTTP; this package owns batching, normalization, and the
// single-holder serialization the model requires.
package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/streamdub/streamdub/internal/audio"
	"github.com/streamdub/streamdub/internal/version"
)

// Synthesizer turns (prompt audio, text) into int16 PCM.
type Synthesizer interface {
	// Synthesize returns int16 PCM and its sample rate. The prompt is a
	// speaker-reference WAV path used to condition the voice.
	Synthesize(ctx context.Context, promptPath, text string) ([]int16, int, error)
}

// HTTPSynthesizer calls a speech-synthesis service over HTTP. The request
// carries the text and the base64-encoded prompt WAV; the response is a WAV
// stream.
type HTTPSynthesizer struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPSynthesizer creates a synthesizer client for the given endpoint.
func NewHTTPSynthesizer(endpoint string, timeout time.Duration) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type synthesisRequest struct {
	Text        string `json:"text"`
	PromptAudio string `json:"prompt_audio"`
}

// Synthesize posts one sentence to the service and decodes the WAV reply.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, promptPath, text string) ([]int16, int, error) {
	prompt, err := os.ReadFile(promptPath)
	if err != nil {
		return nil, 0, fmt.Errorf("reading prompt audio: %w", err)
	}

	body, err := json.Marshal(synthesisRequest{
		Text:        text,
		PromptAudio: base64.StdEncoding.EncodeToString(prompt),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("encoding synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("building synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, 0, fmt.Errorf("synthesis service returned %d: %s", resp.StatusCode, msg)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading synthesis response: %w", err)
	}

	pcm, sampleRate, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, 0, fmt.Errorf("decoding synthesis response: %w", err)
	}

	// The interface speaks int16; requantize whatever the service sent.
	out := make([]int16, len(pcm))
	for i, f := range pcm {
		v := f * 32767.0
		switch {
		case v > 32767:
			v = 32767
		case v < -32767:
			v = -32767
		}
		out[i] = int16(v)
	}
	return out, sampleRate, nil
}
