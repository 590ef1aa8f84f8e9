// Package mixer turns aligned batches into MP4 segments: it physically
// realizes the aligner's speed and silence annotations, stamps every sentence
// onto the output audio clock, concatenates the batch with cross-fades, mixes
// in the separated background, and muxes the result against the matching
// window of the silent source video.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/streamdub/streamdub/internal/audio"
	"github.com/streamdub/streamdub/internal/models"
)

// Stretcher performs high-quality time-stretching of mono PCM.
// *ffmpeg.Runner satisfies it.
type Stretcher interface {
	TimeStretch(ctx context.Context, pcm []float32, sampleRate int, speed float64) ([]float32, error)
}

// Materializer applies the aligner's annotations to the raw synthesized
// audio: leading silence for the first sentence, time-stretch at the
// computed speed, and trailing silence with a fade at every seam.
type Materializer struct {
	stretcher  Stretcher
	sampleRate int
	fadeMS     int
	logger     *slog.Logger
}

// NewMaterializer creates a Materializer.
func NewMaterializer(stretcher Stretcher, sampleRate, fadeMS int, logger *slog.Logger) *Materializer {
	return &Materializer{
		stretcher:  stretcher,
		sampleRate: sampleRate,
		fadeMS:     fadeMS,
		logger:     logger,
	}
}

// Apply rewrites each sentence's GeneratedAudio in place. Sentences without
// audio are passed through untouched. A stretch factor outside the atempo
// range fails the batch: the aligner guarantees factors within range, so an
// out-of-range one means the audio no longer fits its window and playing it
// unstretched would desynchronize everything after it. Other stretch
// failures keep the unstretched audio; the timeline absorbs the error at
// the next batch boundary.
func (m *Materializer) Apply(ctx context.Context, batch models.Batch) error {
	for _, s := range batch {
		if len(s.GeneratedAudio) == 0 {
			s.SpeechDurationMS = 0
			continue
		}

		pcm := s.GeneratedAudio

		// The opening sentence carries the gap between video start and the
		// first utterance as leading silence, faded in at the boundary.
		if s.IsFirst && s.StartMS > 0 {
			fade := audio.FadeSamples(m.fadeMS, m.sampleRate, len(pcm))
			audio.FadeIn(pcm, fade)
			pcm = append(audio.SilenceMS(float64(s.StartMS), m.sampleRate), pcm...)
			m.logger.Debug("prepended leading silence",
				slog.Int("sequence", s.Sequence),
				slog.Int64("silence_ms", s.StartMS))
		}

		if s.Speed > 0 && s.Speed != 1.0 {
			stretched, err := m.stretcher.TimeStretch(ctx, pcm, m.sampleRate, s.Speed)
			switch {
			case err == nil:
				pcm = stretched
			case errors.Is(err, audio.ErrStretchOutOfRange):
				return fmt.Errorf("sentence %d: %w", s.Sequence, err)
			default:
				m.logger.Error("time-stretch failed, keeping original tempo",
					slog.Int("sequence", s.Sequence),
					slog.Float64("speed", s.Speed),
					slog.String("error", err.Error()))
			}
		}

		if s.EndingSilenceMS > 0 {
			fade := audio.FadeSamples(m.fadeMS, m.sampleRate, len(pcm))
			audio.FadeOut(pcm, fade)
			pcm = append(pcm, audio.SilenceMS(s.EndingSilenceMS, m.sampleRate)...)
		}

		s.GeneratedAudio = pcm
	}
	return nil
}
