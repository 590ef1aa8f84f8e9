// Package align computes per-sentence time-stretch factors so each batch of
// synthetic speech fits its source time window. Sentences that would need to
// be spoken faster than the cap get their translation shortened by the
// simplifier and are re-synthesized once.
package align

import (
	"context"
	"log/slog"
	"math"
	"unicode/utf8"

	"github.com/streamdub/streamdub/internal/models"
	"github.com/streamdub/streamdub/internal/simplify"
)

// minAdjustedMS guards the speed division against degenerate targets.
const minAdjustedMS = 0.001

// maxStretchFactor is the upper bound of ffmpeg's atempo filter. A sentence
// whose window is zero or near zero (equal start and end times are valid
// input) is compressed no further than this.
const maxStretchFactor = 100.0

// maxSlowdownRatio bounds how much of the shortfall is absorbed by slowing
// speech down; the remainder becomes trailing silence.
const maxSlowdownRatio = 0.12

// Resynthesizer regenerates audio for sentences whose text changed.
type Resynthesizer interface {
	Resynthesize(ctx context.Context, sentences []*models.Sentence)
}

// Aligner annotates batches with (speed, ending silence, adjusted duration).
type Aligner struct {
	maxSpeed   float64
	simplifier simplify.Simplifier
	resynth    Resynthesizer
	logger     *slog.Logger
}

// New creates an Aligner. simplifier may be nil, in which case over-speed
// sentences are left at their computed speed (soft cap).
func New(maxSpeed float64, simplifier simplify.Simplifier, resynth Resynthesizer, logger *slog.Logger) *Aligner {
	return &Aligner{
		maxSpeed:   maxSpeed,
		simplifier: simplifier,
		resynth:    resynth,
		logger:     logger,
	}
}

// Align annotates every sentence of the batch in place. After at most one
// simplification round, every sentence satisfies speed <= maxSpeed except
// those the retry could not rescue, which are logged and allowed through.
func (a *Aligner) Align(ctx context.Context, batch models.Batch) {
	alignBatch(batch)

	fast := overSpeed(batch, a.maxSpeed)
	if len(fast) == 0 || a.simplifier == nil || a.resynth == nil {
		a.logLeftovers(batch)
		return
	}

	if a.simplifyAndRetry(ctx, batch, fast) {
		alignBatch(batch)
	}
	a.logLeftovers(batch)
}

// simplifyAndRetry shortens the fast sentences' translations and
// re-synthesizes them. Returns true when at least one sentence changed.
func (a *Aligner) simplifyAndRetry(ctx context.Context, batch models.Batch, fast []*models.Sentence) bool {
	texts := make(map[int]string, len(fast))
	for _, s := range fast {
		texts[s.Sequence] = s.TranslatedText
	}

	candidates, err := a.simplifier.Simplify(ctx, texts)
	if err != nil {
		a.logger.Warn("simplification failed, keeping original text",
			slog.Int("sentences", len(fast)),
			slog.String("error", err.Error()))
		return false
	}

	var changed []*models.Sentence
	for _, s := range fast {
		cands, ok := candidates[s.Sequence]
		if !ok {
			continue
		}
		ideal := idealLength(s.TranslatedText, a.maxSpeed, s.Speed)
		chosen := simplify.Choose(s.TranslatedText, cands, ideal)
		if chosen == s.TranslatedText {
			continue
		}
		a.logger.Info("translation simplified",
			slog.Int("sequence", s.Sequence),
			slog.Float64("speed", s.Speed),
			slog.Int("ideal_length", ideal))
		s.TranslatedText = chosen
		changed = append(changed, s)
	}

	if len(changed) == 0 {
		return false
	}
	a.resynth.Resynthesize(ctx, changed)
	return true
}

func (a *Aligner) logLeftovers(batch models.Batch) {
	for _, s := range batch {
		if s.Speed > a.maxSpeed {
			a.logger.Warn("sentence remains over the speed cap",
				slog.Int("sequence", s.Sequence),
				slog.Float64("speed", s.Speed))
		}
	}
}

// idealLength is the character budget that would bring the sentence down to
// exactly maxSpeed, assuming speech duration scales with text length.
func idealLength(text string, maxSpeed, speed float64) int {
	if speed <= 0 {
		return utf8.RuneCountInString(text)
	}
	return int(float64(utf8.RuneCountInString(text)) * (maxSpeed / speed))
}

// overSpeed returns the sentences exceeding the cap.
func overSpeed(batch models.Batch, maxSpeed float64) []*models.Sentence {
	var fast []*models.Sentence
	for _, s := range batch {
		if s.Speed > maxSpeed {
			fast = append(fast, s)
		}
	}
	return fast
}

// alignBatch distributes the batch's total timing error proportionally.
// Too much audio speeds up only the sentences that overran, each by its
// share of the total. Too little audio slows down the ones that underran,
// capped at maxSlowdownRatio of their length, with the remainder allocated
// as trailing silence.
func alignBatch(batch models.Batch) {
	var totalDiff, posSum, negSum float64
	diffs := make([]float64, len(batch))

	for i, s := range batch {
		diff := s.DurationMS - s.TargetDurationMS
		diffs[i] = diff
		totalDiff += diff
		if diff > 0 {
			posSum += diff
		} else {
			negSum += -diff
		}
	}

	for i, s := range batch {
		diff := diffs[i]

		// Defaults: play as synthesized.
		s.Speed = 1.0
		s.EndingSilenceMS = 0
		s.AdjustedDurationMS = s.DurationMS

		switch {
		case totalDiff > 0 && diff > 0 && posSum > 0:
			adjustment := totalDiff * (diff / posSum)
			adjusted := math.Max(s.DurationMS-adjustment, s.DurationMS/maxStretchFactor)
			s.AdjustedDurationMS = adjusted
			s.Speed = s.DurationMS / math.Max(adjusted, minAdjustedMS)

		case totalDiff < 0 && diff < 0 && negSum > 0 && s.DurationMS > 0:
			needed := -totalDiff * (-diff / negSum)
			slowdown := math.Min(needed, maxSlowdownRatio*s.DurationMS)
			s.Speed = s.DurationMS / (s.DurationMS + slowdown)
			s.EndingSilenceMS = needed - slowdown
			s.AdjustedDurationMS = s.DurationMS + slowdown + s.EndingSilenceMS
		}

		if s.Speed > 0 {
			s.SpeechDurationMS = s.DurationMS / s.Speed
		} else {
			s.SpeechDurationMS = s.DurationMS
		}
	}
}
