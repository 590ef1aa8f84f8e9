package mixer

import (
	"log/slog"
	"math"

	"github.com/streamdub/streamdub/internal/audio"
	"github.com/streamdub/streamdub/internal/models"
)

// continuityToleranceMS is the largest gap between consecutive stamps that is
// considered rounding noise rather than a timeline defect.
const continuityToleranceMS = 1.0

// Stamper places each sentence on the output audio clock. It is owned by a
// single worker per task; the clock advances only here.
type Stamper struct {
	sampleRate int
	clockMS    float64
	logger     *slog.Logger
}

// NewStamper creates a Stamper starting at time zero.
func NewStamper(sampleRate int, logger *slog.Logger) *Stamper {
	return &Stamper{sampleRate: sampleRate, logger: logger}
}

// ClockMS returns the current output-track position.
func (st *Stamper) ClockMS() float64 { return st.clockMS }

// Stamp sets AdjustedStartMS and AdjustedDurationMS for every sentence from
// the materialized audio length, advances the clock, and returns the new
// clock value. A sentence without audio occupies zero time.
func (st *Stamper) Stamp(batch models.Batch) float64 {
	for _, s := range batch {
		duration := audio.DurationMS(s.GeneratedAudio, st.sampleRate)
		if len(s.GeneratedAudio) == 0 {
			st.logger.Warn("sentence has no audio, stamping zero duration",
				slog.Int("sequence", s.Sequence))
		}
		s.AdjustedStartMS = st.clockMS
		s.AdjustedDurationMS = duration
		st.clockMS += duration
	}

	st.validate(batch)
	return st.clockMS
}

// validate checks batch-internal continuity; violations are logged, not
// fatal, since the downstream window math still holds.
func (st *Stamper) validate(batch models.Batch) {
	for i := 0; i < len(batch)-1; i++ {
		cur, next := batch[i], batch[i+1]
		expected := cur.AdjustedStartMS + cur.AdjustedDurationMS
		if math.Abs(next.AdjustedStartMS-expected) > continuityToleranceMS {
			st.logger.Error("timeline discontinuity",
				slog.Int("sequence", cur.Sequence),
				slog.Float64("expected_ms", expected),
				slog.Float64("actual_ms", next.AdjustedStartMS))
		}
	}
}
