// Package audio implements the PCM operations of the dubbing pipeline:
// equal-power fades and cross-fades, background mixing, normalization,
// silence generation, and WAV encode/decode at the target sample rate.
package audio

import (
	"errors"
	"math"
)

// ErrStretchOutOfRange is returned when a requested time-stretch factor falls
// outside the range the atempo filter accepts. The aligner must never produce
// such a factor, so callers treat this as a logic error.
var ErrStretchOutOfRange = errors.New("time-stretch factor outside [0.5, 100]")

// Int16ToFloat32 converts int16 PCM to float32 in [-1, 1].
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32767.0
	}
	return out
}

// Silence returns n zero samples.
func Silence(n int) []float32 {
	if n < 0 {
		n = 0
	}
	return make([]float32, n)
}

// SilenceMS returns ms milliseconds of silence at the given sample rate.
func SilenceMS(ms float64, sampleRate int) []float32 {
	return Silence(int(ms * float64(sampleRate) / 1000.0))
}

// FadeIn applies an in-place equal-power (sqrt ramp) fade over the first n
// samples. n is clamped to len(pcm).
func FadeIn(pcm []float32, n int) {
	if n > len(pcm) {
		n = len(pcm)
	}
	if n <= 1 {
		return
	}
	for i := 0; i < n; i++ {
		gain := math.Sqrt(float64(i) / float64(n-1))
		pcm[i] *= float32(gain)
	}
}

// FadeOut applies an in-place equal-power fade over the last n samples.
func FadeOut(pcm []float32, n int) {
	if n > len(pcm) {
		n = len(pcm)
	}
	if n <= 1 {
		return
	}
	off := len(pcm) - n
	for i := 0; i < n; i++ {
		gain := math.Sqrt(float64(n-1-i) / float64(n-1))
		pcm[off+i] *= float32(gain)
	}
}

// BlendOverlap returns a copy of next whose head is equal-power cross-faded
// with the tail of context. The blend happens in place over the head, so the
// result keeps next's exact length and downstream duration bookkeeping stays
// sample-accurate. The effective overlap is clamped to
// min(overlap, len(context), len(next)); with no possible overlap the copy is
// returned unchanged.
func BlendOverlap(next, context []float32, overlap int) []float32 {
	out := make([]float32, len(next))
	copy(out, next)

	cross := overlap
	if cross > len(context) {
		cross = len(context)
	}
	if cross > len(out) {
		cross = len(out)
	}
	if cross <= 0 {
		return out
	}

	tail := context[len(context)-cross:]
	for i := 0; i < cross; i++ {
		t := float64(i) / float64(cross)
		fadeOut := math.Sqrt(1.0 - t)
		fadeIn := math.Sqrt(t)
		out[i] = float32(fadeOut)*tail[i] + float32(fadeIn)*out[i]
	}
	return out
}

// MixWithBackground mixes vocals with a window of the background track.
// The background is windowed at [startSample, startSample+len(vocals));
// portions outside the background are treated as silence. The result has the
// length of vocals.
func MixWithBackground(vocals, background []float32, startSample int, vocalsVolume, backgroundVolume float64) []float32 {
	out := make([]float32, len(vocals))
	for i := range vocals {
		sample := vocalsVolume * float64(vocals[i])
		bi := startSample + i
		if bi >= 0 && bi < len(background) {
			sample += backgroundVolume * float64(background[bi])
		}
		out[i] = float32(sample)
	}
	return out
}

// Normalize scales pcm in place so max(|x|) <= threshold. Audio already
// within the threshold is left untouched.
func Normalize(pcm []float32, threshold float64) {
	var peak float64
	for _, s := range pcm {
		if v := math.Abs(float64(s)); v > peak {
			peak = v
		}
	}
	if peak <= threshold || peak == 0 {
		return
	}
	scale := float32(threshold / peak)
	for i := range pcm {
		pcm[i] *= scale
	}
}

// Peak returns max(|x|) over pcm.
func Peak(pcm []float32) float64 {
	var peak float64
	for _, s := range pcm {
		if v := math.Abs(float64(s)); v > peak {
			peak = v
		}
	}
	return peak
}

// DurationMS returns the duration of a PCM buffer in milliseconds.
func DurationMS(pcm []float32, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(len(pcm)) / float64(sampleRate) * 1000.0
}

// FadeSamples converts a fade length in milliseconds to samples, capped at a
// quarter of the buffer so short clips keep audible content.
func FadeSamples(fadeMS, sampleRate, bufLen int) int {
	n := fadeMS * sampleRate / 1000
	if limit := bufLen / 4; n > limit {
		n = limit
	}
	return n
}
