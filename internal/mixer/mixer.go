package mixer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/streamdub/streamdub/internal/audio"
	"github.com/streamdub/streamdub/internal/config"
	"github.com/streamdub/streamdub/internal/models"
	"github.com/streamdub/streamdub/internal/scratch"
)

// VideoOps is the subset of the ffmpeg runner the mixer composes with.
type VideoOps interface {
	CutVideo(ctx context.Context, input string, startSec, durationSec float64, output string) error
	Mux(ctx context.Context, videoIn, audioIn, output string) error
	MuxWithSubtitles(ctx context.Context, videoIn, audioIn, assPath, output string) error
}

// SubtitleWriter renders burn-in subtitles for one segment window.
type SubtitleWriter interface {
	Write(path string, sentences models.Batch, segmentStartMS float64, width, height int) error
}

// Media describes the task's prepared source media, known once the video
// download and separation have finished.
type Media struct {
	SilentVideoPath string
	// InstrumentalPath is empty when vocal separation is unavailable; the
	// mixer then emits vocals only.
	InstrumentalPath string
	VideoDurationMS  float64
	Width, Height    int
}

// Mixer composes one MP4 segment per batch. It carries a rolling tail of the
// emitted audio across batches to cross-fade seams; all other state is
// per-call. Not safe for concurrent use; each task owns one Mixer.
type Mixer struct {
	cfg        config.AudioConfig
	sampleRate int
	video      VideoOps
	subtitles  SubtitleWriter // nil disables burn-in
	tail       *audio.TailBuffer
	logger     *slog.Logger

	// cleanupInterval batches between full GC cycles; PCM churn is heavy
	// enough that waiting for the runtime's own pacing holds too much.
	cleanupInterval int
	composed        int
}

// New creates a Mixer for one task.
func New(cfg config.AudioConfig, cleanupInterval int, video VideoOps, subtitles SubtitleWriter, logger *slog.Logger) *Mixer {
	maxSamples := int(cfg.MaxBufferDuration * float64(cfg.TargetSampleRate))
	return &Mixer{
		cfg:             cfg,
		sampleRate:      cfg.TargetSampleRate,
		video:           video,
		subtitles:       subtitles,
		tail:            audio.NewTailBuffer(maxSamples),
		logger:          logger,
		cleanupInterval: cleanupInterval,
	}
}

// Compose builds the MP4 segment for one stamped batch and returns its path.
// On error the caller drops the batch; the rolling tail is left untouched so
// the next batch still cross-fades against the last emitted audio.
func (m *Mixer) Compose(ctx context.Context, batch models.Batch, batchCounter int, media Media, paths *scratch.Manager) (string, error) {
	if len(batch) == 0 {
		return "", fmt.Errorf("empty batch")
	}
	if media.SilentVideoPath == "" {
		return "", fmt.Errorf("no silent video available")
	}

	full := m.concat(batch)
	if len(full) == 0 {
		return "", fmt.Errorf("batch %d produced no audio", batchCounter)
	}

	startSec, durationSec := timeParams(batch)

	// The closing batch pads out to the end of the source video so the final
	// segment covers the full program.
	if last := batch[len(batch)-1]; last.IsLast && media.VideoDurationMS > 0 {
		padMS := media.VideoDurationMS - (last.AdjustedStartMS + last.AdjustedDurationMS)
		if padMS > 0 {
			fade := audio.FadeSamples(m.cfg.SilenceFadeMS, m.sampleRate, len(full))
			audio.FadeOut(full, fade)
			full = append(full, audio.SilenceMS(padMS, m.sampleRate)...)
			durationSec += padMS / 1000.0
		}
	}

	if media.InstrumentalPath != "" {
		full = m.mixBackground(full, media.InstrumentalPath, startSec)
	}
	audio.Normalize(full, m.cfg.NormalizationThreshold)

	segmentPath, err := m.mux(ctx, batch, batchCounter, full, startSec, durationSec, media, paths)
	if err != nil {
		return "", err
	}

	m.tail.Append(full)
	m.composed++
	if m.cleanupInterval > 0 && m.composed%m.cleanupInterval == 0 {
		runtime.GC()
	}

	m.logger.Info("segment composed",
		slog.Int("batch", batchCounter),
		slog.Float64("start_sec", startSec),
		slog.Float64("duration_sec", durationSec),
		slog.String("path", segmentPath))
	return segmentPath, nil
}

// concat joins the batch's audio, cross-fading each chunk's head against the
// audio emitted so far (the previous batch's tail for the first chunk).
func (m *Mixer) concat(batch models.Batch) []float32 {
	var full []float32
	for _, s := range batch {
		if len(s.GeneratedAudio) == 0 {
			m.logger.Warn("skipping sentence without audio",
				slog.Int("sequence", s.Sequence))
			continue
		}
		context := full
		if len(context) == 0 {
			context = m.tail.Tail()
		}
		full = append(full, audio.BlendOverlap(s.GeneratedAudio, context, m.cfg.Overlap)...)
	}
	return full
}

// mixBackground layers the instrumental window under the vocals. A failed
// read degrades to vocals only.
func (m *Mixer) mixBackground(vocals []float32, instrumentalPath string, startSec float64) []float32 {
	background, sr, err := audio.ReadWAV(instrumentalPath)
	if err != nil {
		m.logger.Warn("reading instrumental failed, mixing vocals only",
			slog.String("path", instrumentalPath),
			slog.String("error", err.Error()))
		return vocals
	}
	if sr != m.sampleRate {
		m.logger.Warn("instrumental sample rate mismatch",
			slog.Int("got", sr), slog.Int("want", m.sampleRate))
	}

	startSample := int(startSec * float64(m.sampleRate))
	return audio.MixWithBackground(vocals, background, startSample,
		m.cfg.VocalsVolume, m.cfg.BackgroundVolume)
}

// mux cuts the matching video window and combines it with the mixed audio,
// burning subtitles when a writer is configured.
func (m *Mixer) mux(ctx context.Context, batch models.Batch, batchCounter int, pcm []float32, startSec, durationSec float64, media Media, paths *scratch.Manager) (string, error) {
	audioPath := filepath.Join(paths.ProcessingDir(), fmt.Sprintf("mix_%d.wav", batchCounter))
	if err := audio.WriteWAV(audioPath, pcm, m.sampleRate); err != nil {
		return "", fmt.Errorf("writing mixed audio: %w", err)
	}
	defer os.Remove(audioPath)

	cutPath := filepath.Join(paths.ProcessingDir(), fmt.Sprintf("cut_%d.mp4", batchCounter))
	if err := m.video.CutVideo(ctx, media.SilentVideoPath, startSec, durationSec, cutPath); err != nil {
		return "", fmt.Errorf("cutting video window: %w", err)
	}
	defer os.Remove(cutPath)

	output := paths.SegmentPath(batchCounter)

	if m.subtitles != nil {
		assPath := filepath.Join(paths.ProcessingDir(), fmt.Sprintf("sub_%d.ass", batchCounter))
		if err := m.subtitles.Write(assPath, batch, startSec*1000, media.Width, media.Height); err != nil {
			return "", fmt.Errorf("writing subtitles: %w", err)
		}
		defer os.Remove(assPath)

		if err := m.video.MuxWithSubtitles(ctx, cutPath, audioPath, assPath, output); err != nil {
			return "", fmt.Errorf("muxing with subtitles: %w", err)
		}
		return output, nil
	}

	if err := m.video.Mux(ctx, cutPath, audioPath, output); err != nil {
		return "", fmt.Errorf("muxing segment: %w", err)
	}
	return output, nil
}

// timeParams derives the source-video window of a stamped batch. The opening
// batch starts at zero because its leading silence is baked into the audio.
func timeParams(batch models.Batch) (startSec, durationSec float64) {
	if !batch[0].IsFirst {
		startSec = batch[0].AdjustedStartMS / 1000.0
	}
	var totalMS float64
	for _, s := range batch {
		totalMS += s.AdjustedDurationMS
	}
	return startSec, totalMS / 1000.0
}
