// Package fetcher assembles everything a dubbing task needs before synthesis
// starts: the sentence list from the KV store, the source audio prepared into
// speaker-reference clips, and the source video as an in-flight download.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/streamdub/streamdub/internal/models"
	"github.com/streamdub/streamdub/internal/observability"
	"github.com/streamdub/streamdub/internal/scratch"
	"github.com/streamdub/streamdub/internal/separation"
	"github.com/streamdub/streamdub/internal/slicer"
	"github.com/streamdub/streamdub/internal/store"
)

// ErrEmptyTranscription is returned when a task exists but carries no speech
// segments to dub.
var ErrEmptyTranscription = errors.New("task has no speech segments")

// MediaExtractor is the ffmpeg surface the fetcher needs.
type MediaExtractor interface {
	ExtractAudio(ctx context.Context, input, output string) error
	ExtractSilentVideo(ctx context.Context, input, output string) error
}

// VideoResult is delivered once the side download finishes.
type VideoResult struct {
	Path string
	Err  error
}

// Result carries everything the pipeline consumes downstream.
type Result struct {
	Task      *store.TaskRecord
	Sentences []*models.Sentence

	// VocalsPath is the track the slicer cut reference clips from: the
	// separated vocals, or the full mix when separation was unavailable.
	VocalsPath string
	// InstrumentalPath is empty when separation failed or is disabled; the
	// mixer then emits vocals only.
	InstrumentalPath string

	// Video completes when the silent-video side download finishes. The
	// channel is buffered; the sender never blocks.
	Video <-chan VideoResult
}

// Fetcher loads task data and prepares local media.
type Fetcher struct {
	kv        store.KV
	object    store.Object
	extractor MediaExtractor
	separator separation.Separator
	slicer    *slicer.Slicer
	logger    *slog.Logger
}

// New creates a Fetcher.
func New(kv store.KV, object store.Object, extractor MediaExtractor, separator separation.Separator, sl *slicer.Slicer, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		kv:        kv,
		object:    object,
		extractor: extractor,
		separator: separator,
		slicer:    sl,
		logger:    logger,
	}
}

// Fetch runs the KV reads in parallel, fails fast on the first error, then
// prepares the audio chain synchronously and kicks off the video download as
// a side task.
func (f *Fetcher) Fetch(ctx context.Context, taskID string, paths *scratch.Manager) (*Result, error) {
	defer observability.TimedOperation(ctx, f.logger.With(slog.String("task_id", taskID)), "fetch_task_data")()

	var (
		task      *store.TaskRecord
		sentences []*models.Sentence
		media     models.MediaPaths
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		task, err = f.kv.GetTask(gctx, taskID)
		return err
	})
	g.Go(func() error {
		var err error
		sentences, err = f.kv.GetSegments(gctx, taskID)
		return err
	})
	g.Go(func() error {
		var err error
		media, err = f.kv.GetMediaPaths(gctx, taskID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if len(sentences) == 0 {
		return nil, ErrEmptyTranscription
	}

	f.logger.Info("task data loaded",
		slog.String("task_id", taskID),
		slog.Int("sentences", len(sentences)),
		slog.String("audio_key", media.AudioPath),
		slog.String("video_key", media.VideoPath))

	video := f.downloadVideo(ctx, media.VideoPath, paths)

	vocalsPath, instrumentalPath, err := f.prepareAudio(ctx, media.AudioPath, paths)
	if err != nil {
		return nil, err
	}

	if err := f.sliceClips(sentences, vocalsPath, paths); err != nil {
		return nil, err
	}

	return &Result{
		Task:             task,
		Sentences:        sentences,
		VocalsPath:       vocalsPath,
		InstrumentalPath: instrumentalPath,
		Video:            video,
	}, nil
}

// downloadVideo fetches the source video concurrently with audio preparation
// and strips its audio track; the mixer blocks on the result only at its
// first batch. The original track must not leak into the dub, so the silent
// extraction failing fails the future.
func (f *Fetcher) downloadVideo(ctx context.Context, videoKey string, paths *scratch.Manager) <-chan VideoResult {
	out := make(chan VideoResult, 1)
	go func() {
		defer close(out)

		data, err := f.object.Download(ctx, videoKey)
		if err != nil {
			out <- VideoResult{Err: fmt.Errorf("downloading video %s: %w", videoKey, err)}
			return
		}
		source := filepath.Join(paths.MediaDir(), "source_video"+path.Ext(videoKey))
		if err := os.WriteFile(source, data, 0o644); err != nil {
			out <- VideoResult{Err: fmt.Errorf("writing video: %w", err)}
			return
		}

		silent := paths.SilentVideoPath(videoKey)
		if err := f.extractor.ExtractSilentVideo(ctx, source, silent); err != nil {
			out <- VideoResult{Err: fmt.Errorf("stripping audio track: %w", err)}
			return
		}
		f.logger.Info("silent video prepared",
			slog.String("key", videoKey),
			slog.Int("bytes", len(data)))
		out <- VideoResult{Path: silent}
	}()
	return out
}

// prepareAudio downloads the source audio, extracts a mono PCM track, and
// attempts vocal separation. Separation failure degrades to the full mix.
func (f *Fetcher) prepareAudio(ctx context.Context, audioKey string, paths *scratch.Manager) (vocalsPath, instrumentalPath string, err error) {
	data, err := f.object.Download(ctx, audioKey)
	if err != nil {
		return "", "", fmt.Errorf("downloading audio %s: %w", audioKey, err)
	}

	source := filepath.Join(paths.MediaDir(), "source"+path.Ext(audioKey))
	if err := os.WriteFile(source, data, 0o644); err != nil {
		return "", "", fmt.Errorf("writing audio: %w", err)
	}

	original := paths.OriginalAudioPath()
	if err := f.extractor.ExtractAudio(ctx, source, original); err != nil {
		return "", "", fmt.Errorf("extracting audio track: %w", err)
	}

	if !f.separator.Available() {
		return original, "", nil
	}

	vocals, instrumental := paths.VocalsPath(), paths.InstrumentalPath()
	if err := f.separator.Separate(ctx, original, vocals, instrumental); err != nil {
		f.logger.Warn("vocal separation failed, dubbing over the full mix",
			slog.String("error", err.Error()))
		return original, "", nil
	}
	return vocals, instrumental, nil
}

// sliceClips cuts speaker-reference clips and maps them onto the sentences.
// A slicing failure is degradation, not a task failure: sentences without a
// reference clip skip synthesis downstream.
func (f *Fetcher) sliceClips(sentences []*models.Sentence, vocalsPath string, paths *scratch.Manager) error {
	clips, err := f.slicer.Slice(sentences, vocalsPath, paths.PromptsDir())
	if err != nil {
		f.logger.Warn("reference clip slicing failed, synthesis will be skipped for unmapped sentences",
			slog.String("error", err.Error()))
		return nil
	}
	f.logger.Info("reference clips ready", slog.Int("clips", len(clips)))
	return nil
}
