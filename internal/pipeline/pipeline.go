// Package pipeline orchestrates one dubbing task end to end: fetch, speech
// synthesis, duration alignment, mixing, and HLS publication run as four
// concurrent workers connected by two bounded queues. The queues are the
// only flow-control device; a slow mixer fills Q2, which blocks alignment,
// which lets Q1 fill, which blocks synthesis.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/streamdub/streamdub/internal/config"
	"github.com/streamdub/streamdub/internal/fetcher"
	"github.com/streamdub/streamdub/internal/mixer"
	"github.com/streamdub/streamdub/internal/models"
	"github.com/streamdub/streamdub/internal/observability"
	"github.com/streamdub/streamdub/internal/scratch"
	"github.com/streamdub/streamdub/internal/store"
)

// Fetcher loads task data and prepares local media.
type Fetcher interface {
	Fetch(ctx context.Context, taskID string, paths *scratch.Manager) (*fetcher.Result, error)
}

// SpeechProducer streams synthesized batches into a channel.
type SpeechProducer interface {
	Stream(ctx context.Context, sentences []*models.Sentence, debugDir string, out chan<- models.Batch) error
}

// SentenceAligner fits synthesized audio to the source timeline.
type SentenceAligner interface {
	Align(ctx context.Context, batch models.Batch)
}

// Materializer applies the aligner's speed and silence decisions to PCM.
type Materializer interface {
	Apply(ctx context.Context, batch models.Batch) error
}

// Composer turns a stamped batch into one MP4 segment.
type Composer interface {
	Compose(ctx context.Context, batch models.Batch, batchCounter int, media mixer.Media, paths *scratch.Manager) (string, error)
}

// Publisher is one task's HLS output stream.
type Publisher interface {
	AddSegment(ctx context.Context, mp4Path string, part int) error
	Finalize(ctx context.Context) (string, error)
	PlaylistURL(publicBaseURL string) string
}

// PublisherFactory creates a Publisher once the task's scratch tree exists.
type PublisherFactory interface {
	New(ctx context.Context, taskID string, paths *scratch.Manager) (Publisher, error)
}

// MediaProber answers duration and resolution queries about local media.
type MediaProber interface {
	DurationMS(ctx context.Context, path string) (float64, error)
	Resolution(ctx context.Context, path string) (int, int, error)
}

// Journal mirrors task state locally so status queries survive KV outages.
// A nil Journal disables mirroring.
type Journal interface {
	Record(taskID, status, playlistURL, errorMessage string)
}

// Result summarizes a finished run.
type Result struct {
	FinalVideoPath string
	PlaylistURL    string
	DroppedBatches int
}

// Pipeline runs dubbing tasks. One Pipeline serves the whole process; each
// Run owns its task's scratch directory and channels.
type Pipeline struct {
	cfg        *config.Config
	kv         store.KV
	fetcher    Fetcher
	producer   SpeechProducer
	aligner    SentenceAligner
	material   Materializer
	composer   Composer
	publishers PublisherFactory
	prober     MediaProber
	journal    Journal
	logger     *slog.Logger
}

// New assembles a Pipeline from its stages.
func New(cfg *config.Config, kv store.KV, f Fetcher, producer SpeechProducer, aligner SentenceAligner, material Materializer, composer Composer, publishers PublisherFactory, prober MediaProber, journal Journal, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		kv:         kv,
		fetcher:    f,
		producer:   producer,
		aligner:    aligner,
		material:   material,
		composer:   composer,
		publishers: publishers,
		prober:     prober,
		journal:    journal,
		logger:     logger,
	}
}

// batchMsg carries one batch and its position in the output stream.
type batchMsg struct {
	batch   models.Batch
	counter int
}

// Run executes the whole pipeline for one task. It is the only writer of the
// task's status: processing on entry, completed or error on exit.
func (p *Pipeline) Run(ctx context.Context, taskID string) (*Result, error) {
	logger := p.logger.With(slog.String("task_id", taskID))
	defer observability.TimedOperation(ctx, logger, "dubbing_pipeline")()

	p.setStatus(ctx, taskID, models.StatusProcessing, "")
	p.record(taskID, models.StatusProcessing, "", "")

	paths, err := scratch.NewManager(p.cfg.Scratch.BaseDir, taskID)
	if err != nil {
		return nil, p.fail(ctx, taskID, fmt.Errorf("creating scratch dir: %w", err))
	}
	defer func() {
		if err := paths.Cleanup(); err != nil {
			logger.Warn("scratch cleanup failed", slog.String("error", err.Error()))
		}
	}()

	fetched, err := p.fetcher.Fetch(ctx, taskID, paths)
	if err != nil {
		return nil, p.fail(ctx, taskID, err)
	}

	result, err := p.process(ctx, taskID, fetched, paths, logger)
	if err != nil {
		return nil, p.fail(ctx, taskID, err)
	}

	p.setStatus(ctx, taskID, models.StatusCompleted, "")
	p.record(taskID, models.StatusCompleted, result.PlaylistURL, "")
	logger.Info("pipeline completed",
		slog.String("final_video", result.FinalVideoPath),
		slog.String("playlist_url", result.PlaylistURL),
		slog.Int("dropped_batches", result.DroppedBatches))
	return result, nil
}

// process runs the four workers. Queue closure is the success terminator;
// a worker error cancels the group context, which unblocks every queue
// operation and propagates as the task failure.
func (p *Pipeline) process(ctx context.Context, taskID string, fetched *fetcher.Result, paths *scratch.Manager, logger *slog.Logger) (*Result, error) {
	q1 := make(chan models.Batch, p.cfg.Pipeline.TTSQueueSize)
	q2 := make(chan batchMsg, p.cfg.Pipeline.AlignedQueueSize)
	videoReady := make(chan mixer.Media, 1)

	result := &Result{}

	g, gctx := errgroup.WithContext(ctx)

	// W1: speech synthesis.
	g.Go(func() error {
		defer close(q1)
		debugDir := ""
		if p.cfg.TTS.SaveAudio {
			debugDir = paths.TTSOutputDir()
		}
		return p.producer.Stream(gctx, fetched.Sentences, debugDir, q1)
	})

	// W2: align, materialize, stamp. Owns the output-track clock.
	g.Go(func() error {
		defer close(q2)
		stamper := mixer.NewStamper(p.cfg.Audio.TargetSampleRate, logger)
		counter := 0
		for batch := range q1 {
			p.aligner.Align(gctx, batch)
			if err := p.material.Apply(gctx, batch); err != nil {
				return fmt.Errorf("materializing batch %d: %w", counter, err)
			}
			stamper.Stamp(batch)

			select {
			case q2 <- batchMsg{batch: batch, counter: counter}:
			case <-gctx.Done():
				return gctx.Err()
			}
			counter++
		}
		return nil
	})

	// W3: await the video download started by the fetcher, probe it, and
	// hand the media description to the composer.
	g.Go(func() error {
		defer close(videoReady)
		select {
		case v := <-fetched.Video:
			if v.Err != nil {
				return v.Err
			}
			paths.VideoPath = v.Path

			durationMS, err := p.prober.DurationMS(gctx, v.Path)
			if err != nil {
				return fmt.Errorf("probing video duration: %w", err)
			}
			width, height, err := p.prober.Resolution(gctx, v.Path)
			if err != nil {
				// Subtitles fall back to their design resolution.
				logger.Warn("probing video resolution failed",
					slog.String("error", err.Error()))
				width, height = 0, 0
			}

			videoReady <- mixer.Media{
				SilentVideoPath:  v.Path,
				InstrumentalPath: fetched.InstrumentalPath,
				VideoDurationMS:  durationMS,
				Width:            width,
				Height:           height,
			}
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	// W4: compose and publish. Waits for W3 so the publisher and segment
	// cutting have a video to work against.
	g.Go(func() error {
		var media mixer.Media
		select {
		case m, ok := <-videoReady:
			if !ok {
				return errors.New("video preparation aborted")
			}
			media = m
		case <-gctx.Done():
			return gctx.Err()
		}

		publisher, err := p.publishers.New(gctx, taskID, paths)
		if err != nil {
			return fmt.Errorf("initializing hls publisher: %w", err)
		}

		published := 0
		for msg := range q2 {
			mp4, err := p.composer.Compose(gctx, msg.batch, msg.counter, media, paths)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// A bad batch leaves a gap in the output rather than
				// sinking the whole task.
				result.DroppedBatches++
				logger.Error("batch dropped",
					slog.Int("batch", msg.counter),
					slog.String("error", err.Error()))
				continue
			}
			if err := publisher.AddSegment(gctx, mp4, msg.counter); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				result.DroppedBatches++
				logger.Error("segment publication failed",
					slog.Int("batch", msg.counter),
					slog.String("error", err.Error()))
				continue
			}
			published++
		}

		if published == 0 {
			return errors.New("no batches were composed")
		}

		final, err := publisher.Finalize(gctx)
		if err != nil {
			return fmt.Errorf("finalizing stream: %w", err)
		}
		result.FinalVideoPath = final
		result.PlaylistURL = publisher.PlaylistURL(p.cfg.Store.Object.PublicBaseURL)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// fail records the error on the task and returns it.
func (p *Pipeline) fail(ctx context.Context, taskID string, err error) error {
	message := err.Error()
	if errors.Is(err, store.ErrNotFound) {
		message = store.NotFoundMessage
	}
	p.setStatus(ctx, taskID, models.StatusError, message)
	p.record(taskID, models.StatusError, "", message)
	p.logger.Error("pipeline failed",
		slog.String("task_id", taskID),
		slog.String("error", err.Error()))
	return err
}

// setStatus writes the task status; the KV client retries internally. The
// write itself failing must not mask the pipeline outcome, so it only logs.
func (p *Pipeline) setStatus(ctx context.Context, taskID, status, errorMessage string) {
	// Status writes should survive pipeline cancellation.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := p.kv.UpdateTaskStatus(ctx, taskID, status, errorMessage); err != nil {
		p.logger.Error("status update failed",
			slog.String("task_id", taskID),
			slog.String("status", status),
			slog.String("error", err.Error()))
	}
}

func (p *Pipeline) record(taskID, status, playlistURL, errorMessage string) {
	if p.journal == nil {
		return
	}
	p.journal.Record(taskID, status, playlistURL, errorMessage)
}
