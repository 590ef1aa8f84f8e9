package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/streamdub/streamdub/internal/align"
	"github.com/streamdub/streamdub/internal/config"
	"github.com/streamdub/streamdub/internal/fetcher"
	"github.com/streamdub/streamdub/internal/ffmpeg"
	"github.com/streamdub/streamdub/internal/hls"
	"github.com/streamdub/streamdub/internal/journal"
	"github.com/streamdub/streamdub/internal/mixer"
	"github.com/streamdub/streamdub/internal/pipeline"
	"github.com/streamdub/streamdub/internal/scratch"
	"github.com/streamdub/streamdub/internal/separation"
	"github.com/streamdub/streamdub/internal/simplify"
	"github.com/streamdub/streamdub/internal/slicer"
	"github.com/streamdub/streamdub/internal/store"
	"github.com/streamdub/streamdub/internal/subtitle"
	"github.com/streamdub/streamdub/internal/tts"
)

// app bundles the long-lived process components.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	gateway  *store.Gateway
	journal  *journal.Journal
	pipeline *pipeline.Pipeline
}

// publisherFactory creates one HLS publisher per task run.
type publisherFactory struct {
	cfg    config.HLSConfig
	object store.Object
	ops    hls.SegmentOps
	sem    *semaphore.Weighted
	logger *slog.Logger
}

func (f *publisherFactory) New(ctx context.Context, taskID string, paths *scratch.Manager) (pipeline.Publisher, error) {
	return hls.NewPublisher(ctx, taskID, f.cfg, f.object, f.ops, f.sem, paths, f.logger)
}

// buildApp wires the whole pipeline from configuration.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.ValidateStores(); err != nil {
		return nil, fmt.Errorf("validating store configuration: %w", err)
	}

	gateway, err := store.NewGateway(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing stores: %w", err)
	}

	jnl, err := journal.Open(cfg.Journal, logger)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	runner := ffmpeg.NewRunner(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.Timeout)
	prober := ffmpeg.NewProber(cfg.FFmpeg.ProbePath, cfg.FFmpeg.Timeout)

	separator := separation.New(cfg.Separation, logger)
	clips := slicer.New(cfg.Clip, cfg.Audio.SilenceFadeMS, logger)
	fetch := fetcher.New(gateway.KV, gateway.Object, runner, separator, clips, logger)

	synth := tts.NewHTTPSynthesizer(cfg.TTS.Endpoint, cfg.TTS.Timeout)
	producer := tts.NewProducer(synth, cfg.Pipeline.TTSBatchSize, cfg.TTS.SaveAudio, logger)

	var simplifier simplify.Simplifier
	if cfg.Simplifier.APIKey != "" {
		s, err := simplify.New(cfg.Simplifier, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing simplifier: %w", err)
		}
		simplifier = s
	} else {
		logger.Warn("no simplifier api key configured, over-speed sentences keep their text")
	}
	aligner := align.New(cfg.Pipeline.MaxSpeed, simplifier, producer, logger)

	material := mixer.NewMaterializer(runner, cfg.Audio.TargetSampleRate, cfg.Audio.SilenceFadeMS, logger)

	var subtitles mixer.SubtitleWriter
	if cfg.Subtitle.Enabled {
		subtitles = subtitle.NewGenerator(cfg.Subtitle.Language, logger)
	}
	composer := mixer.New(cfg.Audio, cfg.Pipeline.CleanupInterval, runner, subtitles, logger)

	publishers := &publisherFactory{
		cfg:    cfg.HLS,
		object: gateway.Object,
		ops:    runner,
		sem:    semaphore.NewWeighted(int64(cfg.HLS.UploadWorkers)),
		logger: logger,
	}

	pipe := pipeline.New(cfg, gateway.KV, fetch, producer, aligner, material,
		composer, publishers, prober, jnl, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		gateway:  gateway,
		journal:  jnl,
		pipeline: pipe,
	}, nil
}

func (a *app) close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("closing journal failed", slog.String("error", err.Error()))
		}
	}
}
