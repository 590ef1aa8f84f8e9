package tts

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/streamdub/streamdub/internal/audio"
	"github.com/streamdub/streamdub/internal/models"
)

// Producer synthesizes sentences in order and emits them in batches.
type Producer struct {
	synth     Synthesizer
	batchSize int
	saveAudio bool
	logger    *slog.Logger

	// The model is not reentrant; calls are serialized across goroutines.
	mu sync.Mutex
}

// NewProducer creates a Producer.
func NewProducer(synth Synthesizer, batchSize int, saveAudio bool, logger *slog.Logger) *Producer {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Producer{
		synth:     synth,
		batchSize: batchSize,
		saveAudio: saveAudio,
		logger:    logger,
	}
}

// Stream synthesizes each sentence and writes full batches to out. A
// synthesis failure leaves the sentence with nil audio and zero duration so
// downstream stages can account for it; the stream keeps going. Stream does
// not close out; the caller owns the channel.
func (p *Producer) Stream(ctx context.Context, sentences []*models.Sentence, debugDir string, out chan<- models.Batch) error {
	if len(sentences) == 0 {
		p.logger.Warn("no sentences to synthesize")
		return nil
	}

	batch := make(models.Batch, 0, p.batchSize)
	for _, sentence := range sentences {
		if err := ctx.Err(); err != nil {
			return err
		}

		p.synthesize(ctx, sentence, debugDir)

		batch = append(batch, sentence)
		if len(batch) >= p.batchSize {
			if err := send(ctx, out, batch); err != nil {
				return err
			}
			batch = make(models.Batch, 0, p.batchSize)
		}
	}

	if len(batch) > 0 {
		if err := send(ctx, out, batch); err != nil {
			return err
		}
	}

	// Release synthesis buffers before the downstream stages churn.
	runtime.GC()
	return nil
}

func (p *Producer) synthesize(ctx context.Context, sentence *models.Sentence, debugDir string) {
	if sentence.PromptAudioPath == "" {
		p.logger.Warn("sentence has no speaker reference, skipping synthesis",
			slog.Int("sequence", sentence.Sequence))
		sentence.GeneratedAudio = nil
		sentence.DurationMS = 0
		return
	}

	p.mu.Lock()
	raw, sampleRate, err := p.synth.Synthesize(ctx, sentence.PromptAudioPath, sentence.TranslatedText)
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("synthesis failed",
			slog.Int("sequence", sentence.Sequence),
			slog.String("error", err.Error()))
		sentence.GeneratedAudio = nil
		sentence.DurationMS = 0
		return
	}

	pcm := audio.Int16ToFloat32(raw)
	sentence.GeneratedAudio = pcm
	sentence.DurationMS = audio.DurationMS(pcm, sampleRate)

	if p.saveAudio && debugDir != "" {
		path := filepath.Join(debugDir,
			fmt.Sprintf("sentence_%d_%s.wav", sentence.Sequence, sentence.Speaker))
		if err := audio.WriteWAV(path, pcm, sampleRate); err != nil {
			p.logger.Warn("saving debug audio failed", slog.String("error", err.Error()))
		}
	}
}

// Resynthesize regenerates audio for the given sentences in place. The
// aligner uses it after simplification shortened a translation.
func (p *Producer) Resynthesize(ctx context.Context, sentences []*models.Sentence) {
	for _, sentence := range sentences {
		p.synthesize(ctx, sentence, "")
	}
}

func send(ctx context.Context, out chan<- models.Batch, batch models.Batch) error {
	select {
	case out <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
