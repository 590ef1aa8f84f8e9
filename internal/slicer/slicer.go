// Package slicer builds speaker-reference clips from the separated vocal
// track. One clip is produced per contiguous same-speaker run so the speech
// synthesizer has enough of each voice to clone.
package slicer

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/streamdub/streamdub/internal/audio"
	"github.com/streamdub/streamdub/internal/config"
	"github.com/streamdub/streamdub/internal/models"
)

// Slicer groups sentences into speaker blocks and extracts stitched clips.
type Slicer struct {
	cfg    config.ClipConfig
	fadeMS int
	logger *slog.Logger
}

// New creates a Slicer.
func New(cfg config.ClipConfig, fadeMS int, logger *slog.Logger) *Slicer {
	return &Slicer{cfg: cfg, fadeMS: fadeMS, logger: logger}
}

// block is a contiguous same-speaker run of sentences.
type block struct {
	speaker   string
	sentences []*models.Sentence
	// padded [start, end] per sentence, source timeline, ms.
	intervals [][2]int64
}

// Slice builds clips from the vocals file and assigns PromptAudioPath on
// every covered sentence. Sentences whose block never reached the minimum
// clip length fall back to another clip of the same speaker when one exists.
func (s *Slicer) Slice(sentences []*models.Sentence, vocalsPath, outDir string) ([]*models.AudioClip, error) {
	if len(sentences) == 0 {
		return nil, nil
	}

	vocals, sampleRate, err := audio.ReadWAV(vocalsPath)
	if err != nil {
		return nil, fmt.Errorf("reading vocals: %w", err)
	}

	blocks := s.groupBlocks(sentences)

	var clips []*models.AudioClip
	speakerClip := make(map[string]*models.AudioClip)

	for _, blk := range blocks {
		clip := s.buildClip(blk, vocals, sampleRate, outDir, len(clips))
		if clip == nil {
			continue
		}
		clips = append(clips, clip)
		if _, ok := speakerClip[blk.speaker]; !ok {
			speakerClip[blk.speaker] = clip
		}
		// Every sentence of the block maps to the clip, including tail
		// sequences that were truncated out of the extracted audio.
		for _, sent := range blk.sentences {
			sent.PromptAudioPath = clip.Path
		}
	}

	// Fallback for blocks too short to produce their own clip.
	for _, sent := range sentences {
		if sent.PromptAudioPath == "" {
			if clip, ok := speakerClip[sent.Speaker]; ok {
				sent.PromptAudioPath = clip.Path
			}
		}
	}

	return clips, nil
}

// groupBlocks splits sentences into same-speaker runs. Unless configured
// otherwise, a gap in the sequence numbering (non-speech material between
// rows) also starts a new block.
func (s *Slicer) groupBlocks(sentences []*models.Sentence) []*block {
	var blocks []*block
	var cur *block
	lastSeq := 0

	for _, sent := range sentences {
		pStart := sent.StartMS - s.cfg.PaddingMS
		if pStart < 0 {
			pStart = 0
		}
		pEnd := sent.EndMS + s.cfg.PaddingMS

		newBlock := cur == nil || sent.Speaker != cur.speaker
		if !newBlock && !s.cfg.AllowCrossNonSpeech && sent.Sequence != lastSeq+1 {
			newBlock = true
		}

		if newBlock {
			cur = &block{speaker: sent.Speaker}
			blocks = append(blocks, cur)
		}
		cur.sentences = append(cur.sentences, sent)
		cur.intervals = append(cur.intervals, [2]int64{pStart, pEnd})
		lastSeq = sent.Sequence
	}

	return blocks
}

// buildClip selects the block's intervals under the duration budget, merges
// them, extracts and stitches PCM, and writes one WAV. Returns nil for
// blocks below the minimum length.
func (s *Slicer) buildClip(blk *block, vocals []float32, sampleRate int, outDir string, clipIndex int) *models.AudioClip {
	var total int64
	for _, iv := range blk.intervals {
		total += iv[1] - iv[0]
	}
	if total < s.cfg.MinDurationMS {
		return nil
	}

	selected := blk.intervals
	if total > s.cfg.GoalDurationMS {
		selected = s.truncateToGoal(blk.intervals)
	}

	merged := mergeIntervals(selected)

	pcm := s.stitch(merged, vocals, sampleRate)
	if len(pcm) == 0 {
		return nil
	}
	audio.Normalize(pcm, 1.0)

	clipID := fmt.Sprintf("Clip_%d", clipIndex)
	path := filepath.Join(outDir, clipID+".wav")
	if err := audio.WriteWAV(path, pcm, sampleRate); err != nil {
		s.logger.Warn("writing speaker clip failed",
			slog.String("clip", clipID), slog.String("error", err.Error()))
		return nil
	}

	var clipTotal int64
	for _, iv := range merged {
		clipTotal += iv[1] - iv[0]
	}

	return &models.AudioClip{
		ID:              clipID,
		Speaker:         blk.speaker,
		TotalDurationMS: float64(clipTotal),
		Segments:        merged,
		Path:            path,
	}
}

// truncateToGoal accumulates intervals in order until the next would exceed
// the goal, then includes a truncated tail that fills the remaining budget
// exactly.
func (s *Slicer) truncateToGoal(intervals [][2]int64) [][2]int64 {
	var out [][2]int64
	var used int64

	for _, iv := range intervals {
		d := iv[1] - iv[0]
		if used+d <= s.cfg.GoalDurationMS {
			out = append(out, iv)
			used += d
			continue
		}
		remaining := s.cfg.GoalDurationMS - used
		if remaining > 0 {
			out = append(out, [2]int64{iv[0], iv[0] + remaining})
		}
		break
	}
	return out
}

// mergeIntervals sorts and coalesces overlapping [start, end] spans.
func mergeIntervals(intervals [][2]int64) [][2]int64 {
	if len(intervals) == 0 {
		return nil
	}
	sorted := make([][2]int64, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i][0] < sorted[j][0] })

	merged := [][2]int64{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &merged[len(merged)-1]
		if iv[0] <= last[1] {
			if iv[1] > last[1] {
				last[1] = iv[1]
			}
		} else {
			merged = append(merged, iv)
		}
	}
	return merged
}

// stitch extracts each interval from the vocals and concatenates them with
// a fade-in on the first span, a fade-out on the last, and symmetric short
// fades at interior seams.
func (s *Slicer) stitch(intervals [][2]int64, vocals []float32, sampleRate int) []float32 {
	var out []float32

	for _, iv := range intervals {
		start := int(iv[0]) * sampleRate / 1000
		end := int(iv[1]) * sampleRate / 1000
		if start >= len(vocals) {
			continue
		}
		if end > len(vocals) {
			end = len(vocals)
		}
		if end <= start {
			continue
		}

		span := make([]float32, end-start)
		copy(span, vocals[start:end])

		// Fading both edges of every span yields the required fade-in on
		// the first, fade-out on the last, and symmetric interior seams.
		fade := audio.FadeSamples(s.fadeMS, sampleRate, len(span))
		audio.FadeIn(span, fade)
		audio.FadeOut(span, fade)

		out = append(out, span...)
	}

	return out
}
