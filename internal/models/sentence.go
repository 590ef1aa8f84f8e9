// Package models defines the core domain types carried through the dubbing
// pipeline: sentences, batches, speaker-reference clips, and task state.
package models

// Sentence is the atomic unit carried end-to-end through the pipeline.
// Source fields are immutable after fetch; derived fields are each written by
// exactly one stage (slicer, synthesizer, aligner, timestamper) in that order.
type Sentence struct {
	TaskID   string
	Sequence int

	// Source fields, set by the fetcher.
	OriginalText   string
	TranslatedText string
	Speaker        string
	StartMS        int64
	EndMS          int64
	IsFirst        bool
	IsLast         bool

	// TargetDurationMS is the wall-clock length the synthetic audio should
	// occupy to stay aligned with the source (EndMS - StartMS).
	TargetDurationMS float64

	// PromptAudioPath is the speaker-reference clip path, set by the slicer.
	// Empty when slicing failed; such sentences skip synthesis.
	PromptAudioPath string

	// GeneratedAudio is mono float32 PCM at the target sample rate, set by
	// the TTS producer. Nil when synthesis failed; DurationMS is then 0.
	GeneratedAudio []float32
	DurationMS     float64

	// Alignment annotations, set by the aligner.
	Speed            float64
	EndingSilenceMS  float64
	SpeechDurationMS float64

	// Output-track position in milliseconds, set by the timestamper.
	AdjustedStartMS    float64
	AdjustedDurationMS float64
}

// Batch is a contiguous run of sentences handed between stages as one unit.
// Batch boundaries are chosen by the TTS producer and preserved downstream.
type Batch []*Sentence

// AudioClip is a stitched speaker-reference clip built by the slicer.
type AudioClip struct {
	ID              string
	Speaker         string
	TotalDurationMS float64
	// Segments are the coalesced [start, end] intervals in the source
	// timeline, in milliseconds.
	Segments [][2]int64
	Path     string
}

// MediaPaths holds the object-store keys of a task's source media.
type MediaPaths struct {
	AudioPath string
	VideoPath string
}
