package mixer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamdub/streamdub/internal/audio"
	"github.com/streamdub/streamdub/internal/config"
	"github.com/streamdub/streamdub/internal/models"
	"github.com/streamdub/streamdub/internal/scratch"
)

const testSR = 24000

func testAudioConfig() config.AudioConfig {
	return config.AudioConfig{
		TargetSampleRate:       testSR,
		Overlap:                1024,
		SilenceFadeMS:          25,
		NormalizationThreshold: 0.9,
		VocalsVolume:           0.7,
		BackgroundVolume:       0.3,
		MaxBufferDuration:      10,
	}
}

func tone(ms int, amp float32) []float32 {
	pcm := make([]float32, ms*testSR/1000)
	for i := range pcm {
		pcm[i] = amp
	}
	return pcm
}

// fakeStretcher resamples by simple length scaling.
type fakeStretcher struct{ err error }

func (f *fakeStretcher) TimeStretch(ctx context.Context, pcm []float32, sampleRate int, speed float64) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return make([]float32, int(float64(len(pcm))/speed)), nil
}

func TestMaterializerAppliesSpeedAndSilence(t *testing.T) {
	s := &models.Sentence{
		Sequence:        1,
		GeneratedAudio:  tone(2000, 0.5),
		DurationMS:      2000,
		Speed:           2.0,
		EndingSilenceMS: 500,
	}

	m := NewMaterializer(&fakeStretcher{}, testSR, 25, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, m.Apply(context.Background(), models.Batch{s}))

	// 2000 ms at double speed plus 500 ms of silence.
	wantSamples := testSR + 500*testSR/1000
	assert.Len(t, s.GeneratedAudio, wantSamples)

	// Trailing silence really is silent.
	tail := s.GeneratedAudio[len(s.GeneratedAudio)-100:]
	for _, v := range tail {
		assert.Zero(t, v)
	}
}

func TestMaterializerPrependsLeadingSilence(t *testing.T) {
	s := &models.Sentence{
		Sequence:       1,
		IsFirst:        true,
		StartMS:        1000,
		GeneratedAudio: tone(500, 0.5),
		DurationMS:     500,
		Speed:          1.0,
	}

	m := NewMaterializer(&fakeStretcher{}, testSR, 25, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, m.Apply(context.Background(), models.Batch{s}))

	require.Len(t, s.GeneratedAudio, testSR+500*testSR/1000)
	for _, v := range s.GeneratedAudio[:testSR] {
		assert.Zero(t, v)
	}
}

func TestMaterializerStretchFailureKeepsOriginal(t *testing.T) {
	pcm := tone(1000, 0.5)
	s := &models.Sentence{Sequence: 1, GeneratedAudio: pcm, DurationMS: 1000, Speed: 1.5}

	m := NewMaterializer(&fakeStretcher{err: errors.New("boom")}, testSR, 25, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, m.Apply(context.Background(), models.Batch{s}))

	assert.Len(t, s.GeneratedAudio, len(pcm))
}

func TestMaterializerOutOfRangeStretchFailsBatch(t *testing.T) {
	s := &models.Sentence{Sequence: 3, GeneratedAudio: tone(1000, 0.5), DurationMS: 1000, Speed: 150}

	stretchErr := fmt.Errorf("atempo=150: %w", audio.ErrStretchOutOfRange)
	m := NewMaterializer(&fakeStretcher{err: stretchErr}, testSR, 25, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := m.Apply(context.Background(), models.Batch{s})
	require.ErrorIs(t, err, audio.ErrStretchOutOfRange)
	assert.Contains(t, err.Error(), "sentence 3")
}

func TestMaterializerSkipsMissingAudio(t *testing.T) {
	s := &models.Sentence{Sequence: 1, Speed: 1.2, SpeechDurationMS: 42}

	m := NewMaterializer(&fakeStretcher{}, testSR, 25, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, m.Apply(context.Background(), models.Batch{s}))

	assert.Nil(t, s.GeneratedAudio)
	assert.Zero(t, s.SpeechDurationMS)
}

func TestStamperContinuity(t *testing.T) {
	st := NewStamper(testSR, slog.New(slog.NewTextHandler(io.Discard, nil)))

	first := models.Batch{
		{Sequence: 1, GeneratedAudio: tone(2000, 0.5)},
		{Sequence: 2, GeneratedAudio: tone(1500, 0.5)},
	}
	end := st.Stamp(first)
	assert.InDelta(t, 3500.0, end, 1.0)

	second := models.Batch{
		{Sequence: 3, GeneratedAudio: tone(1000, 0.5)},
		{Sequence: 4}, // failed synthesis occupies zero time
		{Sequence: 5, GeneratedAudio: tone(500, 0.5)},
	}
	end = st.Stamp(second)
	assert.InDelta(t, 5000.0, end, 1.0)
	assert.Equal(t, end, st.ClockMS())

	// Continuity across all stamped sentences.
	all := append(first, second...)
	for i := 0; i < len(all)-1; i++ {
		expected := all[i].AdjustedStartMS + all[i].AdjustedDurationMS
		assert.InDelta(t, expected, all[i+1].AdjustedStartMS, 1.0)
	}

	// Stamped duration matches the audio length.
	for _, s := range all {
		assert.InDelta(t, audio.DurationMS(s.GeneratedAudio, testSR), s.AdjustedDurationMS, 1.0)
	}
}

// fakeVideo records the cut window and snapshots the mixed audio during mux.
type fakeVideo struct {
	cutStart, cutDuration float64
	muxed                 bool
	subtitled             bool
	peak                  float64
	mixedSamples          int
}

func (f *fakeVideo) CutVideo(ctx context.Context, input string, startSec, durationSec float64, output string) error {
	f.cutStart, f.cutDuration = startSec, durationSec
	return os.WriteFile(output, []byte("video"), 0o644)
}

func (f *fakeVideo) Mux(ctx context.Context, videoIn, audioIn, output string) error {
	f.muxed = true
	f.snapshot(audioIn)
	return os.WriteFile(output, []byte("segment"), 0o644)
}

func (f *fakeVideo) MuxWithSubtitles(ctx context.Context, videoIn, audioIn, assPath, output string) error {
	f.subtitled = true
	f.snapshot(audioIn)
	return os.WriteFile(output, []byte("segment"), 0o644)
}

func (f *fakeVideo) snapshot(audioIn string) {
	pcm, _, err := audio.ReadWAV(audioIn)
	if err != nil {
		return
	}
	f.mixedSamples = len(pcm)
	f.peak = audio.Peak(pcm)
}

func stampedBatch(t *testing.T, startMS float64, durationsMS []int, isFirst, isLast bool) models.Batch {
	t.Helper()
	batch := make(models.Batch, len(durationsMS))
	clock := startMS
	for i, d := range durationsMS {
		batch[i] = &models.Sentence{
			Sequence:           i + 1,
			GeneratedAudio:     tone(d, 1.0),
			AdjustedStartMS:    clock,
			AdjustedDurationMS: float64(d),
		}
		clock += float64(d)
	}
	batch[0].IsFirst = isFirst
	batch[len(batch)-1].IsLast = isLast
	return batch
}

func newTestMixer(t *testing.T, video VideoOps) (*Mixer, *scratch.Manager) {
	t.Helper()
	paths, err := scratch.NewManager(t.TempDir(), "T1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = paths.Cleanup() })
	return New(testAudioConfig(), 5, video, nil, slog.New(slog.NewTextHandler(io.Discard, nil))), paths
}

func TestComposeVocalsOnly(t *testing.T) {
	video := &fakeVideo{}
	m, paths := newTestMixer(t, video)

	batch := stampedBatch(t, 0, []int{2000, 1000}, true, false)
	path, err := m.Compose(context.Background(), batch, 0, Media{SilentVideoPath: "in.mp4"}, paths)
	require.NoError(t, err)
	assert.Equal(t, paths.SegmentPath(0), path)
	assert.FileExists(t, path)

	assert.True(t, video.muxed)
	assert.Zero(t, video.cutStart, "opening batch starts at zero")
	assert.InDelta(t, 3.0, video.cutDuration, 1e-6)
	assert.LessOrEqual(t, video.peak, 0.9+1e-6, "level bound holds without background")
}

func TestComposeMixesBackground(t *testing.T) {
	video := &fakeVideo{}
	m, paths := newTestMixer(t, video)

	bgPath := paths.InstrumentalPath()
	require.NoError(t, audio.WriteWAV(bgPath, tone(10000, 0.9), testSR))

	batch := stampedBatch(t, 2000, []int{2000}, false, false)
	for i := range batch[0].GeneratedAudio {
		batch[0].GeneratedAudio[i] = 0.8
	}
	_, err := m.Compose(context.Background(), batch, 1, Media{
		SilentVideoPath:  "in.mp4",
		InstrumentalPath: bgPath,
	}, paths)
	require.NoError(t, err)

	assert.InDelta(t, 2.0, video.cutStart, 1e-6, "window starts at the batch stamp")
	assert.LessOrEqual(t, video.peak, 0.9+1e-6)
	// 0.7·0.8 vocals + 0.3·0.9 background stays under the threshold, so the
	// mix keeps its computed level untouched.
	assert.InDelta(t, 0.7*0.8+0.3*0.9, video.peak, 1e-3)
}

func TestComposeFinalBatchPadsToVideoEnd(t *testing.T) {
	video := &fakeVideo{}
	m, paths := newTestMixer(t, video)

	batch := stampedBatch(t, 0, []int{2000}, true, true)
	_, err := m.Compose(context.Background(), batch, 0, Media{
		SilentVideoPath: "in.mp4",
		VideoDurationMS: 5000,
	}, paths)
	require.NoError(t, err)

	assert.InDelta(t, 5.0, video.cutDuration, 1e-6)
	assert.Equal(t, 5*testSR, video.mixedSamples)
}

func TestComposeRequiresVideo(t *testing.T) {
	m, paths := newTestMixer(t, &fakeVideo{})
	batch := stampedBatch(t, 0, []int{1000}, true, false)

	_, err := m.Compose(context.Background(), batch, 0, Media{}, paths)
	require.Error(t, err)
}

func TestComposeRejectsSilentBatch(t *testing.T) {
	m, paths := newTestMixer(t, &fakeVideo{})
	batch := models.Batch{{Sequence: 1}, {Sequence: 2}}

	_, err := m.Compose(context.Background(), batch, 0, Media{SilentVideoPath: "in.mp4"}, paths)
	require.Error(t, err)
}

func TestComposeCrossFadesAgainstPreviousBatch(t *testing.T) {
	video := &fakeVideo{}
	m, paths := newTestMixer(t, video)

	first := stampedBatch(t, 0, []int{1000}, true, false)
	_, err := m.Compose(context.Background(), first, 0, Media{SilentVideoPath: "in.mp4"}, paths)
	require.NoError(t, err)
	require.Positive(t, m.tail.Len(), "tail buffer carries across batches")

	second := stampedBatch(t, 1000, []int{1000}, false, false)
	// Negate the second batch so the cross-fade against the positive tail
	// visibly attenuates the head.
	for i := range second[0].GeneratedAudio {
		second[0].GeneratedAudio[i] = -1.0
	}
	_, err = m.Compose(context.Background(), second, 1, Media{SilentVideoPath: "in.mp4"}, paths)
	require.NoError(t, err)

	assert.Equal(t, testSR, video.mixedSamples, "blend preserves batch length")
	assert.LessOrEqual(t, video.peak, 0.9+1e-6)
}

func TestTimeParams(t *testing.T) {
	opening := stampedBatch(t, 0, []int{1000, 500}, true, false)
	start, dur := timeParams(opening)
	assert.Zero(t, start)
	assert.InDelta(t, 1.5, dur, 1e-9)

	mid := stampedBatch(t, 7250, []int{1000}, false, false)
	start, dur = timeParams(mid)
	assert.InDelta(t, 7.25, start, 1e-9)
	assert.InDelta(t, 1.0, dur, 1e-9)
}

func TestNormalizeBoundProperty(t *testing.T) {
	// Hot vocals over a hot background still respect the output ceiling.
	video := &fakeVideo{}
	m, paths := newTestMixer(t, video)

	bgPath := paths.InstrumentalPath()
	require.NoError(t, audio.WriteWAV(bgPath, tone(5000, 1.0), testSR))

	batch := stampedBatch(t, 0, []int{1000}, true, false)
	for i := range batch[0].GeneratedAudio {
		batch[0].GeneratedAudio[i] = float32(math.Pow(-1, float64(i)))
	}
	_, err := m.Compose(context.Background(), batch, 0, Media{
		SilentVideoPath:  "in.mp4",
		InstrumentalPath: bgPath,
	}, paths)
	require.NoError(t, err)
	assert.LessOrEqual(t, video.peak, 0.9+1e-6)
}
