package fetcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamdub/streamdub/internal/audio"
	"github.com/streamdub/streamdub/internal/config"
	"github.com/streamdub/streamdub/internal/models"
	"github.com/streamdub/streamdub/internal/scratch"
	"github.com/streamdub/streamdub/internal/separation"
	"github.com/streamdub/streamdub/internal/slicer"
	"github.com/streamdub/streamdub/internal/store"
)

const testSR = 24000

type fakeKV struct {
	task      *store.TaskRecord
	sentences []*models.Sentence
	media     models.MediaPaths
	taskErr   error
}

func (f *fakeKV) GetTask(ctx context.Context, taskID string) (*store.TaskRecord, error) {
	return f.task, f.taskErr
}

func (f *fakeKV) GetSegments(ctx context.Context, taskID string) ([]*models.Sentence, error) {
	return f.sentences, nil
}

func (f *fakeKV) GetMediaPaths(ctx context.Context, taskID string) (models.MediaPaths, error) {
	return f.media, nil
}

func (f *fakeKV) UpdateTaskStatus(ctx context.Context, taskID, status, errorMessage string) error {
	return nil
}

func (f *fakeKV) Ping(ctx context.Context) error { return nil }

type fakeObject struct {
	blobs map[string][]byte
}

func (f *fakeObject) Download(ctx context.Context, key string) ([]byte, error) {
	data, ok := f.blobs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (f *fakeObject) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	f.blobs[key] = body
	return nil
}

func (f *fakeObject) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := f.blobs[key]
	return ok, nil
}

func (f *fakeObject) Ping(ctx context.Context) error { return nil }

// fakeExtractor pretends to decode the source by writing a known PCM track
// and marks the silent video so tests can tell it from the raw download.
type fakeExtractor struct {
	pcm      []float32
	err      error
	videoErr error
}

func (f *fakeExtractor) ExtractAudio(ctx context.Context, input, output string) error {
	if f.err != nil {
		return f.err
	}
	return audio.WriteWAV(output, f.pcm, testSR)
}

func (f *fakeExtractor) ExtractSilentVideo(ctx context.Context, input, output string) error {
	if f.videoErr != nil {
		return f.videoErr
	}
	return os.WriteFile(output, []byte("silent-video"), 0o644)
}

// fakeSeparator writes both stems from the input track.
type fakeSeparator struct{ err error }

func (f *fakeSeparator) Available() bool { return true }

func (f *fakeSeparator) Separate(ctx context.Context, input, vocalsOut, instrumentalOut string) error {
	if f.err != nil {
		return f.err
	}
	pcm, sr, err := audio.ReadWAV(input)
	if err != nil {
		return err
	}
	if err := audio.WriteWAV(vocalsOut, pcm, sr); err != nil {
		return err
	}
	return audio.WriteWAV(instrumentalOut, pcm, sr)
}

func testSentences() []*models.Sentence {
	return []*models.Sentence{
		{TaskID: "T1", Sequence: 1, Speaker: "S1", StartMS: 0, EndMS: 2000, TranslatedText: "你好", IsFirst: true, TargetDurationMS: 2000},
		{TaskID: "T1", Sequence: 2, Speaker: "S1", StartMS: 2000, EndMS: 4000, TranslatedText: "世界", IsLast: true, TargetDurationMS: 2000},
	}
}

func newTestFetcher(t *testing.T, kv store.KV, object store.Object, extractor MediaExtractor, sep separation.Separator) (*Fetcher, *scratch.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sl := slicer.New(config.ClipConfig{
		GoalDurationMS: 12000,
		MinDurationMS:  1000,
		PaddingMS:      200,
	}, 25, logger)

	paths, err := scratch.NewManager(t.TempDir(), "T1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = paths.Cleanup() })

	return New(kv, object, extractor, sep, sl, logger), paths
}

func tone(ms int) []float32 {
	pcm := make([]float32, ms*testSR/1000)
	for i := range pcm {
		pcm[i] = 0.3
	}
	return pcm
}

func TestFetchHappyPath(t *testing.T) {
	kv := &fakeKV{
		task:      &store.TaskRecord{ID: "T1", Status: models.StatusPending},
		sentences: testSentences(),
		media:     models.MediaPaths{AudioPath: "audio/T1.mp3", VideoPath: "video/T1.mp4"},
	}
	object := &fakeObject{blobs: map[string][]byte{
		"audio/T1.mp3": []byte("compressed-audio"),
		"video/T1.mp4": []byte("compressed-video"),
	}}

	f, paths := newTestFetcher(t, kv, object, &fakeExtractor{pcm: tone(6000)}, separation.Disabled{})
	result, err := f.Fetch(context.Background(), "T1", paths)
	require.NoError(t, err)

	assert.Equal(t, "T1", result.Task.ID)
	assert.Len(t, result.Sentences, 2)
	assert.Empty(t, result.InstrumentalPath, "separation disabled")
	assert.Equal(t, paths.OriginalAudioPath(), result.VocalsPath)

	// Every sentence received a speaker-reference clip.
	for _, s := range result.Sentences {
		assert.NotEmpty(t, s.PromptAudioPath, "sequence %d", s.Sequence)
		assert.FileExists(t, s.PromptAudioPath)
	}

	select {
	case v := <-result.Video:
		require.NoError(t, v.Err)
		assert.Equal(t, paths.SilentVideoPath("video/T1.mp4"), v.Path,
			"the future delivers the stripped copy, not the raw download")
		data, err := os.ReadFile(v.Path)
		require.NoError(t, err)
		assert.Equal(t, "silent-video", string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("video download never completed")
	}
}

func TestFetchSilentExtractionFailureSurfacesInFuture(t *testing.T) {
	kv := &fakeKV{
		task:      &store.TaskRecord{ID: "T1"},
		sentences: testSentences(),
		media:     models.MediaPaths{AudioPath: "a", VideoPath: "v.mp4"},
	}
	object := &fakeObject{blobs: map[string][]byte{"a": {1}, "v.mp4": {2}}}

	extractor := &fakeExtractor{pcm: tone(6000), videoErr: errors.New("no video stream")}
	f, paths := newTestFetcher(t, kv, object, extractor, separation.Disabled{})

	result, err := f.Fetch(context.Background(), "T1", paths)
	require.NoError(t, err)

	v := <-result.Video
	require.Error(t, v.Err)
	assert.Contains(t, v.Err.Error(), "stripping audio track")
}

func TestFetchWithSeparation(t *testing.T) {
	kv := &fakeKV{
		task:      &store.TaskRecord{ID: "T1"},
		sentences: testSentences(),
		media:     models.MediaPaths{AudioPath: "a", VideoPath: "v"},
	}
	object := &fakeObject{blobs: map[string][]byte{"a": {1}, "v": {2}}}

	f, paths := newTestFetcher(t, kv, object, &fakeExtractor{pcm: tone(6000)}, &fakeSeparator{})
	result, err := f.Fetch(context.Background(), "T1", paths)
	require.NoError(t, err)

	assert.Equal(t, paths.VocalsPath(), result.VocalsPath)
	assert.Equal(t, paths.InstrumentalPath(), result.InstrumentalPath)
	assert.FileExists(t, result.InstrumentalPath)
}

func TestFetchSeparationFailureDegrades(t *testing.T) {
	kv := &fakeKV{
		task:      &store.TaskRecord{ID: "T1"},
		sentences: testSentences(),
		media:     models.MediaPaths{AudioPath: "a", VideoPath: "v"},
	}
	object := &fakeObject{blobs: map[string][]byte{"a": {1}, "v": {2}}}

	f, paths := newTestFetcher(t, kv, object, &fakeExtractor{pcm: tone(6000)}, &fakeSeparator{err: errors.New("model crashed")})
	result, err := f.Fetch(context.Background(), "T1", paths)
	require.NoError(t, err)

	assert.Equal(t, paths.OriginalAudioPath(), result.VocalsPath)
	assert.Empty(t, result.InstrumentalPath)
}

func TestFetchEmptyTranscription(t *testing.T) {
	kv := &fakeKV{task: &store.TaskRecord{ID: "T1"}, media: models.MediaPaths{AudioPath: "a", VideoPath: "v"}}
	f, paths := newTestFetcher(t, kv, &fakeObject{blobs: map[string][]byte{}}, &fakeExtractor{}, separation.Disabled{})

	_, err := f.Fetch(context.Background(), "T1", paths)
	require.ErrorIs(t, err, ErrEmptyTranscription)
}

func TestFetchKVFailureFailsFast(t *testing.T) {
	kv := &fakeKV{taskErr: store.ErrUnavailable, sentences: testSentences(), media: models.MediaPaths{AudioPath: "a", VideoPath: "v"}}
	f, paths := newTestFetcher(t, kv, &fakeObject{blobs: map[string][]byte{}}, &fakeExtractor{}, separation.Disabled{})

	_, err := f.Fetch(context.Background(), "T1", paths)
	require.ErrorIs(t, err, store.ErrUnavailable)
}

func TestFetchVideoDownloadFailureSurfacesInFuture(t *testing.T) {
	kv := &fakeKV{
		task:      &store.TaskRecord{ID: "T1"},
		sentences: testSentences(),
		media:     models.MediaPaths{AudioPath: "a", VideoPath: "missing"},
	}
	object := &fakeObject{blobs: map[string][]byte{"a": {1}}}

	f, paths := newTestFetcher(t, kv, object, &fakeExtractor{pcm: tone(6000)}, separation.Disabled{})
	result, err := f.Fetch(context.Background(), "T1", paths)
	require.NoError(t, err, "fetch itself succeeds; the video future carries the error")

	v := <-result.Video
	require.Error(t, v.Err)
	assert.ErrorIs(t, v.Err, store.ErrNotFound)
}

func TestFetchSlicingFailureDegrades(t *testing.T) {
	kv := &fakeKV{
		task:      &store.TaskRecord{ID: "T1"},
		sentences: testSentences(),
		media:     models.MediaPaths{AudioPath: "a", VideoPath: "v"},
	}
	object := &fakeObject{blobs: map[string][]byte{"a": {1}, "v": {2}}}

	// Extractor succeeds but produces an unreadable file.
	badExtractor := extractorFunc(func(ctx context.Context, input, output string) error {
		return os.WriteFile(output, []byte("not a wav"), 0o644)
	})

	f, paths := newTestFetcher(t, kv, object, badExtractor, separation.Disabled{})
	result, err := f.Fetch(context.Background(), "T1", paths)
	require.NoError(t, err)

	for _, s := range result.Sentences {
		assert.Empty(t, s.PromptAudioPath)
	}
}

type extractorFunc func(ctx context.Context, input, output string) error

func (f extractorFunc) ExtractAudio(ctx context.Context, input, output string) error {
	return f(ctx, input, output)
}

func (f extractorFunc) ExtractSilentVideo(ctx context.Context, input, output string) error {
	return os.WriteFile(output, []byte("silent-video"), 0o644)
}
