package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamdub/streamdub/internal/audio"
	"github.com/streamdub/streamdub/internal/config"
	"github.com/streamdub/streamdub/internal/fetcher"
	"github.com/streamdub/streamdub/internal/mixer"
	"github.com/streamdub/streamdub/internal/models"
	"github.com/streamdub/streamdub/internal/scratch"
	"github.com/streamdub/streamdub/internal/store"
)

type statusCall struct {
	status  string
	message string
}

type fakeKV struct {
	mu       sync.Mutex
	statuses []statusCall
}

func (f *fakeKV) GetTask(ctx context.Context, taskID string) (*store.TaskRecord, error) {
	return &store.TaskRecord{ID: taskID}, nil
}

func (f *fakeKV) GetSegments(ctx context.Context, taskID string) ([]*models.Sentence, error) {
	return nil, nil
}

func (f *fakeKV) GetMediaPaths(ctx context.Context, taskID string) (models.MediaPaths, error) {
	return models.MediaPaths{}, nil
}

func (f *fakeKV) UpdateTaskStatus(ctx context.Context, taskID, status, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statusCall{status: status, message: errorMessage})
	return nil
}

func (f *fakeKV) Ping(ctx context.Context) error { return nil }

func (f *fakeKV) recorded() []statusCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]statusCall(nil), f.statuses...)
}

type fakeFetcher struct {
	sentences []*models.Sentence
	videoErr  error
	err       error
}

func (f *fakeFetcher) Fetch(ctx context.Context, taskID string, paths *scratch.Manager) (*fetcher.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	video := make(chan fetcher.VideoResult, 1)
	if f.videoErr != nil {
		video <- fetcher.VideoResult{Err: f.videoErr}
	} else {
		video <- fetcher.VideoResult{Path: "/tmp/silent.mp4"}
	}
	close(video)
	return &fetcher.Result{
		Task:      &store.TaskRecord{ID: taskID},
		Sentences: f.sentences,
		Video:     video,
	}, nil
}

// fakeProducer emits one batch per sentence and counts how many it managed
// to hand off, which the back-pressure test inspects.
type fakeProducer struct {
	err  error
	sent atomic.Int32
}

func (f *fakeProducer) Stream(ctx context.Context, sentences []*models.Sentence, debugDir string, out chan<- models.Batch) error {
	if f.err != nil {
		return f.err
	}
	for _, s := range sentences {
		s.GeneratedAudio = make([]float32, 100)
		s.DurationMS = 1000
		select {
		case out <- models.Batch{s}:
			f.sent.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type fakeAligner struct{}

func (fakeAligner) Align(ctx context.Context, batch models.Batch) {
	for _, s := range batch {
		s.Speed = 1.0
		s.SpeechDurationMS = s.DurationMS
		s.AdjustedDurationMS = s.DurationMS
	}
}

type fakeMaterializer struct{ err error }

func (f fakeMaterializer) Apply(ctx context.Context, batch models.Batch) error { return f.err }

type fakeComposer struct {
	mu       sync.Mutex
	counters []int
	failOn   map[int]bool
	gate     chan struct{} // when set, Compose blocks until it closes
}

func (f *fakeComposer) Compose(ctx context.Context, batch models.Batch, batchCounter int, media mixer.Media, paths *scratch.Manager) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.failOn[batchCounter] {
		return "", errors.New("mux failed")
	}
	f.mu.Lock()
	f.counters = append(f.counters, batchCounter)
	f.mu.Unlock()
	return fmt.Sprintf("/tmp/segment_%d.mp4", batchCounter), nil
}

func (f *fakeComposer) composed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.counters...)
}

type fakePublisher struct {
	mu        sync.Mutex
	parts     []int
	finalized bool
	addErr    error
	finalErr  error
}

func (f *fakePublisher) AddSegment(ctx context.Context, mp4Path string, part int) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.mu.Lock()
	f.parts = append(f.parts, part)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) Finalize(ctx context.Context) (string, error) {
	if f.finalErr != nil {
		return "", f.finalErr
	}
	f.mu.Lock()
	f.finalized = true
	f.mu.Unlock()
	return "/tmp/final_T1.mp4", nil
}

func (f *fakePublisher) PlaylistURL(publicBaseURL string) string {
	return publicBaseURL + "/hls/T1/playlist.m3u8"
}

type fakeFactory struct{ pub *fakePublisher }

func (f *fakeFactory) New(ctx context.Context, taskID string, paths *scratch.Manager) (Publisher, error) {
	return f.pub, nil
}

type fakeProber struct{}

func (fakeProber) DurationMS(ctx context.Context, path string) (float64, error) {
	return 60000, nil
}

func (fakeProber) Resolution(ctx context.Context, path string) (int, int, error) {
	return 1280, 720, nil
}

type journalEntry struct {
	status      string
	playlistURL string
	message     string
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []journalEntry
}

func (f *fakeJournal) Record(taskID, status, playlistURL, errorMessage string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, journalEntry{status, playlistURL, errorMessage})
}

func (f *fakeJournal) recorded() []journalEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]journalEntry(nil), f.entries...)
}

func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{}
	cfg.Scratch.BaseDir = t.TempDir()
	cfg.Audio.TargetSampleRate = 24000
	cfg.Pipeline.TTSQueueSize = 5
	cfg.Pipeline.AlignedQueueSize = 5
	cfg.Store.Object.PublicBaseURL = "https://cdn.example.com"
	return cfg
}

func sentences(n int) []*models.Sentence {
	out := make([]*models.Sentence, n)
	for i := range out {
		out[i] = &models.Sentence{TaskID: "T1", Sequence: i + 1, TranslatedText: "你好"}
	}
	out[0].IsFirst = true
	out[n-1].IsLast = true
	return out
}

type fixture struct {
	pipeline *Pipeline
	kv       *fakeKV
	composer *fakeComposer
	pub      *fakePublisher
	journal  *fakeJournal
	producer *fakeProducer
}

func newFixture(t *testing.T, cfg *config.Config, f *fakeFetcher, producer *fakeProducer, composer *fakeComposer) *fixture {
	t.Helper()
	kv := &fakeKV{}
	pub := &fakePublisher{}
	journal := &fakeJournal{}
	p := New(cfg, kv, f, producer, fakeAligner{}, fakeMaterializer{}, composer,
		&fakeFactory{pub: pub}, fakeProber{}, journal, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &fixture{pipeline: p, kv: kv, composer: composer, pub: pub, journal: journal, producer: producer}
}

func TestRunHappyPath(t *testing.T) {
	fx := newFixture(t, testConfig(t),
		&fakeFetcher{sentences: sentences(4)},
		&fakeProducer{},
		&fakeComposer{})

	result, err := fx.pipeline.Run(context.Background(), "T1")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/final_T1.mp4", result.FinalVideoPath)
	assert.Equal(t, "https://cdn.example.com/hls/T1/playlist.m3u8", result.PlaylistURL)
	assert.Zero(t, result.DroppedBatches)

	// Batches reached the composer in FIFO order.
	assert.Equal(t, []int{0, 1, 2, 3}, fx.composer.composed())
	assert.Equal(t, []int{0, 1, 2, 3}, fx.pub.parts)
	assert.True(t, fx.pub.finalized)

	statuses := fx.kv.recorded()
	require.Len(t, statuses, 2)
	assert.Equal(t, models.StatusProcessing, statuses[0].status)
	assert.Equal(t, models.StatusCompleted, statuses[1].status)

	entries := fx.journal.recorded()
	require.Len(t, entries, 2)
	assert.Equal(t, models.StatusCompleted, entries[1].status)
	assert.Equal(t, result.PlaylistURL, entries[1].playlistURL)
}

func TestRunComposeFailureDropsBatch(t *testing.T) {
	fx := newFixture(t, testConfig(t),
		&fakeFetcher{sentences: sentences(3)},
		&fakeProducer{},
		&fakeComposer{failOn: map[int]bool{1: true}})

	result, err := fx.pipeline.Run(context.Background(), "T1")
	require.NoError(t, err, "a dropped batch must not fail the task")

	assert.Equal(t, 1, result.DroppedBatches)
	assert.Equal(t, []int{0, 2}, fx.composer.composed())
	assert.True(t, fx.pub.finalized)
}

func TestRunAllBatchesFailingFailsTask(t *testing.T) {
	fx := newFixture(t, testConfig(t),
		&fakeFetcher{sentences: sentences(2)},
		&fakeProducer{},
		&fakeComposer{failOn: map[int]bool{0: true, 1: true}})

	_, err := fx.pipeline.Run(context.Background(), "T1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no batches")

	statuses := fx.kv.recorded()
	assert.Equal(t, models.StatusError, statuses[len(statuses)-1].status)
}

func TestRunFetchFailure(t *testing.T) {
	fx := newFixture(t, testConfig(t),
		&fakeFetcher{err: fmt.Errorf("loading task: %w", store.ErrUnavailable)},
		&fakeProducer{},
		&fakeComposer{})

	_, err := fx.pipeline.Run(context.Background(), "T1")
	require.ErrorIs(t, err, store.ErrUnavailable)

	statuses := fx.kv.recorded()
	require.Len(t, statuses, 2)
	assert.Equal(t, models.StatusError, statuses[1].status)
	assert.NotEmpty(t, statuses[1].message)
}

func TestRunUnknownTaskUsesCanonicalMessage(t *testing.T) {
	fx := newFixture(t, testConfig(t),
		&fakeFetcher{err: fmt.Errorf("task T1: %w", store.ErrNotFound)},
		&fakeProducer{},
		&fakeComposer{})

	_, err := fx.pipeline.Run(context.Background(), "T1")
	require.Error(t, err)

	statuses := fx.kv.recorded()
	assert.Equal(t, store.NotFoundMessage, statuses[len(statuses)-1].message)
}

func TestRunOutOfRangeStretchFailsTask(t *testing.T) {
	kv := &fakeKV{}
	material := fakeMaterializer{err: fmt.Errorf("sentence 1: %w", audio.ErrStretchOutOfRange)}
	p := New(testConfig(t), kv, &fakeFetcher{sentences: sentences(2)}, &fakeProducer{},
		fakeAligner{}, material, &fakeComposer{}, &fakeFactory{pub: &fakePublisher{}},
		fakeProber{}, &fakeJournal{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := p.Run(context.Background(), "T1")
	require.ErrorIs(t, err, audio.ErrStretchOutOfRange)

	statuses := kv.recorded()
	assert.Equal(t, models.StatusError, statuses[len(statuses)-1].status)
}

func TestRunSynthesisFailureFailsTask(t *testing.T) {
	fx := newFixture(t, testConfig(t),
		&fakeFetcher{sentences: sentences(2)},
		&fakeProducer{err: errors.New("model unreachable")},
		&fakeComposer{})

	_, err := fx.pipeline.Run(context.Background(), "T1")
	require.Error(t, err)

	statuses := fx.kv.recorded()
	assert.Equal(t, models.StatusError, statuses[len(statuses)-1].status)
}

func TestRunVideoDownloadFailureFailsTask(t *testing.T) {
	fx := newFixture(t, testConfig(t),
		&fakeFetcher{sentences: sentences(2), videoErr: errors.New("object gone")},
		&fakeProducer{},
		&fakeComposer{})

	_, err := fx.pipeline.Run(context.Background(), "T1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "object gone")
}

func TestBackPressureBoundsInFlightBatches(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.TTSQueueSize = 2
	cfg.Pipeline.AlignedQueueSize = 2

	gate := make(chan struct{})
	composer := &fakeComposer{gate: gate}
	producer := &fakeProducer{}
	fx := newFixture(t, cfg, &fakeFetcher{sentences: sentences(12)}, producer, composer)

	done := make(chan error, 1)
	go func() {
		_, err := fx.pipeline.Run(context.Background(), "T1")
		done <- err
	}()

	// With the composer stalled, the producer can fill Q1, Q2, the batch
	// held by the align worker, and the one held by the composer.
	time.Sleep(300 * time.Millisecond)
	inFlight := int(producer.sent.Load())
	maxInFlight := cfg.Pipeline.TTSQueueSize + cfg.Pipeline.AlignedQueueSize + 2
	assert.LessOrEqual(t, inFlight, maxInFlight,
		"producer ran ahead of the bounded queues")
	assert.Less(t, inFlight, 12, "back-pressure never engaged")

	close(gate)
	require.NoError(t, <-done)
	assert.Len(t, fx.composer.composed(), 12)
}
