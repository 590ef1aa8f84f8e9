package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamdub/streamdub/internal/journal"
	"github.com/streamdub/streamdub/internal/models"
	"github.com/streamdub/streamdub/internal/pipeline"
	"github.com/streamdub/streamdub/internal/store"
)

type fakeRunner struct {
	mu    sync.Mutex
	tasks []string
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, taskID string) (*pipeline.Result, error) {
	f.mu.Lock()
	f.tasks = append(f.tasks, taskID)
	f.mu.Unlock()
	return &pipeline.Result{}, f.err
}

// syncLauncher runs tasks inline so tests observe them deterministically.
type syncLauncher struct{ names []string }

func (s *syncLauncher) Launch(name string, fn func(ctx context.Context) error) {
	s.names = append(s.names, name)
	_ = fn(context.Background())
}

type fakeTaskReader struct {
	task *store.TaskRecord
	err  error
}

func (f *fakeTaskReader) GetTask(ctx context.Context, taskID string) (*store.TaskRecord, error) {
	return f.task, f.err
}

type fakeJournalReader struct {
	entry *journal.Entry
	err   error
}

func (f *fakeJournalReader) Get(taskID string) (*journal.Entry, error) {
	return f.entry, f.err
}

func newTaskHandler(kv TaskReader, j JournalReader) (*TaskHandler, *fakeRunner, *syncLauncher) {
	runner := &fakeRunner{}
	launcher := &syncLauncher{}
	h := NewTaskHandler(runner, launcher, kv, j,
		"https://cdn.example.com", slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h, runner, launcher
}

func TestStartTTSLaunchesTask(t *testing.T) {
	h, runner, launcher := newTaskHandler(&fakeTaskReader{}, nil)
	taskID := "3f0c9a1e-8d2b-4a5f-9c6e-1b7d2e8f4a00"

	input := &StartTTSInput{}
	input.Body.TaskID = taskID
	out, err := h.StartTTS(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, taskID, out.Body.TaskID)
	assert.Equal(t, models.StatusProcessing, out.Body.Status)
	assert.Equal(t, []string{"dubbing-" + taskID}, launcher.names)
	assert.Equal(t, []string{taskID}, runner.tasks)
}

func TestStartTTSRejectsMalformedTaskID(t *testing.T) {
	h, runner, _ := newTaskHandler(&fakeTaskReader{}, nil)

	input := &StartTTSInput{}
	input.Body.TaskID = "not-a-uuid"
	_, err := h.StartTTS(context.Background(), input)
	require.Error(t, err)

	var status huma.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, 400, status.GetStatus())
	assert.Empty(t, runner.tasks, "invalid tasks must not launch")
}

func TestGetStatusFromKV(t *testing.T) {
	h, _, _ := newTaskHandler(&fakeTaskReader{
		task: &store.TaskRecord{ID: "T1", Status: models.StatusCompleted},
	}, nil)

	out, err := h.GetStatus(context.Background(), &TaskStatusInput{ID: "T1"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, out.Body.Status)
	assert.Equal(t, "https://cdn.example.com/hls/T1/playlist.m3u8", out.Body.HLSPlaylistURL)
	assert.Empty(t, out.Body.ErrorMessage)
}

func TestGetStatusOmitsPlaylistWhileProcessing(t *testing.T) {
	h, _, _ := newTaskHandler(&fakeTaskReader{
		task: &store.TaskRecord{ID: "T1", Status: models.StatusProcessing},
	}, nil)

	out, err := h.GetStatus(context.Background(), &TaskStatusInput{ID: "T1"})
	require.NoError(t, err)
	assert.Empty(t, out.Body.HLSPlaylistURL)
}

func TestGetStatusUnknownTask(t *testing.T) {
	h, _, _ := newTaskHandler(&fakeTaskReader{err: store.ErrNotFound}, nil)

	_, err := h.GetStatus(context.Background(), &TaskStatusInput{ID: "nope"})
	require.Error(t, err)

	var status huma.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, 404, status.GetStatus())
	assert.Contains(t, err.Error(), store.NotFoundMessage)
}

func TestGetStatusFallsBackToJournal(t *testing.T) {
	h, _, _ := newTaskHandler(
		&fakeTaskReader{err: store.ErrUnavailable},
		&fakeJournalReader{entry: &journal.Entry{
			TaskID:      "T1",
			Status:      models.StatusCompleted,
			PlaylistURL: "https://cdn.example.com/hls/T1/playlist.m3u8",
		}})

	out, err := h.GetStatus(context.Background(), &TaskStatusInput{ID: "T1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, out.Body.Status)
	assert.Equal(t, "https://cdn.example.com/hls/T1/playlist.m3u8", out.Body.HLSPlaylistURL)
}

func TestGetStatusKVDownNoJournalRow(t *testing.T) {
	h, _, _ := newTaskHandler(
		&fakeTaskReader{err: store.ErrUnavailable},
		&fakeJournalReader{err: journal.ErrNotFound})

	_, err := h.GetStatus(context.Background(), &TaskStatusInput{ID: "T1"})
	require.Error(t, err)

	var status huma.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, 500, status.GetStatus())
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var pingOK = pingFunc(func(ctx context.Context) error { return nil })

func TestGetHealthAllServicesUp(t *testing.T) {
	// "true" exists on any PATH worth testing on; it stands in for ffmpeg.
	h := NewHealthHandler("1.2.3", pingOK, pingOK, "true")

	out, err := h.GetHealth(context.Background(), &struct{}{})
	require.NoError(t, err)

	assert.Equal(t, "healthy", out.Body.Status)
	assert.Equal(t, "1.2.3", out.Body.Version)
	assert.Equal(t, "ok", out.Body.Services["kv_store"])
	assert.Equal(t, "ok", out.Body.Services["object_store"])
	assert.Equal(t, "ok", out.Body.Services["ffmpeg"])
	assert.GreaterOrEqual(t, out.Body.UptimeSeconds, 0.0)
	assert.Positive(t, out.Body.NumGoroutine)
}

func TestGetHealthReportsDownService(t *testing.T) {
	down := pingFunc(func(ctx context.Context) error { return errors.New("connection refused") })
	h := NewHealthHandler("1.2.3", down, pingOK, "true")

	_, err := h.GetHealth(context.Background(), &struct{}{})
	require.Error(t, err)

	var status huma.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, 503, status.GetStatus())
	assert.Contains(t, err.Error(), "kv_store")
}

func TestGetHealthMissingFFmpeg(t *testing.T) {
	h := NewHealthHandler("1.2.3", pingOK, pingOK, "definitely-not-a-binary-1234")

	_, err := h.GetHealth(context.Background(), &struct{}{})
	require.Error(t, err)

	var status huma.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, 503, status.GetStatus())
}

func TestGetHealthRespondsQuickly(t *testing.T) {
	slow := pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h := NewHealthHandler("1.2.3", slow, pingOK, "true")

	start := time.Now()
	_, err := h.GetHealth(context.Background(), &struct{}{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second, "health check must not hang")
}
