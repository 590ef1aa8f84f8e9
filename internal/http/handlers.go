package http

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/streamdub/streamdub/internal/journal"
	"github.com/streamdub/streamdub/internal/models"
	"github.com/streamdub/streamdub/internal/pipeline"
	"github.com/streamdub/streamdub/internal/scratch"
	"github.com/streamdub/streamdub/internal/store"
)

// Runner executes one dubbing task to completion.
type Runner interface {
	Run(ctx context.Context, taskID string) (*pipeline.Result, error)
}

// Launcher puts a task on a background goroutine.
type Launcher interface {
	Launch(name string, fn func(ctx context.Context) error)
}

// TaskReader is the KV surface status queries need.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (*store.TaskRecord, error)
}

// JournalReader answers status queries when the KV store cannot.
type JournalReader interface {
	Get(taskID string) (*journal.Entry, error)
}

// TaskHandler serves task launch and status endpoints.
type TaskHandler struct {
	runner        Runner
	tasks         Launcher
	kv            TaskReader
	journal       JournalReader // may be nil
	publicBaseURL string
	logger        *slog.Logger
}

// NewTaskHandler creates a TaskHandler. journal may be nil.
func NewTaskHandler(runner Runner, tasks Launcher, kv TaskReader, j JournalReader, publicBaseURL string, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		runner:        runner,
		tasks:         tasks,
		kv:            kv,
		journal:       j,
		publicBaseURL: publicBaseURL,
		logger:        logger,
	}
}

// StartTTSInput is the launch request.
type StartTTSInput struct {
	Body struct {
		TaskID string `json:"task_id" minLength:"1" doc:"ID of the media task to dub"`
	}
}

// StartTTSOutput acknowledges the launch.
type StartTTSOutput struct {
	Body struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
}

// TaskStatusInput identifies the queried task.
type TaskStatusInput struct {
	ID string `path:"id" doc:"Task ID"`
}

// TaskStatusOutput is the status payload.
type TaskStatusOutput struct {
	Body struct {
		TaskID         string `json:"task_id"`
		Status         string `json:"status"`
		HLSPlaylistURL string `json:"hls_playlist_url,omitempty"`
		ErrorMessage   string `json:"error_message,omitempty"`
	}
}

// RootOutput describes the service.
type RootOutput struct {
	Body struct {
		Service   string   `json:"service"`
		Version   string   `json:"version"`
		Endpoints []string `json:"endpoints"`
	}
}

// Register registers the task routes.
func (h *TaskHandler) Register(api huma.API, version string) {
	huma.Register(api, huma.Operation{
		OperationID:   "startTTS",
		Method:        "POST",
		Path:          "/api/start_tts",
		Summary:       "Start dubbing a task",
		DefaultStatus: 202,
		Tags:          []string{"Tasks"},
	}, h.StartTTS)

	huma.Register(api, huma.Operation{
		OperationID: "getTaskStatus",
		Method:      "GET",
		Path:        "/api/task/{id}/status",
		Summary:     "Task status",
		Tags:        []string{"Tasks"},
	}, h.GetStatus)

	huma.Register(api, huma.Operation{
		OperationID: "getRoot",
		Method:      "GET",
		Path:        "/",
		Summary:     "Service descriptor",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*RootOutput, error) {
		out := &RootOutput{}
		out.Body.Service = "streamdub"
		out.Body.Version = version
		out.Body.Endpoints = []string{
			"POST /api/start_tts",
			"GET /api/task/{id}/status",
			"GET /api/health",
		}
		return out, nil
	})
}

// StartTTS accepts the task and runs the pipeline in the background. The
// request context dies with the connection, so the task runs detached.
func (h *TaskHandler) StartTTS(ctx context.Context, input *StartTTSInput) (*StartTTSOutput, error) {
	taskID := input.Body.TaskID
	if err := uuid.Validate(taskID); err != nil {
		return nil, huma.Error400BadRequest("task_id must be a UUID")
	}
	h.logger.Info("dubbing task accepted", slog.String("task_id", taskID))

	h.tasks.Launch("dubbing-"+taskID, func(taskCtx context.Context) error {
		_, err := h.runner.Run(taskCtx, taskID)
		return err
	})

	out := &StartTTSOutput{}
	out.Body.TaskID = taskID
	out.Body.Status = models.StatusProcessing
	return out, nil
}

// GetStatus answers from the KV store, falling back to the local journal
// when the store is unreachable.
func (h *TaskHandler) GetStatus(ctx context.Context, input *TaskStatusInput) (*TaskStatusOutput, error) {
	task, err := h.kv.GetTask(ctx, input.ID)
	if err == nil {
		out := &TaskStatusOutput{}
		out.Body.TaskID = task.ID
		out.Body.Status = task.Status
		out.Body.ErrorMessage = task.ErrorMessage
		if task.Status == models.StatusCompleted {
			out.Body.HLSPlaylistURL = h.playlistURL(task.ID)
		}
		return out, nil
	}

	if errors.Is(err, store.ErrNotFound) {
		return nil, huma.Error404NotFound(store.NotFoundMessage)
	}

	if h.journal != nil {
		if entry, jerr := h.journal.Get(input.ID); jerr == nil {
			h.logger.Warn("status served from journal, kv store unreachable",
				slog.String("task_id", input.ID),
				slog.String("error", err.Error()))
			out := &TaskStatusOutput{}
			out.Body.TaskID = entry.TaskID
			out.Body.Status = entry.Status
			out.Body.HLSPlaylistURL = entry.PlaylistURL
			out.Body.ErrorMessage = entry.ErrorMessage
			return out, nil
		}
	}

	h.logger.Error("status query failed",
		slog.String("task_id", input.ID),
		slog.String("error", err.Error()))
	return nil, huma.Error500InternalServerError("status lookup failed")
}

func (h *TaskHandler) playlistURL(taskID string) string {
	key := scratch.PlaylistKey(taskID)
	if h.publicBaseURL == "" {
		return key
	}
	return h.publicBaseURL + "/" + key
}

// Pinger is a connectivity probe on a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health endpoint.
type HealthHandler struct {
	version    string
	startTime  time.Time
	kv         Pinger
	object     Pinger
	ffmpegPath string
}

// NewHealthHandler creates a HealthHandler. An empty ffmpegPath resolves to
// "ffmpeg" on PATH.
func NewHealthHandler(version string, kv, object Pinger, ffmpegPath string) *HealthHandler {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &HealthHandler{
		version:    version,
		startTime:  time.Now(),
		kv:         kv,
		object:     object,
		ffmpegPath: ffmpegPath,
	}
}

// HealthOutput is the health payload.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse reports service health and system metrics.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	MemoryPercent float64           `json:"memory_percent"`
	Load1         float64           `json:"load_1,omitempty"`
	NumGoroutine  int               `json:"num_goroutine"`
	Services      map[string]string `json:"services"`
}

// Register registers the health route.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/api/health",
		Summary:     "Health check",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth checks the backing services and reports system metrics. Any
// failing service turns the response into a 503.
func (h *HealthHandler) GetHealth(ctx context.Context, input *struct{}) (*HealthOutput, error) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	services := map[string]string{
		"kv_store":     h.check(checkCtx, h.kv),
		"object_store": h.check(checkCtx, h.object),
		"ffmpeg":       h.checkFFmpeg(),
	}

	var down []string
	for name, status := range services {
		if status != "ok" && status != "not configured" {
			down = append(down, name)
		}
	}
	sort.Strings(down)

	resp := HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		UptimeSeconds: time.Since(h.startTime).Seconds(),
		NumGoroutine:  runtime.NumGoroutine(),
		Services:      services,
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemoryPercent = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		resp.Load1 = avg.Load1
	}

	if len(down) > 0 {
		return nil, huma.Error503ServiceUnavailable(
			"services unavailable: " + strings.Join(down, ", "))
	}
	return &HealthOutput{Body: resp}, nil
}

func (h *HealthHandler) check(ctx context.Context, p Pinger) string {
	if p == nil {
		return "not configured"
	}
	if err := p.Ping(ctx); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func (h *HealthHandler) checkFFmpeg() string {
	if _, err := exec.LookPath(h.ffmpegPath); err != nil {
		return "error: binary not found"
	}
	return "ok"
}
