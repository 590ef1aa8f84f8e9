package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/streamdub/streamdub/internal/config"
	"github.com/streamdub/streamdub/internal/models"
	"github.com/streamdub/streamdub/internal/version"
)

// KVClient talks to the transcription key/value store over its HTTP SQL API.
// A single client is constructed at startup and shared; the underlying
// http.Client is safe for concurrent use.
type KVClient struct {
	httpClient *http.Client
	queryURL   string
	apiToken   string

	statusRetries    int
	statusRetryDelay time.Duration

	logger *slog.Logger
}

// NewKVClient creates a KV client from configuration.
func NewKVClient(cfg config.KVConfig, logger *slog.Logger) *KVClient {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	return &KVClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		queryURL: fmt.Sprintf("%s/accounts/%s/d1/database/%s/query",
			base, cfg.AccountID, cfg.DatabaseID),
		apiToken:         cfg.APIToken,
		statusRetries:    cfg.StatusRetries,
		statusRetryDelay: cfg.StatusRetryDelay,
		logger:           logger,
	}
}

type queryRequest struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

type queryResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result []struct {
		Success bool             `json:"success"`
		Results []map[string]any `json:"results"`
	} `json:"result"`
}

// query runs one SQL statement and returns its rows.
func (c *KVClient) query(ctx context.Context, sql string, params ...any) ([]map[string]any, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(queryRequest{SQL: sql, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.queryURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building query request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, truncate(raw, 200))
	}

	var parsed queryResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	if !parsed.Success || len(parsed.Result) == 0 {
		msg := "query rejected"
		if len(parsed.Errors) > 0 {
			msg = parsed.Errors[0].Message
		}
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, msg)
	}

	return parsed.Result[0].Results, nil
}

// TaskRecord is a row of the media_tasks table.
type TaskRecord struct {
	ID              string
	Status          string
	TranscriptionID string
	AudioPath       string
	VideoPath       string
	ErrorMessage    string
	TargetLanguage  string
}

// GetTask fetches one task row, or ErrNotFound.
func (c *KVClient) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	rows, err := c.query(ctx,
		"SELECT id, status, transcription_id, audio_path, video_path, error_message, target_language FROM media_tasks WHERE id = ?",
		taskID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}

	row := rows[0]
	return &TaskRecord{
		ID:              asString(row["id"]),
		Status:          asString(row["status"]),
		TranscriptionID: asString(row["transcription_id"]),
		AudioPath:       asString(row["audio_path"]),
		VideoPath:       asString(row["video_path"]),
		ErrorMessage:    asString(row["error_message"]),
		TargetLanguage:  asString(row["target_language"]),
	}, nil
}

// GetSegments returns the task's speech sentences ordered by sequence.
// IsLast is derived from the transcription's total_segments so trailing
// non-speech rows do not shift it.
func (c *KVClient) GetSegments(ctx context.Context, taskID string) ([]*models.Sentence, error) {
	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	totalRows, err := c.query(ctx,
		"SELECT total_segments FROM transcriptions WHERE id = ?", task.TranscriptionID)
	if err != nil {
		return nil, err
	}
	if len(totalRows) == 0 {
		return nil, fmt.Errorf("transcription %s: %w", task.TranscriptionID, ErrNotFound)
	}
	totalSegments := asInt(totalRows[0]["total_segments"])

	rows, err := c.query(ctx,
		"SELECT sequence, start_ms, end_ms, speaker, original_text, translated_text FROM transcription_segments WHERE transcription_id = ? AND content_type = 'speech' ORDER BY sequence",
		task.TranscriptionID)
	if err != nil {
		return nil, err
	}

	sentences := make([]*models.Sentence, 0, len(rows))
	for _, row := range rows {
		seq := asInt(row["sequence"])
		startMS := asInt64(row["start_ms"])
		endMS := asInt64(row["end_ms"])
		sentences = append(sentences, &models.Sentence{
			TaskID:           taskID,
			Sequence:         seq,
			OriginalText:     asString(row["original_text"]),
			TranslatedText:   asString(row["translated_text"]),
			Speaker:          asString(row["speaker"]),
			StartMS:          startMS,
			EndMS:            endMS,
			IsFirst:          seq == 1,
			IsLast:           seq == totalSegments,
			TargetDurationMS: float64(endMS - startMS),
		})
	}
	return sentences, nil
}

// GetMediaPaths returns the task's source media keys; both must be non-empty.
func (c *KVClient) GetMediaPaths(ctx context.Context, taskID string) (models.MediaPaths, error) {
	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		return models.MediaPaths{}, err
	}
	if task.AudioPath == "" || task.VideoPath == "" {
		return models.MediaPaths{}, fmt.Errorf("task %s has incomplete media paths", taskID)
	}
	return models.MediaPaths{AudioPath: task.AudioPath, VideoPath: task.VideoPath}, nil
}

// UpdateTaskStatus writes the task status (and error message, when non-empty).
// The write is idempotent and retried with exponential backoff because losing
// a terminal status strands the task in "processing" forever.
func (c *KVClient) UpdateTaskStatus(ctx context.Context, taskID, status, errorMessage string) error {
	sql := "UPDATE media_tasks SET status = ?, updated_at = datetime('now') WHERE id = ?"
	params := []any{status, taskID}
	if errorMessage != "" {
		sql = "UPDATE media_tasks SET status = ?, error_message = ?, updated_at = datetime('now') WHERE id = ?"
		params = []any{status, errorMessage, taskID}
	}

	attempts := c.statusRetries
	if attempts < 1 {
		attempts = 1
	}
	delay := c.statusRetryDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		_, lastErr = c.query(ctx, sql, params...)
		if lastErr == nil {
			return nil
		}
		if attempt < attempts {
			c.logger.Warn("status update failed, retrying",
				slog.String("task_id", taskID),
				slog.String("status", status),
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
	}
	return fmt.Errorf("updating task %s status to %s: %w", taskID, status, lastErr)
}

// Ping verifies KV store reachability. Used by the health endpoint.
func (c *KVClient) Ping(ctx context.Context) error {
	_, err := c.query(ctx, "SELECT 1")
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	}
	return 0
}
