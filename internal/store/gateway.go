package store

import (
	"context"
	"log/slog"

	"github.com/streamdub/streamdub/internal/config"
	"github.com/streamdub/streamdub/internal/models"
)

// KV is the key/value store surface the pipeline consumes.
type KV interface {
	GetTask(ctx context.Context, taskID string) (*TaskRecord, error)
	GetSegments(ctx context.Context, taskID string) ([]*models.Sentence, error)
	GetMediaPaths(ctx context.Context, taskID string) (models.MediaPaths, error)
	UpdateTaskStatus(ctx context.Context, taskID, status, errorMessage string) error
	Ping(ctx context.Context) error
}

// Object is the object-store surface the pipeline consumes.
type Object interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, body []byte, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
}

// Gateway bundles the two store clients behind one handle. Everything
// outside this package takes a *Gateway (or one of the interfaces above)
// instead of raw clients.
type Gateway struct {
	KV     KV
	Object Object
}

// NewGateway constructs the process-wide gateway from configuration.
func NewGateway(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Gateway, error) {
	object, err := NewObjectClient(ctx, cfg.Object, logger)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		KV:     NewKVClient(cfg.KV, logger),
		Object: object,
	}, nil
}
