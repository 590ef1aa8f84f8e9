package hls

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/streamdub/streamdub/internal/scratch"
	"github.com/streamdub/streamdub/internal/store"
)

// job is one unit of upload work: either a segment batch or a playlist
// rewrite.
type job struct {
	segments []string // local .ts paths
	playlist []byte   // rendered playlist; nil unless a playlist job
}

// uploader runs a small worker pool that pushes segments and playlist
// rewrites to the object store without blocking the composition path. A
// process-wide semaphore caps concurrent uploads across all tasks.
type uploader struct {
	taskID string
	object store.Object
	sem    *semaphore.Weighted
	logger *slog.Logger

	queue chan job
	wg    sync.WaitGroup
}

func newUploader(taskID string, object store.Object, sem *semaphore.Weighted, workers, queueSize int, logger *slog.Logger) *uploader {
	if workers < 1 {
		workers = 1
	}
	u := &uploader{
		taskID: taskID,
		object: object,
		sem:    sem,
		logger: logger,
		queue:  make(chan job, queueSize),
	}
	for i := 0; i < workers; i++ {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			for j := range u.queue {
				u.process(context.Background(), j)
			}
		}()
	}
	return u
}

// enqueue hands the job to the pool; when the queue is full the upload runs
// synchronously so no work is ever lost.
func (u *uploader) enqueue(ctx context.Context, j job) {
	select {
	case u.queue <- j:
	default:
		u.logger.Warn("upload queue full, uploading synchronously")
		u.process(ctx, j)
	}
}

// drain stops accepting work and waits for in-flight uploads. Returns false
// when the timeout elapsed first.
func (u *uploader) drain(timeout time.Duration) bool {
	close(u.queue)

	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		u.logger.Warn("upload queue did not drain in time",
			slog.Duration("timeout", timeout))
		return false
	}
}

func (u *uploader) process(ctx context.Context, j job) {
	if j.playlist != nil {
		u.uploadPlaylist(ctx, j.playlist)
		return
	}
	u.uploadSegments(ctx, j.segments)
}

// uploadPlaylist overwrites the playlist key; the operation is idempotent
// and always reflects the latest segment list.
func (u *uploader) uploadPlaylist(ctx context.Context, content []byte) {
	if err := u.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer u.sem.Release(1)

	key := scratch.PlaylistKey(u.taskID)
	if err := u.object.Upload(ctx, key, content, store.ContentTypePlaylist); err != nil {
		u.logger.Error("playlist upload failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return
	}
	u.logger.Debug("playlist uploaded", slog.String("key", key))
}

// uploadSegments pushes a batch of .ts files. The batch counts as delivered
// when at least one file made it; stragglers are only logged because the
// playlist rewrite that follows never references missing uploads for long.
func (u *uploader) uploadSegments(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		return
	}

	var uploaded int32
	var wg sync.WaitGroup
	for _, path := range paths {
		if err := u.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			defer u.sem.Release(1)

			data, err := os.ReadFile(path)
			if err != nil {
				u.logger.Error("reading segment failed",
					slog.String("path", path),
					slog.String("error", err.Error()))
				return
			}
			key := scratch.SegmentKey(u.taskID, filepath.Base(path))
			if err := u.object.Upload(ctx, key, data, store.ContentTypeMPEGTS); err != nil {
				u.logger.Error("segment upload failed",
					slog.String("key", key),
					slog.String("error", err.Error()))
				return
			}
			atomic.AddInt32(&uploaded, 1)
		}(path)
	}
	wg.Wait()

	if uploaded == 0 {
		u.logger.Error("segment batch upload failed entirely",
			slog.Int("segments", len(paths)))
		return
	}
	u.logger.Info("segment batch uploaded",
		slog.Int("uploaded", int(uploaded)),
		slog.Int("total", len(paths)))
}
