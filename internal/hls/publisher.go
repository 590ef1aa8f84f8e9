// Package hls publishes the dubbed stream incrementally: each composed MP4
// segment is split into MPEG-TS pieces, appended to an EVENT playlist with a
// discontinuity marker, and uploaded so playback can start long before the
// task finishes. Finalization closes the playlist and concatenates the MP4
// segments into one file.
package hls

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/grafov/m3u8"
	"golang.org/x/sync/semaphore"

	"github.com/streamdub/streamdub/internal/config"
	"github.com/streamdub/streamdub/internal/scratch"
	"github.com/streamdub/streamdub/internal/store"
)

// playlistCapacity bounds the segment list; at ten-second segments this is
// over twenty hours of output.
const playlistCapacity = 8192

const playlistName = "playlist.m3u8"

// SegmentOps is the ffmpeg surface the publisher needs.
type SegmentOps interface {
	SegmentHLS(ctx context.Context, input, segmentPattern, playlistOut string, segmentSeconds int) error
	ConcatCopy(ctx context.Context, listPath, output string) error
}

// Publisher maintains one task's live playlist. Methods are called from a
// single goroutine in pipeline order; the mutex only guards against the
// uploader reading the playlist mid-rewrite.
type Publisher struct {
	taskID string
	cfg    config.HLSConfig
	object store.Object
	ops    SegmentOps
	paths  *scratch.Manager
	logger *slog.Logger

	mu             sync.Mutex
	playlist       *m3u8.MediaPlaylist
	sequenceNumber int
	hasSegments    bool

	uploader *uploader
	mp4Paths []string
}

// NewPublisher creates the playlist for a task, resuming from a previously
// published playlist when one exists so reprocessing appends instead of
// restarting the stream.
func NewPublisher(ctx context.Context, taskID string, cfg config.HLSConfig, object store.Object, ops SegmentOps, sem *semaphore.Weighted, paths *scratch.Manager, logger *slog.Logger) (*Publisher, error) {
	pl, err := m3u8.NewMediaPlaylist(0, playlistCapacity)
	if err != nil {
		return nil, fmt.Errorf("creating playlist: %w", err)
	}
	pl.MediaType = m3u8.EVENT
	pl.TargetDuration = float64(cfg.SegmentSeconds)
	pl.SetVersion(3)

	p := &Publisher{
		taskID:   taskID,
		cfg:      cfg,
		object:   object,
		ops:      ops,
		paths:    paths,
		logger:   logger.With(slog.String("task_id", taskID)),
		playlist: pl,
		uploader: newUploader(taskID, object, sem, cfg.UploadWorkers, cfg.UploadQueueSize, logger),
	}

	if cfg.EnableStorage {
		p.resume(ctx)
	}
	if err := p.savePlaylist(); err != nil {
		return nil, err
	}
	return p, nil
}

// resume adopts segments from an already-published playlist. Any failure
// here means starting a fresh stream, never failing the task.
func (p *Publisher) resume(ctx context.Context) {
	key := scratch.PlaylistKey(p.taskID)

	exists, err := p.object.Exists(ctx, key)
	if err != nil {
		p.logger.Warn("could not check for an existing playlist",
			slog.String("error", err.Error()))
		return
	}
	if !exists {
		return
	}

	data, err := p.object.Download(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("downloading existing playlist failed, starting fresh",
				slog.String("error", err.Error()))
		}
		return
	}

	parsed, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil || listType != m3u8.MEDIA {
		p.logger.Warn("existing playlist is not a usable media playlist, starting fresh")
		return
	}
	existing := parsed.(*m3u8.MediaPlaylist)

	adopted := 0
	for _, seg := range existing.Segments {
		if seg == nil {
			continue
		}
		if err := p.playlist.AppendSegment(&m3u8.MediaSegment{
			URI:           filepath.Base(seg.URI),
			Duration:      seg.Duration,
			Discontinuity: seg.Discontinuity,
		}); err != nil {
			p.logger.Warn("adopting playlist segment failed", slog.String("error", err.Error()))
			break
		}
		adopted++
	}
	if adopted == 0 {
		return
	}

	p.playlist.SeqNo = existing.SeqNo
	p.sequenceNumber = adopted
	p.hasSegments = true
	p.logger.Info("resumed existing playlist",
		slog.Int("segments", adopted),
		slog.Uint64("media_sequence", existing.SeqNo))
}

// AddSegment splits one composed MP4 into .ts pieces, appends them to the
// playlist behind a discontinuity marker, and hands the uploads to the pool.
func (p *Publisher) AddSegment(ctx context.Context, mp4Path string, part int) error {
	pattern := filepath.Join(p.paths.HLSDir(),
		fmt.Sprintf("segment_%04d_%%03d.ts", p.sequenceNumber))
	tempPlaylist := filepath.Join(p.paths.ProcessingDir(),
		fmt.Sprintf("temp_%d.m3u8", part))

	if err := p.ops.SegmentHLS(ctx, mp4Path, pattern, tempPlaylist, p.cfg.SegmentSeconds); err != nil {
		return fmt.Errorf("segmenting %s: %w", mp4Path, err)
	}
	defer os.Remove(tempPlaylist)

	segments, err := parseSegments(tempPlaylist)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("segmenting %s produced no segments", mp4Path)
	}

	p.mu.Lock()
	for i, seg := range segments {
		if err := p.playlist.AppendSegment(&m3u8.MediaSegment{
			URI:      filepath.Base(seg.URI),
			Duration: seg.Duration,
			// Each MP4 is an independent encode; players must reset
			// decoders at the boundary.
			Discontinuity: i == 0,
		}); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("appending segment: %w", err)
		}
	}
	p.sequenceNumber += len(segments)
	p.hasSegments = true
	p.mu.Unlock()

	if err := p.savePlaylist(); err != nil {
		return err
	}

	if p.cfg.EnableStorage {
		localPaths := make([]string, 0, len(segments))
		for _, seg := range segments {
			localPaths = append(localPaths, filepath.Join(p.paths.HLSDir(), filepath.Base(seg.URI)))
		}
		p.uploader.enqueue(ctx, job{segments: localPaths})
		p.uploader.enqueue(ctx, job{playlist: p.render()})
	}

	p.mp4Paths = append(p.mp4Paths, mp4Path)
	p.logger.Info("hls segment published",
		slog.Int("part", part),
		slog.Int("new_segments", len(segments)),
		slog.Int("total_segments", p.sequenceNumber))
	return nil
}

// SegmentCount returns the number of .ts segments published so far.
func (p *Publisher) SegmentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sequenceNumber
}

// PlaylistURL returns the public playback URL, or the object key when no
// public base is configured.
func (p *Publisher) PlaylistURL(publicBaseURL string) string {
	key := scratch.PlaylistKey(p.taskID)
	if publicBaseURL == "" {
		return key
	}
	return strings.TrimRight(publicBaseURL, "/") + "/" + key
}

// Finalize drains pending uploads, closes the playlist, and concatenates the
// MP4 segments into the final video. Returns the local path of the final
// file.
func (p *Publisher) Finalize(ctx context.Context) (string, error) {
	p.uploader.drain(p.cfg.UploadDrainWindow)

	p.mu.Lock()
	if p.hasSegments {
		p.playlist.Close()
	}
	p.mu.Unlock()

	if err := p.savePlaylist(); err != nil {
		return "", err
	}
	if p.cfg.EnableStorage && p.hasSegments {
		if err := p.object.Upload(ctx, scratch.PlaylistKey(p.taskID), p.render(), store.ContentTypePlaylist); err != nil {
			p.logger.Error("final playlist upload failed", slog.String("error", err.Error()))
		}
	}

	final, err := p.mergeSegments(ctx)
	if err != nil {
		return "", err
	}

	if p.cfg.EnableStorage && p.cfg.UploadFinalVideo {
		if err := p.uploadFinalVideo(ctx, final); err != nil {
			p.logger.Error("final video upload failed", slog.String("error", err.Error()))
		}
	}
	if p.cfg.EnableStorage && p.cfg.CleanupLocalFiles {
		p.cleanupLocal()
	}

	p.logger.Info("hls stream finalized",
		slog.Int("segments", p.sequenceNumber),
		slog.String("final_video", final))
	return final, nil
}

// mergeSegments concatenates the composed MP4s without re-encoding.
func (p *Publisher) mergeSegments(ctx context.Context) (string, error) {
	if len(p.mp4Paths) == 0 {
		return "", fmt.Errorf("no segments to merge for task %s", p.taskID)
	}

	listPath := filepath.Join(p.paths.ProcessingDir(), "concat_list.txt")
	var list strings.Builder
	for _, mp4 := range p.mp4Paths {
		abs, err := filepath.Abs(mp4)
		if err != nil {
			abs = mp4
		}
		// The concat demuxer wants forward slashes even on Windows.
		fmt.Fprintf(&list, "file '%s'\n", filepath.ToSlash(abs))
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing concat list: %w", err)
	}
	defer os.Remove(listPath)

	final := p.paths.FinalVideoPath()
	if err := p.ops.ConcatCopy(ctx, listPath, final); err != nil {
		return "", fmt.Errorf("concatenating %d segments: %w", len(p.mp4Paths), err)
	}
	return final, nil
}

func (p *Publisher) uploadFinalVideo(ctx context.Context, final string) error {
	data, err := os.ReadFile(final)
	if err != nil {
		return fmt.Errorf("reading final video: %w", err)
	}
	key := scratch.FinalVideoKey(p.taskID)
	if err := p.object.Upload(ctx, key, data, store.ContentTypeMP4); err != nil {
		return err
	}
	p.logger.Info("final video uploaded",
		slog.String("key", key),
		slog.Int("bytes", len(data)))
	return nil
}

// cleanupLocal removes local .ts and playlist files once they are published.
func (p *Publisher) cleanupLocal() {
	entries, err := os.ReadDir(p.paths.HLSDir())
	if err != nil {
		return
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".ts") || strings.HasSuffix(name, ".m3u8") {
			if os.Remove(filepath.Join(p.paths.HLSDir(), name)) == nil {
				removed++
			}
		}
	}
	p.logger.Debug("local hls files removed", slog.Int("files", removed))
}

// render encodes the playlist under the lock so uploads never see a
// half-rewritten list.
func (p *Publisher) render() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playlist.Encode().Bytes()
}

// savePlaylist writes the current playlist next to the local segments.
func (p *Publisher) savePlaylist() error {
	path := filepath.Join(p.paths.HLSDir(), playlistName)
	if err := os.WriteFile(path, p.render(), 0o644); err != nil {
		return fmt.Errorf("writing playlist: %w", err)
	}
	return nil
}

// parseSegments reads the segment list ffmpeg produced for one MP4.
func parseSegments(playlistPath string) ([]*m3u8.MediaSegment, error) {
	f, err := os.Open(playlistPath)
	if err != nil {
		return nil, fmt.Errorf("opening segment playlist: %w", err)
	}
	defer f.Close()

	parsed, listType, err := m3u8.DecodeFrom(f, false)
	if err != nil {
		return nil, fmt.Errorf("parsing segment playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("segment playlist %s is not a media playlist", playlistPath)
	}

	media := parsed.(*m3u8.MediaPlaylist)
	segments := make([]*m3u8.MediaSegment, 0, media.Count())
	for _, seg := range media.Segments {
		if seg != nil {
			segments = append(segments, seg)
		}
	}
	return segments, nil
}
