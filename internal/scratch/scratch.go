// Package scratch manages the per-task scratch directory and the object-store
// key layout for published artifacts. Each task owns a unique directory tree
// that is deleted on completion or error.
package scratch

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// DirPrefix marks scratch directories so stale ones can be swept later.
const DirPrefix = "dub_"

// Subdirectories of a task scratch dir.
const (
	processingDir = "processing"
	mediaDir      = "media"
	segmentsDir   = "segments"
	promptsDir    = "audio_prompts"
	ttsOutputDir  = "tts_output"
	hlsDir        = "hls"
)

// Manager owns one task's scratch directory tree.
type Manager struct {
	taskID string
	root   string

	// VideoPath is set once the silent video download completes.
	VideoPath string
}

// NewManager creates the scratch tree for a task under baseDir (or the
// system temp dir when empty). The directory name carries a ULID so
// concurrent runs of the same task never collide.
func NewManager(baseDir, taskID string) (*Manager, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}

	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)

	root := filepath.Join(baseDir, fmt.Sprintf("%s%s_%s", DirPrefix, taskID, id.String()))
	for _, sub := range []string{processingDir, mediaDir, segmentsDir, promptsDir, ttsOutputDir, hlsDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating scratch dir: %w", err)
		}
	}

	return &Manager{taskID: taskID, root: root}, nil
}

// TaskID returns the owning task's ID.
func (m *Manager) TaskID() string { return m.taskID }

// Root returns the scratch root directory.
func (m *Manager) Root() string { return m.root }

// ProcessingDir holds intermediate audio (extracted, separated tracks).
func (m *Manager) ProcessingDir() string { return filepath.Join(m.root, processingDir) }

// MediaDir holds downloaded source media.
func (m *Manager) MediaDir() string { return filepath.Join(m.root, mediaDir) }

// SegmentsDir holds produced MP4 segments.
func (m *Manager) SegmentsDir() string { return filepath.Join(m.root, segmentsDir) }

// PromptsDir holds speaker-reference clips.
func (m *Manager) PromptsDir() string { return filepath.Join(m.root, promptsDir) }

// TTSOutputDir holds optional per-sentence synthesis debug WAVs.
func (m *Manager) TTSOutputDir() string { return filepath.Join(m.root, ttsOutputDir) }

// HLSDir holds local .ts segments and playlists before upload.
func (m *Manager) HLSDir() string { return filepath.Join(m.root, hlsDir) }

// OriginalAudioPath is the extracted source audio.
func (m *Manager) OriginalAudioPath() string {
	return filepath.Join(m.ProcessingDir(), "original_audio.wav")
}

// VocalsPath is the separated vocals track.
func (m *Manager) VocalsPath() string {
	return filepath.Join(m.ProcessingDir(), "vocals.wav")
}

// InstrumentalPath is the separated background track.
func (m *Manager) InstrumentalPath() string {
	return filepath.Join(m.ProcessingDir(), "instrumental.wav")
}

// SilentVideoPath derives the silent-video path from the source video key.
func (m *Manager) SilentVideoPath(videoKey string) string {
	base := filepath.Base(strings.ReplaceAll(videoKey, "\\", "/"))
	return filepath.Join(m.MediaDir(), "silent_"+base)
}

// SegmentPath returns the MP4 path for one batch.
func (m *Manager) SegmentPath(batchCounter int) string {
	return filepath.Join(m.SegmentsDir(), fmt.Sprintf("segment_%d.mp4", batchCounter))
}

// FinalVideoPath is the concatenated output MP4.
func (m *Manager) FinalVideoPath() string {
	return filepath.Join(m.root, fmt.Sprintf("final_%s.mp4", m.taskID))
}

// Cleanup deletes the whole scratch tree.
func (m *Manager) Cleanup() error {
	if m.root == "" {
		return nil
	}
	return os.RemoveAll(m.root)
}

// Object-store key layout.

// PlaylistKey is the published playlist key for a task.
func PlaylistKey(taskID string) string {
	return fmt.Sprintf("hls/%s/playlist.m3u8", taskID)
}

// SegmentKey is the published key of one .ts segment file.
func SegmentKey(taskID, filename string) string {
	return fmt.Sprintf("hls/%s/%s", taskID, filename)
}

// FinalVideoKey is the published key of the consolidated MP4.
func FinalVideoKey(taskID string) string {
	return fmt.Sprintf("videos/%s/final_video.mp4", taskID)
}
