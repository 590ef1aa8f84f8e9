package ffmpeg

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/streamdub/streamdub/internal/audio"
)

// ExtractAudio demuxes the audio track of input into mono 32-bit float PCM.
func (r *Runner) ExtractAudio(ctx context.Context, input, output string) error {
	cmd := r.builder().
		Input(input).
		OutputArgs("-vn", "-acodec", "pcm_f32le", "-ac", "1").
		Output(output).
		Build()
	return r.run(ctx, cmd)
}

// ExtractSilentVideo strips the audio track, re-encoding video so the result
// cuts cleanly at arbitrary timestamps.
func (r *Runner) ExtractSilentVideo(ctx context.Context, input, output string) error {
	cmd := r.builder().
		Input(input).
		OutputArgs("-an", "-c:v", "libx264", "-preset", "ultrafast", "-crf", "18").
		Output(output).
		Build()
	return r.run(ctx, cmd)
}

// SegmentHLS splits an MP4 into MPEG-TS segments plus a playlist, appending
// to any existing list and omitting the end marker so the stream stays live.
func (r *Runner) SegmentHLS(ctx context.Context, input, segmentPattern, playlistOut string, segmentSeconds int) error {
	cmd := r.builder().
		Input(input).
		OutputArgs(
			"-c", "copy",
			"-f", "hls",
			"-hls_time", strconv.Itoa(segmentSeconds),
			"-hls_list_size", "0",
			"-hls_segment_type", "mpegts",
			"-hls_flags", "append_list+omit_endlist",
			"-hls_allow_cache", "0",
			"-hls_segment_filename", segmentPattern,
		).
		Output(playlistOut).
		Build()
	return r.run(ctx, cmd)
}

// CutVideo extracts the [startSec, startSec+durationSec] window of the
// silent video into its own file.
func (r *Runner) CutVideo(ctx context.Context, input string, startSec, durationSec float64, output string) error {
	cmd := r.builder().
		InputArgs("-ss", formatSeconds(startSec)).
		Input(input).
		OutputArgs("-t", formatSeconds(durationSec),
			"-c:v", "libx264", "-preset", "superfast", "-an").
		Output(output).
		Build()
	return r.run(ctx, cmd)
}

// Mux combines a video file and an audio file, stream-copying video and
// encoding audio to AAC.
func (r *Runner) Mux(ctx context.Context, videoIn, audioIn, output string) error {
	cmd := r.builder().
		Input(videoIn).
		Input(audioIn).
		OutputArgs("-c:v", "copy", "-c:a", "aac").
		Output(output).
		Build()
	return r.run(ctx, cmd)
}

// MuxWithSubtitles is Mux with an ASS subtitle burn-in, which forces a video
// re-encode.
func (r *Runner) MuxWithSubtitles(ctx context.Context, videoIn, audioIn, assPath, output string) error {
	filter := fmt.Sprintf("[0:v]subtitles='%s'[v]", assPath)
	cmd := r.builder().
		Input(videoIn).
		Input(audioIn).
		OutputArgs(
			"-filter_complex", filter,
			"-map", "[v]", "-map", "1:a",
			"-c:v", "libx264", "-preset", "superfast", "-crf", "23",
			"-c:a", "aac",
		).
		Output(output).
		Build()
	return r.run(ctx, cmd)
}

// ConcatCopy concatenates MP4s listed in a concat demuxer list file without
// re-encoding.
func (r *Runner) ConcatCopy(ctx context.Context, listPath, output string) error {
	cmd := r.builder().
		InputArgs("-f", "concat", "-safe", "0").
		Input(listPath).
		OutputArgs("-c", "copy").
		Output(output).
		Build()
	return r.run(ctx, cmd)
}

// TimeStretch changes the duration of mono float32 PCM by the given speed
// factor without altering pitch, piping raw samples through an atempo
// filter. Factors outside what atempo accepts indicate an alignment bug
// upstream and are rejected with audio.ErrStretchOutOfRange.
func (r *Runner) TimeStretch(ctx context.Context, pcm []float32, sampleRate int, speed float64) ([]float32, error) {
	if speed < 0.5 || speed > 100 {
		return nil, fmt.Errorf("atempo=%g: %w", speed, audio.ErrStretchOutOfRange)
	}
	if len(pcm) == 0 {
		return nil, nil
	}

	in := make([]byte, len(pcm)*4)
	for i, s := range pcm {
		binary.LittleEndian.PutUint32(in[i*4:], math.Float32bits(s))
	}

	sr := strconv.Itoa(sampleRate)
	cmd := r.builder().
		InputArgs("-f", "f32le", "-ar", sr, "-ac", "1").
		Input("pipe:0").
		OutputArgs("-filter:a", "atempo="+strconv.FormatFloat(speed, 'f', -1, 64), "-f", "f32le").
		Output("pipe:1").
		Build()

	var out bytes.Buffer
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = &out

	if err := r.run(ctx, cmd); err != nil {
		return nil, fmt.Errorf("time-stretch at %gx: %w", speed, err)
	}

	raw := out.Bytes()
	stretched := make([]float32, len(raw)/4)
	for i := range stretched {
		stretched[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return stretched, nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
