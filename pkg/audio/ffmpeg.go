package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// FFmpegAvailable reports whether an ffmpeg binary can be found on PATH.
// check-setup surfaces this; [Decode] returns a descriptive error for
// non-WAV input when it is missing.
func FFmpegAvailable() bool {
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

// decodeFFmpeg shells out to ffmpeg to decode any container/codec into mono
// float32 samples at the requested rate. ffmpeg owns demuxing, codec
// selection, down-mix, and resampling; we read raw f32le off its stdout.
func decodeFFmpeg(ctx context.Context, path string, sampleRate int) (Clip, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return Clip{}, fmt.Errorf("audio: ffmpeg not found on PATH (required for non-wav input): %w", err)
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-nostdin",
		"-v", "error",
		"-i", path,
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return Clip{}, fmt.Errorf("audio: ffmpeg decode %s: %s: %w", path, msg, err)
		}
		return Clip{}, fmt.Errorf("audio: ffmpeg decode %s: %w", path, err)
	}

	raw := stdout.Bytes()
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
	}
	return Clip{Samples: samples, SampleRate: sampleRate}, nil
}
