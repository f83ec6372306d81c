package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Decode reads an audio file and returns a mono [Clip] at
// [WhisperSampleRate]. Files with a .wav extension are parsed natively and
// resampled in-process; everything else (mp3, m4a, flac, ogg, opus, …) is
// decoded via ffmpeg. A .wav file whose payload is not actually RIFF/WAVE
// falls through to ffmpeg as well.
func Decode(ctx context.Context, path string) (Clip, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		data, err := os.ReadFile(path)
		if err != nil {
			return Clip{}, fmt.Errorf("audio: read %s: %w", path, err)
		}
		clip, err := DecodeWAV(data)
		switch {
		case err == nil:
			if clip.SampleRate != WhisperSampleRate {
				clip.Samples = resample(clip.Samples, clip.SampleRate, WhisperSampleRate)
				clip.SampleRate = WhisperSampleRate
			}
			return clip, nil
		case errors.Is(err, ErrNotWAV):
			// Mislabelled extension; let ffmpeg sniff the real format.
		default:
			return Clip{}, err
		}
	}
	return decodeFFmpeg(ctx, path, WhisperSampleRate)
}
