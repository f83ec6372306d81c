// Package audio decodes recorded session audio into the mono 16 kHz float32
// sample stream the transcription providers consume.
//
// WAV files (PCM16 and IEEE float) are parsed natively; every other container
// or codec is decoded through an ffmpeg subprocess, which also handles
// resampling and channel down-mix. [SplitAtSilence] locates low-energy points
// so that long recordings can be transcribed in bounded windows without
// cutting through speech.
package audio

import "fmt"

// WhisperSampleRate is the sample rate (Hz) expected by all supported
// transcription backends.
const WhisperSampleRate = 16000

// Clip is a fully decoded recording: mono float32 samples normalised to
// [-1.0, 1.0] at a known sample rate.
type Clip struct {
	// Samples is the mono PCM data.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int
}

// Duration returns the clip length in seconds.
func (c Clip) Duration() float64 {
	if c.SampleRate == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// resample converts mono float32 samples from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate the input is returned
// unchanged.
func resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
