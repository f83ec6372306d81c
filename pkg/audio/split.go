package audio

import "math"

const (
	// silenceRMSThreshold is the normalised RMS energy below which a hop is
	// treated as silence. Equivalent to 300 on the 16-bit PCM scale, which
	// reliably separates speech from room tone on voice recordings.
	silenceRMSThreshold = 300.0 / 32768.0

	// splitHopSeconds is the analysis hop used when scanning for quiet
	// cut points.
	splitHopSeconds = 0.2

	// splitSearchBackSeconds is how far before a hard window boundary the
	// splitter may back up to find a quiet cut point.
	splitSearchBackSeconds = 30.0
)

// Window is a half-open sample range [Start, End) within a [Clip].
type Window struct {
	Start int
	End   int
}

// Len returns the window length in samples.
func (w Window) Len() int { return w.End - w.Start }

// Offset returns the window start in seconds at the given sample rate.
func (w Window) Offset(rate int) float64 {
	if rate == 0 {
		return 0
	}
	return float64(w.Start) / float64(rate)
}

// RMS returns the root-mean-square energy of normalised float32 samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// SplitAtSilence divides clip into consecutive windows no longer than
// maxSeconds each, cutting at the quietest point found within the final
// stretch of each window rather than mid-word. Windows tile the clip
// exactly: each window starts where the previous one ended and the last
// window ends at the final sample. A clip that already fits returns a
// single window.
//
// Hosted transcription endpoints cap upload sizes, and whisper quality
// degrades on multi-hour single calls; both consume these windows.
func SplitAtSilence(clip Clip, maxSeconds float64) []Window {
	total := len(clip.Samples)
	if total == 0 {
		return nil
	}
	maxSamples := int(maxSeconds * float64(clip.SampleRate))
	if maxSamples <= 0 || total <= maxSamples {
		return []Window{{Start: 0, End: total}}
	}

	hop := int(splitHopSeconds * float64(clip.SampleRate))
	if hop < 1 {
		hop = 1
	}
	searchBack := int(splitSearchBackSeconds * float64(clip.SampleRate))

	var windows []Window
	pos := 0
	for total-pos > maxSamples {
		hardEnd := pos + maxSamples
		cut := quietestCut(clip.Samples, hardEnd, searchBack, hop, pos)
		windows = append(windows, Window{Start: pos, End: cut})
		pos = cut
	}
	windows = append(windows, Window{Start: pos, End: total})
	return windows
}

// quietestCut scans backward from hardEnd over at most searchBack samples in
// hop-sized steps and returns the end of the first hop whose RMS falls below
// the silence threshold. When no hop qualifies it falls back to the globally
// quietest hop in range, and to hardEnd itself when the search range is
// empty. The returned cut always lies in (floor, hardEnd].
func quietestCut(samples []float32, hardEnd, searchBack, hop, floor int) int {
	lowest := hardEnd
	best := math.Inf(1)

	stop := hardEnd - searchBack
	if stop < floor+hop {
		stop = floor + hop
	}
	for end := hardEnd; end >= stop; end -= hop {
		start := end - hop
		if start < floor {
			break
		}
		energy := RMS(samples[start:end])
		if energy < silenceRMSThreshold {
			return end
		}
		if energy < best {
			best = energy
			lowest = end
		}
	}
	return lowest
}
