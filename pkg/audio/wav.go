package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// WAV format codes from the RIFF specification.
const (
	wavFormatPCM        = 1
	wavFormatIEEEFloat  = 3
	wavFormatExtensible = 0xFFFE
)

// ErrNotWAV is returned by [DecodeWAV] when the input does not carry a
// RIFF/WAVE signature. Callers typically fall back to the ffmpeg path.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE file")

// wavHeader holds the fields of a parsed "fmt " sub-chunk.
type wavHeader struct {
	format        uint16
	channels      int
	sampleRate    int
	bitsPerSample int
}

// DecodeWAV parses a RIFF/WAVE byte stream into a mono [Clip] at the
// container's native sample rate. 16-bit PCM and 32-bit IEEE float payloads
// are supported, including the WAVE_FORMAT_EXTENSIBLE wrapping both emit.
// Multi-channel audio is down-mixed by averaging all channels per frame.
func DecodeWAV(data []byte) (Clip, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Clip{}, ErrNotWAV
	}

	var hdr wavHeader
	var pcm []byte
	haveFmt := false

	// Walk the sub-chunks. Chunk payloads are padded to even lengths.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			return Clip{}, fmt.Errorf("audio: wav chunk %q overruns file", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return Clip{}, fmt.Errorf("audio: wav fmt chunk too short (%d bytes)", size)
			}
			hdr.format = binary.LittleEndian.Uint16(data[body : body+2])
			hdr.channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			hdr.sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			hdr.bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			// Extensible headers bury the real format code in the
			// sub-format GUID.
			if hdr.format == wavFormatExtensible && size >= 40 {
				hdr.format = binary.LittleEndian.Uint16(data[body+24 : body+26])
			}
			haveFmt = true
		case "data":
			pcm = data[body : body+size]
		}

		off = body + size
		if size%2 == 1 {
			off++ // pad byte
		}
	}

	if !haveFmt {
		return Clip{}, errors.New("audio: wav missing fmt chunk")
	}
	if pcm == nil {
		return Clip{}, errors.New("audio: wav missing data chunk")
	}
	if hdr.channels <= 0 || hdr.sampleRate <= 0 {
		return Clip{}, fmt.Errorf("audio: invalid wav format %s", formatString(hdr.sampleRate, hdr.channels))
	}

	var samples []float32
	switch {
	case hdr.format == wavFormatPCM && hdr.bitsPerSample == 16:
		samples = pcm16ToFloat32Mono(pcm, hdr.channels)
	case hdr.format == wavFormatIEEEFloat && hdr.bitsPerSample == 32:
		samples = float32LEToMono(pcm, hdr.channels)
	default:
		return Clip{}, fmt.Errorf("audio: unsupported wav encoding (format %d, %d bits)", hdr.format, hdr.bitsPerSample)
	}

	return Clip{Samples: samples, SampleRate: hdr.sampleRate}, nil
}

// EncodeWAV wraps mono float32 samples in a standard RIFF/WAV container with
// 16-bit signed little-endian PCM payload. The returned byte slice is
// suitable for direct inclusion in a multipart form upload.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(samples) * 2

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[44+i*2:46+i*2], uint16(float32ToInt16(s)))
	}
	return buf
}

// pcm16ToFloat32Mono converts 16-bit signed little-endian PCM to mono
// float32 samples normalised to [-1.0, 1.0], averaging all channels per
// frame. Any trailing partial frame is silently ignored.
func pcm16ToFloat32Mono(pcm []byte, channels int) []float32 {
	frames := len(pcm) / (2 * channels)
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sample := int16(binary.LittleEndian.Uint16(pcm[idx : idx+2]))
			sum += float32(sample) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// float32LEToMono converts 32-bit IEEE float little-endian samples to mono,
// averaging all channels per frame.
func float32LEToMono(raw []byte, channels int) []float32 {
	frames := len(raw) / (4 * channels)
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 4
			bits := binary.LittleEndian.Uint32(raw[idx : idx+4])
			sum += math.Float32frombits(bits)
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// float32ToInt16 clamps a normalised sample to the int16 range.
func float32ToInt16(s float32) int16 {
	v := s * 32767
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return int16(v)
}
