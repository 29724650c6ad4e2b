package audio

import (
	"encoding/binary"
	"fmt"
)

// WAVInfo is the subset of the RIFF header this service cares about.
type WAVInfo struct {
	SampleRate int
	Channels   int
	Bits       int
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// ParseWAV strips the RIFF header from a WAV buffer and returns the raw PCM
// payload plus the parsed format. The data chunk is located by scanning for
// its FourCC rather than assuming a 44-byte header; some TTS backends emit
// LIST or fact chunks ahead of it. Stereo input is downmixed to mono by
// averaging. Anything other than 16-bit PCM is rejected.
func ParseWAV(data []byte) ([]byte, WAVInfo, error) {
	var info WAVInfo
	if !IsWAV(data) || len(data) < 44 {
		return nil, info, fmt.Errorf("wav: not a RIFF/WAVE buffer")
	}

	info.Channels = int(binary.LittleEndian.Uint16(data[22:24]))
	info.SampleRate = int(binary.LittleEndian.Uint32(data[24:28]))
	info.Bits = int(binary.LittleEndian.Uint16(data[34:36]))

	if info.Bits != 16 {
		return nil, info, fmt.Errorf("wav: unsupported bit depth %d, want 16", info.Bits)
	}
	if info.Channels < 1 {
		return nil, info, fmt.Errorf("wav: invalid channel count %d", info.Channels)
	}

	// Walk the chunk list starting after the RIFF/WAVE preamble.
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if id == "data" {
			end := body + size
			if size <= 0 || end > len(data) {
				end = len(data)
			}
			pcm := data[body:end]
			if info.Channels > 1 {
				pcm = downmix(pcm, info.Channels)
				info.Channels = 1
			}
			return pcm, info, nil
		}
		// Chunks are word-aligned.
		pos = body + size + (size & 1)
	}
	return nil, info, fmt.Errorf("wav: data chunk not found")
}

// downmix averages interleaved channels into mono 16-bit PCM.
func downmix(pcm []byte, channels int) []byte {
	frame := 2 * channels
	frames := len(pcm) / frame
	out := make([]byte, 2*frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			off := i*frame + 2*c
			sum += int(int16(binary.LittleEndian.Uint16(pcm[off : off+2])))
		}
		binary.LittleEndian.PutUint16(out[2*i:2*i+2], uint16(int16(sum/channels)))
	}
	return out
}
