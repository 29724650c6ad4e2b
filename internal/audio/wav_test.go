package audio

import (
	"encoding/binary"
	"testing"
)

// buildWAV assembles a RIFF buffer with optional extra chunks before data.
func buildWAV(sampleRate, channels, bits int, extra []byte, pcm []byte) []byte {
	var b []byte
	app := func(s string) { b = append(b, s...) }
	u16 := func(v int) { b = binary.LittleEndian.AppendUint16(b, uint16(v)) }
	u32 := func(v int) { b = binary.LittleEndian.AppendUint32(b, uint32(v)) }

	app("RIFF")
	u32(0) // size, unused by the parser
	app("WAVE")
	app("fmt ")
	u32(16)
	u16(1) // PCM
	u16(channels)
	u32(sampleRate)
	u32(sampleRate * channels * bits / 8)
	u16(channels * bits / 8)
	u16(bits)
	b = append(b, extra...)
	app("data")
	u32(len(pcm))
	b = append(b, pcm...)
	return b
}

func TestParseWAV_Standard(t *testing.T) {
	pcm := Int16ToBytes([]int16{10, 20, 30})
	data := buildWAV(24000, 1, 16, nil, pcm)
	got, info, err := ParseWAV(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info.SampleRate != 24000 || info.Channels != 1 || info.Bits != 16 {
		t.Fatalf("unexpected info: %+v", info)
	}
	if len(got) != len(pcm) {
		t.Fatalf("pcm length mismatch: %d vs %d", len(got), len(pcm))
	}
}

func TestParseWAV_DataChunkAtOffset78(t *testing.T) {
	// A LIST chunk pushes the data FourCC to byte offset 78.
	extra := append([]byte("LIST"), binary.LittleEndian.AppendUint32(nil, 34)...)
	extra = append(extra, make([]byte, 34)...)
	pcm := Int16ToBytes([]int16{1, 2, 3, 4})
	data := buildWAV(22050, 1, 16, extra, pcm)

	if string(data[78:82]) != "data" {
		t.Fatalf("test fixture wrong: data chunk at %q", data[78:82])
	}
	got, info, err := ParseWAV(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info.SampleRate != 22050 {
		t.Fatalf("sample rate: %d", info.SampleRate)
	}
	if len(got) != len(pcm) {
		t.Fatalf("pcm length mismatch: %d vs %d", len(got), len(pcm))
	}
}

func TestParseWAV_StereoDownmix(t *testing.T) {
	// L=100 R=300 averages to 200.
	pcm := Int16ToBytes([]int16{100, 300, -100, -300})
	data := buildWAV(16000, 2, 16, nil, pcm)
	got, info, err := ParseWAV(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info.Channels != 1 {
		t.Fatalf("expected mono after downmix, got %d", info.Channels)
	}
	samples := BytesToInt16(got)
	if len(samples) != 2 || samples[0] != 200 || samples[1] != -200 {
		t.Fatalf("downmix wrong: %v", samples)
	}
}

func TestParseWAV_RejectsNon16Bit(t *testing.T) {
	data := buildWAV(8000, 1, 8, nil, []byte{1, 2, 3})
	if _, _, err := ParseWAV(data); err == nil {
		t.Fatalf("expected error for 8-bit wav")
	}
}

func TestParseWAV_RejectsGarbage(t *testing.T) {
	if _, _, err := ParseWAV([]byte("definitely not a wav file at all")); err == nil {
		t.Fatalf("expected error for non-wav buffer")
	}
	if IsWAV([]byte("RIFF....WAVE")) != true {
		t.Fatalf("IsWAV should accept minimal preamble")
	}
}
