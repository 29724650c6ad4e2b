package audio

import "testing"

// quantStep returns the mu-law quantization interval for a sample magnitude.
func quantStep(x int) int {
	if x < 0 {
		x = -x
	}
	if x > muLawClip {
		x = muLawClip
	}
	x += muLawBias
	exp := 7
	for mask := 0x4000; exp > 0 && x&mask == 0; mask >>= 1 {
		exp--
	}
	return 1 << uint(exp+3)
}

func TestMuLawRoundTrip_BoundedError(t *testing.T) {
	for v := -32768; v <= 32767; v++ {
		s := int16(v)
		dec := muLawDecodeSample(muLawEncodeSample(s))

		want := v
		if want > muLawClip {
			want = muLawClip
		}
		if want < -muLawClip {
			want = -muLawClip
		}
		diff := int(dec) - want
		if diff < 0 {
			diff = -diff
		}
		if diff > quantStep(v) {
			t.Fatalf("sample %d: decoded %d, error %d exceeds step %d", v, dec, diff, quantStep(v))
		}
	}
}

func TestMuLawEncode_Silence(t *testing.T) {
	// Zero encodes to 0xFF in mu-law.
	if got := muLawEncodeSample(0); got != 0xff {
		t.Fatalf("expected 0xFF for silence, got %#x", got)
	}
}

func TestMuLawSlices_LengthsMatch(t *testing.T) {
	pcm := []int16{0, 100, -100, 32767, -32768}
	enc := MuLawEncode(pcm)
	if len(enc) != len(pcm) {
		t.Fatalf("encode length mismatch: %d vs %d", len(enc), len(pcm))
	}
	dec := MuLawDecode(enc)
	if len(dec) != len(pcm) {
		t.Fatalf("decode length mismatch: %d vs %d", len(dec), len(pcm))
	}
}
