package audio

// ITU-T G.711 mu-law companding. Telephone carriers stream 8-bit mu-law at
// 8 kHz; everything upstream of the media socket works in 16-bit linear PCM.

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// MuLawEncode compresses 16-bit linear samples to 8-bit mu-law.
func MuLawEncode(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = muLawEncodeSample(s)
	}
	return out
}

// MuLawDecode expands 8-bit mu-law bytes to 16-bit linear samples.
func MuLawDecode(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = muLawDecodeSample(b)
	}
	return out
}

func muLawEncodeSample(s int16) byte {
	x := int(s)
	var sign byte
	if x < 0 {
		x = -x
		sign = 0x80
	}
	if x > muLawClip {
		x = muLawClip
	}
	x += muLawBias

	// Segment number: position of the highest set bit above bit 7.
	exp := 7
	for mask := 0x4000; exp > 0 && x&mask == 0; mask >>= 1 {
		exp--
	}
	mantissa := byte((x >> uint(exp+3)) & 0x0f)
	return ^(sign | byte(exp)<<4 | mantissa)
}

func muLawDecodeSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exp := (b >> 4) & 0x07
	mantissa := b & 0x0f
	x := ((int(mantissa) << 3) + muLawBias) << uint(exp)
	x -= muLawBias
	if sign != 0 {
		x = -x
	}
	return int16(x)
}
