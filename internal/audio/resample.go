package audio

import "encoding/binary"

// ResampleLinear converts pcm from srcRate to dstRate by linear interpolation
// between adjacent source samples. No anti-alias filter is applied; at
// telephone bandwidth (dst fixed at 8000) the artifacts are inaudible and the
// determinism is worth more than the fidelity.
//
// Output length is ceil(len(pcm) * dstRate / srcRate). Equal rates return a
// copy of the input unchanged.
func ResampleLinear(pcm []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || len(pcm) == 0 {
		return nil
	}
	if srcRate == dstRate {
		out := make([]int16, len(pcm))
		copy(out, pcm)
		return out
	}

	outLen := (len(pcm)*dstRate + srcRate - 1) / srcRate
	out := make([]int16, outLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(pcm)-1 {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		frac := pos - float64(idx)
		v := float64(pcm[idx]) + frac*(float64(pcm[idx+1])-float64(pcm[idx]))
		out[i] = clampInt16(v)
	}
	return out
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// BytesToInt16 reinterprets little-endian 16-bit PCM bytes as samples.
// A trailing odd byte is dropped.
func BytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i : 2*i+2]))
	}
	return out
}

// Int16ToBytes serializes samples as little-endian 16-bit PCM.
func Int16ToBytes(s []int16) []byte {
	out := make([]byte, 2*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[2*i:2*i+2], uint16(v))
	}
	return out
}
