package audio

import (
	"encoding/binary"
	"math"
	"slices"
)

// BytesToF32Slice appends the little-endian float32 samples in src to dst.
func BytesToF32Slice(src []byte, dst []float32) []float32 {
	f32len := len(src) / 4
	dst = slices.Grow(dst, f32len)
	for i := 0; i < f32len; i++ {
		bits := binary.LittleEndian.Uint32(src[i*4:])
		dst = append(dst, math.Float32frombits(bits))
	}
	return dst
}

// F32SliceToBytes appends src as little-endian float32 samples to dst.
func F32SliceToBytes(src []float32, dst []byte) []byte {
	s8len := len(src) * 4
	dst = slices.Grow(dst, s8len)
	for i := 0; i < len(src); i++ {
		bits := math.Float32bits(src[i])
		dst = append(dst, byte(bits), byte(bits>>8),
			byte(bits>>16), byte(bits>>24))
	}
	return dst
}

// F32ToS16Slice appends src converted to 16 bit pcm to dst, clamping to
// the valid range.
func F32ToS16Slice(src []float32, dst []int16) []int16 {
	dst = slices.Grow(dst, len(src))
	for _, v := range src {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		dst = append(dst, int16(v*32767))
	}
	return dst
}

// S16ToF32Slice appends src converted to float32 samples to dst.
func S16ToF32Slice(src []int16, dst []float32) []float32 {
	dst = slices.Grow(dst, len(src))
	for _, v := range src {
		dst = append(dst, float32(v)/32768)
	}
	return dst
}
