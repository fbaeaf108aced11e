package audio

import (
	"testing"

	"github.com/companyzero/netaudio/internal/assert"
)

func TestF32BytesRoundTrip(t *testing.T) {
	src := []float32{0, 1, -1, 0.5, -0.25, 1e-7, 12345.678}
	b := F32SliceToBytes(src, nil)
	assert.DeepEqual(t, len(b), len(src)*4)
	got := BytesToF32Slice(b, nil)
	assert.DeepEqual(t, got, src)

	// Known little-endian layout for 1.0 (0x3f800000).
	one := F32SliceToBytes([]float32{1}, nil)
	assert.DeepEqual(t, one, []byte{0x00, 0x00, 0x80, 0x3f})

	// Appending reuses the destination.
	buf := make([]byte, 0, 64)
	buf = F32SliceToBytes(src[:2], buf)
	buf = F32SliceToBytes(src[2:4], buf)
	assert.DeepEqual(t, BytesToF32Slice(buf, nil), src[:4])
}

func TestS16Conversion(t *testing.T) {
	got := F32ToS16Slice([]float32{0, 1, -1, 2, -2, 0.5}, nil)
	assert.DeepEqual(t, got, []int16{0, 32767, -32767, 32767, -32767, 16383})

	back := S16ToF32Slice(got, nil)
	assert.SamplesNear(t, back, []float32{0, 1, -1, 1, -1, 0.5}, 1e-3)
}
