// Package wire defines the datagram layout shared by the sender and the
// receiver, and a reusable buffer for encoding and decoding datagrams in
// place.
package wire

import (
	"encoding/binary"
	"errors"
)

const (
	// HeaderSize is the number of bytes preceding the payload in every
	// datagram.
	HeaderSize = 12

	// MaxFrameCount bounds the frame count field to a plausible value.
	// Anything larger marks the packet as malformed.
	MaxFrameCount = 4096
)

// Header flag bits.
const (
	// FlagOpus marks the payload as a single opus packet instead of raw
	// little-endian float32 samples.
	FlagOpus = 0x01

	// FlagBye marks the final packet of a session.
	FlagBye = 0x02
)

// Header field offsets. All header fields are big endian.
const (
	offSequence   = 0
	offFrameIndex = 4
	offFrameCount = 8
	offFlags      = 10
	offReserved   = 11
)

// Sanity check failures for received datagrams.
var (
	ErrShortPacket  = errors.New("packet shorter than header")
	ErrFrameCount   = errors.New("implausible frame count")
	ErrPayloadSize  = errors.New("payload size inconsistent with header")
	ErrPacketTooBig = errors.New("packet larger than configured size")
)

// PktBuffer allows reading and modifying a datagram without going through
// a separate encode/decode step. Senders build outbound datagrams into it
// and receivers read inbound datagrams into it, so no per-packet
// allocation happens on either path.
//
// Note: the accessors assume a valid packet has been either written to or
// read into the buffer.
type PktBuffer struct {
	// b is the raw buffer of the datagram, sized to the maximum packet
	// size in use.
	b []byte

	// n is the current number of bytes used from b.
	n int
}

// NewPktBuffer creates a packet buffer presized to datagrams of the given
// maximum size.
func NewPktBuffer(maxSize int) *PktBuffer {
	if maxSize < HeaderSize {
		maxSize = HeaderSize
	}
	return &PktBuffer{b: make([]byte, maxSize)}
}

// HasValidSize returns true if this buffer holds enough bytes to be
// considered a datagram at all.
func (p *PktBuffer) HasValidSize() bool {
	return p.n >= HeaderSize && p.n <= len(p.b)
}

// Sequence returns the sequence number field.
func (p *PktBuffer) Sequence() uint32 {
	return binary.BigEndian.Uint32(p.b[offSequence:])
}

// SetSequence replaces the sequence number field.
func (p *PktBuffer) SetSequence(seq uint32) {
	binary.BigEndian.PutUint32(p.b[offSequence:], seq)
}

// FrameIndex returns the cumulative index of the first frame of the
// payload.
func (p *PktBuffer) FrameIndex() uint32 {
	return binary.BigEndian.Uint32(p.b[offFrameIndex:])
}

// SetFrameIndex replaces the frame index field.
func (p *PktBuffer) SetFrameIndex(fi uint32) {
	binary.BigEndian.PutUint32(p.b[offFrameIndex:], fi)
}

// FrameCount returns the number of frames carried by the payload.
func (p *PktBuffer) FrameCount() int {
	return int(binary.BigEndian.Uint16(p.b[offFrameCount:]))
}

// SetFrameCount replaces the frame count field.
func (p *PktBuffer) SetFrameCount(n int) {
	binary.BigEndian.PutUint16(p.b[offFrameCount:], uint16(n))
}

// Flags returns the flags field.
func (p *PktBuffer) Flags() byte {
	return p.b[offFlags]
}

// SetFlags replaces the flags field.
func (p *PktBuffer) SetFlags(f byte) {
	p.b[offFlags] = f
}

// SetHeader stamps the full header in one call and zeroes the reserved
// byte.
func (p *PktBuffer) SetHeader(seq, frameIndex uint32, frameCount int, flags byte) {
	p.SetSequence(seq)
	p.SetFrameIndex(frameIndex)
	p.SetFrameCount(frameCount)
	p.SetFlags(flags)
	p.b[offReserved] = 0
	if p.n < HeaderSize {
		p.n = HeaderSize
	}
}

// Payload returns the payload bytes of the datagram.
func (p *PktBuffer) Payload() []byte {
	return p.b[HeaderSize:p.n]
}

// PayloadBuf returns the writable payload region, up to the buffer's
// maximum size. Callers that fill it directly must follow up with
// SetPayloadLen.
func (p *PktBuffer) PayloadBuf() []byte {
	return p.b[HeaderSize:]
}

// SetPayloadLen records that the payload occupies pn bytes.
func (p *PktBuffer) SetPayloadLen(pn int) {
	p.n = HeaderSize + pn
}

// CopyPayload copies src into the payload region and records its length.
// Returns the number of bytes copied.
func (p *PktBuffer) CopyPayload(src []byte) int {
	copied := copy(p.b[HeaderSize:], src)
	p.n = HeaderSize + copied
	return copied
}

// SetFullData sets the full datagram content from the passed source
// buffer.
func (p *PktBuffer) SetFullData(src []byte) {
	p.n = copy(p.b, src)
}

// Buf returns the full backing buffer, for reading a datagram directly
// into it. Callers must follow up with SetLen.
func (p *PktBuffer) Buf() []byte {
	return p.b
}

// SetLen records that the buffer holds n bytes of datagram.
func (p *PktBuffer) SetLen(n int) {
	p.n = n
}

// Len returns the current datagram length.
func (p *PktBuffer) Len() int {
	return p.n
}

// OutBuffer returns the bytes of the built datagram.
func (p *PktBuffer) OutBuffer() []byte {
	return p.b[:p.n]
}

// SanityCheck verifies the datagram in the buffer is structurally sound
// for a stream with the given channel count: long enough to carry a
// header, a plausible frame count, and a payload size consistent with the
// frame count and payload mode. Returns one of the Err sentinel values
// when it is not.
func (p *PktBuffer) SanityCheck(channels int) error {
	if p.n < HeaderSize {
		return ErrShortPacket
	}
	if p.n > len(p.b) {
		return ErrPacketTooBig
	}
	fc := p.FrameCount()
	if fc > MaxFrameCount {
		return ErrFrameCount
	}
	payload := p.n - HeaderSize
	if p.Flags()&FlagOpus != 0 {
		// Opus payload sizes vary; only an empty payload claiming to
		// carry frames is inconsistent.
		if payload == 0 && fc > 0 {
			return ErrPayloadSize
		}
		return nil
	}
	if payload != fc*channels*4 {
		return ErrPayloadSize
	}
	return nil
}
