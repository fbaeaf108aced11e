package receiver

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/companyzero/netaudio/internal/audio"
	"github.com/companyzero/netaudio/internal/seqwindow"
	"github.com/companyzero/netaudio/ring"
	"github.com/companyzero/netaudio/wire"
)

// FillPolicy selects what is written in place of frames lost to the
// network.
type FillPolicy uint8

const (
	// FillSilence writes zero samples.
	FillSilence FillPolicy = iota

	// FillHold repeats the last frame heard before the gap.
	FillHold
)

func (p FillPolicy) String() string {
	switch p {
	case FillSilence:
		return "silence"
	case FillHold:
		return "hold"
	default:
		return fmt.Sprintf("fillpolicy(%d)", uint8(p))
	}
}

// ParseFillPolicy parses the string form of a fill policy.
func ParseFillPolicy(s string) (FillPolicy, error) {
	switch s {
	case "silence":
		return FillSilence, nil
	case "hold":
		return FillHold, nil
	default:
		return 0, fmt.Errorf("unknown fill policy %q", s)
	}
}

// session tracks the stream of a particular remote peer, keyed by its
// source address.
type session struct {
	r    *Receiver
	addr netip.AddrPort

	lastRead atomicTime

	// state is the tagged lifecycle state. The stream fields below are
	// written only while the state is StateUninitialized and published
	// by the first store of a later state, so the playback callback and
	// the sweep loop check the state before touching them.
	state atomic.Uint32

	// Stream fields, owned by the network read loop. Allocated when the
	// first data packet of a stream arrives.
	window     *seqwindow.Window
	ring       *ring.Buffer
	opus       bool
	decoder    audio.StreamDecoder
	decodeBuf  []int16
	pcmBuf     []float32
	fillBuf    []float32
	holdFrame  [audio.Channels]float32
	fillPolicy FillPolicy

	// baseFrameIndex maps the sender's frame clock to absolute ring
	// positions: the frame with index baseFrameIndex sits at basePos.
	// Re-anchored at the write cursor after every append.
	baseFrameIndex uint32
	basePos        uint64

	prefillTarget int
	maxPrefill    int

	// initFailed marks a session whose stream init failed. Written
	// before its draining state is stored.
	initFailed     bool
	warnedInactive bool

	// underrunFrames counts consecutive underrun frames. Only the
	// playback callback touches it.
	underrunFrames int
}

func newSession(addr netip.AddrPort, recvTime time.Time, r *Receiver) *session {
	s := &session{
		addr: addr,
		r:    r,
	}
	s.lastRead.Store(recvTime)
	return s
}

// LastReadTime returns the time when the last packet was received from
// this session's peer.
func (s *session) LastReadTime() time.Time {
	return s.lastRead.Load()
}

func (s *session) String() string {
	return s.addr.String()
}

func (s *session) curState() State {
	return State(s.state.Load())
}

func (s *session) setState(st State) {
	s.state.Store(uint32(st))
	s.r.stats.sessionState.Set(float64(st))
}

// playing reports whether the playback callback should consume from this
// session's ring. A session whose init failed drains without ever
// allocating a ring.
func (s *session) playing() bool {
	st := s.curState()
	return st == StateSteady || (st == StateDraining && !s.initFailed)
}

// drained reports whether a draining session has played out its buffer.
func (s *session) drained() bool {
	return s.curState() == StateDraining && !s.initFailed &&
		(s.ring == nil || s.ring.Occupied() == 0)
}

// initStream allocates the stream state when the first data packet of a
// session (or of a restarted stream) arrives. The packet's flags fix the
// codec for the whole stream.
func (s *session) initStream(pkt *wire.PktBuffer) error {
	cfg := &s.r.cfg

	w, err := seqwindow.New(cfg.windowSize)
	if err != nil {
		return err
	}
	rb, err := ring.New(cfg.ringCap, audio.Channels)
	if err != nil {
		return err
	}

	s.opus = pkt.Flags()&wire.FlagOpus != 0
	codec := "raw"
	if s.opus {
		codec = "opus"
		dec, err := s.r.audioCtx.NewDecoder(audio.SampleRate, audio.Channels)
		if err != nil {
			return fmt.Errorf("opus decoder: %v", err)
		}
		s.decoder = dec
		s.decodeBuf = make([]int16, wire.MaxFrameCount*audio.Channels)
	}

	s.window = w
	s.ring = rb
	s.pcmBuf = make([]float32, 0, wire.MaxFrameCount*audio.Channels)
	s.fillBuf = make([]float32, audio.PeriodFrames*audio.Channels)
	s.holdFrame = [audio.Channels]float32{}
	s.fillPolicy = cfg.fillPolicy
	s.prefillTarget = cfg.prefillFrames
	s.maxPrefill = min(audio.SampleRate, rb.Cap())
	s.baseFrameIndex = pkt.FrameIndex()
	s.basePos = 0
	s.underrunFrames = 0

	s.r.stats.sessionsStarted.Inc()
	s.r.stats.prefillTarget.Set(float64(s.prefillTarget))
	s.r.log.Infof("Starting %s stream from %s, prefilling %d frames",
		codec, s, s.prefillTarget)

	s.setState(StatePrefilling)
	return nil
}

// handleData places one sanity-checked data packet into the stream. It
// runs on the network read loop only.
func (s *session) handleData(pkt *wire.PktBuffer) {
	if s.curState() == StateUninitialized {
		if err := s.initStream(pkt); err != nil {
			s.r.log.Errorf("Unable to start stream from %s: %v", s, err)
			s.initFailed = true
			s.setState(StateDraining)
			return
		}
	}

	if opus := pkt.Flags()&wire.FlagOpus != 0; opus != s.opus {
		s.r.stats.pktsMalformed.Inc()
		s.r.log.Debugf("Discarding packet from %s with flipped codec flag", s)
		return
	}

	if s.curState() == StateStalled {
		// The playback callback ran dry. Rebuild a deeper buffer before
		// resuming.
		s.prefillTarget = min(s.prefillTarget*2, s.maxPrefill)
		s.setState(StatePrefilling)
		s.r.stats.stalls.Inc()
		s.r.stats.prefillTarget.Set(float64(s.prefillTarget))
		s.r.log.Warnf("Playback of %s stalled, refilling %d frames",
			s, s.prefillTarget)
	}

	verdict, dist := s.window.Classify(pkt.Sequence())
	switch verdict {
	case seqwindow.Expected:
		s.place(pkt, 0)

	case seqwindow.Early:
		s.place(pkt, dist)

	case seqwindow.Resync:
		s.r.stats.resyncs.Inc()
		s.r.log.Warnf("Major gap from %s: seq %d is %d packets ahead of "+
			"the window, resyncing", s, pkt.Sequence(), dist)
		s.rebase(pkt.FrameIndex())
		s.place(pkt, 0)

	case seqwindow.Late:
		s.placeLate(pkt)

	case seqwindow.Duplicate:
		s.r.stats.pktsDuplicate.Inc()

	case seqwindow.Stale:
		s.r.stats.pktsStale.Inc()
		s.r.log.Debugf("Discarding stale packet seq %d from %s (distance %d)",
			pkt.Sequence(), s, dist)
	}

	occ := s.ring.Occupied()
	if s.curState() == StatePrefilling && occ >= s.prefillTarget {
		s.setState(StateSteady)
		s.r.log.Infof("Prefilled %d frames from %s, playback on", occ, s)
	}
	s.r.stats.ringOccupied.Set(float64(occ))
}

// place appends a packet that advances the stream, bridging any frame
// gap before it. skipped is the number of sequence numbers the packet
// jumped over.
func (s *session) place(pkt *wire.PktBuffer, skipped int) {
	fi := pkt.FrameIndex()
	gap := int64(int32(fi - s.baseFrameIndex))
	switch {
	case gap == 0:
		// Aligned with the write cursor.

	case gap > 0 && gap <= int64(s.ring.Cap()):
		s.writeFill(int(gap), skipped, pkt)

	default:
		// The sender's frame clock jumped backwards or further than
		// the ring could hold. Drop the gap instead of bridging it.
		s.r.stats.resyncs.Inc()
		s.r.log.Warnf("Frame index from %s jumped %d frames, rebasing", s, gap)
		s.rebase(fi)
	}
	s.appendPayload(pkt)
}

// writeFill bridges a gap of gapFrames frames ending at pkt's first
// frame. In opus mode a single lost packet is reconstructed from the
// recovery data of the packet following it; anything else uses the
// configured fill policy.
func (s *session) writeFill(gapFrames, skipped int, pkt *wire.PktBuffer) {
	defer s.rebase(pkt.FrameIndex())

	if s.opus && skipped == 1 && gapFrames == pkt.FrameCount() {
		decoded, err := s.decoder.Decode(nil, gapFrames, true, s.decodeBuf)
		if err == nil {
			s.append(audio.S16ToF32Slice(decoded, s.pcmBuf[:0]))
			s.r.stats.fecFrames.Add(float64(gapFrames))
			s.r.stats.framesFilledAtomic.Add(uint64(gapFrames))
			s.r.log.Debugf("Concealed %d lost frames from %s with fec",
				gapFrames, s)
			return
		}
		s.r.stats.decodeFails.Inc()
		s.r.log.Debugf("Unable to conceal lost packet from %s: %v", s, err)
	}

	for left := gapFrames; left > 0; {
		n := min(left, len(s.fillBuf)/audio.Channels)
		chunk := s.fillBuf[:n*audio.Channels]
		if s.fillPolicy == FillHold {
			for i := 0; i < n; i++ {
				copy(chunk[i*audio.Channels:], s.holdFrame[:])
			}
		}
		s.append(chunk)
		left -= n
	}
	s.r.stats.gapFrames.Add(float64(gapFrames))
	s.r.stats.framesFilledAtomic.Add(uint64(gapFrames))
	s.r.log.Debugf("Filled %d frame gap from %s with %s", gapFrames, s,
		s.fillPolicy)
}

// append writes pcm at the write cursor, truncating when the ring is
// full.
func (s *session) append(pcm []float32) {
	frames := len(pcm) / audio.Channels
	wrote := s.ring.AppendTruncate(pcm)
	if wrote < frames {
		s.r.stats.framesTruncated.Add(float64(frames - wrote))
		s.r.log.Debugf("Ring full for %s, dropped %d frames", s, frames-wrote)
	}
}

// appendPayload decodes pkt's payload if needed, appends it at the write
// cursor and re-anchors the frame index mapping past it.
func (s *session) appendPayload(pkt *wire.PktBuffer) {
	fc := pkt.FrameCount()
	var pcm []float32
	if s.opus {
		decoded, err := s.decoder.Decode(pkt.Payload(), fc, false, s.decodeBuf)
		if err != nil {
			s.r.stats.decodeFails.Inc()
			s.r.log.Debugf("Dropping undecodable packet seq %d from %s: %v",
				pkt.Sequence(), s, err)
			// The mapping stays behind by fc frames; the next packet
			// sees the shortfall as a gap and fills it.
			return
		}
		pcm = audio.S16ToF32Slice(decoded, s.pcmBuf[:0])
	} else {
		pcm = audio.BytesToF32Slice(pkt.Payload(), s.pcmBuf[:0])
	}

	s.append(pcm)
	if s.fillPolicy == FillHold && len(pcm) >= audio.Channels {
		copy(s.holdFrame[:], pcm[len(pcm)-audio.Channels:])
	}
	s.rebase(pkt.FrameIndex() + uint32(fc))
}

// placeLate patches a recovered late packet over the fill written when
// it was skipped, if the consumer has not passed its region yet.
func (s *session) placeLate(pkt *wire.PktBuffer) {
	if s.opus {
		// The decoder consumed the stream past this packet already.
		s.r.stats.pktsLateDropped.Inc()
		return
	}

	back := int64(int32(pkt.FrameIndex() - s.baseFrameIndex))
	pos := int64(s.basePos) + back
	if pos < 0 {
		s.r.stats.pktsLateDropped.Inc()
		return
	}

	pcm := audio.BytesToF32Slice(pkt.Payload(), s.pcmBuf[:0])
	if !s.ring.Patch(uint64(pos), pcm) {
		s.r.stats.pktsLateDropped.Inc()
		s.r.log.Debugf("Late packet seq %d from %s arrived after its slot played",
			pkt.Sequence(), s)
		return
	}
	s.r.stats.pktsLateRecovered.Inc()
	s.r.log.Debugf("Recovered late packet seq %d from %s, %d frames back",
		pkt.Sequence(), s, -back)
}

// rebase aligns the frame index mapping so frame fi falls at the current
// write cursor.
func (s *session) rebase(fi uint32) {
	s.baseFrameIndex = fi
	s.basePos = s.ring.WritePos()
}
