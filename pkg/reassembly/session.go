package reassembly

import (
	"time"

	"github.com/wiresmith/meshtransport/pkg/clock"
	"github.com/wiresmith/meshtransport/pkg/message"
)

// sessionKey identifies a reassembly session. Per the §9 redesign
// note, this replaces the source's global per-direction BlockAck
// field with state keyed by (source address, SeqZero) — two distinct
// senders with overlapping SeqZero values now get independent
// sessions instead of corrupting each other's bitmap.
type sessionKey struct {
	src     uint16
	seqZero uint16
}

// Session is one in-progress (or just-completed) reassembly, carrying
// both the accumulation state (component C) and the per-session
// acknowledgement-timer bookkeeping (component D), per the §9 note
// that the ack engine's state is "morally per-session".
type Session struct {
	kind message.Kind

	src uint16
	dst uint16
	ttl uint8

	seqZero uint16
	segN    uint8

	// access-only
	akf    bool
	aid    uint8
	szmic  bool

	// control-only
	opCode uint8

	blockAck uint32
	buffer   map[uint8][]byte

	receivedSeq uint32 // 24-bit sequence number of the most recently stored segment

	createdAt time.Time

	ackDeadline        time.Time
	ackTimerArmed      bool
	ackTimerCancel     clock.CancelFunc
	blockAckSent       bool

	incompleteDeadline time.Time
	incompleteCancel   clock.CancelFunc
}

func newSession(kind message.Kind, src, dst uint16, ttl uint8, seqZero uint16, segN uint8, now time.Time) *Session {
	return &Session{
		kind:      kind,
		src:       src,
		dst:       dst,
		ttl:       ttl,
		seqZero:   seqZero,
		segN:      segN,
		buffer:    make(map[uint8][]byte),
		createdAt: now,
	}
}

// complete reports whether every SegO in [0, segN] has been stored,
// per spec.md §3's completion predicate popcount(BlockAck) == SegN+1.
func (s *Session) complete() bool {
	return s.blockAck == completeMask(s.segN)
}

func completeMask(segN uint8) uint32 {
	if segN >= 31 {
		return 0xFFFFFFFF
	}
	return (uint32(1) << (uint32(segN) + 1)) - 1
}

// set stores a segment's payload at segO, idempotently: a duplicate
// write for an already-populated segO silently overwrites (spec.md §3:
// "implementation may overwrite").
func (s *Session) set(segO uint8, payload []byte) {
	s.buffer[segO] = payload
	s.blockAck |= uint32(1) << segO
}

func (s *Session) hasSegment(segO uint8) bool {
	_, ok := s.buffer[segO]
	return ok
}

// assembledAccess concatenates the buffer in SegO order into an
// AccessMessage. Caller must have already confirmed completion.
func (s *Session) assembledAccess(fullSeq uint32) *message.AccessMessage {
	upper := make([]byte, 0)
	for segO := uint8(0); ; segO++ {
		upper = append(upper, s.buffer[segO]...)
		if segO == s.segN {
			break
		}
	}
	msg := message.NewAccessMessage(upper, s.akf, s.aid, s.szmic, fullSeq)
	msg.Src = s.src
	msg.Dst = s.dst
	msg.TTL = s.ttl
	msg.Segmented = s.segN > 0
	msg.SegN = s.segN
	msg.Segments = s.buffer
	return msg
}

func (s *Session) assembledControl(fullSeq uint32) *message.ControlMessage {
	transportPDU := make([]byte, 0)
	for segO := uint8(0); ; segO++ {
		transportPDU = append(transportPDU, s.buffer[segO]...)
		if segO == s.segN {
			break
		}
	}
	msg := message.NewControlMessage(transportPDU, s.opCode, fullSeq)
	msg.Src = s.src
	msg.Dst = s.dst
	msg.TTL = s.ttl
	msg.Segmented = s.segN > 0
	msg.SegN = s.segN
	msg.Segments = s.buffer
	return msg
}
