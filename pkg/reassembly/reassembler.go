// Package reassembly implements the lower transport layer's inbound
// reassembler (component C of spec.md §2): it accumulates incoming
// segment PDUs into a coherent upper transport message, tracking
// progress with a BlockAck bitmap, and drives the acknowledgement
// engine (component D) that rides alongside it.
package reassembly

import (
	"log/slog"
	"sync"
	"time"

	"github.com/wiresmith/meshtransport/pkg/ack"
	"github.com/wiresmith/meshtransport/pkg/clock"
	"github.com/wiresmith/meshtransport/pkg/config"
	"github.com/wiresmith/meshtransport/pkg/message"
	"github.com/wiresmith/meshtransport/pkg/pdu"
)

var (
	// ErrSessionConflict is returned (and the offending segment
	// dropped, session kept) when a segment arrives with a SegN or
	// SZMIC/AKF/AID/OpCode inconsistent with the session it would join.
	ErrSessionConflict = errMalformed("session conflict")
	// ErrSeqRecoveryUnderflow signals that recoverFullSeq underflowed
	// the 24-bit sequence number range (spec.md §9 open question 3).
	ErrSeqRecoveryUnderflow = errMalformed("sequence number recovery underflow")
)

func errMalformed(s string) error { return &reassemblyError{s} }

type reassemblyError struct{ s string }

func (e *reassemblyError) Error() string { return "reassembly: " + e.s }

// completedEntry remembers the last BlockAck sent for a session that
// has already finished, so a late duplicate segment can be answered
// without resurrecting the session (spec.md §9 open question 1).
type completedEntry struct {
	blockAck  uint32
	target    ack.Target
	expiresAt time.Time
}

// Reassembler owns the session table and drives the acknowledgement
// engine. One Reassembler instance handles both access and control
// traffic in a single session table keyed by (source address,
// SeqZero). The key does not include the message kind, so an access
// and a control segment from the same source with the same SeqZero
// map to the same session (and the same completed-session entry).
type Reassembler struct {
	logger *slog.Logger
	clk    clock.Clock
	sched  clock.Scheduler
	cfg    config.Config
	ackEng *ack.Engine

	mu        sync.Mutex
	sessions  map[sessionKey]*Session
	completed map[sessionKey]*completedEntry
	metrics   Metrics
}

// Metrics is a plain snapshot of reassembler activity counters, the
// way the teacher tracks overflow/drop counts on SDOServer without
// reaching for a metrics library. Stats returns a copy.
type Metrics struct {
	SegmentsReceived  uint64
	DuplicatesDropped uint64
	SessionsCompleted uint64
	SessionsTimedOut  uint64
	// AcksSent counts block acks the reassembler emits itself: on
	// session completion and for late duplicates. Acks sent when a
	// session's ack timer fires are not counted.
	AcksSent uint64
}

// Stats returns a snapshot of the reassembler's activity counters.
func (r *Reassembler) Stats() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

func New(clk clock.Clock, sched clock.Scheduler, cfg config.Config, ackEng *ack.Engine, logger *slog.Logger) *Reassembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reassembler{
		logger:    logger.With("component", "reassembler"),
		clk:       clk,
		sched:     sched,
		cfg:       cfg,
		ackEng:    ackEng,
		sessions:  make(map[sessionKey]*Session),
		completed: make(map[sessionKey]*completedEntry),
	}
}

// ParseUnsegmentedAccess extracts an access message from a single,
// unsegmented lower transport PDU. aszmic is always false for
// unsegmented access (spec.md §4.3).
func (r *Reassembler) ParseUnsegmentedAccess(h pdu.Header, payload []byte, src, dst uint16, ttl uint8, receivedSeq uint32) *message.AccessMessage {
	msg := message.NewAccessMessage(payload, h.AKF, h.AID, false, receivedSeq)
	msg.Src = src
	msg.Dst = dst
	msg.TTL = ttl
	msg.Segmented = false
	msg.Segments = map[uint8][]byte{0: append([]byte{pdu.EncodeUnsegAccess(h.AKF, h.AID)}, payload...)}
	return msg
}

// ParseUnsegmentedControl extracts a control message from a single,
// unsegmented lower transport PDU.
func (r *Reassembler) ParseUnsegmentedControl(h pdu.Header, payload []byte, src, dst uint16, ttl uint8, receivedSeq uint32) *message.ControlMessage {
	msg := message.NewControlMessage(payload, h.OpCode, receivedSeq)
	msg.Src = src
	msg.Dst = dst
	msg.TTL = ttl
	msg.Segmented = false
	msg.Segments = map[uint8][]byte{0: append([]byte{pdu.EncodeUnsegControl(h.OpCode)}, payload...)}
	return msg
}

// ParseSegmentedAccess folds one segmented access PDU into its
// session, arming or advancing the acknowledgement timer as needed.
// It returns the assembled AccessMessage once the session completes,
// or nil while reassembly is still in progress.
func (r *Reassembler) ParseSegmentedAccess(h pdu.Header, payload []byte, src, dst uint16, ttl uint8, receivedSeq uint32) (*message.AccessMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionKey{src: src, seqZero: h.SeqZero}
	if _, ok := r.completedDuplicate(key); ok {
		r.reemitCompleted(key)
		return nil, nil
	}

	session, isNew := r.sessionFor(key, message.KindAccess, src, dst, ttl, h.SeqZero, h.SegN, func(s *Session) {
		s.akf = h.AKF
		s.aid = h.AID
		s.szmic = h.SZMIC
	})
	if session.akf != h.AKF || session.aid != h.AID || session.szmic != h.SZMIC || session.segN != h.SegN {
		r.logger.Warn("segment conflicts with existing session, dropping segment", "src", src, "seqZero", h.SeqZero)
		return nil, ErrSessionConflict
	}

	r.metrics.SegmentsReceived++
	if session.hasSegment(h.SegO) {
		r.metrics.DuplicatesDropped++
		r.logger.Debug("duplicate segment ignored", "src", src, "seqZero", h.SeqZero, "segO", h.SegO)
	}
	session.set(h.SegO, payload)
	session.receivedSeq = receivedSeq

	if isNew {
		r.armTimers(key, session)
	}

	if !session.complete() {
		return nil, nil
	}

	return r.finishAccess(key, session)
}

// ParseSegmentedControl is the control-message analogue of
// ParseSegmentedAccess.
func (r *Reassembler) ParseSegmentedControl(h pdu.Header, payload []byte, src, dst uint16, ttl uint8, receivedSeq uint32) (*message.ControlMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionKey{src: src, seqZero: h.SeqZero}
	if _, ok := r.completedDuplicate(key); ok {
		r.reemitCompleted(key)
		return nil, nil
	}

	session, isNew := r.sessionFor(key, message.KindControl, src, dst, ttl, h.SeqZero, h.SegN, func(s *Session) {
		s.opCode = h.OpCode
	})
	if session.opCode != h.OpCode || session.segN != h.SegN {
		r.logger.Warn("segment conflicts with existing session, dropping segment", "src", src, "seqZero", h.SeqZero)
		return nil, ErrSessionConflict
	}

	r.metrics.SegmentsReceived++
	if session.hasSegment(h.SegO) {
		r.metrics.DuplicatesDropped++
		r.logger.Debug("duplicate segment ignored", "src", src, "seqZero", h.SeqZero, "segO", h.SegO)
	}
	session.set(h.SegO, payload)
	session.receivedSeq = receivedSeq

	if isNew {
		r.armTimers(key, session)
	}

	if !session.complete() {
		return nil, nil
	}

	return r.finishControl(key, session)
}

// sessionFor returns the session for key, creating it (and evicting
// the earliest-deadline session if the table is full) if this is the
// first segment seen for it. init is only invoked on creation.
func (r *Reassembler) sessionFor(key sessionKey, kind message.Kind, src, dst uint16, ttl uint8, seqZero uint16, segN uint8, init func(*Session)) (session *Session, isNew bool) {
	if existing, ok := r.sessions[key]; ok {
		return existing, false
	}

	if len(r.sessions) >= r.cfg.MaxSessions {
		r.evictEarliestDeadline()
	}

	s := newSession(kind, src, dst, ttl, seqZero, segN, r.clk.Now())
	init(s)
	r.sessions[key] = s
	return s, true
}

func (r *Reassembler) evictEarliestDeadline() {
	var victim sessionKey
	var victimSession *Session
	for k, s := range r.sessions {
		if victimSession == nil || s.ackDeadline.Before(victimSession.ackDeadline) {
			victim, victimSession = k, s
		}
	}
	if victimSession == nil {
		return
	}
	r.logger.Warn("evicting session to make room", "src", victim.src, "seqZero", victim.seqZero)
	r.teardown(victim, victimSession)
}

// armTimers starts the block-ack timer and the incomplete-session
// timer for a freshly created session.
func (r *Reassembler) armTimers(key sessionKey, session *Session) {
	target := ack.Target{SeqZero: session.seqZero, TTL: session.ttl, Src: session.src, Dst: session.dst}
	deadline, cancel := r.ackEng.Arm(target, func() uint32 {
		r.mu.Lock()
		defer r.mu.Unlock()
		if live, ok := r.sessions[key]; ok {
			return live.blockAck
		}
		return 0
	})
	session.ackDeadline = deadline
	session.ackTimerArmed = true
	// ackTimerCancel is only ever invoked from Reassembler methods that
	// already hold r.mu (onComplete, teardown) — it must not re-lock.
	session.ackTimerCancel = func() {
		cancel()
		session.blockAckSent = true
	}

	incompleteDuration := r.cfg.IncompleteTimeout(session.ttl)
	session.incompleteDeadline = r.clk.Now().Add(incompleteDuration)
	session.incompleteCancel = r.sched.PostDelayed(incompleteDuration, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.sessions[key]; ok {
			r.logger.Warn("dropping incomplete session", "src", key.src, "seqZero", key.seqZero)
			r.metrics.SessionsTimedOut++
			r.teardown(key, r.sessions[key])
		}
	})
}

// finishAccess handles the completion path described in spec.md §4.3
// step 6: emit (or cancel-then-emit) the ack, recover the full
// sequence number, assemble the message, and clear the session.
func (r *Reassembler) finishAccess(key sessionKey, session *Session) (*message.AccessMessage, error) {
	r.onComplete(key, session)

	fullSeq, err := recoverFullSeq(session.receivedSeq, session.seqZero)
	if err != nil {
		return nil, err
	}
	return session.assembledAccess(fullSeq), nil
}

func (r *Reassembler) finishControl(key sessionKey, session *Session) (*message.ControlMessage, error) {
	r.onComplete(key, session)

	fullSeq, err := recoverFullSeq(session.receivedSeq, session.seqZero)
	if err != nil {
		return nil, err
	}
	return session.assembledControl(fullSeq), nil
}

// onComplete runs the ack-emission and session-teardown steps shared
// by access and control completion.
func (r *Reassembler) onComplete(key sessionKey, session *Session) {
	if !session.blockAckSent {
		if session.ackTimerCancel != nil {
			session.ackTimerCancel()
		}
		target := ack.Target{SeqZero: session.seqZero, TTL: session.ttl, Src: session.src, Dst: session.dst}
		if err := r.ackEng.Emit(target, session.blockAck); err != nil {
			r.logger.Warn("failed to emit completion block ack", "err", err)
		} else {
			r.metrics.AcksSent++
		}
		session.blockAckSent = true
	}

	r.metrics.SessionsCompleted++
	r.completed[key] = &completedEntry{
		blockAck:  session.blockAck,
		target:    ack.Target{SeqZero: session.seqZero, TTL: session.ttl, Src: session.src, Dst: session.dst},
		expiresAt: r.clk.Now().Add(r.cfg.CompletedSessionGrace),
	}
	r.teardown(key, session)
}

func (r *Reassembler) teardown(key sessionKey, session *Session) {
	if session.ackTimerCancel != nil {
		session.ackTimerCancel()
	}
	if session.incompleteCancel != nil {
		session.incompleteCancel()
	}
	delete(r.sessions, key)
}

// completedDuplicate reports whether key names a recently-completed
// session still within its grace period.
func (r *Reassembler) completedDuplicate(key sessionKey) (*completedEntry, bool) {
	entry, ok := r.completed[key]
	if !ok {
		return nil, false
	}
	if r.clk.Now().After(entry.expiresAt) {
		delete(r.completed, key)
		return nil, false
	}
	return entry, true
}

func (r *Reassembler) reemitCompleted(key sessionKey) {
	entry := r.completed[key]
	if err := r.ackEng.Emit(entry.target, entry.blockAck); err != nil {
		r.logger.Warn("failed to re-emit block ack for late duplicate", "err", err)
		return
	}
	r.metrics.AcksSent++
}

// recoverFullSeq reconstructs the 24-bit sequence number of the
// assembled message from the sequence number carried by a received
// segment and the message's SeqZero, per spec.md §4.3: the message's
// sequence number is the largest value <= receivedSeq24 whose low 13
// bits equal seqZero13.
func recoverFullSeq(receivedSeq24 uint32, seqZero13 uint16) (uint32, error) {
	const seqZeroBits = 13
	const seqZeroMask = (1 << seqZeroBits) - 1

	upper := int64(receivedSeq24 >> seqZeroBits)
	if uint16(receivedSeq24&seqZeroMask) < seqZero13 {
		upper--
	}
	if upper < 0 {
		return 0, ErrSeqRecoveryUnderflow
	}
	return uint32(upper)<<seqZeroBits | uint32(seqZero13), nil
}
