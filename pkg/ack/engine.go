// Package ack implements the lower transport layer's acknowledgement
// engine (component D of spec.md §2): arming the per-session
// block-ack timer, building the BlockAck control PDU, and submitting
// it through the LowerTransportLayerCallbacks capability.
//
// Per the §9 redesign note ("mSegmentedAccessBlockAck ... is morally
// per-session"), the engine itself holds no per-session state — the
// armed/sent/deadline bookkeeping lives on the caller's session (see
// pkg/reassembly.Session) and is passed in explicitly on every call.
package ack

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/wiresmith/meshtransport/pkg/clock"
	"github.com/wiresmith/meshtransport/pkg/config"
	"github.com/wiresmith/meshtransport/pkg/message"
	"github.com/wiresmith/meshtransport/pkg/pdu"
)

// Target identifies the session a BlockAck PDU is built for. Src/Dst
// are the addresses observed on the received segment; the engine
// swaps them (§4.3: "the ack's source is the received PDU's
// destination and vice versa").
type Target struct {
	SeqZero uint16
	TTL     uint8
	Src     uint16
	Dst     uint16
}

// Callbacks is the capability record the engine submits finished
// BlockAck PDUs through (spec.md §6 LowerTransportLayerCallbacks),
// plus the sequence number and IV index sources it needs to build the
// outgoing ControlMessage envelope.
type Callbacks struct {
	SendSegmentAcknowledgementMessage func(*message.ControlMessage) error
	IncrementSequenceNumber           func() uint32
	CurrentIVIndex                    func() uint32
}

// Engine schedules and emits block acknowledgements.
type Engine struct {
	logger    *slog.Logger
	clk       clock.Clock
	scheduler clock.Scheduler
	cfg       config.Config
	callbacks Callbacks
}

func New(clk clock.Clock, scheduler clock.Scheduler, cfg config.Config, callbacks Callbacks, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:    logger.With("component", "ack"),
		clk:       clk,
		scheduler: scheduler,
		cfg:       cfg,
		callbacks: callbacks,
	}
}

// Arm schedules a one-shot task that emits a BlockAck with whatever
// blockAck() returns at fire time (not at arm time — more segments
// may have arrived by then). It returns the computed deadline and a
// cancel handle the caller must invoke on early completion.
func (e *Engine) Arm(target Target, blockAck func() uint32) (deadline time.Time, cancel clock.CancelFunc) {
	duration := e.cfg.AckTimeout(target.TTL)
	deadline = e.clk.Now().Add(duration)
	cancel = e.scheduler.PostDelayed(duration, func() {
		if err := e.Emit(target, blockAck()); err != nil {
			e.logger.Warn("scheduled block ack failed to send", "seqZero", target.SeqZero, "err", err)
		}
	})
	e.logger.Debug("armed block ack timer", "seqZero", target.SeqZero, "ttl", target.TTL, "duration", duration)
	return deadline, cancel
}

// Emit builds and submits a BlockAck control PDU immediately. Callers
// are responsible for cancelling any pending scheduled ack and for
// the blockAckSent/session-state bookkeeping described in spec.md
// §4.4 — Emit itself only performs the PDU construction and send.
func (e *Engine) Emit(target Target, blockAck uint32) error {
	payload := pdu.EncodeBlockAck(target.SeqZero, blockAck)

	seq := e.callbacks.IncrementSequenceNumber()
	ctrl := message.NewControlMessage(payload[:], pdu.SARAckOpCode, seq)
	ctrl.Src = target.Dst
	ctrl.Dst = target.Src
	ctrl.TTL = target.TTL
	if e.callbacks.CurrentIVIndex != nil {
		ctrl.IVIndex = e.callbacks.CurrentIVIndex()
	}

	header := pdu.EncodeUnsegControl(pdu.SARAckOpCode)
	ctrl.Segments[0] = append([]byte{header}, payload[:]...)

	e.logger.Debug("emitting block ack", "seqZero", target.SeqZero, "blockAck", fmt.Sprintf("0x%08x", blockAck), "src", ctrl.Src, "dst", ctrl.Dst)

	if e.callbacks.SendSegmentAcknowledgementMessage == nil {
		return fmt.Errorf("ack: no SendSegmentAcknowledgementMessage callback configured")
	}
	return e.callbacks.SendSegmentAcknowledgementMessage(ctrl)
}
