// Package network is the lower transport layer façade: it wires the
// PDU codec, outbound segmenter, inbound reassembler and
// acknowledgement engine behind the capability record described in
// spec §6, the way the teacher's pkg/network wires sdo/nmt/pdo behind
// a single Network type.
package network

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/wiresmith/meshtransport/pkg/ack"
	"github.com/wiresmith/meshtransport/pkg/clock"
	"github.com/wiresmith/meshtransport/pkg/config"
	"github.com/wiresmith/meshtransport/pkg/message"
	"github.com/wiresmith/meshtransport/pkg/pdu"
	"github.com/wiresmith/meshtransport/pkg/reassembly"
	"github.com/wiresmith/meshtransport/pkg/segment"
)

// ErrNoCreatePDU is returned when outbound delivery is attempted
// without a CreateNetworkLayerPDU callback configured.
var ErrNoCreatePDU = errors.New("network: no CreateNetworkLayerPDU callback configured")

// Callbacks is the set of abstract operations the lower transport
// layer consumes from its surroundings (spec §6): wrapping a finished
// segment PDU into a network-layer PDU for transmission, and handing
// a fully reassembled message up to the upper transport. Neither side
// is defined by this layer.
type Callbacks struct {
	// CreateNetworkLayerPDU wraps one lower-transport segment PDU
	// (access or control) into an outbound network PDU addressed to
	// dst with the given TTL. The network layer owns encryption,
	// obfuscation and framing.
	CreateNetworkLayerPDU func(segmentPDU []byte, dst uint16, ttl uint8) ([]byte, error)

	// DeliverAccessMessage and DeliverControlMessage hand a completed
	// inbound message to the upper transport layer.
	DeliverAccessMessage  func(*message.AccessMessage)
	DeliverControlMessage func(*message.ControlMessage)

	// IncrementSequenceNumber and CurrentIVIndex are the sequence
	// number source shared with the network layer (spec §5: "the core
	// consumes it through the abstract operation
	// incrementSequenceNumber() and treats each returned value as
	// uniquely owned by the constructed outbound PDU").
	IncrementSequenceNumber func() uint32
	CurrentIVIndex          func() uint32
}

// Transport is the assembled lower transport layer: one instance owns
// the Reassembler's session table (shared by access and control
// traffic) and drives outbound segmentation and the ack engine.
type Transport struct {
	logger *slog.Logger
	cb     Callbacks

	segmenter   *segment.Segmenter
	reassembler *reassembly.Reassembler
	ackEngine   *ack.Engine
}

// New assembles a Transport. clk and sched drive the acknowledgement
// and incomplete-session timers; cfg carries the timing constants
// (use config.Default() unless the deployment needs different
// timeouts).
func New(clk clock.Clock, sched clock.Scheduler, cfg config.Config, cb Callbacks, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("layer", "lower-transport")

	t := &Transport{logger: logger, cb: cb, segmenter: segment.New(logger)}

	ackCallbacks := ack.Callbacks{
		IncrementSequenceNumber: cb.IncrementSequenceNumber,
		CurrentIVIndex:          cb.CurrentIVIndex,
	}
	ackCallbacks.SendSegmentAcknowledgementMessage = t.sendControlSegments
	t.ackEngine = ack.New(clk, sched, cfg, ackCallbacks, logger)
	t.reassembler = reassembly.New(clk, sched, cfg, t.ackEngine, logger)
	return t
}

// SendAccessMessage segments msg (if necessary) and submits every
// resulting segment PDU to the network layer, in SegO order.
func (t *Transport) SendAccessMessage(msg *message.AccessMessage) error {
	segments, err := t.segmenter.Access(msg)
	if err != nil {
		return fmt.Errorf("network: segmenting access message: %w", err)
	}
	return t.submitInOrder(segments, msg.Dst, msg.TTL)
}

// SendControlMessage segments msg (if necessary, with an optional
// unsegmented-only parameters prefix) and submits every resulting
// segment PDU to the network layer.
func (t *Transport) SendControlMessage(msg *message.ControlMessage, params []byte) error {
	segments, err := t.segmenter.Control(msg, params)
	if err != nil {
		return fmt.Errorf("network: segmenting control message: %w", err)
	}
	return t.submitInOrder(segments, msg.Dst, msg.TTL)
}

// sendControlSegments is wired to the ack engine's
// SendSegmentAcknowledgementMessage callback: a BlockAck payload is 6
// bytes, well under MAX_SEGMENTED_CONTROL_PAYLOAD, so this always
// produces exactly one unsegmented submission — but it is routed
// through the ordinary Control path rather than assumed, so a future
// ack format change stays correct without touching this wiring.
func (t *Transport) sendControlSegments(msg *message.ControlMessage) error {
	return t.SendControlMessage(msg, nil)
}

func (t *Transport) submitInOrder(segments map[uint8][]byte, dst uint16, ttl uint8) error {
	if t.cb.CreateNetworkLayerPDU == nil {
		return ErrNoCreatePDU
	}
	count := len(segments)
	for segO := uint8(0); int(segO) < count; segO++ {
		frame, ok := segments[segO]
		if !ok {
			return fmt.Errorf("network: segment map missing contiguous SegO=%d", segO)
		}
		if _, err := t.cb.CreateNetworkLayerPDU(frame, dst, ttl); err != nil {
			return fmt.Errorf("network: delivering segment %d/%d: %w", segO, count-1, err)
		}
	}
	return nil
}

// HandleInboundPDU decodes and routes one already-decrypted lower
// transport PDU extracted from a network PDU (byte offset 10 per
// spec §6). isAccess distinguishes access from control traffic — the
// network layer's CTL field, not decodable from the PDU bytes alone.
// Decode errors are logged and the PDU discarded, per spec §7:
// inbound parse errors never propagate to the caller as exceptions.
func (t *Transport) HandleInboundPDU(raw []byte, isAccess bool, src, dst uint16, ttl uint8, receivedSeq uint32) {
	h, payload, err := pdu.Decode(raw, isAccess)
	if err != nil {
		t.logger.Warn("discarding malformed inbound PDU", "src", src, "err", err)
		return
	}

	switch h.Kind {
	case pdu.KindUnsegAccess:
		msg := t.reassembler.ParseUnsegmentedAccess(h, payload, src, dst, ttl, receivedSeq)
		t.deliverAccess(msg)
	case pdu.KindSegAccess:
		msg, err := t.reassembler.ParseSegmentedAccess(h, payload, src, dst, ttl, receivedSeq)
		if err != nil {
			t.logger.Warn("dropping segment", "src", src, "seqZero", h.SeqZero, "err", err)
			return
		}
		t.deliverAccess(msg)
	case pdu.KindUnsegControl:
		msg := t.reassembler.ParseUnsegmentedControl(h, payload, src, dst, ttl, receivedSeq)
		t.deliverControl(msg)
	case pdu.KindSegControl:
		msg, err := t.reassembler.ParseSegmentedControl(h, payload, src, dst, ttl, receivedSeq)
		if err != nil {
			t.logger.Warn("dropping segment", "src", src, "seqZero", h.SeqZero, "err", err)
			return
		}
		t.deliverControl(msg)
	}
}

// Stats returns a snapshot of the reassembler's activity counters
// (segments received, duplicates dropped, sessions completed/timed
// out, acks sent).
func (t *Transport) Stats() reassembly.Metrics {
	return t.reassembler.Stats()
}

func (t *Transport) deliverAccess(msg *message.AccessMessage) {
	if msg == nil {
		return
	}
	if t.cb.DeliverAccessMessage != nil {
		t.cb.DeliverAccessMessage(msg)
	}
}

func (t *Transport) deliverControl(msg *message.ControlMessage) {
	if msg == nil {
		return
	}
	if t.cb.DeliverControlMessage != nil {
		t.cb.DeliverControlMessage(msg)
	}
}
