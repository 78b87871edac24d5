// Package segment implements the lower transport layer's outbound
// segmentation (component B of spec.md §2): turning one upper
// transport PDU into an ordered map of segment PDUs, or a single
// unsegmented PDU when it fits.
package segment

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/wiresmith/meshtransport/pkg/message"
	"github.com/wiresmith/meshtransport/pkg/pdu"
)

// ErrPayloadTooLarge is returned when the upper PDU would require more
// than 32 segments (SegN is a 5-bit field).
var ErrPayloadTooLarge = errors.New("segment: payload requires more than 32 segments")

// ErrUnsegmentedControlTooLarge is returned when an unsegmented
// control PDU (payload only, excluding any parameters prefix) would
// exceed MaxUnsegmentedControlPayload.
var ErrUnsegmentedControlTooLarge = errors.New("segment: unsegmented control payload exceeds MaxUnsegmentedControlPayload")

// Segmenter splits upper transport PDUs into lower transport segment
// PDUs.
type Segmenter struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Segmenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{logger: logger.With("component", "segmenter")}
}

// Access segments (or leaves unsegmented) an AccessMessage. It
// populates msg.Segments and msg.Segmented/msg.SegN in place and also
// returns the segment map for convenience.
func (s *Segmenter) Access(msg *message.AccessMessage) (map[uint8][]byte, error) {
	payload := msg.UpperPDU
	if len(payload) <= pdu.MaxSegmentedAccessPayload {
		header := pdu.EncodeUnsegAccess(msg.AKF, msg.AID)
		out := make(map[uint8][]byte, 1)
		out[0] = append([]byte{header}, payload...)
		msg.Segmented = false
		msg.SegN = 0
		msg.Segments = out
		return out, nil
	}

	numberOfSegments := ceilDiv(len(payload), pdu.MaxSegmentedAccessPayload)
	if numberOfSegments > pdu.MaxSegN+1 {
		return nil, fmt.Errorf("segment: access payload needs %d segments, max is %d: %w", numberOfSegments, pdu.MaxSegN+1, ErrPayloadTooLarge)
	}
	segN := uint8(numberOfSegments - 1)
	seqZero := msg.SeqZero()

	out := make(map[uint8][]byte, numberOfSegments)
	for segO := 0; segO < numberOfSegments; segO++ {
		start := segO * pdu.MaxSegmentedAccessPayload
		end := min(len(payload), start+pdu.MaxSegmentedAccessPayload)
		header := pdu.EncodeSegAccess(msg.AKF, msg.AID, msg.ASZMIC, seqZero, uint8(segO), segN)
		frame := make([]byte, 0, len(header)+end-start)
		frame = append(frame, header[:]...)
		frame = append(frame, payload[start:end]...)
		out[uint8(segO)] = frame
	}

	msg.Segmented = true
	msg.SegN = segN
	msg.Segments = out
	s.logger.Debug("segmented access message", "segments", numberOfSegments, "seqZero", seqZero)
	return out, nil
}

// Control segments (or leaves unsegmented) a ControlMessage. params is
// an optional prefix inserted between the 1-byte unsegmented header
// and the transport-control PDU; it is only meaningful in the
// unsegmented case.
func (s *Segmenter) Control(msg *message.ControlMessage, params []byte) (map[uint8][]byte, error) {
	payload := msg.TransportPDU
	if len(payload) <= pdu.MaxSegmentedControlPayload {
		if len(payload) > pdu.MaxUnsegmentedControlPayload {
			return nil, fmt.Errorf("segment: %w (%d > %d)", ErrUnsegmentedControlTooLarge, len(payload), pdu.MaxUnsegmentedControlPayload)
		}
		header := pdu.EncodeUnsegControl(msg.OpCode)
		frame := make([]byte, 0, 1+len(params)+len(payload))
		frame = append(frame, header)
		frame = append(frame, params...)
		frame = append(frame, payload...)
		out := map[uint8][]byte{0: frame}
		msg.Segmented = false
		msg.SegN = 0
		msg.Parameters = params
		msg.Segments = out
		return out, nil
	}

	numberOfSegments := ceilDiv(len(payload), pdu.MaxSegmentedControlPayload)
	if numberOfSegments > pdu.MaxSegN+1 {
		return nil, fmt.Errorf("segment: control payload needs %d segments, max is %d: %w", numberOfSegments, pdu.MaxSegN+1, ErrPayloadTooLarge)
	}
	segN := uint8(numberOfSegments - 1)
	seqZero := msg.SeqZero()

	out := make(map[uint8][]byte, numberOfSegments)
	for segO := 0; segO < numberOfSegments; segO++ {
		start := segO * pdu.MaxSegmentedControlPayload
		end := min(len(payload), start+pdu.MaxSegmentedControlPayload)
		header := pdu.EncodeSegControl(msg.OpCode, seqZero, uint8(segO), segN)
		frame := make([]byte, 0, len(header)+end-start)
		frame = append(frame, header[:]...)
		frame = append(frame, payload[start:end]...)
		out[uint8(segO)] = frame
	}

	msg.Segmented = true
	msg.SegN = segN
	msg.Segments = out
	s.logger.Debug("segmented control message", "segments", numberOfSegments, "seqZero", seqZero)
	return out, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
