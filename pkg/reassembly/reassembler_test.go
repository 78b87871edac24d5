package reassembly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiresmith/meshtransport/pkg/ack"
	"github.com/wiresmith/meshtransport/pkg/clock"
	"github.com/wiresmith/meshtransport/pkg/config"
	"github.com/wiresmith/meshtransport/pkg/message"
	"github.com/wiresmith/meshtransport/pkg/pdu"
)

func newTestReassembler(t *testing.T) (*Reassembler, *clock.FakeScheduler, *[]*message.ControlMessage) {
	t.Helper()
	fakeClock := clock.NewFakeClock(time.Unix(0, 0))
	scheduler := clock.NewFakeScheduler(fakeClock)
	sent := &[]*message.ControlMessage{}
	seq := uint32(0)

	callbacks := ack.Callbacks{
		SendSegmentAcknowledgementMessage: func(msg *message.ControlMessage) error {
			*sent = append(*sent, msg)
			return nil
		},
		IncrementSequenceNumber: func() uint32 {
			seq++
			return seq
		},
		CurrentIVIndex: func() uint32 { return 1 },
	}
	ackEng := ack.New(fakeClock, scheduler, config.Default(), callbacks, nil)
	return New(fakeClock, scheduler, config.Default(), ackEng, nil), scheduler, sent
}

func decodeSentBlockAck(t *testing.T, msg *message.ControlMessage) (uint16, uint32) {
	t.Helper()
	seqZero, blockAck, err := pdu.DecodeBlockAck(msg.TransportPDU)
	require.NoError(t, err)
	return seqZero, blockAck
}

func TestReassembler_S3_CompletionBeforeTimer(t *testing.T) {
	r, scheduler, sent := newTestReassembler(t)

	h0 := pdu.Header{Kind: pdu.KindSegAccess, SeqZero: 0x0001, SegO: 0, SegN: 1}
	out, err := r.ParseSegmentedAccess(h0, []byte{0, 1, 2, 3}, 0x0002, 0x0001, 5, 10)
	require.NoError(t, err)
	assert.Nil(t, out)

	scheduler.Advance(50 * time.Millisecond)

	h1 := pdu.Header{Kind: pdu.KindSegAccess, SeqZero: 0x0001, SegO: 1, SegN: 1}
	out, err = r.ParseSegmentedAccess(h1, []byte{4, 5}, 0x0002, 0x0001, 5, 11)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5}, out.UpperPDU)

	require.Len(t, *sent, 1)
	seqZero, blockAck := decodeSentBlockAck(t, (*sent)[0])
	assert.Equal(t, uint16(0x0001), seqZero)
	assert.Equal(t, uint32(0x00000003), blockAck)

	scheduler.Advance(400 * time.Millisecond)
	assert.Len(t, *sent, 1, "ack timer must have been cancelled by early completion")

	_, stillPresent := r.sessions[sessionKey{src: 0x0002, seqZero: 0x0001}]
	assert.False(t, stillPresent, "completed session must be cleared")
}

func TestReassembler_S4_OutOfOrderArrival(t *testing.T) {
	r, _, sent := newTestReassembler(t)

	h1 := pdu.Header{Kind: pdu.KindSegAccess, SeqZero: 0x0002, SegO: 1, SegN: 1}
	out, err := r.ParseSegmentedAccess(h1, []byte{4, 5}, 0x0003, 0x0001, 2, 20)
	require.NoError(t, err)
	assert.Nil(t, out)

	h0 := pdu.Header{Kind: pdu.KindSegAccess, SeqZero: 0x0002, SegO: 0, SegN: 1}
	out, err = r.ParseSegmentedAccess(h0, []byte{0, 1, 2, 3}, 0x0003, 0x0001, 2, 21)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5}, out.UpperPDU)

	require.Len(t, *sent, 1)
	_, blockAck := decodeSentBlockAck(t, (*sent)[0])
	assert.Equal(t, uint32(0x00000003), blockAck)
}

func TestReassembler_S5_MissingSegmentTimerFires(t *testing.T) {
	r, scheduler, sent := newTestReassembler(t)

	h0 := pdu.Header{Kind: pdu.KindSegAccess, SeqZero: 0x0003, SegO: 0, SegN: 2}
	out, err := r.ParseSegmentedAccess(h0, []byte{0, 1}, 0x0004, 0x0001, 0, 30)
	require.NoError(t, err)
	assert.Nil(t, out)

	h2 := pdu.Header{Kind: pdu.KindSegAccess, SeqZero: 0x0003, SegO: 2, SegN: 2}
	out, err = r.ParseSegmentedAccess(h2, []byte{4, 5}, 0x0004, 0x0001, 0, 31)
	require.NoError(t, err)
	assert.Nil(t, out, "missing SegO=1 must prevent completion")

	assert.Empty(t, *sent)

	scheduler.Advance(150 * time.Millisecond) // TTL=0 ack timer: 150ms
	require.Len(t, *sent, 1)
	_, blockAck := decodeSentBlockAck(t, (*sent)[0])
	assert.Equal(t, uint32(0x00000005), blockAck)

	_, stillPresent := r.sessions[sessionKey{src: 0x0004, seqZero: 0x0003}]
	assert.True(t, stillPresent, "incomplete session survives the ack timer, awaiting retransmission")
}

func TestReassembler_SessionConflict(t *testing.T) {
	r, _, _ := newTestReassembler(t)

	h0 := pdu.Header{Kind: pdu.KindSegAccess, SeqZero: 0x0005, SegO: 0, SegN: 1}
	_, err := r.ParseSegmentedAccess(h0, []byte{0, 1}, 0x0006, 0x0001, 0, 40)
	require.NoError(t, err)

	conflicting := pdu.Header{Kind: pdu.KindSegAccess, SeqZero: 0x0005, SegO: 1, SegN: 2}
	out, err := r.ParseSegmentedAccess(conflicting, []byte{2, 3}, 0x0006, 0x0001, 0, 41)
	assert.ErrorIs(t, err, ErrSessionConflict)
	assert.Nil(t, out)
}

func TestReassembler_DuplicateSegmentIgnoredSilently(t *testing.T) {
	r, _, sent := newTestReassembler(t)

	h0 := pdu.Header{Kind: pdu.KindSegAccess, SeqZero: 0x0007, SegO: 0, SegN: 1}
	_, err := r.ParseSegmentedAccess(h0, []byte{0, 1}, 0x0008, 0x0001, 0, 50)
	require.NoError(t, err)

	dup := pdu.Header{Kind: pdu.KindSegAccess, SeqZero: 0x0007, SegO: 0, SegN: 1}
	_, err = r.ParseSegmentedAccess(dup, []byte{0, 1}, 0x0008, 0x0001, 0, 51)
	require.NoError(t, err)

	h1 := pdu.Header{Kind: pdu.KindSegAccess, SeqZero: 0x0007, SegO: 1, SegN: 1}
	out, err := r.ParseSegmentedAccess(h1, []byte{2, 3}, 0x0008, 0x0001, 0, 52)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, []byte{0, 1, 2, 3}, out.UpperPDU)
	require.Len(t, *sent, 1)
}

func TestReassembler_UnsegmentedAccess(t *testing.T) {
	r, _, _ := newTestReassembler(t)
	h := pdu.Header{Kind: pdu.KindUnsegAccess, AKF: true, AID: 0x05}
	msg := r.ParseUnsegmentedAccess(h, []byte{0xAA, 0xBB, 0xCC}, 0x0002, 0x0001, 3, 99)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, msg.UpperPDU)
	assert.True(t, msg.AKF)
	assert.Equal(t, uint8(0x05), msg.AID)
	assert.False(t, msg.Segmented)
	assert.False(t, msg.ASZMIC)
}

func TestReassembler_UnsegmentedControl(t *testing.T) {
	r, _, _ := newTestReassembler(t)
	h := pdu.Header{Kind: pdu.KindUnsegControl, OpCode: 0x3F}
	msg := r.ParseUnsegmentedControl(h, []byte{1, 2, 3}, 0x0002, 0x0001, 3, 99)
	assert.Equal(t, []byte{1, 2, 3}, msg.TransportPDU)
	assert.Equal(t, uint8(0x3F), msg.OpCode)
	assert.False(t, msg.Segmented)
}

func TestRecoverFullSeq_S6_Rollover(t *testing.T) {
	fullSeq, err := recoverFullSeq(0x002000, 0x0001)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x000001), fullSeq)
}

func TestRecoverFullSeq_NoRollover(t *testing.T) {
	fullSeq, err := recoverFullSeq(0x002001, 0x0001)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x002001), fullSeq)
}

func TestRecoverFullSeq_UnderflowIsError(t *testing.T) {
	_, err := recoverFullSeq(0x000000, 0x0001)
	assert.ErrorIs(t, err, ErrSeqRecoveryUnderflow)
}

func TestReassembler_LateDuplicateAfterCompletion(t *testing.T) {
	r, _, sent := newTestReassembler(t)

	h0 := pdu.Header{Kind: pdu.KindSegAccess, SeqZero: 0x0009, SegO: 0, SegN: 1}
	_, err := r.ParseSegmentedAccess(h0, []byte{0, 1}, 0x000A, 0x0001, 0, 60)
	require.NoError(t, err)
	h1 := pdu.Header{Kind: pdu.KindSegAccess, SeqZero: 0x0009, SegO: 1, SegN: 1}
	out, err := r.ParseSegmentedAccess(h1, []byte{2, 3}, 0x000A, 0x0001, 0, 61)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Len(t, *sent, 1)

	// A late duplicate of SegO=0 arrives after the session has already
	// been torn down: re-emit the last BlockAck without reviving it.
	lateDup := pdu.Header{Kind: pdu.KindSegAccess, SeqZero: 0x0009, SegO: 0, SegN: 1}
	out, err = r.ParseSegmentedAccess(lateDup, []byte{0, 1}, 0x000A, 0x0001, 0, 62)
	require.NoError(t, err)
	assert.Nil(t, out)
	require.Len(t, *sent, 2)
	_, blockAck := decodeSentBlockAck(t, (*sent)[1])
	assert.Equal(t, uint32(0x00000003), blockAck)

	_, stillPresent := r.sessions[sessionKey{src: 0x000A, seqZero: 0x0009}]
	assert.False(t, stillPresent)
}

func TestReassembler_MaxSessionsEviction(t *testing.T) {
	r, _, _ := newTestReassembler(t)
	r.cfg.MaxSessions = 2

	for i := uint16(0); i < 2; i++ {
		h := pdu.Header{Kind: pdu.KindSegAccess, SeqZero: i, SegO: 0, SegN: 1}
		_, err := r.ParseSegmentedAccess(h, []byte{0}, 0x0010+i, 0x0001, 0, uint32(100+i))
		require.NoError(t, err)
	}
	assert.Len(t, r.sessions, 2)

	h := pdu.Header{Kind: pdu.KindSegAccess, SeqZero: 2, SegO: 0, SegN: 1}
	_, err := r.ParseSegmentedAccess(h, []byte{0}, 0x0012, 0x0001, 0, 102)
	require.NoError(t, err)
	assert.Len(t, r.sessions, 2, "table must stay bounded at MaxSessions")
}
