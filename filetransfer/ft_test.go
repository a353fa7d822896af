package filetransfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher records the five RegisterExt handlers so tests can inject
// packets without a real substrate dispatch table.
type fakeDispatcher struct {
	handlers map[Opcode]PacketHandler
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{handlers: make(map[Opcode]PacketHandler)}
}

func (d *fakeDispatcher) RegisterHandler(op Opcode, h PacketHandler) { d.handlers[op] = h }

func (d *fakeDispatcher) deliver(group, peer uint32, wireData []byte) {
	op := Opcode(wireData[0])
	h, ok := d.handlers[op]
	if !ok {
		panic("no handler registered for opcode")
	}
	h(group, peer, wireData[1:])
}

// fakeSubstrate records every outgoing packet and optionally routes it
// straight to a peer dispatcher, simulating a lossless, zero-delay path.
type fakeSubstrate struct {
	connected bool
	sent      [][]byte
	peerDisp  *fakeDispatcher // if set, packets are delivered synchronously
	drop      func(data []byte) bool
}

func newFakeSubstrate() *fakeSubstrate {
	return &fakeSubstrate{connected: true}
}

func (s *fakeSubstrate) SendCustomPrivatePacket(group, peer uint32, reliable bool, data []byte) error {
	s.sent = append(s.sent, data)
	if s.drop != nil && s.drop(data) {
		return nil
	}
	if s.peerDisp != nil {
		s.peerDisp.deliver(group, peer, data)
	}
	return nil
}

func (s *fakeSubstrate) PeerConnected(group, peer uint32) bool { return s.connected }

const testKind FileKind = 1

func TestSendInitPrivateFailsWhenPeerOffline(t *testing.T) {
	sub := newFakeSubstrate()
	sub.connected = false
	ft := New(sub, DefaultOptions())

	_, err := ft.SendInitPrivate(1, 2, testKind, []byte("f"), 100)
	assert.ErrorIs(t, err, ErrPeerOffline)
}

func TestSendInitPrivateAllocatesSequentialSlots(t *testing.T) {
	sub := newFakeSubstrate()
	ft := New(sub, DefaultOptions())

	id0, err := ft.SendInitPrivate(1, 2, testKind, []byte("f"), 100)
	require.NoError(t, err)
	id1, err := ft.SendInitPrivate(1, 2, testKind, []byte("g"), 100)
	require.NoError(t, err)

	assert.EqualValues(t, 0, id0)
	assert.EqualValues(t, 1, id1)
}

func TestSlotExhaustionReturnsErrNoFreeSlot(t *testing.T) {
	sub := newFakeSubstrate()
	ft := New(sub, DefaultOptions())

	for i := 0; i < maxSlots; i++ {
		_, err := ft.SendInitPrivate(1, 2, testKind, []byte("f"), 100)
		require.NoError(t, err)
	}

	_, err := ft.SendInitPrivate(1, 2, testKind, []byte("f"), 100)
	assert.ErrorIs(t, err, ErrNoFreeSlot)
}

func TestInitRetryGivesUpAfterThreeAttempts(t *testing.T) {
	sub := newFakeSubstrate() // no peerDisp: every INIT is dropped
	ft := New(sub, DefaultOptions())

	var completeErr error
	ft.OnSendComplete(testKind, func(group, peer uint32, transferID uint8, err error) {
		completeErr = err
	})

	_, err := ft.SendInitPrivate(1, 2, testKind, []byte("f"), 100)
	require.NoError(t, err)

	initsBefore := countInits(sub.sent)
	assert.Equal(t, 1, initsBefore)

	for round := 0; round < 3; round++ {
		ft.Iterate(10.0)
	}

	assert.ErrorIs(t, completeErr, ErrGivenUp)
	assert.Equal(t, 3, countInits(sub.sent), "no 4th INIT should ever be emitted")
}

func countInits(sent [][]byte) int {
	n := 0
	for _, pkt := range sent {
		if Opcode(pkt[0]) == OpcodeInit {
			n++
		}
	}
	return n
}

func TestHandleRequestDropsUnregisteredKind(t *testing.T) {
	sub := newFakeSubstrate()
	ft := New(sub, DefaultOptions())
	d := newFakeDispatcher()
	ft.RegisterExt(d)

	assert.NotPanics(t, func() {
		d.handlers[OpcodeRequest](1, 2, append([]byte{byte(testKind)}, []byte("id")...))
	})
}

func TestHandleInitRejectedByApplicationEmitsNoAck(t *testing.T) {
	sub := newFakeSubstrate()
	ft := New(sub, DefaultOptions())
	d := newFakeDispatcher()
	ft.RegisterExt(d)
	ft.OnRecvInit(testKind, func(group, peer uint32, fileID []byte, transferID uint8, fileSize uint64) bool {
		return false
	})

	payload := append([]byte{byte(testKind), 0, 0, 0, 0, 0, 0, 0, 0, 5}, []byte("id")...)
	d.handlers[OpcodeInit](1, 2, payload)

	assert.Empty(t, sub.sent)
}

func TestHandleDataAckIsIdempotentForUnknownTransfer(t *testing.T) {
	sub := newFakeSubstrate()
	ft := New(sub, DefaultOptions())
	d := newFakeDispatcher()
	ft.RegisterExt(d)

	assert.NotPanics(t, func() {
		d.handlers[OpcodeDataAck](1, 2, []byte{7, 0, 0})
	})
}

func TestStatsReflectsSlotOccupancy(t *testing.T) {
	sub := newFakeSubstrate()
	ft := New(sub, DefaultOptions())

	_, err := ft.SendInitPrivate(1, 2, testKind, []byte("f"), 100)
	require.NoError(t, err)

	stats := ft.Stats(1, 2)
	assert.Equal(t, 1, stats.SendSlotsUsed)
	assert.Equal(t, 0, stats.RecvSlotsUsed)
}

func TestCongestionSnapshotUnknownPeerIsFalse(t *testing.T) {
	sub := newFakeSubstrate()
	ft := New(sub, DefaultOptions())

	_, ok := ft.CongestionSnapshot(1, 2)
	assert.False(t, ok)
}
