package filetransfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBoundarySingleByteFile exercises §8 boundary scenario 1: a one-byte
// file produces exactly one INIT_ACK, one DATA, one DATA_ACK, and frees both
// slots, with recv_data called once at offset 0 with length 1.
func TestBoundarySingleByteFile(t *testing.T) {
	const groupID, peer = 1, 7
	pair := newPairedTransport(DefaultOptions())

	var recvCalls int
	var recvOffset uint64
	var recvLen int
	var completed bool

	pair.b.OnRecvInit(testKind, func(group, p uint32, fileID []byte, transferID uint8, fileSize uint64) bool {
		return true
	})
	pair.b.OnRecvData(testKind, func(group, p uint32, transferID uint8, offset uint64, data []byte) {
		recvCalls++
		recvOffset = offset
		recvLen = len(data)
	})
	pair.a.OnSendData(testKind, func(group, p uint32, transferID uint8, offset uint64, out []byte) {
		out[0] = 0xAB
	})
	pair.a.OnSendComplete(testKind, func(group, p uint32, transferID uint8, err error) {
		completed = err == nil
	})

	_, err := pair.a.SendInitPrivate(groupID, peer, testKind, []byte("id"), 1)
	require.NoError(t, err)

	for i := 0; i < 20 && !completed; i++ {
		pair.a.Iterate(0.1)
		pair.b.Iterate(0.1)
	}

	require.True(t, completed)
	assert.Equal(t, 1, recvCalls)
	assert.EqualValues(t, 0, recvOffset)
	assert.Equal(t, 1, recvLen)

	assert.Equal(t, Stats{}, pair.a.Stats(groupID, peer))
	assert.Equal(t, Stats{}, pair.b.Stats(groupID, peer))

	assert.Equal(t, 1, countOpcode(pair.subA.sent, OpcodeInit))
	assert.Equal(t, 1, countOpcode(pair.subB.sent, OpcodeInitAck))
	assert.Equal(t, 1, countOpcode(pair.subA.sent, OpcodeData))
	assert.Equal(t, 1, countOpcode(pair.subB.sent, OpcodeDataAck))
}

func countOpcode(sent [][]byte, op Opcode) int {
	n := 0
	for _, pkt := range sent {
		if Opcode(pkt[0]) == op {
			n++
		}
	}
	return n
}
