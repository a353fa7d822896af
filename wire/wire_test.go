package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	want := Request{FileKind: 8, FileID: []byte{1, 2, 3, 4}}
	got, err := DecodeRequest(EncodeRequest(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRequestTooShort(t *testing.T) {
	_, err := DecodeRequest(nil)
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestInitRoundTrip(t *testing.T) {
	want := Init{FileKind: 8, FileSize: 123456789, TransferID: 42, FileID: []byte("file-id-bytes")}
	got, err := DecodeInit(EncodeInit(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestInitTooShort(t *testing.T) {
	_, err := DecodeInit([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestInitAckRoundTrip(t *testing.T) {
	want := InitAck{TransferID: 200}
	got, err := DecodeInitAck(EncodeInitAck(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDataRoundTrip(t *testing.T) {
	want := Data{TransferID: 5, SequenceID: 65000, Payload: []byte{0xAA, 0xBB}}
	got, err := DecodeData(EncodeData(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDataRejectsEmptyPayload(t *testing.T) {
	_, err := DecodeData([]byte{5, 0, 0}) // transfer_id + seq_id, no payload
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestDataAckRoundTrip(t *testing.T) {
	want := DataAck{TransferID: 9, SequenceIDs: []uint16{1, 2, 65535}}
	got, err := DecodeDataAck(EncodeDataAck(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDataAckRejectsMisaligned(t *testing.T) {
	_, err := DecodeDataAck([]byte{9, 1, 2, 3}) // 3 bytes after transfer_id
	assert.ErrorIs(t, err, ErrMisaligned)
}

func TestDataAckRejectsEmpty(t *testing.T) {
	_, err := DecodeDataAck([]byte{9})
	assert.ErrorIs(t, err, ErrTooShort)
}
