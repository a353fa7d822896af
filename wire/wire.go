// Package wire implements the on-wire packet framing for the group file
// transfer protocol: five message kinds (REQUEST, INIT, INIT_ACK, DATA,
// DATA_ACK), byte-exact and little-endian, matching the layouts the teacher
// corpus uses for its own fixed-header packets (e.g. transport.Packet,
// file.serializeFileRequest).
//
// The leading 1-byte opcode that an external dispatcher strips before
// routing to a handler is not part of these payloads; callers of this
// package exchange opcode-free payload bytes.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrTooShort indicates a packet payload is missing required fields.
var ErrTooShort = errors.New("wire: packet too short")

// ErrMisaligned indicates a DATA_ACK payload is not a non-empty multiple of
// 2 bytes.
var ErrMisaligned = errors.New("wire: data_ack payload misaligned")

// Request is the REQUEST payload: file_kind:u8 || file_id:bytes[remaining].
type Request struct {
	FileKind uint8
	FileID   []byte
}

// EncodeRequest serializes a REQUEST payload.
func EncodeRequest(r Request) []byte {
	out := make([]byte, 1+len(r.FileID))
	out[0] = r.FileKind
	copy(out[1:], r.FileID)
	return out
}

// DecodeRequest parses a REQUEST payload.
func DecodeRequest(data []byte) (Request, error) {
	if len(data) < 1 {
		return Request{}, ErrTooShort
	}
	fileID := make([]byte, len(data)-1)
	copy(fileID, data[1:])
	return Request{FileKind: data[0], FileID: fileID}, nil
}

// Init is the INIT payload: file_kind:u8 || file_size:u64-le ||
// transfer_id:u8 || file_id:bytes[remaining].
type Init struct {
	FileKind   uint8
	FileSize   uint64
	TransferID uint8
	FileID     []byte
}

const initHeaderSize = 1 + 8 + 1

// EncodeInit serializes an INIT payload.
func EncodeInit(i Init) []byte {
	out := make([]byte, initHeaderSize+len(i.FileID))
	out[0] = i.FileKind
	binary.LittleEndian.PutUint64(out[1:9], i.FileSize)
	out[9] = i.TransferID
	copy(out[10:], i.FileID)
	return out
}

// DecodeInit parses an INIT payload.
func DecodeInit(data []byte) (Init, error) {
	if len(data) < initHeaderSize {
		return Init{}, ErrTooShort
	}
	fileID := make([]byte, len(data)-initHeaderSize)
	copy(fileID, data[initHeaderSize:])
	return Init{
		FileKind:   data[0],
		FileSize:   binary.LittleEndian.Uint64(data[1:9]),
		TransferID: data[9],
		FileID:     fileID,
	}, nil
}

// InitAck is the INIT_ACK payload: transfer_id:u8.
type InitAck struct {
	TransferID uint8
}

// EncodeInitAck serializes an INIT_ACK payload.
func EncodeInitAck(a InitAck) []byte {
	return []byte{a.TransferID}
}

// DecodeInitAck parses an INIT_ACK payload.
func DecodeInitAck(data []byte) (InitAck, error) {
	if len(data) < 1 {
		return InitAck{}, ErrTooShort
	}
	return InitAck{TransferID: data[0]}, nil
}

// Data is the DATA payload: transfer_id:u8 || sequence_id:u16-le ||
// payload:bytes[remaining, >=1].
type Data struct {
	TransferID uint8
	SequenceID uint16
	Payload    []byte
}

const dataHeaderSize = 1 + 2

// EncodeData serializes a DATA payload.
func EncodeData(d Data) []byte {
	out := make([]byte, dataHeaderSize+len(d.Payload))
	out[0] = d.TransferID
	binary.LittleEndian.PutUint16(out[1:3], d.SequenceID)
	copy(out[3:], d.Payload)
	return out
}

// DecodeData parses a DATA payload. A zero-length payload is rejected, per
// §4.6's "payload:bytes[remaining, >=1]".
func DecodeData(data []byte) (Data, error) {
	if len(data) <= dataHeaderSize {
		return Data{}, ErrTooShort
	}
	payload := make([]byte, len(data)-dataHeaderSize)
	copy(payload, data[dataHeaderSize:])
	return Data{
		TransferID: data[0],
		SequenceID: binary.LittleEndian.Uint16(data[1:3]),
		Payload:    payload,
	}, nil
}

// DataAck is the DATA_ACK payload: transfer_id:u8 || (sequence_id:u16-le)+.
type DataAck struct {
	TransferID  uint8
	SequenceIDs []uint16
}

// EncodeDataAck serializes a DATA_ACK payload.
func EncodeDataAck(a DataAck) []byte {
	out := make([]byte, 1+2*len(a.SequenceIDs))
	out[0] = a.TransferID
	for i, seq := range a.SequenceIDs {
		binary.LittleEndian.PutUint16(out[1+2*i:3+2*i], seq)
	}
	return out
}

// DecodeDataAck parses a DATA_ACK payload. The payload after transfer_id
// must be a non-empty multiple of 2 bytes; malformed acks are rejected so
// the caller can drop them silently, per §4.6 and §7.
func DecodeDataAck(data []byte) (DataAck, error) {
	if len(data) < 1+2 {
		return DataAck{}, ErrTooShort
	}
	rest := data[1:]
	if len(rest)%2 != 0 {
		return DataAck{}, ErrMisaligned
	}

	seqs := make([]uint16, len(rest)/2)
	for i := range seqs {
		seqs[i] = binary.LittleEndian.Uint16(rest[2*i : 2*i+2])
	}

	return DataAck{TransferID: data[0], SequenceIDs: seqs}, nil
}
