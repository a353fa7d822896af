// Package filetransfer implements a reliable, congestion-controlled,
// multi-transfer file transport layered on an unordered, lossy
// group-messaging substrate. It fragments application byte streams into
// fixed-ceiling segments, retransmits losses, and paces sending with a
// LEDBAT++ controller (see the sibling ledbat package) so transfers yield
// to latency-sensitive traffic sharing the same path.
//
// Example:
//
//	ft := filetransfer.New(substrate, filetransfer.DefaultOptions())
//	ft.RegisterExt(dispatcher)
//	ft.OnRecvInit(myKind, func(group, peer uint32, fileID []byte, transferID uint8, fileSize uint64) bool {
//	    return true // accept every incoming transfer of this kind
//	})
//	ft.OnRecvData(myKind, func(group, peer uint32, transferID uint8, offset uint64, data []byte) {
//	    // append data at offset
//	})
//	ft.OnSendData(myKind, func(group, peer uint32, transferID uint8, offset uint64, out []byte) {
//	    // fill out with the next len(out) bytes at offset
//	})
//
//	for range ticker.C {
//	    ft.Iterate(tickInterval.Seconds())
//	}
package filetransfer

import (
	"fmt"

	"github.com/opd-ai/ngcft1/ledbat"
	"github.com/opd-ai/ngcft1/wire"
	"github.com/sirupsen/logrus"
)

// RecvRequestFunc is invoked when a REQUEST for the registered file kind
// arrives. There is no accept/reject step for a request.
type RecvRequestFunc func(group, peer uint32, fileID []byte)

// RecvInitFunc is invoked when an INIT for the registered file kind
// arrives. Returning true accepts the transfer and causes an INIT_ACK to be
// emitted; returning false silently rejects it.
type RecvInitFunc func(group, peer uint32, fileID []byte, transferID uint8, fileSize uint64) bool

// RecvDataFunc delivers in-order bytes for an accepted incoming transfer.
type RecvDataFunc func(group, peer uint32, transferID uint8, dataOffset uint64, data []byte)

// SendDataFunc asks the application to fill out with the next len(out)
// bytes of an outgoing transfer's payload, starting at dataOffset.
type SendDataFunc func(group, peer uint32, transferID uint8, dataOffset uint64, out []byte)

// SendCompleteFunc reports that an outgoing transfer finished, either
// successfully (err == nil) or because it was given up on. This is a
// supplement to the protocol described in §9: the reference leaves send-side
// give-up unnotified.
type SendCompleteFunc func(group, peer uint32, transferID uint8, err error)

// Transport is one instance of the file transfer protocol, driven entirely
// by external calls: Iterate, the packet handlers installed by RegisterExt,
// and the synchronous SendRequestPrivate/SendInitPrivate API. It assumes a
// single calling goroutine, per §5, and holds no internal locks.
type Transport struct {
	options   Options
	substrate Substrate
	registry  *registry

	cbRecvRequest  map[FileKind]RecvRequestFunc
	cbRecvInit     map[FileKind]RecvInitFunc
	cbRecvData     map[FileKind]RecvDataFunc
	cbSendData     map[FileKind]SendDataFunc
	cbSendComplete map[FileKind]SendCompleteFunc
}

// New creates a Transport bound to the given substrate.
func New(substrate Substrate, options Options) *Transport {
	t := &Transport{
		options:        options,
		substrate:      substrate,
		registry:       newRegistry(options.MaxSegmentData),
		cbRecvRequest:  make(map[FileKind]RecvRequestFunc),
		cbRecvInit:     make(map[FileKind]RecvInitFunc),
		cbRecvData:     make(map[FileKind]RecvDataFunc),
		cbSendData:     make(map[FileKind]SendDataFunc),
		cbSendComplete: make(map[FileKind]SendCompleteFunc),
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"options":  options,
	}).Info("file transfer instance created")

	return t
}

// RegisterExt installs the five opcode handlers on an externally-provided
// dispatch table.
func (t *Transport) RegisterExt(d Dispatcher) {
	d.RegisterHandler(OpcodeRequest, t.handleRequest)
	d.RegisterHandler(OpcodeInit, t.handleInit)
	d.RegisterHandler(OpcodeInitAck, t.handleInitAck)
	d.RegisterHandler(OpcodeData, t.handleData)
	d.RegisterHandler(OpcodeDataAck, t.handleDataAck)
}

// OnRecvRequest registers the REQUEST callback for a file kind.
func (t *Transport) OnRecvRequest(kind FileKind, fn RecvRequestFunc) { t.cbRecvRequest[kind] = fn }

// OnRecvInit registers the INIT accept/reject callback for a file kind.
func (t *Transport) OnRecvInit(kind FileKind, fn RecvInitFunc) { t.cbRecvInit[kind] = fn }

// OnRecvData registers the in-order data delivery callback for a file kind.
func (t *Transport) OnRecvData(kind FileKind, fn RecvDataFunc) { t.cbRecvData[kind] = fn }

// OnSendData registers the outgoing payload-fill callback for a file kind.
func (t *Transport) OnSendData(kind FileKind, fn SendDataFunc) { t.cbSendData[kind] = fn }

// OnSendComplete registers the send-completion callback for a file kind.
func (t *Transport) OnSendComplete(kind FileKind, fn SendCompleteFunc) {
	t.cbSendComplete[kind] = fn
}

// Stats returns slot occupancy for one peer, creating no new state.
func (t *Transport) Stats(group, peer uint32) Stats {
	p := t.registry.peerIfExists(group, peer)
	if p == nil {
		return Stats{}
	}
	return p.stats()
}

// CongestionSnapshot exposes the LEDBAT++ window/delay state for one peer's
// shared controller, for application diagnostics.
func (t *Transport) CongestionSnapshot(group, peer uint32) (ledbat.Snapshot, bool) {
	p := t.registry.peerIfExists(group, peer)
	if p == nil {
		return ledbat.Snapshot{}, false
	}
	return p.cc.Snapshot(), true
}

// SendRequestPrivate emits a REQUEST. No local state is created; the
// application decides how (or whether) to follow up with SendInitPrivate.
func (t *Transport) SendRequestPrivate(group, peer uint32, kind FileKind, fileID []byte) error {
	payload := wire.EncodeRequest(wire.Request{FileKind: uint8(kind), FileID: fileID})
	if err := t.substrate.SendCustomPrivatePacket(group, peer, true, prepend(OpcodeRequest, payload)); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

// SendInitPrivate begins an outgoing transfer: it preflights that the peer
// is connected, allocates a send slot, and emits INIT. The returned
// transferID is the allocated slot index.
func (t *Transport) SendInitPrivate(group, peer uint32, kind FileKind, fileID []byte, fileSize uint64) (uint8, error) {
	if !t.substrate.PeerConnected(group, peer) {
		logrus.WithFields(logrus.Fields{
			"function": "SendInitPrivate",
			"group":    group, "peer": peer,
		}).Warn("cannot init transfer, peer offline")
		return 0, ErrPeerOffline
	}

	p := t.registry.peer(group, peer)
	tf := newSendTransfer(kind, fileID, fileSize)

	transferID, ok := p.allocateSendSlot(tf)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "SendInitPrivate",
			"group":    group, "peer": peer,
		}).Warn("cannot init transfer, no free slot")
		return 0, ErrNoFreeSlot
	}

	if err := t.sendInit(group, peer, kind, fileSize, transferID, fileID); err != nil {
		p.sendTransfers[transferID] = nil
		return 0, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SendInitPrivate",
		"group": group, "peer": peer, "transfer_id": transferID,
		"file_size": fileSize,
	}).Info("outgoing transfer initiated")

	return transferID, nil
}

// Iterate advances every send transfer's timers and drives §4.4's state
// transitions. time_delta is in seconds.
func (t *Transport) Iterate(timeDelta float64) {
	for group, g := range t.registry.groups {
		for peer, p := range g.peers {
			for idx := 0; idx < maxSlots; idx++ {
				tf := p.sendTransfers[idx]
				if tf == nil {
					continue
				}
				t.iterateSendTransfer(group, peer, uint8(idx), p, tf, timeDelta)
			}
		}
	}
}

func (t *Transport) iterateSendTransfer(group, peer uint32, idx uint8, p *peerState, tf *sendTransfer, timeDelta float64) {
	tf.timeSinceActivity += timeDelta

	switch tf.state {
	case sendStateInitSent:
		t.iterateInitSent(group, peer, idx, p, tf)
	case sendStateSending, sendStateFinishing:
		t.iterateSendingOrFinishing(group, peer, idx, p, tf, timeDelta)
	}
}

func (t *Transport) iterateInitSent(group, peer uint32, idx uint8, p *peerState, tf *sendTransfer) {
	if tf.timeSinceActivity < t.options.InitRetryTimeoutAfter {
		return
	}

	if tf.initsSent >= 3 {
		logrus.WithFields(logrus.Fields{
			"function": "iterate", "group": group, "peer": peer, "transfer_id": idx,
		}).Warn("init retries exhausted, giving up")
		t.deleteSendTransfer(group, peer, idx, p, tf, ErrGivenUp)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "iterate", "group": group, "peer": peer, "transfer_id": idx,
		"inits_sent": tf.initsSent,
	}).Warn("init timed out, resending")

	if err := t.sendInit(group, peer, tf.fileKind, tf.fileSize, idx, tf.fileID); err != nil {
		logrus.WithError(err).Warn("failed to resend init")
	}
	tf.initsSent++
	tf.timeSinceActivity = 0
}

func (t *Transport) iterateSendingOrFinishing(group, peer uint32, idx uint8, p *peerState, tf *sendTransfer, timeDelta float64) {
	tf.ssb.forEach(timeDelta, func(id uint16, data []byte, timeSinceActivity *float64) {
		if *timeSinceActivity < t.options.SendingResendWithoutAckAfter {
			return
		}
		if err := t.sendData(group, peer, idx, id, data); err != nil {
			logrus.WithError(err).Warn("failed to resend data")
		}
		*timeSinceActivity = 0
	})

	if tf.timeSinceActivity >= t.options.SendingGiveUpAfter {
		logrus.WithFields(logrus.Fields{
			"function": "iterate", "group": group, "peer": peer, "transfer_id": idx,
			"state": tf.state.String(),
		}).Warn("transfer inactive too long, giving up")
		t.deleteSendTransfer(group, peer, idx, p, tf, ErrGivenUp)
		return
	}

	if tf.state == sendStateFinishing {
		if tf.ssb.size() == 0 {
			t.completeSendTransfer(group, peer, idx, p, tf)
		}
		return
	}

	t.pullSendData(group, peer, idx, p, tf)
}

// pullSendData fills the send window from the application's send_data
// callback, gated by both the congestion controller's admission and the
// configured packet window size, per §2's data flow and §4.4.
func (t *Transport) pullSendData(group, peer uint32, idx uint8, p *peerState, tf *sendTransfer) {
	sendFn, ok := t.cbSendData[tf.fileKind]
	if !ok {
		return
	}

	for tf.ssb.size() < t.options.PacketWindowSize && tf.fileSizeCurrent < tf.fileSize {
		chunkSize := tf.fileSize - tf.fileSizeCurrent
		if ceiling := uint64(t.options.MaxSegmentData); chunkSize > ceiling {
			chunkSize = ceiling
		}

		if p.cc.CanSend() < p.cc.MSS() {
			return
		}

		chunk := make([]byte, chunkSize)
		sendFn(group, peer, idx, tf.fileSizeCurrent, chunk)

		seqID := tf.ssb.add(chunk)
		p.cc.OnSent(ledbat.SeqID{TransferID: idx, SeqID: seqID}, uint32(len(chunk)))

		if err := t.sendData(group, peer, idx, seqID, chunk); err != nil {
			logrus.WithError(err).Warn("failed to send data")
		}

		tf.fileSizeCurrent += chunkSize
	}

	if tf.fileSizeCurrent == tf.fileSize {
		tf.state = sendStateFinishing
	}
}

func (t *Transport) completeSendTransfer(group, peer uint32, idx uint8, p *peerState, tf *sendTransfer) {
	logrus.WithFields(logrus.Fields{
		"function": "iterate", "group": group, "peer": peer, "transfer_id": idx,
	}).Info("transfer complete")

	p.sendTransfers[idx] = nil

	if fn, ok := t.cbSendComplete[tf.fileKind]; ok {
		fn(group, peer, idx, nil)
	}
}

// deleteSendTransfer removes the slot and, per §5, releases every still
// outstanding SSB entry from the shared controller's inflight set so its
// accounting does not drift once the slot is gone.
func (t *Transport) deleteSendTransfer(group, peer uint32, idx uint8, p *peerState, tf *sendTransfer, cause error) {
	tf.ssb.forEach(0, func(id uint16, _ []byte, _ *float64) {
		p.cc.OnLoss(ledbat.SeqID{TransferID: idx, SeqID: id}, true)
	})

	p.sendTransfers[idx] = nil

	if fn, ok := t.cbSendComplete[tf.fileKind]; ok {
		fn(group, peer, idx, cause)
	}
}

// --- packet handlers, installed via RegisterExt ---

func (t *Transport) handleRequest(group, peer uint32, payload []byte) {
	req, err := wire.DecodeRequest(payload)
	if err != nil {
		logrus.WithError(err).Debug("dropping malformed REQUEST")
		return
	}

	fn, ok := t.cbRecvRequest[FileKind(req.FileKind)]
	if !ok {
		logrus.WithFields(logrus.Fields{"file_kind": req.FileKind}).Debug("dropping REQUEST for unregistered kind")
		return
	}
	fn(group, peer, req.FileID)
}

func (t *Transport) handleInit(group, peer uint32, payload []byte) {
	init, err := wire.DecodeInit(payload)
	if err != nil {
		logrus.WithError(err).Debug("dropping malformed INIT")
		return
	}

	fn, ok := t.cbRecvInit[FileKind(init.FileKind)]
	if !ok {
		logrus.WithFields(logrus.Fields{"file_kind": init.FileKind}).Debug("dropping INIT for unregistered kind")
		return
	}

	if !fn(group, peer, init.FileID, init.TransferID, init.FileSize) {
		logrus.WithFields(logrus.Fields{
			"group": group, "peer": peer, "transfer_id": init.TransferID,
		}).Debug("application rejected INIT")
		return
	}

	p := t.registry.peer(group, peer)
	tf := newRecvTransfer(FileKind(init.FileKind), init.FileID, init.FileSize, t.options.AcksPerPacket)

	if p.installRecvSlot(init.TransferID, tf) {
		logrus.WithFields(logrus.Fields{
			"group": group, "peer": peer, "transfer_id": init.TransferID,
		}).Warn("overwriting existing receive transfer slot")
	}

	if err := t.sendInitAck(group, peer, init.TransferID); err != nil {
		logrus.WithError(err).Warn("failed to send init_ack")
	}
}

func (t *Transport) handleInitAck(group, peer uint32, payload []byte) {
	ack, err := wire.DecodeInitAck(payload)
	if err != nil {
		logrus.WithError(err).Debug("dropping malformed INIT_ACK")
		return
	}

	p := t.registry.peerIfExists(group, peer)
	if p == nil {
		logrus.Debug("dropping INIT_ACK for unknown peer")
		return
	}

	tf := p.sendTransfers[ack.TransferID]
	if tf == nil {
		logrus.Debug("dropping INIT_ACK for unknown transfer")
		return
	}
	if tf.state != sendStateInitSent {
		logrus.Debug("dropping INIT_ACK, transfer not in INIT_SENT")
		return
	}

	tf.state = sendStateSending
	tf.timeSinceActivity = 0
}

func (t *Transport) handleData(group, peer uint32, payload []byte) {
	data, err := wire.DecodeData(payload)
	if err != nil {
		logrus.WithError(err).Debug("dropping malformed DATA")
		return
	}

	p := t.registry.peerIfExists(group, peer)
	if p == nil {
		logrus.Debug("dropping DATA for unknown peer")
		return
	}

	tf := p.recvTransfers[data.TransferID]
	if tf == nil {
		logrus.Debug("dropping DATA for unknown transfer")
		return
	}

	tf.rsb.add(data.SequenceID, data.Payload)
	tf.state = recvStateRecv

	recvFn, ok := t.cbRecvData[tf.fileKind]
	if !ok {
		logrus.WithFields(logrus.Fields{"file_kind": tf.fileKind}).Debug("dropping DATA, no recv_data callback")
		return
	}

	for tf.rsb.canPop() {
		chunk := tf.rsb.pop()
		recvFn(group, peer, data.TransferID, tf.fileSizeCurrent, chunk)
		tf.fileSizeCurrent += uint64(len(chunk))
	}

	acks := tf.rsb.ackSeqIDs()
	if len(acks) != 0 {
		if err := t.sendDataAck(group, peer, data.TransferID, acks); err != nil {
			logrus.WithError(err).Warn("failed to send data_ack")
		}
	}

	// The reference never reclaims a completed receive slot, which leaks one
	// of 256 slots per finished transfer; free it here once every byte has
	// been delivered so a peer can keep sending indefinitely.
	if tf.fileSizeCurrent == tf.fileSize {
		logrus.WithFields(logrus.Fields{
			"group": group, "peer": peer, "transfer_id": data.TransferID,
		}).Info("receive transfer complete")
		p.recvTransfers[data.TransferID] = nil
	}
}

func (t *Transport) handleDataAck(group, peer uint32, payload []byte) {
	ack, err := wire.DecodeDataAck(payload)
	if err != nil {
		logrus.WithError(err).Debug("dropping malformed DATA_ACK")
		return
	}

	p := t.registry.peerIfExists(group, peer)
	if p == nil {
		logrus.Debug("dropping DATA_ACK for unknown peer")
		return
	}

	tf := p.sendTransfers[ack.TransferID]
	if tf == nil {
		logrus.Debug("dropping DATA_ACK for unknown/already-freed transfer")
		return
	}
	if tf.state != sendStateSending && tf.state != sendStateFinishing {
		logrus.Debug("dropping DATA_ACK, transfer not sending")
		return
	}

	tf.timeSinceActivity = 0

	ids := make([]ledbat.SeqID, 0, len(ack.SequenceIDs))
	for _, seq := range ack.SequenceIDs {
		tf.ssb.erase(seq)
		ids = append(ids, ledbat.SeqID{TransferID: ack.TransferID, SeqID: seq})
	}
	p.cc.OnAck(ids)

	if tf.fileSize == tf.fileSizeCurrent && tf.ssb.size() == 0 {
		t.completeSendTransfer(group, peer, ack.TransferID, p, tf)
	}
}

// --- wire send helpers ---

func prepend(op Opcode, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(op)
	copy(out[1:], payload)
	return out
}

func (t *Transport) sendInit(group, peer uint32, kind FileKind, fileSize uint64, transferID uint8, fileID []byte) error {
	payload := wire.EncodeInit(wire.Init{
		FileKind: uint8(kind), FileSize: fileSize, TransferID: transferID, FileID: fileID,
	})
	return t.substrate.SendCustomPrivatePacket(group, peer, true, prepend(OpcodeInit, payload))
}

func (t *Transport) sendInitAck(group, peer uint32, transferID uint8) error {
	payload := wire.EncodeInitAck(wire.InitAck{TransferID: transferID})
	return t.substrate.SendCustomPrivatePacket(group, peer, true, prepend(OpcodeInitAck, payload))
}

func (t *Transport) sendData(group, peer uint32, transferID uint8, seqID uint16, data []byte) error {
	payload := wire.EncodeData(wire.Data{TransferID: transferID, SequenceID: seqID, Payload: data})
	return t.substrate.SendCustomPrivatePacket(group, peer, true, prepend(OpcodeData, payload))
}

func (t *Transport) sendDataAck(group, peer uint32, transferID uint8, seqIDs []uint16) error {
	payload := wire.EncodeDataAck(wire.DataAck{TransferID: transferID, SequenceIDs: seqIDs})
	return t.substrate.SendCustomPrivatePacket(group, peer, true, prepend(OpcodeDataAck, payload))
}
