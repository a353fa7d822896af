package filetransfer

import "github.com/opd-ai/ngcft1/ledbat"

// maxSlots is the number of concurrent send (and, separately, receive)
// transfer slots a peer may have, per §2/§3.
const maxSlots = 256

// peerState holds one peer's send/receive slot arrays and its congestion
// controller. One Controller is shared by every outgoing transfer to this
// peer: the controller's SeqID pairs (transfer slot id, segment seq id)
// disambiguate between this peer's concurrent transfers, exactly as the
// reference LEDBAT::SeqIDType does.
type peerState struct {
	cc *ledbat.Controller

	sendTransfers   [maxSlots]*sendTransfer
	nextSendSlotIdx int
	recvTransfers   [maxSlots]*recvTransfer
}

func newPeerState(maxSegmentData uint32) *peerState {
	return &peerState{cc: ledbat.New(maxSegmentData)}
}

// groupState holds every peer known within one group.
type groupState struct {
	peers map[uint32]*peerState
}

func newGroupState() *groupState {
	return &groupState{peers: make(map[uint32]*peerState)}
}

// registry is the group index -> peer index -> per-peer state mapping.
// Groups and peers are created lazily on first reference, per §3.
type registry struct {
	groups         map[uint32]*groupState
	maxSegmentData uint32
}

func newRegistry(maxSegmentData uint32) *registry {
	return &registry{
		groups:         make(map[uint32]*groupState),
		maxSegmentData: maxSegmentData,
	}
}

func (r *registry) peer(group, peer uint32) *peerState {
	g, ok := r.groups[group]
	if !ok {
		g = newGroupState()
		r.groups[group] = g
	}

	p, ok := g.peers[peer]
	if !ok {
		p = newPeerState(r.maxSegmentData)
		g.peers[peer] = p
	}

	return p
}

// peerIfExists returns the peer state without creating it, or nil.
func (r *registry) peerIfExists(group, peer uint32) *peerState {
	g, ok := r.groups[group]
	if !ok {
		return nil
	}
	return g.peers[peer]
}

// allocateSendSlot scans forward from nextSendSlotIdx for the first empty
// slot, per §4.4's tie-breaking rule, and returns its index.
func (p *peerState) allocateSendSlot(tf *sendTransfer) (uint8, bool) {
	idx := p.nextSendSlotIdx
	for i := 0; i < maxSlots; i++ {
		candidate := (idx + i) % maxSlots
		if p.sendTransfers[candidate] == nil {
			p.sendTransfers[candidate] = tf
			p.nextSendSlotIdx = (candidate + 1) % maxSlots
			return uint8(candidate), true
		}
	}
	return 0, false
}

// installRecvSlot installs tf at the given transfer_id, overwriting any
// occupant (the caller logs the overwrite warning).
func (p *peerState) installRecvSlot(transferID uint8, tf *recvTransfer) (overwritten bool) {
	overwritten = p.recvTransfers[transferID] != nil
	p.recvTransfers[transferID] = tf
	return overwritten
}

// Stats reports slot occupancy for one peer, for application diagnostics.
type Stats struct {
	SendSlotsUsed int
	RecvSlotsUsed int
}

func (p *peerState) stats() Stats {
	var s Stats
	for _, tf := range p.sendTransfers {
		if tf != nil {
			s.SendSlotsUsed++
		}
	}
	for _, tf := range p.recvTransfers {
		if tf != nil {
			s.RecvSlotsUsed++
		}
	}
	return s
}
