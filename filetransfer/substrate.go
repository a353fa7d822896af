package filetransfer

// FileKind discriminates the application-defined meaning of a transfer's
// file_id and bytes. New kinds may be registered at runtime; this transport
// never interprets the value itself beyond using it as a callback lookup
// key, mirroring the teacher corpus's open-ended PacketType enumerations.
type FileKind uint8

// Substrate is the subset of the group-messaging transport this package
// consumes: sending an opaque private packet to one peer, and querying
// whether that peer is currently connected. Everything else about message
// delivery, encryption, and NAT traversal belongs to the substrate and is
// out of scope here.
type Substrate interface {
	// SendCustomPrivatePacket delivers data to one peer in one group.
	// reliable selects the substrate's lossless channel; when false the
	// substrate may drop the packet, which this transport tolerates via
	// its own retransmission.
	SendCustomPrivatePacket(group, peer uint32, reliable bool, data []byte) error

	// PeerConnected reports whether the given peer is currently reachable.
	PeerConnected(group, peer uint32) bool
}

// Opcode identifies one of the five packet kinds this package defines, for
// registration with an external Dispatcher. Every outgoing packet carries the
// Opcode value itself as its first byte; handlers receive the payload after
// that byte.
type Opcode uint8

const (
	OpcodeRequest Opcode = iota
	OpcodeInit
	OpcodeInitAck
	OpcodeData
	OpcodeDataAck
)

// PacketHandler processes one inbound opcode-free payload from a given
// group/peer.
type PacketHandler func(group, peer uint32, payload []byte)

// Dispatcher is the external registry that maps a 1-byte opcode to a
// handler. This package never implements one; RegisterExt installs its five
// handlers on whatever the caller provides.
type Dispatcher interface {
	RegisterHandler(opcode Opcode, handler PacketHandler)
}
