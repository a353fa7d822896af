package filetransfer

// Options configures a Transport instance. All timeouts are in seconds, to
// match the float64 time base the driver's Iterate(timeDelta) uses.
type Options struct {
	// AcksPerPacket bounds the receive sequence buffer's rolling ack queue.
	AcksPerPacket int

	// InitRetryTimeoutAfter is how long a send transfer waits for an
	// INIT_ACK before re-emitting INIT (up to 3 attempts total).
	InitRetryTimeoutAfter float64

	// SendingResendWithoutAckAfter is how long an unacknowledged DATA
	// segment waits before being re-emitted.
	SendingResendWithoutAckAfter float64

	// SendingGiveUpAfter is the total inactivity budget before a send
	// transfer is deleted regardless of progress.
	SendingGiveUpAfter float64

	// PacketWindowSize caps how many unacknowledged segments a send
	// transfer may have outstanding at once.
	PacketWindowSize int

	// MaxSegmentData is the maximum application payload bytes per DATA
	// segment (tunable to fit the substrate's custom-packet MTU).
	MaxSegmentData uint32
}

// DefaultOptions returns the reference defaults from §6.
func DefaultOptions() Options {
	return Options{
		AcksPerPacket:                3,
		InitRetryTimeoutAfter:        10.0,
		SendingResendWithoutAckAfter: 5.0,
		SendingGiveUpAfter:           30.0,
		PacketWindowSize:             2,
		MaxSegmentData:               496,
	}
}
