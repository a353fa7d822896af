// Package ledbat implements a LEDBAT++ delay-based congestion controller.
//
// LEDBAT (RFC 6817) and the LEDBAT++ multiplicative-decrease refinement
// (draft-irtf-iccrg-ledbat-plus-plus) keep a sender's queuing delay below a
// target so that a transfer yields to latency-sensitive traffic sharing the
// same bottleneck. This controller is transport-agnostic: it tracks inflight
// byte accounting and RTT statistics keyed by an opaque SeqID supplied by
// the caller, and never touches the network itself.
//
// Example:
//
//	cc := ledbat.New(496)
//	id := ledbat.SeqID{TransferID: 3, SeqID: 17}
//	if cc.CanSend() >= cc.MSS() {
//	    cc.OnSent(id, 496) // payload bytes; SegmentOverhead is added internally
//	}
//	cc.OnAck([]ledbat.SeqID{id})
package ledbat

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// SeqID identifies one inflight segment across all transfers sharing a
// single controller: the pair (transfer slot id, per-transfer sequence id).
type SeqID struct {
	TransferID uint8
	SeqID      uint16
}

const (
	// ipv4HeaderSize is the fixed IPv4 header overhead attributed to a segment.
	ipv4HeaderSize = 20
	// udpHeaderSize is the fixed UDP header overhead attributed to a segment.
	udpHeaderSize = 8
	// substrateHeaderSize is the overhead of the group-messaging substrate's
	// own envelope around a custom packet.
	substrateHeaderSize = 46
	// framingOverhead is this protocol's own on-wire framing for a DATA
	// segment (1-byte opcode + 1-byte transfer_id + 2-byte sequence_id).
	framingOverhead = 4

	// SegmentOverhead is the fixed per-segment byte cost the controller
	// attributes on top of payload size.
	SegmentOverhead = framingOverhead + substrateHeaderSize + udpHeaderSize + ipv4HeaderSize

	// DefaultMaxSegmentData is the default maximum payload bytes per segment.
	DefaultMaxSegmentData = 496

	// targetDelay is the queuing-delay ceiling the controller keeps the path below.
	targetDelay = 0.030 // seconds

	// maxByterate caps the rate window regardless of observed delay.
	maxByterate = 10 * 1024 * 1024 // 10 MiB/s

	// currentDelayWindow is the number of most-recent RTT samples averaged
	// into current_delay.
	currentDelayWindow = 64

	// sectionDuration is the tumbling window used to derive base_delay.
	sectionDuration = 30 * time.Second

	// maxSectionMinima bounds the rolling log of past section minima.
	maxSectionMinima = 20
)

// inflightRecord is a single bookkeeping entry for a segment in flight.
type inflightRecord struct {
	id       SeqID
	sentTime float64 // seconds since controller construction
	byteCost uint32
}

// Controller is a LEDBAT++ congestion controller. It is not safe for
// concurrent use; callers invoke it from the single thread driving
// iterate/handlers, per the transport's cooperative scheduling model.
type Controller struct {
	maxSegmentData uint32
	mss            uint32 // maxSegmentData + SegmentOverhead

	startTime time.Time

	cwnd             float64
	fwnd             float64
	baseDelay        float64
	lastCwnd         float64
	recentlyAcked    int64
	recentlyLost     bool
	recentlySentByte int64

	inFlight      []inflightRecord
	inFlightBytes int64

	recentSamples  []float64 // most recent first, capped at currentDelayWindow
	sectionSamples []float64
	sectionStart   float64
	sectionMinima  []float64
}

// New creates a controller with the given maximum payload size per segment
// (the rest of MSS is fixed protocol/substrate/transport overhead).
func New(maxSegmentData uint32) *Controller {
	if maxSegmentData == 0 {
		maxSegmentData = DefaultMaxSegmentData
	}
	mss := maxSegmentData + SegmentOverhead

	c := &Controller{
		maxSegmentData: maxSegmentData,
		mss:            mss,
		startTime:      time.Now(),
		cwnd:           2 * float64(mss),
		baseDelay:      2.0, // large positive; collapses as samples arrive
		fwnd:           0.01 * maxByterate,
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"mss":      mss,
		"cwnd":     c.cwnd,
	}).Debug("congestion controller created")

	return c
}

// MSS returns the maximum segment size (payload + fixed overhead) in bytes.
func (c *Controller) MSS() uint32 { return c.mss }

func (c *Controller) now() float64 {
	return time.Since(c.startTime).Seconds()
}

// CWND returns the current congestion window in bytes.
func (c *Controller) CWND() float64 { return c.cwnd }

// FWND returns the current rate-cap window in bytes.
func (c *Controller) FWND() float64 { return c.fwnd }

// InFlightBytes returns the exact sum of byte costs of all inflight records.
func (c *Controller) InFlightBytes() int64 { return c.inFlightBytes }

// CurrentDelay returns the arithmetic mean of the most recent RTT samples,
// or +Inf if no sample has been observed yet.
func (c *Controller) CurrentDelay() float64 { return c.currentDelay() }

// BaseDelay returns the lowest observed RTT over the retained history.
func (c *Controller) BaseDelay() float64 { return c.baseDelay }

// Snapshot is a read-only view of controller internals for diagnostics.
type Snapshot struct {
	CWND          float64
	FWND          float64
	CurrentDelay  float64
	BaseDelay     float64
	InFlightBytes int64
}

// Snapshot returns a point-in-time view of the controller's windows and
// delay estimates, for application-level rate diagnostics.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		CWND:          c.cwnd,
		FWND:          c.fwnd,
		CurrentDelay:  c.currentDelay(),
		BaseDelay:     c.baseDelay,
		InFlightBytes: c.inFlightBytes,
	}
}

// CanSend returns how many bytes the caller is invited to queue right now.
// It always admits one MSS worth of data when nothing is inflight (probing
// the path), otherwise it rounds the smaller of the congestion and rate
// headroom up to the next MSS multiple.
func (c *Controller) CanSend() uint32 {
	if len(c.inFlight) == 0 {
		return c.mss
	}

	cspace := c.cwnd - float64(c.inFlightBytes)
	fspace := c.fwnd - float64(c.inFlightBytes)

	if cspace < float64(c.mss) || fspace < float64(c.mss) {
		return 0
	}

	space := math.Min(cspace, fspace)
	mss := float64(c.mss)
	return uint32(math.Ceil(space/mss) * mss)
}

// OnSent records that a segment was handed off to the substrate.
// dataSize excludes SegmentOverhead; the controller adds it internally.
func (c *Controller) OnSent(id SeqID, dataSize uint32) {
	cost := dataSize + SegmentOverhead
	c.inFlight = append(c.inFlight, inflightRecord{
		id:       id,
		sentTime: c.now(),
		byteCost: cost,
	})
	c.inFlightBytes += int64(cost)
	c.recentlySentByte += int64(cost)
}

// OnAck processes acknowledgment of a batch of segments. Unknown ids
// (duplicate or very late acks) are silently ignored.
func (c *Controller) OnAck(ids []SeqID) {
	now := c.now()
	found := false

	for _, id := range ids {
		idx := c.indexOf(id)
		if idx < 0 {
			continue
		}

		rec := c.inFlight[idx]
		c.addRTT(now - rec.sentTime)

		c.inFlightBytes -= int64(rec.byteCost)
		c.recentlyAcked += int64(rec.byteCost)
		c.removeInflight(idx)
		found = true
	}

	if !found {
		return
	}

	c.updateWindows()
}

// OnLoss records a lost segment. If discard is true the segment will not be
// retransmitted and its bytes are released from the inflight set now;
// otherwise the record is left in place to be resolved by a later ack or
// loss event.
func (c *Controller) OnLoss(id SeqID, discard bool) {
	idx := c.indexOf(id)
	if idx < 0 {
		return
	}

	c.recentlyLost = true

	if discard {
		c.inFlightBytes -= int64(c.inFlight[idx].byteCost)
		c.removeInflight(idx)
	}

	c.updateWindows()
}

// GetTimeouts returns every inflight id whose last send is older than
// 2*current_delay.
func (c *Controller) GetTimeouts() []SeqID {
	cutoff := c.now() - 2*c.currentDelay()

	var out []SeqID
	for _, rec := range c.inFlight {
		if cutoff > rec.sentTime {
			out = append(out, rec.id)
		}
	}
	return out
}

func (c *Controller) indexOf(id SeqID) int {
	for i, rec := range c.inFlight {
		if rec.id == id {
			return i
		}
	}
	return -1
}

func (c *Controller) removeInflight(idx int) {
	c.inFlight = append(c.inFlight[:idx], c.inFlight[idx+1:]...)
}

func (c *Controller) currentDelay() float64 {
	if len(c.recentSamples) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for _, s := range c.recentSamples {
		sum += s
	}
	return sum / float64(len(c.recentSamples))
}

// addRTT folds a new RTT sample into the short moving window and the
// 30-second tumbling section used to derive base_delay.
func (c *Controller) addRTT(rtt float64) {
	now := c.now()

	c.baseDelay = math.Min(c.baseDelay, rtt)

	c.recentSamples = append([]float64{rtt}, c.recentSamples...)
	if len(c.recentSamples) > currentDelayWindow {
		c.recentSamples = c.recentSamples[:currentDelayWindow]
	}

	if len(c.sectionSamples) == 0 {
		c.sectionStart = now
	}
	c.sectionSamples = append(c.sectionSamples, rtt)

	if now-c.sectionStart >= sectionDuration.Seconds() {
		min := rtt
		for _, s := range c.sectionSamples {
			if s < min {
				min = s
			}
		}

		c.sectionMinima = append(c.sectionMinima, min)
		c.sectionSamples = nil

		if len(c.sectionMinima) > maxSectionMinima {
			c.sectionMinima = c.sectionMinima[1:]
		}

		base := math.Inf(1)
		for _, m := range c.sectionMinima {
			if m < base {
				base = m
			}
		}
		c.baseDelay = base
	}
}

// updateWindows recomputes cwnd and fwnd, rate-limited to once per
// current_delay seconds.
func (c *Controller) updateWindows() {
	now := c.now()
	currentDelay := c.currentDelay()

	if now-c.lastCwnd < currentDelay {
		return
	}

	queuingDelay := currentDelay - c.baseDelay

	c.fwnd = maxByterate * currentDelay * 1.3

	gain := (1 / math.Min(16, math.Ceil(2*targetDelay/c.baseDelay))) * (float64(c.recentlyAcked) / 5)

	floor := 2 * float64(c.mss)

	switch {
	case c.recentlyLost:
		c.cwnd = clamp(c.cwnd/2, floor, c.cwnd)
	case queuingDelay < targetDelay:
		c.cwnd = math.Min(c.cwnd+gain, c.fwnd)
	case queuingDelay > targetDelay:
		delta := math.Max(gain-2*c.cwnd*(queuingDelay/targetDelay-1), -c.cwnd/2)
		c.cwnd = clamp(c.cwnd+delta, floor, c.fwnd)
	}

	c.lastCwnd = now
	c.recentlyAcked = 0
	c.recentlyLost = false
	c.recentlySentByte = 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
