package filetransfer

import "errors"

// ErrNoFreeSlot is returned by SendInitPrivate when all 256 send slots to a
// peer are occupied.
var ErrNoFreeSlot = errors.New("filetransfer: no free transfer slot")

// ErrPeerOffline is returned by SendInitPrivate when the substrate reports
// the target peer is not connected.
var ErrPeerOffline = errors.New("filetransfer: peer offline")

// ErrSendFailed wraps a substrate send failure.
var ErrSendFailed = errors.New("filetransfer: substrate send failed")

// ErrGivenUp is passed to a SendCompleteFunc when a transfer is abandoned
// due to exhausted init retries or an activity timeout.
var ErrGivenUp = errors.New("filetransfer: transfer given up")
