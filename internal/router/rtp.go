package router

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/pion/rtp"
)

// DefaultEpochExtensionID is the one-byte RTP header extension id carrying
// the epoch number on media packets.
const DefaultEpochExtensionID = 5

var ErrMissingEpochExtension = errors.New("router: packet has no epoch header extension")

// SequenceUnwrapper extends 16-bit RTP sequence numbers to a monotonic
// 64-bit space, tolerating wraparound. One unwrapper per (sender, layer)
// stream; callers feed packets in arrival order.
type SequenceUnwrapper struct {
	mu          sync.Mutex
	initialized bool
	last        uint16
	cycles      uint64
}

// Unwrap returns the 64-bit extension of seq.
func (u *SequenceUnwrapper) Unwrap(seq uint16) uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.initialized {
		u.initialized = true
		u.last = seq
		return uint64(seq)
	}
	// Forward wraparound: a small sequence following a large one.
	if seq < u.last && u.last-seq > 1<<15 {
		u.cycles += 1 << 16
	}
	u.last = seq
	return u.cycles + uint64(seq)
}

// EnvelopeFromRTP converts an incoming RTP packet into a router envelope.
// The epoch rides in a header extension as 8 big-endian bytes; the payload
// (ciphertext plus tag, produced by the sending client) passes through
// untouched.
func EnvelopeFromRTP(room, sender, layer string, pkt *rtp.Packet, extID uint8, unwrapper *SequenceUnwrapper) (Envelope, error) {
	ext := pkt.GetExtension(extID)
	if len(ext) < 8 {
		return Envelope{}, ErrMissingEpochExtension
	}
	return Envelope{
		Room:     room,
		Sender:   sender,
		Epoch:    binary.BigEndian.Uint64(ext[:8]),
		Sequence: unwrapper.Unwrap(pkt.SequenceNumber),
		Layer:    layer,
		Payload:  pkt.Payload,
	}, nil
}

// EnvelopeToRTP rebuilds an RTP packet for egress to a subscriber. Sequence
// numbers are truncated back to 16 bits; receivers recover ordering from the
// stream itself.
func EnvelopeToRTP(e Envelope, ssrc uint32, payloadType uint8, extID uint8) (*rtp.Packet, error) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadType,
			SequenceNumber: uint16(e.Sequence),
			SSRC:           ssrc,
		},
		Payload: e.Payload,
	}
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], e.Epoch)
	if err := pkt.SetExtension(extID, epochBytes[:]); err != nil {
		return nil, err
	}
	return pkt, nil
}
