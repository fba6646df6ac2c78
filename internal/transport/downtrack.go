package transport

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/blackroad/meet/internal/router"
)

// DownTrack is the egress side of one subscription: it takes forwarded
// envelopes and writes them to a local RTP track, ciphertext untouched. It
// implements router.Sink.
type DownTrack struct {
	local       *webrtc.TrackLocalStaticRTP
	ssrc        uint32
	payloadType uint8
	extID       uint8
	muted       atomic.Bool
}

// NewDownTrack creates a DownTrack matching the remote track's codec.
func NewDownTrack(remote *webrtc.TrackRemote, extID uint8) (*DownTrack, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(
		remote.Codec().RTPCodecCapability,
		remote.ID(),
		remote.StreamID(),
	)
	if err != nil {
		return nil, err
	}
	return &DownTrack{
		local:       local,
		ssrc:        uint32(remote.SSRC()),
		payloadType: uint8(remote.PayloadType()),
		extID:       extID,
	}, nil
}

// NewDownTrackForCodec creates a DownTrack from a codec capability, for
// egress legs that exist before any publisher track does.
func NewDownTrackForCodec(capability webrtc.RTPCodecCapability, trackID, streamID string, payloadType uint8, extID uint8) (*DownTrack, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(capability, trackID, streamID)
	if err != nil {
		return nil, err
	}
	return &DownTrack{
		local:       local,
		payloadType: payloadType,
		extID:       extID,
	}, nil
}

// LocalTrack returns the local track for adding to a PeerConnection.
func (d *DownTrack) LocalTrack() *webrtc.TrackLocalStaticRTP {
	return d.local
}

// SetMuted pauses or resumes delivery without tearing down the track.
func (d *DownTrack) SetMuted(muted bool) {
	d.muted.Store(muted)
}

// WriteEnvelope rebuilds an RTP packet from the envelope and writes it to
// the local track. Muted tracks swallow frames silently.
func (d *DownTrack) WriteEnvelope(e router.Envelope) error {
	if d.muted.Load() {
		return nil
	}
	pkt, err := router.EnvelopeToRTP(e, d.ssrc, d.payloadType, d.extID)
	if err != nil {
		return err
	}
	return d.local.WriteRTP(pkt)
}
