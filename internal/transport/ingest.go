package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/blackroad/meet/internal/router"
)

// trackSource is the readable side of a publisher track.
type trackSource interface {
	ReadRTP() (*rtp.Packet, error)
}

// remoteSource adapts a webrtc.TrackRemote to trackSource.
type remoteSource struct {
	track *webrtc.TrackRemote
}

func (r remoteSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.track.ReadRTP()
	return pkt, err
}

// RunIngest reads RTP packets from a publisher's remote track and feeds them
// to the router as envelopes. The track's RID names the simulcast layer. Runs
// until ctx is cancelled or the track ends.
func RunIngest(ctx context.Context, rt *router.Router, roomID, senderID string, remote *webrtc.TrackRemote, extID uint8) {
	ingestFrom(ctx, rt, roomID, senderID, remote.RID(), remoteSource{remote}, extID)
}

func ingestFrom(ctx context.Context, rt *router.Router, roomID, senderID, layer string, src trackSource, extID uint8) {
	var unwrap router.SequenceUnwrapper

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkt, err := src.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("ingest track closed",
					slog.String("room", roomID), slog.String("sender", senderID),
					slog.String("error", err.Error()))
			}
			return
		}

		env, err := router.EnvelopeFromRTP(roomID, senderID, layer, pkt, extID, &unwrap)
		if err != nil {
			// Packets without the epoch extension cannot be routed safely.
			slog.Debug("unroutable packet dropped",
				slog.String("room", roomID), slog.String("sender", senderID),
				slog.String("error", err.Error()))
			continue
		}

		if err := rt.Ingest(env); err != nil {
			// Stale or unknown epochs are expected around rotations.
			slog.Debug("frame rejected",
				slog.String("room", roomID), slog.String("sender", senderID),
				slog.String("error", err.Error()))
		}
	}
}
