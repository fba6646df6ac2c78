package coordinator

import (
	"context"

	"github.com/blackroad/meet/internal/keyring"
)

// Signaler is the external signaling channel carrying key updates to members.
// Delivery is assumed reliable, ordered, at-least-once; the coordinator tracks
// acknowledgments itself for grace-window timing and resends a blob at most
// once on explicit NACK.
type Signaler interface {
	SendKeyUpdate(ctx context.Context, roomID string, update keyring.KeyUpdate) error
}

// SignalerFunc adapts a function to the Signaler interface.
type SignalerFunc func(ctx context.Context, roomID string, update keyring.KeyUpdate) error

func (f SignalerFunc) SendKeyUpdate(ctx context.Context, roomID string, update keyring.KeyUpdate) error {
	return f(ctx, roomID, update)
}

// History persists call activity for later stats. Calls are dispatched off
// the coordinator's hot path; failures are logged, never propagated.
type History interface {
	RoomStarted(ctx context.Context, roomID, name, hostID string, maxMembers int) error
	RoomEnded(ctx context.Context, roomID, recordingURL string) error
	MemberJoined(ctx context.Context, roomID, memberID string) error
	MemberLeft(ctx context.Context, roomID, memberID string) error
	MediaToggled(ctx context.Context, roomID, memberID string, cameraOn, micOn bool) error
}
