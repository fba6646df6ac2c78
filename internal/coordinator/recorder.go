package coordinator

import (
	"context"
	"time"

	"github.com/blackroad/meet/internal/keyring"
)

// Capsule is the per-epoch decryption material handed to an external,
// access-controlled recording service. This is the single deliberate
// exception to the server never holding keys: opt-in, consent-gated, and
// every emission is logged as a security event.
type Capsule struct {
	RoomID    string
	Epoch     uint64
	Key       [keyring.MediaKeySize]byte
	NotBefore time.Time
	NotAfter  time.Time
}

// Recorder receives epoch key capsules for rooms with recording enabled.
type Recorder interface {
	StoreCapsule(ctx context.Context, capsule Capsule) error
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, capsule Capsule) error

func (f RecorderFunc) StoreCapsule(ctx context.Context, capsule Capsule) error {
	return f(ctx, capsule)
}
