package core

import (
	"context"

	"github.com/dkeye/Telecall/internal/domain"
)

// MediaSession is the local capture + peer connection of one CONNECTED call.
// Exclusively owned by the call machine until Release.
type MediaSession interface {
	Kind() domain.CallKind
	// ToggleAudio flips the microphone. Returns true when muted.
	ToggleAudio() bool
	// ToggleVideo flips the camera. Returns true when disabled.
	ToggleVideo() bool
	// Release stops every track and closes the connection. Idempotent.
	Release()
}

// MediaFactory acquires media when a call enters CONNECTED.
type MediaFactory interface {
	Acquire(ctx context.Context, kind domain.CallKind, peer domain.UserID) (MediaSession, error)
}
