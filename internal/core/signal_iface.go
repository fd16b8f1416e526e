package core

import "github.com/dkeye/Telecall/internal/protocol"

// Frame is one encoded envelope.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Sender serializes an event and hands it to the live connection.
type Sender interface {
	Send(event string, payload any) error
}

// Subscriber hands out inbound envelopes filtered by event tag.
// The returned cancel func must be called to release the subscription.
type Subscriber interface {
	Subscribe(tags ...string) (<-chan protocol.Envelope, func())
}
