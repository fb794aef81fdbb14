// Package media declares the capture and peer-connection collaborators of
// the call controller. Codec and ICE internals live behind Peer.
package media

import (
	"context"
	"encoding/json"
)

// Stream is an opaque media handle. Release is idempotent.
type Stream interface {
	ID() string
	Release()
}

// Acquirer opens local capture devices.
type Acquirer interface {
	// Acquire blocks until the user grants access or the device fails.
	Acquire(ctx context.Context, video bool) (Stream, error)
}

// PeerEvents receives asynchronous peer output. Callbacks may run on any
// goroutine and must not block.
type PeerEvents struct {
	OnSignal func(json.RawMessage)
	OnStream func(Stream)
	OnError  func(error)
}

// Peer is one side of a peer-to-peer connection.
type Peer interface {
	// Signal applies a remote signaling payload. It must not block.
	Signal(data json.RawMessage) error
	Close() error
}

// PeerFactory creates peers. An initiator emits an offer on its own; a
// non-initiator answers the offer applied through Signal.
type PeerFactory interface {
	NewPeer(initiator bool, local Stream, ev PeerEvents) (Peer, error)
}
