// Package headless provides media collaborators without capture devices.
// Peers exchange synthetic session descriptions, which is enough to drive
// call signaling end to end in the daemon and in tests.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/nova/internal/media"
)

var seq atomic.Uint64

// Stream is a media handle that only records its release.
type Stream struct {
	id       string
	released atomic.Bool
}

// NewStream creates a stream with a unique id.
func NewStream(kind string) *Stream {
	return &Stream{id: fmt.Sprintf("%s-%d", kind, seq.Add(1))}
}

func (s *Stream) ID() string { return s.id }

// Release marks the stream released.
func (s *Stream) Release() { s.released.Store(true) }

// Released reports whether Release was called.
func (s *Stream) Released() bool { return s.released.Load() }

// Acquirer hands out streams. When Err is set every acquisition fails with
// it, which simulates a denied permission.
type Acquirer struct {
	mu      sync.Mutex
	Err     error
	streams []*Stream
}

// Acquire returns a new local stream.
func (a *Acquirer) Acquire(ctx context.Context, video bool) (media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return nil, a.Err
	}
	kind := "audio"
	if video {
		kind = "av"
	}
	s := NewStream(kind)
	a.streams = append(a.streams, s)
	return s, nil
}

// Streams returns every stream handed out so far.
func (a *Acquirer) Streams() []*Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Stream(nil), a.streams...)
}

// Description is the synthetic signaling payload.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Factory creates headless peers.
type Factory struct {
	mu    sync.Mutex
	peers []*Peer
}

// NewPeer creates a peer. An initiator emits its offer immediately.
func (f *Factory) NewPeer(initiator bool, local media.Stream, ev media.PeerEvents) (media.Peer, error) {
	if local == nil {
		return nil, errors.New("headless: no local stream")
	}
	p := &Peer{initiator: initiator, local: local, ev: ev}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	if initiator {
		p.emit(Description{Type: "offer", SDP: "headless " + local.ID()})
	}
	return p, nil
}

// Peers returns every peer created so far.
func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Peer is a headless peer.
type Peer struct {
	initiator bool
	local     media.Stream
	ev        media.PeerEvents

	mu     sync.Mutex
	closed bool
	remote *Stream
}

func (p *Peer) emit(d Description) {
	if p.ev.OnSignal == nil {
		return
	}
	raw, _ := json.Marshal(d)
	p.ev.OnSignal(raw)
}

// Signal applies a remote description. A non-initiator answers offers; both
// sides surface a remote stream once the exchange completes.
func (p *Peer) Signal(data json.RawMessage) error {
	var d Description
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("headless: bad description: %w", err)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("headless: peer closed")
	}
	p.mu.Unlock()

	switch {
	case d.Type == "offer" && !p.initiator:
		p.emit(Description{Type: "answer", SDP: "headless " + p.local.ID()})
	case d.Type == "answer" && p.initiator:
	default:
		return fmt.Errorf("headless: unexpected %q description", d.Type)
	}

	remote := NewStream("remote")
	p.mu.Lock()
	p.remote = remote
	p.mu.Unlock()
	if p.ev.OnStream != nil {
		p.ev.OnStream(remote)
	}
	return nil
}

// Fail reports err through OnError, as a dropped connection would.
func (p *Peer) Fail(err error) {
	if p.ev.OnError != nil {
		p.ev.OnError(err)
	}
}

// Close closes the peer. Idempotent.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Remote returns the remote stream surfaced by the peer, if any.
func (p *Peer) Remote() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}
