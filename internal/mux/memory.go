package mux

import (
	"errors"
	"sync"

	"github.com/stjordanis/superhero-wallet/internal/wire"
)

// MemoryTransport is an in-process transport for embedded peers and
// tests. Peers are registered explicitly instead of discovered.
type MemoryTransport struct {
	mu       sync.Mutex
	peers    map[string]*MemoryPeer
	order    []string
	onClosed func(id string)
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{peers: make(map[string]*MemoryPeer)}
}

func (t *MemoryTransport) Add(p *MemoryPeer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.peers[p.id]; exists {
		return
	}
	t.peers[p.id] = p
	t.order = append(t.order, p.id)
}

// Remove drops a peer from future scans without reporting a closure,
// mimicking a target that merely stops showing up.
func (t *MemoryTransport) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

// OnTargetClosed registers the multiplexer's teardown callback.
func (t *MemoryTransport) OnTargetClosed(fn func(id string)) {
	t.mu.Lock()
	t.onClosed = fn
	t.mu.Unlock()
}

// Close drops a peer and reports the closure, mimicking a torn-down
// channel (the in-process analog of a dropped socket).
func (t *MemoryTransport) Close(id string) {
	t.mu.Lock()
	delete(t.peers, id)
	fn := t.onClosed
	t.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

func (t *MemoryTransport) Scan() []Target {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Target, 0, len(t.peers))
	for _, id := range t.order {
		if p, ok := t.peers[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// MemoryPeer is the peer side of an in-process channel.
type MemoryPeer struct {
	id     string
	origin string

	mu      sync.Mutex
	deliver func(env wire.Envelope, source string)

	// FromWallet receives everything the wallet sends to this peer.
	FromWallet chan wire.Envelope
}

func NewMemoryPeer(id, origin string) *MemoryPeer {
	return &MemoryPeer{
		id:         id,
		origin:     origin,
		FromWallet: make(chan wire.Envelope, 64),
	}
}

func (p *MemoryPeer) ID() string     { return p.id }
func (p *MemoryPeer) Origin() string { return p.origin }

func (p *MemoryPeer) Open(onMessage func(env wire.Envelope, source string)) (Sender, error) {
	p.mu.Lock()
	p.deliver = onMessage
	p.mu.Unlock()
	return &memorySender{peer: p}, nil
}

// SendToWallet delivers a message to the wallet as this peer.
func (p *MemoryPeer) SendToWallet(env wire.Envelope) {
	p.SendToWalletAs(p.id, env)
}

// SendToWalletAs delivers a message with an arbitrary claimed source,
// exercising the multiplexer's source filter.
func (p *MemoryPeer) SendToWalletAs(source string, env wire.Envelope) {
	p.mu.Lock()
	deliver := p.deliver
	p.mu.Unlock()
	if deliver != nil {
		deliver(env, source)
	}
}

type memorySender struct {
	peer *MemoryPeer
}

func (s *memorySender) Send(env wire.Envelope) error {
	select {
	case s.peer.FromWallet <- env:
		return nil
	default:
		return errors.New("peer buffer full")
	}
}

func (s *memorySender) Close() error { return nil }
