// Package mux discovers reachable aepp peers and keeps a live,
// deduplicated roster of message channels to them. Discovery is
// periodic because peers can appear after the wallet loads; announces
// are retried once because a freshly attached peer may not be listening
// yet. There is no ack protocol.
package mux

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stjordanis/superhero-wallet/internal/wire"
)

const (
	DefaultRescanInterval = 3 * time.Second
	DefaultAnnounceGrace  = 3 * time.Second
)

var announcesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wallet_announces_total",
	Help: "Wallet info announcements pushed to peer channels.",
})

// Target is one reachable peer endpoint. Identity is not reusable
// across a peer reload; a reloaded peer shows up as a new target.
type Target interface {
	ID() string
	Origin() string
	// Open attaches the delivery callback and returns the send side.
	// The callback receives the claimed source of each message.
	Open(onMessage func(env wire.Envelope, source string)) (Sender, error)
}

type Sender interface {
	Send(env wire.Envelope) error
	Close() error
}

// Transport enumerates the currently reachable targets.
type Transport interface {
	Scan() []Target
}

// Handler receives peer lifecycle and message events. Per channel,
// messages are delivered in order; across channels there is no ordering
// guarantee.
type Handler interface {
	PeerConnected(conn *Conn)
	HandleMessage(conn *Conn, env wire.Envelope)
}

// GoneNotifier is implemented by handlers that want to hear about
// channels torn down by the multiplexer, either because the transport
// reported the channel closed or because scan eviction is enabled.
type GoneNotifier interface {
	PeerGone(conn *Conn)
}

// CloseNotifier is implemented by transports that learn about channel
// teardown directly (a dropped socket) instead of only via scan absence.
type CloseNotifier interface {
	OnTargetClosed(fn func(id string))
}

// Conn is a logical channel to one peer.
type Conn struct {
	target Target

	mu              sync.Mutex
	sender          Sender
	pending         []wire.Envelope
	connected       bool
	lastAnnouncedAt time.Time
}

func (c *Conn) ID() string     { return c.target.ID() }
func (c *Conn) Origin() string { return c.target.Origin() }

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) LastAnnouncedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAnnouncedAt
}

// Send delivers to the peer. A target may start delivering inbound
// messages while Open is still running; replies produced in that window
// are queued and flushed as soon as the send side is attached.
func (c *Conn) Send(env wire.Envelope) error {
	c.mu.Lock()
	sender := c.sender
	if sender == nil {
		c.pending = append(c.pending, env)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return sender.Send(env)
}

func (c *Conn) attach(sender Sender) {
	c.mu.Lock()
	c.sender = sender
	c.connected = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, env := range pending {
		_ = sender.Send(env)
	}
}

type Options struct {
	RescanInterval time.Duration
	AnnounceGrace  time.Duration
	// EvictMissing drops channels whose target disappeared from the
	// transport scan. Off by default: a channel that never replies is
	// kept until its context is destroyed.
	EvictMissing bool
	Logger       *slog.Logger
}

type Mux struct {
	transport Transport
	handler   Handler
	announce  func() wire.Envelope
	opts      Options
	log       *slog.Logger

	mu    sync.Mutex
	conns map[string]*Conn
}

// New builds a multiplexer. announce supplies the current wallet info
// envelope at send time, so identity switches are picked up.
func New(transport Transport, handler Handler, announce func() wire.Envelope, opts Options) *Mux {
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = DefaultRescanInterval
	}
	if opts.AnnounceGrace <= 0 {
		opts.AnnounceGrace = DefaultAnnounceGrace
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	m := &Mux{
		transport: transport,
		handler:   handler,
		announce:  announce,
		opts:      opts,
		log:       log,
		conns:     make(map[string]*Conn),
	}
	if cn, ok := transport.(CloseNotifier); ok {
		cn.OnTargetClosed(m.targetClosed)
	}
	return m
}

// Run rescans until the context ends. The first scan happens
// immediately.
func (m *Mux) Run(ctx context.Context) {
	m.ScanOnce()
	ticker := time.NewTicker(m.opts.RescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ScanOnce()
		}
	}
}

// ScanOnce connects every newly discovered target, deduplicated by
// target identity.
func (m *Mux) ScanOnce() {
	targets := m.transport.Scan()
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		seen[t.ID()] = struct{}{}
		m.connect(t)
	}
	if m.opts.EvictMissing {
		m.evictMissing(seen)
	}
}

func (m *Mux) connect(t Target) {
	m.mu.Lock()
	if _, exists := m.conns[t.ID()]; exists {
		m.mu.Unlock()
		return
	}
	conn := &Conn{target: t}
	m.conns[t.ID()] = conn
	m.mu.Unlock()

	sender, err := t.Open(func(env wire.Envelope, source string) {
		// Messages claiming a source other than the channel's own
		// target are cross-channel spoofing attempts.
		if source != t.ID() {
			m.log.Warn("discarding message from unexpected source", "channel", t.ID(), "source", source)
			return
		}
		m.handler.HandleMessage(conn, env)
	})
	if err != nil {
		m.log.Error("peer channel open failed", "channel", t.ID(), "error", err)
		m.mu.Lock()
		delete(m.conns, t.ID())
		m.mu.Unlock()
		return
	}

	conn.attach(sender)

	m.handler.PeerConnected(conn)
	m.announceTo(conn)
	time.AfterFunc(m.opts.AnnounceGrace, func() { m.announceTo(conn) })
}

func (m *Mux) announceTo(conn *Conn) {
	if !conn.Connected() {
		return
	}
	if err := conn.Send(m.announce()); err != nil {
		m.log.Debug("announce failed", "channel", conn.ID(), "error", err)
		return
	}
	conn.mu.Lock()
	conn.lastAnnouncedAt = time.Now()
	conn.mu.Unlock()
	announcesTotal.Inc()
}

// AnnounceAll re-pushes wallet info on every live channel, used after an
// identity or network switch.
func (m *Mux) AnnounceAll() {
	for _, conn := range m.Conns() {
		m.announceTo(conn)
	}
}

func (m *Mux) Conns() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, conn)
	}
	return out
}

func (m *Mux) evictMissing(seen map[string]struct{}) {
	m.mu.Lock()
	var gone []*Conn
	for id, conn := range m.conns {
		if _, ok := seen[id]; !ok {
			gone = append(gone, conn)
			delete(m.conns, id)
		}
	}
	m.mu.Unlock()

	for _, conn := range gone {
		m.teardown(conn)
	}
}

// targetClosed handles a transport-reported channel teardown (a dropped
// socket). Unlike scan absence, this fires regardless of EvictMissing:
// the channel is gone for sure, and the handler must hear it so pending
// work tied to the peer dies with it.
func (m *Mux) targetClosed(id string) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.log.Info("peer channel closed", "channel", id)
	m.teardown(conn)
}

func (m *Mux) teardown(conn *Conn) {
	conn.mu.Lock()
	conn.connected = false
	sender := conn.sender
	conn.mu.Unlock()
	if sender != nil {
		_ = sender.Close()
	}
	if notifier, ok := m.handler.(GoneNotifier); ok {
		notifier.PeerGone(conn)
	}
}
