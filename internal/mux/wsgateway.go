package mux

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/stjordanis/superhero-wallet/internal/wire"
)

// WSGateway accepts WebSocket connections from out-of-process aepps and
// exposes them as multiplexer targets. A connection's origin is taken
// from the HTTP Origin header, not from message payloads, so a peer
// cannot claim another page's identity.
type WSGateway struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	seq      int
	targets  map[string]*wsTarget
	onClosed func(id string)
}

func NewWSGateway(log *slog.Logger) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	return &WSGateway{
		log: log,
		upgrader: websocket.Upgrader{
			// Connections from any origin are accepted here; the
			// session broker gates everything behind permissions.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		targets: make(map[string]*wsTarget),
	}
}

func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	g.mu.Lock()
	g.seq++
	id := fmt.Sprintf("ws-%d", g.seq)
	t := &wsTarget{id: id, origin: origin, conn: conn, gateway: g}
	g.targets[id] = t
	g.mu.Unlock()

	g.log.Info("aepp connected", "channel", id, "origin", origin)
}

// Scan lists currently attached WebSocket peers.
func (g *WSGateway) Scan() []Target {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Target, 0, len(g.targets))
	for _, t := range g.targets {
		out = append(out, t)
	}
	return out
}

// OnTargetClosed registers the multiplexer's teardown callback.
func (g *WSGateway) OnTargetClosed(fn func(id string)) {
	g.mu.Lock()
	g.onClosed = fn
	g.mu.Unlock()
}

func (g *WSGateway) closed(id string) {
	g.mu.Lock()
	delete(g.targets, id)
	fn := g.onClosed
	g.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

type wsTarget struct {
	id      string
	origin  string
	conn    *websocket.Conn
	gateway *WSGateway

	writeMu sync.Mutex
}

func (t *wsTarget) ID() string     { return t.id }
func (t *wsTarget) Origin() string { return t.origin }

func (t *wsTarget) Open(onMessage func(env wire.Envelope, source string)) (Sender, error) {
	go t.readPump(onMessage)
	return t, nil
}

// readPump delivers inbound messages in order until the socket dies,
// then tears the target down through the gateway so the multiplexer
// hears about the closed channel.
func (t *wsTarget) readPump(onMessage func(env wire.Envelope, source string)) {
	defer t.gateway.closed(t.id)
	for {
		var env wire.Envelope
		if err := t.conn.ReadJSON(&env); err != nil {
			t.gateway.log.Debug("aepp channel closed", "channel", t.id, "error", err)
			return
		}
		onMessage(env, t.id)
	}
}

func (t *wsTarget) Send(env wire.Envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(env)
}

func (t *wsTarget) Close() error {
	return t.conn.Close()
}
