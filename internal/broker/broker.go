// Package broker arbitrates between untrusted aepp peers and the
// user's signing authority. Every inbound connection is gated by an
// allowlist, the permission store, or an explicit user decision; once a
// peer is active, sign/subscribe style requests are auto-accepted.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/stjordanis/superhero-wallet/internal/account"
	"github.com/stjordanis/superhero-wallet/internal/mux"
	"github.com/stjordanis/superhero-wallet/internal/permissions"
	"github.com/stjordanis/superhero-wallet/internal/platform/ratelimiter"
	"github.com/stjordanis/superhero-wallet/internal/state"
	"github.com/stjordanis/superhero-wallet/internal/wire"
	"github.com/stjordanis/superhero-wallet/pkg/models"
)

type KeyProvider interface {
	Keypair(ctx context.Context) (account.Keypair, error)
	SignTransaction(ctx context.Context, tx []byte, opts account.SignOptions) ([]byte, error)
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
}

type ChainFacade interface {
	ResolveContractAddress(ctx context.Context, nameOrAddress string) (string, error)
	TopBlockHeight(ctx context.Context) (uint64, error)
}

type TokenLoader interface {
	RefreshTokenInfo(ctx context.Context) error
	LoadBalances(ctx context.Context, address string) error
}

type Config struct {
	WalletName   string
	WalletOrigin string
	Network      models.Network
	// NoPopupHosts connect without a prompt, ever.
	NoPopupHosts []string
	RequestRPS   float64
	RequestBurst int
	// ConnectedStatusReset clears the transient "connected" node
	// status back to idle. Zero disables the reset.
	ConnectedStatusReset time.Duration
}

type Broker struct {
	cfg      Config
	log      *slog.Logger
	state    *state.Store
	perms    *permissions.Store
	keys     KeyProvider
	chain    ChainFacade
	tokens   TokenLoader
	prompter Prompter
	limiter  *ratelimiter.OriginLimiter
	handlers map[wire.Kind]func(context.Context, *peer, wire.Envelope) error
	allow    map[string]struct{}
	announce func()

	mu     sync.Mutex
	peers  map[string]*peer
	flight *initFlight
	gen    int

	promptCh chan *promptJob
}

func New(cfg Config, st *state.Store, perms *permissions.Store, keys KeyProvider, chain ChainFacade, tokens TokenLoader, prompter Prompter, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	allow := make(map[string]struct{}, len(cfg.NoPopupHosts))
	for _, host := range cfg.NoPopupHosts {
		allow[host] = struct{}{}
	}
	b := &Broker{
		cfg:      cfg,
		log:      log,
		state:    st,
		perms:    perms,
		keys:     keys,
		chain:    chain,
		tokens:   tokens,
		prompter: prompter,
		limiter:  ratelimiter.New(cfg.RequestRPS, cfg.RequestBurst, 10*time.Minute),
		allow:    allow,
		peers:    make(map[string]*peer),
		promptCh: make(chan *promptJob, 64),
	}
	b.handlers = map[wire.Kind]func(context.Context, *peer, wire.Envelope) error{
		wire.KindConnect:     b.handleConnect,
		wire.KindSign:        b.handleSign,
		wire.KindSignMessage: b.handleSignMessage,
		wire.KindAskAccounts: b.handleAskAccounts,
		wire.KindSubscribe:   b.handleSubscribe,
		wire.KindDisconnect:  b.handleDisconnect,
	}
	return b
}

// Start runs the prompt queue until ctx ends.
func (b *Broker) Start(ctx context.Context) {
	go b.runPrompts(ctx)
}

// SetAnnouncer wires the callback that re-broadcasts wallet presence
// to discovered channels, fired after identity changes.
func (b *Broker) SetAnnouncer(fn func()) {
	b.announce = fn
}

type peer struct {
	conn   *mux.Conn
	origin permissions.Origin

	mu           sync.Mutex
	state        models.PeerState
	subscribed   bool
	connectedAt  time.Time
	cancelPrompt context.CancelFunc
}

func (p *peer) setState(s models.PeerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *peer) getState() models.PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *peer) isActive() bool {
	return p.getState() == models.PeerActive
}

func (p *peer) accept(requestID string, payload wire.AcceptPayload) {
	_ = p.conn.Send(wire.Accept(requestID, payload))
}

func (p *peer) deny(requestID, reason string) {
	_ = p.conn.Send(wire.Deny(requestID, reason))
}

// PeerConnected registers a freshly multiplexed channel.
func (b *Broker) PeerConnected(conn *mux.Conn) {
	origin, err := permissions.ParseOrigin(conn.Origin())
	if err != nil {
		b.log.Warn("peer with unusable origin", "channel", conn.ID(), "origin", conn.Origin())
	}
	b.mu.Lock()
	b.peers[conn.ID()] = &peer{
		conn:        conn,
		origin:      origin,
		state:       models.PeerDiscovered,
		connectedAt: time.Now(),
	}
	count := len(b.peers)
	b.mu.Unlock()
	peersGauge.Set(float64(count))
}

// HandleMessage dispatches one peer request through the handler table.
// Called in order per channel by the multiplexer.
func (b *Broker) HandleMessage(conn *mux.Conn, env wire.Envelope) {
	p := b.peerFor(conn)
	if !wire.IsRequest(env.Kind) {
		b.log.Debug("ignoring non-request message", "channel", conn.ID(), "kind", env.Kind)
		return
	}
	requestsTotal.WithLabelValues(string(env.Kind)).Inc()
	if !b.limiter.Allow(p.origin.Host, time.Now()) {
		p.deny(env.ID, "rate limited")
		return
	}
	handler := b.handlers[env.Kind]
	if env.Kind == wire.KindConnect {
		// A connect can block on the user prompt; run it off the read
		// path so the channel keeps draining and a disconnect arriving
		// over the same socket can still cancel the prompt.
		go func() {
			if err := handler(context.Background(), p, env); err != nil {
				b.fatal(err)
			}
		}()
		return
	}
	if err := handler(context.Background(), p, env); err != nil {
		b.fatal(err)
	}
}

// PeerGone handles channels evicted by the multiplexer.
func (b *Broker) PeerGone(conn *mux.Conn) {
	b.disconnectPeer(b.peerFor(conn))
	b.mu.Lock()
	delete(b.peers, conn.ID())
	count := len(b.peers)
	b.mu.Unlock()
	peersGauge.Set(float64(count))
}

func (b *Broker) peerFor(conn *mux.Conn) *peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.peers[conn.ID()]; ok {
		return p
	}
	origin, _ := permissions.ParseOrigin(conn.Origin())
	p := &peer{conn: conn, origin: origin, state: models.PeerDiscovered, connectedAt: time.Now()}
	b.peers[conn.ID()] = p
	return p
}

func (b *Broker) handleConnect(ctx context.Context, p *peer, env wire.Envelope) error {
	p.setState(models.PeerConnectionRequested)

	var payload wire.ConnectPayload
	if len(env.Payload) > 0 {
		if err := env.DecodePayload(&payload); err != nil {
			p.setState(models.PeerDenied)
			p.deny(env.ID, "malformed connect payload")
			return nil
		}
	}

	promptCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancelPrompt = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		p.cancelPrompt = nil
		p.mu.Unlock()
	}()

	accepted, err := b.AuthorizeConnection(promptCtx, p.origin, payload)
	if err != nil {
		p.setState(models.PeerDenied)
		p.deny(env.ID, "internal error")
		return err
	}
	if !accepted {
		p.setState(models.PeerDenied)
		p.deny(env.ID, "connection rejected")
		return nil
	}
	p.setState(models.PeerAccepted)
	p.accept(env.ID, wire.AcceptPayload{Accounts: b.activeAccounts()})
	p.setState(models.PeerActive)
	return nil
}

// AuthorizeConnection decides a connect request for an origin, in
// order: static allowlist, cached permission, user prompt. A user
// rejection is swallowed here and reported as not accepted; any other
// prompt failure is returned to the caller.
func (b *Broker) AuthorizeConnection(ctx context.Context, origin permissions.Origin, info wire.ConnectPayload) (bool, error) {
	if origin.Host == "" {
		return false, nil
	}
	activeKey := b.state.Account().PublicKey
	if _, ok := b.allow[origin.Host]; ok {
		b.log.Info("connection allowlisted", "host", origin.Host)
		return true, nil
	}
	if b.perms.IsApproved(origin.Host, activeKey) {
		b.log.Info("connection pre-approved", "host", origin.Host)
		return true, nil
	}

	err := b.prompt(ctx, PromptRequest{
		Kind: wire.KindConnect,
		App: models.AppInfo{
			Name:     info.Name,
			Icons:    info.Icons,
			Protocol: origin.Protocol,
			Host:     origin.Host,
		},
	})
	if err != nil {
		if isLocalDeny(err) {
			promptsTotal.WithLabelValues("rejected").Inc()
			b.log.Info("connection rejected by user", "host", origin.Host)
			return false, nil
		}
		return false, err
	}
	if b.state.Account().PublicKey != activeKey {
		// The identity switched while the prompt was pending; the
		// approval belonged to the old account.
		b.log.Info("connection approval superseded by identity switch", "host", origin.Host)
		promptsTotal.WithLabelValues("superseded").Inc()
		return false, nil
	}
	promptsTotal.WithLabelValues("approved").Inc()
	if err := b.perms.Approve(origin.Host, activeKey); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Broker) handleSign(ctx context.Context, p *peer, env wire.Envelope) error {
	if !p.isActive() {
		p.deny(env.ID, "not connected")
		return nil
	}
	var payload wire.SignPayload
	if err := env.DecodePayload(&payload); err != nil {
		p.deny(env.ID, "malformed sign payload")
		return nil
	}
	networkID := payload.NetworkID
	if networkID == "" {
		networkID = b.cfg.Network.NetworkID
	}
	sig, err := b.keys.SignTransaction(ctx, payload.Tx, account.SignOptions{NetworkID: networkID})
	if err != nil {
		return b.denySigningFailure(p, env.ID, err)
	}
	p.accept(env.ID, wire.AcceptPayload{Signature: sig})
	return nil
}

func (b *Broker) handleSignMessage(ctx context.Context, p *peer, env wire.Envelope) error {
	if !p.isActive() {
		p.deny(env.ID, "not connected")
		return nil
	}
	var payload wire.SignMessagePayload
	if err := env.DecodePayload(&payload); err != nil {
		p.deny(env.ID, "malformed signMessage payload")
		return nil
	}
	sig, err := b.keys.SignMessage(ctx, []byte(payload.Message))
	if err != nil {
		return b.denySigningFailure(p, env.ID, err)
	}
	p.accept(env.ID, wire.AcceptPayload{Signature: sig})
	return nil
}

func (b *Broker) denySigningFailure(p *peer, requestID string, err error) error {
	if errors.Is(err, account.ErrAuth) {
		b.log.Error("signing failed, logging out", "host", p.origin.Host, "error", err)
		b.Logout()
		p.deny(requestID, "wallet locked")
		return nil
	}
	p.deny(requestID, "signing failed")
	return err
}

func (b *Broker) handleAskAccounts(_ context.Context, p *peer, env wire.Envelope) error {
	if !p.isActive() {
		p.deny(env.ID, "not connected")
		return nil
	}
	p.accept(env.ID, wire.AcceptPayload{Accounts: b.activeAccounts()})
	return nil
}

func (b *Broker) handleSubscribe(_ context.Context, p *peer, env wire.Envelope) error {
	if !p.isActive() {
		p.deny(env.ID, "not connected")
		return nil
	}
	p.mu.Lock()
	p.subscribed = true
	p.mu.Unlock()
	p.accept(env.ID, wire.AcceptPayload{Accounts: b.activeAccounts()})
	return nil
}

func (b *Broker) handleDisconnect(_ context.Context, p *peer, env wire.Envelope) error {
	b.disconnectPeer(p)
	return nil
}

// disconnectPeer transitions the peer out of the session. Permission
// entries persist; only the live channel state is released. A prompt
// still waiting on the user is cancelled, which denies it.
func (b *Broker) disconnectPeer(p *peer) {
	p.mu.Lock()
	p.state = models.PeerDisconnected
	p.subscribed = false
	cancel := p.cancelPrompt
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *Broker) activeAccounts() []string {
	key := b.state.Account().PublicKey
	if key == "" {
		return nil
	}
	return []string{key}
}

// AnnounceInfo is the wallet presence envelope pushed through the
// multiplexer; it reflects the identity at call time.
func (b *Broker) AnnounceInfo() wire.Envelope {
	return wire.Announce(wire.AnnouncePayload{
		ID:        b.state.Account().PublicKey,
		Name:      b.cfg.WalletName,
		NetworkID: b.cfg.Network.NetworkID,
		Origin:    b.cfg.WalletOrigin,
	})
}

// Peers reports the current peer roster for diagnostics.
func (b *Broker) Peers() []models.PeerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.PeerSnapshot, 0, len(b.peers))
	for _, p := range b.peers {
		p.mu.Lock()
		out = append(out, models.PeerSnapshot{
			ID:          p.conn.ID(),
			Origin:      p.origin.Host,
			State:       p.state,
			ConnectedAt: p.connectedAt,
		})
		p.mu.Unlock()
	}
	return out
}

// fatal records an unexpected failure without crashing the session:
// degraded status, logged, wallet stays up.
func (b *Broker) fatal(err error) {
	b.log.Error("session error", "error", err)
	b.state.SetNodeStatus(models.NodeStatusError)
}
