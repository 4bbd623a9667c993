package broker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stjordanis/superhero-wallet/internal/account"
	"github.com/stjordanis/superhero-wallet/internal/mux"
	"github.com/stjordanis/superhero-wallet/internal/permissions"
	"github.com/stjordanis/superhero-wallet/internal/state"
	"github.com/stjordanis/superhero-wallet/internal/wire"
	"github.com/stjordanis/superhero-wallet/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKeypair(t *testing.T) account.Keypair {
	t.Helper()
	kp, err := account.DeriveKeypair(bytes.Repeat([]byte{7}, 32), 0)
	if err != nil {
		t.Fatalf("derive keypair: %v", err)
	}
	return kp
}

type fakeKeys struct {
	mu      sync.Mutex
	calls   int
	delay   time.Duration
	err     error
	signErr error
	kp      account.Keypair
}

func (f *fakeKeys) Keypair(ctx context.Context) (account.Keypair, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return account.Keypair{}, ctx.Err()
		}
	}
	if f.err != nil {
		return account.Keypair{}, f.err
	}
	return f.kp, nil
}

func (f *fakeKeys) SignTransaction(_ context.Context, tx []byte, _ account.SignOptions) ([]byte, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	return append([]byte("sig:"), tx...), nil
}

func (f *fakeKeys) SignMessage(_ context.Context, message []byte) ([]byte, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	return append([]byte("msg:"), message...), nil
}

func (f *fakeKeys) keypairCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeChain struct {
	mu           sync.Mutex
	resolveCalls int
	heightErr    error
	resolved     map[string]string
}

func (f *fakeChain) ResolveContractAddress(_ context.Context, nameOrAddress string) (string, error) {
	f.mu.Lock()
	f.resolveCalls++
	f.mu.Unlock()
	if addr, ok := f.resolved[nameOrAddress]; ok {
		return addr, nil
	}
	return nameOrAddress, nil
}

func (f *fakeChain) TopBlockHeight(context.Context) (uint64, error) {
	if f.heightErr != nil {
		return 0, f.heightErr
	}
	return 42, nil
}

type fakeTokens struct {
	mu           sync.Mutex
	refreshCalls int
	loadedFor    []string
	refreshErr   error
}

func (f *fakeTokens) RefreshTokenInfo(context.Context) error {
	f.mu.Lock()
	f.refreshCalls++
	f.mu.Unlock()
	return f.refreshErr
}

func (f *fakeTokens) LoadBalances(_ context.Context, address string) error {
	f.mu.Lock()
	f.loadedFor = append(f.loadedFor, address)
	f.mu.Unlock()
	return nil
}

type testEnv struct {
	broker *Broker
	state  *state.Store
	keys   *fakeKeys
	chain  *fakeChain
	tokens *fakeTokens
}

func newTestEnv(t *testing.T, cfg Config, prompter Prompter) *testEnv {
	t.Helper()
	log := discardLogger()
	st := state.New(filepath.Join(t.TempDir(), "state.json"), "test-passphrase", log)
	if err := st.Bootstrap(); err != nil {
		t.Fatalf("bootstrap state: %v", err)
	}
	keys := &fakeKeys{kp: testKeypair(t)}
	chain := &fakeChain{resolved: map[string]string{}}
	tokens := &fakeTokens{}
	if cfg.Network.NetworkID == "" {
		cfg.Network = models.Network{Name: "testnet", NetworkID: "ae_uat"}
	}
	if cfg.RequestRPS == 0 {
		cfg.RequestRPS = 100
		cfg.RequestBurst = 100
	}
	if prompter == nil {
		prompter = AutoDenyPrompter
	}
	b := New(cfg, st, permissions.NewStore(st), keys, chain, tokens, prompter, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b.Start(ctx)
	return &testEnv{broker: b, state: st, keys: keys, chain: chain, tokens: tokens}
}

// loginEnv pre-establishes an identity so connect replies carry an
// account list.
func loginEnv(t *testing.T, env *testEnv) string {
	t.Helper()
	ok, err := env.broker.Login(context.Background())
	if err != nil || !ok {
		t.Fatalf("login: ok=%v err=%v", ok, err)
	}
	return env.state.Account().PublicKey
}

// wirePeer scans an in-memory peer into the session and drains the
// greeting announce.
func wirePeer(t *testing.T, env *testEnv, id, origin string) *mux.MemoryPeer {
	t.Helper()
	peer, _ := wirePeerTransport(t, env, id, origin)
	return peer
}

func wirePeerTransport(t *testing.T, env *testEnv, id, origin string) (*mux.MemoryPeer, *mux.MemoryTransport) {
	t.Helper()
	peer := mux.NewMemoryPeer(id, origin)
	transport := mux.NewMemoryTransport()
	transport.Add(peer)
	m := mux.New(transport, env.broker, env.broker.AnnounceInfo, mux.Options{
		AnnounceGrace: time.Minute,
		Logger:        discardLogger(),
	})
	m.ScanOnce()
	if got := recvEnvelope(t, peer); got.Kind != wire.KindAnnounce {
		t.Fatalf("greeting kind = %q, want announce", got.Kind)
	}
	return peer, transport
}

func recvEnvelope(t *testing.T, peer *mux.MemoryPeer) wire.Envelope {
	t.Helper()
	select {
	case env := <-peer.FromWallet:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no reply from wallet")
		return wire.Envelope{}
	}
}

func connectEnvelope(id string) wire.Envelope {
	return wire.Envelope{Kind: wire.KindConnect, ID: id, Payload: []byte(`{"name":"Test Aepp"}`)}
}

func decodeAccept(t *testing.T, env wire.Envelope) wire.AcceptPayload {
	t.Helper()
	if env.Kind != wire.KindAccept {
		t.Fatalf("reply kind = %q, want accept", env.Kind)
	}
	var payload wire.AcceptPayload
	if err := env.DecodePayload(&payload); err != nil {
		t.Fatalf("decode accept payload: %v", err)
	}
	return payload
}

func TestConnectAllowlistedSkipsPrompt(t *testing.T) {
	t.Parallel()
	prompter := PrompterFunc(func(context.Context, PromptRequest) error {
		t.Error("prompt fired for an allowlisted host")
		return ErrUserRejected
	})
	env := newTestEnv(t, Config{NoPopupHosts: []string{"superhero.com"}}, prompter)
	key := loginEnv(t, env)
	peer := wirePeer(t, env, "frame-1", "https://superhero.com/tip")

	peer.SendToWallet(connectEnvelope("req-1"))
	payload := decodeAccept(t, recvEnvelope(t, peer))
	if len(payload.Accounts) != 1 || payload.Accounts[0] != key {
		t.Fatalf("accounts = %v, want [%s]", payload.Accounts, key)
	}
}

func TestConnectPromptApprovedPersistsPermission(t *testing.T) {
	t.Parallel()
	approve := PrompterFunc(func(context.Context, PromptRequest) error { return nil })
	env := newTestEnv(t, Config{}, approve)
	key := loginEnv(t, env)
	peer := wirePeer(t, env, "tab-1", "https://app.example.com")

	peer.SendToWallet(connectEnvelope("req-1"))
	decodeAccept(t, recvEnvelope(t, peer))

	accounts := env.state.ConnectedAeppAccounts("app.example.com")
	if len(accounts) != 1 || accounts[0] != key {
		t.Fatalf("persisted accounts = %v, want [%s]", accounts, key)
	}
}

func TestConnectRejectedByUserIsNotAFailure(t *testing.T) {
	t.Parallel()
	// A plain error carrying the rejection message, not the sentinel.
	reject := PrompterFunc(func(context.Context, PromptRequest) error {
		return errors.New("Rejected by user")
	})
	env := newTestEnv(t, Config{}, reject)
	loginEnv(t, env)
	peer := wirePeer(t, env, "tab-1", "https://app.example.com")

	peer.SendToWallet(connectEnvelope("req-1"))
	if got := recvEnvelope(t, peer); got.Kind != wire.KindDeny {
		t.Fatalf("reply kind = %q, want deny", got.Kind)
	}
	if status := env.state.NodeStatus(); status == models.NodeStatusError {
		t.Fatal("user rejection escalated to an error status")
	}
}

func TestConnectPromptFailurePropagates(t *testing.T) {
	t.Parallel()
	broken := PrompterFunc(func(context.Context, PromptRequest) error {
		return errors.New("popup surface crashed")
	})
	env := newTestEnv(t, Config{}, broken)
	loginEnv(t, env)
	peer := wirePeer(t, env, "tab-1", "https://app.example.com")

	peer.SendToWallet(connectEnvelope("req-1"))
	if got := recvEnvelope(t, peer); got.Kind != wire.KindDeny {
		t.Fatalf("reply kind = %q, want deny", got.Kind)
	}
	if status := env.state.NodeStatus(); status != models.NodeStatusError {
		t.Fatalf("node status = %q, want error after prompt failure", status)
	}
}

func TestConnectPreApprovedSkipsPrompt(t *testing.T) {
	t.Parallel()
	prompter := PrompterFunc(func(context.Context, PromptRequest) error {
		t.Error("prompt fired for a pre-approved host")
		return ErrUserRejected
	})
	env := newTestEnv(t, Config{}, prompter)
	key := loginEnv(t, env)
	if err := env.state.AddConnectedAepp("app.example.com", key); err != nil {
		t.Fatalf("seed permission: %v", err)
	}
	peer := wirePeer(t, env, "tab-1", "https://app.example.com")

	peer.SendToWallet(connectEnvelope("req-1"))
	decodeAccept(t, recvEnvelope(t, peer))
}

func TestApprovalDoesNotLeakAcrossOrigins(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{}, AutoDenyPrompter)
	key := loginEnv(t, env)
	if err := env.state.AddConnectedAepp("trusted.example.com", key); err != nil {
		t.Fatalf("seed permission: %v", err)
	}
	peer := wirePeer(t, env, "tab-1", "https://evil.example.com")

	peer.SendToWallet(connectEnvelope("req-1"))
	if got := recvEnvelope(t, peer); got.Kind != wire.KindDeny {
		t.Fatalf("reply kind = %q, want deny for foreign origin", got.Kind)
	}
}

func TestSignRequiresActivePeer(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{}, nil)
	loginEnv(t, env)
	peer := wirePeer(t, env, "tab-1", "https://app.example.com")

	peer.SendToWallet(wire.Envelope{Kind: wire.KindSign, ID: "req-1", Payload: []byte(`{"tx":"AQID"}`)})
	if got := recvEnvelope(t, peer); got.Kind != wire.KindDeny {
		t.Fatalf("reply kind = %q, want deny before connect", got.Kind)
	}
}

func TestSignAfterConnect(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{NoPopupHosts: []string{"app.example.com"}}, nil)
	loginEnv(t, env)
	peer := wirePeer(t, env, "tab-1", "https://app.example.com")

	peer.SendToWallet(connectEnvelope("req-1"))
	decodeAccept(t, recvEnvelope(t, peer))

	peer.SendToWallet(wire.Envelope{Kind: wire.KindSign, ID: "req-2", Payload: []byte(`{"tx":"AQID"}`)})
	payload := decodeAccept(t, recvEnvelope(t, peer))
	if !bytes.HasPrefix(payload.Signature, []byte("sig:")) {
		t.Fatalf("signature = %q, want fake signer output", payload.Signature)
	}
}

func TestSignAuthFailureLogsOut(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{NoPopupHosts: []string{"app.example.com"}}, nil)
	loginEnv(t, env)
	peer := wirePeer(t, env, "tab-1", "https://app.example.com")

	peer.SendToWallet(connectEnvelope("req-1"))
	decodeAccept(t, recvEnvelope(t, peer))

	env.keys.signErr = account.ErrAuth
	peer.SendToWallet(wire.Envelope{Kind: wire.KindSign, ID: "req-2", Payload: []byte(`{"tx":"AQID"}`)})
	if got := recvEnvelope(t, peer); got.Kind != wire.KindDeny {
		t.Fatalf("reply kind = %q, want deny", got.Kind)
	}
	if env.state.IsLoggedIn() {
		t.Fatal("still logged in after signing auth failure")
	}
}

func TestSubscribeAndAskAccounts(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{NoPopupHosts: []string{"app.example.com"}}, nil)
	key := loginEnv(t, env)
	peer := wirePeer(t, env, "tab-1", "https://app.example.com")

	peer.SendToWallet(connectEnvelope("req-1"))
	decodeAccept(t, recvEnvelope(t, peer))

	for _, kind := range []wire.Kind{wire.KindSubscribe, wire.KindAskAccounts} {
		peer.SendToWallet(wire.Envelope{Kind: kind, ID: "req-x", Payload: []byte(`{}`)})
		payload := decodeAccept(t, recvEnvelope(t, peer))
		if len(payload.Accounts) != 1 || payload.Accounts[0] != key {
			t.Fatalf("%s accounts = %v, want [%s]", kind, payload.Accounts, key)
		}
	}
}

func TestPromptsServeOneAtATime(t *testing.T) {
	t.Parallel()
	var inFlight atomic.Int32
	serial := PrompterFunc(func(context.Context, PromptRequest) error {
		if inFlight.Add(1) > 1 {
			t.Error("two prompts in flight at once")
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	env := newTestEnv(t, Config{}, serial)
	loginEnv(t, env)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			origin := permissions.Origin{Protocol: "https", Host: "app.example.com"}
			accepted, err := env.broker.AuthorizeConnection(context.Background(), origin, wire.ConnectPayload{Name: "racer"})
			if err != nil || !accepted {
				t.Errorf("authorize: accepted=%v err=%v", accepted, err)
			}
		}()
	}
	wg.Wait()
}

func TestDisconnectDeniesPendingPrompt(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	waiting := PrompterFunc(func(ctx context.Context, _ PromptRequest) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})
	env := newTestEnv(t, Config{}, waiting)
	loginEnv(t, env)
	peer := wirePeer(t, env, "tab-1", "https://app.example.com")

	go peer.SendToWallet(connectEnvelope("req-1"))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("prompt never surfaced")
	}
	peer.SendToWallet(wire.Envelope{Kind: wire.KindDisconnect, ID: "req-2"})

	if got := recvEnvelope(t, peer); got.Kind != wire.KindDeny {
		t.Fatalf("reply kind = %q, want deny after disconnect", got.Kind)
	}
	if status := env.state.NodeStatus(); status == models.NodeStatusError {
		t.Fatal("abandoned prompt escalated to an error status")
	}
}

func TestLogoutInvalidatesQueuedPrompt(t *testing.T) {
	t.Parallel()
	log := discardLogger()
	st := state.New(filepath.Join(t.TempDir(), "state.json"), "test-passphrase", log)
	if err := st.Bootstrap(); err != nil {
		t.Fatalf("bootstrap state: %v", err)
	}
	keys := &fakeKeys{kp: testKeypair(t)}
	approve := PrompterFunc(func(context.Context, PromptRequest) error { return nil })
	cfg := Config{Network: models.Network{NetworkID: "ae_uat"}, RequestRPS: 100, RequestBurst: 100}
	b := New(cfg, st, permissions.NewStore(st), keys, &fakeChain{}, &fakeTokens{}, approve, log)

	// Queue the prompt before the worker runs, switch identity, then
	// let the worker drain: the stale prompt must come back denied.
	result := make(chan struct{})
	var accepted bool
	var err error
	go func() {
		origin := permissions.Origin{Protocol: "https", Host: "app.example.com"}
		accepted, err = b.AuthorizeConnection(context.Background(), origin, wire.ConnectPayload{})
		close(result)
	}()
	time.Sleep(20 * time.Millisecond)
	b.Logout()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	select {
	case <-result:
	case <-time.After(2 * time.Second):
		t.Fatal("authorize never returned")
	}
	if err != nil || accepted {
		t.Fatalf("stale prompt: accepted=%v err=%v, want denied without error", accepted, err)
	}
}

func TestIdentitySwitchInvalidatesInFlightPrompt(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := PrompterFunc(func(context.Context, PromptRequest) error {
		close(entered)
		<-release
		return nil // approval, but for an identity that is gone
	})
	env := newTestEnv(t, Config{}, blocking)
	loginEnv(t, env)

	result := make(chan struct{})
	var accepted bool
	var err error
	go func() {
		origin := permissions.Origin{Protocol: "https", Host: "app.example.com"}
		accepted, err = env.broker.AuthorizeConnection(context.Background(), origin, wire.ConnectPayload{Name: "Test Aepp"})
		close(result)
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("prompt never surfaced")
	}

	// The user walks away mid-prompt, the identity switches, and only
	// then does the approval land.
	env.broker.Logout()
	close(release)

	select {
	case <-result:
	case <-time.After(2 * time.Second):
		t.Fatal("authorize never returned")
	}
	if err != nil || accepted {
		t.Fatalf("stale approval: accepted=%v err=%v, want denied without error", accepted, err)
	}
	if accounts := env.state.ConnectedAeppAccounts("app.example.com"); len(accounts) != 0 {
		t.Fatalf("stale approval persisted a permission: %v", accounts)
	}
}

func TestSocketCloseDeniesPendingPrompt(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	cancelled := make(chan struct{})
	waiting := PrompterFunc(func(ctx context.Context, _ PromptRequest) error {
		close(entered)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	env := newTestEnv(t, Config{}, waiting)
	loginEnv(t, env)
	peer, transport := wirePeerTransport(t, env, "tab-1", "https://app.example.com")

	peer.SendToWallet(connectEnvelope("req-1"))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("prompt never surfaced")
	}

	// The peer's channel drops without a disconnect message. The
	// pending prompt must die with it instead of blocking the queue.
	transport.Close("tab-1")

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("prompt not cancelled by the channel closing")
	}
	if got := len(env.broker.Peers()); got != 0 {
		t.Fatalf("peers in roster after channel closed: %d", got)
	}
	if status := env.state.NodeStatus(); status == models.NodeStatusError {
		t.Fatal("closed channel escalated to an error status")
	}
}

func TestRateLimitedRequestDenied(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{NoPopupHosts: []string{"app.example.com"}, RequestRPS: 1, RequestBurst: 1}, nil)
	loginEnv(t, env)
	peer := wirePeer(t, env, "tab-1", "https://app.example.com")

	peer.SendToWallet(connectEnvelope("req-1"))
	decodeAccept(t, recvEnvelope(t, peer))

	peer.SendToWallet(wire.Envelope{Kind: wire.KindAskAccounts, ID: "req-2", Payload: []byte(`{}`)})
	if got := recvEnvelope(t, peer); got.Kind != wire.KindDeny {
		t.Fatalf("reply kind = %q, want deny once the bucket is empty", got.Kind)
	}
}
