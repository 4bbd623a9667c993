package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stjordanis/superhero-wallet/internal/account"
	"github.com/stjordanis/superhero-wallet/pkg/models"
)

type initFlight struct {
	done chan struct{}
	err  error
}

// InitSession brings the wallet session up: keypair, chain bootstrap,
// token metadata, balances. Concurrent callers share one in-flight
// run and all receive its result; a later call after completion starts
// a fresh run.
func (b *Broker) InitSession(ctx context.Context) error {
	b.mu.Lock()
	if f := b.flight; f != nil {
		b.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &initFlight{done: make(chan struct{})}
	b.flight = f
	b.mu.Unlock()

	f.err = b.initSession(ctx)
	close(f.done)

	b.mu.Lock()
	b.flight = nil
	b.mu.Unlock()
	return f.err
}

func (b *Broker) initSession(ctx context.Context) error {
	kp, err := b.keys.Keypair(ctx)
	if err != nil {
		b.log.Error("no usable identity, logging out", "error", err)
		b.Logout()
		return fmt.Errorf("init session: %w", err)
	}
	index := b.state.ActiveAccountIndex()
	b.state.UpdateAccount(models.Account{PublicKey: kp.PublicKey, Index: index})
	b.state.SetActiveAccount(kp.PublicKey, index)
	b.state.SwitchLoggedIn(true)
	b.state.SetNodeStatus(models.NodeStatusConnecting)

	if err := b.bootstrapChain(ctx); err != nil {
		// Keys are fine, the network is not. Stay logged in and
		// surface the degraded status instead of failing the session.
		b.log.Error("session degraded", "network", b.cfg.Network.Name, "error", err)
		b.state.SetNodeStatus(models.NodeStatusError)
		return nil
	}

	b.state.SetNodeStatus(models.NodeStatusConnected)
	if d := b.cfg.ConnectedStatusReset; d > 0 {
		time.AfterFunc(d, func() {
			if b.state.NodeStatus() == models.NodeStatusConnected {
				b.state.SetNodeStatus(models.NodeStatusIdle)
			}
		})
	}

	go func() {
		if err := b.tokens.LoadBalances(context.Background(), kp.PublicKey); err != nil {
			b.log.Warn("token balance refresh failed", "error", err)
		}
	}()
	return nil
}

func (b *Broker) bootstrapChain(ctx context.Context) error {
	if _, err := b.chain.TopBlockHeight(ctx); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if err := b.tokens.RefreshTokenInfo(ctx); err != nil {
		return fmt.Errorf("token registry: %w", err)
	}
	if name := b.cfg.Network.TipContract; name != "" {
		addr, err := b.chain.ResolveContractAddress(ctx, name)
		if err != nil {
			return fmt.Errorf("tip contract: %w", err)
		}
		b.state.SetTippingAddress(addr)
	}
	if name := b.cfg.Network.TipContractV2; name != "" {
		addr, err := b.chain.ResolveContractAddress(ctx, name)
		if err != nil {
			return fmt.Errorf("tip contract v2: %w", err)
		}
		b.state.SetTippingAddressV2(addr)
	}
	return nil
}

// Login restores the session from the stored mnemonic. It reports
// false without error when the wallet simply has no identity yet.
func (b *Broker) Login(ctx context.Context) (bool, error) {
	kp, err := b.keys.Keypair(ctx)
	if err != nil {
		if errors.Is(err, account.ErrAuth) {
			return false, nil
		}
		return false, err
	}
	index := b.state.ActiveAccountIndex()
	b.state.UpdateAccount(models.Account{PublicKey: kp.PublicKey, Index: index})
	b.state.SetActiveAccount(kp.PublicKey, index)
	b.state.SwitchLoggedIn(true)
	return true, nil
}

// Logout drops the live identity. Persistent permissions and the
// mnemonic survive; only the active session is cleared. Pending
// prompts for the old identity are invalidated.
func (b *Broker) Logout() {
	b.bumpGeneration()
	b.state.SetActiveAccount("", 0)
	b.state.UpdateAccount(models.Account{})
	b.state.UpdateBalance("")
	b.state.SwitchLoggedIn(false)
}

// SwitchAccount re-derives the identity at the given index. Prompts
// queued for the previous identity are invalidated before the switch.
func (b *Broker) SwitchAccount(ctx context.Context, index int) error {
	if index < 0 {
		return fmt.Errorf("switch account: negative index %d", index)
	}
	b.bumpGeneration()
	b.state.SetActiveAccount(b.state.Account().PublicKey, index)
	kp, err := b.keys.Keypair(ctx)
	if err != nil {
		b.Logout()
		return fmt.Errorf("switch account: %w", err)
	}
	b.state.UpdateAccount(models.Account{PublicKey: kp.PublicKey, Index: index})
	b.state.SetActiveAccount(kp.PublicKey, index)
	if b.announce != nil {
		// Discovered channels keep showing the old identity until the
		// next announce; push one now.
		b.announce()
	}
	return nil
}
