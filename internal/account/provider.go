package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrAuth reports that no usable keypair could be produced: the wallet
// holds no mnemonic, the stored mnemonic is corrupt, or the active index
// is unusable. Callers are expected to log out on it.
var ErrAuth = errors.New("no usable keypair")

// StateReader is the slice of the wallet state the provider needs.
type StateReader interface {
	Mnemonic() string
	ActiveAccountIndex() int
}

// Provider owns signing authority. It derives the active keypair from
// the stored recovery phrase on demand and never caches secret material.
type Provider struct {
	state StateReader
	log   *slog.Logger
}

func NewProvider(state StateReader, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	return &Provider{state: state, log: log}
}

// Keypair returns the active account's keypair. Pure read: no state is
// mutated on failure, the caller decides whether to log out.
func (p *Provider) Keypair(ctx context.Context) (Keypair, error) {
	if err := ctx.Err(); err != nil {
		return Keypair{}, err
	}
	mnemonic := strings.TrimSpace(p.state.Mnemonic())
	if mnemonic == "" {
		return Keypair{}, fmt.Errorf("%w: wallet is locked", ErrAuth)
	}
	seed, err := SeedFromMnemonic(mnemonic)
	if err != nil {
		return Keypair{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	kp, err := DeriveKeypair(seed, p.state.ActiveAccountIndex())
	if err != nil {
		return Keypair{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return kp, nil
}

type SignOptions struct {
	NetworkID string
}

// SignTransaction signs raw transaction bytes with the active keypair.
// The network id is prepended so a signature is only valid on the
// network it was produced for.
func (p *Provider) SignTransaction(ctx context.Context, tx []byte, opts SignOptions) ([]byte, error) {
	kp, err := p.Keypair(ctx)
	if err != nil {
		return nil, err
	}
	payload := append([]byte(opts.NetworkID), tx...)
	return kp.Sign(payload), nil
}

// SignMessage signs a personal message with the active keypair.
func (p *Provider) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	kp, err := p.Keypair(ctx)
	if err != nil {
		return nil, err
	}
	return kp.Sign(message), nil
}
