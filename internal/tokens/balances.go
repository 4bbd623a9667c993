// Package tokens aggregates fungible token balances for the active
// account. Per-token fetches run concurrently and fail independently:
// one broken token never aborts the batch.
package tokens

import (
	"context"
	"log/slog"
	"math/big"
	"sync"

	"github.com/stjordanis/superhero-wallet/pkg/models"
)

type Backend interface {
	Tokens(ctx context.Context) (map[string]models.TokenInfo, error)
	Balances(ctx context.Context, address string) (map[string]string, error)
}

type ChainReader interface {
	TokenBalance(ctx context.Context, tokenContract, holder string) (*big.Int, error)
}

type StateWriter interface {
	SetTokenInfo(info map[string]models.TokenInfo)
	AddTokenBalance(balance models.TokenBalance)
	TokenInfoFor(contract string) (models.TokenInfo, bool)
}

type Loader struct {
	backend Backend
	chain   ChainReader
	state   StateWriter
	log     *slog.Logger
}

func NewLoader(backend Backend, chain ChainReader, state StateWriter, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{backend: backend, chain: chain, state: state, log: log}
}

// RefreshTokenInfo pulls the token registry and commits it to state.
func (l *Loader) RefreshTokenInfo(ctx context.Context) error {
	info, err := l.backend.Tokens(ctx)
	if err != nil {
		return err
	}
	if len(info) > 0 {
		l.state.SetTokenInfo(info)
	}
	return nil
}

// LoadBalances resolves the holder's token balances. The on-chain value
// is authoritative; the backend only says which contracts to ask about.
// Individual token failures are logged and skipped; the batch result is
// whatever succeeded, committed last-write-wins per contract.
func (l *Loader) LoadBalances(ctx context.Context, address string) error {
	holdings, err := l.backend.Balances(ctx, address)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for contract := range holdings {
		contract := contract
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.loadOne(ctx, contract, address); err != nil {
				l.log.Warn("token balance fetch failed", "contract", contract, "error", err)
			}
		}()
	}
	wg.Wait()
	return nil
}

func (l *Loader) loadOne(ctx context.Context, contract, address string) error {
	balance, err := l.chain.TokenBalance(ctx, contract, address)
	if err != nil {
		return err
	}
	info, _ := l.state.TokenInfoFor(contract)
	l.state.AddTokenBalance(models.TokenBalance{
		Contract:         contract,
		Symbol:           info.Symbol,
		Name:             info.Name,
		Decimals:         info.Decimals,
		Balance:          balance.String(),
		ConvertedBalance: Convert(balance, info.Decimals),
	})
	return nil
}

// Convert renders a base-unit amount at the token's decimals with two
// fractional digits, e.g. 5*10^17 at 18 decimals -> "0.50".
func Convert(raw *big.Int, decimals int) string {
	if raw == nil {
		raw = big.NewInt(0)
	}
	value := new(big.Rat).SetInt(raw)
	if decimals > 0 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
		value.Quo(value, new(big.Rat).SetInt(scale))
	}
	return value.FloatString(2)
}
