// Package chain is the wallet's read facade over the node and
// middleware HTTP APIs: name resolution, block height and token
// balances.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"
)

const (
	chainNameSuffix    = ".chain"
	contractPointerKey = "contract_pubkey"
	defaultTimeout     = 10 * time.Second
)

var ErrNameResolution = errors.New("name resolution failed")

type Client struct {
	nodeURL       string
	middlewareURL string
	http          *http.Client
}

func NewClient(nodeURL, middlewareURL string) *Client {
	return &Client{
		nodeURL:       strings.TrimRight(nodeURL, "/"),
		middlewareURL: strings.TrimRight(middlewareURL, "/"),
		http:          &http.Client{Timeout: defaultTimeout},
	}
}

type nameEntry struct {
	ID       string `json:"id"`
	Pointers []struct {
		Key string `json:"key"`
		ID  string `json:"id"`
	} `json:"pointers"`
}

// ResolveContractAddress turns a contract reference into an address. A
// literal address passes through; a .chain name is resolved via the
// node's name service and its contract pointer extracted.
func (c *Client) ResolveContractAddress(ctx context.Context, nameOrAddress string) (string, error) {
	nameOrAddress = strings.TrimSpace(nameOrAddress)
	if !strings.HasSuffix(nameOrAddress, chainNameSuffix) {
		return nameOrAddress, nil
	}

	var entry nameEntry
	url := fmt.Sprintf("%s/v3/names/%s", c.nodeURL, nameOrAddress)
	if err := c.getJSON(ctx, url, &entry); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNameResolution, nameOrAddress, err)
	}
	for _, p := range entry.Pointers {
		if p.Key == contractPointerKey {
			return p.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s has no contract pointer", ErrNameResolution, nameOrAddress)
}

type aex9Balance struct {
	Amount *json.Number `json:"amount"`
}

// TokenBalance reads a holder's balance on a token contract in base
// units. A missing or null balance is zero, never an error.
func (c *Client) TokenBalance(ctx context.Context, tokenContract, holder string) (*big.Int, error) {
	url := fmt.Sprintf("%s/v3/aex9/%s/balances/%s", c.middlewareURL, tokenContract, holder)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return big.NewInt(0), nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chain: unexpected status %d for %s", resp.StatusCode, url)
	}

	var out aex9Balance
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.Amount == nil {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(out.Amount.String(), 10)
	if !ok {
		return nil, fmt.Errorf("chain: malformed balance %q", out.Amount.String())
	}
	return amount, nil
}

type keyBlock struct {
	Height uint64 `json:"height"`
}

// TopBlockHeight reads the current key block height from the node.
func (c *Client) TopBlockHeight(ctx context.Context) (uint64, error) {
	var out keyBlock
	if err := c.getJSON(ctx, c.nodeURL+"/v3/key-blocks/current", &out); err != nil {
		return 0, err
	}
	return out.Height, nil
}

func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain: unexpected status %d for %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
