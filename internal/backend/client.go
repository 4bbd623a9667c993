// Package backend talks to the token metadata/balance cache service.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stjordanis/superhero-wallet/pkg/models"
)

const defaultTimeout = 10 * time.Second

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// Tokens fetches the known token registry: contract -> metadata.
func (c *Client) Tokens(ctx context.Context) (map[string]models.TokenInfo, error) {
	var out map[string]models.TokenInfo
	if err := c.getJSON(ctx, c.baseURL+"/tokens", &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]models.TokenInfo{}
	}
	return out, nil
}

// Balances fetches the raw token holdings of an address:
// contract -> base-unit amount as a decimal string.
func (c *Client) Balances(ctx context.Context, address string) (map[string]string, error) {
	u := c.baseURL + "/balances?address=" + url.QueryEscape(address)
	var out map[string]string
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]string{}
	}
	return out, nil
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
		return fmt.Errorf("backend: unexpected status %d for %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
