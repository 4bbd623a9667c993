// Package permissions tracks which aepp hosts the user has approved for
// which accounts. Membership here is the sole gate for auto-accepting a
// connect request.
package permissions

import (
	"errors"
	"net/url"
	"strings"
	"sync"
)

var ErrInvalidOrigin = errors.New("invalid origin")

// Origin is the permission identity of a peer: protocol and hostname
// only. Two peers with the same hostname share permission state
// regardless of path or port.
type Origin struct {
	Protocol string
	Host     string
}

// ParseOrigin normalizes a peer's declared URL into an Origin.
func ParseOrigin(raw string) (Origin, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Origin{}, ErrInvalidOrigin
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Origin{}, ErrInvalidOrigin
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return Origin{}, ErrInvalidOrigin
	}
	return Origin{Protocol: u.Scheme, Host: strings.ToLower(u.Hostname())}, nil
}

// Persistence is the state-store slice backing the permission table,
// layout: host -> list of approved account public keys.
type Persistence interface {
	ConnectedAeppAccounts(host string) []string
	ConnectedAeppHosts() []string
	AddConnectedAepp(host, account string) error
	UpdateConnectedAepp(host, account string) error
}

type Store struct {
	mu    sync.Mutex
	state Persistence
}

func NewStore(state Persistence) *Store {
	return &Store{state: state}
}

// IsApproved reports whether the host was previously approved for the
// account. Reads committed state only.
func (s *Store) IsApproved(host, account string) bool {
	for _, approved := range s.state.ConnectedAeppAccounts(host) {
		if approved == account {
			return true
		}
	}
	return false
}

// Hosts lists every approved host.
func (s *Store) Hosts() []string {
	return s.state.ConnectedAeppHosts()
}

// Accounts lists the approved accounts for a host.
func (s *Store) Accounts(host string) []string {
	return s.state.ConnectedAeppAccounts(host)
}

// Approve records an approval. Idempotent: approving an approved pair is
// a no-op. Entries are append-only per host; removal happens only via a
// full state reset.
func (s *Store) Approve(host, account string) error {
	if host == "" || account == "" {
		return ErrInvalidOrigin
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.state.ConnectedAeppAccounts(host)
	for _, approved := range existing {
		if approved == account {
			return nil
		}
	}
	if len(existing) == 0 {
		return s.state.AddConnectedAepp(host, account)
	}
	return s.state.UpdateConnectedAepp(host, account)
}
