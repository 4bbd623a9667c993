// Package state holds the wallet's persisted session state. All mutation
// goes through the commit methods below; request handlers never write
// fields directly. Commits update the in-memory snapshot synchronously and
// persist the durable subset before returning, so a permission check that
// follows a commit always reads committed state.
package state

import (
	"errors"
	"io/fs"
	"log/slog"
	"sort"
	"sync"

	"github.com/stjordanis/superhero-wallet/internal/securestore"
	"github.com/stjordanis/superhero-wallet/pkg/models"
)

type Snapshot struct {
	Account          models.Account              `json:"account"`
	ActiveAccount    int                         `json:"activeAccount"`
	Mnemonic         string                      `json:"mnemonic"`
	Balance          string                      `json:"balance"`
	IsLoggedIn       bool                        `json:"isLoggedIn"`
	NodeStatus       string                      `json:"nodeStatus"`
	CurrentNetwork   string                      `json:"currentNetwork"`
	ConnectedAepps   map[string][]string         `json:"connectedAepps"`
	TippingAddress   string                      `json:"tippingAddress"`
	TippingAddressV2 string                      `json:"tippingAddressV2"`
	TokenInfo        map[string]models.TokenInfo `json:"tokenInfo"`
	TokenBalances    []models.TokenBalance       `json:"tokenBalances"`
}

type Store struct {
	mu   sync.RWMutex
	snap Snapshot

	path       string
	passphrase string
	cipher     *securestore.Cipher
	log        *slog.Logger
}

func New(path, passphrase string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		snap:       emptySnapshot(),
		path:       path,
		passphrase: passphrase,
		log:        log,
	}
}

func emptySnapshot() Snapshot {
	return Snapshot{
		NodeStatus:     models.NodeStatusConnecting,
		ConnectedAepps: map[string][]string{},
		TokenInfo:      map[string]models.TokenInfo{},
	}
}

// Bootstrap loads the persisted snapshot if one exists. A missing file is
// a fresh wallet, not an error.
func (s *Store) Bootstrap() error {
	if s.path == "" || s.passphrase == "" {
		return nil
	}
	var snap Snapshot
	cipher, err := securestore.LoadJSON(s.path, s.passphrase, &snap)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if snap.ConnectedAepps == nil {
		snap.ConnectedAepps = map[string][]string{}
	}
	if snap.TokenInfo == nil {
		snap.TokenInfo = map[string]models.TokenInfo{}
	}
	snap.NodeStatus = models.NodeStatusConnecting
	s.mu.Lock()
	s.snap = snap
	s.cipher = cipher
	s.mu.Unlock()
	return nil
}

// persistLocked writes the durable subset of the snapshot. Runtime-only
// fields (node status) are stored too but harmless; a write failure is
// logged and does not fail the commit, matching fire-and-forget semantics
// for everything except permission writes, which use persistDurable.
func (s *Store) persistLocked() error {
	if s.path == "" || s.passphrase == "" {
		return nil
	}
	// The key is derived once; repeated commits must not pay the
	// argon2id cost under the store lock.
	if s.cipher == nil {
		cipher, err := securestore.NewCipher(s.passphrase)
		if err != nil {
			return err
		}
		s.cipher = cipher
	}
	return securestore.StoreJSON(s.path, s.cipher, s.snap)
}

func (s *Store) commit(mutate func(*Snapshot)) {
	s.mu.Lock()
	mutate(&s.snap)
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		s.log.Error("state persist failed", "error", err)
	}
}

func (s *Store) commitDurable(mutate func(*Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.snap)
	return s.persistLocked()
}

func (s *Store) UpdateAccount(account models.Account) {
	s.commit(func(snap *Snapshot) { snap.Account = account })
}

func (s *Store) SetActiveAccount(publicKey string, index int) {
	s.commit(func(snap *Snapshot) {
		snap.Account.PublicKey = publicKey
		snap.ActiveAccount = index
	})
}

func (s *Store) SwitchLoggedIn(loggedIn bool) {
	s.commit(func(snap *Snapshot) { snap.IsLoggedIn = loggedIn })
}

func (s *Store) SetMnemonic(mnemonic string) {
	s.commit(func(snap *Snapshot) { snap.Mnemonic = mnemonic })
}

func (s *Store) UpdateBalance(balance string) {
	s.commit(func(snap *Snapshot) { snap.Balance = balance })
}

func (s *Store) SetNodeStatus(status string) {
	s.commit(func(snap *Snapshot) { snap.NodeStatus = status })
}

func (s *Store) SwitchNetwork(name string) {
	s.commit(func(snap *Snapshot) { snap.CurrentNetwork = name })
}

func (s *Store) SetTippingAddress(address string) {
	s.commit(func(snap *Snapshot) { snap.TippingAddress = address })
}

func (s *Store) SetTippingAddressV2(address string) {
	s.commit(func(snap *Snapshot) { snap.TippingAddressV2 = address })
}

// AddConnectedAepp records the first approved account for a host. The
// write is durable before return; permission checks must never run ahead
// of the store.
func (s *Store) AddConnectedAepp(host, account string) error {
	return s.commitDurable(func(snap *Snapshot) {
		snap.ConnectedAepps[host] = []string{account}
	})
}

// UpdateConnectedAepp appends an account to an already known host.
func (s *Store) UpdateConnectedAepp(host, account string) error {
	return s.commitDurable(func(snap *Snapshot) {
		snap.ConnectedAepps[host] = append(snap.ConnectedAepps[host], account)
	})
}

func (s *Store) SetTokenInfo(info map[string]models.TokenInfo) {
	s.commit(func(snap *Snapshot) {
		snap.TokenInfo = make(map[string]models.TokenInfo, len(info))
		for contract, ti := range info {
			snap.TokenInfo[contract] = ti
		}
	})
}

// AddTokenBalance upserts one token's balance entry, last write wins per
// contract. The list stays sorted by contract for stable reads.
func (s *Store) AddTokenBalance(balance models.TokenBalance) {
	s.commit(func(snap *Snapshot) {
		kept := snap.TokenBalances[:0]
		for _, b := range snap.TokenBalances {
			if b.Contract != balance.Contract {
				kept = append(kept, b)
			}
		}
		snap.TokenBalances = append(kept, balance)
		sort.Slice(snap.TokenBalances, func(i, j int) bool {
			return snap.TokenBalances[i].Contract < snap.TokenBalances[j].Contract
		})
	})
}

// ResetState returns the store to its initial empty snapshot.
func (s *Store) ResetState() {
	s.commit(func(snap *Snapshot) { *snap = emptySnapshot() })
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	snap.ConnectedAepps = copyAepps(s.snap.ConnectedAepps)
	snap.TokenInfo = copyTokenInfo(s.snap.TokenInfo)
	snap.TokenBalances = append([]models.TokenBalance(nil), s.snap.TokenBalances...)
	return snap
}

func (s *Store) Account() models.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Account
}

func (s *Store) ActiveAccountIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.ActiveAccount
}

func (s *Store) Mnemonic() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Mnemonic
}

func (s *Store) IsLoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.IsLoggedIn
}

func (s *Store) NodeStatus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.NodeStatus
}

// ConnectedAeppAccounts returns the approved accounts for a host, or nil.
func (s *Store) ConnectedAeppAccounts(host string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.snap.ConnectedAepps[host]...)
}

// ConnectedAeppHosts lists every host with at least one approval.
func (s *Store) ConnectedAeppHosts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hosts := make([]string, 0, len(s.snap.ConnectedAepps))
	for host := range s.snap.ConnectedAepps {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

func (s *Store) TokenInfoFor(contract string) (models.TokenInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ti, ok := s.snap.TokenInfo[contract]
	return ti, ok
}

func (s *Store) TokenBalances() []models.TokenBalance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.TokenBalance(nil), s.snap.TokenBalances...)
}

func copyAepps(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for host, accounts := range in {
		out[host] = append([]string(nil), accounts...)
	}
	return out
}

func copyTokenInfo(in map[string]models.TokenInfo) map[string]models.TokenInfo {
	out := make(map[string]models.TokenInfo, len(in))
	for contract, ti := range in {
		out[contract] = ti
	}
	return out
}
