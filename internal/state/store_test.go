package state

import (
	"path/filepath"
	"testing"

	"github.com/stjordanis/superhero-wallet/pkg/models"
)

func TestBootstrapFreshStore(t *testing.T) {
	t.Parallel()

	st := New(filepath.Join(t.TempDir(), "wallet.enc"), "pw", nil)
	if err := st.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if st.IsLoggedIn() {
		t.Fatal("fresh store must not be logged in")
	}
	if st.NodeStatus() != models.NodeStatusConnecting {
		t.Fatalf("fresh store node status = %q", st.NodeStatus())
	}
}

func TestPersistedStateSurvivesReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wallet.enc")
	st := New(path, "pw", nil)
	st.UpdateAccount(models.Account{PublicKey: "ak_alice", Index: 0})
	st.SetMnemonic("abandon abandon ability")
	if err := st.AddConnectedAepp("example.com", "ak_alice"); err != nil {
		t.Fatalf("AddConnectedAepp: %v", err)
	}

	reloaded := New(path, "pw", nil)
	if err := reloaded.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if got := reloaded.Account().PublicKey; got != "ak_alice" {
		t.Fatalf("account = %q", got)
	}
	if got := reloaded.Mnemonic(); got != "abandon abandon ability" {
		t.Fatalf("mnemonic = %q", got)
	}
	if got := reloaded.ConnectedAeppAccounts("example.com"); len(got) != 1 || got[0] != "ak_alice" {
		t.Fatalf("connectedAepps = %v", got)
	}
}

func TestAddTokenBalanceLastWriteWinsPerContract(t *testing.T) {
	t.Parallel()

	st := New("", "", nil)
	st.AddTokenBalance(models.TokenBalance{Contract: "ct_b", ConvertedBalance: "1.00"})
	st.AddTokenBalance(models.TokenBalance{Contract: "ct_a", ConvertedBalance: "2.00"})
	st.AddTokenBalance(models.TokenBalance{Contract: "ct_b", ConvertedBalance: "3.00"})

	balances := st.TokenBalances()
	if len(balances) != 2 {
		t.Fatalf("expected 2 balances, got %d", len(balances))
	}
	if balances[0].Contract != "ct_a" || balances[1].Contract != "ct_b" {
		t.Fatalf("unexpected order: %v", balances)
	}
	if balances[1].ConvertedBalance != "3.00" {
		t.Fatalf("last write must win, got %q", balances[1].ConvertedBalance)
	}
}

func TestResetStateClearsEverything(t *testing.T) {
	t.Parallel()

	st := New("", "", nil)
	st.UpdateAccount(models.Account{PublicKey: "ak_alice"})
	st.SwitchLoggedIn(true)
	st.UpdateBalance("10.00")
	st.ResetState()

	if st.IsLoggedIn() || st.Account().PublicKey != "" || st.Snapshot().Balance != "" {
		t.Fatalf("reset left residue: %+v", st.Snapshot())
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	st := New("", "", nil)
	if err := st.AddConnectedAepp("a.com", "ak_1"); err != nil {
		t.Fatal(err)
	}
	snap := st.Snapshot()
	snap.ConnectedAepps["a.com"] = append(snap.ConnectedAepps["a.com"], "ak_evil")
	if got := st.ConnectedAeppAccounts("a.com"); len(got) != 1 {
		t.Fatalf("store was mutated through snapshot: %v", got)
	}
}
