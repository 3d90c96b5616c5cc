package wallet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func seedWallet(t *testing.T, store *MemStore, tenantID, agentID string, available int64) {
	t.Helper()
	_, err := store.Provision(tenantID, agentID, "USD")
	require.NoError(t, err)
	w, err := store.Get(tenantID, agentID)
	require.NoError(t, err)
	w.AvailableCents = available
	require.NoError(t, store.Put(w))
}

func TestLockReleaseConserves(t *testing.T) {
	store := NewMemStore()
	seedWallet(t, store, "t1", "payer", 1000)
	seedWallet(t, store, "t1", "payee", 0)

	require.NoError(t, Lock(store, "t1", "payer", 400))

	payer, _ := store.Get("t1", "payer")
	require.Equal(t, int64(600), payer.AvailableCents)
	require.Equal(t, int64(400), payer.EscrowLockedCents)

	require.NoError(t, Release(store, "t1", "payer", "payee", 400))

	payer, _ = store.Get("t1", "payer")
	payee, _ := store.Get("t1", "payee")
	require.Equal(t, int64(0), payer.EscrowLockedCents)
	require.Equal(t, int64(400), payee.AvailableCents)
}

func TestApplyRejectsNonConservingTransfer(t *testing.T) {
	store := NewMemStore()
	seedWallet(t, store, "t1", "payer", 1000)

	err := Apply(store, []Transfer{
		{TenantID: "t1", AgentID: "payer", Pool: PoolAvailable, Delta: -100},
	})
	require.Error(t, err)
	var violation *ConservationViolation
	require.ErrorAs(t, err, &violation)
}

func TestApplyRejectsNegativeBalance(t *testing.T) {
	store := NewMemStore()
	seedWallet(t, store, "t1", "payer", 100)
	seedWallet(t, store, "t1", "payee", 0)

	err := Apply(store, []Transfer{
		{TenantID: "t1", AgentID: "payer", Pool: PoolAvailable, Delta: -200},
		{TenantID: "t1", AgentID: "payee", Pool: PoolAvailable, Delta: 200},
	})
	require.Error(t, err)
}

func TestRefundReturnsEscrowToPayer(t *testing.T) {
	store := NewMemStore()
	seedWallet(t, store, "t1", "payer", 1000)
	require.NoError(t, Lock(store, "t1", "payer", 300))
	require.NoError(t, Refund(store, "t1", "payer", 300))

	payer, _ := store.Get("t1", "payer")
	require.Equal(t, int64(1000), payer.AvailableCents)
	require.Equal(t, int64(0), payer.EscrowLockedCents)
}
