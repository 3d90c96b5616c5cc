package settlement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settle/pkg/wallet"
)

func seedWallets(t *testing.T, ws *wallet.MemStore, tenantID, payer, payee string, payerBalance int64) {
	t.Helper()
	_, err := ws.Provision(tenantID, payer, "USD")
	require.NoError(t, err)
	w, err := ws.Get(tenantID, payer)
	require.NoError(t, err)
	w.AvailableCents = payerBalance
	require.NoError(t, ws.Put(w))

	_, err = ws.Provision(tenantID, payee, "USD")
	require.NoError(t, err)
}

func TestHappyReleaseLifecycle(t *testing.T) {
	ctx := context.Background()
	ws := wallet.NewMemStore()
	seedWallets(t, ws, "t1", "payer", "payee", 1000)

	gs := NewStore()
	_, err := gs.Create(ctx, ws, Gate{GateID: "g1", TenantID: "t1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 300})
	require.NoError(t, err)

	dec, err := gs.Authorize("t1", "g1", map[string]interface{}{"ok": true})
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = gs.BeginVerify("t1", "g1")
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = gs.Release(ctx, ws, "t1", "g1")
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.Equal(t, StatusReleased, dec.Gate.Status)

	payer, _ := ws.Get("t1", "payer")
	payee, _ := ws.Get("t1", "payee")
	require.Equal(t, int64(700), payer.AvailableCents)
	require.Equal(t, int64(0), payer.EscrowLockedCents)
	require.Equal(t, int64(300), payee.AvailableCents)
}

func TestVoidBeforeExecutionReturnsFunds(t *testing.T) {
	ctx := context.Background()
	ws := wallet.NewMemStore()
	seedWallets(t, ws, "t1", "payer", "payee", 500)

	gs := NewStore()
	_, err := gs.Create(ctx, ws, Gate{GateID: "g2", TenantID: "t1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 200})
	require.NoError(t, err)

	dec, err := gs.Void(ctx, ws, "t1", "g2")
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	payer, _ := ws.Get("t1", "payer")
	require.Equal(t, int64(500), payer.AvailableCents)
	require.Equal(t, int64(0), payer.EscrowLockedCents)
}

func TestIllegalTransitionIsRejected(t *testing.T) {
	ctx := context.Background()
	ws := wallet.NewMemStore()
	seedWallets(t, ws, "t1", "payer", "payee", 500)

	gs := NewStore()
	_, err := gs.Create(ctx, ws, Gate{GateID: "g3", TenantID: "t1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 100})
	require.NoError(t, err)

	dec, err := gs.Release(ctx, ws, "t1", "g3")
	require.NoError(t, err)
	require.False(t, dec.Allowed, "release is illegal before authorize/verify")
}
