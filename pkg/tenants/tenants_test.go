package tenants_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/settle/pkg/policy"
	"github.com/nooterra/settle/pkg/tenants"
	"github.com/nooterra/settle/pkg/wallet"
)

// mockProvisioner exercises the Provisioner interface without a database,
// mirroring PostgresProvisioner's behavior against in-memory wallet/policy
// stores instead of SQL tables.
type mockProvisioner struct {
	tenants *tenants.MemProvisioner
}

func newMockProvisioner() *mockProvisioner {
	return &mockProvisioner{tenants: tenants.NewMemProvisioner(wallet.NewMemStore(), policy.NewStore())}
}

func TestProvisioner_Create(t *testing.T) {
	prov := newMockProvisioner()
	ctx := context.Background()

	tenant, apiKey, err := prov.tenants.Create(ctx, tenants.CreateRequest{
		Email:           "test@example.com",
		DefaultAgentID:  "agent-1",
		DefaultCurrency: "usd",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, tenant.ID)
	assert.Equal(t, "test@example.com", tenant.Email)
	assert.False(t, tenant.EmailVerified)
	assert.Equal(t, tenants.PlanFree, tenant.PlanID)
	assert.Equal(t, tenants.StatusActive, tenant.Status)
	assert.NotEmpty(t, apiKey)

	w, err := prov.tenants.Wallets.Get(tenant.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "usd", w.Currency)
}

func TestProvisioner_Lifecycle(t *testing.T) {
	prov := newMockProvisioner()
	ctx := context.Background()

	tenant, _, err := prov.tenants.Create(ctx, tenants.CreateRequest{Email: "lifecycle@test.com", DefaultAgentID: "a1", DefaultCurrency: "usd"})
	require.NoError(t, err)
	assert.True(t, tenant.IsActive())

	require.NoError(t, prov.tenants.Suspend(ctx, tenant.ID, "testing"))
	tenant, err = prov.tenants.Get(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenants.StatusSuspended, tenant.Status)
	assert.NotNil(t, tenant.SuspendedAt)

	require.NoError(t, prov.tenants.Reactivate(ctx, tenant.ID))
	tenant, err = prov.tenants.Get(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenants.StatusActive, tenant.Status)

	require.NoError(t, prov.tenants.Delete(ctx, tenant.ID))
	tenant, err = prov.tenants.Get(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenants.StatusDeleted, tenant.Status)
	assert.NotNil(t, tenant.DeletedAt)
}

func TestProvisioner_VerifyEmail(t *testing.T) {
	prov := newMockProvisioner()
	ctx := context.Background()

	tenant, _, err := prov.tenants.Create(ctx, tenants.CreateRequest{Email: "verify@test.com", DefaultAgentID: "a1", DefaultCurrency: "usd"})
	require.NoError(t, err)
	assert.False(t, tenant.EmailVerified)

	require.NoError(t, prov.tenants.VerifyEmail(ctx, tenant.ID))

	tenant, err = prov.tenants.Get(ctx, tenant.ID)
	require.NoError(t, err)
	assert.True(t, tenant.EmailVerified)
}

func TestProvisioner_GetByEmail(t *testing.T) {
	prov := newMockProvisioner()
	ctx := context.Background()

	_, _, err := prov.tenants.Create(ctx, tenants.CreateRequest{Email: "find@test.com", DefaultAgentID: "a1", DefaultCurrency: "usd"})
	require.NoError(t, err)

	found, err := prov.tenants.GetByEmail(ctx, "find@test.com")
	require.NoError(t, err)
	assert.Equal(t, "find@test.com", found.Email)

	_, err = prov.tenants.GetByEmail(ctx, "notfound@test.com")
	assert.Error(t, err)
}
