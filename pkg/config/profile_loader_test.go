package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPlansDir = "plans"

func TestLoadPlanProfile_Free(t *testing.T) {
	p, err := LoadPlanProfile(testPlansDir, "free")
	require.NoError(t, err)
	assert.Equal(t, "Free", p.Name)
	assert.Equal(t, int64(10000), p.MaxGateAmountCents)
	assert.Equal(t, int64(1000000), p.MonthlyLimitCents)
}

func TestLoadPlanProfile_Pro(t *testing.T) {
	p, err := LoadPlanProfile(testPlansDir, "pro")
	require.NoError(t, err)
	assert.Contains(t, p.AllowedReversalActions, "partial_refund")
}

func TestLoadPlanProfile_NotFound(t *testing.T) {
	_, err := LoadPlanProfile(testPlansDir, "nonexistent")
	assert.Error(t, err)
}

func TestLoadAllPlanProfiles(t *testing.T) {
	profiles, err := LoadAllPlanProfiles(testPlansDir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Contains(t, profiles, "free")
	assert.Contains(t, profiles, "pro")
}

func TestPlanProfile_WalletPolicyAndBillingPlan(t *testing.T) {
	p, err := LoadPlanProfile(testPlansDir, "free")
	require.NoError(t, err)

	wp := p.WalletPolicy("tenant-1")
	assert.Equal(t, "tenant-1", wp.TenantID)
	assert.Equal(t, int64(10000), wp.MaxGateAmountCents)
	assert.True(t, wp.AllowedReversalActions["full_reversal"])

	bp := p.BillingPlan("tenant-1")
	assert.Equal(t, "tenant-1", bp.TenantID)
	assert.Equal(t, int64(50000), bp.DailyLimitCents)
}
