package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckGateAmountEnforced(t *testing.T) {
	s := NewStore()
	s.SetPolicy(WalletPolicy{TenantID: "t1", MaxGateAmountCents: 500})

	d := s.CheckGateAmount("t1", 400)
	require.True(t, d.Allowed)

	d = s.CheckGateAmount("t1", 600)
	require.False(t, d.Allowed)
}

func TestBillingPlanDailyLimit(t *testing.T) {
	s := NewStore()
	s.SetPlan(BillingPlan{TenantID: "t1", DailyLimitCents: 1000, MonthlyLimitCents: 5000})

	now := time.Now()
	d := s.CheckAndRecordSpend("t1", 700, now)
	require.True(t, d.Allowed)

	d = s.CheckAndRecordSpend("t1", 400, now)
	require.False(t, d.Allowed, "second spend pushes daily total past limit")
}

func TestCELEvaluatorDeniesOverAmount(t *testing.T) {
	ev, err := NewCELEvaluator()
	require.NoError(t, err)

	d, err := ev.Evaluate(`gate.amountCents < 1000`, map[string]interface{}{"amountCents": 2000}, 0)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = ev.Evaluate(`gate.amountCents < 1000`, map[string]interface{}{"amountCents": 500}, 0)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}
