// Package policy implements the settlement kernel's wallet policy and
// billing plan enforcement (C9): the gatekeeper that decides whether a gate,
// reversal, or dispute action is allowed before C6/C7 ever touch a wallet.
//
// Grounded on the teacher's pkg/budget (Budget/Decision/Enforcer shape in
// budget/types.go and budget/enforcer.go), adapted from a single per-tenant
// spend budget to the richer WalletPolicy + BillingPlan pair spec §3/§4.9
// describe.
package policy

import (
	"sync"
	"time"

	"github.com/nooterra/settle/pkg/kernelerr"
)

// WalletPolicy constrains what a tenant's wallets may do: which reversal
// actions are permitted and the largest single gate amount allowed.
type WalletPolicy struct {
	TenantID              string
	MaxGateAmountCents     int64
	AllowedReversalActions map[string]bool
	CELExpression          string // optional escape hatch, see cel.go
}

// BillingPlan tracks per-tenant spend against daily/monthly hard limits.
// DailyUsedCents/MonthlyUsedCents are durable cents; milli-cent
// intermediates are tracked alongside for percentage-based fee math so
// rounding drift is detectable rather than silently accumulating (spec §9).
type BillingPlan struct {
	TenantID          string
	DailyLimitCents   int64
	MonthlyLimitCents int64
	DailyUsedCents    int64
	MonthlyUsedCents  int64
	DailyUsedMilliCents   int64
	MonthlyUsedMilliCents int64
	LastUpdated       time.Time
}

func (p *BillingPlan) dailyRemaining() int64   { return p.DailyLimitCents - p.DailyUsedCents }
func (p *BillingPlan) monthlyRemaining() int64 { return p.MonthlyLimitCents - p.MonthlyUsedCents }

// Decision is the result of an enforcement check.
type Decision struct {
	Allowed bool
	Code    kernelerr.Code
	Reason  string
}

// Store holds WalletPolicy and BillingPlan records per tenant.
type Store struct {
	mu       sync.Mutex
	policies map[string]*WalletPolicy
	plans    map[string]*BillingPlan
}

func NewStore() *Store {
	return &Store{policies: make(map[string]*WalletPolicy), plans: make(map[string]*BillingPlan)}
}

func (s *Store) SetPolicy(p WalletPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.policies[p.TenantID] = &cp
}

func (s *Store) SetPlan(p BillingPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.plans[p.TenantID] = &cp
}

// GetPlan returns a tenant's current BillingPlan snapshot, or false if none
// has been set.
func (s *Store) GetPlan(tenantID string) (BillingPlan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[tenantID]
	if !ok {
		return BillingPlan{}, false
	}
	return *p, true
}

// CheckGateAmount enforces WalletPolicy.MaxGateAmountCents.
func (s *Store) CheckGateAmount(tenantID string, amountCents int64) Decision {
	s.mu.Lock()
	p, ok := s.policies[tenantID]
	s.mu.Unlock()
	if !ok || p.MaxGateAmountCents <= 0 {
		return Decision{Allowed: true}
	}
	if amountCents > p.MaxGateAmountCents {
		return Decision{Allowed: false, Code: kernelerr.CodeBillingPlanLimitExceeded, Reason: "amount exceeds wallet policy maximum"}
	}
	return Decision{Allowed: true}
}

// CheckReversalAction enforces WalletPolicy.AllowedReversalActions.
func (s *Store) CheckReversalAction(tenantID, action string) Decision {
	s.mu.Lock()
	p, ok := s.policies[tenantID]
	s.mu.Unlock()
	if !ok || len(p.AllowedReversalActions) == 0 {
		return Decision{Allowed: true}
	}
	if !p.AllowedReversalActions[action] {
		return Decision{Allowed: false, Code: kernelerr.CodeReversalActionNotAllowed, Reason: "reversal action not permitted by wallet policy"}
	}
	return Decision{Allowed: true}
}

// CheckAndRecordSpend enforces BillingPlan daily/monthly limits and, if
// allowed, atomically records the spend. A rejected check never mutates the
// plan's counters.
func (s *Store) CheckAndRecordSpend(tenantID string, amountCents int64, now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.plans[tenantID]
	if !ok {
		return Decision{Allowed: true}
	}

	if plan.dailyRemaining() < amountCents {
		return Decision{Allowed: false, Code: kernelerr.CodeBillingPlanLimitExceeded, Reason: "daily billing plan limit exceeded"}
	}
	if plan.monthlyRemaining() < amountCents {
		return Decision{Allowed: false, Code: kernelerr.CodeBillingPlanLimitExceeded, Reason: "monthly billing plan limit exceeded"}
	}

	plan.DailyUsedCents += amountCents
	plan.MonthlyUsedCents += amountCents
	plan.DailyUsedMilliCents += amountCents * 1000
	plan.MonthlyUsedMilliCents += amountCents * 1000
	plan.LastUpdated = now
	return Decision{Allowed: true}
}
