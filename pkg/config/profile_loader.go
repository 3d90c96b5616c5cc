package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nooterra/settle/pkg/policy"
)

// PlanProfile is a billing plan's on-disk definition: the WalletPolicy and
// BillingPlan limits for tenants on this plan. pkg/tenants does not read it;
// Provisioner.Create applies fixed free-tier defaults.
type PlanProfile struct {
	Name                   string          `yaml:"name" json:"name"`
	PlanID                 string          `yaml:"plan_id" json:"plan_id"`
	MaxGateAmountCents     int64           `yaml:"max_gate_amount_cents" json:"max_gate_amount_cents"`
	AllowedReversalActions []string        `yaml:"allowed_reversal_actions,omitempty" json:"allowed_reversal_actions,omitempty"`
	DailyLimitCents        int64           `yaml:"daily_limit_cents" json:"daily_limit_cents"`
	MonthlyLimitCents      int64           `yaml:"monthly_limit_cents" json:"monthly_limit_cents"`
}

// WalletPolicy converts the on-disk profile into a policy.WalletPolicy for
// the given tenant.
func (p *PlanProfile) WalletPolicy(tenantID string) policy.WalletPolicy {
	allowed := make(map[string]bool, len(p.AllowedReversalActions))
	for _, a := range p.AllowedReversalActions {
		allowed[a] = true
	}
	return policy.WalletPolicy{
		TenantID:               tenantID,
		MaxGateAmountCents:     p.MaxGateAmountCents,
		AllowedReversalActions: allowed,
	}
}

// BillingPlan converts the on-disk profile into a policy.BillingPlan for
// the given tenant.
func (p *PlanProfile) BillingPlan(tenantID string) policy.BillingPlan {
	return policy.BillingPlan{
		TenantID:          tenantID,
		DailyLimitCents:   p.DailyLimitCents,
		MonthlyLimitCents: p.MonthlyLimitCents,
	}
}

// LoadPlanProfile loads a single plan profile YAML by plan ID, searching
// plansDir for plan_<id>.yaml.
func LoadPlanProfile(plansDir, planID string) (*PlanProfile, error) {
	planID = strings.ToLower(planID)
	path := filepath.Join(plansDir, fmt.Sprintf("plan_%s.yaml", planID))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load plan profile %q: %w", planID, err)
	}

	var profile PlanProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse plan profile %q: %w", planID, err)
	}
	if profile.PlanID == "" {
		profile.PlanID = planID
	}
	return &profile, nil
}

// LoadAllPlanProfiles loads every plan_*.yaml file from plansDir, keyed by
// plan ID.
func LoadAllPlanProfiles(plansDir string) (map[string]*PlanProfile, error) {
	matches, err := filepath.Glob(filepath.Join(plansDir, "plan_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*PlanProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile PlanProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.PlanID == "" {
			base := filepath.Base(path)
			profile.PlanID = strings.TrimSuffix(strings.TrimPrefix(base, "plan_"), ".yaml")
		}
		profiles[profile.PlanID] = &profile
	}

	return profiles, nil
}
