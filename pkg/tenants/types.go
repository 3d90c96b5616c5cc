// Package tenants implements tenant lifecycle management (provisioning,
// suspension, deletion) and the cross-tenant isolation checks in
// isolation.go.
package tenants

import "time"

// Status represents the current status of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// PlanID names a tenant's billing plan tier. Provisioning sets PlanFree on
// every new tenant and applies fixed free-tier BillingPlan/WalletPolicy
// defaults; limits are not looked up by PlanID.
type PlanID string

const (
	PlanFree PlanID = "free"
)

// Tenant is a settlement-kernel tenant: the top-level isolation boundary
// every wallet, gate, and ledger entry is scoped under.
type Tenant struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	EmailVerified bool           `json:"email_verified"`
	PlanID        PlanID         `json:"plan_id"`
	Status        Status         `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	SuspendedAt   *time.Time     `json:"suspended_at,omitempty"`
	DeletedAt     *time.Time     `json:"deleted_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// IsActive returns true if the tenant is active.
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

// CreateRequest contains the data needed to create a new tenant.
type CreateRequest struct {
	Email            string         `json:"email"`
	Password         string         `json:"password,omitempty"` // omitempty for OAuth
	DefaultAgentID   string         `json:"default_agent_id"`
	DefaultCurrency  string         `json:"default_currency"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// APIKey represents an API key for a tenant.
type APIKey struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	KeyPrefix string     `json:"key_prefix"` // First 8 chars for identification
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// DataExport contains all data associated with a tenant for GDPR export.
type DataExport struct {
	Tenant        *Tenant   `json:"tenant"`
	ExportedAt    time.Time `json:"exported_at"`
	LedgerRuns    []string  `json:"ledger_runs,omitempty"`
	APIKeys       []APIKey  `json:"api_keys,omitempty"`
}
