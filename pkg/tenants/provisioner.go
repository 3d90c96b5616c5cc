package tenants

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra/settle/pkg/policy"
	"github.com/nooterra/settle/pkg/wallet"
)

// defaultFreePlan is the BillingPlan/WalletPolicy pair stamped onto every
// newly provisioned tenant (spec SPEC_FULL §3 "wallet provisioning"). Create
// records both for every tenant; a default wallet is provisioned only when
// the request names a DefaultAgentID.
var defaultFreePlan = policy.BillingPlan{
	DailyLimitCents:   50_000,
	MonthlyLimitCents: 1_000_000,
}

var defaultFreePolicy = policy.WalletPolicy{
	MaxGateAmountCents: 10_000,
}

// Provisioner handles tenant lifecycle operations: creating a tenant
// provisions its default wallet, wallet policy, and billing plan in the same
// logical step, grounded on the teacher's PostgresProvisioner transaction
// shape (tenant row + budget row + API key row, committed together).
type Provisioner interface {
	Create(ctx context.Context, req CreateRequest) (*Tenant, string, error)
	Get(ctx context.Context, tenantID string) (*Tenant, error)
	GetByEmail(ctx context.Context, email string) (*Tenant, error)
	Suspend(ctx context.Context, tenantID, reason string) error
	Reactivate(ctx context.Context, tenantID string) error
	Delete(ctx context.Context, tenantID string) error
	VerifyEmail(ctx context.Context, tenantID string) error
	Export(ctx context.Context, tenantID string) (*DataExport, error)
}

// PostgresProvisioner implements Provisioner with PostgreSQL, seeding a
// tenant's default wallet and policy/plan in the in-process stores passed to
// New (wallet/policy are process-local per spec §5 — see pkg/wallet,
// pkg/policy — while the tenant/api-key rows are durable in Postgres).
type PostgresProvisioner struct {
	db      *sql.DB
	wallets wallet.Store
	policy  *policy.Store
}

// NewPostgresProvisioner creates a new PostgreSQL-backed provisioner.
func NewPostgresProvisioner(db *sql.DB, wallets wallet.Store, pol *policy.Store) *PostgresProvisioner {
	return &PostgresProvisioner{db: db, wallets: wallets, policy: pol}
}

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	email_verified BOOLEAN DEFAULT FALSE,
	plan_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	suspended_at TIMESTAMP,
	deleted_at TIMESTAMP,
	metadata JSONB
);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	tenant_id TEXT REFERENCES tenants(id),
	key_hash TEXT NOT NULL,
	name TEXT,
	created_at TIMESTAMP NOT NULL,
	revoked_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);
`

// Init creates the necessary database tables.
func (p *PostgresProvisioner) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

// Create creates a new tenant row, provisions its default wallet, and
// records its default WalletPolicy/BillingPlan, committing the durable row
// and the in-process stores as one logical unit: if the transaction fails,
// the wallet/policy records are never left dangling without a tenant.
func (p *PostgresProvisioner) Create(ctx context.Context, req CreateRequest) (*Tenant, string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("tenants: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tenant := &Tenant{
		ID:            uuid.New().String(),
		Email:         req.Email,
		EmailVerified: false,
		PlanID:        PlanFree,
		Status:        StatusActive,
		CreatedAt:     time.Now().UTC(),
		Metadata:      req.Metadata,
	}

	metaJSON, err := json.Marshal(tenant.Metadata)
	if err != nil {
		return nil, "", fmt.Errorf("tenants: failed to marshal metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenants (id, email, email_verified, plan_id, status, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tenant.ID, tenant.Email, tenant.EmailVerified, tenant.PlanID, tenant.Status, tenant.CreatedAt, metaJSON)
	if err != nil {
		return nil, "", fmt.Errorf("tenants: failed to create tenant: %w", err)
	}

	rawKey, keyHash := generateAPIKey()
	apiKeyID := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, key_hash, name, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, apiKeyID, tenant.ID, keyHash, "Default Key")
	if err != nil {
		return nil, "", fmt.Errorf("tenants: failed to create API key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("tenants: failed to commit: %w", err)
	}

	if p.wallets != nil && req.DefaultAgentID != "" {
		if err := provisionWallet(p.wallets, tenant.ID, req.DefaultAgentID, req.DefaultCurrency); err != nil {
			return nil, "", fmt.Errorf("tenants: failed to provision default wallet: %w", err)
		}
	}
	if p.policy != nil {
		plan := defaultFreePlan
		plan.TenantID = tenant.ID
		p.policy.SetPlan(plan)
		pol := defaultFreePolicy
		pol.TenantID = tenant.ID
		p.policy.SetPolicy(pol)
	}

	return tenant, rawKey, nil
}

// GetByEmail retrieves a tenant by email.
func (p *PostgresProvisioner) GetByEmail(ctx context.Context, email string) (*Tenant, error) {
	var tenant Tenant
	var metaJSON []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, email, email_verified, plan_id, status, created_at, suspended_at, deleted_at, metadata
		FROM tenants WHERE email = $1
	`, email).Scan(
		&tenant.ID, &tenant.Email, &tenant.EmailVerified, &tenant.PlanID,
		&tenant.Status, &tenant.CreatedAt, &tenant.SuspendedAt, &tenant.DeletedAt, &metaJSON,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("tenants: not found")
		}
		return nil, fmt.Errorf("tenants: failed to get by email: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &tenant.Metadata); err != nil {
			return nil, fmt.Errorf("tenants: failed to unmarshal metadata: %w", err)
		}
	}
	return &tenant, nil
}

// Get retrieves a tenant by ID.
func (p *PostgresProvisioner) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	var tenant Tenant
	var metaJSON []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, email, email_verified, plan_id, status, created_at, suspended_at, deleted_at, metadata
		FROM tenants WHERE id = $1
	`, tenantID).Scan(
		&tenant.ID, &tenant.Email, &tenant.EmailVerified, &tenant.PlanID,
		&tenant.Status, &tenant.CreatedAt, &tenant.SuspendedAt, &tenant.DeletedAt, &metaJSON,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("tenants: not found")
		}
		return nil, fmt.Errorf("tenants: failed to get: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &tenant.Metadata); err != nil {
			return nil, fmt.Errorf("tenants: failed to unmarshal metadata: %w", err)
		}
	}
	return &tenant, nil
}

func (p *PostgresProvisioner) setStatus(ctx context.Context, tenantID string, status Status, suspendedAt, deletedAt *time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET status = $1, suspended_at = $2, deleted_at = $3 WHERE id = $4
	`, status, suspendedAt, deletedAt, tenantID)
	if err != nil {
		return fmt.Errorf("tenants: failed to update status: %w", err)
	}
	return nil
}

// Suspend marks a tenant suspended.
func (p *PostgresProvisioner) Suspend(ctx context.Context, tenantID, reason string) error {
	now := time.Now().UTC()
	return p.setStatus(ctx, tenantID, StatusSuspended, &now, nil)
}

// Reactivate clears a tenant's suspension.
func (p *PostgresProvisioner) Reactivate(ctx context.Context, tenantID string) error {
	return p.setStatus(ctx, tenantID, StatusActive, nil, nil)
}

// Delete marks a tenant deleted. Wallet and ledger state are retained for
// audit per spec; this is a soft delete.
func (p *PostgresProvisioner) Delete(ctx context.Context, tenantID string) error {
	now := time.Now().UTC()
	return p.setStatus(ctx, tenantID, StatusDeleted, nil, &now)
}

// VerifyEmail marks a tenant's email address verified.
func (p *PostgresProvisioner) VerifyEmail(ctx context.Context, tenantID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE tenants SET email_verified = TRUE WHERE id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("tenants: failed to verify email: %w", err)
	}
	return nil
}

// Export returns a GDPR-style data export for a tenant.
func (p *PostgresProvisioner) Export(ctx context.Context, tenantID string) (*DataExport, error) {
	tenant, err := p.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &DataExport{Tenant: tenant, ExportedAt: time.Now().UTC()}, nil
}

// generateAPIKey creates a cryptographically secure API key.
func generateAPIKey() (raw, hash string) {
	bytes := make([]byte, 32)
	_, _ = rand.Read(bytes)
	raw = "settle_" + hex.EncodeToString(bytes)
	hashBytes := sha256.Sum256([]byte(raw))
	hash = hex.EncodeToString(hashBytes[:])
	return raw, hash
}

// provisionWallet seeds a zero-balance wallet for (tenantID, agentID). A
// store that offers Provision (such as wallet.MemStore, whose Put only
// updates existing wallets) is asked to create it; any other wallet.Store
// gets a Get, then a Put of the new wallet if none exists.
func provisionWallet(s wallet.Store, tenantID, agentID, currency string) error {
	if p, ok := s.(interface {
		Provision(tenantID, agentID, currency string) (*wallet.Wallet, error)
	}); ok {
		_, err := p.Provision(tenantID, agentID, currency)
		return err
	}
	if _, err := s.Get(tenantID, agentID); err == nil {
		return nil // already provisioned
	}
	return s.Put(&wallet.Wallet{TenantID: tenantID, AgentID: agentID, Currency: currency})
}

// MemProvisioner is an in-process Provisioner for tests and single-node
// deployments: no Postgres dependency, tenant rows held in memory alongside
// the same wallet/policy provisioning PostgresProvisioner performs.
type MemProvisioner struct {
	mu      sync.Mutex
	tenants map[string]*Tenant
	byEmail map[string]string // email -> tenantID
	keys    map[string]string // tenantID -> raw API key

	Wallets wallet.Store
	Policy  *policy.Store
}

// NewMemProvisioner returns an empty MemProvisioner over the given stores.
func NewMemProvisioner(wallets wallet.Store, pol *policy.Store) *MemProvisioner {
	return &MemProvisioner{
		tenants: make(map[string]*Tenant),
		byEmail: make(map[string]string),
		keys:    make(map[string]string),
		Wallets: wallets,
		Policy:  pol,
	}
}

func (p *MemProvisioner) Create(ctx context.Context, req CreateRequest) (*Tenant, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tenant := &Tenant{
		ID:            uuid.New().String(),
		Email:         req.Email,
		EmailVerified: false,
		PlanID:        PlanFree,
		Status:        StatusActive,
		CreatedAt:     time.Now().UTC(),
		Metadata:      req.Metadata,
	}
	p.tenants[tenant.ID] = tenant
	p.byEmail[tenant.Email] = tenant.ID
	rawKey, _ := generateAPIKey()
	p.keys[tenant.ID] = rawKey

	if p.Wallets != nil && req.DefaultAgentID != "" {
		if err := provisionWallet(p.Wallets, tenant.ID, req.DefaultAgentID, req.DefaultCurrency); err != nil {
			return nil, "", fmt.Errorf("tenants: failed to provision default wallet: %w", err)
		}
	}
	if p.Policy != nil {
		plan := defaultFreePlan
		plan.TenantID = tenant.ID
		p.Policy.SetPlan(plan)
		pol := defaultFreePolicy
		pol.TenantID = tenant.ID
		p.Policy.SetPolicy(pol)
	}

	cp := *tenant
	return &cp, rawKey, nil
}

func (p *MemProvisioner) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenants: not found")
	}
	cp := *t
	return &cp, nil
}

func (p *MemProvisioner) GetByEmail(ctx context.Context, email string) (*Tenant, error) {
	p.mu.Lock()
	id, ok := p.byEmail[email]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tenants: not found")
	}
	return p.Get(ctx, id)
}

func (p *MemProvisioner) Suspend(ctx context.Context, tenantID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tenants[tenantID]
	if !ok {
		return fmt.Errorf("tenants: not found")
	}
	now := time.Now().UTC()
	t.Status = StatusSuspended
	t.SuspendedAt = &now
	return nil
}

func (p *MemProvisioner) Reactivate(ctx context.Context, tenantID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tenants[tenantID]
	if !ok {
		return fmt.Errorf("tenants: not found")
	}
	t.Status = StatusActive
	t.SuspendedAt = nil
	return nil
}

func (p *MemProvisioner) Delete(ctx context.Context, tenantID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tenants[tenantID]
	if !ok {
		return fmt.Errorf("tenants: not found")
	}
	now := time.Now().UTC()
	t.Status = StatusDeleted
	t.DeletedAt = &now
	return nil
}

func (p *MemProvisioner) VerifyEmail(ctx context.Context, tenantID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tenants[tenantID]
	if !ok {
		return fmt.Errorf("tenants: not found")
	}
	t.EmailVerified = true
	return nil
}

func (p *MemProvisioner) Export(ctx context.Context, tenantID string) (*DataExport, error) {
	t, err := p.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &DataExport{Tenant: t, ExportedAt: time.Now().UTC()}, nil
}

var _ Provisioner = (*PostgresProvisioner)(nil)
var _ Provisioner = (*MemProvisioner)(nil)
