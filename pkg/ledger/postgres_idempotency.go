package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nooterra/settle/pkg/kernelerr"

	_ "github.com/lib/pq"
)

// idempotencySchema creates the durable idempotency table with row-level
// security keyed on tenant_id, the same isolation pattern the teacher's
// obligation store uses for its own multi-tenant table.
const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	tenant_id         TEXT NOT NULL,
	idempotency_key   TEXT NOT NULL,
	request_body_hash TEXT NOT NULL,
	status_code       INTEGER NOT NULL,
	body              JSONB NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, idempotency_key)
);

ALTER TABLE idempotency_keys ENABLE ROW LEVEL SECURITY;

DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1 FROM pg_policies WHERE tablename = 'idempotency_keys' AND policyname = 'tenant_isolation'
	) THEN
		CREATE POLICY tenant_isolation ON idempotency_keys
			USING (tenant_id = current_setting('app.current_tenant', true)::text);
	END IF;
END
$$;
`

// PostgresIdempotencyStore is a durable (tenantId, idempotencyKey)
// idempotency store. Unlike the teacher's single-tenant key-only table, the
// primary key here is composite, matching spec §3's invariant directly.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresIdempotencyStore creates the backing schema (if absent) and
// returns a ready store.
func NewPostgresIdempotencyStore(ctx context.Context, db *sql.DB, ttl time.Duration) (*PostgresIdempotencyStore, error) {
	if _, err := db.ExecContext(ctx, idempotencySchema); err != nil {
		return nil, fmt.Errorf("ledger: idempotency schema init failed: %w", err)
	}
	return &PostgresIdempotencyStore{db: db, ttl: ttl}, nil
}

func (s *PostgresIdempotencyStore) Reserve(tenantID, idempotencyKey, requestBodyHash string) (*IdempotentResponse, bool, error) {
	if tenantID == "" {
		return nil, false, kernelerr.New(kernelerr.CodeTenantRequired, "tenantId is required")
	}
	var storedHash string
	var statusCode int
	var rawBody []byte
	var createdAt time.Time

	err := s.db.QueryRow(
		`SELECT request_body_hash, status_code, body, created_at FROM idempotency_keys WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID, idempotencyKey,
	).Scan(&storedHash, &statusCode, &rawBody, &createdAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ledger: idempotency lookup failed: %w", err)
	}

	if s.ttl > 0 && time.Since(createdAt) > s.ttl {
		_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, idempotencyKey)
		return nil, false, nil
	}

	if storedHash != requestBodyHash {
		return nil, false, kernelerr.New(kernelerr.CodeIdempotencyBodyMismatch, "idempotency key reused with a different request body").
			WithDetails(map[string]interface{}{"tenantId": tenantID, "idempotencyKey": idempotencyKey})
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, false, fmt.Errorf("ledger: stored idempotency body is not valid JSON: %w", err)
	}

	return &IdempotentResponse{StatusCode: statusCode, Body: body, BodyHash: storedHash}, true, nil
}

func (s *PostgresIdempotencyStore) Store(tenantID, idempotencyKey, requestBodyHash string, resp IdempotentResponse) error {
	if tenantID == "" {
		return kernelerr.New(kernelerr.CodeTenantRequired, "tenantId is required")
	}
	raw, err := json.Marshal(resp.Body)
	if err != nil {
		return fmt.Errorf("ledger: response body not serializable: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO idempotency_keys (tenant_id, idempotency_key, request_body_hash, status_code, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`,
		tenantID, idempotencyKey, requestBodyHash, resp.StatusCode, raw,
	)
	if err != nil {
		slog.Error("ledger: failed to persist idempotency entry", "tenant_id", tenantID, "idempotency_key", idempotencyKey, "error", err)
		return fmt.Errorf("ledger: failed to persist idempotency entry: %w", err)
	}
	return nil
}

// Cleanup deletes idempotency entries past their TTL.
func (s *PostgresIdempotencyStore) Cleanup() {
	if s.ttl <= 0 {
		return
	}
	_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE created_at < $1`, time.Now().Add(-s.ttl))
}
