package ledger

import (
	"sync"

	"github.com/nooterra/settle/pkg/canonicalize"
	"github.com/nooterra/settle/pkg/kernelerr"
)

// IdempotentResponse is the durable reply cached for a (tenantId,
// idempotencyKey) pair.
type IdempotentResponse struct {
	StatusCode int
	Body       map[string]interface{}
	BodyHash   string
}

// IdempotencyStore enforces spec §3's idempotency invariant: a retry of the
// same (tenantId, idempotencyKey) with the same request body replays the
// original response bit-for-bit; a retry with a different body is a
// deterministic conflict, never a silent overwrite.
type IdempotencyStore interface {
	// Reserve checks for an existing entry. If one exists with a matching
	// requestBodyHash, it returns (response, true, nil) for the caller to
	// replay verbatim. If one exists with a different hash, it returns
	// IDEMPOTENCY_BODY_MISMATCH. If none exists, it returns (nil, false, nil)
	// and the caller should proceed, then call Store.
	Reserve(tenantID, idempotencyKey, requestBodyHash string) (*IdempotentResponse, bool, error)
	Store(tenantID, idempotencyKey, requestBodyHash string, resp IdempotentResponse) error
}

type memIdempotencyKey struct {
	tenantID string
	key      string
}

type memIdempotencyEntry struct {
	requestBodyHash string
	response        IdempotentResponse
}

// MemIdempotencyStore is an in-process IdempotencyStore, suitable for tests
// and single-node deployments that don't need the durable SQL-backed variant.
type MemIdempotencyStore struct {
	mu      sync.Mutex
	entries map[memIdempotencyKey]memIdempotencyEntry
}

// NewMemIdempotencyStore returns an empty MemIdempotencyStore.
func NewMemIdempotencyStore() *MemIdempotencyStore {
	return &MemIdempotencyStore{entries: make(map[memIdempotencyKey]memIdempotencyEntry)}
}

func (s *MemIdempotencyStore) Reserve(tenantID, idempotencyKey, requestBodyHash string) (*IdempotentResponse, bool, error) {
	if tenantID == "" {
		return nil, false, kernelerr.New(kernelerr.CodeTenantRequired, "tenantId is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[memIdempotencyKey{tenantID, idempotencyKey}]
	if !ok {
		return nil, false, nil
	}
	if entry.requestBodyHash != requestBodyHash {
		return nil, false, kernelerr.New(kernelerr.CodeIdempotencyBodyMismatch, "idempotency key reused with a different request body").
			WithDetails(map[string]interface{}{"tenantId": tenantID, "idempotencyKey": idempotencyKey})
	}
	resp := entry.response
	return &resp, true, nil
}

func (s *MemIdempotencyStore) Store(tenantID, idempotencyKey, requestBodyHash string, resp IdempotentResponse) error {
	if tenantID == "" {
		return kernelerr.New(kernelerr.CodeTenantRequired, "tenantId is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[memIdempotencyKey{tenantID, idempotencyKey}] = memIdempotencyEntry{
		requestBodyHash: requestBodyHash,
		response:        resp,
	}
	return nil
}

// HashRequestBody returns the canonical-JSON SHA-256 hash of a request body,
// the comparator IdempotencyStore implementations use to detect body drift
// on key reuse.
func HashRequestBody(body map[string]interface{}) (string, error) {
	return canonicalize.CanonicalHash(body)
}
