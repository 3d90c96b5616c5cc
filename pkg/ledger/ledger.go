// Package ledger implements the settlement kernel's per-run event ledger
// (C4): an append-only, hash-chained event sequence per (tenantId, runId),
// linearized by optimistic concurrency (CAS) on prevChainHash, plus the
// (tenantId, idempotencyKey) idempotent-reply store that sits in front of it.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra/settle/pkg/canonicalize"
	"github.com/nooterra/settle/pkg/kernelerr"
)

// GenesisChainHash is the prevChainHash of the first event in any run: 64
// zero characters, per spec.
var GenesisChainHash = strings.Repeat("0", 64)

// Signature mirrors envelope.Signature without importing pkg/envelope, to
// avoid a dependency cycle (envelope is a generic builder; ledger is one of
// its callers).
type Signature struct {
	Algorithm       string `json:"algorithm"`
	KeyID           string `json:"keyId"`
	SignatureBase64 string `json:"signatureBase64"`
}

// Event is a single entry in a run's event sequence.
type Event struct {
	EventID       string                 `json:"eventId"`
	TenantID      string                 `json:"tenantId"`
	RunID         string                 `json:"runId"`
	Type          string                 `json:"type"`
	Payload       map[string]interface{} `json:"payload"`
	PrevChainHash string                 `json:"prevChainHash"`
	ChainHash     string                 `json:"chainHash"`
	Signatures    []Signature            `json:"signatures,omitempty"`
	Sequence      uint64                 `json:"sequence"`
	CreatedAt     time.Time              `json:"createdAt"`
}

// computeChainHash hashes the event's identity and payload together with
// prevChainHash. tenantId is included in the hash input (a deliberate
// deviation recorded in DESIGN.md: Open Question 1) so a chain entry from one
// tenant can never be replayed as a valid link in another tenant's chain even
// if an attacker controlled prevChainHash discovery.
func computeChainHash(ev Event) (string, error) {
	core := map[string]interface{}{
		"eventId":       ev.EventID,
		"tenantId":      ev.TenantID,
		"runId":         ev.RunID,
		"type":          ev.Type,
		"payload":       ev.Payload,
		"prevChainHash": ev.PrevChainHash,
	}
	return canonicalize.CanonicalHash(core)
}

// runChain holds one run's append-only chain and its current head.
type runChain struct {
	mu     sync.RWMutex
	events []Event
	head   string
}

// Ledger is the process-wide collection of per-(tenant,run) chains. It is
// safe for concurrent use; append-time linearization happens per run via
// runChain's own mutex, not a single global lock, so unrelated runs never
// contend (spec §5: per-subject exclusive lock during transactional scope).
type Ledger struct {
	mu    sync.RWMutex
	runs  map[string]*runChain // key: tenantID + "/" + runID
	clock func() time.Time
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{runs: make(map[string]*runChain), clock: time.Now}
}

// WithClock overrides the clock used to timestamp events, for deterministic tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

func runKey(tenantID, runID string) string { return tenantID + "/" + runID }

func (l *Ledger) chain(tenantID, runID string) *runChain {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := runKey(tenantID, runID)
	rc, ok := l.runs[key]
	if !ok {
		rc = &runChain{head: GenesisChainHash}
		l.runs[key] = rc
	}
	return rc
}

// Head returns the current chain head for (tenantID, runID), or the genesis
// hash if the run has no events yet.
func (l *Ledger) Head(tenantID, runID string) string {
	rc := l.chain(tenantID, runID)
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.head
}

// Append adds a new event to the run's chain, enforcing optimistic
// concurrency via expectedPrevChainHash: it must equal the chain's current
// head or the append is rejected with CHAIN_HASH_CAS_MISMATCH and no state
// changes. This compare-and-swap is the only linearizer of concurrent
// appends to the same run (spec §3 global invariant: ledger append).
func (l *Ledger) Append(ctx context.Context, tenantID, runID, eventType string, payload map[string]interface{}, expectedPrevChainHash string) (*Event, error) {
	if tenantID == "" {
		return nil, kernelerr.New(kernelerr.CodeTenantRequired, "tenantId is required")
	}
	normalizedPayload, err := canonicalize.Normalize(payload, "$.payload")
	if err != nil {
		return nil, err
	}
	normMap, ok := normalizedPayload.(map[string]interface{})
	if payload != nil && !ok {
		return nil, kernelerr.New(kernelerr.CodeNonPlainObject, "event payload must be a JSON object")
	}

	rc := l.chain(tenantID, runID)
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if expectedPrevChainHash != rc.head {
		return nil, kernelerr.New(kernelerr.CodeChainHashCASMismatch, "expected prev chain hash does not match current head").
			WithDetails(map[string]interface{}{"expected": expectedPrevChainHash, "actual": rc.head, "tenantId": tenantID, "runId": runID})
	}

	ev := Event{
		EventID:       uuid.NewString(),
		TenantID:      tenantID,
		RunID:         runID,
		Type:          eventType,
		Payload:       normMap,
		PrevChainHash: rc.head,
		Sequence:      uint64(len(rc.events)) + 1,
		CreatedAt:     l.clock(),
	}
	chainHash, err := computeChainHash(ev)
	if err != nil {
		return nil, fmt.Errorf("ledger: chain hash computation failed: %w", err)
	}
	ev.ChainHash = chainHash

	rc.events = append(rc.events, ev)
	rc.head = chainHash

	out := ev
	return &out, nil
}

// Events returns the full ordered event sequence for a run.
func (l *Ledger) Events(tenantID, runID string) []Event {
	rc := l.chain(tenantID, runID)
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]Event, len(rc.events))
	copy(out, rc.events)
	return out
}

// VerifyChain recomputes every chainHash in order and confirms linkage,
// returning the first broken index (-1 if valid).
func VerifyChain(events []Event) (valid bool, brokenAt int, reason string) {
	prev := GenesisChainHash
	for i, ev := range events {
		if ev.PrevChainHash != prev {
			return false, i, fmt.Sprintf("event %d: prevChainHash %q does not match predecessor head %q", i, ev.PrevChainHash, prev)
		}
		computed, err := computeChainHash(ev)
		if err != nil {
			return false, i, fmt.Sprintf("event %d: hash computation failed: %v", i, err)
		}
		if computed != ev.ChainHash {
			return false, i, fmt.Sprintf("event %d: stored chainHash does not match recomputed value", i)
		}
		prev = ev.ChainHash
	}
	return true, -1, ""
}

// TenantRunIDs returns every runID known for tenantID, sorted for
// deterministic enumeration (e.g. export/replay tooling).
func (l *Ledger) TenantRunIDs(tenantID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	prefix := tenantID + "/"
	var out []string
	for key := range l.runs {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, key[len(prefix):])
		}
	}
	sort.Strings(out)
	return out
}
