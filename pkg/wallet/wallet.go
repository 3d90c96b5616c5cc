// Package wallet implements the settlement kernel's per-(tenant, agent)
// wallet ledger (C5): integer-cents balances split between an available
// pool and an escrow-locked pool, moved only by the operations below so the
// conservation invariant (spec §3: sum of balance changes across affected
// wallets is zero per settlement transition) is structurally enforced
// rather than merely hoped for.
//
// Grounded on the integer-money discipline of the teacher's pkg/finance
// (Money{AmountMinor, Currency}), simplified to the wallet's own int64-cents
// fields because the settlement gate's data model (spec §3) names
// availableCents/escrowLockedCents directly rather than a variable-scale
// Money value.
package wallet

import (
	"sort"
	"sync"

	"github.com/nooterra/settle/pkg/kernelerr"
)

// Wallet holds one tenant+agent's balances. All fields are integer minor
// units (cents); no floating point ever touches a balance.
type Wallet struct {
	TenantID          string
	AgentID           string
	Currency          string
	AvailableCents    int64
	EscrowLockedCents int64
}

func (w *Wallet) id() walletKey { return walletKey{w.TenantID, w.AgentID} }

type walletKey struct {
	tenantID string
	agentID  string
}

// ConservationViolation is returned as a plain error (wrapped by callers
// into a kernelerr.Error carrying CodeConservationViolation, per spec §4.5)
// when a settlement transition's balance deltas do not sum to zero across
// every wallet it touched.
type ConservationViolation struct {
	TenantID string
	Deltas   map[string]int64 // agentID -> net delta applied
	Sum      int64
}

func (e *ConservationViolation) Error() string {
	return "wallet conservation violated: deltas do not sum to zero"
}

// Store is the minimal persistence surface settlement and reversal need.
// Lock ordering for multi-wallet operations is the caller's job (see
// LockOrder below); Store implementations only need atomic single-wallet
// reads/writes.
type Store interface {
	Get(tenantID, agentID string) (*Wallet, error)
	Put(w *Wallet) error
}

// MemStore is an in-process Store, safe for concurrent use. Each wallet's
// mutation is guarded by a dedicated per-wallet lock so unrelated wallets
// never contend, matching spec §5's per-subject exclusivity model.
type MemStore struct {
	mu      sync.Mutex // guards the map itself, not wallet contents
	wallets map[walletKey]*walletEntry
}

type walletEntry struct {
	mu sync.Mutex
	w  Wallet
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{wallets: make(map[walletKey]*walletEntry)}
}

// Provision creates a zero-balance wallet for (tenantID, agentID) in
// currency if one does not already exist. Idempotent.
func (s *MemStore) Provision(tenantID, agentID, currency string) (*Wallet, error) {
	if tenantID == "" {
		return nil, kernelerr.New(kernelerr.CodeTenantRequired, "tenantId is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := walletKey{tenantID, agentID}
	if e, ok := s.wallets[key]; ok {
		cp := e.w
		return &cp, nil
	}
	e := &walletEntry{w: Wallet{TenantID: tenantID, AgentID: agentID, Currency: currency}}
	s.wallets[key] = e
	cp := e.w
	return &cp, nil
}

func (s *MemStore) entry(tenantID, agentID string) (*walletEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.wallets[walletKey{tenantID, agentID}]
	return e, ok
}

func (s *MemStore) Get(tenantID, agentID string) (*Wallet, error) {
	e, ok := s.entry(tenantID, agentID)
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeNotFound, "wallet not found").
			WithDetails(map[string]interface{}{"tenantId": tenantID, "agentId": agentID})
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.w
	return &cp, nil
}

func (s *MemStore) Put(w *Wallet) error {
	e, ok := s.entry(w.TenantID, w.AgentID)
	if !ok {
		return kernelerr.New(kernelerr.CodeNotFound, "wallet not found").
			WithDetails(map[string]interface{}{"tenantId": w.TenantID, "agentId": w.AgentID})
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.w = *w
	return nil
}

// LockOrder sorts a set of (tenantID, agentID) wallet identifiers into the
// canonical acquisition order — by (tenantId, walletId) — that every
// cross-subject transfer must follow to avoid deadlock (spec §5).
func LockOrder(ids [][2]string) [][2]string {
	out := make([][2]string, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}
