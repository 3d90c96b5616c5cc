package wallet

import (
	"fmt"

	"github.com/nooterra/settle/pkg/kernelerr"
)

// Transfer is one leg of a multi-wallet movement: delta is applied to
// AvailableCents if pool == PoolAvailable, or EscrowLockedCents if
// pool == PoolEscrow. A negative delta debits, a positive delta credits.
type Transfer struct {
	TenantID string
	AgentID  string
	Pool     Pool
	Delta    int64
}

// Pool names which balance a Transfer leg moves.
type Pool string

const (
	PoolAvailable Pool = "available"
	PoolEscrow    Pool = "escrow"
)

// Apply executes a set of Transfer legs against store as a single logical
// operation: every wallet touched is locked in canonical (tenantId,
// agentId) order to avoid cross-transfer deadlock, the sum of all deltas
// is checked for conservation before any wallet is mutated, and either all
// legs are written or none are.
//
// A non-zero sum indicates a settlement transition that manufactures or
// destroys money and is rejected before touching the store — the conserving
// check is structural, not a post-hoc audit.
func Apply(store Store, transfers []Transfer) error {
	if len(transfers) == 0 {
		return nil
	}

	var sum int64
	seen := map[[2]string]bool{}
	var ids [][2]string
	for _, t := range transfers {
		sum += t.Delta
		key := [2]string{t.TenantID, t.AgentID}
		if !seen[key] {
			seen[key] = true
			ids = append(ids, key)
		}
	}
	if sum != 0 {
		deltas := make(map[string]int64)
		for _, t := range transfers {
			deltas[t.AgentID] += t.Delta
		}
		return &ConservationViolation{TenantID: transfers[0].TenantID, Deltas: deltas, Sum: sum}
	}

	ordered := LockOrder(ids)

	wallets := make(map[[2]string]*Wallet, len(ordered))
	for _, id := range ordered {
		w, err := store.Get(id[0], id[1])
		if err != nil {
			return fmt.Errorf("wallet: load failed for %s/%s: %w", id[0], id[1], err)
		}
		wallets[id] = w
	}

	for _, t := range transfers {
		w := wallets[[2]string{t.TenantID, t.AgentID}]
		switch t.Pool {
		case PoolAvailable:
			if w.AvailableCents+t.Delta < 0 {
				return kernelerr.New(kernelerr.CodeSchemaInvalid, "transfer would drive availableCents negative").
					WithDetails(map[string]interface{}{"tenantId": t.TenantID, "agentId": t.AgentID})
			}
			w.AvailableCents += t.Delta
		case PoolEscrow:
			if w.EscrowLockedCents+t.Delta < 0 {
				return kernelerr.New(kernelerr.CodeSchemaInvalid, "transfer would drive escrowLockedCents negative").
					WithDetails(map[string]interface{}{"tenantId": t.TenantID, "agentId": t.AgentID})
			}
			w.EscrowLockedCents += t.Delta
		default:
			return fmt.Errorf("wallet: unknown pool %q", t.Pool)
		}
	}

	for _, id := range ordered {
		if err := store.Put(wallets[id]); err != nil {
			return fmt.Errorf("wallet: persist failed for %s/%s: %w", id[0], id[1], err)
		}
	}
	return nil
}

// Lock moves amountCents from payer's available pool into payer's escrow
// pool (the gate-authorize step: funds are held, not yet moved to payee).
func Lock(store Store, tenantID, payerAgentID string, amountCents int64) error {
	return Apply(store, []Transfer{
		{TenantID: tenantID, AgentID: payerAgentID, Pool: PoolAvailable, Delta: -amountCents},
		{TenantID: tenantID, AgentID: payerAgentID, Pool: PoolEscrow, Delta: amountCents},
	})
}

// Release moves amountCents out of payer's escrow into payee's available
// pool (the gate-release step, on successful settlement).
func Release(store Store, tenantID, payerAgentID, payeeAgentID string, amountCents int64) error {
	return Apply(store, []Transfer{
		{TenantID: tenantID, AgentID: payerAgentID, Pool: PoolEscrow, Delta: -amountCents},
		{TenantID: tenantID, AgentID: payeeAgentID, Pool: PoolAvailable, Delta: amountCents},
	})
}

// Refund moves amountCents out of payer's escrow back into payer's own
// available pool (voided or refunded gates).
func Refund(store Store, tenantID, payerAgentID string, amountCents int64) error {
	return Apply(store, []Transfer{
		{TenantID: tenantID, AgentID: payerAgentID, Pool: PoolEscrow, Delta: -amountCents},
		{TenantID: tenantID, AgentID: payerAgentID, Pool: PoolAvailable, Delta: amountCents},
	})
}

// Reverse moves amountCents from payee's available pool back to payer's
// available pool, for a post-release reversal command (spec C7).
func Reverse(store Store, tenantID, payeeAgentID, payerAgentID string, amountCents int64) error {
	return Apply(store, []Transfer{
		{TenantID: tenantID, AgentID: payeeAgentID, Pool: PoolAvailable, Delta: -amountCents},
		{TenantID: tenantID, AgentID: payerAgentID, Pool: PoolAvailable, Delta: amountCents},
	})
}
