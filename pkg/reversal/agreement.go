package reversal

import (
	"sync"

	"github.com/nooterra/settle/pkg/kernelerr"
)

// Delegation is one node in an agreement's delegation tree (spec §3,
// "Agreement & Delegation"): a leaf delegation carries a budget cap and
// points upward to a root, so a gate's agentPassport.delegationRoot can be
// walked back to the agreement that ultimately authorized it.
//
// Open Question (spec "Open Questions": whether maxDelegationDepth is
// enforced strictly on creation or lazily at spend time) is resolved here as
// strict creation-time enforcement: a delegation that would exceed the
// agreement's maxDepth or whose budgetCapCents exceeds its parent's
// remaining budget is rejected before it is ever recorded, so no delegation
// that violates the tree's invariants can exist even transiently.
type Delegation struct {
	DelegationID       string
	TenantID           string
	ParentDelegationID string // empty for a root delegation
	RootDelegationID   string // equals DelegationID for a root delegation
	DelegationHash     string
	BudgetCapCents     int64
	DelegationDepth    int // 0 for root
}

// AgreementTree holds an agreement's delegation nodes, keyed by
// (tenantID, delegationID), and enforces maxDepth/budget invariants on insert.
type AgreementTree struct {
	mu        sync.Mutex
	maxDepth  int
	nodes     map[string]*Delegation
	remaining map[string]int64 // delegationID -> budget not yet sub-delegated
}

// NewAgreementTree returns an empty tree enforcing maxDepth on every
// CreateDelegation call.
func NewAgreementTree(maxDepth int) *AgreementTree {
	return &AgreementTree{
		maxDepth:  maxDepth,
		nodes:     make(map[string]*Delegation),
		remaining: make(map[string]int64),
	}
}

func delegationKey(tenantID, delegationID string) string { return tenantID + "/" + delegationID }

// CreateRoot records a root delegation (depth 0) with the given budget cap.
func (t *AgreementTree) CreateRoot(d Delegation) (*Delegation, error) {
	if d.TenantID == "" {
		return nil, kernelerr.New(kernelerr.CodeTenantRequired, "tenantId is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	d.ParentDelegationID = ""
	d.RootDelegationID = d.DelegationID
	d.DelegationDepth = 0

	key := delegationKey(d.TenantID, d.DelegationID)
	t.nodes[key] = &d
	t.remaining[key] = d.BudgetCapCents

	out := d
	return &out, nil
}

// CreateDelegation records a child delegation under parentID, enforcing
// strictly at creation time that depth stays within maxDepth and that
// budgetCapCents does not exceed the parent's remaining (un-sub-delegated)
// budget. Both checks happen before the node is recorded; a rejected
// delegation never partially exists in the tree.
func (t *AgreementTree) CreateDelegation(tenantID, parentDelegationID string, d Delegation) (*Delegation, error) {
	if tenantID == "" {
		return nil, kernelerr.New(kernelerr.CodeTenantRequired, "tenantId is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	parentKey := delegationKey(tenantID, parentDelegationID)
	parent, ok := t.nodes[parentKey]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeNotFound, "parent delegation not found").
			WithDetails(map[string]interface{}{"tenantId": tenantID, "parentDelegationId": parentDelegationID})
	}

	depth := parent.DelegationDepth + 1
	if depth > t.maxDepth {
		return nil, kernelerr.New(kernelerr.CodeDelegationDepthExceeded, "delegation would exceed maxDelegationDepth").
			WithDetails(map[string]interface{}{"tenantId": tenantID, "depth": depth, "maxDepth": t.maxDepth})
	}

	if d.BudgetCapCents > t.remaining[parentKey] {
		return nil, kernelerr.New(kernelerr.CodeDelegationBudgetExceeded, "delegation budgetCapCents exceeds parent's remaining budget").
			WithDetails(map[string]interface{}{"tenantId": tenantID, "requested": d.BudgetCapCents, "remaining": t.remaining[parentKey]})
	}

	d.TenantID = tenantID
	d.ParentDelegationID = parentDelegationID
	d.RootDelegationID = parent.RootDelegationID
	d.DelegationDepth = depth

	key := delegationKey(tenantID, d.DelegationID)
	t.nodes[key] = &d
	t.remaining[key] = d.BudgetCapCents
	t.remaining[parentKey] -= d.BudgetCapCents

	out := d
	return &out, nil
}

// Get returns a copy of a recorded delegation.
func (t *AgreementTree) Get(tenantID, delegationID string) (*Delegation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.nodes[delegationKey(tenantID, delegationID)]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeNotFound, "delegation not found")
	}
	cp := *d
	return &cp, nil
}

// ChainToRoot walks a delegation's parent pointers back to its root,
// returning the chain root-first.
func (t *AgreementTree) ChainToRoot(tenantID, delegationID string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var chain []string
	visited := make(map[string]bool)
	cur := delegationID
	for cur != "" {
		key := delegationKey(tenantID, cur)
		if visited[key] {
			return nil, kernelerr.New(kernelerr.CodeSchemaInvalid, "delegation chain contains a cycle")
		}
		visited[key] = true
		node, ok := t.nodes[key]
		if !ok {
			return nil, kernelerr.New(kernelerr.CodeNotFound, "delegation not found while walking chain")
		}
		chain = append([]string{cur}, chain...)
		cur = node.ParentDelegationID
	}
	return chain, nil
}
