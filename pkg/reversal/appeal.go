package reversal

import (
	"sync"
	"time"

	"github.com/nooterra/settle/pkg/kernelerr"
)

// Appeal is a node in the arbitration appeal structure: each appeal points
// to exactly one parent (either the original ArbitrationCase or another
// Appeal), forming a tree. Forward child lookup is a materialized index
// (childIndex below), not derived by walking pointers at read time — spec
// §9 calls this out explicitly as the chosen representation, to avoid any
// in-memory cycle risk from a naively bidirectional graph.
type Appeal struct {
	AppealID       string
	TenantID       string
	ParentCaseID   string // set when the parent is the ArbitrationCase itself
	ParentAppealID string // set when the parent is another Appeal
	Status         string // "open" | "resolved"
	Outcome        string
	CreatedAt      time.Time
}

// AppealIndex stores appeals and the forward child index, and validates
// that every appeal resolves to exactly one root case by walking parent
// pointers with a visited-set cycle guard.
type AppealIndex struct {
	mu       sync.Mutex
	appeals  map[string]*Appeal // key tenantID/appealID
	children map[string][]string // key tenantID/parentKey -> []appealKey, parentKey is either "case:ID" or "appeal:ID"
}

func NewAppealIndex() *AppealIndex {
	return &AppealIndex{
		appeals:  make(map[string]*Appeal),
		children: make(map[string][]string),
	}
}

func caseParentKey(tenantID, caseID string) string   { return dKey(tenantID, "case:"+caseID) }
func appealParentKey(tenantID, appealID string) string { return dKey(tenantID, "appeal:"+appealID) }

// File records a new appeal against either an ArbitrationCase or an
// existing Appeal (exactly one of ParentCaseID/ParentAppealID must be set),
// and materializes the forward child-index entry for its parent.
func (idx *AppealIndex) File(a Appeal) (*Appeal, error) {
	if a.TenantID == "" {
		return nil, kernelerr.New(kernelerr.CodeTenantRequired, "tenantId is required")
	}
	if (a.ParentCaseID == "") == (a.ParentAppealID == "") {
		return nil, kernelerr.New(kernelerr.CodeSchemaInvalid, "appeal must have exactly one parent: a case or another appeal")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := dKey(a.TenantID, a.AppealID)
	if _, exists := idx.appeals[key]; exists {
		return nil, kernelerr.New(kernelerr.CodeSchemaInvalid, "appealId already exists")
	}

	var parentKey string
	if a.ParentCaseID != "" {
		parentKey = caseParentKey(a.TenantID, a.ParentCaseID)
	} else {
		parentAppealKey := dKey(a.TenantID, a.ParentAppealID)
		if _, ok := idx.appeals[parentAppealKey]; !ok {
			return nil, kernelerr.New(kernelerr.CodeNotFound, "parent appeal not found")
		}
		parentKey = appealParentKey(a.TenantID, a.ParentAppealID)
	}

	a.Status = "open"
	a.CreatedAt = time.Now().UTC()

	cp := a
	idx.appeals[key] = &cp
	idx.children[parentKey] = append(idx.children[parentKey], key)

	out := cp
	return &out, nil
}

// ChildrenOfCase returns the appealIDs filed directly against a case.
func (idx *AppealIndex) ChildrenOfCase(tenantID, caseID string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return append([]string(nil), idx.children[caseParentKey(tenantID, caseID)]...)
}

// ChildrenOfAppeal returns the appealIDs filed directly against another appeal.
func (idx *AppealIndex) ChildrenOfAppeal(tenantID, appealID string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return append([]string(nil), idx.children[appealParentKey(tenantID, appealID)]...)
}

// ValidateChain walks appealID's parent pointers back to its root case,
// guarding against cycles with a visited set (grounded on proofgraph's
// walkValidate). Returns the unbroken chain of appealIDs from root to leaf,
// or an error if a cycle or a dangling parent is found.
func (idx *AppealIndex) ValidateChain(tenantID, appealID string) ([]string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	visited := make(map[string]bool)
	var chain []string
	cur := appealID
	for {
		key := dKey(tenantID, cur)
		if visited[key] {
			return nil, kernelerr.New(kernelerr.CodeSchemaInvalid, "appeal chain contains a cycle")
		}
		visited[key] = true

		a, ok := idx.appeals[key]
		if !ok {
			return nil, kernelerr.New(kernelerr.CodeNotFound, "appeal not found while walking chain")
		}
		chain = append([]string{cur}, chain...)

		if a.ParentCaseID != "" {
			return chain, nil
		}
		cur = a.ParentAppealID
	}
}
