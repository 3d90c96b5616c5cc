package reversal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settle/pkg/crypto"
	"github.com/nooterra/settle/pkg/kernelerr"
	"github.com/nooterra/settle/pkg/settlement"
	"github.com/nooterra/settle/pkg/wallet"
)

func mustCode(t *testing.T, err error) kernelerr.Code {
	t.Helper()
	return kernelerr.CodeOf(err)
}

func TestReversalSubmitIdempotentReplay(t *testing.T) {
	store := NewStore()
	hash, err := HashPayload(map[string]interface{}{"amountCents": 100})
	require.NoError(t, err)

	cmd1, created, err := store.Submit(Command{TenantID: "t1", CommandID: "cmd-1", GateID: "g1", PayloadHash: hash})
	require.NoError(t, err)
	require.True(t, created)

	cmd2, created, err := store.Submit(Command{TenantID: "t1", CommandID: "cmd-1", GateID: "g1", PayloadHash: hash})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, cmd1.CommandID, cmd2.CommandID)
}

func TestReversalSubmitPayloadMismatchConflict(t *testing.T) {
	store := NewStore()
	h1, _ := HashPayload(map[string]interface{}{"amountCents": 100})
	h2, _ := HashPayload(map[string]interface{}{"amountCents": 200})

	_, _, err := store.Submit(Command{TenantID: "t1", CommandID: "cmd-1", GateID: "g1", PayloadHash: h1})
	require.NoError(t, err)

	_, _, err = store.Submit(Command{TenantID: "t1", CommandID: "cmd-1", GateID: "g1", PayloadHash: h2})
	require.Error(t, err)
}

func TestDisputeAndArbitrationFlow(t *testing.T) {
	ds := NewDisputeStore()
	_, err := ds.OpenDispute(Dispute{TenantID: "t1", DisputeID: "d1", GateID: "g1"})
	require.NoError(t, err)

	_, err = ds.OpenArbitration(ArbitrationCase{TenantID: "t1", CaseID: "c1", DisputeID: "d1"})
	require.NoError(t, err)

	v, err := ds.RecordVerdict(Verdict{TenantID: "t1", CaseID: "c1", VerdictID: "v1", Outcome: "upheld"})
	require.NoError(t, err)
	require.Equal(t, "upheld", v.Outcome)

	_, err = ds.RecordVerdict(Verdict{TenantID: "t1", CaseID: "c1", VerdictID: "v2", Outcome: "overturned"})
	require.Error(t, err, "a case may only have one recorded verdict")
}

func TestCloseDisputeRequiresMatchingBindingEvidence(t *testing.T) {
	ds := NewDisputeStore()
	_, err := ds.OpenDispute(Dispute{TenantID: "t1", DisputeID: "d1", GateID: "g1"})
	require.NoError(t, err)

	_, err = ds.CloseDispute("t1", "d1", nil, "abc123")
	require.Error(t, err)
	require.Equal(t, kernelerr.CodeDisputeEvidenceRequired, kernelerr.CodeOf(err))

	_, err = ds.CloseDispute("t1", "d1", []string{"http:request_sha256:wrong"}, "abc123")
	require.Error(t, err)
	require.Equal(t, kernelerr.CodeDisputeEvidenceMismatch, kernelerr.CodeOf(err))

	d, err := ds.CloseDispute("t1", "d1", []string{"http:request_sha256:abc123"}, "abc123")
	require.NoError(t, err)
	require.Equal(t, DisputeClosed, d.Status)
}

func TestApplyVerdictSplitsFundsByReleaseRatePct(t *testing.T) {
	ctx := context.Background()
	ws := wallet.NewMemStore()
	gs := settlement.NewStore()

	_, err := ws.Provision("t1", "payer", "usd")
	require.NoError(t, err)
	_, err = ws.Provision("t1", "payee", "usd")
	require.NoError(t, err)
	payer, err := ws.Get("t1", "payer")
	require.NoError(t, err)
	payer.AvailableCents = 1_000
	require.NoError(t, ws.Put(payer))

	_, err = gs.Create(ctx, ws, settlement.Gate{GateID: "g1", TenantID: "t1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 1_000, Currency: "usd"})
	require.NoError(t, err)
	_, err = gs.Authorize("t1", "g1", nil)
	require.NoError(t, err)
	_, err = gs.BeginVerify("t1", "g1")
	require.NoError(t, err)
	_, err = gs.Verify(ctx, ws, nil, "t1", "g1", settlement.VerifyInput{
		VerificationStatus: settlement.VerificationGreen,
		Policy:             settlement.VerifyPolicy{Green: settlement.ColourPolicy{AutoRelease: true, ReleaseRatePct: 100}},
	})
	require.NoError(t, err)

	_, err = gs.Dispute("t1", "g1")
	require.NoError(t, err)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ring := crypto.NewKeyRing()
	ring.AddKey(kp)

	g, sealed, err := ApplyVerdict(ctx, ws, gs, "t1", Verdict{TenantID: "t1", CaseID: "c1", VerdictID: "v1", GateID: "g1", Outcome: "split", ReleaseRatePct: 70}, ring)
	require.NoError(t, err)
	require.Equal(t, settlement.StatusArbitrated, g.Status)
	require.Equal(t, "split", sealed["outcome"])
	require.NotEmpty(t, sealed["verdictHash"])

	payee, err := ws.Get("t1", "payee")
	require.NoError(t, err)
	require.Equal(t, int64(700), payee.AvailableCents)

	payer, err = ws.Get("t1", "payer")
	require.NoError(t, err)
	require.Equal(t, int64(300), payer.AvailableCents)
}

func TestArbitrationAppealChain(t *testing.T) {
	idx := NewAppealIndex()

	a1, err := idx.File(Appeal{TenantID: "t1", AppealID: "a1", ParentCaseID: "c1"})
	require.NoError(t, err)
	require.Equal(t, "open", a1.Status)

	a2, err := idx.File(Appeal{TenantID: "t1", AppealID: "a2", ParentAppealID: "a1"})
	require.NoError(t, err)

	chain, err := idx.ValidateChain("t1", a2.AppealID)
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "a2"}, chain)

	kids := idx.ChildrenOfCase("t1", "c1")
	require.Equal(t, []string{"a1"}, kids)
}

func TestAgreementTreeEnforcesDepthAndBudgetAtCreation(t *testing.T) {
	tree := NewAgreementTree(2)

	root, err := tree.CreateRoot(Delegation{TenantID: "t1", DelegationID: "root", BudgetCapCents: 1000})
	require.NoError(t, err)
	require.Equal(t, 0, root.DelegationDepth)

	child, err := tree.CreateDelegation("t1", "root", Delegation{DelegationID: "child", BudgetCapCents: 400})
	require.NoError(t, err)
	require.Equal(t, 1, child.DelegationDepth)
	require.Equal(t, "root", child.RootDelegationID)

	_, err = tree.CreateDelegation("t1", "child", Delegation{DelegationID: "grandchild", BudgetCapCents: 100})
	require.NoError(t, err)

	_, err = tree.CreateDelegation("t1", "grandchild", Delegation{DelegationID: "too-deep", BudgetCapCents: 10})
	require.Error(t, err)
	require.Equal(t, "DELEGATION_DEPTH_EXCEEDED", string(mustCode(t, err)))

	_, err = tree.CreateDelegation("t1", "root", Delegation{DelegationID: "over-budget", BudgetCapCents: 10_000})
	require.Error(t, err)
	require.Equal(t, "DELEGATION_BUDGET_EXCEEDED", string(mustCode(t, err)))

	chain, err := tree.ChainToRoot("t1", "grandchild")
	require.NoError(t, err)
	require.Equal(t, []string{"root", "child", "grandchild"}, chain)
}

func TestAppealRequiresExactlyOneParent(t *testing.T) {
	idx := NewAppealIndex()
	_, err := idx.File(Appeal{TenantID: "t1", AppealID: "bad"})
	require.Error(t, err)

	_, err = idx.File(Appeal{TenantID: "t1", AppealID: "bad2", ParentCaseID: "c1", ParentAppealID: "a1"})
	require.Error(t, err)
}
