package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
	"github.com/Artifex-Works/patron/core/pkg/engine"
)

const adminID = "admin-1"

// rejectedCancellation opens a client cancellation, has the artist
// reject it, and returns the rejected ticket.
func rejectedCancellation(t *testing.T, e *env, contractID string) *contracts.CancellationTicket {
	t.Helper()
	ctx := context.Background()
	tk, err := e.engine.OpenCancellation(ctx, contractID, clientID, "the work stopped matching the brief")
	require.NoError(t, err)
	tk, err = e.engine.RespondCancellation(ctx, tk.ID, artistID, engine.DecisionReject, "the brief allows artistic interpretation")
	require.NoError(t, err)
	return tk
}

func TestOpenResolution(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)
	cancel := rejectedCancellation(t, e, c.ID)

	tk, err := e.engine.OpenResolution(ctx, c.ID, clientID, contracts.TargetCancel, cancel.ID,
		"the artist ignored three written style references", []string{"upload://ref-diff"})
	require.NoError(t, err)
	assert.Equal(t, contracts.ResolutionOpen, tk.Status)
	assert.Equal(t, contracts.PartyClient, tk.SubmittedBy)
	assert.Equal(t, contracts.PartyArtist, tk.Counterparty)
	assert.Equal(t, e.clock.Now().Add(e.engine.Policies().CounterWindow), tk.CounterExpiresAt)

	got, err := e.engine.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractDisputed, got.Status)

	// The target can only carry one live dispute.
	_, err = e.engine.OpenResolution(ctx, c.ID, clientID, contracts.TargetCancel, cancel.ID,
		"raising this a second time", nil)
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err))
}

func TestOpenResolution_Rejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)
	cancel := rejectedCancellation(t, e, c.ID)

	_, err := e.engine.OpenResolution(ctx, c.ID, clientID, contracts.TargetCancel, cancel.ID, "  ", nil)
	assert.Equal(t, engine.KindValidationFailed, engine.KindOf(err), "blank description")

	tooMany := make([]string, contracts.MaxCounterProofImages+1)
	_, err = e.engine.OpenResolution(ctx, c.ID, clientID, contracts.TargetCancel, cancel.ID, "too much evidence", tooMany)
	assert.Equal(t, engine.KindValidationFailed, engine.KindOf(err), "image cap")

	_, err = e.engine.OpenResolution(ctx, c.ID, clientID, contracts.TargetCancel, "no-such-ticket", "ghost target", nil)
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err), "unknown target")

	_, err = e.engine.OpenResolution(ctx, c.ID, clientID, "invoice", cancel.ID, "weird target type", nil)
	assert.Equal(t, engine.KindValidationFailed, engine.KindOf(err), "unknown target type")

	// Target belonging to another contract.
	other := e.newContract(t)
	_, err = e.engine.OpenResolution(ctx, other.ID, clientID, contracts.TargetCancel, cancel.ID, "wrong contract entirely", nil)
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err))
}

func TestSubmitCounterproof(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)
	cancel := rejectedCancellation(t, e, c.ID)

	tk, err := e.engine.OpenResolution(ctx, c.ID, clientID, contracts.TargetCancel, cancel.ID,
		"the artist ignored the style references", nil)
	require.NoError(t, err)

	// Only the counterparty counters.
	_, err = e.engine.SubmitCounterproof(ctx, tk.ID, clientID, "countering my own dispute", nil)
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err))

	tk, err = e.engine.SubmitCounterproof(ctx, tk.ID, artistID,
		"reference sheet was followed, see overlay", []string{"upload://overlay"})
	require.NoError(t, err)
	assert.Equal(t, contracts.ResolutionAwaitingReview, tk.Status, "counterproof ends the window")

	// Once is the limit.
	_, err = e.engine.SubmitCounterproof(ctx, tk.ID, artistID, "one more thing", nil)
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err))
}

func TestSubmitCounterproof_WindowElapsed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)
	cancel := rejectedCancellation(t, e, c.ID)

	tk, err := e.engine.OpenResolution(ctx, c.ID, clientID, contracts.TargetCancel, cancel.ID,
		"the artist ignored the style references", nil)
	require.NoError(t, err)

	e.clock.Advance(e.engine.Policies().CounterWindow + time.Minute)
	_, err = e.engine.SubmitCounterproof(ctx, tk.ID, artistID, "late but thorough evidence", nil)
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err))
}

func TestCancelResolution_RestoresContract(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)
	cancel := rejectedCancellation(t, e, c.ID)

	tk, err := e.engine.OpenResolution(ctx, c.ID, clientID, contracts.TargetCancel, cancel.ID,
		"the artist ignored the style references", nil)
	require.NoError(t, err)

	_, err = e.engine.CancelResolution(ctx, tk.ID, artistID)
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err), "only the submitter withdraws")

	tk, err = e.engine.CancelResolution(ctx, tk.ID, clientID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ResolutionCancelled, tk.Status)

	got, err := e.engine.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractActive, got.Status)

	// The rejected cancellation itself is untouched.
	gotCancel, err := e.store.GetCancellation(ctx, cancel.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.CancelRejected, gotCancel.Status)
}

func TestResolveDispute_FavorsRequesterOnCancelTarget(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)
	cancel := rejectedCancellation(t, e, c.ID)

	tk, err := e.engine.OpenResolution(ctx, c.ID, clientID, contracts.TargetCancel, cancel.ID,
		"the artist ignored the style references", nil)
	require.NoError(t, err)

	// Cannot resolve while the counter window runs.
	_, err = e.engine.ResolveDispute(ctx, tk.ID, adminID, contracts.FavorClient, "reviewed both sides")
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err))

	tk, err = e.engine.SubmitCounterproof(ctx, tk.ID, artistID, "reference sheet was followed", nil)
	require.NoError(t, err)

	_, err = e.engine.ResolveDispute(ctx, tk.ID, adminID, "split", "no such verdict")
	assert.Equal(t, engine.KindValidationFailed, engine.KindOf(err))
	_, err = e.engine.ResolveDispute(ctx, tk.ID, adminID, contracts.FavorClient, "")
	assert.Equal(t, engine.KindValidationFailed, engine.KindOf(err), "note required")

	tk, err = e.engine.ResolveDispute(ctx, tk.ID, adminID, contracts.FavorClient, "the references are unambiguous")
	require.NoError(t, err)
	assert.Equal(t, contracts.ResolutionResolved, tk.Status)
	assert.Equal(t, contracts.FavorClient, tk.Decision)

	// The verdict propagated: the cancellation the client requested is
	// force-accepted and the contract is active pending settlement.
	gotCancel, err := e.store.GetCancellation(ctx, cancel.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.CancelForcedAccepted, gotCancel.Status)

	got, err := e.engine.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractActive, got.Status)

	// Resolving twice is blocked.
	_, err = e.engine.ResolveDispute(ctx, tk.ID, adminID, contracts.FavorClient, "re-reading the verdict")
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err))
}

func TestResolveDispute_FavorsArtistOnRevisionTarget(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)

	rev, err := e.engine.OpenRevision(ctx, c.ID, clientID, "redo the shading", nil, 0)
	require.NoError(t, err)
	rev, err = e.engine.RespondRevision(ctx, rev.ID, artistID, engine.DecisionReject, "shading matches the approved sketch")
	require.NoError(t, err)

	tk, err := e.engine.OpenResolution(ctx, c.ID, clientID, contracts.TargetRevision, rev.ID,
		"the shading differs from the approved sketch", nil)
	require.NoError(t, err)
	tk, err = e.engine.SubmitCounterproof(ctx, tk.ID, artistID, "side-by-side against the approved sketch", nil)
	require.NoError(t, err)

	_, err = e.engine.ResolveDispute(ctx, tk.ID, adminID, contracts.FavorArtist, "the sketch comparison is conclusive")
	require.NoError(t, err)

	gotRev, err := e.store.GetRevision(ctx, rev.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RevisionRejected, gotRev.Status)
}

func TestResolveDispute_CancellationProofSettles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)
	acceptCancellation(t, e, c.ID, contracts.PartyClient)

	p, err := e.engine.SubmitCancellationProof(ctx, c.ID, artistID, []string{"upload://wip"}, 50)
	require.NoError(t, err)

	// The artist disputes the client's stalling on review.
	tk, err := e.engine.OpenResolution(ctx, c.ID, artistID, contracts.TargetFinal, p.ID,
		"the client will not review the cancellation proof", nil)
	require.NoError(t, err)
	tk, err = e.engine.SubmitCounterproof(ctx, tk.ID, clientID, "the uploads do not show half the work", nil)
	require.NoError(t, err)

	_, err = e.engine.ResolveDispute(ctx, tk.ID, adminID, contracts.FavorArtist, "uploads substantiate fifty percent")
	require.NoError(t, err)

	// The settlement ran: proof accepted, contract cancelled, funds
	// split per the fifty percent figure (10% fee on 500,000).
	gotProof, err := e.store.GetProof(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProofAccepted, gotProof.Status)

	got, err := e.engine.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractCancelled, got.Status)

	intents := e.gateway.Intents()
	require.Len(t, intents, 2)
	var artistMinor, clientMinor int64
	for _, in := range intents {
		switch in.PartyID {
		case artistID:
			artistMinor = in.Amount.AmountMinor
		case clientID:
			clientMinor = in.Amount.AmountMinor
		}
	}
	assert.Equal(t, int64(300000), artistMinor, "half the total plus the fee")
	assert.Equal(t, int64(200000), clientMinor)
}

func TestResolveDispute_FinalDeliverySettles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)

	p, err := e.engine.SubmitFinalDelivery(ctx, c.ID, artistID, []string{"upload://final"})
	require.NoError(t, err)

	// The artist disputes the client's silence on the delivery.
	tk, err := e.engine.OpenResolution(ctx, c.ID, artistID, contracts.TargetFinal, p.ID,
		"the client will not review the final delivery", nil)
	require.NoError(t, err)
	tk, err = e.engine.SubmitCounterproof(ctx, tk.ID, clientID, "the delivery misses the agreed background", nil)
	require.NoError(t, err)

	_, err = e.engine.ResolveDispute(ctx, tk.ID, adminID, contracts.FavorArtist, "the delivery matches the terms")
	require.NoError(t, err)

	// The verdict completes the contract like a client acceptance would.
	gotProof, err := e.store.GetProof(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProofAccepted, gotProof.Status)

	got, err := e.engine.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractCompleted, got.Status)

	intents := e.gateway.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, artistID, intents[0].PartyID)
	assert.Equal(t, int64(500000), intents[0].Amount.AmountMinor, "full total goes to the artist")
}

func TestOpenResolution_SettledContractRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)

	p, err := e.engine.SubmitFinalDelivery(ctx, c.ID, artistID, []string{"upload://final"})
	require.NoError(t, err)
	_, err = e.engine.ReviewFinalDelivery(ctx, p.ID, clientID, engine.DecisionAccept, "")
	require.NoError(t, err)

	_, err = e.engine.OpenResolution(ctx, c.ID, clientID, contracts.TargetFinal, p.ID,
		"second thoughts about the accepted delivery", nil)
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err))

	got, err := e.engine.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractCompleted, got.Status)
}

func TestOpenResolution_ReviewedProofRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)

	p, err := e.engine.SubmitFinalDelivery(ctx, c.ID, artistID, []string{"upload://final"})
	require.NoError(t, err)
	_, err = e.engine.ReviewFinalDelivery(ctx, p.ID, clientID, engine.DecisionReject, "the background is missing")
	require.NoError(t, err)

	// A reviewed upload is no longer a disputable target.
	_, err = e.engine.OpenResolution(ctx, c.ID, artistID, contracts.TargetFinal, p.ID,
		"the background was never part of the terms", nil)
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err))
}

func TestCancelResolution_KeepsConcurrentDisputeMarked(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)
	cancel := rejectedCancellation(t, e, c.ID)

	rev, err := e.engine.OpenRevision(ctx, c.ID, clientID, "redo the shading", nil, 0)
	require.NoError(t, err)
	rev, err = e.engine.RespondRevision(ctx, rev.ID, artistID, engine.DecisionReject, "shading matches the approved sketch")
	require.NoError(t, err)

	first, err := e.engine.OpenResolution(ctx, c.ID, clientID, contracts.TargetCancel, cancel.ID,
		"the artist ignored the style references", nil)
	require.NoError(t, err)
	second, err := e.engine.OpenResolution(ctx, c.ID, clientID, contracts.TargetRevision, rev.ID,
		"the shading differs from the approved sketch", nil)
	require.NoError(t, err)

	// Withdrawing the later dispute leaves the earlier one marked.
	_, err = e.engine.CancelResolution(ctx, second.ID, clientID)
	require.NoError(t, err)
	got, err := e.engine.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractDisputed, got.Status)

	_, err = e.engine.CancelResolution(ctx, first.ID, clientID)
	require.NoError(t, err)
	got, err = e.engine.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractActive, got.Status)
}
