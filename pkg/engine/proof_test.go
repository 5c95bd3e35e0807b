package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
	"github.com/Artifex-Works/patron/core/pkg/engine"
	"github.com/Artifex-Works/patron/core/pkg/escrow"
)

func TestSubmitMilestoneProof(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t, 30, 30, 40)

	p, err := e.engine.SubmitMilestoneProof(ctx, c.ID, artistID, 0, []string{"upload://sketch"})
	require.NoError(t, err)
	assert.Equal(t, contracts.ProofMilestone, p.Kind)
	require.NotNil(t, p.MilestoneIdx)
	assert.Equal(t, 0, *p.MilestoneIdx)
	assert.Equal(t, 30, p.WorkProgress, "first milestone's share")

	got, err := e.engine.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.MilestoneSubmitted, got.Milestones[0].Status)

	// A submission under review blocks a second one for the slot.
	_, err = e.engine.SubmitMilestoneProof(ctx, c.ID, artistID, 0, []string{"upload://sketch-v2"})
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err))
}

func TestSubmitMilestoneProof_Rejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t, 50, 50)

	_, err := e.engine.SubmitMilestoneProof(ctx, c.ID, artistID, 0, nil)
	assert.Equal(t, engine.KindValidationFailed, engine.KindOf(err), "no uploads")

	_, err = e.engine.SubmitMilestoneProof(ctx, c.ID, artistID, 9, []string{"upload://x"})
	assert.Equal(t, engine.KindValidationFailed, engine.KindOf(err), "index out of range")

	_, err = e.engine.SubmitMilestoneProof(ctx, c.ID, clientID, 0, []string{"upload://x"})
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err), "client cannot submit")
}

func TestReviewMilestoneProof_AcceptFreezesMilestone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t, 30, 30, 40)

	p, err := e.engine.SubmitMilestoneProof(ctx, c.ID, artistID, 0, []string{"upload://sketch"})
	require.NoError(t, err)

	// Only the client reviews.
	_, err = e.engine.ReviewMilestoneProof(ctx, p.ID, artistID, engine.DecisionAccept, "")
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err))

	p, err = e.engine.ReviewMilestoneProof(ctx, p.ID, clientID, engine.DecisionAccept, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.ProofAccepted, p.Status)

	got, err := e.engine.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.MilestoneAccepted, got.Milestones[0].Status)
	assert.Equal(t, 30, got.AcceptedProgress())

	// Accepted milestones are immutable.
	_, err = e.engine.SubmitMilestoneProof(ctx, c.ID, artistID, 0, []string{"upload://sketch-v2"})
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err))

	// The next milestone's submission counts the accepted share.
	p2, err := e.engine.SubmitMilestoneProof(ctx, c.ID, artistID, 1, []string{"upload://lineart"})
	require.NoError(t, err)
	assert.Equal(t, 60, p2.WorkProgress)
}

func TestReviewMilestoneProof_RejectAllowsResubmission(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t, 50, 50)

	p, err := e.engine.SubmitMilestoneProof(ctx, c.ID, artistID, 0, []string{"upload://sketch"})
	require.NoError(t, err)

	_, err = e.engine.ReviewMilestoneProof(ctx, p.ID, clientID, engine.DecisionReject, "bad")
	assert.Equal(t, engine.KindValidationFailed, engine.KindOf(err), "reason below minimum length")

	p, err = e.engine.ReviewMilestoneProof(ctx, p.ID, clientID, engine.DecisionReject, "the pose does not match the brief")
	require.NoError(t, err)
	assert.Equal(t, contracts.ProofRejected, p.Status)

	got, err := e.engine.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.MilestoneRejected, got.Milestones[0].Status)

	// Rejected slots reopen.
	_, err = e.engine.SubmitMilestoneProof(ctx, c.ID, artistID, 0, []string{"upload://sketch-v2"})
	require.NoError(t, err)
}

func TestFinalDelivery_CompletesContract(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)

	p, err := e.engine.SubmitFinalDelivery(ctx, c.ID, artistID, []string{"upload://final"})
	require.NoError(t, err)
	assert.Equal(t, 100, p.WorkProgress)
	assert.False(t, p.ForCancellation)

	p, err = e.engine.ReviewFinalDelivery(ctx, p.ID, clientID, engine.DecisionAccept, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.ProofAccepted, p.Status)

	got, err := e.engine.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractCompleted, got.Status)

	// The full total releases to the artist.
	intents := e.gateway.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, escrow.IntentRelease, intents[0].Kind)
	assert.Equal(t, artistID, intents[0].PartyID)
	assert.Equal(t, int64(500000), intents[0].Amount.AmountMinor)
}

func TestSubmitFinalDelivery_BlockedByOpenCancellation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)

	_, err := e.engine.OpenCancellation(ctx, c.ID, clientID, "changed my mind entirely")
	require.NoError(t, err)

	_, err = e.engine.SubmitFinalDelivery(ctx, c.ID, artistID, []string{"upload://final"})
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err))
}

func TestReviewFinalDelivery_Reject(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)

	p, err := e.engine.SubmitFinalDelivery(ctx, c.ID, artistID, []string{"upload://final"})
	require.NoError(t, err)

	p, err = e.engine.ReviewFinalDelivery(ctx, p.ID, clientID, engine.DecisionReject, "the commissioned background is missing")
	require.NoError(t, err)
	assert.Equal(t, contracts.ProofRejected, p.Status)

	got, err := e.engine.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractActive, got.Status)
	assert.Empty(t, e.gateway.Intents())

	// Reviewing again is blocked, resubmitting is fine.
	_, err = e.engine.ReviewFinalDelivery(ctx, p.ID, clientID, engine.DecisionAccept, "")
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err))
	_, err = e.engine.SubmitFinalDelivery(ctx, c.ID, artistID, []string{"upload://final-v2"})
	require.NoError(t, err)
}

func TestReviewProof_Dispatches(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Milestone proof routes to the milestone review.
	c1 := e.newContract(t, 50, 50)
	mp, err := e.engine.SubmitMilestoneProof(ctx, c1.ID, artistID, 0, []string{"upload://sketch"})
	require.NoError(t, err)
	mp, err = e.engine.ReviewProof(ctx, mp.ID, clientID, engine.DecisionAccept, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.ProofAccepted, mp.Status)
	got1, err := e.engine.GetContract(ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.MilestoneAccepted, got1.Milestones[0].Status)

	// Cancellation proof routes to the settlement review.
	c2 := e.newContract(t)
	acceptCancellation(t, e, c2.ID, contracts.PartyClient)
	cp, err := e.engine.SubmitCancellationProof(ctx, c2.ID, artistID, []string{"upload://wip"}, 0)
	require.NoError(t, err)
	_, err = e.engine.ReviewProof(ctx, cp.ID, clientID, engine.DecisionAccept, "")
	require.NoError(t, err)
	got2, err := e.engine.GetContract(ctx, c2.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractCancelled, got2.Status)

	// Final delivery routes to completion.
	c3 := e.newContract(t)
	fp, err := e.engine.SubmitFinalDelivery(ctx, c3.ID, artistID, []string{"upload://final"})
	require.NoError(t, err)
	_, err = e.engine.ReviewProof(ctx, fp.ID, clientID, engine.DecisionAccept, "")
	require.NoError(t, err)
	got3, err := e.engine.GetContract(ctx, c3.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractCompleted, got3.Status)

	_, err = e.engine.ReviewProof(ctx, "missing", clientID, engine.DecisionAccept, "")
	assert.Equal(t, engine.KindPreconditionFailed, engine.KindOf(err))
}
