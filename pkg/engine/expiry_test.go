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

func TestExpireDue_NothingDue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)

	_, err := e.engine.OpenCancellation(ctx, c.ID, clientID, "changed my mind entirely")
	require.NoError(t, err)

	res, err := e.engine.ExpireDue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due)
	assert.Equal(t, 0, res.Transitions)
}

func TestExpireDue_ForcesAcceptanceAndIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)

	tk, err := e.engine.OpenCancellation(ctx, c.ID, clientID, "changed my mind entirely")
	require.NoError(t, err)

	e.clock.Advance(e.engine.Policies().ResponseWindow + time.Minute)

	res, err := e.engine.ExpireDue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Due)
	assert.Equal(t, 1, res.Transitions)
	assert.Equal(t, 0, res.Errors)

	got, err := e.store.GetCancellation(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.CancelForcedAccepted, got.Status)

	// A second sweep finds nothing to do; a restarted or overlapping
	// sweeper never double-fires a transition.
	res, err = e.engine.ExpireDue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Transitions)

	got2, err := e.store.GetCancellation(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, got.ResolvedAt, got2.ResolvedAt)
}

func TestExpireDue_FavorCounterpartyRejects(t *testing.T) {
	p := engine.DefaultPolicies()
	p.CancellationExpiry = engine.ForceFavorCounterparty
	p.RevisionExpiry = engine.ForceFavorCounterparty
	e := newEnv(t, engine.WithPolicies(p))
	ctx := context.Background()
	c := e.newContract(t)

	cancel, err := e.engine.OpenCancellation(ctx, c.ID, clientID, "changed my mind entirely")
	require.NoError(t, err)

	e.clock.Advance(p.ResponseWindow + time.Minute)
	_, err = e.engine.ExpireDue(ctx, 0)
	require.NoError(t, err)

	got, err := e.store.GetCancellation(ctx, cancel.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.CancelRejected, got.Status)
	assert.NotEmpty(t, got.RejectionReason)
}

func TestExpireDue_EscalatesToResolution(t *testing.T) {
	p := engine.DefaultPolicies()
	p.CancellationExpiry = engine.ForceEscalate
	e := newEnv(t, engine.WithPolicies(p))
	ctx := context.Background()
	c := e.newContract(t)

	cancel, err := e.engine.OpenCancellation(ctx, c.ID, clientID, "changed my mind entirely")
	require.NoError(t, err)

	e.clock.Advance(p.ResponseWindow + time.Minute)
	res, err := e.engine.ExpireDue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Transitions)

	got, err := e.store.GetCancellation(ctx, cancel.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.CancelDisputed, got.Status)

	// An awaiting-review dispute now targets the ticket, and the
	// contract is marked disputed.
	dispute, err := e.store.FindActiveResolutionForTarget(ctx, cancel.ID)
	require.NoError(t, err)
	require.NotNil(t, dispute)
	assert.Equal(t, contracts.ResolutionAwaitingReview, dispute.Status)
	assert.Equal(t, contracts.PartyClient, dispute.SubmittedBy)

	gotC, err := e.engine.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractDisputed, gotC.Status)

	// The admin can resolve the escalated dispute directly.
	_, err = e.engine.ResolveDispute(ctx, dispute.ID, adminID, contracts.FavorClient, "no artist response on record")
	require.NoError(t, err)
	got, err = e.store.GetCancellation(ctx, cancel.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.CancelForcedAccepted, got.Status)
}

func TestExpireDue_RevisionSilenceAccepts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)

	rev, err := e.engine.OpenRevision(ctx, c.ID, clientID, "soften the lighting", nil, 0)
	require.NoError(t, err)

	e.clock.Advance(e.engine.Policies().ResponseWindow + time.Minute)
	_, err = e.engine.ExpireDue(ctx, 0)
	require.NoError(t, err)

	got, err := e.store.GetRevision(ctx, rev.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RevisionAccepted, got.Status)
	assert.NotNil(t, got.ResolvedAt, "a free revision resolves on forced acceptance")
}

func TestExpireDue_ChangePhases(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Artist silence accepts the change for free and applies it.
	c1 := e.newContract(t)
	ch1, err := e.engine.OpenChange(ctx, c1.ID, clientID, "scope grew", contracts.ChangeSet{
		Description: strptr("two characters instead of one"),
	})
	require.NoError(t, err)

	e.clock.Advance(e.engine.Policies().ResponseWindow + time.Minute)
	_, err = e.engine.ExpireDue(ctx, 0)
	require.NoError(t, err)

	got1, err := e.store.GetChange(ctx, ch1.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ChangeForcedAcceptedArtist, got1.Status)
	assert.True(t, got1.Applied)

	gotC1, err := e.engine.GetContract(ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, "two characters instead of one", gotC1.CurrentTerms().Description)

	// Client silence on a proposed fee accepts the fee but applies
	// nothing until payment confirms.
	c2 := e.newContract(t)
	ch2, err := e.engine.OpenChange(ctx, c2.ID, clientID, "scope grew", contracts.ChangeSet{
		Description: strptr("add a companion animal"),
	})
	require.NoError(t, err)
	ch2, err = e.engine.RespondChangeArtist(ctx, ch2.ID, artistID, engine.ChangeRespPropose, 30000, "")
	require.NoError(t, err)

	e.clock.Advance(e.engine.Policies().ResponseWindow + time.Minute)
	_, err = e.engine.ExpireDue(ctx, 0)
	require.NoError(t, err)

	got2, err := e.store.GetChange(ctx, ch2.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ChangeForcedAcceptedClient, got2.Status)
	assert.False(t, got2.Applied)

	// The forced-accepted fee is still payable.
	got2, err = e.engine.PayChange(ctx, ch2.ID, clientID)
	require.NoError(t, err)
	require.NoError(t, e.engine.ConfirmCharge(ctx, got2.EscrowIntentID))

	gotC2, err := e.engine.GetContract(ctx, c2.ID)
	require.NoError(t, err)
	assert.Equal(t, "add a companion animal", gotC2.CurrentTerms().Description)
}

func TestExpireDue_ResolutionMovesToReview(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)
	cancel := rejectedCancellation(t, e, c.ID)

	tk, err := e.engine.OpenResolution(ctx, c.ID, clientID, contracts.TargetCancel, cancel.ID,
		"the artist ignored the style references", nil)
	require.NoError(t, err)

	e.clock.Advance(e.engine.Policies().CounterWindow + time.Minute)
	res, err := e.engine.ExpireDue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Transitions)

	got, err := e.store.GetResolution(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ResolutionAwaitingReview, got.Status)
	assert.Empty(t, got.CounterDescription, "uncountered")
}

func TestExpireDue_HonorsBatchLimit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c := e.newContract(t)
		_, err := e.engine.OpenCancellation(ctx, c.ID, clientID, "each of these will expire")
		require.NoError(t, err)
	}

	e.clock.Advance(e.engine.Policies().ResponseWindow + time.Minute)

	res, err := e.engine.ExpireDue(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Due)
	assert.Equal(t, 2, res.Transitions)

	res, err = e.engine.ExpireDue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Transitions)
}

func TestExpireDue_RaceLosesBecomeSkips(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newContract(t)

	tk, err := e.engine.OpenCancellation(ctx, c.ID, clientID, "changed my mind entirely")
	require.NoError(t, err)

	e.clock.Advance(e.engine.Policies().ResponseWindow + time.Minute)

	// Another writer transitions the ticket between the due query and
	// the sweep's lock acquisition; simulate by transitioning first.
	stored, err := e.store.GetCancellation(ctx, tk.ID)
	require.NoError(t, err)
	now := e.clock.Now()
	stored.Status = contracts.CancelAccepted
	stored.ResolvedAt = &now
	require.NoError(t, e.store.PutCancellation(ctx, stored))

	res, err := e.engine.ExpireDue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Transitions)
	assert.Equal(t, 0, res.Errors)
}
