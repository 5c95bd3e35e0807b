package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
	"github.com/Artifex-Works/patron/core/pkg/finance"
	"github.com/Artifex-Works/patron/core/pkg/ledger"
)

// ReviewProof dispatches a proof review to the right flow based on
// what kind of proof it is: cancellation settlement, milestone, or
// final delivery.
func (e *Engine) ReviewProof(ctx context.Context, proofID, actorID string, decision ResponseDecision, rejectionReason string) (*contracts.ProofUpload, error) {
	p, err := e.store.GetProof(ctx, proofID)
	if err != nil {
		return nil, notFoundToPrecondition(err, "proof", proofID)
	}
	switch {
	case p.ForCancellation:
		return e.ReviewCancellationProof(ctx, proofID, actorID, decision, rejectionReason)
	case p.Kind == contracts.ProofMilestone:
		return e.ReviewMilestoneProof(ctx, proofID, actorID, decision, rejectionReason)
	default:
		return e.ReviewFinalDelivery(ctx, proofID, actorID, decision, rejectionReason)
	}
}

// SubmitMilestoneProof records the artist's upload for one milestone
// and marks the milestone submitted. Accepted milestones are immutable
// and cannot be resubmitted.
func (e *Engine) SubmitMilestoneProof(ctx context.Context, contractID, actorID string, milestoneIdx int, uploadRefs []string) (*contracts.ProofUpload, error) {
	if len(uploadRefs) == 0 {
		return nil, validation("at least one upload reference is required")
	}

	unlock := e.lock(contractID)
	defer unlock()

	c, err := e.contract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if actorID != c.ArtistID {
		return nil, precondition("only the artist may submit milestone proof")
	}
	if c.Status != contracts.ContractActive {
		return nil, precondition("contract %s is %s, not active", c.ID, c.Status)
	}
	if milestoneIdx < 0 || milestoneIdx >= len(c.Milestones) {
		return nil, validation("milestone index %d out of range [0, %d)", milestoneIdx, len(c.Milestones))
	}
	m := &c.Milestones[milestoneIdx]
	if m.Status == contracts.MilestoneAccepted {
		return nil, precondition("milestone %d is already accepted", milestoneIdx)
	}
	if m.Status == contracts.MilestoneSubmitted {
		return nil, precondition("milestone %d already has a submission under review", milestoneIdx)
	}

	now := e.now()
	idx := milestoneIdx
	p := &contracts.ProofUpload{
		ID:           uuid.NewString(),
		ContractID:   c.ID,
		Kind:         contracts.ProofMilestone,
		MilestoneIdx: &idx,
		UploadRefs:   uploadRefs,
		// Progress through this milestone counts everything accepted
		// so far plus this milestone's own share.
		WorkProgress: c.AcceptedProgress() + m.Percent,
		Status:       contracts.ProofPending,
		CreatedAt:    now,
	}
	m.Status = contracts.MilestoneSubmitted

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutProof(ctx, p); err != nil {
		return nil, err
	}
	e.record(ledger.EntryTicketTransition, c.ID, actorID, map[string]any{
		"proof_id":      p.ID,
		"milestone_idx": milestoneIdx,
		"status":        "submitted",
	})
	return p, nil
}

// ReviewMilestoneProof is the client's accept or reject of a milestone
// submission. Acceptance freezes the milestone.
func (e *Engine) ReviewMilestoneProof(ctx context.Context, proofID, actorID string, decision ResponseDecision, rejectionReason string) (*contracts.ProofUpload, error) {
	probe, err := e.store.GetProof(ctx, proofID)
	if err != nil {
		return nil, notFoundToPrecondition(err, "proof", proofID)
	}
	if probe.Kind != contracts.ProofMilestone || probe.MilestoneIdx == nil {
		return nil, precondition("proof %s is not a milestone submission", proofID)
	}

	unlock := e.lock(probe.ContractID)
	defer unlock()

	p, err := e.store.GetProof(ctx, proofID)
	if err != nil {
		return nil, err
	}
	if p.Status != contracts.ProofPending {
		return nil, precondition("proof %s is already %s", proofID, p.Status)
	}
	c, err := e.contract(ctx, p.ContractID)
	if err != nil {
		return nil, err
	}
	if actorID != c.ClientID {
		return nil, precondition("only the client may review milestone proof")
	}
	m := &c.Milestones[*p.MilestoneIdx]

	now := e.now()
	switch decision {
	case DecisionAccept:
		p.Status = contracts.ProofAccepted
		m.Status = contracts.MilestoneAccepted
	case DecisionReject:
		if err := requireReason(rejectionReason); err != nil {
			return nil, err
		}
		p.Status = contracts.ProofRejected
		m.Status = contracts.MilestoneRejected
	default:
		return nil, validation("unknown decision %q", decision)
	}
	p.ReviewedAt = &now

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutProof(ctx, p); err != nil {
		return nil, err
	}
	e.record(ledger.EntryTicketTransition, c.ID, actorID, map[string]any{
		"proof_id":      p.ID,
		"milestone_idx": *p.MilestoneIdx,
		"status":        string(p.Status),
	})
	return p, nil
}

// SubmitFinalDelivery records the artist's final upload on a contract
// running to completion (work progress 100, unlike cancellation
// proof). Its acceptance completes the contract and releases the full
// total.
func (e *Engine) SubmitFinalDelivery(ctx context.Context, contractID, actorID string, uploadRefs []string) (*contracts.ProofUpload, error) {
	if len(uploadRefs) == 0 {
		return nil, validation("at least one upload reference is required")
	}

	unlock := e.lock(contractID)
	defer unlock()

	c, err := e.contract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if actorID != c.ArtistID {
		return nil, precondition("only the artist may submit the final delivery")
	}
	if c.Status != contracts.ContractActive {
		return nil, precondition("contract %s is %s, not active", c.ID, c.Status)
	}
	open, err := e.store.FindOpenCancellation(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, precondition("contract %s has a cancellation request pending", contractID)
	}

	now := e.now()
	p := &contracts.ProofUpload{
		ID:           uuid.NewString(),
		ContractID:   c.ID,
		Kind:         contracts.ProofFinal,
		UploadRefs:   uploadRefs,
		WorkProgress: 100,
		Status:       contracts.ProofPending,
		CreatedAt:    now,
	}

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutProof(ctx, p); err != nil {
		return nil, err
	}
	e.record(ledger.EntryTicketTransition, c.ID, actorID, map[string]any{
		"proof_id": p.ID,
		"status":   "submitted",
		"for":      "final delivery",
	})
	return p, nil
}

// ReviewFinalDelivery is the client's accept or reject of the final
// delivery. Acceptance completes the contract and releases the full
// escrowed total to the artist; the release intent is issued before
// the lock is taken.
func (e *Engine) ReviewFinalDelivery(ctx context.Context, proofID, actorID string, decision ResponseDecision, rejectionReason string) (*contracts.ProofUpload, error) {
	probe, err := e.store.GetProof(ctx, proofID)
	if err != nil {
		return nil, notFoundToPrecondition(err, "proof", proofID)
	}
	if probe.Kind != contracts.ProofFinal || probe.ForCancellation {
		return nil, precondition("proof %s is not a final delivery", proofID)
	}
	if probe.Status != contracts.ProofPending {
		return nil, precondition("proof %s is already %s", proofID, probe.Status)
	}
	snapshot, err := e.contract(ctx, probe.ContractID)
	if err != nil {
		return nil, err
	}
	if actorID != snapshot.ClientID {
		return nil, precondition("only the client may review the final delivery")
	}

	var intents map[string]string
	var outcome finance.Outcome
	if decision == DecisionAccept {
		outcome = finance.CompletionOutcome(finance.NewMoney(snapshot.Finance.Total, snapshot.Finance.Currency))
		intents, err = e.issueReleaseIntents(ctx, snapshot, outcome)
		if err != nil {
			return nil, err
		}
	} else if decision == DecisionReject {
		if err := requireReason(rejectionReason); err != nil {
			return nil, err
		}
	} else {
		return nil, validation("unknown decision %q", decision)
	}

	unlock := e.lock(probe.ContractID)
	defer unlock()

	p, err := e.store.GetProof(ctx, proofID)
	if err != nil {
		return nil, err
	}
	if p.Status != contracts.ProofPending {
		return nil, precondition("proof %s is already %s", proofID, p.Status)
	}
	c, err := e.contract(ctx, p.ContractID)
	if err != nil {
		return nil, err
	}
	if decision == DecisionAccept && c.Version != snapshot.Version {
		return nil, conflict("contract "+c.ID+" changed while computing the payout", nil)
	}

	now := e.now()
	p.ReviewedAt = &now
	if decision == DecisionAccept {
		p.Status = contracts.ProofAccepted
		c.Status = contracts.ContractCompleted
	} else {
		p.Status = contracts.ProofRejected
	}

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutProof(ctx, p); err != nil {
		return nil, err
	}
	if decision == DecisionAccept {
		if err := e.closeOpenAmendments(ctx, c.ID, now); err != nil {
			e.logger.Error("closing open amendment tickets after completion", "contract_id", c.ID, "error", err)
		}
		e.record(ledger.EntrySettlement, c.ID, actorID, map[string]any{
			"proof_id":     p.ID,
			"artist_minor": outcome.ArtistAmount.AmountMinor,
			"client_minor": outcome.ClientAmount.AmountMinor,
			"intents":      intents,
		})
	} else {
		e.record(ledger.EntryTicketTransition, c.ID, actorID, map[string]any{
			"proof_id": p.ID,
			"status":   string(p.Status),
			"reason":   strings.TrimSpace(rejectionReason),
		})
	}
	return p, nil
}
