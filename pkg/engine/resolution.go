package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
	"github.com/Artifex-Works/patron/core/pkg/finance"
	"github.com/Artifex-Works/patron/core/pkg/ledger"
)

// OpenResolution escalates a ticket or upload outcome to admin
// arbitration. The submitter attaches proof; the counterparty gets a
// fixed window to counter. At most one active dispute may target a
// given artifact. The contract is marked disputed while the resolution
// is live.
func (e *Engine) OpenResolution(ctx context.Context, contractID, actorID string, targetType contracts.ResolutionTarget, targetID, description string, proofImages []string) (*contracts.ResolutionTicket, error) {
	if strings.TrimSpace(description) == "" {
		return nil, validation("dispute description is required")
	}
	if len(proofImages) > contracts.MaxCounterProofImages {
		return nil, validation("at most %d proof images are allowed", contracts.MaxCounterProofImages)
	}

	unlock := e.lock(contractID)
	defer unlock()

	c, err := e.contract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	party, err := requireParty(c, actorID)
	if err != nil {
		return nil, err
	}
	if c.Settled() {
		return nil, precondition("contract %s is %s; settled contracts cannot be disputed", c.ID, c.Status)
	}
	if err := e.checkResolutionTarget(ctx, c, targetType, targetID); err != nil {
		return nil, err
	}
	active, err := e.store.FindActiveResolutionForTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, precondition("target %s is already disputed by resolution ticket %s", targetID, active.ID)
	}

	now := e.now()
	t := &contracts.ResolutionTicket{
		TicketBase: contracts.TicketBase{
			ID:         uuid.NewString(),
			ContractID: c.ID,
			CreatedAt:  now,
		},
		SubmittedBy:      party,
		SubmittedByID:    actorID,
		TargetType:       targetType,
		TargetID:         targetID,
		Description:      strings.TrimSpace(description),
		ProofImages:      proofImages,
		Counterparty:     party.Counterparty(),
		CounterExpiresAt: now.Add(e.policies.CounterWindow),
		Status:           contracts.ResolutionOpen,
	}

	t.PriorContractStatus = c.Status
	c.Status = contracts.ContractDisputed
	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutResolution(ctx, t); err != nil {
		return nil, err
	}
	e.observeTicket(ctx, c.ID, t.ID, contracts.TicketResolution, string(t.Status))
	e.record(ledger.EntryTicketOpened, c.ID, actorID, map[string]any{
		"ticket_type": string(contracts.TicketResolution),
		"ticket_id":   t.ID,
		"target_type": string(targetType),
		"target_id":   targetID,
	})
	return t, nil
}

// checkResolutionTarget verifies the disputed artifact exists and
// belongs to the contract.
func (e *Engine) checkResolutionTarget(ctx context.Context, c *contracts.Contract, targetType contracts.ResolutionTarget, targetID string) error {
	switch targetType {
	case contracts.TargetCancel:
		t, err := e.store.GetCancellation(ctx, targetID)
		if err != nil {
			return notFoundToPrecondition(err, "cancellation ticket", targetID)
		}
		if t.ContractID != c.ID {
			return precondition("cancellation ticket %s belongs to another contract", targetID)
		}
	case contracts.TargetRevision:
		t, err := e.store.GetRevision(ctx, targetID)
		if err != nil {
			return notFoundToPrecondition(err, "revision ticket", targetID)
		}
		if t.ContractID != c.ID {
			return precondition("revision ticket %s belongs to another contract", targetID)
		}
	case contracts.TargetFinal, contracts.TargetMilestone:
		p, err := e.store.GetProof(ctx, targetID)
		if err != nil {
			return notFoundToPrecondition(err, "proof upload", targetID)
		}
		if p.ContractID != c.ID {
			return precondition("proof upload %s belongs to another contract", targetID)
		}
		if p.Status != contracts.ProofPending {
			return precondition("proof upload %s is already %s; only a pending review can be disputed", targetID, p.Status)
		}
	default:
		return validation("unknown resolution target type %q", targetType)
	}
	return nil
}

// SubmitCounterproof records the counterparty's evidence. Valid only
// while open, once, within the counter window. Submission itself ends
// the window: the ticket moves straight to awaitingReview.
func (e *Engine) SubmitCounterproof(ctx context.Context, ticketID, actorID, counterDescription string, counterProofImages []string) (*contracts.ResolutionTicket, error) {
	if strings.TrimSpace(counterDescription) == "" {
		return nil, validation("counterproof description is required")
	}
	if len(counterProofImages) > contracts.MaxCounterProofImages {
		return nil, validation("at most %d counterproof images are allowed", contracts.MaxCounterProofImages)
	}

	probe, err := e.store.GetResolution(ctx, ticketID)
	if err != nil {
		return nil, notFoundToPrecondition(err, "resolution ticket", ticketID)
	}

	unlock := e.lock(probe.ContractID)
	defer unlock()

	t, err := e.store.GetResolution(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	c, err := e.contract(ctx, t.ContractID)
	if err != nil {
		return nil, err
	}
	party, err := requireParty(c, actorID)
	if err != nil {
		return nil, err
	}
	if party != t.Counterparty {
		return nil, precondition("only the counterparty may submit counterproof on resolution ticket %s", t.ID)
	}
	if t.Status != contracts.ResolutionOpen {
		return nil, precondition("resolution ticket %s is %s, not open", t.ID, t.Status)
	}
	if t.CounterDescription != "" || len(t.CounterProofImages) > 0 {
		return nil, precondition("resolution ticket %s already has counterproof", t.ID)
	}
	now := e.now()
	if now.After(t.CounterExpiresAt) {
		return nil, precondition("counterproof window for resolution ticket %s elapsed", t.ID)
	}

	t.CounterDescription = strings.TrimSpace(counterDescription)
	t.CounterProofImages = counterProofImages
	t.Status = contracts.ResolutionAwaitingReview

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutResolution(ctx, t); err != nil {
		return nil, err
	}
	e.observeTicket(ctx, c.ID, t.ID, contracts.TicketResolution, string(t.Status))
	e.record(ledger.EntryTicketTransition, c.ID, actorID, map[string]any{
		"ticket_type": string(contracts.TicketResolution),
		"ticket_id":   t.ID,
		"status":      string(t.Status),
	})
	return t, nil
}

// CancelResolution withdraws a dispute. Submitter-only, while open or
// awaiting review. The disputed target is untouched; the contract
// returns to active.
func (e *Engine) CancelResolution(ctx context.Context, ticketID, actorID string) (*contracts.ResolutionTicket, error) {
	probe, err := e.store.GetResolution(ctx, ticketID)
	if err != nil {
		return nil, notFoundToPrecondition(err, "resolution ticket", ticketID)
	}

	unlock := e.lock(probe.ContractID)
	defer unlock()

	t, err := e.store.GetResolution(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if actorID != t.SubmittedByID {
		return nil, precondition("only the submitter may withdraw resolution ticket %s", t.ID)
	}
	if t.Status != contracts.ResolutionOpen && t.Status != contracts.ResolutionAwaitingReview {
		return nil, precondition("resolution ticket %s is %s", t.ID, t.Status)
	}
	c, err := e.contract(ctx, t.ContractID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	t.Status = contracts.ResolutionCancelled
	t.ResolvedAt = &now
	restorePriorStatus(c, t)

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutResolution(ctx, t); err != nil {
		return nil, err
	}
	e.observeTicket(ctx, c.ID, t.ID, contracts.TicketResolution, string(t.Status))
	e.record(ledger.EntryTicketTransition, c.ID, actorID, map[string]any{
		"ticket_type": string(contracts.TicketResolution),
		"ticket_id":   t.ID,
		"status":      string(t.Status),
	})
	return t, nil
}

// ResolveDispute applies the admin verdict and propagates it to the
// disputed target: a force-accept or reject of the target ticket, or
// an accept/reject of the disputed upload. Settlement-bearing verdicts
// (a favored final-delivery proof) settle the contract.
func (e *Engine) ResolveDispute(ctx context.Context, ticketID, adminID string, decision contracts.Decision, resolutionNote string) (*contracts.ResolutionTicket, error) {
	if decision != contracts.FavorClient && decision != contracts.FavorArtist {
		return nil, validation("unknown decision %q", decision)
	}
	if strings.TrimSpace(resolutionNote) == "" {
		return nil, validation("resolution note is required")
	}

	probe, err := e.store.GetResolution(ctx, ticketID)
	if err != nil {
		return nil, notFoundToPrecondition(err, "resolution ticket", ticketID)
	}

	// Settlement intents for a favored final-delivery proof are computed
	// and issued before the lock, like every other escrow call.
	var settlement *pendingSettlement
	if probe.Status == contracts.ResolutionAwaitingReview {
		settlement, err = e.prepareDisputeSettlement(ctx, probe, decision)
		if err != nil {
			return nil, err
		}
	}

	unlock := e.lock(probe.ContractID)
	defer unlock()

	t, err := e.store.GetResolution(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status != contracts.ResolutionAwaitingReview {
		return nil, precondition("resolution ticket %s is %s, not awaitingReview", t.ID, t.Status)
	}
	c, err := e.contract(ctx, t.ContractID)
	if err != nil {
		return nil, err
	}
	if settlement != nil && c.Version != settlement.contractVersion {
		return nil, conflict("contract "+c.ID+" changed while computing the settlement", nil)
	}

	now := e.now()
	t.Status = contracts.ResolutionResolved
	t.Decision = decision
	t.ResolutionNote = strings.TrimSpace(resolutionNote)
	t.ResolvedAt = &now
	restorePriorStatus(c, t)

	if err := e.applyVerdict(ctx, c, t, decision, settlement, now); err != nil {
		return nil, err
	}

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutResolution(ctx, t); err != nil {
		return nil, err
	}
	e.observeTicket(ctx, c.ID, t.ID, contracts.TicketResolution, string(t.Status))
	e.record(ledger.EntryTicketTransition, c.ID, adminID, map[string]any{
		"ticket_type": string(contracts.TicketResolution),
		"ticket_id":   t.ID,
		"status":      string(t.Status),
		"decision":    string(decision),
	})
	return t, nil
}

// restorePriorStatus returns the contract to whatever status it held
// before the dispute marked it disputed. Tickets written before the
// snapshot existed fall back to active. The verdict application may
// still move the contract to a terminal state afterwards.
func restorePriorStatus(c *contracts.Contract, t *contracts.ResolutionTicket) {
	if c.Status != contracts.ContractDisputed {
		return
	}
	prior := t.PriorContractStatus
	if prior == "" {
		prior = contracts.ContractActive
	}
	c.Status = prior
}

// pendingSettlement carries pre-lock escrow work into the locked
// commit.
type pendingSettlement struct {
	contractVersion int64
	outcome         finance.Outcome
	intents         map[string]string
	workProgress    int
	requestedBy     contracts.Party
}

// prepareDisputeSettlement issues release intents when the verdict
// will accept a final-delivery proof: the cancellation split when the
// proof backs a cancellation, the full total otherwise. Other targets
// move no money.
func (e *Engine) prepareDisputeSettlement(ctx context.Context, t *contracts.ResolutionTicket, decision contracts.Decision) (*pendingSettlement, error) {
	if t.TargetType != contracts.TargetFinal || decision != contracts.FavorArtist {
		return nil, nil
	}
	p, err := e.store.GetProof(ctx, t.TargetID)
	if err != nil || p.Status != contracts.ProofPending || p.Kind != contracts.ProofFinal {
		return nil, err
	}
	c, err := e.contract(ctx, t.ContractID)
	if err != nil {
		return nil, err
	}
	total := finance.NewMoney(c.Finance.Total, c.Finance.Currency)

	if !p.ForCancellation {
		outcome := finance.CompletionOutcome(total)
		intents, err := e.issueReleaseIntents(ctx, c, outcome)
		if err != nil {
			return nil, err
		}
		return &pendingSettlement{
			contractVersion: c.Version,
			outcome:         outcome,
			intents:         intents,
		}, nil
	}

	cancel, err := e.store.FindAcceptedCancellation(ctx, t.ContractID)
	if err != nil || cancel == nil {
		return nil, err
	}
	outcome, err := finance.CancellationOutcome(total, c.FeePolicy, cancel.RequestedBy, p.WorkProgress)
	if err != nil {
		return nil, validation("dispute settlement: %v", err)
	}
	intents, err := e.issueReleaseIntents(ctx, c, outcome)
	if err != nil {
		return nil, err
	}
	return &pendingSettlement{
		contractVersion: c.Version,
		outcome:         outcome,
		intents:         intents,
		workProgress:    p.WorkProgress,
		requestedBy:     cancel.RequestedBy,
	}, nil
}

// applyVerdict mutates the disputed target according to the decision.
func (e *Engine) applyVerdict(ctx context.Context, c *contracts.Contract, t *contracts.ResolutionTicket, decision contracts.Decision, settlement *pendingSettlement, now time.Time) error {
	favored := contracts.PartyClient
	if decision == contracts.FavorArtist {
		favored = contracts.PartyArtist
	}

	switch t.TargetType {
	case contracts.TargetCancel:
		target, err := e.store.GetCancellation(ctx, t.TargetID)
		if err != nil {
			return err
		}
		if favored == target.RequestedBy {
			target.Status = contracts.CancelForcedAccepted
		} else {
			target.Status = contracts.CancelRejected
			target.RejectionReason = "rejected by dispute resolution"
		}
		target.ResolvedAt = &now
		return e.store.PutCancellation(ctx, target)

	case contracts.TargetRevision:
		target, err := e.store.GetRevision(ctx, t.TargetID)
		if err != nil {
			return err
		}
		// The client is always the revision requester.
		if favored == contracts.PartyClient {
			target.Status = contracts.RevisionAccepted
			if !target.IsPaidChange() {
				target.ResolvedAt = &now
			}
		} else {
			target.Status = contracts.RevisionRejected
			target.RejectionReason = "rejected by dispute resolution"
			target.ResolvedAt = &now
		}
		return e.store.PutRevision(ctx, target)

	case contracts.TargetFinal, contracts.TargetMilestone:
		target, err := e.store.GetProof(ctx, t.TargetID)
		if err != nil {
			return err
		}
		if target.Status != contracts.ProofPending {
			return nil
		}
		if favored == contracts.PartyArtist {
			target.Status = contracts.ProofAccepted
		} else {
			target.Status = contracts.ProofRejected
		}
		target.ReviewedAt = &now
		if target.MilestoneIdx != nil && *target.MilestoneIdx < len(c.Milestones) {
			m := &c.Milestones[*target.MilestoneIdx]
			if m.Status != contracts.MilestoneAccepted {
				if target.Status == contracts.ProofAccepted {
					m.Status = contracts.MilestoneAccepted
				} else {
					m.Status = contracts.MilestoneRejected
				}
			}
		}
		if settlement != nil && target.Status == contracts.ProofAccepted {
			if target.ForCancellation {
				c.Status = contracts.ContractCancelled
			} else {
				c.Status = contracts.ContractCompleted
			}
			if err := e.closeOpenAmendments(ctx, c.ID, now); err != nil {
				e.logger.Error("closing open amendment tickets after dispute settlement", "contract_id", c.ID, "error", err)
			}
			detail := map[string]any{
				"proof_id":     target.ID,
				"artist_minor": settlement.outcome.ArtistAmount.AmountMinor,
				"client_minor": settlement.outcome.ClientAmount.AmountMinor,
				"intents":      settlement.intents,
			}
			if target.ForCancellation {
				detail["requested_by"] = string(settlement.requestedBy)
				detail["work_progress"] = settlement.workProgress
			}
			e.record(ledger.EntrySettlement, c.ID, "resolution", detail)
		}
		return e.store.PutProof(ctx, target)
	}
	return fmt.Errorf("unhandled resolution target %q", t.TargetType)
}

// expireResolution moves an uncountered dispute to awaitingReview once
// the counter window lapses. Idempotent.
func (e *Engine) expireResolution(ctx context.Context, ticketID string) error {
	probe, err := e.store.GetResolution(ctx, ticketID)
	if err != nil {
		return err
	}

	unlock := e.lock(probe.ContractID)
	defer unlock()

	t, err := e.store.GetResolution(ctx, ticketID)
	if err != nil {
		return err
	}
	if t.Status != contracts.ResolutionOpen {
		return schedulerSkip("resolution ticket %s already %s", t.ID, t.Status)
	}
	now := e.now()
	if !now.After(t.CounterExpiresAt) {
		return schedulerSkip("resolution ticket %s not yet due", t.ID)
	}
	c, err := e.contract(ctx, t.ContractID)
	if err != nil {
		return err
	}

	t.Status = contracts.ResolutionAwaitingReview

	if err := e.commit(ctx, c); err != nil {
		return err
	}
	if err := e.store.PutResolution(ctx, t); err != nil {
		return err
	}
	e.observeTicket(ctx, c.ID, t.ID, contracts.TicketResolution, string(t.Status))
	e.record(ledger.EntryTicketExpired, c.ID, "scheduler", map[string]any{
		"ticket_type": string(contracts.TicketResolution),
		"ticket_id":   t.ID,
		"status":      string(t.Status),
	})
	return nil
}

// escalateExpired opens an awaiting-review resolution for a ticket
// whose expiry policy is escalate. The requester is recorded as the
// submitter; there is no counter window because both sides already had
// theirs.
func (e *Engine) escalateExpired(ctx context.Context, c *contracts.Contract, targetType contracts.ResolutionTarget, targetID string, requestedBy contracts.Party, now time.Time) error {
	active, err := e.store.FindActiveResolutionForTarget(ctx, targetID)
	if err != nil {
		return err
	}
	if active != nil {
		return nil
	}
	t := &contracts.ResolutionTicket{
		TicketBase: contracts.TicketBase{
			ID:         uuid.NewString(),
			ContractID: c.ID,
			CreatedAt:  now,
		},
		SubmittedBy:      requestedBy,
		SubmittedByID:    c.PartyID(requestedBy),
		TargetType:       targetType,
		TargetID:         targetID,
		Description:      "escalated automatically: response window elapsed without an answer",
		Counterparty:     requestedBy.Counterparty(),
		CounterExpiresAt: now,
		Status:           contracts.ResolutionAwaitingReview,
	}
	t.PriorContractStatus = c.Status
	c.Status = contracts.ContractDisputed
	return e.store.PutResolution(ctx, t)
}
