package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
	"github.com/Artifex-Works/patron/core/pkg/finance"
	"github.com/Artifex-Works/patron/core/pkg/ledger"
)

// OpenRevision opens a revision request. Client-only. For
// milestone-flow contracts the milestone index must be in range; one
// revision ticket may be open per (contract, milestone) slot. A
// positive paidFee makes this a paid change whose payment gates the
// rework.
func (e *Engine) OpenRevision(ctx context.Context, contractID, actorID, description string, milestoneIdx *int, paidFee int64) (*contracts.RevisionTicket, error) {
	if strings.TrimSpace(description) == "" {
		return nil, validation("revision description is required")
	}
	if paidFee < 0 {
		return nil, validation("revision fee cannot be negative")
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
	if party != contracts.PartyClient {
		return nil, precondition("only the client may open a revision ticket")
	}
	if c.Status != contracts.ContractActive {
		return nil, precondition("contract %s is %s, not active", c.ID, c.Status)
	}
	if milestoneIdx != nil {
		if !c.IsMilestoneFlow() {
			return nil, validation("contract %s has no milestones", c.ID)
		}
		if *milestoneIdx < 0 || *milestoneIdx >= len(c.Milestones) {
			return nil, validation("milestone index %d out of range [0, %d)", *milestoneIdx, len(c.Milestones))
		}
	}
	existing, err := e.store.FindOpenRevision(ctx, contractID, milestoneIdx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, precondition("contract %s already has an open revision ticket %s for this milestone slot", c.ID, existing.ID)
	}

	now := e.now()
	t := &contracts.RevisionTicket{
		TicketBase: contracts.TicketBase{
			ID:         uuid.NewString(),
			ContractID: c.ID,
			CreatedAt:  now,
		},
		Description:  strings.TrimSpace(description),
		MilestoneIdx: milestoneIdx,
		PaidFee:      paidFee,
		Status:       contracts.RevisionPending,
		ExpiresAt:    now.Add(e.policies.ResponseWindow),
	}

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutRevision(ctx, t); err != nil {
		return nil, err
	}
	e.observeTicket(ctx, c.ID, t.ID, contracts.TicketRevision, string(t.Status))
	e.record(ledger.EntryTicketOpened, c.ID, actorID, map[string]any{
		"ticket_type": string(contracts.TicketRevision),
		"ticket_id":   t.ID,
		"paid_fee":    paidFee,
	})
	return t, nil
}

// RespondRevision records the artist's accept or reject. Artist-only;
// rejection requires a reason.
func (e *Engine) RespondRevision(ctx context.Context, ticketID, actorID string, decision ResponseDecision, rejectionReason string) (*contracts.RevisionTicket, error) {
	probe, err := e.store.GetRevision(ctx, ticketID)
	if err != nil {
		return nil, notFoundToPrecondition(err, "revision ticket", ticketID)
	}

	unlock := e.lock(probe.ContractID)
	defer unlock()

	t, err := e.store.GetRevision(ctx, ticketID)
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
	if party != contracts.PartyArtist {
		return nil, precondition("only the artist may respond to revision ticket %s", t.ID)
	}
	if t.Status != contracts.RevisionPending {
		return nil, precondition("revision ticket %s is %s, not pending", t.ID, t.Status)
	}
	now := e.now()
	if now.After(t.ExpiresAt) {
		return nil, precondition("response window for revision ticket %s elapsed", t.ID)
	}

	switch decision {
	case DecisionAccept:
		t.Status = contracts.RevisionAccepted
		if !t.IsPaidChange() {
			t.ResolvedAt = &now
		}
	case DecisionReject:
		if err := requireReason(rejectionReason); err != nil {
			return nil, err
		}
		t.Status = contracts.RevisionRejected
		t.RejectionReason = strings.TrimSpace(rejectionReason)
		t.ResolvedAt = &now
	default:
		return nil, validation("unknown decision %q", decision)
	}

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutRevision(ctx, t); err != nil {
		return nil, err
	}
	e.observeTicket(ctx, c.ID, t.ID, contracts.TicketRevision, string(t.Status))
	e.record(ledger.EntryTicketTransition, c.ID, actorID, map[string]any{
		"ticket_type": string(contracts.TicketRevision),
		"ticket_id":   t.ID,
		"status":      string(t.Status),
	})
	return t, nil
}

// PayRevision issues the escrow charge intent for an accepted paid
// revision. Client-only; valid once. The gateway call happens before
// the contract lock is taken, and the ticket only records the intent:
// the paid transition waits for ConfirmCharge.
func (e *Engine) PayRevision(ctx context.Context, ticketID, actorID string) (*contracts.RevisionTicket, error) {
	probe, err := e.store.GetRevision(ctx, ticketID)
	if err != nil {
		return nil, notFoundToPrecondition(err, "revision ticket", ticketID)
	}
	snapshot, err := e.contract(ctx, probe.ContractID)
	if err != nil {
		return nil, err
	}
	if actorID != snapshot.ClientID {
		return nil, precondition("only the client may pay for revision ticket %s", ticketID)
	}
	if probe.Status != contracts.RevisionAccepted {
		return nil, precondition("revision ticket %s is %s, not accepted", ticketID, probe.Status)
	}
	if !probe.IsPaidChange() {
		return nil, precondition("revision ticket %s carries no fee", ticketID)
	}
	if probe.EscrowIntentID != "" {
		return nil, precondition("revision ticket %s already has charge intent %s", ticketID, probe.EscrowIntentID)
	}

	fee := finance.NewMoney(probe.PaidFee, snapshot.Finance.Currency)
	intentID, err := e.escrow.ChargeIntent(ctx, snapshot.ClientID, fee, "revision fee for ticket "+ticketID)
	if err != nil {
		return nil, gatewayFailure("charge intent for revision fee", err)
	}

	unlock := e.lock(probe.ContractID)
	defer unlock()

	t, err := e.store.GetRevision(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status != contracts.RevisionAccepted || t.EscrowIntentID != "" {
		return nil, conflict("revision ticket "+ticketID+" changed while issuing the charge intent", nil)
	}
	c, err := e.contract(ctx, t.ContractID)
	if err != nil {
		return nil, err
	}
	if c.Version != snapshot.Version {
		return nil, conflict("contract "+c.ID+" changed while issuing the charge intent", nil)
	}

	t.EscrowIntentID = intentID
	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutRevision(ctx, t); err != nil {
		return nil, err
	}
	e.observeEscrow(ctx, c.ID, intentID, "charge", c.ClientID, fee)
	e.record(ledger.EntryEscrowIntent, c.ID, actorID, map[string]any{
		"ticket_type": string(contracts.TicketRevision),
		"ticket_id":   t.ID,
		"intent_id":   intentID,
		"fee_minor":   t.PaidFee,
	})
	return t, nil
}

// expireRevision applies the no-response transition for a pending
// revision. Idempotent.
func (e *Engine) expireRevision(ctx context.Context, ticketID string) error {
	probe, err := e.store.GetRevision(ctx, ticketID)
	if err != nil {
		return err
	}

	unlock := e.lock(probe.ContractID)
	defer unlock()

	t, err := e.store.GetRevision(ctx, ticketID)
	if err != nil {
		return err
	}
	if t.Status != contracts.RevisionPending {
		return schedulerSkip("revision ticket %s already %s", t.ID, t.Status)
	}
	now := e.now()
	if !now.After(t.ExpiresAt) {
		return schedulerSkip("revision ticket %s not yet due", t.ID)
	}
	c, err := e.contract(ctx, t.ContractID)
	if err != nil {
		return err
	}

	switch e.policies.RevisionExpiry {
	case ForceFavorRequester:
		t.Status = contracts.RevisionAccepted
		if !t.IsPaidChange() {
			t.ResolvedAt = &now
		}
	case ForceFavorCounterparty:
		t.Status = contracts.RevisionRejected
		t.RejectionReason = "response window elapsed without an answer"
		t.ResolvedAt = &now
	case ForceEscalate:
		t.Status = contracts.RevisionDisputed
		t.ResolvedAt = &now
		if err := e.escalateExpired(ctx, c, contracts.TargetRevision, t.ID, contracts.PartyClient, now); err != nil {
			return err
		}
	}

	if err := e.commit(ctx, c); err != nil {
		return err
	}
	if err := e.store.PutRevision(ctx, t); err != nil {
		return err
	}
	e.observeTicket(ctx, c.ID, t.ID, contracts.TicketRevision, string(t.Status))
	e.record(ledger.EntryTicketExpired, c.ID, "scheduler", map[string]any{
		"ticket_type": string(contracts.TicketRevision),
		"ticket_id":   t.ID,
		"status":      string(t.Status),
	})
	return nil
}
