package engine

import (
	"context"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
	"github.com/Artifex-Works/patron/core/pkg/ledger"
)

// ConfirmCharge finalizes a previously issued charge intent. This is
// the escrow gateway's confirmation callback: a separate locked
// transaction from the pay call that issued the intent, so no lock was
// ever held across the gateway round trip.
//
// Idempotent: confirming an already-paid ticket is a no-op. A
// confirmation for a ticket that was cancelled in the meantime is
// ignored (the funds must be returned out-of-band).
func (e *Engine) ConfirmCharge(ctx context.Context, intentID string) error {
	if rev, err := e.store.FindRevisionByIntent(ctx, intentID); err != nil {
		return err
	} else if rev != nil {
		return e.confirmRevisionCharge(ctx, rev.ID, intentID)
	}
	if ch, err := e.store.FindChangeByIntent(ctx, intentID); err != nil {
		return err
	} else if ch != nil {
		return e.confirmChangeCharge(ctx, ch.ID, intentID)
	}
	return precondition("no ticket carries charge intent %s", intentID)
}

func (e *Engine) confirmRevisionCharge(ctx context.Context, ticketID, intentID string) error {
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
	if t.Status == contracts.RevisionPaid && t.EscrowTxnID == intentID {
		return nil
	}
	if t.Status != contracts.RevisionAccepted || t.EscrowIntentID != intentID {
		e.logger.Warn("ignoring charge confirmation for revision ticket",
			"ticket_id", t.ID, "status", string(t.Status), "intent_id", intentID)
		return nil
	}
	c, err := e.contract(ctx, t.ContractID)
	if err != nil {
		return err
	}

	now := e.now()
	t.Status = contracts.RevisionPaid
	t.EscrowTxnID = intentID
	t.ResolvedAt = &now

	if err := e.commit(ctx, c); err != nil {
		return err
	}
	if err := e.store.PutRevision(ctx, t); err != nil {
		return err
	}
	e.observeTicket(ctx, c.ID, t.ID, contracts.TicketRevision, string(t.Status))
	e.record(ledger.EntryEscrowConfirmed, c.ID, "escrow", map[string]any{
		"ticket_type": string(contracts.TicketRevision),
		"ticket_id":   t.ID,
		"txn_id":      intentID,
	})
	return nil
}

func (e *Engine) confirmChangeCharge(ctx context.Context, ticketID, intentID string) error {
	probe, err := e.store.GetChange(ctx, ticketID)
	if err != nil {
		return err
	}

	unlock := e.lock(probe.ContractID)
	defer unlock()

	t, err := e.store.GetChange(ctx, ticketID)
	if err != nil {
		return err
	}
	if t.Status == contracts.ChangePaid && t.EscrowTxnID == intentID {
		return nil
	}
	awaiting := t.Status == contracts.ChangePendingClient || t.Status == contracts.ChangeForcedAcceptedClient
	if !awaiting || t.EscrowIntentID != intentID {
		e.logger.Warn("ignoring charge confirmation for change ticket",
			"ticket_id", t.ID, "status", string(t.Status), "intent_id", intentID)
		return nil
	}
	c, err := e.contract(ctx, t.ContractID)
	if err != nil {
		return err
	}

	now := e.now()
	t.Status = contracts.ChangePaid
	t.EscrowTxnID = intentID
	t.ResolvedAt = &now
	applyChange(c, t)

	if err := e.commit(ctx, c); err != nil {
		return err
	}
	if t.Applied && t.ContractVersionAfter == 0 {
		t.ContractVersionAfter = c.Version
	}
	if err := e.store.PutChange(ctx, t); err != nil {
		return err
	}
	e.observeTicket(ctx, c.ID, t.ID, contracts.TicketChange, string(t.Status))
	e.record(ledger.EntryEscrowConfirmed, c.ID, "escrow", map[string]any{
		"ticket_type": string(contracts.TicketChange),
		"ticket_id":   t.ID,
		"txn_id":      intentID,
	})
	e.record(ledger.EntryChangeApplied, c.ID, "escrow", map[string]any{
		"ticket_id": t.ID,
		"version":   c.Version,
	})
	return nil
}
