package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
	"github.com/Artifex-Works/patron/core/pkg/finance"
	"github.com/Artifex-Works/patron/core/pkg/ledger"
)

// ArtistChangeResponse is the artist's first-phase answer to a change
// request.
type ArtistChangeResponse string

const (
	ChangeRespAccept  ArtistChangeResponse = "accept"
	ChangeRespPropose ArtistChangeResponse = "propose"
	ChangeRespReject  ArtistChangeResponse = "reject"
)

// OpenChange opens a two-phase contract-terms change request.
// Client-only; one change ticket may be open per contract. The
// contract version at open time is captured for the audit trail.
func (e *Engine) OpenChange(ctx context.Context, contractID, actorID, reason string, changes contracts.ChangeSet) (*contracts.ChangeTicket, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, validation("change reason is required")
	}
	if changes.IsEmpty() {
		return nil, validation("change set is empty")
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
		return nil, precondition("only the client may open a change ticket")
	}
	if c.Status != contracts.ContractActive {
		return nil, precondition("contract %s is %s, not active", c.ID, c.Status)
	}
	existing, err := e.store.FindOpenChange(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, precondition("contract %s already has an open change ticket %s", c.ID, existing.ID)
	}

	now := e.now()
	t := &contracts.ChangeTicket{
		TicketBase: contracts.TicketBase{
			ID:         uuid.NewString(),
			ContractID: c.ID,
			CreatedAt:  now,
		},
		Reason:                strings.TrimSpace(reason),
		Changes:               changes,
		Status:                contracts.ChangePendingArtist,
		ContractVersionBefore: c.Version,
		ExpiresAt:             now.Add(e.policies.ResponseWindow),
	}

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutChange(ctx, t); err != nil {
		return nil, err
	}
	e.observeTicket(ctx, c.ID, t.ID, contracts.TicketChange, string(t.Status))
	e.record(ledger.EntryTicketOpened, c.ID, actorID, map[string]any{
		"ticket_type": string(contracts.TicketChange),
		"ticket_id":   t.ID,
	})
	return t, nil
}

// applyChange folds the ticket's change set into the contract terms.
// Guarded by the ticket's applied flag so retries can never apply the
// overlay twice.
func applyChange(c *contracts.Contract, t *contracts.ChangeTicket) {
	if t.Applied {
		return
	}
	next := t.Changes.Apply(c.CurrentTerms())
	c.TermsHistory = append(c.TermsHistory, next)
	if t.Changes.DeadlineAt != nil {
		c.DeadlineAt = *t.Changes.DeadlineAt
	}
	t.Applied = true
}

// RespondChangeArtist is the artist's first-phase decision: accept the
// change for free, propose a fee, or reject. Acceptance applies the
// change set immediately; a fee proposal hands the ticket to the
// client.
func (e *Engine) RespondChangeArtist(ctx context.Context, ticketID, actorID string, response ArtistChangeResponse, paidFee int64, rejectionReason string) (*contracts.ChangeTicket, error) {
	probe, err := e.store.GetChange(ctx, ticketID)
	if err != nil {
		return nil, notFoundToPrecondition(err, "change ticket", ticketID)
	}

	unlock := e.lock(probe.ContractID)
	defer unlock()

	t, err := e.store.GetChange(ctx, ticketID)
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
		return nil, precondition("only the artist may answer the first phase of change ticket %s", t.ID)
	}
	if t.Status != contracts.ChangePendingArtist {
		return nil, precondition("change ticket %s is %s, not pendingArtist", t.ID, t.Status)
	}
	now := e.now()
	if now.After(t.ExpiresAt) {
		return nil, precondition("response window for change ticket %s elapsed", t.ID)
	}

	switch response {
	case ChangeRespAccept:
		t.Status = contracts.ChangeAcceptedArtist
		t.ResolvedAt = &now
		applyChange(c, t)
	case ChangeRespPropose:
		if paidFee <= 0 {
			return nil, validation("proposed fee must be positive, got %d", paidFee)
		}
		t.Status = contracts.ChangePendingClient
		t.PaidFee = paidFee
		t.ExpiresAt = now.Add(e.policies.ResponseWindow)
	case ChangeRespReject:
		if err := requireReason(rejectionReason); err != nil {
			return nil, err
		}
		t.Status = contracts.ChangeRejectedArtist
		t.RejectionReason = strings.TrimSpace(rejectionReason)
		t.ResolvedAt = &now
	default:
		return nil, validation("unknown artist response %q", response)
	}

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if t.Applied && t.ContractVersionAfter == 0 {
		t.ContractVersionAfter = c.Version
	}
	if err := e.store.PutChange(ctx, t); err != nil {
		return nil, err
	}
	entryType := ledger.EntryTicketTransition
	if t.Applied {
		entryType = ledger.EntryChangeApplied
	}
	e.observeTicket(ctx, c.ID, t.ID, contracts.TicketChange, string(t.Status))
	e.record(entryType, c.ID, actorID, map[string]any{
		"ticket_type": string(contracts.TicketChange),
		"ticket_id":   t.ID,
		"status":      string(t.Status),
	})
	return t, nil
}

// RespondChangeClient is the client's second-phase reject of a fee
// proposal. Paying is the accept path (PayChange).
func (e *Engine) RespondChangeClient(ctx context.Context, ticketID, actorID, rejectionReason string) (*contracts.ChangeTicket, error) {
	probe, err := e.store.GetChange(ctx, ticketID)
	if err != nil {
		return nil, notFoundToPrecondition(err, "change ticket", ticketID)
	}

	unlock := e.lock(probe.ContractID)
	defer unlock()

	t, err := e.store.GetChange(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	c, err := e.contract(ctx, t.ContractID)
	if err != nil {
		return nil, err
	}
	if actorID != c.ClientID {
		return nil, precondition("only the client may answer the second phase of change ticket %s", t.ID)
	}
	if t.Status != contracts.ChangePendingClient {
		return nil, precondition("change ticket %s is %s, not pendingClient", t.ID, t.Status)
	}
	now := e.now()
	if now.After(t.ExpiresAt) {
		return nil, precondition("response window for change ticket %s elapsed", t.ID)
	}
	if err := requireReason(rejectionReason); err != nil {
		return nil, err
	}

	t.Status = contracts.ChangeRejectedClient
	t.RejectionReason = strings.TrimSpace(rejectionReason)
	t.ResolvedAt = &now

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutChange(ctx, t); err != nil {
		return nil, err
	}
	e.observeTicket(ctx, c.ID, t.ID, contracts.TicketChange, string(t.Status))
	e.record(ledger.EntryTicketTransition, c.ID, actorID, map[string]any{
		"ticket_type": string(contracts.TicketChange),
		"ticket_id":   t.ID,
		"status":      string(t.Status),
	})
	return t, nil
}

// PayChange issues the escrow charge intent for a proposed change fee.
// Client-only; valid while the ticket waits on the client (including a
// force-accepted fee). The paid transition and the change-set
// application wait for ConfirmCharge.
func (e *Engine) PayChange(ctx context.Context, ticketID, actorID string) (*contracts.ChangeTicket, error) {
	probe, err := e.store.GetChange(ctx, ticketID)
	if err != nil {
		return nil, notFoundToPrecondition(err, "change ticket", ticketID)
	}
	snapshot, err := e.contract(ctx, probe.ContractID)
	if err != nil {
		return nil, err
	}
	if actorID != snapshot.ClientID {
		return nil, precondition("only the client may pay for change ticket %s", ticketID)
	}
	if probe.Status != contracts.ChangePendingClient && probe.Status != contracts.ChangeForcedAcceptedClient {
		return nil, precondition("change ticket %s is %s, not awaiting the client", ticketID, probe.Status)
	}
	if !probe.IsPaidChange() {
		return nil, precondition("change ticket %s carries no fee", ticketID)
	}
	if probe.EscrowIntentID != "" {
		return nil, precondition("change ticket %s already has charge intent %s", ticketID, probe.EscrowIntentID)
	}

	fee := finance.NewMoney(probe.PaidFee, snapshot.Finance.Currency)
	intentID, err := e.escrow.ChargeIntent(ctx, snapshot.ClientID, fee, "change fee for ticket "+ticketID)
	if err != nil {
		return nil, gatewayFailure("charge intent for change fee", err)
	}

	unlock := e.lock(probe.ContractID)
	defer unlock()

	t, err := e.store.GetChange(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if (t.Status != contracts.ChangePendingClient && t.Status != contracts.ChangeForcedAcceptedClient) || t.EscrowIntentID != "" {
		return nil, conflict("change ticket "+ticketID+" changed while issuing the charge intent", nil)
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
	if err := e.store.PutChange(ctx, t); err != nil {
		return nil, err
	}
	e.observeEscrow(ctx, c.ID, intentID, "charge", c.ClientID, fee)
	e.record(ledger.EntryEscrowIntent, c.ID, actorID, map[string]any{
		"ticket_type": string(contracts.TicketChange),
		"ticket_id":   t.ID,
		"intent_id":   intentID,
		"fee_minor":   t.PaidFee,
	})
	return t, nil
}

// CancelChange lets the client withdraw a change ticket that has not
// reached a terminal state. An issued-but-unconfirmed charge intent
// does not block withdrawal; a later confirmation for a cancelled
// ticket is ignored by ConfirmCharge.
func (e *Engine) CancelChange(ctx context.Context, ticketID, actorID string) (*contracts.ChangeTicket, error) {
	probe, err := e.store.GetChange(ctx, ticketID)
	if err != nil {
		return nil, notFoundToPrecondition(err, "change ticket", ticketID)
	}

	unlock := e.lock(probe.ContractID)
	defer unlock()

	t, err := e.store.GetChange(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	c, err := e.contract(ctx, t.ContractID)
	if err != nil {
		return nil, err
	}
	if actorID != c.ClientID {
		return nil, precondition("only the client may withdraw change ticket %s", t.ID)
	}
	if t.Terminal() {
		return nil, precondition("change ticket %s is already %s", t.ID, t.Status)
	}

	now := e.now()
	t.Status = contracts.ChangeCancelled
	t.ResolvedAt = &now

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutChange(ctx, t); err != nil {
		return nil, err
	}
	e.observeTicket(ctx, c.ID, t.ID, contracts.TicketChange, string(t.Status))
	e.record(ledger.EntryTicketTransition, c.ID, actorID, map[string]any{
		"ticket_type": string(contracts.TicketChange),
		"ticket_id":   t.ID,
		"status":      string(t.Status),
	})
	return t, nil
}

// expireChange applies the no-response transition for either pending
// phase. The change policy never escalates (no resolution target type
// exists for change tickets); Policies.Validate enforces that.
func (e *Engine) expireChange(ctx context.Context, ticketID string) error {
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
	if t.Status != contracts.ChangePendingArtist && t.Status != contracts.ChangePendingClient {
		return schedulerSkip("change ticket %s already %s", t.ID, t.Status)
	}
	now := e.now()
	if !now.After(t.ExpiresAt) {
		return schedulerSkip("change ticket %s not yet due", t.ID)
	}
	c, err := e.contract(ctx, t.ContractID)
	if err != nil {
		return err
	}

	switch t.Status {
	case contracts.ChangePendingArtist:
		if e.policies.ChangeExpiry == ForceFavorCounterparty {
			t.Status = contracts.ChangeRejectedArtist
			t.RejectionReason = "response window elapsed without an answer"
			t.ResolvedAt = &now
		} else {
			// Artist silence accepts the change for free.
			t.Status = contracts.ChangeForcedAcceptedArtist
			t.ResolvedAt = &now
			applyChange(c, t)
		}
	case contracts.ChangePendingClient:
		if e.policies.ChangeExpiry == ForceFavorCounterparty {
			t.Status = contracts.ChangeRejectedClient
			t.RejectionReason = "response window elapsed without an answer"
			t.ResolvedAt = &now
		} else {
			// Client silence accepts the fee; the change still only
			// applies once the fee is paid and confirmed.
			t.Status = contracts.ChangeForcedAcceptedClient
		}
	}

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
	e.record(ledger.EntryTicketExpired, c.ID, "scheduler", map[string]any{
		"ticket_type": string(contracts.TicketChange),
		"ticket_id":   t.ID,
		"status":      string(t.Status),
	})
	return nil
}
