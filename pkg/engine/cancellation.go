package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
	"github.com/Artifex-Works/patron/core/pkg/finance"
	"github.com/Artifex-Works/patron/core/pkg/ledger"
)

// ResponseDecision is the counterparty's answer to a pending request.
type ResponseDecision string

const (
	DecisionAccept ResponseDecision = "accept"
	DecisionReject ResponseDecision = "reject"
)

// OpenCancellation opens a cancellation ticket against an active
// contract. Either party may request; at most one cancellation ticket
// may be open per contract.
func (e *Engine) OpenCancellation(ctx context.Context, contractID, actorID, reason string) (*contracts.CancellationTicket, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, validation("cancellation reason is required")
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
	if c.Status != contracts.ContractActive {
		return nil, precondition("contract %s is %s, not active", c.ID, c.Status)
	}
	existing, err := e.store.FindOpenCancellation(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, precondition("contract %s already has an open cancellation ticket %s", c.ID, existing.ID)
	}

	now := e.now()
	t := &contracts.CancellationTicket{
		TicketBase: contracts.TicketBase{
			ID:         uuid.NewString(),
			ContractID: c.ID,
			CreatedAt:  now,
		},
		RequestedBy: party,
		Reason:      strings.TrimSpace(reason),
		Status:      contracts.CancelPending,
		ExpiresAt:   now.Add(e.policies.ResponseWindow),
	}

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutCancellation(ctx, t); err != nil {
		return nil, err
	}
	e.observeTicket(ctx, c.ID, t.ID, contracts.TicketCancel, string(t.Status))
	e.record(ledger.EntryTicketOpened, c.ID, actorID, map[string]any{
		"ticket_type":  string(contracts.TicketCancel),
		"ticket_id":    t.ID,
		"requested_by": string(party),
	})
	return t, nil
}

// RespondCancellation records the counterparty's accept or reject.
// Only the non-requesting party may respond, only while pending and
// before the response window elapses. Rejection requires a reason.
func (e *Engine) RespondCancellation(ctx context.Context, ticketID, actorID string, decision ResponseDecision, rejectionReason string) (*contracts.CancellationTicket, error) {
	probe, err := e.store.GetCancellation(ctx, ticketID)
	if err != nil {
		return nil, notFoundToPrecondition(err, "cancellation ticket", ticketID)
	}

	unlock := e.lock(probe.ContractID)
	defer unlock()

	t, err := e.store.GetCancellation(ctx, ticketID)
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
	if party != t.RequestedBy.Counterparty() {
		return nil, precondition("only the counterparty may respond to cancellation ticket %s", t.ID)
	}
	if t.Status != contracts.CancelPending {
		return nil, precondition("cancellation ticket %s is %s, not pending", t.ID, t.Status)
	}
	now := e.now()
	if now.After(t.ExpiresAt) {
		return nil, precondition("response window for cancellation ticket %s elapsed", t.ID)
	}

	switch decision {
	case DecisionAccept:
		t.Status = contracts.CancelAccepted
	case DecisionReject:
		if err := requireReason(rejectionReason); err != nil {
			return nil, err
		}
		t.Status = contracts.CancelRejected
		t.RejectionReason = strings.TrimSpace(rejectionReason)
	default:
		return nil, validation("unknown decision %q", decision)
	}
	t.ResolvedAt = &now

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutCancellation(ctx, t); err != nil {
		return nil, err
	}
	e.observeTicket(ctx, c.ID, t.ID, contracts.TicketCancel, string(t.Status))
	e.record(ledger.EntryTicketTransition, c.ID, actorID, map[string]any{
		"ticket_type": string(contracts.TicketCancel),
		"ticket_id":   t.ID,
		"status":      string(t.Status),
	})
	return t, nil
}

// expireCancellation applies the no-response transition. Called by the
// scheduler sweep; idempotent via the pending check.
func (e *Engine) expireCancellation(ctx context.Context, ticketID string) error {
	probe, err := e.store.GetCancellation(ctx, ticketID)
	if err != nil {
		return err
	}

	unlock := e.lock(probe.ContractID)
	defer unlock()

	t, err := e.store.GetCancellation(ctx, ticketID)
	if err != nil {
		return err
	}
	if t.Status != contracts.CancelPending {
		return schedulerSkip("cancellation ticket %s already %s", t.ID, t.Status)
	}
	now := e.now()
	if !now.After(t.ExpiresAt) {
		return schedulerSkip("cancellation ticket %s not yet due", t.ID)
	}
	c, err := e.contract(ctx, t.ContractID)
	if err != nil {
		return err
	}

	t.ResolvedAt = &now
	switch e.policies.CancellationExpiry {
	case ForceFavorRequester:
		t.Status = contracts.CancelForcedAccepted
	case ForceFavorCounterparty:
		t.Status = contracts.CancelRejected
		t.RejectionReason = "response window elapsed without an answer"
	case ForceEscalate:
		t.Status = contracts.CancelDisputed
		if err := e.escalateExpired(ctx, c, contracts.TargetCancel, t.ID, t.RequestedBy, now); err != nil {
			return err
		}
	}

	if err := e.commit(ctx, c); err != nil {
		return err
	}
	if err := e.store.PutCancellation(ctx, t); err != nil {
		return err
	}
	e.observeTicket(ctx, c.ID, t.ID, contracts.TicketCancel, string(t.Status))
	e.record(ledger.EntryTicketExpired, c.ID, "scheduler", map[string]any{
		"ticket_type": string(contracts.TicketCancel),
		"ticket_id":   t.ID,
		"status":      string(t.Status),
	})
	return nil
}

// SubmitCancellationProof records the artist's final proof-of-work
// after an accepted (or force-accepted) cancellation. Work progress
// must be below 100: a finished piece is a delivery, not a
// cancellation.
func (e *Engine) SubmitCancellationProof(ctx context.Context, contractID, actorID string, uploadRefs []string, workProgress int) (*contracts.ProofUpload, error) {
	if len(uploadRefs) == 0 {
		return nil, validation("at least one upload reference is required")
	}
	if workProgress < 0 || workProgress >= 100 {
		return nil, validation("cancellation work progress must be in [0, 100), got %d", workProgress)
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
	if party != contracts.PartyArtist {
		return nil, precondition("only the artist may submit cancellation proof")
	}
	cancel, err := e.store.FindAcceptedCancellation(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if cancel == nil {
		return nil, precondition("contract %s has no accepted cancellation awaiting proof", contractID)
	}
	if c.Status == contracts.ContractCancelled {
		return nil, precondition("contract %s is already settled", contractID)
	}

	now := e.now()
	p := &contracts.ProofUpload{
		ID:              uuid.NewString(),
		ContractID:      c.ID,
		Kind:            contracts.ProofFinal,
		UploadRefs:      uploadRefs,
		WorkProgress:    workProgress,
		Status:          contracts.ProofPending,
		ForCancellation: true,
		CreatedAt:       now,
	}

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutProof(ctx, p); err != nil {
		return nil, err
	}
	e.record(ledger.EntryTicketTransition, c.ID, actorID, map[string]any{
		"proof_id":      p.ID,
		"work_progress": workProgress,
		"for":           "cancellation",
	})
	return p, nil
}

// ReviewCancellationProof is the client's accept or reject of the
// artist's cancellation proof. Acceptance settles the contract:
// status cancelled, outcome computed, release intents issued.
//
// The release intents are computed from a pre-lock read; the locked
// commit detects any interleaved mutation as a retryable conflict, so
// no escrow call ever runs while the contract lock is held.
func (e *Engine) ReviewCancellationProof(ctx context.Context, proofID, actorID string, decision ResponseDecision, rejectionReason string) (*contracts.ProofUpload, error) {
	p, err := e.store.GetProof(ctx, proofID)
	if err != nil {
		return nil, notFoundToPrecondition(err, "proof", proofID)
	}
	if !p.ForCancellation {
		return nil, precondition("proof %s is not a cancellation proof", proofID)
	}
	if p.Status != contracts.ProofPending {
		return nil, precondition("proof %s is already %s", proofID, p.Status)
	}

	snapshot, err := e.contract(ctx, p.ContractID)
	if err != nil {
		return nil, err
	}
	if _, err := requireParty(snapshot, actorID); err != nil {
		return nil, err
	}
	if actorID != snapshot.ClientID {
		return nil, precondition("only the client may review cancellation proof")
	}

	switch decision {
	case DecisionReject:
		if err := requireReason(rejectionReason); err != nil {
			return nil, err
		}
		return e.rejectCancellationProof(ctx, proofID, actorID, rejectionReason)
	case DecisionAccept:
	default:
		return nil, validation("unknown decision %q", decision)
	}

	cancel, err := e.store.FindAcceptedCancellation(ctx, p.ContractID)
	if err != nil {
		return nil, err
	}
	if cancel == nil {
		return nil, precondition("contract %s has no accepted cancellation to settle", p.ContractID)
	}

	// Escrow intents before the lock.
	total := finance.NewMoney(snapshot.Finance.Total, snapshot.Finance.Currency)
	outcome, err := finance.CancellationOutcome(total, snapshot.FeePolicy, cancel.RequestedBy, p.WorkProgress)
	if err != nil {
		return nil, validation("settlement: %v", err)
	}
	intents, err := e.issueReleaseIntents(ctx, snapshot, outcome)
	if err != nil {
		return nil, err
	}

	unlock := e.lock(p.ContractID)
	defer unlock()

	c, err := e.contract(ctx, p.ContractID)
	if err != nil {
		return nil, err
	}
	if c.Version != snapshot.Version {
		return nil, conflict("contract "+c.ID+" changed while computing the settlement", nil)
	}
	p, err = e.store.GetProof(ctx, proofID)
	if err != nil {
		return nil, err
	}
	if p.Status != contracts.ProofPending {
		return nil, precondition("proof %s is already %s", proofID, p.Status)
	}

	now := e.now()
	p.Status = contracts.ProofAccepted
	p.ReviewedAt = &now
	c.Status = contracts.ContractCancelled

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutProof(ctx, p); err != nil {
		return nil, err
	}
	if err := e.closeOpenAmendments(ctx, c.ID, now); err != nil {
		e.logger.Error("closing open amendment tickets after settlement", "contract_id", c.ID, "error", err)
	}
	e.record(ledger.EntrySettlement, c.ID, actorID, map[string]any{
		"proof_id":      p.ID,
		"requested_by":  string(cancel.RequestedBy),
		"work_progress": p.WorkProgress,
		"artist_minor":  outcome.ArtistAmount.AmountMinor,
		"client_minor":  outcome.ClientAmount.AmountMinor,
		"intents":       intents,
	})
	return p, nil
}

func (e *Engine) rejectCancellationProof(ctx context.Context, proofID, actorID, reason string) (*contracts.ProofUpload, error) {
	probe, err := e.store.GetProof(ctx, proofID)
	if err != nil {
		return nil, err
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

	now := e.now()
	p.Status = contracts.ProofRejected
	p.ReviewedAt = &now
	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.PutProof(ctx, p); err != nil {
		return nil, err
	}
	e.record(ledger.EntryTicketTransition, c.ID, actorID, map[string]any{
		"proof_id": p.ID,
		"status":   string(p.Status),
		"reason":   reason,
	})
	return p, nil
}

// issueReleaseIntents asks the gateway to pay out both shares. Zero
// shares issue no intent.
func (e *Engine) issueReleaseIntents(ctx context.Context, c *contracts.Contract, outcome finance.Outcome) (map[string]string, error) {
	intents := make(map[string]string, 2)
	if !outcome.ArtistAmount.IsZero() {
		id, err := e.escrow.ReleaseIntent(ctx, c.ArtistID, outcome.ArtistAmount, "cancellation settlement: artist share")
		if err != nil {
			return nil, gatewayFailure("release intent for artist share", err)
		}
		e.observeEscrow(ctx, c.ID, id, "release", c.ArtistID, outcome.ArtistAmount)
		intents["artist"] = id
	}
	if !outcome.ClientAmount.IsZero() {
		id, err := e.escrow.ReleaseIntent(ctx, c.ClientID, outcome.ClientAmount, "cancellation settlement: client refund")
		if err != nil {
			return nil, gatewayFailure("release intent for client refund", err)
		}
		e.observeEscrow(ctx, c.ID, id, "release", c.ClientID, outcome.ClientAmount)
		intents["client"] = id
	}
	return intents, nil
}

// closeOpenAmendments cancels open revision and change tickets once a
// contract settles; they can no longer be acted on.
func (e *Engine) closeOpenAmendments(ctx context.Context, contractID string, now time.Time) error {
	open, err := e.store.ListOpenRevisions(ctx, contractID)
	if err != nil {
		return err
	}
	for _, r := range open {
		r.Status = contracts.RevisionCancelled
		r.ResolvedAt = &now
		if err := e.store.PutRevision(ctx, r); err != nil {
			return err
		}
	}
	ch, err := e.store.FindOpenChange(ctx, contractID)
	if err != nil {
		return err
	}
	if ch != nil {
		ch.Status = contracts.ChangeCancelled
		ch.ResolvedAt = &now
		if err := e.store.PutChange(ctx, ch); err != nil {
			return err
		}
	}
	return nil
}

// notFoundToPrecondition maps a store miss to a caller-facing
// precondition failure, leaving other errors untouched.
func notFoundToPrecondition(err error, what, id string) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return precondition("%s %s not found", what, id)
	}
	return err
}
