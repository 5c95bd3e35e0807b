package contracts

import (
	"time"
)

// TicketType tags the four amendment ticket variants.
type TicketType string

const (
	TicketCancel     TicketType = "cancel"
	TicketRevision   TicketType = "revision"
	TicketChange     TicketType = "change"
	TicketResolution TicketType = "resolution"
)

// Ticket is the capability shared by every ticket variant. Transition
// functions switch on the concrete type; this interface exists for
// storage, scheduling and audit plumbing.
type Ticket interface {
	TicketID() string
	TicketType() TicketType
	Contract() string
	Created() time.Time
	// Deadline returns the pending-response expiry and whether the
	// ticket is currently waiting on one.
	Deadline() (time.Time, bool)
	// Terminal reports whether no further transition can occur.
	Terminal() bool
}

// TicketBase carries the fields common to all four variants.
type TicketBase struct {
	ID         string     `json:"id"`
	ContractID string     `json:"contract_id"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func (b TicketBase) TicketID() string   { return b.ID }
func (b TicketBase) Contract() string   { return b.ContractID }
func (b TicketBase) Created() time.Time { return b.CreatedAt }

// CancelStatus is the lifecycle state of a CancellationTicket.
type CancelStatus string

const (
	CancelPending        CancelStatus = "pending"
	CancelAccepted       CancelStatus = "accepted"
	CancelRejected       CancelStatus = "rejected"
	CancelForcedAccepted CancelStatus = "forcedAccepted"
	CancelDisputed       CancelStatus = "disputed"
)

// CancellationTicket asks to terminate an active contract. Either party
// may open one; only the counterparty may respond. Acceptance (forced
// or not) obligates the artist to submit a final proof upload, whose
// review settles the contract.
type CancellationTicket struct {
	TicketBase
	RequestedBy     Party        `json:"requested_by"`
	Reason          string       `json:"reason"`
	Status          CancelStatus `json:"status"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	ExpiresAt       time.Time    `json:"expires_at"`
}

func (t *CancellationTicket) TicketType() TicketType { return TicketCancel }

func (t *CancellationTicket) Deadline() (time.Time, bool) {
	return t.ExpiresAt, t.Status == CancelPending
}

func (t *CancellationTicket) Terminal() bool {
	switch t.Status {
	case CancelRejected, CancelDisputed:
		return true
	}
	// accepted/forcedAccepted still await proof review but take no
	// further ticket transitions of their own.
	return t.Status == CancelAccepted || t.Status == CancelForcedAccepted
}

// Open reports whether the ticket still blocks a new cancellation
// ticket on the same contract.
func (t *CancellationTicket) Open() bool { return t.Status == CancelPending }

// RevisionStatus is the lifecycle state of a RevisionTicket.
type RevisionStatus string

const (
	RevisionPending   RevisionStatus = "pending"
	RevisionAccepted  RevisionStatus = "accepted"
	RevisionRejected  RevisionStatus = "rejected"
	RevisionPaid      RevisionStatus = "paid"
	RevisionDisputed  RevisionStatus = "disputed"
	RevisionCancelled RevisionStatus = "cancelled"
)

// RevisionTicket is a client request for rework, optionally tied to one
// milestone and optionally carrying a fee that gates the work.
type RevisionTicket struct {
	TicketBase
	Description     string         `json:"description"`
	MilestoneIdx    *int           `json:"milestone_idx,omitempty"`
	PaidFee         int64          `json:"paid_fee,omitempty"`
	Status          RevisionStatus `json:"status"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	// EscrowIntentID is set when a charge intent has been issued but
	// not yet confirmed; EscrowTxnID only on confirmation.
	EscrowIntentID string    `json:"escrow_intent_id,omitempty"`
	EscrowTxnID    string    `json:"escrow_txn_id,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (t *RevisionTicket) TicketType() TicketType { return TicketRevision }

func (t *RevisionTicket) Deadline() (time.Time, bool) {
	return t.ExpiresAt, t.Status == RevisionPending
}

// IsPaidChange reports whether payment gates the revision work.
func (t *RevisionTicket) IsPaidChange() bool { return t.PaidFee > 0 }

func (t *RevisionTicket) Terminal() bool {
	switch t.Status {
	case RevisionRejected, RevisionPaid, RevisionDisputed, RevisionCancelled:
		return true
	case RevisionAccepted:
		// Free revisions finish here; paid ones still await payment.
		return !t.IsPaidChange()
	}
	return false
}

// Open reports whether the ticket blocks a new revision ticket for the
// same (contract, milestone) slot.
func (t *RevisionTicket) Open() bool { return !t.Terminal() }

// ChangeStatus is the lifecycle state of a ChangeTicket.
type ChangeStatus string

const (
	ChangePendingArtist        ChangeStatus = "pendingArtist"
	ChangePendingClient        ChangeStatus = "pendingClient"
	ChangeAcceptedArtist       ChangeStatus = "acceptedArtist"
	ChangeRejectedArtist       ChangeStatus = "rejectedArtist"
	ChangeRejectedClient       ChangeStatus = "rejectedClient"
	ChangeForcedAcceptedClient ChangeStatus = "forcedAcceptedClient"
	ChangeForcedAcceptedArtist ChangeStatus = "forcedAcceptedArtist"
	ChangePaid                 ChangeStatus = "paid"
	ChangeCancelled            ChangeStatus = "cancelled"
)

// ChangeTicket is a two-phase client request to amend contract terms:
// the artist first accepts free, proposes a fee, or rejects; a proposed
// fee then waits on the client to pay or reject.
type ChangeTicket struct {
	TicketBase
	Reason                string       `json:"reason"`
	Changes               ChangeSet    `json:"changes"`
	PaidFee               int64        `json:"paid_fee,omitempty"`
	Status                ChangeStatus `json:"status"`
	RejectionReason       string       `json:"rejection_reason,omitempty"`
	EscrowIntentID        string       `json:"escrow_intent_id,omitempty"`
	EscrowTxnID           string       `json:"escrow_txn_id,omitempty"`
	ContractVersionBefore int64        `json:"contract_version_before"`
	ContractVersionAfter  int64        `json:"contract_version_after,omitempty"`
	// Applied guards exactly-once application of Changes to the
	// contract under retries.
	Applied   bool      `json:"applied"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t *ChangeTicket) TicketType() TicketType { return TicketChange }

// IsPaidChange reports whether the artist proposed a fee.
func (t *ChangeTicket) IsPaidChange() bool { return t.PaidFee > 0 }

func (t *ChangeTicket) Deadline() (time.Time, bool) {
	switch t.Status {
	case ChangePendingArtist, ChangePendingClient:
		return t.ExpiresAt, true
	}
	return time.Time{}, false
}

func (t *ChangeTicket) Terminal() bool {
	switch t.Status {
	case ChangeAcceptedArtist, ChangeRejectedArtist, ChangeRejectedClient,
		ChangeForcedAcceptedArtist, ChangePaid, ChangeCancelled:
		return true
	}
	return false
}

// Open reports whether the ticket blocks a new change ticket on the
// contract. forcedAcceptedClient still awaits payment, so it blocks.
func (t *ChangeTicket) Open() bool { return !t.Terminal() }

// ResolutionTarget names what kind of artifact a dispute escalates.
type ResolutionTarget string

const (
	TargetCancel    ResolutionTarget = "cancel"
	TargetRevision  ResolutionTarget = "revision"
	TargetFinal     ResolutionTarget = "final"
	TargetMilestone ResolutionTarget = "milestone"
)

// ResolutionStatus is the lifecycle state of a ResolutionTicket.
type ResolutionStatus string

const (
	ResolutionOpen           ResolutionStatus = "open"
	ResolutionAwaitingReview ResolutionStatus = "awaitingReview"
	ResolutionResolved       ResolutionStatus = "resolved"
	ResolutionCancelled      ResolutionStatus = "cancelled"
)

// Decision is the admin verdict applied to a resolved dispute.
type Decision string

const (
	FavorClient Decision = "favorClient"
	FavorArtist Decision = "favorArtist"
)

// MaxCounterProofImages caps counterproof evidence per dispute.
const MaxCounterProofImages = 5

// ResolutionTicket escalates an outcome of one of the other ticket
// types (or an upload review) for admin arbitration. It references its
// target by id only; applying the verdict back to the target is an
// explicit engine operation, never a live pointer.
type ResolutionTicket struct {
	TicketBase
	SubmittedBy        Party            `json:"submitted_by"`
	SubmittedByID      string           `json:"submitted_by_id"`
	TargetType         ResolutionTarget `json:"target_type"`
	TargetID           string           `json:"target_id"`
	Description        string           `json:"description"`
	ProofImages        []string         `json:"proof_images,omitempty"`
	Counterparty       Party            `json:"counterparty"`
	CounterDescription string           `json:"counter_description,omitempty"`
	CounterProofImages []string         `json:"counter_proof_images,omitempty"`
	CounterExpiresAt   time.Time        `json:"counter_expires_at"`
	Status             ResolutionStatus `json:"status"`
	Decision           Decision         `json:"decision,omitempty"`
	ResolutionNote     string           `json:"resolution_note,omitempty"`
	// PriorContractStatus is the contract's status before the dispute
	// marked it disputed; closing the dispute restores it.
	PriorContractStatus ContractStatus `json:"prior_contract_status,omitempty"`
}

func (t *ResolutionTicket) TicketType() TicketType { return TicketResolution }

func (t *ResolutionTicket) Deadline() (time.Time, bool) {
	return t.CounterExpiresAt, t.Status == ResolutionOpen
}

func (t *ResolutionTicket) Terminal() bool {
	return t.Status == ResolutionResolved || t.Status == ResolutionCancelled
}

// Active reports whether the dispute still claims its target.
func (t *ResolutionTicket) Active() bool { return !t.Terminal() }

// ProofStatus is the review state of a proof upload.
type ProofStatus string

const (
	ProofPending  ProofStatus = "pending"
	ProofAccepted ProofStatus = "accepted"
	ProofRejected ProofStatus = "rejected"
)

// ProofKind distinguishes final-delivery (and cancellation) proof from
// per-milestone proof.
type ProofKind string

const (
	ProofFinal     ProofKind = "final"
	ProofMilestone ProofKind = "milestone"
)

// ProofUpload records an artist upload as opaque references plus a
// self-reported work-progress percentage. The engine never touches the
// bytes behind UploadRefs.
type ProofUpload struct {
	ID           string      `json:"id"`
	ContractID   string      `json:"contract_id"`
	Kind         ProofKind   `json:"kind"`
	MilestoneIdx *int        `json:"milestone_idx,omitempty"`
	UploadRefs   []string    `json:"upload_refs"`
	WorkProgress int         `json:"work_progress"`
	Status       ProofStatus `json:"status"`
	// ForCancellation marks the final proof demanded by an accepted
	// cancellation ticket; its review settles the contract.
	ForCancellation bool       `json:"for_cancellation,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty"`
}
