// Package contracts defines the shared domain types of the commission
// engine: the Contract aggregate, its milestones and terms history, and
// the four amendment ticket variants that mutate it.
package contracts

import (
	"time"
)

// Party identifies which side of a commission contract an actor is on.
type Party string

const (
	PartyClient Party = "client"
	PartyArtist Party = "artist"
)

// Counterparty returns the other side.
func (p Party) Counterparty() Party {
	if p == PartyClient {
		return PartyArtist
	}
	return PartyClient
}

// ContractStatus is the lifecycle state of a commission contract.
type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractCompleted ContractStatus = "completed"
	ContractCancelled ContractStatus = "cancelled"
	ContractDisputed  ContractStatus = "disputed"
)

// FeePolicyKind selects how the cancellation fee is computed.
type FeePolicyKind string

const (
	FeeFlat    FeePolicyKind = "flat"
	FeePercent FeePolicyKind = "percent"
)

// FeePolicy is the contract's cancellation-fee policy. For FeeFlat,
// Amount is in minor currency units; for FeePercent it is a whole
// percentage of the contract total (0-100).
type FeePolicy struct {
	Kind   FeePolicyKind `json:"kind"`
	Amount int64         `json:"amount"`
}

// MilestoneStatus is the review state of a single milestone.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneSubmitted MilestoneStatus = "submitted"
	MilestoneAccepted  MilestoneStatus = "accepted"
	MilestoneRejected  MilestoneStatus = "rejected"
)

// Milestone is one percent-weighted deliverable of a milestone-flow
// contract. Index order is significant; percents across a contract sum
// to 100. A milestone is immutable once accepted.
type Milestone struct {
	Index   int             `json:"index"`
	Title   string          `json:"title,omitempty"`
	Percent int             `json:"percent"`
	Status  MilestoneStatus `json:"status"`
}

// Terms is one revision of the contract's negotiated terms. The latest
// entry in Contract.TermsHistory is the current terms.
type Terms struct {
	Description string            `json:"description"`
	DeadlineAt  time.Time         `json:"deadline_at"`
	Options     map[string]string `json:"options,omitempty"`
}

// Finance holds the contract's monetary terms. Amounts are minor
// currency units.
type Finance struct {
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
}

// Contract is the aggregate root. It exclusively owns its milestones
// and tickets; every ticket transition bumps Version, which doubles as
// the optimistic-concurrency token for persistence.
type Contract struct {
	ID           string         `json:"id"`
	ClientID     string         `json:"client_id"`
	ArtistID     string         `json:"artist_id"`
	Status       ContractStatus `json:"status"`
	Version      int64          `json:"version"`
	Finance      Finance        `json:"finance"`
	FeePolicy    FeePolicy      `json:"fee_policy"`
	Milestones   []Milestone    `json:"milestones,omitempty"`
	TermsHistory []Terms        `json:"terms_history"`
	DeadlineAt   time.Time      `json:"deadline_at"`
	GraceEndsAt  time.Time      `json:"grace_ends_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// CurrentTerms returns the latest terms revision, or a zero value for a
// contract with no history.
func (c *Contract) CurrentTerms() Terms {
	if len(c.TermsHistory) == 0 {
		return Terms{}
	}
	return c.TermsHistory[len(c.TermsHistory)-1]
}

// Settled reports whether the contract reached a terminal state.
// Completed and cancelled contracts accept no further transitions.
func (c *Contract) Settled() bool {
	return c.Status == ContractCompleted || c.Status == ContractCancelled
}

// PartyOf resolves an actor id to its side of the contract. The second
// return is false for strangers.
func (c *Contract) PartyOf(actorID string) (Party, bool) {
	switch actorID {
	case c.ClientID:
		return PartyClient, true
	case c.ArtistID:
		return PartyArtist, true
	}
	return "", false
}

// PartyID returns the actor id for a side.
func (c *Contract) PartyID(p Party) string {
	if p == PartyClient {
		return c.ClientID
	}
	return c.ArtistID
}

// IsMilestoneFlow reports whether deliverables are split into reviewed
// milestones.
func (c *Contract) IsMilestoneFlow() bool {
	return len(c.Milestones) > 0
}

// MilestonePercentSum returns the sum of milestone percents. For a
// well-formed milestone-flow contract this is 100.
func (c *Contract) MilestonePercentSum() int {
	sum := 0
	for _, m := range c.Milestones {
		sum += m.Percent
	}
	return sum
}

// AcceptedProgress returns the work-progress percentage implied by
// accepted milestones. Used as the default estimate when no proof
// upload states a figure.
func (c *Contract) AcceptedProgress() int {
	progress := 0
	for _, m := range c.Milestones {
		if m.Status == MilestoneAccepted {
			progress += m.Percent
		}
	}
	return progress
}

// ChangeSet is a partial overlay of contract terms carried by a
// ChangeTicket. Nil fields are left untouched on application.
type ChangeSet struct {
	Description *string           `json:"description,omitempty"`
	DeadlineAt  *time.Time        `json:"deadline_at,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

// IsEmpty reports whether the overlay changes nothing.
func (cs ChangeSet) IsEmpty() bool {
	return cs.Description == nil && cs.DeadlineAt == nil && len(cs.Options) == 0
}

// Apply produces the next terms revision from the current one. It never
// mutates the receiver or the input.
func (cs ChangeSet) Apply(current Terms) Terms {
	next := Terms{
		Description: current.Description,
		DeadlineAt:  current.DeadlineAt,
	}
	if len(current.Options) > 0 {
		next.Options = make(map[string]string, len(current.Options))
		for k, v := range current.Options {
			next.Options[k] = v
		}
	}
	if cs.Description != nil {
		next.Description = *cs.Description
	}
	if cs.DeadlineAt != nil {
		next.DeadlineAt = *cs.DeadlineAt
	}
	if len(cs.Options) > 0 {
		if next.Options == nil {
			next.Options = make(map[string]string, len(cs.Options))
		}
		for k, v := range cs.Options {
			next.Options[k] = v
		}
	}
	return next
}
