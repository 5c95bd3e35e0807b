package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
	"github.com/Artifex-Works/patron/core/pkg/ledger"
)

// NewContractInput is everything needed to open a commission.
type NewContractInput struct {
	ClientID    string
	ArtistID    string
	Description string
	TotalMinor  int64
	Currency    string
	FeePolicy   contracts.FeePolicy
	// MilestonePercents, when non-empty, switches the contract to the
	// milestone flow. Must sum to 100.
	MilestonePercents []int
	DeadlineAt        time.Time
	GracePeriod       time.Duration
}

// CreateContract opens a new active commission contract at version 1.
func (e *Engine) CreateContract(ctx context.Context, in NewContractInput) (*contracts.Contract, error) {
	if in.ClientID == "" || in.ArtistID == "" {
		return nil, validation("both client and artist ids are required")
	}
	if in.ClientID == in.ArtistID {
		return nil, validation("client and artist must be distinct parties")
	}
	if in.TotalMinor <= 0 {
		return nil, validation("contract total must be positive")
	}
	if in.Currency == "" {
		return nil, validation("currency is required")
	}
	if err := validateFeePolicy(in.FeePolicy); err != nil {
		return nil, err
	}

	now := e.now()
	c := &contracts.Contract{
		ID:        uuid.NewString(),
		ClientID:  in.ClientID,
		ArtistID:  in.ArtistID,
		Status:    contracts.ContractActive,
		Version:   1,
		FeePolicy: in.FeePolicy,
		Finance: contracts.Finance{
			Total:    in.TotalMinor,
			Currency: in.Currency,
		},
		TermsHistory: []contracts.Terms{{
			Description: in.Description,
			DeadlineAt:  in.DeadlineAt,
		}},
		DeadlineAt: in.DeadlineAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if !in.DeadlineAt.IsZero() && in.GracePeriod > 0 {
		c.GraceEndsAt = in.DeadlineAt.Add(in.GracePeriod)
	}
	if len(in.MilestonePercents) > 0 {
		sum := 0
		for i, pct := range in.MilestonePercents {
			if pct <= 0 || pct > 100 {
				return nil, validation("milestone %d percent %d out of range (0, 100]", i, pct)
			}
			sum += pct
			c.Milestones = append(c.Milestones, contracts.Milestone{
				Index:   i,
				Percent: pct,
				Status:  contracts.MilestonePending,
			})
		}
		if sum != 100 {
			return nil, validation("milestone percents sum to %d, want 100", sum)
		}
	}

	if err := e.store.CreateContract(ctx, c); err != nil {
		return nil, err
	}
	e.record(ledger.EntryTicketOpened, c.ID, in.ClientID, map[string]any{
		"event":       "contract.created",
		"artist_id":   in.ArtistID,
		"total_minor": in.TotalMinor,
		"currency":    in.Currency,
		"milestones":  len(c.Milestones),
	})
	return c, nil
}

// GetContract loads a contract by id for read-only use.
func (e *Engine) GetContract(ctx context.Context, contractID string) (*contracts.Contract, error) {
	return e.contract(ctx, contractID)
}

func validateFeePolicy(p contracts.FeePolicy) error {
	switch p.Kind {
	case contracts.FeeFlat:
		if p.Amount < 0 {
			return validation("flat cancellation fee must not be negative")
		}
	case contracts.FeePercent:
		if p.Amount < 0 || p.Amount > 100 {
			return validation("percent cancellation fee %d out of range [0, 100]", p.Amount)
		}
	default:
		return validation("unknown fee policy kind %q", p.Kind)
	}
	return nil
}
