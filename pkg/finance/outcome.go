package finance

import (
	"fmt"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
)

// Outcome is the two-way split of a contract's total. The two shares
// always sum exactly to the total: the artist share is computed first
// with truncating integer math and the client takes the remainder,
// including any sub-unit left over from truncation.
type Outcome struct {
	ArtistAmount Money `json:"artist_amount"`
	ClientAmount Money `json:"client_amount"`
	// FeeAmount is the cancellation fee that was applied, for display.
	FeeAmount Money `json:"fee_amount"`
}

// CancellationFee computes the fee from the contract's policy: the flat
// amount, or the policy percentage of the total truncated to minor
// units. The fee is capped at the contract total.
func CancellationFee(total Money, policy contracts.FeePolicy) Money {
	var fee Money
	switch policy.Kind {
	case contracts.FeeFlat:
		fee = NewMoney(policy.Amount, total.Currency)
	case contracts.FeePercent:
		fee = total.Percent(int(policy.Amount))
	default:
		fee = NewMoney(0, total.Currency)
	}
	if fee.AmountMinor > total.AmountMinor {
		fee.AmountMinor = total.AmountMinor
	}
	if fee.IsNegative() {
		fee.AmountMinor = 0
	}
	return fee
}

// CancellationOutcome computes the final payment split for a cancelled
// contract. It is pure and deterministic, so callers may preview the
// estimated outcome before any money moves.
//
// When the client requested cancellation the artist keeps the fee on
// top of the completed share:
//
//	artist = total*workProgress/100 + fee (capped at total)
//
// When the artist requested cancellation the fee is forfeited to the
// client and only the remainder is apportioned:
//
//	artist = (total - fee) * workProgress/100
//
// All divisions truncate; the client receives total - artist, which
// allocates any truncation remainder to the client.
func CancellationOutcome(total Money, policy contracts.FeePolicy, requestedBy contracts.Party, workProgress int) (Outcome, error) {
	if workProgress < 0 || workProgress > 100 {
		return Outcome{}, fmt.Errorf("work progress out of range: %d", workProgress)
	}
	if total.IsNegative() {
		return Outcome{}, fmt.Errorf("negative contract total: %d", total.AmountMinor)
	}
	fee := CancellationFee(total, policy)

	var artist Money
	switch requestedBy {
	case contracts.PartyClient:
		artist = total.Percent(workProgress)
		artist.AmountMinor += fee.AmountMinor
		if artist.AmountMinor > total.AmountMinor {
			artist.AmountMinor = total.AmountMinor
		}
	case contracts.PartyArtist:
		remainder, err := total.Sub(fee)
		if err != nil {
			return Outcome{}, err
		}
		artist = remainder.Percent(workProgress)
	default:
		return Outcome{}, fmt.Errorf("unknown requesting party %q", requestedBy)
	}

	client, err := total.Sub(artist)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{ArtistAmount: artist, ClientAmount: client, FeeAmount: fee}, nil
}

// CompletionOutcome computes the split for a normally completed
// contract: the artist receives the full total.
func CompletionOutcome(total Money) Outcome {
	return Outcome{
		ArtistAmount: total,
		ClientAmount: NewMoney(0, total.Currency),
		FeeAmount:    NewMoney(0, total.Currency),
	}
}
