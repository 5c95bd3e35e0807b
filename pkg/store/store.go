// Package store persists the contract aggregate and its ticket
// collections. Three backends share one interface: in-memory for tests,
// SQLite for single-node deployments, Postgres for everything else.
//
// Contracts carry an optimistic version token; SaveContract refuses a
// write whose expected version no longer matches, which is how the
// engine detects a lost race across processes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned by SaveContract when the stored
// version differs from the caller's expected version. The caller may
// retry the whole operation from fresh state.
var ErrVersionConflict = errors.New("store: contract version conflict")

// Store is the persistence port consumed by the engine and scheduler.
// Find* methods return (nil, nil) when nothing matches; Get* methods
// return ErrNotFound.
type Store interface {
	// Contracts.
	CreateContract(ctx context.Context, c *contracts.Contract) error
	GetContract(ctx context.Context, id string) (*contracts.Contract, error)
	// SaveContract writes c only if the stored version equals
	// expectedVersion, otherwise ErrVersionConflict.
	SaveContract(ctx context.Context, c *contracts.Contract, expectedVersion int64) error

	// Cancellation tickets.
	PutCancellation(ctx context.Context, t *contracts.CancellationTicket) error
	GetCancellation(ctx context.Context, id string) (*contracts.CancellationTicket, error)
	FindOpenCancellation(ctx context.Context, contractID string) (*contracts.CancellationTicket, error)
	// FindAcceptedCancellation returns the accepted or force-accepted
	// ticket awaiting proof, if any.
	FindAcceptedCancellation(ctx context.Context, contractID string) (*contracts.CancellationTicket, error)

	// Revision tickets.
	PutRevision(ctx context.Context, t *contracts.RevisionTicket) error
	GetRevision(ctx context.Context, id string) (*contracts.RevisionTicket, error)
	FindOpenRevision(ctx context.Context, contractID string, milestoneIdx *int) (*contracts.RevisionTicket, error)
	FindRevisionByIntent(ctx context.Context, intentID string) (*contracts.RevisionTicket, error)
	ListOpenRevisions(ctx context.Context, contractID string) ([]*contracts.RevisionTicket, error)

	// Change tickets.
	PutChange(ctx context.Context, t *contracts.ChangeTicket) error
	GetChange(ctx context.Context, id string) (*contracts.ChangeTicket, error)
	FindOpenChange(ctx context.Context, contractID string) (*contracts.ChangeTicket, error)
	FindChangeByIntent(ctx context.Context, intentID string) (*contracts.ChangeTicket, error)

	// Resolution tickets.
	PutResolution(ctx context.Context, t *contracts.ResolutionTicket) error
	GetResolution(ctx context.Context, id string) (*contracts.ResolutionTicket, error)
	FindActiveResolutionForTarget(ctx context.Context, targetID string) (*contracts.ResolutionTicket, error)

	// Proof uploads.
	PutProof(ctx context.Context, p *contracts.ProofUpload) error
	GetProof(ctx context.Context, id string) (*contracts.ProofUpload, error)

	// DueTickets returns up to limit tickets whose response deadline
	// has passed and which still await one, oldest deadline first.
	DueTickets(ctx context.Context, now time.Time, limit int) ([]contracts.Ticket, error)
}
