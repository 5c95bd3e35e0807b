package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
	"github.com/Artifex-Works/patron/core/pkg/finance"
	"github.com/Artifex-Works/patron/core/pkg/ledger"
	"github.com/Artifex-Works/patron/core/pkg/observability"
	"github.com/Artifex-Works/patron/core/pkg/store"
)

// MinReasonLength is the minimum length of a rejection reason.
const MinReasonLength = 10

// EscrowGateway is the external payment collaborator. The engine only
// issues intents; confirmations arrive later through ConfirmCharge.
type EscrowGateway interface {
	// ChargeIntent asks the gateway to charge payerID. Returns the
	// intent id the confirmation webhook will carry.
	ChargeIntent(ctx context.Context, payerID string, amount finance.Money, memo string) (string, error)
	// ReleaseIntent asks the gateway to release held funds to payeeID.
	ReleaseIntent(ctx context.Context, payeeID string, amount finance.Money, memo string) (string, error)
}

// ForcedOutcome names what happens to a ticket whose response window
// elapses with no answer.
type ForcedOutcome string

const (
	// ForceFavorRequester auto-accepts: the counterparty's inaction
	// defaults to the requested amendment proceeding.
	ForceFavorRequester ForcedOutcome = "favorRequester"
	// ForceFavorCounterparty auto-rejects the request instead.
	ForceFavorCounterparty ForcedOutcome = "favorCounterparty"
	// ForceEscalate opens a resolution dispute for admin review.
	ForceEscalate ForcedOutcome = "escalate"
)

// Policies are the engine's tunable windows and expiry outcomes, one
// forced-outcome policy per ticket type.
type Policies struct {
	CancellationExpiry ForcedOutcome
	RevisionExpiry     ForcedOutcome
	ChangeExpiry       ForcedOutcome
	ResponseWindow     time.Duration
	CounterWindow      time.Duration
}

// DefaultPolicies favors the requester on expiry everywhere, with a
// 72h response window and a 72h counterproof window.
func DefaultPolicies() Policies {
	return Policies{
		CancellationExpiry: ForceFavorRequester,
		RevisionExpiry:     ForceFavorRequester,
		ChangeExpiry:       ForceFavorRequester,
		ResponseWindow:     72 * time.Hour,
		CounterWindow:      72 * time.Hour,
	}
}

// Validate rejects policy combinations the engine cannot honor. Change
// tickets have no resolution target type, so they cannot escalate.
func (p Policies) Validate() error {
	for _, o := range []ForcedOutcome{p.CancellationExpiry, p.RevisionExpiry, p.ChangeExpiry} {
		switch o {
		case ForceFavorRequester, ForceFavorCounterparty, ForceEscalate:
		default:
			return validation("unknown forced outcome %q", o)
		}
	}
	if p.ChangeExpiry == ForceEscalate {
		return validation("change tickets cannot use the escalate expiry policy")
	}
	if p.ResponseWindow <= 0 || p.CounterWindow <= 0 {
		return validation("response and counter windows must be positive")
	}
	return nil
}

// Engine drives all ticket transitions. Every mutation runs under a
// per-contract mutex and commits through an optimistic version check,
// so exactly one writer wins per contract at a time.
type Engine struct {
	store    store.Store
	escrow   EscrowGateway
	audit    *ledger.Ledger
	policies Policies
	clock    func() time.Time
	logger   *slog.Logger
	obs      *observability.Provider

	locks sync.Map // contract id -> *sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithPolicies replaces the default policies.
func WithPolicies(p Policies) Option {
	return func(e *Engine) { e.policies = p }
}

// WithLedger attaches an audit ledger.
func WithLedger(l *ledger.Ledger) Option {
	return func(e *Engine) { e.audit = l }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithObserver attaches a telemetry provider for transition metrics and
// span events.
func WithObserver(p *observability.Provider) Option {
	return func(e *Engine) { e.obs = p }
}

// New creates an engine over a store and an escrow gateway.
func New(st store.Store, escrow EscrowGateway, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		escrow:   escrow,
		audit:    ledger.New(),
		policies: DefaultPolicies(),
		clock:    time.Now,
		logger:   slog.Default().With("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.policies.Validate(); err != nil {
		e.logger.Error("invalid policies supplied; falling back to defaults", "error", err)
		e.policies = DefaultPolicies()
	}
	return e
}

// Policies returns the active policies.
func (e *Engine) Policies() Policies { return e.policies }

// Audit returns the engine's audit ledger.
func (e *Engine) Audit() *ledger.Ledger { return e.audit }

func (e *Engine) now() time.Time { return e.clock() }

// lock acquires the per-contract mutex and returns its release func.
func (e *Engine) lock(contractID string) func() {
	v, _ := e.locks.LoadOrStore(contractID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// contract loads the aggregate, mapping a missing record to a
// precondition failure.
func (e *Engine) contract(ctx context.Context, contractID string) (*contracts.Contract, error) {
	c, err := e.store.GetContract(ctx, contractID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, precondition("contract %s not found", contractID)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// commit bumps the version and saves the aggregate, translating a lost
// race into a retryable conflict.
func (e *Engine) commit(ctx context.Context, c *contracts.Contract) error {
	expected := c.Version
	c.Version++
	c.UpdatedAt = e.now()
	if err := e.store.SaveContract(ctx, c, expected); err != nil {
		c.Version = expected
		observability.SetSpanStatus(ctx, err)
		if errors.Is(err, store.ErrVersionConflict) {
			return conflict("contract "+c.ID+" changed during the operation", err)
		}
		return err
	}
	return nil
}

// record appends to the audit ledger; audit failures are logged, never
// surfaced, because the transition has already committed.
func (e *Engine) record(entryType, contractID, actor string, data map[string]any) {
	if e.audit == nil {
		return
	}
	if _, err := e.audit.Append(entryType, contractID, actor, data); err != nil {
		e.logger.Error("audit append failed", "entry_type", entryType, "contract_id", contractID, "error", err)
	}
}

// observeTicket emits a span event and a transition metric for one
// ticket status change.
func (e *Engine) observeTicket(ctx context.Context, contractID, ticketID string, ticketType contracts.TicketType, status string) {
	observability.AddSpanEvent(ctx, "ticket.transition",
		observability.TicketOperation(contractID, ticketID, string(ticketType), status)...)
	if e.obs != nil {
		e.obs.RecordTransition(ctx, string(ticketType), status)
	}
}

// observeEscrow emits a span event for an issued escrow intent.
func (e *Engine) observeEscrow(ctx context.Context, contractID, intentID, kind, partyID string, amount finance.Money) {
	observability.AddSpanEvent(ctx, "escrow.intent",
		observability.EscrowOperation(contractID, intentID, kind, partyID, amount.AmountMinor)...)
}

func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }

// requireParty resolves an actor to its contract side.
func requireParty(c *contracts.Contract, actorID string) (contracts.Party, error) {
	party, ok := c.PartyOf(actorID)
	if !ok {
		return "", precondition("actor %s is not a party to contract %s", actorID, c.ID)
	}
	return party, nil
}

// requireReason enforces the minimum rejection-reason length.
func requireReason(reason string) error {
	if len(strings.TrimSpace(reason)) < MinReasonLength {
		return validation("rejection reason must be at least %d characters", MinReasonLength)
	}
	return nil
}

// PreviewCancellationOutcome computes the estimated settlement for a
// hypothetical or in-flight cancellation without moving money. Pure
// read; no lock taken.
func (e *Engine) PreviewCancellationOutcome(ctx context.Context, contractID string, requestedBy contracts.Party, workProgress int) (finance.Outcome, error) {
	c, err := e.contract(ctx, contractID)
	if err != nil {
		return finance.Outcome{}, err
	}
	total := finance.NewMoney(c.Finance.Total, c.Finance.Currency)
	out, err := finance.CancellationOutcome(total, c.FeePolicy, requestedBy, workProgress)
	if err != nil {
		return finance.Outcome{}, validation("outcome preview: %v", err)
	}
	return out, nil
}
