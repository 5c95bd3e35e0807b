// Package escrow provides payment-gateway implementations for the
// amendment engine. The real money movement lives behind a provider;
// this package ships the in-memory gateway used in development and
// tests, which records every intent and lets callers confirm them
// manually the way a provider webhook would.
package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Artifex-Works/patron/core/pkg/finance"
)

// IntentKind distinguishes the two directions money moves.
type IntentKind string

const (
	IntentCharge  IntentKind = "charge"
	IntentRelease IntentKind = "release"
)

// Intent is one recorded gateway instruction.
type Intent struct {
	ID        string
	Kind      IntentKind
	PartyID   string
	Amount    finance.Money
	Memo      string
	CreatedAt time.Time
	Confirmed bool
	TxnID     string
}

// MemoryGateway is an in-process gateway double. Charges and releases
// never fail unless a failure is injected with FailNext.
type MemoryGateway struct {
	mu      sync.Mutex
	intents map[string]*Intent
	order   []string
	nextErr error
	clock   func() time.Time
}

// NewMemoryGateway creates an empty gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		intents: make(map[string]*Intent),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *MemoryGateway) WithClock(clock func() time.Time) *MemoryGateway {
	g.clock = clock
	return g
}

// FailNext makes the next intent call return err instead of recording.
func (g *MemoryGateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextErr = err
}

// ChargeIntent records a charge against payerID and returns its id.
func (g *MemoryGateway) ChargeIntent(ctx context.Context, payerID string, amount finance.Money, memo string) (string, error) {
	return g.add(ctx, IntentCharge, payerID, amount, memo)
}

// ReleaseIntent records a release toward payeeID and returns its id.
func (g *MemoryGateway) ReleaseIntent(ctx context.Context, payeeID string, amount finance.Money, memo string) (string, error) {
	return g.add(ctx, IntentRelease, payeeID, amount, memo)
}

func (g *MemoryGateway) add(ctx context.Context, kind IntentKind, partyID string, amount finance.Money, memo string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.nextErr != nil {
		err := g.nextErr
		g.nextErr = nil
		return "", err
	}
	in := &Intent{
		ID:        uuid.NewString(),
		Kind:      kind,
		PartyID:   partyID,
		Amount:    amount,
		Memo:      memo,
		CreatedAt: g.clock(),
	}
	g.intents[in.ID] = in
	g.order = append(g.order, in.ID)
	return in.ID, nil
}

// Confirm marks an intent settled and returns the provider transaction
// id, mimicking the webhook a real provider would deliver. Confirming
// twice returns the same transaction id.
func (g *MemoryGateway) Confirm(intentID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[intentID]
	if !ok {
		return "", fmt.Errorf("escrow: unknown intent %s", intentID)
	}
	if !in.Confirmed {
		in.Confirmed = true
		in.TxnID = "txn-" + uuid.NewString()
	}
	return in.TxnID, nil
}

// Intent returns a copy of one recorded intent.
func (g *MemoryGateway) Intent(intentID string) (Intent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[intentID]
	if !ok {
		return Intent{}, false
	}
	return *in, true
}

// Intents returns copies of all recorded intents in creation order.
func (g *MemoryGateway) Intents() []Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Intent, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.intents[id])
	}
	return out
}
