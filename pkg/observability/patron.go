// Domain-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Domain semantic convention attributes.
var (
	// Contract attributes
	AttrContractID      = attribute.Key("patron.contract.id")
	AttrContractVersion = attribute.Key("patron.contract.version")

	// Ticket attributes
	AttrTicketID     = attribute.Key("patron.ticket.id")
	AttrTicketType   = attribute.Key("patron.ticket.type")
	AttrTicketStatus = attribute.Key("patron.ticket.status")

	// Escrow attributes
	AttrIntentID     = attribute.Key("patron.escrow.intent_id")
	AttrIntentKind   = attribute.Key("patron.escrow.kind")
	AttrAmountMinor  = attribute.Key("patron.escrow.amount_minor")
	AttrEscrowParty  = attribute.Key("patron.escrow.party_id")

	// Sweep attributes
	AttrSweepDue     = attribute.Key("patron.sweep.due")
	AttrSweepOutcome = attribute.Key("patron.sweep.outcome")
)

// TicketOperation creates attributes for ticket transitions.
func TicketOperation(contractID, ticketID, ticketType, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrContractID.String(contractID),
		AttrTicketID.String(ticketID),
		AttrTicketType.String(ticketType),
		AttrTicketStatus.String(status),
	}
}

// EscrowOperation creates attributes for escrow intents.
func EscrowOperation(contractID, intentID, kind, partyID string, amountMinor int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrContractID.String(contractID),
		AttrIntentID.String(intentID),
		AttrIntentKind.String(kind),
		AttrEscrowParty.String(partyID),
		AttrAmountMinor.Int64(amountMinor),
	}
}

// SweepOperation creates attributes for one expiry sweep.
func SweepOperation(due int, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSweepDue.Int(due),
		AttrSweepOutcome.String(outcome),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
