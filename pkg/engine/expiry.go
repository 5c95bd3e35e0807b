package engine

import (
	"context"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
)

// SweepResult summarizes one expiry pass.
type SweepResult struct {
	Due         int
	Transitions int
	Skipped     int
	Errors      int
}

// ExpireDue applies the no-response transition to every ticket whose
// deadline has passed, up to limit (0 = no limit). Each ticket is
// processed under its contract's lock; tickets another writer already
// transitioned are counted as skips, not errors, so overlapping sweeps
// and restarts are harmless.
func (e *Engine) ExpireDue(ctx context.Context, limit int) (SweepResult, error) {
	var res SweepResult

	due, err := e.store.DueTickets(ctx, e.now(), limit)
	if err != nil {
		return res, err
	}
	res.Due = len(due)

	for _, t := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var err error
		switch t.TicketType() {
		case contracts.TicketCancel:
			err = e.expireCancellation(ctx, t.TicketID())
		case contracts.TicketRevision:
			err = e.expireRevision(ctx, t.TicketID())
		case contracts.TicketChange:
			err = e.expireChange(ctx, t.TicketID())
		case contracts.TicketResolution:
			err = e.expireResolution(ctx, t.TicketID())
		default:
			e.logger.Error("unknown ticket type in expiry sweep", "ticket_id", t.TicketID())
			res.Errors++
			continue
		}
		switch {
		case err == nil:
			res.Transitions++
		case KindOf(err) == KindSchedulerSkip:
			res.Skipped++
			e.logger.Debug("expiry sweep no-op", "ticket_id", t.TicketID(), "reason", err.Error())
		default:
			res.Errors++
			e.logger.Error("expiry transition failed", "ticket_id", t.TicketID(), "error", err)
		}
	}
	return res, nil
}
