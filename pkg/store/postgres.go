package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
)

// PostgresStore persists the aggregate in PostgreSQL. Contract saves
// run under SELECT ... FOR UPDATE so the version check and the write
// are one atomic step: the row lock prevents a concurrent save from
// slipping between them.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing handle and migrates.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS commission_contracts (
		id TEXT PRIMARY KEY,
		version BIGINT NOT NULL,
		status TEXT NOT NULL,
		payload JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS commission_tickets (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		ticket_type TEXT NOT NULL,
		status TEXT NOT NULL,
		milestone_idx INTEGER,
		escrow_intent_id TEXT NOT NULL DEFAULT '',
		target_id TEXT NOT NULL DEFAULT '',
		open BOOLEAN NOT NULL,
		awaiting_until TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		payload JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commission_tickets_due
		ON commission_tickets(awaiting_until) WHERE awaiting_until IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_commission_tickets_contract
		ON commission_tickets(contract_id, ticket_type);
	CREATE TABLE IF NOT EXISTS proof_uploads (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		payload JSONB NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) CreateContract(ctx context.Context, c *contracts.Contract) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO commission_contracts (id, version, status, payload, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Version, string(c.Status), payload, c.UpdatedAt.UTC())
	return err
}

func (s *PostgresStore) GetContract(ctx context.Context, id string) (*contracts.Contract, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM commission_contracts WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var c contracts.Contract
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("decode contract %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) SaveContract(ctx context.Context, c *contracts.Contract, expectedVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stored int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM commission_contracts WHERE id = $1 FOR UPDATE`,
		c.ID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("contract lock failed: %w", err)
	}
	if stored != expectedVersion {
		return ErrVersionConflict
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE commission_contracts SET version = $1, status = $2, payload = $3, updated_at = $4 WHERE id = $5`,
		c.Version, string(c.Status), payload, c.UpdatedAt.UTC(), c.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) putTicket(ctx context.Context, t contracts.Ticket) error {
	row, err := rowFor(t)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	var awaiting any
	if row.awaiting != nil {
		parsed, err := time.Parse(time.RFC3339Nano, *row.awaiting)
		if err != nil {
			return err
		}
		awaiting = parsed
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commission_tickets
			(id, contract_id, ticket_type, status, milestone_idx, escrow_intent_id, target_id, open, awaiting_until, created_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			escrow_intent_id = EXCLUDED.escrow_intent_id,
			open = EXCLUDED.open,
			awaiting_until = EXCLUDED.awaiting_until,
			payload = EXCLUDED.payload`,
		row.id, row.contractID, string(row.ticketType), row.status, row.milestoneIdx,
		row.intentID, row.targetID, row.open, awaiting, row.createdAt.UTC(), payload)
	return err
}

func (s *PostgresStore) getTicket(ctx context.Context, id string, ticketType contracts.TicketType) (contracts.Ticket, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM commission_tickets WHERE id = $1 AND ticket_type = $2`,
		id, string(ticketType)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTicket(string(ticketType), payload)
}

func (s *PostgresStore) findTicket(ctx context.Context, ticketType contracts.TicketType, query string, args ...any) (contracts.Ticket, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeTicket(string(ticketType), payload)
}

func (s *PostgresStore) PutCancellation(ctx context.Context, t *contracts.CancellationTicket) error {
	return s.putTicket(ctx, t)
}

func (s *PostgresStore) GetCancellation(ctx context.Context, id string) (*contracts.CancellationTicket, error) {
	t, err := s.getTicket(ctx, id, contracts.TicketCancel)
	if err != nil {
		return nil, err
	}
	return t.(*contracts.CancellationTicket), nil
}

func (s *PostgresStore) FindOpenCancellation(ctx context.Context, contractID string) (*contracts.CancellationTicket, error) {
	t, err := s.findTicket(ctx, contracts.TicketCancel,
		`SELECT payload FROM commission_tickets
		 WHERE contract_id = $1 AND ticket_type = $2 AND open LIMIT 1`,
		contractID, string(contracts.TicketCancel))
	if t == nil || err != nil {
		return nil, err
	}
	return t.(*contracts.CancellationTicket), nil
}

func (s *PostgresStore) FindAcceptedCancellation(ctx context.Context, contractID string) (*contracts.CancellationTicket, error) {
	t, err := s.findTicket(ctx, contracts.TicketCancel,
		`SELECT payload FROM commission_tickets
		 WHERE contract_id = $1 AND ticket_type = $2 AND status IN ($3, $4)
		 ORDER BY created_at DESC LIMIT 1`,
		contractID, string(contracts.TicketCancel),
		string(contracts.CancelAccepted), string(contracts.CancelForcedAccepted))
	if t == nil || err != nil {
		return nil, err
	}
	return t.(*contracts.CancellationTicket), nil
}

func (s *PostgresStore) PutRevision(ctx context.Context, t *contracts.RevisionTicket) error {
	return s.putTicket(ctx, t)
}

func (s *PostgresStore) GetRevision(ctx context.Context, id string) (*contracts.RevisionTicket, error) {
	t, err := s.getTicket(ctx, id, contracts.TicketRevision)
	if err != nil {
		return nil, err
	}
	return t.(*contracts.RevisionTicket), nil
}

func (s *PostgresStore) FindOpenRevision(ctx context.Context, contractID string, milestoneIdx *int) (*contracts.RevisionTicket, error) {
	query := `SELECT payload FROM commission_tickets
		 WHERE contract_id = $1 AND ticket_type = $2 AND open AND milestone_idx IS NULL LIMIT 1`
	args := []any{contractID, string(contracts.TicketRevision)}
	if milestoneIdx != nil {
		query = `SELECT payload FROM commission_tickets
		 WHERE contract_id = $1 AND ticket_type = $2 AND open AND milestone_idx = $3 LIMIT 1`
		args = append(args, *milestoneIdx)
	}
	t, err := s.findTicket(ctx, contracts.TicketRevision, query, args...)
	if t == nil || err != nil {
		return nil, err
	}
	return t.(*contracts.RevisionTicket), nil
}

func (s *PostgresStore) FindRevisionByIntent(ctx context.Context, intentID string) (*contracts.RevisionTicket, error) {
	t, err := s.findTicket(ctx, contracts.TicketRevision,
		`SELECT payload FROM commission_tickets
		 WHERE ticket_type = $1 AND escrow_intent_id = $2 LIMIT 1`,
		string(contracts.TicketRevision), intentID)
	if t == nil || err != nil {
		return nil, err
	}
	return t.(*contracts.RevisionTicket), nil
}

func (s *PostgresStore) ListOpenRevisions(ctx context.Context, contractID string) ([]*contracts.RevisionTicket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM commission_tickets
		 WHERE contract_id = $1 AND ticket_type = $2 AND open
		 ORDER BY created_at ASC`,
		contractID, string(contracts.TicketRevision))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.RevisionTicket
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		t, err := decodeTicket(string(contracts.TicketRevision), payload)
		if err != nil {
			return nil, err
		}
		out = append(out, t.(*contracts.RevisionTicket))
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutChange(ctx context.Context, t *contracts.ChangeTicket) error {
	return s.putTicket(ctx, t)
}

func (s *PostgresStore) GetChange(ctx context.Context, id string) (*contracts.ChangeTicket, error) {
	t, err := s.getTicket(ctx, id, contracts.TicketChange)
	if err != nil {
		return nil, err
	}
	return t.(*contracts.ChangeTicket), nil
}

func (s *PostgresStore) FindOpenChange(ctx context.Context, contractID string) (*contracts.ChangeTicket, error) {
	t, err := s.findTicket(ctx, contracts.TicketChange,
		`SELECT payload FROM commission_tickets
		 WHERE contract_id = $1 AND ticket_type = $2 AND open LIMIT 1`,
		contractID, string(contracts.TicketChange))
	if t == nil || err != nil {
		return nil, err
	}
	return t.(*contracts.ChangeTicket), nil
}

func (s *PostgresStore) FindChangeByIntent(ctx context.Context, intentID string) (*contracts.ChangeTicket, error) {
	t, err := s.findTicket(ctx, contracts.TicketChange,
		`SELECT payload FROM commission_tickets
		 WHERE ticket_type = $1 AND escrow_intent_id = $2 LIMIT 1`,
		string(contracts.TicketChange), intentID)
	if t == nil || err != nil {
		return nil, err
	}
	return t.(*contracts.ChangeTicket), nil
}

func (s *PostgresStore) PutResolution(ctx context.Context, t *contracts.ResolutionTicket) error {
	return s.putTicket(ctx, t)
}

func (s *PostgresStore) GetResolution(ctx context.Context, id string) (*contracts.ResolutionTicket, error) {
	t, err := s.getTicket(ctx, id, contracts.TicketResolution)
	if err != nil {
		return nil, err
	}
	return t.(*contracts.ResolutionTicket), nil
}

func (s *PostgresStore) FindActiveResolutionForTarget(ctx context.Context, targetID string) (*contracts.ResolutionTicket, error) {
	t, err := s.findTicket(ctx, contracts.TicketResolution,
		`SELECT payload FROM commission_tickets
		 WHERE ticket_type = $1 AND target_id = $2 AND open LIMIT 1`,
		string(contracts.TicketResolution), targetID)
	if t == nil || err != nil {
		return nil, err
	}
	return t.(*contracts.ResolutionTicket), nil
}

func (s *PostgresStore) PutProof(ctx context.Context, p *contracts.ProofUpload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proof_uploads (id, contract_id, payload) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		p.ID, p.ContractID, payload)
	return err
}

func (s *PostgresStore) GetProof(ctx context.Context, id string) (*contracts.ProofUpload, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM proof_uploads WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p contracts.ProofUpload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) DueTickets(ctx context.Context, now time.Time, limit int) ([]contracts.Ticket, error) {
	query := `SELECT ticket_type, payload FROM commission_tickets
		 WHERE awaiting_until IS NOT NULL AND awaiting_until < $1
		 ORDER BY awaiting_until ASC`
	args := []any{now.UTC()}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var due []contracts.Ticket
	for rows.Next() {
		var ticketType string
		var payload []byte
		if err := rows.Scan(&ticketType, &payload); err != nil {
			return nil, err
		}
		t, err := decodeTicket(ticketType, payload)
		if err != nil {
			return nil, err
		}
		due = append(due, t)
	}
	return due, rows.Err()
}
