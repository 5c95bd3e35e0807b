package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Artifex-Works/patron/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the aggregate in SQLite. Contracts and tickets
// are stored as JSON payloads with the columns the engine queries on
// extracted alongside.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent sweeps.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing handle and migrates.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS commission_contracts (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		status TEXT NOT NULL,
		payload JSON NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS commission_tickets (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		ticket_type TEXT NOT NULL,
		status TEXT NOT NULL,
		milestone_idx INTEGER,
		escrow_intent_id TEXT NOT NULL DEFAULT '',
		target_id TEXT NOT NULL DEFAULT '',
		open INTEGER NOT NULL,
		awaiting_until TEXT,
		created_at TEXT NOT NULL,
		payload JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commission_tickets_due
		ON commission_tickets(awaiting_until) WHERE awaiting_until IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_commission_tickets_contract
		ON commission_tickets(contract_id, ticket_type);
	CREATE TABLE IF NOT EXISTS proof_uploads (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		payload JSON NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) CreateContract(ctx context.Context, c *contracts.Contract) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO commission_contracts (id, version, status, payload, updated_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Version, string(c.Status), payload, c.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) GetContract(ctx context.Context, id string) (*contracts.Contract, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM commission_contracts WHERE id = ?`, id).Scan(&payload)
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

func (s *SQLiteStore) SaveContract(ctx context.Context, c *contracts.Contract, expectedVersion int64) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE commission_contracts SET version = ?, status = ?, payload = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		c.Version, string(c.Status), payload, c.UpdatedAt.UTC().Format(time.RFC3339Nano),
		c.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetContract(ctx, c.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

// ticketRow is the indexed projection of any ticket variant.
type ticketRow struct {
	id           string
	contractID   string
	ticketType   contracts.TicketType
	status       string
	milestoneIdx *int
	intentID     string
	targetID     string
	open         bool
	awaiting     *string
	createdAt    time.Time
}

func rowFor(t contracts.Ticket) (ticketRow, error) {
	row := ticketRow{
		id:         t.TicketID(),
		contractID: t.Contract(),
		ticketType: t.TicketType(),
		createdAt:  t.Created(),
	}
	if deadline, ok := t.Deadline(); ok {
		v := deadline.UTC().Format(time.RFC3339Nano)
		row.awaiting = &v
	}
	switch v := t.(type) {
	case *contracts.CancellationTicket:
		row.status = string(v.Status)
		row.open = v.Open()
	case *contracts.RevisionTicket:
		row.status = string(v.Status)
		row.open = v.Open()
		row.milestoneIdx = v.MilestoneIdx
		row.intentID = v.EscrowIntentID
	case *contracts.ChangeTicket:
		row.status = string(v.Status)
		row.open = v.Open()
		row.intentID = v.EscrowIntentID
	case *contracts.ResolutionTicket:
		row.status = string(v.Status)
		row.open = v.Active()
		row.targetID = v.TargetID
	default:
		return ticketRow{}, fmt.Errorf("unknown ticket variant %T", t)
	}
	return row, nil
}

func (s *SQLiteStore) putTicket(ctx context.Context, t contracts.Ticket) error {
	row, err := rowFor(t)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	openFlag := 0
	if row.open {
		openFlag = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commission_tickets
			(id, contract_id, ticket_type, status, milestone_idx, escrow_intent_id, target_id, open, awaiting_until, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			escrow_intent_id = excluded.escrow_intent_id,
			open = excluded.open,
			awaiting_until = excluded.awaiting_until,
			payload = excluded.payload`,
		row.id, row.contractID, string(row.ticketType), row.status, row.milestoneIdx,
		row.intentID, row.targetID, openFlag, row.awaiting,
		row.createdAt.UTC().Format(time.RFC3339Nano), payload)
	return err
}

func decodeTicket(ticketType string, payload []byte) (contracts.Ticket, error) {
	var t contracts.Ticket
	switch contracts.TicketType(ticketType) {
	case contracts.TicketCancel:
		t = &contracts.CancellationTicket{}
	case contracts.TicketRevision:
		t = &contracts.RevisionTicket{}
	case contracts.TicketChange:
		t = &contracts.ChangeTicket{}
	case contracts.TicketResolution:
		t = &contracts.ResolutionTicket{}
	default:
		return nil, fmt.Errorf("unknown ticket type %q", ticketType)
	}
	if err := json.Unmarshal(payload, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) getTicket(ctx context.Context, id string, ticketType contracts.TicketType) (contracts.Ticket, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM commission_tickets WHERE id = ? AND ticket_type = ?`,
		id, string(ticketType)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTicket(string(ticketType), payload)
}

// findTicket runs a query expected to yield at most one payload and
// decodes it; (nil, nil) when no row matches.
func (s *SQLiteStore) findTicket(ctx context.Context, ticketType contracts.TicketType, query string, args ...any) (contracts.Ticket, error) {
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

func (s *SQLiteStore) PutCancellation(ctx context.Context, t *contracts.CancellationTicket) error {
	return s.putTicket(ctx, t)
}

func (s *SQLiteStore) GetCancellation(ctx context.Context, id string) (*contracts.CancellationTicket, error) {
	t, err := s.getTicket(ctx, id, contracts.TicketCancel)
	if err != nil {
		return nil, err
	}
	return t.(*contracts.CancellationTicket), nil
}

func (s *SQLiteStore) FindOpenCancellation(ctx context.Context, contractID string) (*contracts.CancellationTicket, error) {
	t, err := s.findTicket(ctx, contracts.TicketCancel,
		`SELECT payload FROM commission_tickets
		 WHERE contract_id = ? AND ticket_type = ? AND open = 1 LIMIT 1`,
		contractID, string(contracts.TicketCancel))
	if t == nil || err != nil {
		return nil, err
	}
	return t.(*contracts.CancellationTicket), nil
}

func (s *SQLiteStore) FindAcceptedCancellation(ctx context.Context, contractID string) (*contracts.CancellationTicket, error) {
	t, err := s.findTicket(ctx, contracts.TicketCancel,
		`SELECT payload FROM commission_tickets
		 WHERE contract_id = ? AND ticket_type = ? AND status IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		contractID, string(contracts.TicketCancel),
		string(contracts.CancelAccepted), string(contracts.CancelForcedAccepted))
	if t == nil || err != nil {
		return nil, err
	}
	return t.(*contracts.CancellationTicket), nil
}

func (s *SQLiteStore) PutRevision(ctx context.Context, t *contracts.RevisionTicket) error {
	return s.putTicket(ctx, t)
}

func (s *SQLiteStore) GetRevision(ctx context.Context, id string) (*contracts.RevisionTicket, error) {
	t, err := s.getTicket(ctx, id, contracts.TicketRevision)
	if err != nil {
		return nil, err
	}
	return t.(*contracts.RevisionTicket), nil
}

func (s *SQLiteStore) FindOpenRevision(ctx context.Context, contractID string, milestoneIdx *int) (*contracts.RevisionTicket, error) {
	query := `SELECT payload FROM commission_tickets
		 WHERE contract_id = ? AND ticket_type = ? AND open = 1 AND milestone_idx IS NULL LIMIT 1`
	args := []any{contractID, string(contracts.TicketRevision)}
	if milestoneIdx != nil {
		query = `SELECT payload FROM commission_tickets
		 WHERE contract_id = ? AND ticket_type = ? AND open = 1 AND milestone_idx = ? LIMIT 1`
		args = append(args, *milestoneIdx)
	}
	t, err := s.findTicket(ctx, contracts.TicketRevision, query, args...)
	if t == nil || err != nil {
		return nil, err
	}
	return t.(*contracts.RevisionTicket), nil
}

func (s *SQLiteStore) FindRevisionByIntent(ctx context.Context, intentID string) (*contracts.RevisionTicket, error) {
	t, err := s.findTicket(ctx, contracts.TicketRevision,
		`SELECT payload FROM commission_tickets
		 WHERE ticket_type = ? AND escrow_intent_id = ? LIMIT 1`,
		string(contracts.TicketRevision), intentID)
	if t == nil || err != nil {
		return nil, err
	}
	return t.(*contracts.RevisionTicket), nil
}

func (s *SQLiteStore) ListOpenRevisions(ctx context.Context, contractID string) ([]*contracts.RevisionTicket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM commission_tickets
		 WHERE contract_id = ? AND ticket_type = ? AND open = 1
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

func (s *SQLiteStore) PutChange(ctx context.Context, t *contracts.ChangeTicket) error {
	return s.putTicket(ctx, t)
}

func (s *SQLiteStore) GetChange(ctx context.Context, id string) (*contracts.ChangeTicket, error) {
	t, err := s.getTicket(ctx, id, contracts.TicketChange)
	if err != nil {
		return nil, err
	}
	return t.(*contracts.ChangeTicket), nil
}

func (s *SQLiteStore) FindOpenChange(ctx context.Context, contractID string) (*contracts.ChangeTicket, error) {
	t, err := s.findTicket(ctx, contracts.TicketChange,
		`SELECT payload FROM commission_tickets
		 WHERE contract_id = ? AND ticket_type = ? AND open = 1 LIMIT 1`,
		contractID, string(contracts.TicketChange))
	if t == nil || err != nil {
		return nil, err
	}
	return t.(*contracts.ChangeTicket), nil
}

func (s *SQLiteStore) FindChangeByIntent(ctx context.Context, intentID string) (*contracts.ChangeTicket, error) {
	t, err := s.findTicket(ctx, contracts.TicketChange,
		`SELECT payload FROM commission_tickets
		 WHERE ticket_type = ? AND escrow_intent_id = ? LIMIT 1`,
		string(contracts.TicketChange), intentID)
	if t == nil || err != nil {
		return nil, err
	}
	return t.(*contracts.ChangeTicket), nil
}

func (s *SQLiteStore) PutResolution(ctx context.Context, t *contracts.ResolutionTicket) error {
	return s.putTicket(ctx, t)
}

func (s *SQLiteStore) GetResolution(ctx context.Context, id string) (*contracts.ResolutionTicket, error) {
	t, err := s.getTicket(ctx, id, contracts.TicketResolution)
	if err != nil {
		return nil, err
	}
	return t.(*contracts.ResolutionTicket), nil
}

func (s *SQLiteStore) FindActiveResolutionForTarget(ctx context.Context, targetID string) (*contracts.ResolutionTicket, error) {
	t, err := s.findTicket(ctx, contracts.TicketResolution,
		`SELECT payload FROM commission_tickets
		 WHERE ticket_type = ? AND target_id = ? AND open = 1 LIMIT 1`,
		string(contracts.TicketResolution), targetID)
	if t == nil || err != nil {
		return nil, err
	}
	return t.(*contracts.ResolutionTicket), nil
}

func (s *SQLiteStore) PutProof(ctx context.Context, p *contracts.ProofUpload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proof_uploads (id, contract_id, payload) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		p.ID, p.ContractID, payload)
	return err
}

func (s *SQLiteStore) GetProof(ctx context.Context, id string) (*contracts.ProofUpload, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM proof_uploads WHERE id = ?`, id).Scan(&payload)
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

func (s *SQLiteStore) DueTickets(ctx context.Context, now time.Time, limit int) ([]contracts.Ticket, error) {
	query := `SELECT ticket_type, payload FROM commission_tickets
		 WHERE awaiting_until IS NOT NULL AND awaiting_until < ?
		 ORDER BY awaiting_until ASC`
	args := []any{now.UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += ` LIMIT ?`
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

// Close closes the underlying handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
