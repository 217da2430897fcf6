package hitl

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// SQLStore implements Store on database/sql. It works against Postgres
// (lib/pq) and SQLite (modernc.org/sqlite); the conditional UPDATE gives the
// atomic pending→terminal transition on both.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const ticketSchema = `
CREATE TABLE IF NOT EXISTS hitl_tickets (
	id TEXT PRIMARY KEY,
	audit_id TEXT,
	required_approvals TEXT,
	status TEXT NOT NULL,
	decision_rationale TEXT,
	resolved_by TEXT,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);
`

// Init creates the ticket table.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, ticketSchema)
	return err
}

func (s *SQLStore) Put(ctx context.Context, t *Ticket) error {
	approvals, err := json.Marshal(t.RequiredApprovals)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hitl_tickets (id, audit_id, required_approvals, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.AuditID, string(approvals), string(t.Status), t.CreatedAt, t.ExpiresAt,
	)
	return err
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, audit_id, required_approvals, status, decision_rationale, resolved_by, created_at, expires_at, resolved_at
		FROM hitl_tickets WHERE id = $1`, id)
	return scanTicket(row)
}

func (s *SQLStore) Resolve(ctx context.Context, id string, to Status, rationale, by string, at time.Time) (*Ticket, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE hitl_tickets
		SET status = $1, decision_rationale = $2, resolved_by = $3, resolved_at = $4
		WHERE id = $5 AND status = 'pending'`,
		string(to), rationale, by, at, id,
	)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return t, affected > 0, nil
}

func (s *SQLStore) Expire(ctx context.Context, id string, at time.Time) (*Ticket, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE hitl_tickets
		SET status = 'expired', resolved_at = $1
		WHERE id = $2 AND status = 'pending' AND expires_at <= $1`,
		at, id,
	)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *SQLStore) ListPending(ctx context.Context) ([]*Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, audit_id, required_approvals, status, decision_rationale, resolved_by, created_at, expires_at, resolved_at
		FROM hitl_tickets WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*Ticket, error) {
	var t Ticket
	var approvals sql.NullString
	var rationale, by sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&t.ID, &t.AuditID, &approvals, &t.Status, &rationale, &by, &t.CreatedAt, &t.ExpiresAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if approvals.Valid && approvals.String != "" {
		if err := json.Unmarshal([]byte(approvals.String), &t.RequiredApprovals); err != nil {
			return nil, err
		}
	}
	t.DecisionRationale = rationale.String
	t.ResolvedBy = by.String
	if resolvedAt.Valid {
		resolved := resolvedAt.Time
		t.ResolvedAt = &resolved
	}
	return &t, nil
}
