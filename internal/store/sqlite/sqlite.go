// Package sqlite implements the ledger and audit stores in a single SQLite
// file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS portfolio_state (
	id              TEXT PRIMARY KEY,
	initial_capital REAL NOT NULL,
	capital         REAL NOT NULL,
	cumulative_pnl  REAL NOT NULL DEFAULT 0,
	running         INTEGER NOT NULL DEFAULT 0,
	halted          INTEGER NOT NULL DEFAULT 0,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	id        TEXT PRIMARY KEY,
	ledger_id TEXT NOT NULL,
	status    TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	doc       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_ledger ON positions (ledger_id, status, seq);

CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event      TEXT NOT NULL,
	detail     TEXT,
	created_at TEXT NOT NULL
);
`

// timeLayout is fixed width so text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store holds the database handle. It implements domain.LedgerStore and
// domain.AuditStore.
type Store struct {
	db       *sql.DB
	ledgerID string
	now      func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path, ledgerID string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return &Store{db: db, ledgerID: ledgerID, now: time.Now}, nil
}

// Save rewrites the ledger in one transaction.
func (s *Store) Save(ctx context.Context, state domain.LedgerState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO portfolio_state (id, initial_capital, capital, cumulative_pnl, running, halted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			initial_capital = excluded.initial_capital,
			capital         = excluded.capital,
			cumulative_pnl  = excluded.cumulative_pnl,
			running         = excluded.running,
			halted          = excluded.halted,
			updated_at      = excluded.updated_at`,
		s.ledgerID, state.InitialCapital, state.Capital, state.CumulativePnL,
		state.Running, state.Halted, state.UpdatedAt.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("sqlite: upsert portfolio state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE ledger_id = ?`, s.ledgerID); err != nil {
		return fmt.Errorf("sqlite: clear positions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO positions (id, ledger_id, status, seq, doc) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare position insert: %w", err)
	}
	defer stmt.Close()

	insert := func(seq int, p domain.Position) error {
		doc, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("sqlite: marshal position %s: %w", p.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, p.ID, s.ledgerID, string(p.Status), seq, string(doc)); err != nil {
			return fmt.Errorf("sqlite: insert position %s: %w", p.ID, err)
		}
		return nil
	}
	for _, p := range state.Open {
		if err := insert(0, p); err != nil {
			return err
		}
	}
	// seq keeps the closed history in booking order.
	for i, p := range state.Closed {
		if err := insert(i, p); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Load reads the ledger. It returns domain.ErrNotFound when nothing has been
// saved under this ledger id.
func (s *Store) Load(ctx context.Context) (domain.LedgerState, error) {
	var (
		state     domain.LedgerState
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT initial_capital, capital, cumulative_pnl, running, halted, updated_at
		 FROM portfolio_state WHERE id = ?`, s.ledgerID,
	).Scan(&state.InitialCapital, &state.Capital, &state.CumulativePnL,
		&state.Running, &state.Halted, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LedgerState{}, fmt.Errorf("sqlite: ledger %s: %w", s.ledgerID, domain.ErrNotFound)
		}
		return domain.LedgerState{}, fmt.Errorf("sqlite: load portfolio state: %w", err)
	}
	if state.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return domain.LedgerState{}, fmt.Errorf("sqlite: parse updated_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM positions WHERE ledger_id = ? ORDER BY seq ASC`, s.ledgerID)
	if err != nil {
		return domain.LedgerState{}, fmt.Errorf("sqlite: load positions: %w", err)
	}
	defer rows.Close()

	state.Open = make(map[string]domain.Position)
	state.Closed = []domain.Position{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return domain.LedgerState{}, fmt.Errorf("sqlite: scan position: %w", err)
		}
		var p domain.Position
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return domain.LedgerState{}, fmt.Errorf("sqlite: decode position: %w", err)
		}
		if p.Status == domain.PositionStatusClosed {
			state.Closed = append(state.Closed, p)
		} else {
			state.Open[p.ID] = p
		}
	}
	if err := rows.Err(); err != nil {
		return domain.LedgerState{}, fmt.Errorf("sqlite: load positions rows: %w", err)
	}
	return state, nil
}

// Log appends an audit entry.
func (s *Store) Log(ctx context.Context, event string, detail map[string]any) error {
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(data), s.now().UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit entries newest first.
func (s *Store) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`
	var args []any
	if opts.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, opts.Since.UTC().Format(timeLayout))
	}
	if opts.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, opts.Until.UTC().Format(timeLayout))
	}
	query += ` ORDER BY id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			detail  sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		if e.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("sqlite: parse created_at: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
