package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL. The portfolio
// header lives in portfolio_state and each position is one row in positions.
//
// The closed history is append-only, so after the first full write a Save
// touches only the header, the open rows and positions closed since the
// previous Save.
type LedgerStore struct {
	pool     *pgxpool.Pool
	ledgerID string

	mu sync.Mutex
	// synced counts the closed positions known to be in the table; -1 until
	// the first Load or Save.
	synced int
}

// NewLedgerStore creates a LedgerStore for the ledger keyed by ledgerID.
func NewLedgerStore(pool *pgxpool.Pool, ledgerID string) *LedgerStore {
	return &LedgerStore{pool: pool, ledgerID: ledgerID, synced: -1}
}

const positionSelectCols = `id, instrument, symbol, entry_price, entry_capital, quantity,
	opened_at, strength, safety_score, stop_loss, take_profit, highest_price,
	status, exit_price, proceeds, realized_pnl, closed_at, exit_reason, forced_exit`

const upsertPosition = `
	INSERT INTO positions (
		id, ledger_id, instrument, symbol, entry_price, entry_capital, quantity,
		opened_at, strength, safety_score, stop_loss, take_profit, highest_price,
		status, exit_price, proceeds, realized_pnl, closed_at, exit_reason, forced_exit,
		updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7,
		$8, $9, $10, $11, $12, $13,
		$14, $15, $16, $17, $18, $19, $20,
		NOW()
	)
	ON CONFLICT (id) DO UPDATE SET
		stop_loss     = EXCLUDED.stop_loss,
		highest_price = EXCLUDED.highest_price,
		status        = EXCLUDED.status,
		exit_price    = EXCLUDED.exit_price,
		proceeds      = EXCLUDED.proceeds,
		realized_pnl  = EXCLUDED.realized_pnl,
		closed_at     = EXCLUDED.closed_at,
		exit_reason   = EXCLUDED.exit_reason,
		forced_exit   = EXCLUDED.forced_exit,
		updated_at    = NOW()`

// savePlan is the set of rows one Save writes.
type savePlan struct {
	rows    []domain.Position
	openIDs []string
	// full rewrites every row and drops closed rows missing from the state.
	full bool
}

// planSave works out which positions need writing given how many closed
// positions are already stored. A shorter history than synced means the
// state was replaced, which forces a full write.
func planSave(state domain.LedgerState, synced int) savePlan {
	plan := savePlan{full: synced < 0 || synced > len(state.Closed)}
	from := synced
	if plan.full {
		from = 0
	}
	plan.rows = make([]domain.Position, 0, len(state.Open)+len(state.Closed)-from)
	plan.openIDs = make([]string, 0, len(state.Open))
	for _, p := range state.Open {
		plan.rows = append(plan.rows, p)
		plan.openIDs = append(plan.openIDs, p.ID)
	}
	plan.rows = append(plan.rows, state.Closed[from:]...)
	return plan
}

// Save writes the ledger state.
func (s *LedgerStore) Save(ctx context.Context, state domain.LedgerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan := planSave(state, s.synced)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin ledger save: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsertState = `
		INSERT INTO portfolio_state (id, initial_capital, capital, cumulative_pnl, running, halted, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			initial_capital = EXCLUDED.initial_capital,
			capital         = EXCLUDED.capital,
			cumulative_pnl  = EXCLUDED.cumulative_pnl,
			running         = EXCLUDED.running,
			halted          = EXCLUDED.halted,
			updated_at      = EXCLUDED.updated_at`
	if _, err := tx.Exec(ctx, upsertState,
		s.ledgerID, state.InitialCapital, state.Capital, state.CumulativePnL,
		state.Running, state.Halted, state.UpdatedAt,
	); err != nil {
		return fmt.Errorf("postgres: upsert portfolio state: %w", err)
	}

	batch := &pgx.Batch{}
	for _, p := range plan.rows {
		batch.Queue(upsertPosition,
			p.ID, s.ledgerID, p.Instrument, p.Symbol, p.EntryPrice, p.EntryCapital, p.Quantity,
			p.OpenedAt, p.Strength, p.SafetyScore, p.StopLoss, p.TakeProfit, p.HighestPrice,
			string(p.Status), p.ExitPrice, p.Proceeds, p.RealizedPnL, p.ClosedAt,
			string(p.ExitReason), p.ForcedExit,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: upsert positions: %w", err)
		}
	}

	if plan.full {
		ids := make([]string, 0, len(plan.rows))
		for _, p := range plan.rows {
			ids = append(ids, p.ID)
		}
		_, err = tx.Exec(ctx,
			`DELETE FROM positions WHERE ledger_id = $1 AND NOT (id = ANY($2))`,
			s.ledgerID, ids)
	} else {
		// Rows that closed were rewritten above; any open row left over was
		// dropped from the state.
		_, err = tx.Exec(ctx,
			`DELETE FROM positions WHERE ledger_id = $1 AND status = 'open' AND NOT (id = ANY($2))`,
			s.ledgerID, plan.openIDs)
	}
	if err != nil {
		return fmt.Errorf("postgres: prune positions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit ledger save: %w", err)
	}
	s.synced = len(state.Closed)
	return nil
}

// Load reads the full ledger state. It returns domain.ErrNotFound when the
// ledger has never been saved.
func (s *LedgerStore) Load(ctx context.Context) (domain.LedgerState, error) {
	var state domain.LedgerState
	err := s.pool.QueryRow(ctx,
		`SELECT initial_capital, capital, cumulative_pnl, running, halted, updated_at
		 FROM portfolio_state WHERE id = $1`, s.ledgerID,
	).Scan(&state.InitialCapital, &state.Capital, &state.CumulativePnL,
		&state.Running, &state.Halted, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LedgerState{}, fmt.Errorf("postgres: ledger %s: %w", s.ledgerID, domain.ErrNotFound)
		}
		return domain.LedgerState{}, fmt.Errorf("postgres: load portfolio state: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE ledger_id = $1
		 ORDER BY closed_at ASC NULLS LAST, opened_at ASC`, s.ledgerID)
	if err != nil {
		return domain.LedgerState{}, fmt.Errorf("postgres: load positions: %w", err)
	}
	defer rows.Close()

	state.Open = make(map[string]domain.Position)
	state.Closed = []domain.Position{}
	for rows.Next() {
		var p domain.Position
		var status, reason string
		if err := rows.Scan(
			&p.ID, &p.Instrument, &p.Symbol, &p.EntryPrice, &p.EntryCapital, &p.Quantity,
			&p.OpenedAt, &p.Strength, &p.SafetyScore, &p.StopLoss, &p.TakeProfit, &p.HighestPrice,
			&status, &p.ExitPrice, &p.Proceeds, &p.RealizedPnL, &p.ClosedAt, &reason, &p.ForcedExit,
		); err != nil {
			return domain.LedgerState{}, fmt.Errorf("postgres: scan position: %w", err)
		}
		p.Status = domain.PositionStatus(status)
		p.ExitReason = domain.ExitReason(reason)

		if p.Status == domain.PositionStatusClosed {
			state.Closed = append(state.Closed, p)
		} else {
			state.Open[p.ID] = p
		}
	}
	if err := rows.Err(); err != nil {
		return domain.LedgerState{}, fmt.Errorf("postgres: load positions rows: %w", err)
	}

	s.mu.Lock()
	s.synced = len(state.Closed)
	s.mu.Unlock()
	return state, nil
}

// Close is a no-op; the pool is owned by Client.
func (s *LedgerStore) Close() error { return nil }
