package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"liqbot/internal/models"
)

// Ошибки репозитория сессий
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoActiveSession = errors.New("no active session")
)

const sessionColumns = `id, strategy_id, starting_balance, current_balance, realized_pnl,
	trade_count, win_count, is_active, started_at, ended_at`

// SessionRepository - работа с таблицей trade_sessions
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository создает новый экземпляр репозитория
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create открывает новую сессию
func (r *SessionRepository) Create(ctx context.Context, s *models.TradeSession) error {
	return insertSession(ctx, r.db, s)
}

func insertSession(ctx context.Context, db execer, s *models.TradeSession) error {
	query := `
		INSERT INTO trade_sessions (strategy_id, starting_balance, current_balance, realized_pnl,
			trade_count, win_count, is_active, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, $7)
		RETURNING id`

	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	s.IsActive = true

	return db.QueryRowContext(ctx, query,
		s.StrategyID,
		s.StartingBalance,
		s.CurrentBalance,
		s.RealizedPNL,
		s.TradeCount,
		s.WinCount,
		s.StartedAt,
	).Scan(&s.ID)
}

// GetActive возвращает активную сессию стратегии
func (r *SessionRepository) GetActive(ctx context.Context, strategyID int) (*models.TradeSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM trade_sessions WHERE strategy_id = $1 AND is_active LIMIT 1`

	s, err := scanSession(r.db.QueryRowContext(ctx, query, strategyID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoActiveSession
		}
		return nil, err
	}
	return s, nil
}

// GetByID возвращает сессию по ID
func (r *SessionRepository) GetByID(ctx context.Context, id int) (*models.TradeSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM trade_sessions WHERE id = $1`

	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return s, nil
}

// Update сохраняет счётчики и баланс сессии
func (r *SessionRepository) Update(ctx context.Context, s *models.TradeSession) error {
	query := `
		UPDATE trade_sessions
		SET current_balance = $1, realized_pnl = $2, trade_count = $3, win_count = $4
		WHERE id = $5`

	result, err := r.db.ExecContext(ctx, query,
		s.CurrentBalance,
		s.RealizedPNL,
		s.TradeCount,
		s.WinCount,
		s.ID,
	)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrSessionNotFound)
}

// Rotate в одной транзакции закрывает сессию archiveID (0 - закрывать нечего)
// и открывает next. При ошибке обе записи откатываются и старая сессия
// остаётся активной.
func (r *SessionRepository) Rotate(ctx context.Context, archiveID int, at time.Time, next *models.TradeSession) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if archiveID > 0 {
		result, err := tx.ExecContext(ctx,
			`UPDATE trade_sessions SET is_active = false, ended_at = $1 WHERE id = $2 AND is_active`,
			at, archiveID)
		if err != nil {
			return err
		}
		if err := expectAffected(result, ErrSessionNotFound); err != nil {
			return err
		}
	}

	if err := insertSession(ctx, tx, next); err != nil {
		next.ID = 0
		return err
	}
	if err := tx.Commit(); err != nil {
		next.ID = 0
		return err
	}
	return nil
}

// ListByStrategy возвращает сессии стратегии, новые первыми
func (r *SessionRepository) ListByStrategy(ctx context.Context, strategyID int) ([]*models.TradeSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM trade_sessions WHERE strategy_id = $1 ORDER BY started_at DESC`

	rows, err := r.db.QueryContext(ctx, query, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.TradeSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

func scanSession(row rowScanner) (*models.TradeSession, error) {
	s := &models.TradeSession{}
	var endedAt sql.NullTime
	err := row.Scan(
		&s.ID,
		&s.StrategyID,
		&s.StartingBalance,
		&s.CurrentBalance,
		&s.RealizedPNL,
		&s.TradeCount,
		&s.WinCount,
		&s.IsActive,
		&s.StartedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	return s, nil
}
