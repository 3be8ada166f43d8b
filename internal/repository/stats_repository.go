package repository

import (
	"context"
	"database/sql"
	"time"
)

// PeriodStats - агрегаты закрытых позиций за период
type PeriodStats struct {
	PNL    float64
	Trades int
}

// StatsRepository - агрегация статистики из закрытых позиций.
// Сделкой считается закрытая позиция, PnL - реализованный за вычетом комиссий.
type StatsRepository struct {
	db *sql.DB
}

// NewStatsRepository создает новый экземпляр репозитория
func NewStatsRepository(db *sql.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// ClosedSince возвращает PnL и число сделок сессии, закрытых не раньше since
func (r *StatsRepository) ClosedSince(ctx context.Context, sessionID int, since time.Time) (PeriodStats, error) {
	query := `
		SELECT COALESCE(SUM(realized_pnl - fees), 0), COUNT(*)
		FROM positions
		WHERE session_id = $1 AND NOT is_open AND closed_at >= $2`

	var stats PeriodStats
	err := r.db.QueryRowContext(ctx, query, sessionID, since).Scan(&stats.PNL, &stats.Trades)
	return stats, err
}

// CountOpen возвращает число открытых позиций сессии
func (r *StatsRepository) CountOpen(ctx context.Context, sessionID int) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE session_id = $1 AND is_open`, sessionID,
	).Scan(&n)
	return n, err
}
