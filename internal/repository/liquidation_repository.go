package repository

import (
	"context"
	"database/sql"
	"time"

	"liqbot/internal/models"
)

// LiquidationRepository - окно недавних ликвидаций.
// Используется для восстановления истории детектора каскадов и
// множества уже обработанных событий после рестарта.
type LiquidationRepository struct {
	db *sql.DB
}

// NewLiquidationRepository создает новый экземпляр репозитория
func NewLiquidationRepository(db *sql.DB) *LiquidationRepository {
	return &LiquidationRepository{db: db}
}

// Save сохраняет событие. Повторный id игнорируется, saved = false.
func (r *LiquidationRepository) Save(ctx context.Context, l *models.Liquidation) (saved bool, err error) {
	query := `
		INSERT INTO liquidations (id, symbol, side, quantity, price, value, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query,
		l.ID,
		l.Symbol,
		l.Side,
		l.Quantity,
		l.Price,
		l.Value,
		l.Timestamp,
	)
	if err != nil {
		return false, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListSince возвращает события не старше since в хронологическом порядке
func (r *LiquidationRepository) ListSince(ctx context.Context, since time.Time) ([]*models.Liquidation, error) {
	query := `
		SELECT id, symbol, side, quantity, price, value, timestamp
		FROM liquidations
		WHERE timestamp >= $1
		ORDER BY timestamp`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Liquidation
	for rows.Next() {
		l := &models.Liquidation{}
		if err := rows.Scan(&l.ID, &l.Symbol, &l.Side, &l.Quantity, &l.Price, &l.Value, &l.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, l)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// DeleteOlderThan удаляет события старше before, возвращает число удалённых
func (r *LiquidationRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM liquidations WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
