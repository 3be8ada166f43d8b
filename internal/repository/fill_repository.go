package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"liqbot/internal/models"
)

// ErrDuplicateFill - исполнение с таким trade id уже записано
var ErrDuplicateFill = errors.New("fill already recorded")

const fillColumns = `id, trade_id, order_id, session_id, position_id, symbol, side, quantity, price,
	notional, fee, realized_pnl, layer, provenance, filled_at, created_at`

// FillRepository - журнал исполнений. Единственный источник истины для
// состояния позиции: количество, средняя цена и PnL пересчитываются из него.
type FillRepository struct {
	db *sql.DB
}

// NewFillRepository создает новый экземпляр репозитория
func NewFillRepository(db *sql.DB) *FillRepository {
	return &FillRepository{db: db}
}

// Record в одной транзакции добавляет исполнение и сохраняет позицию,
// к которой оно уже применено. Позиция с ID 0 создаётся.
func (r *FillRepository) Record(ctx context.Context, p *models.Position, f *models.Fill) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	created := p.ID == 0
	if created {
		if err := insertPosition(ctx, tx, p); err != nil {
			return err
		}
	}
	f.PositionID = p.ID

	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO fills (trade_id, order_id, session_id, position_id, symbol, side, quantity, price,
			notional, fee, realized_pnl, layer, provenance, filled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (trade_id) DO NOTHING
		RETURNING id`

	err = tx.QueryRowContext(ctx, query,
		f.TradeID,
		f.OrderID,
		f.SessionID,
		f.PositionID,
		f.Symbol,
		f.Side,
		f.Quantity,
		f.Price,
		f.Notional,
		f.Fee,
		f.RealizedPNL,
		f.Layer,
		f.Provenance,
		f.FilledAt,
		f.CreatedAt,
	).Scan(&f.ID)
	if err != nil {
		if created {
			p.ID = 0
		}
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDuplicateFill
		}
		return err
	}

	if !created {
		result, err := updatePosition(ctx, tx, p)
		if err != nil {
			return err
		}
		if err := expectAffected(result, ErrPositionNotFound); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		if created {
			p.ID = 0
		}
		return err
	}
	return nil
}

// ListByPosition возвращает исполнения позиции в хронологическом порядке
func (r *FillRepository) ListByPosition(ctx context.Context, positionID int) ([]models.Fill, error) {
	query := `SELECT ` + fillColumns + ` FROM fills WHERE position_id = $1 ORDER BY filled_at, id`
	return r.list(ctx, query, positionID)
}

// ListBySession возвращает исполнения сессии, новые первыми
func (r *FillRepository) ListBySession(ctx context.Context, sessionID, limit int) ([]models.Fill, error) {
	query := `SELECT ` + fillColumns + ` FROM fills WHERE session_id = $1 ORDER BY filled_at DESC, id DESC LIMIT $2`
	return r.list(ctx, query, sessionID, limit)
}

// LatestFillTime возвращает время последнего исполнения сессии
// (нулевое время, если исполнений нет)
func (r *FillRepository) LatestFillTime(ctx context.Context, sessionID int) (time.Time, error) {
	var latest sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(filled_at) FROM fills WHERE session_id = $1`, sessionID,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, err
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}

func (r *FillRepository) list(ctx context.Context, query string, args ...interface{}) ([]models.Fill, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []models.Fill
	for rows.Next() {
		var f models.Fill
		err := rows.Scan(
			&f.ID,
			&f.TradeID,
			&f.OrderID,
			&f.SessionID,
			&f.PositionID,
			&f.Symbol,
			&f.Side,
			&f.Quantity,
			&f.Price,
			&f.Notional,
			&f.Fee,
			&f.RealizedPNL,
			&f.Layer,
			&f.Provenance,
			&f.FilledAt,
			&f.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return fills, nil
}
