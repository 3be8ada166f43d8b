package repository

import (
	"context"
	"database/sql"
	"errors"

	"liqbot/internal/models"

	"github.com/lib/pq"
)

var (
	// ErrPositionNotFound - позиция не найдена
	ErrPositionNotFound = errors.New("position not found")
	// ErrOpenPositionExists - в сессии уже есть открытая позиция по символу и стороне
	ErrOpenPositionExists = errors.New("open position already exists")
)

// uniqueViolation - код ошибки PostgreSQL для нарушения уникального индекса
const uniqueViolation = "23505"

const positionColumns = `id, session_id, symbol, side, quantity, avg_entry_price, total_cost,
	unrealized_pnl_percent, realized_pnl, fees, layers_filled, max_layers, last_layer_price,
	last_fill_at, is_open, opened_at, closed_at`

// PositionRepository - работа с таблицей positions.
// Позиции создаются только вместе с первым исполнением (см. FillRepository.Record).
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository создает новый экземпляр репозитория
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// GetByID возвращает позицию по ID
func (r *PositionRepository) GetByID(ctx context.Context, id int) (*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`

	p, err := scanPosition(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListOpen возвращает открытые позиции сессии
func (r *PositionRepository) ListOpen(ctx context.Context, sessionID int) ([]*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE session_id = $1 AND is_open ORDER BY opened_at`
	return r.list(ctx, query, sessionID)
}

// ListBySession возвращает все позиции сессии, новые первыми
func (r *PositionRepository) ListBySession(ctx context.Context, sessionID int) ([]*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE session_id = $1 ORDER BY opened_at DESC`
	return r.list(ctx, query, sessionID)
}

func (r *PositionRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return positions, nil
}

// Update сохраняет состояние позиции
func (r *PositionRepository) Update(ctx context.Context, p *models.Position) error {
	result, err := updatePosition(ctx, r.db, p)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrPositionNotFound)
}

// execer - общий интерфейс *sql.DB и *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func insertPosition(ctx context.Context, db execer, p *models.Position) error {
	query := `
		INSERT INTO positions (session_id, symbol, side, quantity, avg_entry_price, total_cost,
			unrealized_pnl_percent, realized_pnl, fees, layers_filled, max_layers, last_layer_price,
			last_fill_at, is_open, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`

	err := db.QueryRowContext(ctx, query,
		p.SessionID,
		p.Symbol,
		p.Side,
		p.Quantity,
		p.AvgEntryPrice,
		p.TotalCost,
		p.UnrealizedPNLPercent,
		p.RealizedPNL,
		p.Fees,
		p.LayersFilled,
		p.MaxLayers,
		p.LastLayerPrice,
		p.LastFillAt,
		p.IsOpen,
		p.OpenedAt,
		p.ClosedAt,
	).Scan(&p.ID)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrOpenPositionExists
	}
	return err
}

func updatePosition(ctx context.Context, db execer, p *models.Position) (sql.Result, error) {
	query := `
		UPDATE positions
		SET quantity = $1, avg_entry_price = $2, total_cost = $3, unrealized_pnl_percent = $4,
			realized_pnl = $5, fees = $6, layers_filled = $7, max_layers = $8, last_layer_price = $9,
			last_fill_at = $10, is_open = $11, closed_at = $12
		WHERE id = $13`

	return db.ExecContext(ctx, query,
		p.Quantity,
		p.AvgEntryPrice,
		p.TotalCost,
		p.UnrealizedPNLPercent,
		p.RealizedPNL,
		p.Fees,
		p.LayersFilled,
		p.MaxLayers,
		p.LastLayerPrice,
		p.LastFillAt,
		p.IsOpen,
		p.ClosedAt,
		p.ID,
	)
}

func scanPosition(row rowScanner) (*models.Position, error) {
	p := &models.Position{}
	var lastFillAt, closedAt sql.NullTime
	err := row.Scan(
		&p.ID,
		&p.SessionID,
		&p.Symbol,
		&p.Side,
		&p.Quantity,
		&p.AvgEntryPrice,
		&p.TotalCost,
		&p.UnrealizedPNLPercent,
		&p.RealizedPNL,
		&p.Fees,
		&p.LayersFilled,
		&p.MaxLayers,
		&p.LastLayerPrice,
		&lastFillAt,
		&p.IsOpen,
		&p.OpenedAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastFillAt.Valid {
		p.LastFillAt = &lastFillAt.Time
	}
	if closedAt.Valid {
		p.ClosedAt = &closedAt.Time
	}
	return p, nil
}
