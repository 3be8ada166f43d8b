package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"liqbot/internal/models"
)

// Ошибки репозитория ордеров
var (
	ErrOrderNotFound = errors.New("order not found")
)

const orderColumns = `id, session_id, position_id, exchange_order_id, client_order_id, symbol, side,
	position_side, type, purpose, quantity, price, stop_price, status, liquidation_id, layer,
	error_message, created_at, filled_at`

// OrderRepository - работа с таблицей orders
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create создает запись об ордере до его отправки на биржу
func (r *OrderRepository) Create(ctx context.Context, order *models.OrderRecord) error {
	query := `
		INSERT INTO orders (session_id, position_id, exchange_order_id, client_order_id, symbol, side,
			position_side, type, purpose, quantity, price, stop_price, status, liquidation_id, layer,
			error_message, created_at, filled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id`

	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}

	return r.db.QueryRowContext(ctx,
		query,
		order.SessionID,
		order.PositionID,
		order.ExchangeID,
		order.ClientOrderID,
		order.Symbol,
		order.Side,
		order.PositionSide,
		order.Type,
		order.Purpose,
		order.Quantity,
		order.Price,
		order.StopPrice,
		order.Status,
		order.LiquidationID,
		order.Layer,
		order.ErrorMessage,
		order.CreatedAt,
		order.FilledAt,
	).Scan(&order.ID)
}

// Update сохраняет ответ биржи и статус ордера
func (r *OrderRepository) Update(ctx context.Context, order *models.OrderRecord) error {
	query := `
		UPDATE orders
		SET position_id = $1, exchange_order_id = $2, quantity = $3, price = $4, stop_price = $5,
			status = $6, error_message = $7, filled_at = $8
		WHERE id = $9`

	result, err := r.db.ExecContext(ctx,
		query,
		order.PositionID,
		order.ExchangeID,
		order.Quantity,
		order.Price,
		order.StopPrice,
		order.Status,
		order.ErrorMessage,
		order.FilledAt,
		order.ID,
	)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrOrderNotFound)
}

// GetByClientID возвращает ордер по клиентскому идентификатору
func (r *OrderRepository) GetByClientID(ctx context.Context, clientOrderID string) (*models.OrderRecord, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE client_order_id = $1`

	order, err := scanOrder(r.db.QueryRowContext(ctx, query, clientOrderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// ListActiveProtective возвращает TP/SL ордера сессии, ещё стоящие на бирже
func (r *OrderRepository) ListActiveProtective(ctx context.Context, sessionID int) ([]*models.OrderRecord, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE session_id = $1 AND purpose IN ($2, $3) AND status IN ($4, $5, $6)
		ORDER BY created_at`

	return r.list(ctx, query,
		sessionID,
		models.OrderPurposeTP,
		models.OrderPurposeSL,
		models.OrderStatusPending,
		models.OrderStatusNew,
		models.OrderStatusPartial,
	)
}

// ListPlacedSince возвращает ордера сессии, созданные не раньше since
func (r *OrderRepository) ListPlacedSince(ctx context.Context, sessionID int, since time.Time) ([]*models.OrderRecord, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE session_id = $1 AND created_at >= $2 ORDER BY created_at`
	return r.list(ctx, query, sessionID, since)
}

// ListRecent возвращает последние ордера сессии
func (r *OrderRepository) ListRecent(ctx context.Context, sessionID, limit int) ([]*models.OrderRecord, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`
	return r.list(ctx, query, sessionID, limit)
}

func (r *OrderRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.OrderRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.OrderRecord
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

func scanOrder(row rowScanner) (*models.OrderRecord, error) {
	order := &models.OrderRecord{}
	var positionID sql.NullInt64
	var filledAt sql.NullTime
	err := row.Scan(
		&order.ID,
		&order.SessionID,
		&positionID,
		&order.ExchangeID,
		&order.ClientOrderID,
		&order.Symbol,
		&order.Side,
		&order.PositionSide,
		&order.Type,
		&order.Purpose,
		&order.Quantity,
		&order.Price,
		&order.StopPrice,
		&order.Status,
		&order.LiquidationID,
		&order.Layer,
		&order.ErrorMessage,
		&order.CreatedAt,
		&filledAt,
	)
	if err != nil {
		return nil, err
	}
	if positionID.Valid {
		id := int(positionID.Int64)
		order.PositionID = &id
	}
	if filledAt.Valid {
		order.FilledAt = &filledAt.Time
	}
	return order, nil
}
