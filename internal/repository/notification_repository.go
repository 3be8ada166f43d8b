package repository

import (
	"context"
	"database/sql"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"liqbot/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NotificationRepository - журнал событий жизненного цикла сделок
// (ENTRY, LAYER, FILL, CLOSE, BLOCK, PROTECTION, CASCADE, STREAM, ERROR).
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create сохраняет уведомление
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO notifications (timestamp, type, severity, strategy_id, symbol, side, message, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	var meta []byte
	if len(n.Meta) > 0 {
		var err error
		if meta, err = json.Marshal(n.Meta); err != nil {
			return err
		}
	}

	return r.db.QueryRowContext(ctx, query,
		n.Timestamp,
		n.Type,
		n.Severity,
		n.StrategyID,
		n.Symbol,
		n.Side,
		n.Message,
		meta,
	).Scan(&n.ID)
}

// GetRecent возвращает последние уведомления. Пустой types - все типы.
func (r *NotificationRepository) GetRecent(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if len(types) == 0 {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, timestamp, type, severity, strategy_id, symbol, side, message, meta
			FROM notifications
			ORDER BY timestamp DESC, id DESC
			LIMIT $1`, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, timestamp, type, severity, strategy_id, symbol, side, message, meta
			FROM notifications
			WHERE type = ANY($1)
			ORDER BY timestamp DESC, id DESC
			LIMIT $2`, pq.Array(types), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		var strategyID sql.NullInt64
		var meta []byte
		if err := rows.Scan(&n.ID, &n.Timestamp, &n.Type, &n.Severity, &strategyID,
			&n.Symbol, &n.Side, &n.Message, &meta); err != nil {
			return nil, err
		}
		if strategyID.Valid {
			id := int(strategyID.Int64)
			n.StrategyID = &id
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &n.Meta); err != nil {
				return nil, err
			}
		}
		out = append(out, n)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// DeleteOlderThan очищает журнал от старых записей
func (r *NotificationRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
