package bot

import (
	"context"
	"time"

	"liqbot/internal/models"
)

// SessionStore - доступ к торговым сессиям
type SessionStore interface {
	GetActive(ctx context.Context, strategyID int) (*models.TradeSession, error)
	Update(ctx context.Context, s *models.TradeSession) error
}

// PositionStore - доступ к позициям
type PositionStore interface {
	ListOpen(ctx context.Context, sessionID int) ([]*models.Position, error)
	Update(ctx context.Context, p *models.Position) error
}

// FillStore - журнал исполнений.
//
// Record атомарно создаёт позицию (если p.ID == 0), добавляет исполнение
// и сохраняет новое состояние позиции. Повторный trade id даёт
// repository.ErrDuplicateFill, и ничего не записывается.
type FillStore interface {
	Record(ctx context.Context, p *models.Position, f *models.Fill) error
	ListByPosition(ctx context.Context, positionID int) ([]models.Fill, error)
	LatestFillTime(ctx context.Context, sessionID int) (time.Time, error)
}

// OrderStore - журнал ордеров
type OrderStore interface {
	Create(ctx context.Context, o *models.OrderRecord) error
	Update(ctx context.Context, o *models.OrderRecord) error
	GetByClientID(ctx context.Context, clientOrderID string) (*models.OrderRecord, error)
	ListActiveProtective(ctx context.Context, sessionID int) ([]*models.OrderRecord, error)
	ListPlacedSince(ctx context.Context, sessionID int, since time.Time) ([]*models.OrderRecord, error)
}

// LiquidationStore - окно недавних ликвидаций
type LiquidationStore interface {
	ListSince(ctx context.Context, since time.Time) ([]*models.Liquidation, error)
}

// Ledger - всё хранилище, с которым работает движок
type Ledger struct {
	Sessions     SessionStore
	Positions    PositionStore
	Fills        FillStore
	Orders       OrderStore
	Liquidations LiquidationStore
}
