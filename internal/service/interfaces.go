package service

import (
	"context"
	"time"

	"liqbot/internal/bot"
	"liqbot/internal/models"
	"liqbot/internal/repository"
)

// StrategyRepository определяет интерфейс репозитория стратегий
type StrategyRepository interface {
	Create(ctx context.Context, s *models.Strategy) error
	GetByID(ctx context.Context, id int) (*models.Strategy, error)
	GetActive(ctx context.Context) (*models.Strategy, error)
	List(ctx context.Context) ([]*models.Strategy, error)
	Update(ctx context.Context, s *models.Strategy) error
	SetActive(ctx context.Context, id int) error
	Deactivate(ctx context.Context, id int) error
}

// SessionRepository определяет интерфейс репозитория торговых сессий
type SessionRepository interface {
	Create(ctx context.Context, s *models.TradeSession) error
	GetActive(ctx context.Context, strategyID int) (*models.TradeSession, error)
	GetByID(ctx context.Context, id int) (*models.TradeSession, error)
	Update(ctx context.Context, s *models.TradeSession) error
	Rotate(ctx context.Context, archiveID int, at time.Time, next *models.TradeSession) error
	ListByStrategy(ctx context.Context, strategyID int) ([]*models.TradeSession, error)
}

// PositionRepository определяет интерфейс чтения позиций
type PositionRepository interface {
	GetByID(ctx context.Context, id int) (*models.Position, error)
	ListOpen(ctx context.Context, sessionID int) ([]*models.Position, error)
	ListBySession(ctx context.Context, sessionID int) ([]*models.Position, error)
}

// FillRepository определяет интерфейс чтения журнала исполнений
type FillRepository interface {
	ListByPosition(ctx context.Context, positionID int) ([]models.Fill, error)
}

// OrderRepository определяет интерфейс чтения журнала ордеров
type OrderRepository interface {
	ListRecent(ctx context.Context, sessionID, limit int) ([]*models.OrderRecord, error)
}

// NotificationRepository определяет интерфейс репозитория уведомлений
type NotificationRepository interface {
	Create(ctx context.Context, n *models.Notification) error
	GetRecent(ctx context.Context, types []string, limit int) ([]*models.Notification, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// StatsRepository определяет интерфейс агрегатов по закрытым позициям
type StatsRepository interface {
	ClosedSince(ctx context.Context, sessionID int, since time.Time) (repository.PeriodStats, error)
	CountOpen(ctx context.Context, sessionID int) (int, error)
}

// Проверяем, что реальные репозитории реализуют интерфейсы
var _ StrategyRepository = (*repository.StrategyRepository)(nil)
var _ SessionRepository = (*repository.SessionRepository)(nil)
var _ PositionRepository = (*repository.PositionRepository)(nil)
var _ FillRepository = (*repository.FillRepository)(nil)
var _ OrderRepository = (*repository.OrderRepository)(nil)
var _ NotificationRepository = (*repository.NotificationRepository)(nil)
var _ StatsRepository = (*repository.StatsRepository)(nil)

// ============ Движок ============

// Trader - работающий движок одной стратегии.
// Реализуется bot.Engine; в тестах подменяется.
type Trader interface {
	Run(ctx context.Context) error
	Submit(liq *models.Liquidation) bool
	ClosePosition(ctx context.Context, symbol, side string) (*models.OrderRecord, error)
	Status() bot.EngineStatus
	Risk() bot.RiskSnapshot
	Session() models.TradeSession
}

var _ Trader = (*bot.Engine)(nil)

// TraderFactory создаёт движок для активируемой стратегии.
// Фабрика отвечает за ключи, адаптер биржи и активную сессию.
type TraderFactory func(ctx context.Context, s *models.Strategy) (Trader, error)

// ============ WebSocket ============

// NotificationBroadcaster - отправка уведомлений клиентам UI
type NotificationBroadcaster interface {
	BroadcastNotification(n *models.Notification)
}

// StatsBroadcaster - отправка статистики клиентам UI
type StatsBroadcaster interface {
	BroadcastStats(stats *models.SessionStats)
}
