package websocket

import (
	"time"

	"liqbot/internal/bot"
	"liqbot/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypePositionUpdate - позиция изменилась (исполнение, закрытие, пересчёт PNL)
	MessageTypePositionUpdate MessageType = "positionUpdate"

	// MessageTypeRiskUpdate - заполненный и зарезервированный риск портфеля
	MessageTypeRiskUpdate MessageType = "riskUpdate"

	// MessageTypeCascadeUpdate - смена зоны каскада по символу
	MessageTypeCascadeUpdate MessageType = "cascadeUpdate"

	// MessageTypeNotification - новое событие жизненного цикла сделки
	MessageTypeNotification MessageType = "notification"

	// MessageTypeStatsUpdate - статистика сессии
	MessageTypeStatsUpdate MessageType = "statsUpdate"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// PositionUpdateMessage - состояние позиции
type PositionUpdateMessage struct {
	BaseMessage
	Data *PositionData `json:"data"`
}

// PositionData - данные позиции для UI
type PositionData struct {
	ID                   int     `json:"id"`
	Symbol               string  `json:"symbol"`
	Side                 string  `json:"side"`
	Quantity             float64 `json:"quantity"`
	AvgEntryPrice        float64 `json:"avg_entry_price"`
	UnrealizedPNLPercent float64 `json:"unrealized_pnl_percent"`
	RealizedPNL          float64 `json:"realized_pnl"`
	LayersFilled         int     `json:"layers_filled"`
	MaxLayers            int     `json:"max_layers"`
	IsOpen               bool    `json:"is_open"`
}

// RiskUpdateMessage - снимок риска портфеля
type RiskUpdateMessage struct {
	BaseMessage
	Data bot.RiskSnapshot `json:"data"`
	// FilledRiskPercent - заполненный риск в % от баланса
	FilledRiskPercent float64 `json:"filled_risk_percent"`
}

// CascadeUpdateMessage - оценка каскада
type CascadeUpdateMessage struct {
	BaseMessage
	Data bot.CascadeAssessment `json:"data"`
}

// NotificationMessage - событие жизненного цикла сделки
type NotificationMessage struct {
	BaseMessage
	Data *models.Notification `json:"data"`
}

// StatsUpdateMessage - статистика сессии
type StatsUpdateMessage struct {
	BaseMessage
	Data *models.SessionStats `json:"data"`
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now()}
}

// NewPositionUpdateMessage создает сообщение об изменении позиции
func NewPositionUpdateMessage(p *models.Position) *PositionUpdateMessage {
	return &PositionUpdateMessage{
		BaseMessage: newBase(MessageTypePositionUpdate),
		Data: &PositionData{
			ID:                   p.ID,
			Symbol:               p.Symbol,
			Side:                 p.Side,
			Quantity:             p.Quantity,
			AvgEntryPrice:        p.AvgEntryPrice,
			UnrealizedPNLPercent: p.UnrealizedPNLPercent,
			RealizedPNL:          p.RealizedPNL,
			LayersFilled:         p.LayersFilled,
			MaxLayers:            p.MaxLayers,
			IsOpen:               p.IsOpen,
		},
	}
}

// NewRiskUpdateMessage создает сообщение со снимком риска
func NewRiskUpdateMessage(r bot.RiskSnapshot) *RiskUpdateMessage {
	return &RiskUpdateMessage{
		BaseMessage:       newBase(MessageTypeRiskUpdate),
		Data:              r,
		FilledRiskPercent: r.FilledRiskPercent(),
	}
}

// NewCascadeUpdateMessage создает сообщение с оценкой каскада
func NewCascadeUpdateMessage(a bot.CascadeAssessment) *CascadeUpdateMessage {
	return &CascadeUpdateMessage{
		BaseMessage: newBase(MessageTypeCascadeUpdate),
		Data:        a,
	}
}

// NewNotificationMessage создает сообщение уведомления
func NewNotificationMessage(n *models.Notification) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage: newBase(MessageTypeNotification),
		Data:        n,
	}
}

// NewStatsUpdateMessage создает сообщение статистики
func NewStatsUpdateMessage(stats *models.SessionStats) *StatsUpdateMessage {
	return &StatsUpdateMessage{
		BaseMessage: newBase(MessageTypeStatsUpdate),
		Data:        stats,
	}
}
