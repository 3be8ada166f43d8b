package models

import "time"

// Notification - событие жизненного цикла сделки для журнала и UI.
// Доставка уведомлений не должна блокировать ядро.
type Notification struct {
	ID         int                    `json:"id" db:"id"`
	Timestamp  time.Time              `json:"timestamp" db:"timestamp"`
	Type       string                 `json:"type" db:"type"`
	Severity   string                 `json:"severity" db:"severity"` // info, warn, error
	StrategyID *int                   `json:"strategy_id,omitempty" db:"strategy_id"`
	Symbol     string                 `json:"symbol,omitempty" db:"symbol"`
	Side       string                 `json:"side,omitempty" db:"side"`
	Message    string                 `json:"message" db:"message"`
	Meta       map[string]interface{} `json:"meta,omitempty" db:"meta"` // JSON в БД
}

// Типы уведомлений
const (
	NotificationTypeEntry      = "ENTRY"      // первый слой выставлен
	NotificationTypeLayer      = "LAYER"      // слой усреднения выставлен
	NotificationTypeFill       = "FILL"       // исполнение применено к позиции
	NotificationTypeClose      = "CLOSE"      // позиция закрыта
	NotificationTypeBlock      = "BLOCK"      // вход отклонён (причина в Meta)
	NotificationTypeProtection = "PROTECTION" // TP/SL переставлены
	NotificationTypeCascade    = "CASCADE"    // каскад ликвидаций, авто-блок
	NotificationTypeStream     = "STREAM"     // переподключение/бан потока
	NotificationTypeError      = "ERROR"      // ошибка API/ордера
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)
