package models

import "time"

// Fill - подтверждённое исполнение. Журнал только дополняется.
type Fill struct {
	ID          int       `json:"id" db:"id"`
	TradeID     string    `json:"trade_id" db:"trade_id"` // идентификатор сделки на бирже
	OrderID     string    `json:"order_id" db:"order_id"`
	SessionID   int       `json:"session_id" db:"session_id"`
	PositionID  int       `json:"position_id" db:"position_id"`
	Symbol      string    `json:"symbol" db:"symbol"`
	Side        string    `json:"side" db:"side"` // buy, sell
	Quantity    float64   `json:"quantity" db:"quantity"`
	Price       float64   `json:"price" db:"price"`
	Notional    float64   `json:"notional" db:"notional"`
	Fee         float64   `json:"fee" db:"fee"`
	RealizedPNL float64   `json:"realized_pnl" db:"realized_pnl"`
	Layer       int       `json:"layer" db:"layer"` // 0 - выход, >0 - номер слоя
	Provenance  string    `json:"provenance" db:"provenance"`
	FilledAt    time.Time `json:"filled_at" db:"filled_at"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExitLayer - номер слоя для закрывающих исполнений
const ExitLayer = 0

// Происхождение исполнения
const (
	ProvenanceEngine = "engine" // ордер выставлен движком
	ProvenanceManual = "manual" // позиция открыта/изменена вручную на бирже
	ProvenanceSync   = "sync"   // восстановлено из истории сделок при синхронизации
)

// IsExit - закрывающее исполнение
func (f *Fill) IsExit() bool {
	return f.Layer == ExitLayer
}
