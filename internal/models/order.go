package models

import "time"

// OrderRecord представляет запись об ордере
type OrderRecord struct {
	ID            int        `json:"id" db:"id"`
	SessionID     int        `json:"session_id" db:"session_id"`
	PositionID    *int       `json:"position_id,omitempty" db:"position_id"`
	ExchangeID    string     `json:"exchange_order_id" db:"exchange_order_id"`
	ClientOrderID string     `json:"client_order_id" db:"client_order_id"`
	Symbol        string     `json:"symbol" db:"symbol"`
	Side          string     `json:"side" db:"side"`                   // buy, sell
	PositionSide  string     `json:"position_side" db:"position_side"` // long, short
	Type          string     `json:"type" db:"type"`                   // market, limit, stop_market, take_profit_market
	Purpose       string     `json:"purpose" db:"purpose"`             // entry, layer, tp, sl, exit
	Quantity      float64    `json:"quantity" db:"quantity"`
	Price         float64    `json:"price" db:"price"`
	StopPrice     float64    `json:"stop_price" db:"stop_price"`
	Status        string     `json:"status" db:"status"`
	LiquidationID string     `json:"liquidation_id,omitempty" db:"liquidation_id"`
	Layer         int        `json:"layer" db:"layer"`
	ErrorMessage  string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	FilledAt      *time.Time `json:"filled_at,omitempty" db:"filled_at"`
}

// Статусы ордера
const (
	OrderStatusPending   = "pending" // запрос отправлен, ответа биржи ещё нет
	OrderStatusNew       = "new"
	OrderStatusPartial   = "partially_filled"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
	OrderStatusExpired   = "expired"
)

// Назначение ордера
const (
	OrderPurposeEntry = "entry"
	OrderPurposeLayer = "layer"
	OrderPurposeTP    = "tp"
	OrderPurposeSL    = "sl"
	OrderPurposeExit  = "exit"
)

// IsProtective - TP или SL
func (o *OrderRecord) IsProtective() bool {
	return o.Purpose == OrderPurposeTP || o.Purpose == OrderPurposeSL
}

// IsTerminalOrderStatus - ордер больше не может исполниться
func IsTerminalOrderStatus(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}
