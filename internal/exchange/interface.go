package exchange

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Exchange определяет унифицированный интерфейс REST-адаптера биржи.
//
// Все вызовы идут через процессный ratelimit.Fetcher. Количество и цена
// округляются к шагам биржи перед отправкой; если округление невозможно,
// вызов завершается ошибкой и ничего не отправляется.
type Exchange interface {
	// GetName возвращает имя биржи
	GetName() string

	// GetAccountInfo получает баланс фьючерсного аккаунта в USDT
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)

	// GetPositions получает открытые позиции; пустой symbol - по всем символам
	GetPositions(ctx context.Context, symbol string) ([]*Position, error)

	// SetLeverage устанавливает плечо для символа
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// PlaceOrder размещает один ордер. Повторять вызов при ошибке нельзя:
	// сначала нужно проверить ордер по ClientOrderID.
	PlaceOrder(ctx context.Context, params *OrderParams) (*Order, error)

	// PlaceBatchOrders размещает от 1 до 5 ордеров, результат по каждому
	PlaceBatchOrders(ctx context.Context, params []*OrderParams) ([]BatchResult, error)

	// CancelOrder отменяет ордер по OrderID или ClientOrderID
	CancelOrder(ctx context.Context, symbol string, ref OrderRef) error

	// CancelAllOrders отменяет все открытые ордера по символу
	CancelAllOrders(ctx context.Context, symbol string) error

	// GetOrder получает ордер по OrderID или ClientOrderID
	GetOrder(ctx context.Context, symbol string, ref OrderRef) (*Order, error)

	// GetOpenOrders получает открытые ордера; пустой symbol - по всем символам
	GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error)

	// GetTicker получает последнюю и маркировочную цену
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// GetOpenInterest получает текущий открытый интерес по символу (в контрактах)
	GetOpenInterest(ctx context.Context, symbol string) (float64, error)

	// GetKlines получает свечи в хронологическом порядке
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)

	// GetExchangeInfo получает торговые правила всех символов
	GetExchangeInfo(ctx context.Context) ([]SymbolInfo, error)

	// GetTrades получает собственные сделки начиная с since
	GetTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]Trade, error)

	// GetIncome получает историю реализованного PNL и комиссий
	GetIncome(ctx context.Context, symbol string, since time.Time, limit int) ([]Income, error)

	// GetPrecision возвращает шаги цены и количества (из кэша с TTL)
	GetPrecision(ctx context.Context, symbol string) (*SymbolInfo, error)

	// GetMinNotional возвращает минимальную сумму ордера в USDT
	GetMinNotional(ctx context.Context, symbol string) (float64, error)

	// Close освобождает ресурсы адаптера
	Close() error
}

// AccountInfo - состояние фьючерсного аккаунта
type AccountInfo struct {
	Asset            string  `json:"asset"`
	WalletBalance    float64 `json:"wallet_balance"`
	AvailableBalance float64 `json:"available_balance"`
	UnrealizedPNL    float64 `json:"unrealized_pnl"`
}

// Position представляет открытую позицию на бирже
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // "long" или "short"
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	Leverage      int       `json:"leverage"`
	UnrealizedPNL float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OrderParams - параметры нового ордера в нормализованном словаре
type OrderParams struct {
	Symbol        string
	Side          string // buy, sell
	PositionSide  string // long, short
	Type          string // market, limit, stop_market, take_profit_market
	Quantity      float64
	Price         float64 // для limit
	StopPrice     float64 // для stop_market / take_profit_market
	ReduceOnly    bool
	ClientOrderID string
}

// IsConditional - ордер со стоп-ценой (TP/SL)
func (p *OrderParams) IsConditional() bool {
	return p.Type == OrderTypeStopMarket || p.Type == OrderTypeTakeProfitMarket
}

// OrderRef - ссылка на ордер: биржевой ID или клиентский ID
type OrderRef struct {
	OrderID       string
	ClientOrderID string
}

// Order представляет ордер
type Order struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	PositionSide  string    `json:"position_side"`
	Type          string    `json:"type"`
	Quantity      float64   `json:"quantity"`
	FilledQty     float64   `json:"filled_qty"`
	AvgFillPrice  float64   `json:"avg_fill_price"`
	Price         float64   `json:"price"`
	StopPrice     float64   `json:"stop_price"`
	ReduceOnly    bool      `json:"reduce_only"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsOpen - ордер ещё может исполниться
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusPartial
}

// BatchResult - результат одного ордера из пакета
type BatchResult struct {
	Order *Order
	Err   error
}

// Ticker содержит информацию о текущей цене
type Ticker struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	MarkPrice float64   `json:"mark_price"`
	Timestamp time.Time `json:"timestamp"`
}

// Kline - свеча
type Kline struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// SymbolInfo содержит торговые ограничения биржи для символа
type SymbolInfo struct {
	Symbol      string  `json:"symbol"`
	TickSize    float64 `json:"tick_size"`    // шаг цены
	StepSize    float64 `json:"step_size"`    // шаг количества (lot size)
	MinQty      float64 `json:"min_qty"`      // минимальное количество
	MinNotional float64 `json:"min_notional"` // минимальная сумма ордера в USDT
	MaxLeverage int     `json:"max_leverage"`
}

// Trade - собственная сделка (исполнение)
type Trade struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	PositionSide  string    `json:"position_side"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	Fee           float64   `json:"fee"`
	RealizedPNL   float64   `json:"realized_pnl"`
	Time          time.Time `json:"time"`
}

// Income - запись истории доходов (реализованный PNL, комиссии, фандинг)
type Income struct {
	ID      string    `json:"id"`
	Symbol  string    `json:"symbol"`
	Type    string    `json:"type"`
	Amount  float64   `json:"amount"`
	Asset   string    `json:"asset"`
	TradeID string    `json:"trade_id,omitempty"`
	Time    time.Time `json:"time"`
}

// Side constants for orders (используются при размещении ордеров)
const (
	SideBuy  = "buy"  // покупка (открытие long или закрытие short)
	SideSell = "sell" // продажа (открытие short или закрытие long)
)

// Side constants for positions (используются для описания направления позиции)
const (
	SideLong  = "long"  // длинная позиция (ставка на рост)
	SideShort = "short" // короткая позиция (ставка на падение)
)

// Order type constants
const (
	OrderTypeMarket           = "market"
	OrderTypeLimit            = "limit"
	OrderTypeStopMarket       = "stop_market"
	OrderTypeTakeProfitMarket = "take_profit_market"
)

// Order status constants
const (
	OrderStatusNew       = "new"
	OrderStatusPartial   = "partially_filled"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
	OrderStatusExpired   = "expired"
)

// Income type constants
const (
	IncomeRealizedPNL = "REALIZED_PNL"
	IncomeCommission  = "COMMISSION"
	IncomeFunding     = "FUNDING_FEE"
)

// MaxBatchOrders - максимальный размер пакета ордеров
const MaxBatchOrders = 5

// EntryOrderSide - сторона ордера, открывающего позицию positionSide
func EntryOrderSide(positionSide string) string {
	if positionSide == SideShort {
		return SideSell
	}
	return SideBuy
}

// ExitOrderSide - сторона ордера, закрывающего позицию positionSide
func ExitOrderSide(positionSide string) string {
	if positionSide == SideShort {
		return SideBuy
	}
	return SideSell
}
