package exchange

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Stream - приватный поток пользовательских данных биржи.
//
// Обработчики вызываются из одной горутины-диспетчера в порядке поступления
// событий. Буфер событий ограничен: при переполнении отбрасывается самое старое
// событие, чтобы чтение сокета никогда не блокировалось медленным потребителем.
type Stream interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Reconnect() error
	State() StreamState

	OnAccountUpdate(handler func(AccountUpdate))
	OnOrderUpdate(handler func(OrderUpdate))
	OnTradeUpdate(handler func(TradeUpdate))
	OnError(handler func(error))
	OnDisconnect(handler func(error))
	OnReconnect(handler func())
}

// StreamState - состояние соединения потока
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamAuthenticating
	StreamSubscribed
	StreamConnected
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "disconnected"
	case StreamConnecting:
		return "connecting"
	case StreamAuthenticating:
		return "authenticating"
	case StreamSubscribed:
		return "subscribed"
	case StreamConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// AccountUpdate - изменение баланса и позиций
type AccountUpdate struct {
	Reason    string
	Balances  []BalanceUpdate
	Positions []PositionUpdate
	Time      time.Time
}

// BalanceUpdate - баланс актива
type BalanceUpdate struct {
	Asset         string
	WalletBalance float64
}

// PositionUpdate - состояние позиции по данным потока
type PositionUpdate struct {
	Symbol        string
	Side          string // long, short
	Size          float64
	EntryPrice    float64
	UnrealizedPNL float64
}

// OrderUpdate - изменение статуса ордера
type OrderUpdate struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
	Side          string
	PositionSide  string
	Type          string
	Status        string
	Quantity      float64
	FilledQty     float64
	AvgPrice      float64
	StopPrice     float64
	ReduceOnly    bool
	Time          time.Time
}

// TradeUpdate - исполнение (fill)
type TradeUpdate struct {
	TradeID       string
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          string
	PositionSide  string
	Price         float64
	Quantity      float64
	Fee           float64
	RealizedPNL   float64
	ReduceOnly    bool
	Time          time.Time
}

// DefaultStreamBuffer - ёмкость буфера событий потока
const DefaultStreamBuffer = 1024

type streamEvent struct {
	account *AccountUpdate
	order   *OrderUpdate
	trade   *TradeUpdate
	err     error
}

// streamHandlers хранит обработчики и доставляет события из буфера
type streamHandlers struct {
	mu           sync.RWMutex
	onAccount    func(AccountUpdate)
	onOrder      func(OrderUpdate)
	onTrade      func(TradeUpdate)
	onError      func(error)
	onDisconnect func(error)
	onReconnect  func()

	events  chan streamEvent
	dropped uint64
}

func newStreamHandlers(buffer int) *streamHandlers {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &streamHandlers{events: make(chan streamEvent, buffer)}
}

func (h *streamHandlers) OnAccountUpdate(handler func(AccountUpdate)) {
	h.mu.Lock()
	h.onAccount = handler
	h.mu.Unlock()
}

func (h *streamHandlers) OnOrderUpdate(handler func(OrderUpdate)) {
	h.mu.Lock()
	h.onOrder = handler
	h.mu.Unlock()
}

func (h *streamHandlers) OnTradeUpdate(handler func(TradeUpdate)) {
	h.mu.Lock()
	h.onTrade = handler
	h.mu.Unlock()
}

func (h *streamHandlers) OnError(handler func(error)) {
	h.mu.Lock()
	h.onError = handler
	h.mu.Unlock()
}

func (h *streamHandlers) OnDisconnect(handler func(error)) {
	h.mu.Lock()
	h.onDisconnect = handler
	h.mu.Unlock()
}

func (h *streamHandlers) OnReconnect(handler func()) {
	h.mu.Lock()
	h.onReconnect = handler
	h.mu.Unlock()
}

// Dropped - сколько событий отброшено из-за переполнения буфера
func (h *streamHandlers) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

// push кладёт событие в буфер, вытесняя самое старое при переполнении
func (h *streamHandlers) push(ev streamEvent) {
	for {
		select {
		case h.events <- ev:
			return
		default:
		}
		select {
		case <-h.events:
			atomic.AddUint64(&h.dropped, 1)
		default:
		}
	}
}

// dispatch доставляет события обработчикам до отмены ctx
func (h *streamHandlers) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

func (h *streamHandlers) deliver(ev streamEvent) {
	h.mu.RLock()
	onAccount, onOrder, onTrade, onError := h.onAccount, h.onOrder, h.onTrade, h.onError
	h.mu.RUnlock()

	switch {
	case ev.account != nil && onAccount != nil:
		onAccount(*ev.account)
	case ev.order != nil && onOrder != nil:
		onOrder(*ev.order)
	case ev.trade != nil && onTrade != nil:
		onTrade(*ev.trade)
	case ev.err != nil && onError != nil:
		onError(ev.err)
	}
}

func (h *streamHandlers) notifyDisconnect(err error) {
	h.mu.RLock()
	cb := h.onDisconnect
	h.mu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

func (h *streamHandlers) notifyReconnect() {
	h.mu.RLock()
	cb := h.onReconnect
	h.mu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (h *streamHandlers) notifyError(err error) {
	h.push(streamEvent{err: err})
}

// streamBase - общая часть потоков: обработчики, диспетчер и менеджер соединения
type streamBase struct {
	*streamHandlers
	manager *WSReconnectManager

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newStreamBase(manager *WSReconnectManager, buffer int) *streamBase {
	s := &streamBase{streamHandlers: newStreamHandlers(buffer), manager: manager}
	manager.SetOnDisconnect(s.notifyDisconnect)
	manager.SetOnFatal(s.notifyError)
	manager.SetOnConnect(func(reconnected bool) {
		if reconnected {
			s.notifyReconnect()
		}
	})
	return s
}

// Connect запускает диспетчер событий и подключается
func (s *streamBase) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel == nil {
		dctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.dispatch(dctx)
	}
	s.mu.Unlock()

	return s.manager.Connect(ctx)
}

// Disconnect закрывает соединение, отменяет переподключение и останавливает диспетчер
func (s *streamBase) Disconnect() error {
	err := s.manager.Disconnect()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	return err
}

// Reconnect пересоздаёт соединение без задержки
func (s *streamBase) Reconnect() error {
	return s.manager.Reconnect()
}

// State возвращает состояние соединения
func (s *streamBase) State() StreamState {
	return s.manager.GetState()
}
