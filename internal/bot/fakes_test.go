package bot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"liqbot/internal/exchange"
	"liqbot/internal/models"
	"liqbot/internal/repository"
)

// ============================================================
// fakeExchange - биржа в памяти
// ============================================================

type fakeExchange struct {
	mu sync.Mutex

	nextID  int
	orders  []*exchange.Order // в порядке размещения
	placed  []exchange.OrderParams
	batches int
	events  []string // place:<type> / cancel:<id> в порядке вызова

	placeErr    error
	placeDelay  time.Duration
	placeStatus string // статус рыночного ордера, по умолчанию filled
	getOrderErr error

	balance   float64
	marks     map[string]float64
	positions []*exchange.Position
	trades    []exchange.Trade
	income    []exchange.Income
	rules     exchange.SymbolInfo
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		balance: 10000,
		marks:   make(map[string]float64),
		rules:   exchange.SymbolInfo{TickSize: 0.1, StepSize: 0.001, MinQty: 0.001, MinNotional: 5},
	}
}

func (f *fakeExchange) GetName() string { return "fake" }

func (f *fakeExchange) GetAccountInfo(ctx context.Context) (*exchange.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &exchange.AccountInfo{Asset: "USDT", WalletBalance: f.balance, AvailableBalance: f.balance}, nil
}

func (f *fakeExchange) GetPositions(ctx context.Context, symbol string) ([]*exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*exchange.Position
	for _, p := range f.positions {
		if symbol == "" || p.Symbol == symbol {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, params *exchange.OrderParams) (*exchange.Order, error) {
	f.mu.Lock()
	delay := f.placeDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, *params)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return f.placeLocked(params), nil
}

func (f *fakeExchange) placeLocked(params *exchange.OrderParams) *exchange.Order {
	f.nextID++
	status := exchange.OrderStatusNew
	if params.Type == exchange.OrderTypeMarket {
		status = exchange.OrderStatusFilled
		if f.placeStatus != "" {
			status = f.placeStatus
		}
	}
	o := &exchange.Order{
		ID:            strconv.Itoa(f.nextID),
		ClientOrderID: params.ClientOrderID,
		Symbol:        params.Symbol,
		Side:          params.Side,
		PositionSide:  params.PositionSide,
		Type:          params.Type,
		Quantity:      params.Quantity,
		StopPrice:     params.StopPrice,
		ReduceOnly:    params.ReduceOnly,
		Status:        status,
	}
	f.orders = append(f.orders, o)
	f.events = append(f.events, "place:"+params.Type)
	cp := *o
	return &cp
}

func (f *fakeExchange) PlaceBatchOrders(ctx context.Context, params []*exchange.OrderParams) ([]exchange.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	results := make([]exchange.BatchResult, len(params))
	for i, p := range params {
		f.placed = append(f.placed, *p)
		results[i] = exchange.BatchResult{Order: f.placeLocked(p)}
	}
	return results, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol string, ref exchange.OrderRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if (ref.OrderID != "" && o.ID == ref.OrderID) || (ref.OrderID == "" && o.ClientOrderID == ref.ClientOrderID) {
			if !o.IsOpen() {
				return exchange.ErrOrderNotFound
			}
			o.Status = exchange.OrderStatusCancelled
			f.events = append(f.events, "cancel:"+o.ID)
			return nil
		}
	}
	return exchange.ErrOrderNotFound
}

func (f *fakeExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.Symbol == symbol && o.IsOpen() {
			o.Status = exchange.OrderStatusCancelled
		}
	}
	return nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, symbol string, ref exchange.OrderRef) (*exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getOrderErr != nil {
		return nil, f.getOrderErr
	}
	for _, o := range f.orders {
		if o.ClientOrderID == ref.ClientOrderID || (ref.OrderID != "" && o.ID == ref.OrderID) {
			cp := *o
			return &cp, nil
		}
	}
	return nil, exchange.ErrOrderNotFound
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*exchange.Order
	for _, o := range f.orders {
		if o.IsOpen() && (symbol == "" || o.Symbol == symbol) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeExchange) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.marks[symbol]
	if !ok {
		return nil, exchange.ErrSymbolNotFound
	}
	return &exchange.Ticker{Symbol: symbol, LastPrice: price, MarkPrice: price, Timestamp: time.Now()}, nil
}

func (f *fakeExchange) GetOpenInterest(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

func (f *fakeExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error) {
	return nil, nil
}

func (f *fakeExchange) GetExchangeInfo(ctx context.Context) ([]exchange.SymbolInfo, error) {
	return nil, nil
}

func (f *fakeExchange) GetTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]exchange.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []exchange.Trade
	for _, t := range f.trades {
		if t.Symbol == symbol && !t.Time.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeExchange) GetIncome(ctx context.Context, symbol string, since time.Time, limit int) ([]exchange.Income, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.Income(nil), f.income...), nil
}

func (f *fakeExchange) GetPrecision(ctx context.Context, symbol string) (*exchange.SymbolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules := f.rules
	rules.Symbol = symbol
	return &rules, nil
}

func (f *fakeExchange) GetMinNotional(ctx context.Context, symbol string) (float64, error) {
	return f.rules.MinNotional, nil
}

func (f *fakeExchange) Close() error { return nil }

// placedCount - количество отправленных ордеров указанного типа
func (f *fakeExchange) placedCount(orderType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.placed {
		if p.Type == orderType {
			n++
		}
	}
	return n
}

func (f *fakeExchange) lastPlaced() exchange.OrderParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placed[len(f.placed)-1]
}

func (f *fakeExchange) openConditional(symbol, side string) []*exchange.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*exchange.Order
	for _, o := range f.orders {
		if o.IsOpen() && o.Symbol == symbol && o.PositionSide == side {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out
}

// addOpenOrder кладёт на биржу ордер, выставленный в обход движка
func (f *fakeExchange) addOpenOrder(o exchange.Order) *exchange.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	o.ID = strconv.Itoa(f.nextID)
	if o.Status == "" {
		o.Status = exchange.OrderStatusNew
	}
	f.orders = append(f.orders, &o)
	cp := o
	return &cp
}

func (f *fakeExchange) setOrderStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.ID == id {
			o.Status = status
		}
	}
}

func (f *fakeExchange) eventLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

// ============================================================
// memLedger - хранилище в памяти
// ============================================================

type memLedger struct {
	mu sync.Mutex

	session      models.TradeSession
	positions    map[int]*models.Position
	fills        []models.Fill
	tradeIDs     map[string]bool
	orders       map[string]*models.OrderRecord
	liquidations []*models.Liquidation

	nextPosition int
	nextFill     int
	nextOrder    int
}

func newMemLedger(session models.TradeSession) *memLedger {
	return &memLedger{
		session:   session,
		positions: make(map[int]*models.Position),
		tradeIDs:  make(map[string]bool),
		orders:    make(map[string]*models.OrderRecord),
	}
}

func (m *memLedger) ledger() Ledger {
	return Ledger{
		Sessions:     memSessions{m},
		Positions:    memPositions{m},
		Fills:        memFills{m},
		Orders:       memOrders{m},
		Liquidations: memLiquidations{m},
	}
}

func (m *memLedger) fillCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fills)
}

func (m *memLedger) storedPosition(id int) *models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (m *memLedger) storedSession() models.TradeSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *memLedger) ordersByPurpose(purpose string) []models.OrderRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OrderRecord
	for _, o := range m.orders {
		if o.Purpose == purpose {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// addPosition сохраняет позицию вместе с её исполнениями
func (m *memLedger) addPosition(p *models.Position, fills ...models.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPosition++
	p.ID = m.nextPosition
	cp := *p
	m.positions[p.ID] = &cp
	for _, f := range fills {
		m.nextFill++
		f.ID = m.nextFill
		f.PositionID = p.ID
		m.fills = append(m.fills, f)
		m.tradeIDs[f.TradeID] = true
	}
}

type memSessions struct{ m *memLedger }

func (s memSessions) GetActive(ctx context.Context, strategyID int) (*models.TradeSession, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cp := s.m.session
	return &cp, nil
}

func (s memSessions) Update(ctx context.Context, sess *models.TradeSession) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.session = *sess
	return nil
}

type memPositions struct{ m *memLedger }

func (s memPositions) ListOpen(ctx context.Context, sessionID int) ([]*models.Position, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*models.Position
	for _, p := range s.m.positions {
		if p.SessionID == sessionID && p.IsOpen {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s memPositions) Update(ctx context.Context, p *models.Position) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.positions[p.ID]; !ok {
		return repository.ErrPositionNotFound
	}
	cp := *p
	s.m.positions[p.ID] = &cp
	return nil
}

type memFills struct{ m *memLedger }

func (s memFills) Record(ctx context.Context, p *models.Position, f *models.Fill) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.tradeIDs[f.TradeID] {
		return repository.ErrDuplicateFill
	}
	if p.ID == 0 {
		s.m.nextPosition++
		p.ID = s.m.nextPosition
	}
	s.m.nextFill++
	f.ID = s.m.nextFill
	f.PositionID = p.ID
	s.m.fills = append(s.m.fills, *f)
	s.m.tradeIDs[f.TradeID] = true
	cp := *p
	s.m.positions[p.ID] = &cp
	return nil
}

func (s memFills) ListByPosition(ctx context.Context, positionID int) ([]models.Fill, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []models.Fill
	for _, f := range s.m.fills {
		if f.PositionID == positionID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s memFills) LatestFillTime(ctx context.Context, sessionID int) (time.Time, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var latest time.Time
	for _, f := range s.m.fills {
		if f.SessionID == sessionID && f.FilledAt.After(latest) {
			latest = f.FilledAt
		}
	}
	return latest, nil
}

type memOrders struct{ m *memLedger }

func (s memOrders) Create(ctx context.Context, o *models.OrderRecord) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.orders[o.ClientOrderID]; ok {
		return fmt.Errorf("duplicate client order id %s", o.ClientOrderID)
	}
	s.m.nextOrder++
	o.ID = s.m.nextOrder
	cp := *o
	s.m.orders[o.ClientOrderID] = &cp
	return nil
}

func (s memOrders) Update(ctx context.Context, o *models.OrderRecord) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.orders[o.ClientOrderID]; !ok {
		return repository.ErrOrderNotFound
	}
	cp := *o
	s.m.orders[o.ClientOrderID] = &cp
	return nil
}

func (s memOrders) GetByClientID(ctx context.Context, clientOrderID string) (*models.OrderRecord, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	o, ok := s.m.orders[clientOrderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s memOrders) ListActiveProtective(ctx context.Context, sessionID int) ([]*models.OrderRecord, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*models.OrderRecord
	for _, o := range s.m.orders {
		if o.SessionID == sessionID && o.IsProtective() && !models.IsTerminalOrderStatus(o.Status) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s memOrders) ListPlacedSince(ctx context.Context, sessionID int, since time.Time) ([]*models.OrderRecord, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*models.OrderRecord
	for _, o := range s.m.orders {
		if o.SessionID == sessionID && !o.CreatedAt.Before(since) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memLiquidations struct{ m *memLedger }

func (s memLiquidations) ListSince(ctx context.Context, since time.Time) ([]*models.Liquidation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*models.Liquidation
	for _, l := range s.m.liquidations {
		if !l.Timestamp.Before(since) {
			out = append(out, l)
		}
	}
	return out, nil
}
