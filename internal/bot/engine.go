package bot

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"liqbot/internal/exchange"
	"liqbot/internal/models"
	"liqbot/internal/repository"
	"liqbot/pkg/ratelimit"
	"liqbot/pkg/retry"
	"liqbot/pkg/utils"
)

// Причины решений по ликвидации. Используются как метка метрики,
// поэтому набор фиксированный.
const (
	ReasonAccepted        = "accepted"
	ReasonInvalid         = "invalid liquidation"
	ReasonNotSelected     = "symbol not selected"
	ReasonDuplicate       = "duplicate liquidation id"
	ReasonCascadeBlock    = "cascade auto-block"
	ReasonRiskLimit       = "portfolio risk limit"
	ReasonCooldown        = "cooldown active"
	ReasonInFlight        = "order in flight"
	ReasonBelowEntry      = "below entry percentile"
	ReasonBelowDCA        = "below dca percentile"
	ReasonFillGap         = "min fill gap not elapsed"
	ReasonMaxLayers       = "max layers reached"
	ReasonStepDistance    = "price within step distance"
	ReasonOrderFailed     = "order failed"
	ReasonOrderUnknown    = "order status unknown"
	ReasonZeroQuantity    = "zero quantity"
	ReasonEngineNotLoaded = "engine not restored"
)

var (
	// ErrNoOpenPosition - по ключу нет открытой позиции
	ErrNoOpenPosition = errors.New("no open position")
	// ErrUnknownPosition - исполнение не относится ни к одной известной позиции
	ErrUnknownPosition = errors.New("fill for unknown position")
)

// Action - итог обработки ликвидации
type Action string

const (
	ActionEnter  Action = "enter"
	ActionLayer  Action = "layer"
	ActionReject Action = "reject"
)

// Decision - решение движка по одной ликвидации
type Decision struct {
	Action        Action            `json:"action"`
	Reason        string            `json:"reason"`
	LiquidationID string            `json:"liquidation_id"`
	Symbol        string            `json:"symbol"`
	Side          string            `json:"side"` // сторона нашей позиции
	Layer         int               `json:"layer,omitempty"`
	Quantity      float64           `json:"quantity,omitempty"`
	ClientOrderID string            `json:"client_order_id,omitempty"`
	Cascade       CascadeAssessment `json:"cascade"`
	Err           error             `json:"-"`
}

// Accepted - ордер был отправлен
func (d Decision) Accepted() bool {
	return d.Action != ActionReject
}

// WebSocketHub - рассылка состояния клиентам UI.
// Реализуется пакетом internal/websocket.
type WebSocketHub interface {
	BroadcastPositionUpdate(p *models.Position)
	BroadcastRiskUpdate(r RiskSnapshot)
	BroadcastCascadeUpdate(a CascadeAssessment)
}

// EngineConfig - параметры движка
type EngineConfig struct {
	ReceiveWindow     time.Duration // таймаут одного REST вызова
	Shards            int           // число воркеров ликвидаций
	ShardBuffer       int           // ёмкость очереди шарда
	MarkInterval      time.Duration // пересчёт PNL и риска
	OIInterval        time.Duration // опрос открытого интереса
	TradeSyncInterval time.Duration // сверка сделок с биржей
	GCInterval        time.Duration // очистка обработанных id
	ProcessedTTL      time.Duration // сколько помнить id ликвидаций
	PendingTimeout    time.Duration // когда проверять ордер без ответа по client id
	ATRInterval       string
	ATRPeriod         int
	ATRTTL            time.Duration
	Cascade           CascadeConfig
	Protection        ProtectionConfig
}

// DefaultEngineConfig возвращает параметры по умолчанию
func DefaultEngineConfig() EngineConfig {
	shards := runtime.NumCPU()
	if shards < 4 {
		shards = 4
	}
	if shards > 16 {
		shards = 16
	}
	return EngineConfig{
		ReceiveWindow:     5 * time.Second,
		Shards:            shards,
		ShardBuffer:       256,
		MarkInterval:      30 * time.Second,
		OIInterval:        30 * time.Second,
		TradeSyncInterval: time.Minute,
		GCInterval:        time.Hour,
		ProcessedTTL:      24 * time.Hour,
		PendingTimeout:    30 * time.Second,
		ATRInterval:       "5m",
		ATRPeriod:         14,
		ATRTTL:            5 * time.Minute,
		Cascade:           DefaultCascadeConfig(),
		Protection:        DefaultProtectionConfig(),
	}
}

// EngineDeps - зависимости движка
type EngineDeps struct {
	Strategy      *models.Strategy
	Session       *models.TradeSession
	Exchange      exchange.Exchange
	Stream        exchange.Stream // nil - без приватного потока
	Ledger        Ledger
	Notifications chan *models.Notification
	Hub           WebSocketHub
	Logger        *utils.Logger
}

// keyState - состояние ключа (symbol, side)
type keyState struct {
	state        string
	reservedAt   time.Time // последний резерв кулдауна
	lastFillAt   time.Time
	pendingOrder string // client id входного ордера без подтверждения
}

type atrEntry struct {
	value     float64
	fetchedAt time.Time
}

// Engine - ядро реакции на ликвидации одной активной стратегии.
//
// Поток данных:
// Feed → Submit (hash по ключу) → shard worker → HandleLiquidation под блокировкой ключа
// Stream → HandleTrade / HandleOrderUpdate / HandleAccountUpdate (в порядке биржи)
//
// Все изменения позиции по ключу (решение о входе, применение исполнения,
// перестановка TP/SL) сериализованы KeyedMutex. Позиции в памяти не
// изменяются на месте: каждое исполнение применяется к копии, копия
// записывается в журнал и только потом заменяет оригинал.
type Engine struct {
	cfg           EngineConfig
	strategy      *models.Strategy
	exch          exchange.Exchange
	stream        exchange.Stream
	ledger        Ledger
	hub           WebSocketHub
	notifications chan *models.Notification
	log           *utils.Logger

	params     DCAParams
	risk       *RiskManager
	detector   *CascadeDetector
	protection *ProtectionService
	recovery   *RecoveryManager
	locks      *KeyedMutex

	mu        sync.RWMutex
	session   *models.TradeSession
	keys      map[string]*keyState
	positions map[string]*models.Position
	processed map[string]time.Time
	marks     map[string]float64
	atr       map[string]atrEntry
	bands     map[string]CascadeBand
	balance   float64
	restored  bool

	shards  []chan *models.Liquidation
	syncReq chan struct{}
	wg      sync.WaitGroup

	now         func() time.Time
	newClientID func(purpose string) string
}

// NewEngine создаёт движок для активной стратегии и её сессии
func NewEngine(cfg EngineConfig, deps EngineDeps) *Engine {
	def := DefaultEngineConfig()
	if cfg.ReceiveWindow <= 0 {
		cfg.ReceiveWindow = def.ReceiveWindow
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.ShardBuffer <= 0 {
		cfg.ShardBuffer = def.ShardBuffer
	}
	if cfg.MarkInterval <= 0 {
		cfg.MarkInterval = def.MarkInterval
	}
	if cfg.OIInterval <= 0 {
		cfg.OIInterval = def.OIInterval
	}
	if cfg.TradeSyncInterval <= 0 {
		cfg.TradeSyncInterval = def.TradeSyncInterval
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = def.GCInterval
	}
	if cfg.ProcessedTTL <= 0 {
		cfg.ProcessedTTL = def.ProcessedTTL
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = def.PendingTimeout
	}
	if cfg.ATRInterval == "" {
		cfg.ATRInterval = def.ATRInterval
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = def.ATRPeriod
	}
	if cfg.ATRTTL <= 0 {
		cfg.ATRTTL = def.ATRTTL
	}
	if cfg.Cascade == (CascadeConfig{}) {
		cfg.Cascade = def.Cascade
	}
	cfg.Protection.ReceiveWindow = cfg.ReceiveWindow

	base := deps.Logger
	if base == nil {
		base = utils.L()
	}
	base = base.WithStrategyID(deps.Strategy.ID)
	log := base.WithComponent("engine")

	e := &Engine{
		cfg:           cfg,
		strategy:      deps.Strategy,
		exch:          deps.Exchange,
		stream:        deps.Stream,
		ledger:        deps.Ledger,
		hub:           deps.Hub,
		notifications: deps.Notifications,
		log:           log,
		params:        DCAParamsFromStrategy(deps.Strategy),
		risk:          NewRiskManager(deps.Strategy),
		detector:      NewCascadeDetector(cfg.Cascade),
		locks:         NewKeyedMutex(),
		session:       deps.Session,
		keys:          make(map[string]*keyState),
		positions:     make(map[string]*models.Position),
		processed:     make(map[string]time.Time),
		marks:         make(map[string]float64),
		atr:           make(map[string]atrEntry),
		bands:         make(map[string]CascadeBand),
		shards:        make([]chan *models.Liquidation, cfg.Shards),
		syncReq:       make(chan struct{}, 1),
		now:           time.Now,
		newClientID:   newClientOrderID,
	}
	for i := range e.shards {
		e.shards[i] = make(chan *models.Liquidation, cfg.ShardBuffer)
	}

	e.protection = NewProtectionService(deps.Exchange, deps.Ledger.Orders, e, e.locks, cfg.Protection, base)
	e.protection.notify = e.enqueue
	e.recovery = NewRecoveryManager(e)
	return e
}

// Run восстанавливает состояние и обрабатывает события до отмены ctx
func (e *Engine) Run(ctx context.Context) error {
	if err := e.recovery.Restore(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	e.setLeverage(ctx)
	e.refreshBalance(ctx)

	if e.stream != nil {
		e.attachStream(ctx)
		if err := e.stream.Connect(ctx); err != nil {
			// менеджер переподключений продолжает попытки в фоне
			e.log.Warn("user stream connect failed", utils.Err(err))
		}
	}

	// расхождения, накопившиеся пока процесс не работал
	e.recovery.SyncTrades(ctx)
	e.recovery.AdoptPositions(ctx)
	e.protection.Reconcile(ctx)

	for i := range e.shards {
		e.wg.Add(1)
		go e.liquidationWorker(ctx, e.shards[i])
	}
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.protection.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.periodicTasks(ctx)
	}()

	e.log.Info("engine started",
		utils.Exchange(e.exch.GetName()),
		utils.SessionID(e.sessionID()),
		utils.Int("symbols", len(e.strategy.Symbols)),
		utils.Int("open_positions", len(e.openPositions())))

	<-ctx.Done()
	if e.stream != nil {
		if err := e.stream.Disconnect(); err != nil {
			e.log.Warn("user stream disconnect failed", utils.Err(err))
		}
	}
	e.wg.Wait()
	e.log.Info("engine stopped")
	return ctx.Err()
}

// Submit ставит ликвидацию в очередь шарда её ключа.
// При переполнении вытесняется самая старая ликвидация шарда.
func (e *Engine) Submit(liq *models.Liquidation) bool {
	if liq == nil {
		return false
	}
	ch := e.shards[shardIndex(models.PositionKey(liq.Symbol, liq.EntrySide()), len(e.shards))]

	select {
	case ch <- liq:
		return true
	default:
	}

	RecordBufferOverflow("liquidations")
	RecordBufferBacklog("liquidations", cap(ch), len(ch))
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- liq:
	default:
	}
	return false
}

// Consume читает ликвидации из канала ленты до его закрытия
func (e *Engine) Consume(ctx context.Context, in <-chan *models.Liquidation) {
	for {
		select {
		case <-ctx.Done():
			return
		case liq, ok := <-in:
			if !ok {
				return
			}
			e.Submit(liq)
		}
	}
}

func (e *Engine) liquidationWorker(ctx context.Context, ch <-chan *models.Liquidation) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case liq := <-ch:
			e.HandleLiquidation(ctx, liq)
		}
	}
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// ============ Решение по ликвидации ============

// HandleLiquidation проверяет фильтры и при успехе отправляет вход или слой.
//
// Порядок проверок: символ, повтор id, каскад, портфельный риск, кулдаун,
// затем фильтры входа или слоя. Кулдаун и id резервируются до отправки
// ордера, поэтому повторная или конкурентная ликвидация не даст второго ордера.
func (e *Engine) HandleLiquidation(ctx context.Context, liq *models.Liquidation) (d Decision) {
	d = Decision{Action: ActionReject}
	if liq != nil {
		d.LiquidationID = liq.ID
		d.Symbol = liq.Symbol
		d.Side = liq.EntrySide()
	}
	defer func() {
		RecordDecision(d)
		e.logDecision(d)
	}()

	if liq == nil || liq.ID == "" || liq.Symbol == "" || liq.Price <= 0 || liq.Value <= 0 {
		d.Reason = ReasonInvalid
		return d
	}
	if !e.strategy.HasSymbol(liq.Symbol) {
		d.Reason = ReasonNotSelected
		return d
	}
	if !e.isRestored() {
		d.Reason = ReasonEngineNotLoaded
		return d
	}

	key := models.PositionKey(liq.Symbol, d.Side)
	defer e.locks.Lock(key)()

	now := e.now()
	if !e.markProcessed(liq.ID, now) {
		d.Reason = ReasonDuplicate
		return d
	}

	d.Cascade = e.detector.Observe(liq)
	RecordCascade(liq.Symbol, d.Cascade)
	e.trackBand(d.Cascade)

	snap := e.Risk()
	if err := snap.Check(); err != nil {
		d.Reason = ReasonRiskLimit
		d.Err = err
		e.notifyBlock(d)
		return d
	}
	if d.Cascade.Blocked() {
		d.Reason = ReasonCascadeBlock
		return d
	}

	ks := e.keySnapshot(key)
	if ks.pendingOrder != "" {
		d.Reason = ReasonInFlight
		return d
	}
	if !ks.reservedAt.IsZero() && now.Sub(ks.reservedAt) < e.strategy.Cooldown() {
		d.Reason = ReasonCooldown
		return d
	}

	price := e.referencePrice(liq.Symbol, liq.Price)
	pos := e.position(key)

	purpose := models.OrderPurposeEntry
	layer := 1
	if pos == nil {
		if d.Cascade.Percentile < e.strategy.EntryPercentile {
			d.Reason = ReasonBelowEntry
			return d
		}
		// интервал считается и от закрывающего исполнения прошлой позиции
		if !ks.lastFillAt.IsZero() && now.Sub(ks.lastFillAt) < e.strategy.MinFillGap() {
			d.Reason = ReasonFillGap
			return d
		}
		d.Action = ActionEnter
	} else {
		if pos.LayersFilled >= e.maxLayers(pos) {
			d.Reason = ReasonMaxLayers
			return d
		}
		if d.Cascade.Percentile < e.strategy.DCAPercentile {
			d.Reason = ReasonBelowDCA
			return d
		}
		lastFill := ks.lastFillAt
		if pos.LastFillAt != nil && pos.LastFillAt.After(lastFill) {
			lastFill = *pos.LastFillAt
		}
		if !lastFill.IsZero() && now.Sub(lastFill) < e.strategy.MinFillGap() {
			d.Reason = ReasonFillGap
			return d
		}
		atr := e.atrPercent(ctx, liq.Symbol)
		next := e.params.NextLayerPrice(pos.Side, pos.LastLayerPrice, pos.LayersFilled, atr)
		if !beyondLayerPrice(pos.Side, price, next) {
			d.Reason = ReasonStepDistance
			return d
		}
		purpose = models.OrderPurposeLayer
		layer = pos.LayersFilled + 1
		d.Action = ActionLayer
	}

	qty := e.params.LayerQuantity(e.strategy.MarginPerLayer, e.strategy.Leverage, layer, price)
	if qty <= 0 {
		d.Action = ActionReject
		d.Reason = ReasonZeroQuantity
		return d
	}
	d.Layer = layer
	d.Quantity = qty
	d.ClientOrderID = e.newClientID(purpose)

	// резерв до отправки: кулдаун, ордер в полёте, состояние
	prev := e.reserve(key, d.ClientOrderID, now)

	rec := &models.OrderRecord{
		SessionID:     e.sessionID(),
		ClientOrderID: d.ClientOrderID,
		Symbol:        liq.Symbol,
		Side:          exchange.EntryOrderSide(d.Side),
		PositionSide:  d.Side,
		Type:          exchange.OrderTypeMarket,
		Purpose:       purpose,
		Quantity:      qty,
		Price:         price,
		Status:        models.OrderStatusPending,
		LiquidationID: liq.ID,
		Layer:         layer,
		CreatedAt:     now,
	}
	if pos != nil {
		id := pos.ID
		rec.PositionID = &id
	}

	if _, err := e.submit(ctx, rec, false); err != nil {
		d.Action = ActionReject
		d.Err = err
		switch outcomeOf(err) {
		case placeLocal:
			// ордер не покинул процесс: резерв снимается
			e.restoreKey(key, prev)
			d.Reason = ReasonOrderFailed
		case placeRejected:
			// ушёл на биржу: кулдаун остаётся
			e.clearPending(key, d.ClientOrderID)
			d.Reason = ReasonOrderFailed
		default:
			d.Reason = ReasonOrderUnknown
		}
		e.notifyOrderError(rec, err)
		return d
	}

	d.Reason = ReasonAccepted
	notifType := models.NotificationTypeEntry
	if purpose == models.OrderPurposeLayer {
		notifType = models.NotificationTypeLayer
	}
	e.enqueue(&models.Notification{
		Type:     notifType,
		Severity: models.SeverityInfo,
		Symbol:   liq.Symbol,
		Side:     d.Side,
		Message:  fmt.Sprintf("layer %d %s %.6g @ %.6g", layer, d.Side, qty, price),
		Meta: map[string]interface{}{
			"liquidation_id":  liq.ID,
			"liquidation_usd": liq.Value,
			"percentile":      d.Cascade.Percentile,
			"cascade_score":   d.Cascade.Score,
			"cascade_band":    d.Cascade.Band.String(),
			"quality":         d.Cascade.Quality.String(),
			"client_order_id": d.ClientOrderID,
		},
	})
	return d
}

// beyondLayerPrice - цена дошла до уровня следующего слоя
func beyondLayerPrice(side string, price, layerPrice float64) bool {
	if side == models.SideShort {
		return price >= layerPrice
	}
	return price <= layerPrice
}

func (e *Engine) maxLayers(p *models.Position) int {
	if p.MaxLayers > 0 {
		return p.MaxLayers
	}
	return e.strategy.MaxLayers
}

func (e *Engine) logDecision(d Decision) {
	fields := []utils.Field{
		utils.LiquidationID(d.LiquidationID),
		utils.Symbol(d.Symbol),
		utils.Side(d.Side),
		utils.Reason(d.Reason),
		utils.Float64("percentile", d.Cascade.Percentile),
		utils.Float64("cascade_score", d.Cascade.Score),
	}
	switch {
	case d.Accepted():
		e.log.Info("liquidation accepted", append(fields,
			utils.Layer(d.Layer),
			utils.Quantity(d.Quantity),
			utils.ClientOrderID(d.ClientOrderID))...)
	case d.Err != nil:
		e.log.Warn("liquidation rejected", append(fields, utils.Err(d.Err))...)
	default:
		e.log.Debug("liquidation rejected", fields...)
	}
}

// ============ Размещение ордеров ============

type placeOutcome int

const (
	placeLocal    placeOutcome = iota // запрос не покинул процесс
	placeRejected                     // биржа отказала
	placeUnknown                      // результат неизвестен, ордер может существовать
)

// placeError - ошибка размещения с известным исходом
type placeError struct {
	outcome placeOutcome
	err     error
}

func (p *placeError) Error() string { return p.err.Error() }
func (p *placeError) Unwrap() error { return p.err }

func outcomeOf(err error) placeOutcome {
	var pe *placeError
	if errors.As(err, &pe) {
		return pe.outcome
	}
	return classifyPlaceError(err)
}

// classifyPlaceError определяет, дошёл ли запрос до биржи
func classifyPlaceError(err error) placeOutcome {
	var ee *exchange.ExchangeError
	if errors.As(err, &ee) {
		if ee.HTTPStatus >= 500 {
			return placeUnknown
		}
		return placeRejected
	}
	switch {
	case errors.Is(err, exchange.ErrInvalidRequest),
		errors.Is(err, exchange.ErrBelowMinNotional),
		errors.Is(err, exchange.ErrSymbolNotFound),
		errors.Is(err, exchange.ErrBatchSize),
		errors.Is(err, exchange.ErrMissingOrderRef),
		errors.Is(err, ratelimit.ErrFetcherClosed):
		return placeLocal
	}
	return placeUnknown
}

// submit записывает ордер в журнал и отправляет его на биржу.
// Размещение никогда не повторяется вслепую: при неясном исходе
// ордер ищется по client id. Вызывающий держит блокировку ключа.
func (e *Engine) submit(ctx context.Context, rec *models.OrderRecord, reduceOnly bool) (*exchange.Order, error) {
	if err := e.ledger.Orders.Create(ctx, rec); err != nil {
		return nil, &placeError{outcome: placeLocal, err: fmt.Errorf("record order: %w", err)}
	}

	params := &exchange.OrderParams{
		Symbol:        rec.Symbol,
		Side:          rec.Side,
		PositionSide:  rec.PositionSide,
		Type:          rec.Type,
		Quantity:      rec.Quantity,
		ReduceOnly:    reduceOnly,
		ClientOrderID: rec.ClientOrderID,
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ReceiveWindow)
	order, err := e.exch.PlaceOrder(callCtx, params)
	cancel()

	if err != nil {
		outcome := classifyPlaceError(err)
		if outcome == placeUnknown {
			found, lerr := lookupOrder(ctx, e.exch, rec.Symbol, rec.ClientOrderID, e.cfg.ReceiveWindow)
			switch {
			case lerr == nil:
				e.log.Info("order found after ambiguous placement", utils.ClientOrderID(rec.ClientOrderID), utils.Err(err))
				order, err = found, nil
			case errors.Is(lerr, exchange.ErrOrderNotFound):
				outcome = placeRejected
			}
		}
		if err != nil {
			if outcome != placeUnknown {
				rec.Status = models.OrderStatusRejected
			}
			rec.ErrorMessage = err.Error()
			e.saveOrder(ctx, rec)
			RecordOrder(e.exch.GetName(), rec.Purpose, outcomeLabel(outcome), time.Since(start))
			return nil, &placeError{outcome: outcome, err: err}
		}
	}

	rec.ExchangeID = order.ID
	rec.Status = order.Status
	if rec.Status == "" {
		rec.Status = models.OrderStatusNew
	}
	if rec.Status == models.OrderStatusFilled {
		at := e.now()
		rec.FilledAt = &at
	}
	e.saveOrder(ctx, rec)

	if models.IsTerminalOrderStatus(rec.Status) && rec.Status != models.OrderStatusFilled {
		RecordOrder(e.exch.GetName(), rec.Purpose, "rejected", time.Since(start))
		return nil, &placeError{outcome: placeRejected, err: fmt.Errorf("order %s: %s", rec.ClientOrderID, rec.Status)}
	}
	RecordOrder(e.exch.GetName(), rec.Purpose, "ok", time.Since(start))
	return order, nil
}

func outcomeLabel(o placeOutcome) string {
	switch o {
	case placeLocal:
		return "local_error"
	case placeRejected:
		return "rejected"
	}
	return "unknown"
}

func (e *Engine) saveOrder(ctx context.Context, rec *models.OrderRecord) {
	if err := e.ledger.Orders.Update(ctx, rec); err != nil {
		e.log.Error("failed to update order record",
			utils.ClientOrderID(rec.ClientOrderID),
			utils.Err(err))
	}
}

// lookupOrder ищет ордер по client id. Чтение идемпотентно и повторяется,
// "не найден" - окончательный ответ.
func lookupOrder(ctx context.Context, exch exchange.Exchange, symbol, clientID string, window time.Duration) (*exchange.Order, error) {
	cfg := retry.ReadConfig()
	cfg.RetryIf = func(err error) bool {
		return !errors.Is(err, exchange.ErrOrderNotFound) && retry.IsRetryable(err)
	}
	return retry.DoWithResult(ctx, func() (*exchange.Order, error) {
		callCtx, cancel := context.WithTimeout(ctx, window)
		defer cancel()
		return exch.GetOrder(callCtx, symbol, exchange.OrderRef{ClientOrderID: clientID})
	}, cfg)
}

// newClientOrderID - клиентский id вида lq-<назначение>-<24 hex>
func newClientOrderID(purpose string) string {
	code := "x"
	switch purpose {
	case models.OrderPurposeEntry:
		code = "e"
	case models.OrderPurposeLayer:
		code = "l"
	case models.OrderPurposeTP:
		code = "t"
	case models.OrderPurposeSL:
		code = "s"
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "lq-" + code + "-" + id[:24]
}

// ClosePosition закрывает позицию рыночным reduce-only ордером.
// Позиция закрывается, когда придёт исполнение.
func (e *Engine) ClosePosition(ctx context.Context, symbol, side string) (*models.OrderRecord, error) {
	key := models.PositionKey(symbol, side)
	defer e.locks.Lock(key)()

	pos := e.position(key)
	if pos == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoOpenPosition, key)
	}

	posID := pos.ID
	rec := &models.OrderRecord{
		SessionID:     e.sessionID(),
		PositionID:    &posID,
		ClientOrderID: e.newClientID(models.OrderPurposeExit),
		Symbol:        symbol,
		Side:          exchange.ExitOrderSide(side),
		PositionSide:  side,
		Type:          exchange.OrderTypeMarket,
		Purpose:       models.OrderPurposeExit,
		Quantity:      pos.Quantity,
		Price:         e.referencePrice(symbol, pos.AvgEntryPrice),
		Status:        models.OrderStatusPending,
		CreatedAt:     e.now(),
	}
	if _, err := e.submit(ctx, rec, true); err != nil {
		e.notifyOrderError(rec, err)
		return rec, err
	}

	e.log.Info("manual close submitted",
		utils.Symbol(symbol),
		utils.Side(side),
		utils.Quantity(pos.Quantity),
		utils.ClientOrderID(rec.ClientOrderID))
	return rec, nil
}

// ============ Исполнения ============

// execution - исполнение из потока или из истории сделок
type execution struct {
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

func executionFromUpdate(u exchange.TradeUpdate) execution {
	return execution{
		TradeID:       u.TradeID,
		OrderID:       u.OrderID,
		ClientOrderID: u.ClientOrderID,
		Symbol:        u.Symbol,
		Side:          u.Side,
		PositionSide:  u.PositionSide,
		Price:         u.Price,
		Quantity:      u.Quantity,
		Fee:           u.Fee,
		RealizedPNL:   u.RealizedPNL,
		ReduceOnly:    u.ReduceOnly,
		Time:          u.Time,
	}
}

func executionFromTrade(t exchange.Trade) execution {
	return execution{
		TradeID:       t.ID,
		OrderID:       t.OrderID,
		ClientOrderID: t.ClientOrderID,
		Symbol:        t.Symbol,
		Side:          t.Side,
		PositionSide:  t.PositionSide,
		Price:         t.Price,
		Quantity:      t.Quantity,
		Fee:           t.Fee,
		RealizedPNL:   t.RealizedPNL,
		Time:          t.Time,
	}
}

// positionSide - сторона позиции; в one-way режиме выводится из стороны ордера
func (x execution) positionSide() string {
	if x.PositionSide == models.SideLong || x.PositionSide == models.SideShort {
		return x.PositionSide
	}
	buy := x.Side == exchange.SideBuy
	if x.ReduceOnly {
		buy = !buy
	}
	if buy {
		return models.SideLong
	}
	return models.SideShort
}

// HandleTrade применяет исполнение из приватного потока
func (e *Engine) HandleTrade(ctx context.Context, u exchange.TradeUpdate) error {
	return e.applyExecution(ctx, executionFromUpdate(u), models.ProvenanceEngine)
}

func (e *Engine) applyExecution(ctx context.Context, x execution, provenance string) error {
	if x.TradeID == "" || x.Quantity <= 0 || x.Price <= 0 {
		return fmt.Errorf("invalid execution %q", x.TradeID)
	}
	x.PositionSide = x.positionSide()
	if x.Time.IsZero() {
		x.Time = e.now()
	}

	key := models.PositionKey(x.Symbol, x.PositionSide)
	defer e.locks.Lock(key)()
	return e.applyExecutionLocked(ctx, key, x, provenance)
}

// applyExecutionLocked - вызывающий держит блокировку ключа
func (e *Engine) applyExecutionLocked(ctx context.Context, key string, x execution, provenance string) error {
	rec := e.orderRecord(ctx, x.ClientOrderID)
	if rec == nil {
		// ордер выставлен не движком
		provenance = models.ProvenanceManual
	}

	closing := x.ReduceOnly || x.Side == exchange.ExitOrderSide(x.PositionSide)
	if rec != nil {
		closing = rec.IsProtective() || rec.Purpose == models.OrderPurposeExit
	}

	pos := e.position(key)
	if closing {
		if pos == nil {
			e.log.Warn("exit fill for unknown position",
				utils.Symbol(x.Symbol),
				utils.Side(x.PositionSide),
				utils.String("trade_id", x.TradeID))
			return fmt.Errorf("%w: %s", ErrUnknownPosition, key)
		}
		return e.applyExit(ctx, key, pos, rec, x, provenance)
	}

	if pos == nil {
		pos = &models.Position{
			SessionID: e.sessionID(),
			Symbol:    x.Symbol,
			Side:      x.PositionSide,
			MaxLayers: e.strategy.MaxLayers,
			IsOpen:    true,
			OpenedAt:  x.Time,
		}
	}
	return e.applyEntry(ctx, key, pos, rec, x, provenance)
}

func (e *Engine) applyEntry(ctx context.Context, key string, pos *models.Position, rec *models.OrderRecord, x execution, provenance string) error {
	layer := pos.LayersFilled + 1
	if rec != nil && rec.Layer > 0 {
		layer = rec.Layer
	}

	fill := &models.Fill{
		TradeID:     x.TradeID,
		OrderID:     x.OrderID,
		SessionID:   e.sessionID(),
		PositionID:  pos.ID,
		Symbol:      x.Symbol,
		Side:        x.Side,
		Quantity:    x.Quantity,
		Price:       x.Price,
		Notional:    x.Quantity * x.Price,
		Fee:         x.Fee,
		RealizedPNL: x.RealizedPNL,
		Layer:       layer,
		Provenance:  provenance,
		FilledAt:    x.Time,
		CreatedAt:   e.now(),
	}

	next := *pos
	next.ApplyEntryFill(fill, e.strategy.Leverage)
	if err := e.ledger.Fills.Record(ctx, &next, fill); err != nil {
		if errors.Is(err, repository.ErrDuplicateFill) {
			e.log.Debug("duplicate fill skipped", utils.String("trade_id", x.TradeID))
			return nil
		}
		return fmt.Errorf("record fill %s: %w", x.TradeID, err)
	}
	e.setPosition(key, &next)

	e.updateKey(key, func(ks *keyState) {
		ks.lastFillAt = x.Time
		if rec != nil && ks.pendingOrder == rec.ClientOrderID {
			ks.pendingOrder = ""
		}
		e.transition(key, ks, StateFilled)
	})
	if rec != nil {
		e.markOrderFilled(ctx, rec, next.ID)
	}

	RecordFill(false, provenance)
	OpenPositions.Set(float64(len(e.openPositions())))
	e.log.Info("entry fill applied",
		utils.Symbol(x.Symbol),
		utils.Side(next.Side),
		utils.Layer(layer),
		utils.Price(x.Price),
		utils.Quantity(x.Quantity),
		utils.Float64("avg_entry", next.AvgEntryPrice),
		utils.String("provenance", provenance))
	e.enqueue(&models.Notification{
		Type:     models.NotificationTypeFill,
		Severity: models.SeverityInfo,
		Symbol:   x.Symbol,
		Side:     next.Side,
		Message:  fmt.Sprintf("layer %d filled %.6g @ %.6g, avg %.6g", layer, x.Quantity, x.Price, next.AvgEntryPrice),
		Meta: map[string]interface{}{
			"trade_id":   x.TradeID,
			"layer":      layer,
			"provenance": provenance,
		},
	})
	if e.hub != nil {
		e.hub.BroadcastPositionUpdate(&next)
	}

	if _, err := e.protection.Sync(ctx, &next); err != nil {
		e.log.Error("protective orders not synced", utils.Symbol(next.Symbol), utils.Side(next.Side), utils.Err(err))
	}
	return nil
}

func (e *Engine) applyExit(ctx context.Context, key string, pos *models.Position, rec *models.OrderRecord, x execution, provenance string) error {
	fill := &models.Fill{
		TradeID:     x.TradeID,
		OrderID:     x.OrderID,
		SessionID:   e.sessionID(),
		PositionID:  pos.ID,
		Symbol:      x.Symbol,
		Side:        x.Side,
		Quantity:    x.Quantity,
		Price:       x.Price,
		Notional:    x.Quantity * x.Price,
		Fee:         x.Fee,
		RealizedPNL: x.RealizedPNL,
		Layer:       models.ExitLayer,
		Provenance:  provenance,
		FilledAt:    x.Time,
		CreatedAt:   e.now(),
	}

	next := *pos
	closed := next.ApplyExitFill(fill)
	if err := e.ledger.Fills.Record(ctx, &next, fill); err != nil {
		if errors.Is(err, repository.ErrDuplicateFill) {
			e.log.Debug("duplicate fill skipped", utils.String("trade_id", x.TradeID))
			return nil
		}
		return fmt.Errorf("record fill %s: %w", x.TradeID, err)
	}
	if rec != nil {
		e.markOrderFilled(ctx, rec, next.ID)
	}
	RecordFill(true, provenance)

	if !closed {
		e.setPosition(key, &next)
		e.log.Info("partial exit applied",
			utils.Symbol(x.Symbol),
			utils.Side(next.Side),
			utils.Quantity(x.Quantity),
			utils.Float64("remaining", next.Quantity))
		if _, err := e.protection.Sync(ctx, &next); err != nil {
			e.log.Error("protective orders not synced", utils.Symbol(next.Symbol), utils.Side(next.Side), utils.Err(err))
		}
		return nil
	}

	e.onPositionClosed(ctx, key, &next)
	return nil
}

// onPositionClosed - вызывающий держит блокировку ключа
func (e *Engine) onPositionClosed(ctx context.Context, key string, p *models.Position) {
	e.confirmRealizedPNL(ctx, p)

	e.mu.Lock()
	delete(e.positions, key)
	ks := e.keyLocked(key)
	ks.pendingOrder = ""
	if p.LastFillAt != nil && p.LastFillAt.After(ks.lastFillAt) {
		ks.lastFillAt = *p.LastFillAt
	}
	e.transition(key, ks, StateClosed)
	var session models.TradeSession
	if e.session != nil {
		e.session.RecordClose(p.NetPNL())
		session = *e.session
	}
	open := len(e.positions)
	e.mu.Unlock()

	if session.ID != 0 {
		if err := e.ledger.Sessions.Update(ctx, &session); err != nil {
			e.log.Error("failed to update session", utils.SessionID(session.ID), utils.Err(err))
		}
	}

	cancelled := e.protection.CancelAll(ctx, p.Symbol, p.Side)

	RecordClose(p.Symbol, p.NetPNL())
	RealizedPNL.Set(session.RealizedPNL)
	OpenPositions.Set(float64(open))

	e.log.Info("position closed",
		utils.PositionID(p.ID),
		utils.Symbol(p.Symbol),
		utils.Side(p.Side),
		utils.PNL(p.NetPNL()),
		utils.Int("layers", p.LayersFilled),
		utils.Int("protective_cancelled", cancelled))
	e.enqueue(&models.Notification{
		Type:     models.NotificationTypeClose,
		Severity: models.SeverityInfo,
		Symbol:   p.Symbol,
		Side:     p.Side,
		Message:  fmt.Sprintf("closed, PNL %.2f USDT", p.NetPNL()),
		Meta: map[string]interface{}{
			"position_id":  p.ID,
			"realized_pnl": p.RealizedPNL,
			"fees":         p.Fees,
			"layers":       p.LayersFilled,
		},
	})
	if e.hub != nil {
		e.hub.BroadcastPositionUpdate(p)
	}
}

// confirmRealizedPNL подставляет PNL из истории доходов биржи,
// если исполнения не принесли реализованный PNL
func (e *Engine) confirmRealizedPNL(ctx context.Context, p *models.Position) {
	if p.RealizedPNL != 0 {
		return
	}
	income, err := retry.DoWithResult(ctx, func() ([]exchange.Income, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ReceiveWindow)
		defer cancel()
		return e.exch.GetIncome(callCtx, p.Symbol, p.OpenedAt, 100)
	}, retry.ReadConfig())
	if err != nil {
		e.log.Warn("realized pnl not confirmed", utils.Symbol(p.Symbol), utils.Err(err))
		return
	}

	var pnl float64
	var found bool
	for _, in := range income {
		if in.Type == exchange.IncomeRealizedPNL {
			pnl += in.Amount
			found = true
		}
	}
	if !found {
		return
	}
	p.RealizedPNL = pnl
	if err := e.ledger.Positions.Update(ctx, p); err != nil {
		e.log.Error("failed to store realized pnl", utils.PositionID(p.ID), utils.Err(err))
	}
}

func (e *Engine) orderRecord(ctx context.Context, clientID string) *models.OrderRecord {
	if clientID == "" {
		return nil
	}
	rec, err := e.ledger.Orders.GetByClientID(ctx, clientID)
	if err != nil {
		if !errors.Is(err, repository.ErrOrderNotFound) {
			e.log.Warn("order lookup failed", utils.ClientOrderID(clientID), utils.Err(err))
		}
		return nil
	}
	return rec
}

func (e *Engine) markOrderFilled(ctx context.Context, rec *models.OrderRecord, positionID int) {
	changed := false
	if rec.PositionID == nil && positionID != 0 {
		id := positionID
		rec.PositionID = &id
		changed = true
	}
	if rec.FilledAt == nil {
		at := e.now()
		rec.FilledAt = &at
		changed = true
	}
	if !changed {
		return
	}
	e.saveOrder(ctx, rec)
}

// ============ Поток ордеров и аккаунта ============

// HandleOrderUpdate обновляет журнал ордеров по событию потока
func (e *Engine) HandleOrderUpdate(ctx context.Context, u exchange.OrderUpdate) {
	rec := e.orderRecord(ctx, u.ClientOrderID)
	if rec == nil {
		return
	}
	wasTerminal := models.IsTerminalOrderStatus(rec.Status)
	if wasTerminal || rec.Status == u.Status {
		return
	}

	rec.Status = u.Status
	if rec.ExchangeID == "" {
		rec.ExchangeID = u.OrderID
	}
	if u.Status == models.OrderStatusFilled && rec.FilledAt == nil {
		at := u.Time
		if at.IsZero() {
			at = e.now()
		}
		rec.FilledAt = &at
	}
	e.saveOrder(ctx, rec)

	if !models.IsTerminalOrderStatus(u.Status) || u.Status == models.OrderStatusFilled {
		return
	}

	key := models.PositionKey(rec.Symbol, rec.PositionSide)
	switch {
	case rec.Purpose == models.OrderPurposeEntry || rec.Purpose == models.OrderPurposeLayer:
		unlock := e.locks.Lock(key)
		e.clearPending(key, rec.ClientOrderID)
		unlock()
	case rec.IsProtective():
		// защитный ордер снят не нами: восстанавливаем
		e.log.Warn("protective order removed externally",
			utils.Symbol(rec.Symbol),
			utils.Side(rec.PositionSide),
			utils.String("purpose", rec.Purpose),
			utils.String("status", u.Status))
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.protection.SyncKey(ctx, key); err != nil {
				e.log.Error("protective resync failed", utils.Symbol(rec.Symbol), utils.Err(err))
			}
		}()
	}
}

// HandleAccountUpdate обновляет баланс и сверяет размер позиций
func (e *Engine) HandleAccountUpdate(u exchange.AccountUpdate) {
	for _, b := range u.Balances {
		if b.Asset == "USDT" {
			e.mu.Lock()
			e.balance = b.WalletBalance
			e.mu.Unlock()
		}
	}

	for _, p := range u.Positions {
		key := models.PositionKey(p.Symbol, p.Side)
		if p.Size == 0 && e.position(key) != nil {
			// биржа закрыла позицию, исполнение ещё не применено
			e.RequestSync()
			return
		}
	}
}

// RequestSync просит внеочередную сверку сделок
func (e *Engine) RequestSync() {
	select {
	case e.syncReq <- struct{}{}:
	default:
	}
}

func (e *Engine) attachStream(ctx context.Context) {
	name := e.exch.GetName()
	e.stream.OnTradeUpdate(func(u exchange.TradeUpdate) {
		if err := e.HandleTrade(ctx, u); err != nil {
			e.log.Warn("trade update not applied", utils.String("trade_id", u.TradeID), utils.Err(err))
			e.RequestSync()
		}
	})
	e.stream.OnOrderUpdate(func(u exchange.OrderUpdate) {
		e.HandleOrderUpdate(ctx, u)
	})
	e.stream.OnAccountUpdate(e.HandleAccountUpdate)
	e.stream.OnDisconnect(func(err error) {
		UpdateStreamState(name, int(exchange.StreamDisconnected))
		e.log.Warn("user stream disconnected", utils.Err(err))
		e.enqueue(&models.Notification{
			Type:     models.NotificationTypeStream,
			Severity: models.SeverityWarn,
			Message:  "user stream disconnected",
		})
	})
	e.stream.OnReconnect(func() {
		UpdateStreamState(name, int(exchange.StreamConnected))
		RecordStreamReconnect(name)
		e.log.Info("user stream reconnected")
		// события за время разрыва забираем из истории сделок
		e.RequestSync()
	})
	e.stream.OnError(func(err error) {
		severity := models.SeverityWarn
		if exchange.IsBanned(err) {
			severity = models.SeverityError
		}
		e.log.Warn("user stream error", utils.Err(err))
		e.enqueue(&models.Notification{
			Type:     models.NotificationTypeStream,
			Severity: severity,
			Message:  err.Error(),
		})
	})
}

// ============ Периодические задачи ============

func (e *Engine) periodicTasks(ctx context.Context) {
	mark := time.NewTicker(e.cfg.MarkInterval)
	oi := time.NewTicker(e.cfg.OIInterval)
	tradeSync := time.NewTicker(e.cfg.TradeSyncInterval)
	gc := time.NewTicker(e.cfg.GCInterval)
	defer mark.Stop()
	defer oi.Stop()
	defer tradeSync.Stop()
	defer gc.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mark.C:
			e.MarkToMarket(ctx)
		case <-oi.C:
			e.pollOpenInterest(ctx)
		case <-tradeSync.C:
			e.recovery.SyncTrades(ctx)
			e.recovery.ResolvePending(ctx)
			e.recovery.AdoptPositions(ctx)
		case <-e.syncReq:
			e.recovery.SyncTrades(ctx)
			e.recovery.AdoptPositions(ctx)
		case <-gc.C:
			e.gcProcessed()
		}
	}
}

// MarkToMarket пересчитывает нереализованный PNL, баланс и риск
func (e *Engine) MarkToMarket(ctx context.Context) {
	positions := e.openPositions()
	seen := make(map[string]bool)
	for _, p := range positions {
		if seen[p.Symbol] {
			continue
		}
		seen[p.Symbol] = true

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ReceiveWindow)
		t, err := e.exch.GetTicker(callCtx, p.Symbol)
		cancel()
		if err != nil {
			e.log.Warn("ticker fetch failed", utils.Symbol(p.Symbol), utils.Err(err))
			continue
		}
		price := t.MarkPrice
		if price <= 0 {
			price = t.LastPrice
		}
		e.mu.Lock()
		e.marks[p.Symbol] = price
		e.mu.Unlock()
	}

	for _, p := range positions {
		key := p.Key()
		unlock := e.locks.Lock(key)
		cur := e.position(key)
		if cur != nil {
			if price := e.mark(cur.Symbol); price > 0 {
				next := *cur
				next.UnrealizedPNLPercent = utils.CalculatePNLPercent(next.Side, next.AvgEntryPrice, price, e.strategy.Leverage)
				if err := e.ledger.Positions.Update(ctx, &next); err != nil {
					e.log.Warn("failed to store unrealized pnl", utils.PositionID(next.ID), utils.Err(err))
				} else {
					e.setPosition(key, &next)
					if e.hub != nil {
						e.hub.BroadcastPositionUpdate(&next)
					}
				}
			}
		}
		unlock()
	}

	e.refreshBalance(ctx)
	snap := e.Risk()
	UpdateRisk(snap)
	OpenPositions.Set(float64(len(positions)))
	if e.hub != nil {
		e.hub.BroadcastRiskUpdate(snap)
	}
}

func (e *Engine) pollOpenInterest(ctx context.Context) {
	for _, symbol := range e.strategy.Symbols {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ReceiveWindow)
		oi, err := e.exch.GetOpenInterest(callCtx, symbol)
		cancel()
		if err != nil {
			e.log.Debug("open interest fetch failed", utils.Symbol(symbol), utils.Err(err))
			continue
		}
		e.detector.RecordOpenInterest(symbol, oi, e.now())
	}
}

func (e *Engine) refreshBalance(ctx context.Context) {
	info, err := retry.DoWithResult(ctx, func() (*exchange.AccountInfo, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ReceiveWindow)
		defer cancel()
		return e.exch.GetAccountInfo(callCtx)
	}, retry.ReadConfig())
	if err != nil {
		e.log.Warn("balance refresh failed", utils.Err(err))
		return
	}
	e.mu.Lock()
	e.balance = info.WalletBalance
	e.mu.Unlock()
}

func (e *Engine) setLeverage(ctx context.Context) {
	if e.strategy.Leverage <= 0 {
		return
	}
	for _, symbol := range e.strategy.Symbols {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ReceiveWindow)
		err := e.exch.SetLeverage(callCtx, symbol, e.strategy.Leverage)
		cancel()
		if err != nil {
			e.log.Warn("set leverage failed", utils.Symbol(symbol), utils.Int("leverage", e.strategy.Leverage), utils.Err(err))
		}
	}
}

// atrPercent - ATR символа в % от цены, из кэша с TTL
func (e *Engine) atrPercent(ctx context.Context, symbol string) float64 {
	e.mu.RLock()
	cached, ok := e.atr[symbol]
	e.mu.RUnlock()
	if ok && e.now().Sub(cached.fetchedAt) < e.cfg.ATRTTL {
		return cached.value
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ReceiveWindow)
	klines, err := e.exch.GetKlines(callCtx, symbol, e.cfg.ATRInterval, e.cfg.ATRPeriod+1)
	cancel()
	if err != nil {
		e.log.Warn("klines fetch failed", utils.Symbol(symbol), utils.Err(err))
		return cached.value
	}

	value := ATRPercent(klines, e.cfg.ATRPeriod)
	e.mu.Lock()
	e.atr[symbol] = atrEntry{value: value, fetchedAt: e.now()}
	e.mu.Unlock()
	return value
}

func (e *Engine) gcProcessed() {
	cutoff := e.now().Add(-e.cfg.ProcessedTTL)
	e.mu.Lock()
	removed := 0
	for id, at := range e.processed {
		if at.Before(cutoff) {
			delete(e.processed, id)
			removed++
		}
	}
	e.mu.Unlock()
	if removed > 0 {
		e.log.Debug("processed liquidation ids pruned", utils.Int("removed", removed))
	}
}

// ============ Состояние ============

// Risk оценивает портфельный риск по кэшированным ценам и ATR
func (e *Engine) Risk() RiskSnapshot {
	e.mu.RLock()
	inputs := make([]RiskInput, 0, len(e.positions))
	for _, p := range e.positions {
		inputs = append(inputs, RiskInput{
			Position: p,
			Price:    e.marks[p.Symbol],
			ATRPct:   e.atr[p.Symbol].value,
		})
	}
	balance := e.balance
	e.mu.RUnlock()
	return e.risk.Evaluate(inputs, balance)
}

// KeyStatus - состояние ключа для API
type KeyStatus struct {
	Key          string     `json:"key"`
	State        string     `json:"state"`
	Description  string     `json:"description"`
	ReservedAt   *time.Time `json:"reserved_at,omitempty"`
	LastFillAt   *time.Time `json:"last_fill_at,omitempty"`
	PendingOrder string     `json:"pending_order,omitempty"`
}

// EngineStatus - снимок состояния движка для API
type EngineStatus struct {
	StrategyID int                 `json:"strategy_id"`
	SessionID  int                 `json:"session_id"`
	Exchange   string              `json:"exchange"`
	Stream     string              `json:"stream"`
	Balance    float64             `json:"balance"`
	Risk       RiskSnapshot        `json:"risk"`
	Positions  []models.Position   `json:"positions"`
	Keys       []KeyStatus         `json:"keys"`
	Cascades   []CascadeAssessment `json:"cascades"`
}

// Status возвращает снимок состояния
func (e *Engine) Status() EngineStatus {
	st := EngineStatus{
		StrategyID: e.strategy.ID,
		SessionID:  e.sessionID(),
		Exchange:   e.exch.GetName(),
		Stream:     "disabled",
		Risk:       e.Risk(),
	}
	if e.stream != nil {
		st.Stream = e.stream.State().String()
	}

	e.mu.RLock()
	st.Balance = e.balance
	for _, p := range e.positions {
		st.Positions = append(st.Positions, *p)
	}
	for key, ks := range e.keys {
		item := KeyStatus{
			Key:          key,
			State:        ks.state,
			Description:  StateInfo(ks.state),
			PendingOrder: ks.pendingOrder,
		}
		if !ks.reservedAt.IsZero() {
			at := ks.reservedAt
			item.ReservedAt = &at
		}
		if !ks.lastFillAt.IsZero() {
			at := ks.lastFillAt
			item.LastFillAt = &at
		}
		st.Keys = append(st.Keys, item)
	}
	e.mu.RUnlock()

	sort.Slice(st.Positions, func(i, j int) bool { return st.Positions[i].Key() < st.Positions[j].Key() })
	sort.Slice(st.Keys, func(i, j int) bool { return st.Keys[i].Key < st.Keys[j].Key })
	for _, symbol := range e.strategy.Symbols {
		st.Cascades = append(st.Cascades, e.detector.Assess(symbol))
	}
	return st
}

// Strategy возвращает стратегию движка
func (e *Engine) Strategy() *models.Strategy {
	return e.strategy
}

// Session возвращает копию текущей сессии
func (e *Engine) Session() models.TradeSession {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return models.TradeSession{}
	}
	return *e.session
}

func (e *Engine) isRestored() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.restored
}

// sessionID реализует protectedBook
func (e *Engine) sessionID() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return 0
	}
	return e.session.ID
}

// openPositions реализует protectedBook: копии открытых позиций
func (e *Engine) openPositions() []*models.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.Position, 0, len(e.positions))
	for _, p := range e.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// position реализует protectedBook: копия позиции по ключу или nil
func (e *Engine) position(key string) *models.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.positions[key]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// exitPrices реализует protectedBook
func (e *Engine) exitPrices(ctx context.Context, p *models.Position) ExitPrices {
	return e.params.ExitPricesFor(p.Side, p.AvgEntryPrice, e.atrPercent(ctx, p.Symbol))
}

func (e *Engine) setPosition(key string, p *models.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p == nil || !p.IsOpen {
		delete(e.positions, key)
		return
	}
	e.positions[key] = p
}

func (e *Engine) mark(symbol string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.marks[symbol]
}

// referencePrice - mark-цена символа, если известна, иначе fallback
func (e *Engine) referencePrice(symbol string, fallback float64) float64 {
	if m := e.mark(symbol); m > 0 {
		return m
	}
	return fallback
}

// markProcessed запоминает id ликвидации; false - id уже встречался
func (e *Engine) markProcessed(id string, at time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.processed[id]; ok {
		return false
	}
	e.processed[id] = at
	return true
}

// keyLocked - вызывающий держит e.mu
func (e *Engine) keyLocked(key string) *keyState {
	ks, ok := e.keys[key]
	if !ok {
		ks = &keyState{state: StateIdle}
		e.keys[key] = ks
	}
	return ks
}

func (e *Engine) keySnapshot(key string) keyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.keyLocked(key)
}

func (e *Engine) updateKey(key string, fn func(ks *keyState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.keyLocked(key))
}

// transition меняет состояние ключа, если переход допустим
func (e *Engine) transition(key string, ks *keyState, to string) {
	if ks.state == to && to != StateFilled {
		return
	}
	if !CanTransition(ks.state, to) {
		e.log.Warn("invalid state transition",
			utils.String("key", key),
			utils.State(ks.state),
			utils.String("to", to))
		return
	}
	ks.state = to
}

// reserve берёт кулдаун и помечает ордер в полёте; возвращает прежнее состояние
func (e *Engine) reserve(key, clientID string, at time.Time) keyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ks := e.keyLocked(key)
	prev := *ks
	ks.reservedAt = at
	ks.pendingOrder = clientID
	if ks.state != StateFilled {
		ks.state = StateReserved
	}
	return prev
}

func (e *Engine) restoreKey(key string, prev keyState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	*e.keyLocked(key) = prev
}

// clearPending снимает отметку "ордер в полёте", кулдаун не трогает
func (e *Engine) clearPending(key, clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ks := e.keyLocked(key)
	if ks.pendingOrder != clientID {
		return
	}
	ks.pendingOrder = ""
	if ks.state == StateReserved {
		ks.state = StateIdle
	}
}

// ============ Уведомления ============

// enqueue дополняет уведомление и кладёт его в канал без блокировки
func (e *Engine) enqueue(n *models.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = e.now()
	}
	if n.StrategyID == nil {
		id := e.strategy.ID
		n.StrategyID = &id
	}
	tryEnqueueNotification(e.notifications, n)
}

func (e *Engine) notifyBlock(d Decision) {
	msg := d.Reason
	if d.Err != nil {
		msg = d.Err.Error()
	}
	e.enqueue(&models.Notification{
		Type:     models.NotificationTypeBlock,
		Severity: models.SeverityWarn,
		Symbol:   d.Symbol,
		Side:     d.Side,
		Message:  msg,
		Meta: map[string]interface{}{
			"reason":         d.Reason,
			"liquidation_id": d.LiquidationID,
		},
	})
}

func (e *Engine) notifyOrderError(rec *models.OrderRecord, err error) {
	e.log.Error("order placement failed",
		utils.Symbol(rec.Symbol),
		utils.Side(rec.PositionSide),
		utils.String("purpose", rec.Purpose),
		utils.ClientOrderID(rec.ClientOrderID),
		utils.Err(err))
	e.enqueue(&models.Notification{
		Type:     models.NotificationTypeError,
		Severity: models.SeverityError,
		Symbol:   rec.Symbol,
		Side:     rec.PositionSide,
		Message:  fmt.Sprintf("%s order failed: %v", rec.Purpose, err),
		Meta: map[string]interface{}{
			"client_order_id": rec.ClientOrderID,
			"status":          rec.Status,
		},
	})
}

// trackBand уведомляет о входе символа в красную зону каскада и выходе из неё
func (e *Engine) trackBand(a CascadeAssessment) {
	e.mu.Lock()
	prev, seen := e.bands[a.Symbol]
	e.bands[a.Symbol] = a.Band
	e.mu.Unlock()

	if e.hub != nil {
		e.hub.BroadcastCascadeUpdate(a)
	}
	if seen && (prev == BandRed) == (a.Band == BandRed) {
		return
	}
	if !seen && a.Band != BandRed {
		return
	}

	severity := models.SeverityInfo
	msg := fmt.Sprintf("cascade cleared (%s)", a.Band)
	if a.Band == BandRed {
		severity = models.SeverityWarn
		msg = fmt.Sprintf("cascade auto-block, score %.1f", a.Score)
	}
	e.enqueue(&models.Notification{
		Type:     models.NotificationTypeCascade,
		Severity: severity,
		Symbol:   a.Symbol,
		Message:  msg,
		Meta: map[string]interface{}{
			"score":       a.Score,
			"count":       a.Count,
			"velocity":    a.Velocity,
			"oi_delta_1m": a.OIDelta1m,
		},
	})
}
