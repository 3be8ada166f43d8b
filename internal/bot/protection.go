package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"liqbot/internal/exchange"
	"liqbot/internal/models"
	"liqbot/pkg/retry"
	"liqbot/pkg/utils"
)

// ProtectionConfig - параметры сервиса защитных ордеров
type ProtectionConfig struct {
	ReconcileInterval time.Duration // полная сверка TP/SL (2m)
	OrphanInterval    time.Duration // поиск осиротевших TP/SL (5s)
	PriceTolerance    float64       // допустимое отклонение цены, доля (0.0005 = 0.05%)
	ReceiveWindow     time.Duration // таймаут одного REST вызова
}

// DefaultProtectionConfig возвращает параметры по умолчанию
func DefaultProtectionConfig() ProtectionConfig {
	return ProtectionConfig{
		ReconcileInterval: 2 * time.Minute,
		OrphanInterval:    5 * time.Second,
		PriceTolerance:    0.0005,
		ReceiveWindow:     5 * time.Second,
	}
}

// protectedBook - источник открытых позиций для сервиса защиты.
// position вызывается под блокировкой ключа.
type protectedBook interface {
	openPositions() []*models.Position
	position(key string) *models.Position
	exitPrices(ctx context.Context, p *models.Position) ExitPrices
	sessionID() int
}

// SyncResult - что сделал проход синхронизации по позиции
type SyncResult struct {
	PlacedTP   bool
	PlacedSL   bool
	Cancelled  int
	Expected   ExitPrices
	FailedKind []string
}

// Changed - были ли изменения на бирже
func (r SyncResult) Changed() bool {
	return r.PlacedTP || r.PlacedSL || r.Cancelled > 0
}

// ProtectionService держит TP и SL на бирже для каждой открытой позиции.
//
// Перестановка всегда "сначала выставить, потом отменить": новый ордер
// ставится до отмены старого, поэтому позиция ни в какой момент не
// остаётся без защиты. Все изменения по позиции идут под той же
// блокировкой ключа, что и применение исполнений.
type ProtectionService struct {
	exch   exchange.Exchange
	orders OrderStore
	book   protectedBook
	locks  *KeyedMutex
	cfg    ProtectionConfig
	log    *utils.Logger

	notify      func(n *models.Notification)
	newClientID func(purpose string) string
	now         func() time.Time
}

// NewProtectionService создаёт сервис защиты позиций
func NewProtectionService(
	exch exchange.Exchange,
	orders OrderStore,
	book protectedBook,
	locks *KeyedMutex,
	cfg ProtectionConfig,
	log *utils.Logger,
) *ProtectionService {
	def := DefaultProtectionConfig()
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if cfg.OrphanInterval <= 0 {
		cfg.OrphanInterval = def.OrphanInterval
	}
	if cfg.ReceiveWindow <= 0 {
		cfg.ReceiveWindow = def.ReceiveWindow
	}
	if log == nil {
		log = utils.L()
	}
	return &ProtectionService{
		exch:        exch,
		orders:      orders,
		book:        book,
		locks:       locks,
		cfg:         cfg,
		log:         log.WithComponent("protection"),
		notify:      func(*models.Notification) {},
		newClientID: newClientOrderID,
		now:         time.Now,
	}
}

// Run запускает циклы сверки и поиска осиротевших ордеров
func (ps *ProtectionService) Run(ctx context.Context) {
	reconcile := time.NewTicker(ps.cfg.ReconcileInterval)
	defer reconcile.Stop()
	orphans := time.NewTicker(ps.cfg.OrphanInterval)
	defer orphans.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcile.C:
			ps.Reconcile(ctx)
		case <-orphans.C:
			if _, err := ps.SweepOrphans(ctx); err != nil && ctx.Err() == nil {
				ps.log.Warn("orphan sweep failed", utils.Err(err))
			}
		}
	}
}

// Reconcile сверяет TP/SL всех открытых позиций с биржей
func (ps *ProtectionService) Reconcile(ctx context.Context) {
	start := time.Now()
	defer func() {
		ReconcileDuration.Observe(float64(time.Since(start).Milliseconds()))
	}()

	for _, p := range ps.book.openPositions() {
		if ctx.Err() != nil {
			return
		}
		if err := ps.SyncKey(ctx, p.Key()); err != nil {
			ps.log.WithSymbol(p.Symbol).Warn("reconcile failed", utils.Side(p.Side), utils.Err(err))
		}
	}
}

// SyncKey захватывает блокировку ключа и синхронизирует TP/SL позиции
func (ps *ProtectionService) SyncKey(ctx context.Context, key string) error {
	unlock := ps.locks.Lock(key)
	defer unlock()

	p := ps.book.position(key)
	if p == nil {
		return nil
	}
	_, err := ps.Sync(ctx, p)
	return err
}

// Sync приводит TP и SL позиции к расчётным ценам.
// Вызывающий держит блокировку ключа позиции.
func (ps *ProtectionService) Sync(ctx context.Context, p *models.Position) (SyncResult, error) {
	res := SyncResult{Expected: ps.book.exitPrices(ctx, p)}
	if p == nil || !p.IsOpen || p.Quantity <= 0 {
		return res, nil
	}

	rules, err := ps.exch.GetPrecision(ctx, p.Symbol)
	if err != nil {
		return res, fmt.Errorf("precision %s: %w", p.Symbol, err)
	}
	open, err := ps.openProtective(ctx, p.Symbol)
	if err != nil {
		return res, err
	}

	wantQty, _ := utils.RoundToStep(p.Quantity, rules.StepSize)
	if wantQty <= 0 {
		wantQty = p.Quantity
	}

	var tps, sls []*exchange.Order
	for _, o := range open {
		if o.PositionSide != p.Side {
			continue
		}
		switch o.Type {
		case exchange.OrderTypeTakeProfitMarket:
			tps = append(tps, o)
		case exchange.OrderTypeStopMarket:
			sls = append(sls, o)
		}
	}

	keepTP, staleTP := ps.split(tps, res.Expected.TakeProfit, wantQty, rules)
	keepSL, staleSL := ps.split(sls, res.Expected.StopLoss, wantQty, rules)

	var params []*exchange.OrderParams
	var purposes []string
	if keepTP == nil {
		params = append(params, ps.protectiveParams(p, exchange.OrderTypeTakeProfitMarket, res.Expected.TakeProfit))
		purposes = append(purposes, models.OrderPurposeTP)
	}
	if keepSL == nil {
		params = append(params, ps.protectiveParams(p, exchange.OrderTypeStopMarket, res.Expected.StopLoss))
		purposes = append(purposes, models.OrderPurposeSL)
	}

	placedOK := map[string]bool{}
	if len(params) > 0 {
		placedOK, err = ps.place(ctx, p, params, purposes)
		if err != nil {
			return res, err
		}
	}
	res.PlacedTP = placedOK[models.OrderPurposeTP]
	res.PlacedSL = placedOK[models.OrderPurposeSL]

	// отменяем старое только там, где новое уже стоит
	var toCancel []*exchange.Order
	if keepTP != nil || res.PlacedTP {
		toCancel = append(toCancel, staleTP...)
	} else {
		res.FailedKind = append(res.FailedKind, models.OrderPurposeTP)
	}
	if keepSL != nil || res.PlacedSL {
		toCancel = append(toCancel, staleSL...)
	} else {
		res.FailedKind = append(res.FailedKind, models.OrderPurposeSL)
	}
	for _, o := range toCancel {
		if err := ps.cancel(ctx, o); err != nil {
			ps.log.Warn("failed to cancel stale protective order",
				utils.Symbol(o.Symbol),
				utils.OrderID(o.ID),
				utils.Err(err))
			continue
		}
		res.Cancelled++
	}

	if res.PlacedTP {
		RecordCorrection(models.OrderPurposeTP)
	}
	if res.PlacedSL {
		RecordCorrection(models.OrderPurposeSL)
	}
	if res.Changed() {
		ps.log.Info("protective orders updated",
			utils.Symbol(p.Symbol),
			utils.Side(p.Side),
			utils.Float64("tp", res.Expected.TakeProfit),
			utils.Float64("sl", res.Expected.StopLoss),
			utils.Int("cancelled", res.Cancelled))
		ps.notify(&models.Notification{
			Type:     models.NotificationTypeProtection,
			Severity: models.SeverityInfo,
			Symbol:   p.Symbol,
			Side:     p.Side,
			Message:  fmt.Sprintf("TP %.6g / SL %.6g", res.Expected.TakeProfit, res.Expected.StopLoss),
			Meta: map[string]interface{}{
				"tp":        res.Expected.TakeProfit,
				"sl":        res.Expected.StopLoss,
				"cancelled": res.Cancelled,
			},
		})
	}
	if len(res.FailedKind) > 0 {
		return res, fmt.Errorf("protective orders not placed for %s %s: %v", p.Symbol, p.Side, res.FailedKind)
	}
	return res, nil
}

// CancelAll снимает все TP/SL позиции (после закрытия).
// Вызывающий держит блокировку ключа.
func (ps *ProtectionService) CancelAll(ctx context.Context, symbol, side string) int {
	open, err := ps.openProtective(ctx, symbol)
	if err != nil {
		ps.log.Warn("failed to list protective orders", utils.Symbol(symbol), utils.Err(err))
		return 0
	}
	cancelled := 0
	for _, o := range open {
		if o.PositionSide != side {
			continue
		}
		if err := ps.cancel(ctx, o); err != nil {
			ps.log.Warn("failed to cancel protective order", utils.Symbol(symbol), utils.OrderID(o.ID), utils.Err(err))
			continue
		}
		cancelled++
	}
	return cancelled
}

// SweepOrphans отменяет TP/SL, у которых больше нет открытой позиции
func (ps *ProtectionService) SweepOrphans(ctx context.Context) (int, error) {
	open, err := ps.openProtective(ctx, "")
	if err != nil {
		return 0, err
	}

	live := make(map[string]bool)
	for _, p := range ps.book.openPositions() {
		live[p.Key()] = true
	}

	swept := 0
	for _, o := range open {
		key := models.PositionKey(o.Symbol, o.PositionSide)
		if live[key] {
			continue
		}

		unlock := ps.locks.Lock(key)
		if ps.book.position(key) == nil {
			if err := ps.cancel(ctx, o); err != nil {
				ps.log.Warn("failed to cancel orphaned order", utils.Symbol(o.Symbol), utils.OrderID(o.ID), utils.Err(err))
			} else {
				swept++
				RecordCorrection("orphan")
				ps.log.Info("orphaned protective order cancelled",
					utils.Symbol(o.Symbol),
					utils.Side(o.PositionSide),
					utils.OrderID(o.ID))
			}
		}
		unlock()
	}
	return swept, nil
}

// openProtective читает открытые условные ордера (TP/SL) с биржи
func (ps *ProtectionService) openProtective(ctx context.Context, symbol string) ([]*exchange.Order, error) {
	orders, err := retry.DoWithResult(ctx, func() ([]*exchange.Order, error) {
		callCtx, cancel := context.WithTimeout(ctx, ps.cfg.ReceiveWindow)
		defer cancel()
		return ps.exch.GetOpenOrders(callCtx, symbol)
	}, retry.ReadConfig())
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}

	out := orders[:0]
	for _, o := range orders {
		if !o.IsOpen() {
			continue
		}
		if o.Type == exchange.OrderTypeTakeProfitMarket || o.Type == exchange.OrderTypeStopMarket {
			out = append(out, o)
		}
	}
	return out, nil
}

// split находит один ордер, совпадающий с расчётом, остальные считает устаревшими
func (ps *ProtectionService) split(orders []*exchange.Order, price, qty float64, rules *exchange.SymbolInfo) (*exchange.Order, []*exchange.Order) {
	var keep *exchange.Order
	var stale []*exchange.Order
	for _, o := range orders {
		if keep == nil && ps.matches(o, price, qty, rules) {
			keep = o
			continue
		}
		stale = append(stale, o)
	}
	return keep, stale
}

func (ps *ProtectionService) matches(o *exchange.Order, price, qty float64, rules *exchange.SymbolInfo) bool {
	qtyTol := rules.StepSize / 2
	if qtyTol <= 0 {
		qtyTol = qty * 1e-6
	}
	if math.Abs(o.Quantity-qty) > qtyTol {
		return false
	}
	priceTol := math.Max(rules.TickSize/2, price*ps.cfg.PriceTolerance)
	return math.Abs(o.StopPrice-price) <= priceTol
}

func (ps *ProtectionService) protectiveParams(p *models.Position, orderType string, stopPrice float64) *exchange.OrderParams {
	purpose := models.OrderPurposeSL
	if orderType == exchange.OrderTypeTakeProfitMarket {
		purpose = models.OrderPurposeTP
	}
	return &exchange.OrderParams{
		Symbol:        p.Symbol,
		Side:          exchange.ExitOrderSide(p.Side),
		PositionSide:  p.Side,
		Type:          orderType,
		Quantity:      p.Quantity,
		StopPrice:     stopPrice,
		ReduceOnly:    true,
		ClientOrderID: ps.newClientID(purpose),
	}
}

// place выставляет TP/SL одним пакетом и пишет их в журнал ордеров
func (ps *ProtectionService) place(ctx context.Context, p *models.Position, params []*exchange.OrderParams, purposes []string) (map[string]bool, error) {
	now := ps.now()
	records := make([]*models.OrderRecord, len(params))
	for i, op := range params {
		posID := p.ID
		records[i] = &models.OrderRecord{
			SessionID:     ps.book.sessionID(),
			PositionID:    &posID,
			ClientOrderID: op.ClientOrderID,
			Symbol:        op.Symbol,
			Side:          op.Side,
			PositionSide:  op.PositionSide,
			Type:          op.Type,
			Purpose:       purposes[i],
			Quantity:      op.Quantity,
			StopPrice:     op.StopPrice,
			Status:        models.OrderStatusPending,
			CreatedAt:     now,
		}
		if err := ps.orders.Create(ctx, records[i]); err != nil {
			return nil, fmt.Errorf("record %s order: %w", purposes[i], err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, ps.cfg.ReceiveWindow)
	start := time.Now()
	results, err := ps.exch.PlaceBatchOrders(callCtx, params)
	cancel()

	placed := make(map[string]bool, len(params))
	if err != nil {
		// пакет целиком не дошёл или ответ потерян: проверяем каждый ордер по client id
		results = make([]exchange.BatchResult, len(params))
		for i, op := range params {
			o, lookupErr := lookupOrder(ctx, ps.exch, op.Symbol, op.ClientOrderID, ps.cfg.ReceiveWindow)
			results[i] = exchange.BatchResult{Order: o, Err: lookupErr}
		}
		ps.log.Warn("batch placement failed, verified by client id", utils.Symbol(p.Symbol), utils.Err(err))
	}

	for i, r := range results {
		if i >= len(records) {
			break
		}
		rec := records[i]
		if r.Err != nil || r.Order == nil {
			rec.Status = models.OrderStatusRejected
			if r.Err != nil {
				rec.ErrorMessage = r.Err.Error()
			}
			RecordOrder(ps.exch.GetName(), rec.Purpose, "rejected", time.Since(start))
			ps.notify(&models.Notification{
				Type:     models.NotificationTypeError,
				Severity: models.SeverityError,
				Symbol:   p.Symbol,
				Side:     p.Side,
				Message:  fmt.Sprintf("%s order rejected: %s", rec.Purpose, rec.ErrorMessage),
			})
		} else {
			rec.ExchangeID = r.Order.ID
			rec.Status = r.Order.Status
			placed[rec.Purpose] = true
			RecordOrder(ps.exch.GetName(), rec.Purpose, "ok", time.Since(start))
		}
		if err := ps.orders.Update(ctx, rec); err != nil {
			ps.log.Error("failed to update order record", utils.ClientOrderID(rec.ClientOrderID), utils.Err(err))
		}
	}
	return placed, nil
}

// cancel отменяет ордер и отмечает его в журнале. Отмена идемпотентна,
// поэтому повторяется; "ордер не найден" считается успехом.
func (ps *ProtectionService) cancel(ctx context.Context, o *exchange.Order) error {
	var rec *models.OrderRecord
	if o.ClientOrderID != "" {
		if r, err := ps.orders.GetByClientID(ctx, o.ClientOrderID); err == nil {
			rec = r
		}
	}
	var prevStatus string
	if rec != nil {
		prevStatus = rec.Status
		rec.Status = models.OrderStatusCancelled
		if err := ps.orders.Update(ctx, rec); err != nil {
			return err
		}
	}

	err := retry.Do(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, ps.cfg.ReceiveWindow)
		defer cancel()
		err := ps.exch.CancelOrder(callCtx, o.Symbol, exchange.OrderRef{OrderID: o.ID, ClientOrderID: o.ClientOrderID})
		if errors.Is(err, exchange.ErrOrderNotFound) {
			return nil
		}
		return err
	}, retry.CancelConfig())

	if err != nil && rec != nil {
		rec.Status = prevStatus
		if uerr := ps.orders.Update(ctx, rec); uerr != nil {
			ps.log.Error("failed to restore order record", utils.ClientOrderID(rec.ClientOrderID), utils.Err(uerr))
		}
	}
	return err
}
