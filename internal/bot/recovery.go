package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"liqbot/internal/exchange"
	"liqbot/internal/models"
	"liqbot/pkg/retry"
	"liqbot/pkg/utils"
)

// RecoveryManager восстанавливает состояние движка после перезапуска
// и сверяет его с биржей во время работы.
//
// Функциональность:
// - Загрузка открытых позиций и проверка их по журналу исполнений
// - Восстановление кулдаунов и обработанных id ликвидаций
// - Заполнение истории каскадного детектора
// - Догрузка пропущенных исполнений из истории сделок
// - Усыновление позиций, открытых на бирже вручную
// - Закрытие позиций, которых на бирже больше нет
type RecoveryManager struct {
	engine *Engine
	log    *utils.Logger

	restoreTimeout time.Duration
	syncOverlap    time.Duration // перекрытие окна сверки сделок
	flatGrace      time.Duration // сколько ждать, прежде чем считать позицию закрытой
	tradeLimit     int
}

// RecoveryResult - итог восстановления
type RecoveryResult struct {
	PositionsRestored  int
	PositionsCorrected int
	PositionsClosed    int
	ProcessedIDs       int
	PendingOrders      int
	LiquidationsSeeded int
}

// NewRecoveryManager создаёт менеджер восстановления движка
func NewRecoveryManager(e *Engine) *RecoveryManager {
	return &RecoveryManager{
		engine:         e,
		log:            e.log.With(utils.String("task", "recovery")),
		restoreTimeout: 30 * time.Second,
		syncOverlap:    time.Minute,
		flatGrace:      30 * time.Second,
		tradeLimit:     500,
	}
}

// Restore загружает состояние из хранилища. До его завершения движок
// отклоняет ликвидации.
func (rm *RecoveryManager) Restore(ctx context.Context) error {
	e := rm.engine
	ctx, cancel := context.WithTimeout(ctx, rm.restoreTimeout)
	defer cancel()

	var res RecoveryResult
	sid := e.sessionID()
	now := e.now()

	positions, err := e.ledger.Positions.ListOpen(ctx, sid)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}

	restored := make(map[string]*models.Position, len(positions))
	for _, p := range positions {
		verified, corrected, err := rm.verifyPosition(ctx, p)
		if err != nil {
			return err
		}
		if corrected {
			res.PositionsCorrected++
		}
		if !verified.IsOpen {
			res.PositionsClosed++
			continue
		}
		restored[verified.Key()] = verified
	}

	orders, err := e.ledger.Orders.ListPlacedSince(ctx, sid, now.Add(-e.cfg.ProcessedTTL))
	if err != nil {
		return fmt.Errorf("list recent orders: %w", err)
	}

	liqs, err := e.ledger.Liquidations.ListSince(ctx, now.Add(-e.cfg.Cascade.HistoryWindow))
	if err != nil {
		return fmt.Errorf("list recent liquidations: %w", err)
	}
	e.detector.Seed(liqs)
	res.LiquidationsSeeded = len(liqs)

	e.mu.Lock()
	for key, p := range restored {
		e.positions[key] = p
		ks := e.keyLocked(key)
		ks.state = StateFilled
		if p.LastFillAt != nil {
			ks.lastFillAt = *p.LastFillAt
		}
	}
	for _, o := range orders {
		if o.LiquidationID != "" {
			e.processed[o.LiquidationID] = o.CreatedAt
		}
		if o.Purpose != models.OrderPurposeEntry && o.Purpose != models.OrderPurposeLayer {
			continue
		}
		ks := e.keyLocked(models.PositionKey(o.Symbol, o.PositionSide))
		if o.CreatedAt.After(ks.reservedAt) {
			ks.reservedAt = o.CreatedAt
		}
		if o.Status == models.OrderStatusPending {
			ks.pendingOrder = o.ClientOrderID
			if ks.state != StateFilled {
				ks.state = StateReserved
			}
			res.PendingOrders++
		}
	}
	// ликвидации до перезапуска повторно не обрабатываются
	for _, l := range liqs {
		if _, ok := e.processed[l.ID]; !ok {
			e.processed[l.ID] = l.Timestamp
		}
	}
	res.ProcessedIDs = len(e.processed)
	res.PositionsRestored = len(restored)
	e.restored = true
	e.mu.Unlock()

	OpenPositions.Set(float64(res.PositionsRestored))
	if s := e.Session(); s.ID != 0 {
		RealizedPNL.Set(s.RealizedPNL)
	}

	rm.log.Info("state restored",
		utils.SessionID(sid),
		utils.Int("positions", res.PositionsRestored),
		utils.Int("corrected", res.PositionsCorrected),
		utils.Int("closed", res.PositionsClosed),
		utils.Int("processed_ids", res.ProcessedIDs),
		utils.Int("pending_orders", res.PendingOrders),
		utils.Int("liquidations", res.LiquidationsSeeded))
	return nil
}

// verifyPosition пересчитывает позицию по журналу исполнений.
// Журнал - источник истины; расхождение исправляется в хранилище.
func (rm *RecoveryManager) verifyPosition(ctx context.Context, p *models.Position) (*models.Position, bool, error) {
	e := rm.engine
	fills, err := e.ledger.Fills.ListByPosition(ctx, p.ID)
	if err != nil {
		return nil, false, fmt.Errorf("list fills of position %d: %w", p.ID, err)
	}
	if len(fills) == 0 {
		return p, false, nil
	}

	replayed := models.ReplayFills(*p, fills, e.strategy.Leverage)
	if sameState(p, &replayed) {
		return p, false, nil
	}

	rm.log.Warn("position diverged from fill journal",
		utils.PositionID(p.ID),
		utils.Symbol(p.Symbol),
		utils.Side(p.Side),
		utils.Float64("stored_qty", p.Quantity),
		utils.Float64("journal_qty", replayed.Quantity),
		utils.Float64("stored_avg", p.AvgEntryPrice),
		utils.Float64("journal_avg", replayed.AvgEntryPrice))

	if err := e.ledger.Positions.Update(ctx, &replayed); err != nil {
		return nil, false, fmt.Errorf("correct position %d: %w", p.ID, err)
	}
	return &replayed, true, nil
}

func sameState(a, b *models.Position) bool {
	const eps = 1e-9
	return a.IsOpen == b.IsOpen &&
		a.LayersFilled == b.LayersFilled &&
		math.Abs(a.Quantity-b.Quantity) <= eps &&
		math.Abs(a.AvgEntryPrice-b.AvgEntryPrice) <= eps*math.Max(1, a.AvgEntryPrice)
}

// SyncTrades догружает исполнения, пропущенные потоком.
// Повторные сделки отсекаются журналом по trade id.
func (rm *RecoveryManager) SyncTrades(ctx context.Context) int {
	e := rm.engine
	sid := e.sessionID()
	session := e.Session()

	since, err := e.ledger.Fills.LatestFillTime(ctx, sid)
	if err != nil {
		rm.log.Warn("latest fill time unavailable", utils.Err(err))
		return 0
	}
	since = since.Add(-rm.syncOverlap)
	if since.Before(session.StartedAt) {
		since = session.StartedAt
	}

	var trades []exchange.Trade
	for _, symbol := range e.strategy.Symbols {
		batch, err := retry.DoWithResult(ctx, func() ([]exchange.Trade, error) {
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.ReceiveWindow)
			defer cancel()
			return e.exch.GetTrades(callCtx, symbol, since, rm.tradeLimit)
		}, retry.ReadConfig())
		if err != nil {
			rm.log.Warn("trade history fetch failed", utils.Symbol(symbol), utils.Err(err))
			continue
		}
		trades = append(trades, batch...)
	}
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Time.Before(trades[j].Time) })

	applied := 0
	for _, t := range trades {
		err := e.applyExecution(ctx, executionFromTrade(t), models.ProvenanceSync)
		if err != nil {
			if !errors.Is(err, ErrUnknownPosition) {
				rm.log.Warn("trade not applied", utils.String("trade_id", t.ID), utils.Err(err))
			}
			continue
		}
		applied++
	}
	rm.log.Debug("trade sync finished", utils.Int("trades", len(trades)), utils.Int("applied", applied))
	return applied
}

// AdoptPositions сверяет позиции с биржей: неизвестные позиции
// усыновляются, исчезнувшие на бирже закрываются
func (rm *RecoveryManager) AdoptPositions(ctx context.Context) {
	e := rm.engine
	remote, err := retry.DoWithResult(ctx, func() ([]*exchange.Position, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ReceiveWindow)
		defer cancel()
		return e.exch.GetPositions(callCtx, "")
	}, retry.ReadConfig())
	if err != nil {
		rm.log.Warn("exchange positions unavailable", utils.Err(err))
		return
	}

	live := make(map[string]*exchange.Position, len(remote))
	for _, rp := range remote {
		if rp.Size <= 0 || !e.strategy.HasSymbol(rp.Symbol) {
			continue
		}
		live[models.PositionKey(rp.Symbol, rp.Side)] = rp
	}

	for key, rp := range live {
		if e.position(key) != nil {
			continue
		}
		rm.adopt(ctx, key, rp)
	}

	for _, p := range e.openPositions() {
		if _, ok := live[p.Key()]; ok {
			continue
		}
		rm.closeFlat(ctx, p.Key())
	}
}

func (rm *RecoveryManager) adopt(ctx context.Context, key string, rp *exchange.Position) {
	e := rm.engine
	defer e.locks.Lock(key)()
	if e.position(key) != nil {
		return
	}

	now := e.now()
	x := execution{
		TradeID:      fmt.Sprintf("adopt-%s-%d", key, now.UnixNano()),
		Symbol:       rp.Symbol,
		Side:         exchange.EntryOrderSide(rp.Side),
		PositionSide: rp.Side,
		Price:        rp.EntryPrice,
		Quantity:     rp.Size,
		Time:         now,
	}
	if err := e.applyExecutionLocked(ctx, key, x, models.ProvenanceManual); err != nil {
		rm.log.Error("failed to adopt position", utils.Symbol(rp.Symbol), utils.Side(rp.Side), utils.Err(err))
		return
	}

	rm.log.Warn("manual position adopted",
		utils.Symbol(rp.Symbol),
		utils.Side(rp.Side),
		utils.Quantity(rp.Size),
		utils.Price(rp.EntryPrice))
	e.enqueue(&models.Notification{
		Type:     models.NotificationTypeFill,
		Severity: models.SeverityWarn,
		Symbol:   rp.Symbol,
		Side:     rp.Side,
		Message:  fmt.Sprintf("adopted manual position %.6g @ %.6g", rp.Size, rp.EntryPrice),
	})
}

// closeFlat закрывает позицию, которой на бирже уже нет
func (rm *RecoveryManager) closeFlat(ctx context.Context, key string) {
	e := rm.engine
	defer e.locks.Lock(key)()

	p := e.position(key)
	if p == nil {
		return
	}
	now := e.now()
	if p.LastFillAt != nil && now.Sub(*p.LastFillAt) < rm.flatGrace {
		return
	}

	price := e.referencePrice(p.Symbol, p.AvgEntryPrice)
	x := execution{
		TradeID:      fmt.Sprintf("flat-%s-%d", key, now.UnixNano()),
		Symbol:       p.Symbol,
		Side:         exchange.ExitOrderSide(p.Side),
		PositionSide: p.Side,
		Price:        price,
		Quantity:     p.Quantity,
		ReduceOnly:   true,
		Time:         now,
	}
	if err := e.applyExecutionLocked(ctx, key, x, models.ProvenanceManual); err != nil {
		rm.log.Error("failed to close flat position", utils.PositionID(p.ID), utils.Err(err))
		return
	}
	rm.log.Warn("position closed outside the engine",
		utils.PositionID(p.ID),
		utils.Symbol(p.Symbol),
		utils.Side(p.Side))
}

// ResolvePending проверяет входные ордера, на которые биржа так и не ответила
func (rm *RecoveryManager) ResolvePending(ctx context.Context) {
	e := rm.engine
	cutoff := e.now().Add(-e.cfg.PendingTimeout)

	e.mu.RLock()
	var keys []string
	for key, ks := range e.keys {
		if ks.pendingOrder != "" && ks.reservedAt.Before(cutoff) {
			keys = append(keys, key)
		}
	}
	e.mu.RUnlock()

	for _, key := range keys {
		rm.resolveKey(ctx, key)
	}
}

func (rm *RecoveryManager) resolveKey(ctx context.Context, key string) {
	e := rm.engine
	defer e.locks.Lock(key)()

	clientID := e.keySnapshot(key).pendingOrder
	if clientID == "" {
		return
	}
	rec := e.orderRecord(ctx, clientID)
	if rec == nil {
		e.clearPending(key, clientID)
		return
	}

	order, err := lookupOrder(ctx, e.exch, rec.Symbol, clientID, e.cfg.ReceiveWindow)
	switch {
	case errors.Is(err, exchange.ErrOrderNotFound):
		rec.Status = models.OrderStatusRejected
		rec.ErrorMessage = "not found on exchange"
		e.saveOrder(ctx, rec)
		e.clearPending(key, clientID)
		rm.log.Warn("pending order never reached the exchange", utils.ClientOrderID(clientID))
	case err != nil:
		rm.log.Warn("pending order still unresolved", utils.ClientOrderID(clientID), utils.Err(err))
	default:
		rec.ExchangeID = order.ID
		rec.Status = order.Status
		e.saveOrder(ctx, rec)
		if order.Status == models.OrderStatusFilled {
			// исполнение придёт из истории сделок
			e.updateKey(key, func(ks *keyState) {
				if ks.pendingOrder == clientID {
					ks.pendingOrder = ""
				}
			})
			e.RequestSync()
		} else if models.IsTerminalOrderStatus(order.Status) {
			e.clearPending(key, clientID)
		}
	}
}
