package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"liqbot/pkg/crypto"
	"liqbot/pkg/ratelimit"
	"liqbot/pkg/utils"
)

const (
	binanceBaseURL    = "https://fapi.binance.com"
	binanceTestnetURL = "https://testnet.binancefuture.com"
	binanceRecvWindow = 5000
)

// Публичные пути, ответы которых можно отдавать из кэша Fetcher
var binanceCacheablePaths = []string{
	"/fapi/v1/exchangeInfo",
	"/fapi/v1/klines",
}

// Binance реализует интерфейс Exchange для USDⓈ-M фьючерсов Binance поверх go-binance.
// HTTP-трафик SDK проходит через ratelimit.Transport, то есть через процессный Fetcher.
type Binance struct {
	client    *futures.Client
	hedgeMode bool
	precision *PrecisionCache
	log       *utils.Logger
	now       func() time.Time
}

// newBinanceClient создаёт клиент go-binance, весь трафик которого идёт через Fetcher
func newBinanceClient(creds crypto.Credentials, opts Options) *futures.Client {
	client := futures.NewClient(creds.APIKey, creds.SecretKey)
	client.BaseURL = binanceBaseURL
	if opts.Testnet {
		client.BaseURL = binanceTestnetURL
	}
	if opts.BaseURL != "" {
		client.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	client.HTTPClient = &http.Client{
		Transport: ratelimit.NewTransport(opts.fetcher(), binanceCacheablePaths...),
	}
	return client
}

// NewBinance создает новый экземпляр Binance
func NewBinance(creds crypto.Credentials, opts Options) *Binance {
	b := &Binance{
		client:    newBinanceClient(creds, opts),
		hedgeMode: !opts.OneWayMode,
		log:       opts.logger("binance", "rest"),
		now:       time.Now,
	}
	b.precision = NewPrecisionCache(opts.PrecisionTTL, b.GetExchangeInfo)
	return b
}

// binanceError переводит ошибку go-binance в нормализованную ошибку
func binanceError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var se *ratelimit.StatusError
	if errors.As(err, &se) {
		return fromStatusError("binance", err)
	}

	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	ee := &ExchangeError{
		Exchange: "binance",
		Code:     strconv.FormatInt(apiErr.Code, 10),
		Message:  apiErr.Message,
	}
	switch apiErr.Code {
	case -1003:
		ee.HTTPStatus = http.StatusTooManyRequests
	case -1021:
		ee.Original = ErrTimestamp
	case -1022, -2014, -2015:
		ee.Original = ErrAuth
	case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121,
		-4003, -4014, -4015:
		ee.Original = ErrInvalidRequest
	case -2010:
		ee.Original = ErrOrderRejected
	case -2011, -2013:
		ee.Original = ErrOrderNotFound
	case -2019, -2027, -2028:
		ee.Original = ErrInsufficientMargin
	case -2022:
		ee.Original = ErrReduceOnlyRejected
	}
	return ee
}

func (b *Binance) GetName() string {
	return "binance"
}

func (b *Binance) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	account, err := b.client.NewGetAccountService().Do(ctx, futures.WithRecvWindow(binanceRecvWindow))
	if err != nil {
		return nil, binanceError(err)
	}

	info := &AccountInfo{Asset: "USDT"}
	for _, a := range account.Assets {
		if a.Asset != "USDT" {
			continue
		}
		info.WalletBalance = parseFloat(a.WalletBalance)
		info.AvailableBalance = parseFloat(a.AvailableBalance)
		info.UnrealizedPNL = parseFloat(a.UnrealizedProfit)
	}
	return info, nil
}

func (b *Binance) GetPositions(ctx context.Context, symbol string) ([]*Position, error) {
	svc := b.client.NewGetPositionRiskService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	risks, err := svc.Do(ctx, futures.WithRecvWindow(binanceRecvWindow))
	if err != nil {
		return nil, binanceError(err)
	}

	now := b.now()
	positions := make([]*Position, 0, len(risks))
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}

		side := SideLong
		switch r.PositionSide {
		case string(futures.PositionSideTypeShort):
			side = SideShort
		case string(futures.PositionSideTypeBoth):
			if amt < 0 {
				side = SideShort
			}
		}
		if amt < 0 {
			amt = -amt
		}

		lev, _ := strconv.Atoi(r.Leverage)
		positions = append(positions, &Position{
			Symbol:        r.Symbol,
			Side:          side,
			Size:          amt,
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			Leverage:      lev,
			UnrealizedPNL: parseFloat(r.UnRealizedProfit),
			UpdatedAt:     now,
		})
	}
	return positions, nil
}

func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := b.client.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx, futures.WithRecvWindow(binanceRecvWindow))
	return binanceError(err)
}

// orderService формирует запрос go-binance из нормализованных параметров
func (b *Binance) orderService(p *OrderParams) *futures.CreateOrderService {
	svc := b.client.NewCreateOrderService().
		Symbol(p.Symbol).
		Side(binanceSide(p.Side)).
		Quantity(utils.FormatDecimal(p.Quantity))

	if p.ClientOrderID != "" {
		svc = svc.NewClientOrderID(p.ClientOrderID)
	}

	switch p.Type {
	case OrderTypeLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			Price(utils.FormatDecimal(p.Price)).
			TimeInForce(futures.TimeInForceTypeGTC)
	case OrderTypeStopMarket:
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(utils.FormatDecimal(p.StopPrice)).
			WorkingType(futures.WorkingTypeMarkPrice)
	case OrderTypeTakeProfitMarket:
		svc = svc.Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(utils.FormatDecimal(p.StopPrice)).
			WorkingType(futures.WorkingTypeMarkPrice)
	default:
		svc = svc.Type(futures.OrderTypeMarket)
	}

	// В hedge-режиме закрытие задаётся стороной позиции, reduceOnly Binance не принимает
	if b.hedgeMode {
		svc = svc.PositionSide(binancePositionSide(p.PositionSide))
	} else if p.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	return svc
}

func (b *Binance) PlaceOrder(ctx context.Context, params *OrderParams) (*Order, error) {
	p, err := b.precision.RoundOrder(ctx, params)
	if err != nil {
		return nil, err
	}

	resp, err := b.orderService(p).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx, futures.WithRecvWindow(binanceRecvWindow))
	if err != nil {
		return nil, binanceError(err)
	}

	order := newOrderFromParams(p, strconv.FormatInt(resp.OrderID, 10), b.now())
	order.ClientOrderID = resp.ClientOrderID
	order.Status = binanceOrderStatus(string(resp.Status))
	order.FilledQty = parseFloat(resp.ExecutedQuantity)
	order.AvgFillPrice = parseFloat(resp.AvgPrice)
	if resp.UpdateTime > 0 {
		order.UpdatedAt = time.UnixMilli(resp.UpdateTime)
	}
	return order, nil
}

func (b *Binance) PlaceBatchOrders(ctx context.Context, params []*OrderParams) ([]BatchResult, error) {
	if len(params) == 0 || len(params) > MaxBatchOrders {
		return nil, ErrBatchSize
	}

	results := make([]BatchResult, len(params))
	services := make([]*futures.CreateOrderService, 0, len(params))
	sent := make([]int, 0, len(params))
	rounded := make([]*OrderParams, len(params))

	for i, raw := range params {
		p, err := b.precision.RoundOrder(ctx, raw)
		if err != nil {
			results[i].Err = err
			continue
		}
		if p.ClientOrderID == "" {
			results[i].Err = fmt.Errorf("batch order %d: %w", i, ErrMissingOrderRef)
			continue
		}
		rounded[i] = p
		services = append(services, b.orderService(p))
		sent = append(sent, i)
	}
	if len(services) == 0 {
		return results, nil
	}

	resp, err := b.client.NewCreateBatchOrdersService().
		OrderList(services).
		Do(ctx, futures.WithRecvWindow(binanceRecvWindow))
	if err != nil {
		return nil, binanceError(err)
	}

	// Успешные ордера сопоставляются по clientOrderId, ошибки - по порядку оставшихся
	byClientID := make(map[string]*futures.Order, len(resp.Orders))
	for _, o := range resp.Orders {
		if o != nil {
			byClientID[o.ClientOrderID] = o
		}
	}
	errs := make([]error, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		if e != nil {
			errs = append(errs, e)
		}
	}

	for _, i := range sent {
		p := rounded[i]
		if o, ok := byClientID[p.ClientOrderID]; ok {
			order := newOrderFromParams(p, strconv.FormatInt(o.OrderID, 10), b.now())
			order.Status = binanceOrderStatus(string(o.Status))
			results[i].Order = order
			continue
		}
		if len(errs) > 0 {
			results[i].Err = binanceError(errs[0])
			errs = errs[1:]
			continue
		}
		results[i].Err = &ExchangeError{Exchange: "binance", Message: "missing batch result", Original: ErrOrderRejected}
	}

	return results, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol string, ref OrderRef) error {
	svc := b.client.NewCancelOrderService().Symbol(symbol)
	switch {
	case ref.OrderID != "":
		id, err := strconv.ParseInt(ref.OrderID, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: order id %q", ErrInvalidRequest, ref.OrderID)
		}
		svc = svc.OrderID(id)
	case ref.ClientOrderID != "":
		svc = svc.OrigClientOrderID(ref.ClientOrderID)
	default:
		return ErrMissingOrderRef
	}

	_, err := svc.Do(ctx, futures.WithRecvWindow(binanceRecvWindow))
	return binanceError(err)
}

func (b *Binance) CancelAllOrders(ctx context.Context, symbol string) error {
	err := b.client.NewCancelAllOpenOrdersService().
		Symbol(symbol).
		Do(ctx, futures.WithRecvWindow(binanceRecvWindow))
	return binanceError(err)
}

func (b *Binance) GetOrder(ctx context.Context, symbol string, ref OrderRef) (*Order, error) {
	svc := b.client.NewGetOrderService().Symbol(symbol)
	switch {
	case ref.OrderID != "":
		id, err := strconv.ParseInt(ref.OrderID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: order id %q", ErrInvalidRequest, ref.OrderID)
		}
		svc = svc.OrderID(id)
	case ref.ClientOrderID != "":
		svc = svc.OrigClientOrderID(ref.ClientOrderID)
	default:
		return nil, ErrMissingOrderRef
	}

	o, err := svc.Do(ctx, futures.WithRecvWindow(binanceRecvWindow))
	if err != nil {
		return nil, binanceError(err)
	}
	return normalizeBinanceOrder(o), nil
}

func (b *Binance) GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error) {
	svc := b.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	list, err := svc.Do(ctx, futures.WithRecvWindow(binanceRecvWindow))
	if err != nil {
		return nil, binanceError(err)
	}

	orders := make([]*Order, 0, len(list))
	for _, o := range list {
		orders = append(orders, normalizeBinanceOrder(o))
	}
	return orders, nil
}

func (b *Binance) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, binanceError(err)
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("%w: ticker %s", ErrSymbolNotFound, symbol)
	}

	ticker := &Ticker{
		Symbol:    symbol,
		LastPrice: parseFloat(prices[0].Price),
		Timestamp: b.now(),
	}

	idx, err := b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, binanceError(err)
	}
	if len(idx) > 0 {
		ticker.MarkPrice = parseFloat(idx[0].MarkPrice)
	}
	return ticker, nil
}

func (b *Binance) GetOpenInterest(ctx context.Context, symbol string) (float64, error) {
	oi, err := b.client.NewGetOpenInterestService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, binanceError(err)
	}
	return parseFloat(oi.OpenInterest), nil
}

func (b *Binance) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	list, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, binanceError(err)
	}

	klines := make([]Kline, 0, len(list))
	for _, k := range list {
		klines = append(klines, Kline{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     parseFloat(k.Open),
			High:     parseFloat(k.High),
			Low:      parseFloat(k.Low),
			Close:    parseFloat(k.Close),
			Volume:   parseFloat(k.Volume),
		})
	}
	return klines, nil
}

func (b *Binance) GetExchangeInfo(ctx context.Context) ([]SymbolInfo, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, binanceError(err)
	}

	infos := make([]SymbolInfo, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		si := SymbolInfo{Symbol: s.Symbol}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				si.TickSize = filterFloat(f, "tickSize")
			case "LOT_SIZE":
				si.StepSize = filterFloat(f, "stepSize")
				si.MinQty = filterFloat(f, "minQty")
			case "MIN_NOTIONAL":
				si.MinNotional = filterFloat(f, "notional")
			}
		}
		infos = append(infos, si)
	}
	return infos, nil
}

func (b *Binance) GetTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]Trade, error) {
	svc := b.client.NewListAccountTradeService().
		Symbol(symbol).
		Limit(clampLimit(limit, 1000))
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}
	list, err := svc.Do(ctx, futures.WithRecvWindow(binanceRecvWindow))
	if err != nil {
		return nil, binanceError(err)
	}

	trades := make([]Trade, 0, len(list))
	for _, t := range list {
		side := strings.ToLower(string(t.Side))
		posSide := strings.ToLower(string(t.PositionSide))
		if posSide != SideLong && posSide != SideShort {
			posSide = positionSideFromFlow(side, parseFloat(t.RealizedPnl) != 0)
		}
		trades = append(trades, Trade{
			ID:           strconv.FormatInt(t.ID, 10),
			OrderID:      strconv.FormatInt(t.OrderID, 10),
			Symbol:       t.Symbol,
			Side:         side,
			PositionSide: posSide,
			Price:        parseFloat(t.Price),
			Quantity:     parseFloat(t.Quantity),
			Fee:          parseFloat(t.Commission),
			RealizedPNL:  parseFloat(t.RealizedPnl),
			Time:         time.UnixMilli(t.Time),
		})
	}
	return trades, nil
}

func (b *Binance) GetIncome(ctx context.Context, symbol string, since time.Time, limit int) ([]Income, error) {
	svc := b.client.NewGetIncomeHistoryService().Limit(int64(clampLimit(limit, 1000)))
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}
	list, err := svc.Do(ctx, futures.WithRecvWindow(binanceRecvWindow))
	if err != nil {
		return nil, binanceError(err)
	}

	incomes := make([]Income, 0, len(list))
	for _, in := range list {
		incomes = append(incomes, Income{
			ID:      strconv.FormatInt(in.TranID, 10),
			Symbol:  in.Symbol,
			Type:    in.IncomeType,
			Amount:  parseFloat(in.Income),
			Asset:   in.Asset,
			TradeID: in.TradeID,
			Time:    time.UnixMilli(in.Time),
		})
	}
	return incomes, nil
}

func (b *Binance) GetPrecision(ctx context.Context, symbol string) (*SymbolInfo, error) {
	return b.precision.Get(ctx, symbol)
}

func (b *Binance) GetMinNotional(ctx context.Context, symbol string) (float64, error) {
	info, err := b.precision.Get(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return info.MinNotional, nil
}

// Close закрывает idle соединения HTTP клиента SDK
func (b *Binance) Close() error {
	b.client.HTTPClient.CloseIdleConnections()
	return nil
}

// ============================================================
// Перевод словарей Binance
// ============================================================

func binanceSide(side string) futures.SideType {
	if side == SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func binancePositionSide(side string) futures.PositionSideType {
	if side == SideShort {
		return futures.PositionSideTypeShort
	}
	return futures.PositionSideTypeLong
}

func binanceOrderStatus(status string) string {
	switch futures.OrderStatusType(status) {
	case futures.OrderStatusTypeNew:
		return OrderStatusNew
	case futures.OrderStatusTypePartiallyFilled:
		return OrderStatusPartial
	case futures.OrderStatusTypeFilled:
		return OrderStatusFilled
	case futures.OrderStatusTypeCanceled:
		return OrderStatusCancelled
	case futures.OrderStatusTypeRejected:
		return OrderStatusRejected
	case futures.OrderStatusTypeExpired:
		return OrderStatusExpired
	}
	return strings.ToLower(status)
}

func binanceOrderType(typ string) string {
	switch typ {
	case "LIMIT":
		return OrderTypeLimit
	case "STOP_MARKET", "STOP":
		return OrderTypeStopMarket
	case "TAKE_PROFIT_MARKET", "TAKE_PROFIT":
		return OrderTypeTakeProfitMarket
	}
	return OrderTypeMarket
}

func normalizeBinanceOrder(o *futures.Order) *Order {
	side := strings.ToLower(string(o.Side))
	posSide := strings.ToLower(string(o.PositionSide))
	if posSide != SideLong && posSide != SideShort {
		posSide = positionSideFromFlow(side, o.ReduceOnly)
	}
	return &Order{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          side,
		PositionSide:  posSide,
		Type:          binanceOrderType(string(o.Type)),
		Quantity:      parseFloat(o.OrigQuantity),
		FilledQty:     parseFloat(o.ExecutedQuantity),
		AvgFillPrice:  parseFloat(o.AvgPrice),
		Price:         parseFloat(o.Price),
		StopPrice:     parseFloat(o.StopPrice),
		ReduceOnly:    o.ReduceOnly || o.ClosePosition,
		Status:        binanceOrderStatus(string(o.Status)),
		CreatedAt:     time.UnixMilli(o.Time),
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}
}

func filterFloat(f map[string]interface{}, key string) float64 {
	switch v := f[key].(type) {
	case string:
		return parseFloat(v)
	case float64:
		return v
	}
	return 0
}
