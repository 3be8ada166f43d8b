package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"liqbot/pkg/crypto"
	"liqbot/pkg/ratelimit"
	"liqbot/pkg/utils"
)

const (
	bybitBaseURL    = "https://api.bybit.com"
	bybitTestnetURL = "https://api-testnet.bybit.com"
	bybitRecvWindow = "5000"
	bybitCategory   = "linear"

	// плечо уже установлено в запрошенное значение
	bybitCodeLeverageNotModified = 110043
)

// Bybit реализует интерфейс Exchange для USDT-перпетуалов Bybit (API v5)
type Bybit struct {
	apiKey    string
	secretKey string
	baseURL   string
	hedgeMode bool

	fetcher   *ratelimit.Fetcher
	precision *PrecisionCache
	log       *utils.Logger

	now func() time.Time
}

// NewBybit создает новый экземпляр Bybit
func NewBybit(creds crypto.Credentials, opts Options) *Bybit {
	b := &Bybit{
		apiKey:    creds.APIKey,
		secretKey: creds.SecretKey,
		baseURL:   bybitBaseURL,
		hedgeMode: !opts.OneWayMode,
		fetcher:   opts.fetcher(),
		log:       opts.logger("bybit", "rest"),
		now:       time.Now,
	}
	if opts.Testnet {
		b.baseURL = bybitTestnetURL
	}
	if opts.BaseURL != "" {
		b.baseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	b.precision = NewPrecisionCache(opts.PrecisionTTL, b.GetExchangeInfo)
	return b
}

// sign создает подпись для запроса к Bybit API v5
func (b *Bybit) sign(timestamp string, params string) string {
	message := timestamp + b.apiKey + bybitRecvWindow + params
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет HTTP запрос к Bybit API через процессный Fetcher.
// cacheable - ответ можно отдавать из кэша (только публичные GET).
func (b *Bybit) doRequest(ctx context.Context, method, endpoint string, params map[string]interface{}, signed, cacheable bool) ([]byte, error) {
	var payload string
	reqURL := b.baseURL + endpoint

	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, fmt.Sprint(v))
		}
		payload = query.Encode()
		if payload != "" {
			reqURL += "?" + payload
		}
	} else if len(params) > 0 {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		payload = string(raw)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if signed {
		timestamp := strconv.FormatInt(b.now().UnixMilli(), 10)
		header.Set("X-BAPI-API-KEY", b.apiKey)
		header.Set("X-BAPI-SIGN", b.sign(timestamp, payload))
		header.Set("X-BAPI-TIMESTAMP", timestamp)
		header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	}

	req := &ratelimit.Request{Method: method, URL: reqURL, Header: header}
	if method != http.MethodGet {
		req.Body = []byte(payload)
	}
	if cacheable && !signed {
		req.CacheKey = "bybit " + reqURL
	}

	resp, err := b.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fromStatusError("bybit", err)
	}

	var base struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(resp.Body, &base); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &ExchangeError{
				Exchange:   "bybit",
				Code:       strconv.Itoa(resp.StatusCode),
				Message:    strings.TrimSpace(string(resp.Body)),
				HTTPStatus: resp.StatusCode,
			}
		}
		return nil, fmt.Errorf("decode response %s: %w", endpoint, err)
	}

	if base.RetCode != 0 {
		ee := bybitError(base.RetCode, base.RetMsg)
		if resp.StatusCode >= 400 {
			ee.HTTPStatus = resp.StatusCode
		}
		return nil, ee
	}

	return resp.Body, nil
}

// bybitError переводит retCode Bybit в нормализованную ошибку
func bybitError(code int, msg string) *ExchangeError {
	ee := &ExchangeError{Exchange: "bybit", Code: strconv.Itoa(code), Message: msg}
	switch code {
	case 10006, 10018:
		ee.HTTPStatus = http.StatusTooManyRequests
	case 10002:
		ee.Original = ErrTimestamp
	case 10003, 10004, 10005, 33004:
		ee.Original = ErrAuth
	case 10001, 110003, 110009, 110092, 110093, 110094:
		ee.Original = ErrInvalidRequest
	case 110001, 110008, 110010, 170213:
		ee.Original = ErrOrderNotFound
	case 110004, 110006, 110007, 110012, 110044, 110045:
		ee.Original = ErrInsufficientMargin
	case 110017:
		ee.Original = ErrReduceOnlyRejected
	default:
		if code >= 110000 && code < 120000 {
			ee.Original = ErrOrderRejected
		}
	}
	return ee
}

func (b *Bybit) GetName() string {
	return "bybit"
}

func (b *Bybit) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	params := map[string]interface{}{
		"accountType": "UNIFIED",
		"coin":        "USDT",
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, true, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				TotalAvailableBalance string `json:"totalAvailableBalance"`
				Coin                  []struct {
					Coin          string `json:"coin"`
					WalletBalance string `json:"walletBalance"`
					UnrealisedPnl string `json:"unrealisedPnl"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	info := &AccountInfo{Asset: "USDT"}
	if len(resp.Result.List) > 0 {
		acc := resp.Result.List[0]
		info.AvailableBalance = parseFloat(acc.TotalAvailableBalance)
		for _, coin := range acc.Coin {
			if coin.Coin == "USDT" {
				info.WalletBalance = parseFloat(coin.WalletBalance)
				info.UnrealizedPNL = parseFloat(coin.UnrealisedPnl)
			}
		}
	}
	return info, nil
}

func (b *Bybit) GetPositions(ctx context.Context, symbol string) ([]*Position, error) {
	params := map[string]interface{}{"category": bybitCategory}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = "USDT"
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/position/list", params, true, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				Side          string `json:"side"`
				Size          string `json:"size"`
				AvgPrice      string `json:"avgPrice"`
				MarkPrice     string `json:"markPrice"`
				Leverage      string `json:"leverage"`
				UnrealisedPnl string `json:"unrealisedPnl"`
				UpdatedTime   string `json:"updatedTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	positions := make([]*Position, 0, len(resp.Result.List))
	for _, p := range resp.Result.List {
		size := parseFloat(p.Size)
		if size == 0 {
			continue
		}

		side := SideLong
		if p.Side == "Sell" {
			side = SideShort
		}

		positions = append(positions, &Position{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    parseFloat(p.AvgPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			Leverage:      int(parseFloat(p.Leverage)),
			UnrealizedPNL: parseFloat(p.UnrealisedPnl),
			UpdatedAt:     parseMillis(p.UpdatedTime),
		})
	}

	return positions, nil
}

func (b *Bybit) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	params := map[string]interface{}{
		"category":     bybitCategory,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}

	_, err := b.doRequest(ctx, http.MethodPost, "/v5/position/set-leverage", params, true, false)
	var ee *ExchangeError
	if errors.As(err, &ee) && ee.Code == strconv.Itoa(bybitCodeLeverageNotModified) {
		return nil
	}
	return err
}

// orderRequest формирует тело ордера Bybit из нормализованных параметров
func (b *Bybit) orderRequest(p *OrderParams) map[string]interface{} {
	req := map[string]interface{}{
		"category":    bybitCategory,
		"symbol":      p.Symbol,
		"side":        bybitSide(p.Side),
		"qty":         utils.FormatDecimal(p.Quantity),
		"orderLinkId": p.ClientOrderID,
	}

	switch p.Type {
	case OrderTypeLimit:
		req["orderType"] = "Limit"
		req["price"] = utils.FormatDecimal(p.Price)
		req["timeInForce"] = "GTC"
	case OrderTypeStopMarket, OrderTypeTakeProfitMarket:
		req["orderType"] = "Market"
		req["triggerPrice"] = utils.FormatDecimal(p.StopPrice)
		req["triggerDirection"] = bybitTriggerDirection(p.Type, p.PositionSide)
		req["triggerBy"] = "MarkPrice"
	default:
		req["orderType"] = "Market"
	}

	if p.ReduceOnly {
		req["reduceOnly"] = true
	}
	if b.hedgeMode {
		req["positionIdx"] = bybitPositionIdx(p.PositionSide)
	} else {
		req["positionIdx"] = 0
	}
	return req
}

func (b *Bybit) PlaceOrder(ctx context.Context, params *OrderParams) (*Order, error) {
	p, err := b.precision.RoundOrder(ctx, params)
	if err != nil {
		return nil, err
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/v5/order/create", b.orderRequest(p), true, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	order := newOrderFromParams(p, resp.Result.OrderID, b.now())
	if order.ClientOrderID == "" {
		order.ClientOrderID = resp.Result.OrderLinkID
	}

	// Рыночный ордер исполняется сразу - подтягиваем фактическую цену исполнения
	if p.Type == OrderTypeMarket {
		if filled, err := b.GetOrder(ctx, p.Symbol, OrderRef{OrderID: order.ID}); err == nil {
			order.Status = filled.Status
			order.FilledQty = filled.FilledQty
			order.AvgFillPrice = filled.AvgFillPrice
		} else {
			b.log.Debug("order placed, execution details unavailable",
				utils.Symbol(p.Symbol), utils.OrderID(order.ID), utils.Err(err))
		}
	}

	return order, nil
}

func (b *Bybit) PlaceBatchOrders(ctx context.Context, params []*OrderParams) ([]BatchResult, error) {
	if len(params) == 0 || len(params) > MaxBatchOrders {
		return nil, ErrBatchSize
	}

	results := make([]BatchResult, len(params))
	sent := make([]int, 0, len(params)) // индексы params, попавшие в запрос
	requests := make([]map[string]interface{}, 0, len(params))
	rounded := make([]*OrderParams, len(params))

	for i, raw := range params {
		p, err := b.precision.RoundOrder(ctx, raw)
		if err != nil {
			results[i].Err = err
			continue
		}
		rounded[i] = p
		req := b.orderRequest(p)
		delete(req, "category")
		requests = append(requests, req)
		sent = append(sent, i)
	}
	if len(requests) == 0 {
		return results, nil
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/v5/order/create-batch", map[string]interface{}{
		"category": bybitCategory,
		"request":  requests,
	}, true, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				OrderID     string `json:"orderId"`
				OrderLinkID string `json:"orderLinkId"`
			} `json:"list"`
		} `json:"result"`
		RetExtInfo struct {
			List []struct {
				Code int    `json:"code"`
				Msg  string `json:"msg"`
			} `json:"list"`
		} `json:"retExtInfo"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	now := b.now()
	for j, i := range sent {
		if j < len(resp.RetExtInfo.List) && resp.RetExtInfo.List[j].Code != 0 {
			ext := resp.RetExtInfo.List[j]
			results[i].Err = bybitError(ext.Code, ext.Msg)
			continue
		}
		if j >= len(resp.Result.List) || resp.Result.List[j].OrderID == "" {
			results[i].Err = &ExchangeError{Exchange: "bybit", Message: "missing batch result", Original: ErrOrderRejected}
			continue
		}
		results[i].Order = newOrderFromParams(rounded[i], resp.Result.List[j].OrderID, now)
	}

	return results, nil
}

func (b *Bybit) CancelOrder(ctx context.Context, symbol string, ref OrderRef) error {
	params := map[string]interface{}{
		"category": bybitCategory,
		"symbol":   symbol,
	}
	switch {
	case ref.OrderID != "":
		params["orderId"] = ref.OrderID
	case ref.ClientOrderID != "":
		params["orderLinkId"] = ref.ClientOrderID
	default:
		return ErrMissingOrderRef
	}

	_, err := b.doRequest(ctx, http.MethodPost, "/v5/order/cancel", params, true, false)
	return err
}

func (b *Bybit) CancelAllOrders(ctx context.Context, symbol string) error {
	params := map[string]interface{}{
		"category": bybitCategory,
		"symbol":   symbol,
	}
	_, err := b.doRequest(ctx, http.MethodPost, "/v5/order/cancel-all", params, true, false)
	return err
}

// bybitOrder - ордер в формате Bybit v5
type bybitOrder struct {
	OrderID          string `json:"orderId"`
	OrderLinkID      string `json:"orderLinkId"`
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	OrderType        string `json:"orderType"`
	OrderStatus      string `json:"orderStatus"`
	Qty              string `json:"qty"`
	CumExecQty       string `json:"cumExecQty"`
	AvgPrice         string `json:"avgPrice"`
	Price            string `json:"price"`
	TriggerPrice     string `json:"triggerPrice"`
	TriggerDirection int    `json:"triggerDirection"`
	ReduceOnly       bool   `json:"reduceOnly"`
	PositionIdx      int    `json:"positionIdx"`
	CreatedTime      string `json:"createdTime"`
	UpdatedTime      string `json:"updatedTime"`
}

func (o *bybitOrder) normalize() *Order {
	side := strings.ToLower(o.Side)
	posSide := bybitPositionSide(o.PositionIdx, side, o.ReduceOnly)
	trigger := parseFloat(o.TriggerPrice)

	typ := OrderTypeMarket
	switch {
	case trigger > 0:
		typ = bybitConditionalType(o.TriggerDirection, posSide)
	case o.OrderType == "Limit":
		typ = OrderTypeLimit
	}

	return &Order{
		ID:            o.OrderID,
		ClientOrderID: o.OrderLinkID,
		Symbol:        o.Symbol,
		Side:          side,
		PositionSide:  posSide,
		Type:          typ,
		Quantity:      parseFloat(o.Qty),
		FilledQty:     parseFloat(o.CumExecQty),
		AvgFillPrice:  parseFloat(o.AvgPrice),
		Price:         parseFloat(o.Price),
		StopPrice:     trigger,
		ReduceOnly:    o.ReduceOnly,
		Status:        bybitOrderStatus(o.OrderStatus),
		CreatedAt:     parseMillis(o.CreatedTime),
		UpdatedAt:     parseMillis(o.UpdatedTime),
	}
}

func (b *Bybit) queryOrders(ctx context.Context, endpoint string, params map[string]interface{}) ([]*Order, error) {
	body, err := b.doRequest(ctx, http.MethodGet, endpoint, params, true, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []bybitOrder `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	orders := make([]*Order, 0, len(resp.Result.List))
	for i := range resp.Result.List {
		orders = append(orders, resp.Result.List[i].normalize())
	}
	return orders, nil
}

func (b *Bybit) GetOrder(ctx context.Context, symbol string, ref OrderRef) (*Order, error) {
	params := map[string]interface{}{
		"category": bybitCategory,
		"symbol":   symbol,
	}
	switch {
	case ref.OrderID != "":
		params["orderId"] = ref.OrderID
	case ref.ClientOrderID != "":
		params["orderLinkId"] = ref.ClientOrderID
	default:
		return nil, ErrMissingOrderRef
	}

	// realtime отдаёт открытые и недавно закрытые ордера, history - остальные
	for _, endpoint := range []string{"/v5/order/realtime", "/v5/order/history"} {
		orders, err := b.queryOrders(ctx, endpoint, params)
		if err != nil {
			return nil, err
		}
		if len(orders) > 0 {
			return orders[0], nil
		}
	}

	return nil, fmt.Errorf("%w: %s %s%s", ErrOrderNotFound, symbol, ref.OrderID, ref.ClientOrderID)
}

func (b *Bybit) GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error) {
	params := map[string]interface{}{
		"category": bybitCategory,
		"openOnly": 0,
		"limit":    50,
	}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = "USDT"
	}

	orders, err := b.queryOrders(ctx, "/v5/order/realtime", params)
	if err != nil {
		return nil, err
	}

	open := orders[:0]
	for _, o := range orders {
		if o.IsOpen() {
			open = append(open, o)
		}
	}
	return open, nil
}

func (b *Bybit) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := map[string]interface{}{
		"category": bybitCategory,
		"symbol":   symbol,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers", params, false, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol    string `json:"symbol"`
				LastPrice string `json:"lastPrice"`
				MarkPrice string `json:"markPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("%w: ticker %s", ErrSymbolNotFound, symbol)
	}

	t := resp.Result.List[0]
	return &Ticker{
		Symbol:    t.Symbol,
		LastPrice: parseFloat(t.LastPrice),
		MarkPrice: parseFloat(t.MarkPrice),
		Timestamp: b.now(),
	}, nil
}

// GetOpenInterest читает openInterest из тикера
func (b *Bybit) GetOpenInterest(ctx context.Context, symbol string) (float64, error) {
	params := map[string]interface{}{
		"category": bybitCategory,
		"symbol":   symbol,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers", params, false, false)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Result struct {
			List []struct {
				OpenInterest string `json:"openInterest"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	if len(resp.Result.List) == 0 {
		return 0, fmt.Errorf("%w: open interest %s", ErrSymbolNotFound, symbol)
	}
	return parseFloat(resp.Result.List[0].OpenInterest), nil
}

func (b *Bybit) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := map[string]interface{}{
		"category": bybitCategory,
		"symbol":   symbol,
		"interval": bybitInterval(interval),
		"limit":    limit,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/kline", params, false, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	// Bybit отдаёт свечи от новых к старым
	klines := make([]Kline, 0, len(resp.Result.List))
	for i := len(resp.Result.List) - 1; i >= 0; i-- {
		row := resp.Result.List[i]
		if len(row) < 6 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime: parseMillis(row[0]),
			Open:     parseFloat(row[1]),
			High:     parseFloat(row[2]),
			Low:      parseFloat(row[3]),
			Close:    parseFloat(row[4]),
			Volume:   parseFloat(row[5]),
		})
	}
	return klines, nil
}

func (b *Bybit) GetExchangeInfo(ctx context.Context) ([]SymbolInfo, error) {
	params := map[string]interface{}{
		"category": bybitCategory,
		"limit":    1000,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", params, false, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				LotSizeFilter struct {
					MinOrderQty      string `json:"minOrderQty"`
					QtyStep          string `json:"qtyStep"`
					MinNotionalValue string `json:"minNotionalValue"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
				LeverageFilter struct {
					MaxLeverage string `json:"maxLeverage"`
				} `json:"leverageFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	infos := make([]SymbolInfo, 0, len(resp.Result.List))
	for _, s := range resp.Result.List {
		minNotional := parseFloat(s.LotSizeFilter.MinNotionalValue)
		if minNotional == 0 {
			minNotional = 5 // Bybit минимум 5 USDT
		}
		infos = append(infos, SymbolInfo{
			Symbol:      s.Symbol,
			TickSize:    parseFloat(s.PriceFilter.TickSize),
			StepSize:    parseFloat(s.LotSizeFilter.QtyStep),
			MinQty:      parseFloat(s.LotSizeFilter.MinOrderQty),
			MinNotional: minNotional,
			MaxLeverage: int(parseFloat(s.LeverageFilter.MaxLeverage)),
		})
	}
	return infos, nil
}

func (b *Bybit) GetTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]Trade, error) {
	params := map[string]interface{}{
		"category": bybitCategory,
		"symbol":   symbol,
		"limit":    clampLimit(limit, 100),
	}
	if !since.IsZero() {
		params["startTime"] = since.UnixMilli()
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/execution/list", params, true, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol      string `json:"symbol"`
				ExecID      string `json:"execId"`
				OrderID     string `json:"orderId"`
				OrderLinkID string `json:"orderLinkId"`
				Side        string `json:"side"`
				ExecPrice   string `json:"execPrice"`
				ExecQty     string `json:"execQty"`
				ExecFee     string `json:"execFee"`
				ExecType    string `json:"execType"`
				ClosedSize  string `json:"closedSize"`
				ExecTime    string `json:"execTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	trades := make([]Trade, 0, len(resp.Result.List))
	for _, e := range resp.Result.List {
		if e.ExecType != "" && e.ExecType != "Trade" {
			continue
		}
		side := strings.ToLower(e.Side)
		closing := parseFloat(e.ClosedSize) > 0
		trades = append(trades, Trade{
			ID:            e.ExecID,
			OrderID:       e.OrderID,
			ClientOrderID: e.OrderLinkID,
			Symbol:        e.Symbol,
			Side:          side,
			PositionSide:  positionSideFromFlow(side, closing),
			Price:         parseFloat(e.ExecPrice),
			Quantity:      parseFloat(e.ExecQty),
			Fee:           parseFloat(e.ExecFee),
			Time:          parseMillis(e.ExecTime),
		})
	}
	return trades, nil
}

// GetIncome для Bybit строится из истории закрытого PNL
func (b *Bybit) GetIncome(ctx context.Context, symbol string, since time.Time, limit int) ([]Income, error) {
	params := map[string]interface{}{
		"category": bybitCategory,
		"limit":    clampLimit(limit, 100),
	}
	if symbol != "" {
		params["symbol"] = symbol
	}
	if !since.IsZero() {
		params["startTime"] = since.UnixMilli()
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/position/closed-pnl", params, true, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol      string `json:"symbol"`
				OrderID     string `json:"orderId"`
				ClosedPnl   string `json:"closedPnl"`
				UpdatedTime string `json:"updatedTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	incomes := make([]Income, 0, len(resp.Result.List))
	for _, r := range resp.Result.List {
		incomes = append(incomes, Income{
			ID:      r.OrderID,
			Symbol:  r.Symbol,
			Type:    IncomeRealizedPNL,
			Amount:  parseFloat(r.ClosedPnl),
			Asset:   "USDT",
			TradeID: r.OrderID,
			Time:    parseMillis(r.UpdatedTime),
		})
	}
	return incomes, nil
}

func (b *Bybit) GetPrecision(ctx context.Context, symbol string) (*SymbolInfo, error) {
	return b.precision.Get(ctx, symbol)
}

func (b *Bybit) GetMinNotional(ctx context.Context, symbol string) (float64, error) {
	info, err := b.precision.Get(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return info.MinNotional, nil
}

// Close - REST-адаптер не держит соединений: Fetcher общий для процесса
func (b *Bybit) Close() error {
	return nil
}

// ============================================================
// Перевод словарей Bybit
// ============================================================

func bybitSide(side string) string {
	if side == SideSell {
		return "Sell"
	}
	return "Buy"
}

func bybitPositionIdx(positionSide string) int {
	if positionSide == SideShort {
		return 2
	}
	return 1
}

// bybitPositionSide восстанавливает сторону позиции по positionIdx,
// а в one-way режиме - по стороне ордера и флагу reduceOnly
func bybitPositionSide(idx int, side string, reduceOnly bool) string {
	switch idx {
	case 1:
		return SideLong
	case 2:
		return SideShort
	}
	return positionSideFromFlow(side, reduceOnly)
}

// bybitTriggerDirection: 1 - срабатывает при росте цены, 2 - при падении
func bybitTriggerDirection(orderType, positionSide string) int {
	rising := (orderType == OrderTypeTakeProfitMarket) == (positionSide != SideShort)
	if rising {
		return 1
	}
	return 2
}

func bybitConditionalType(direction int, positionSide string) string {
	rising := direction == 1
	if rising == (positionSide != SideShort) {
		return OrderTypeTakeProfitMarket
	}
	return OrderTypeStopMarket
}

func bybitOrderStatus(status string) string {
	switch status {
	case "New", "Untriggered", "Triggered", "Created":
		return OrderStatusNew
	case "PartiallyFilled":
		return OrderStatusPartial
	case "Filled":
		return OrderStatusFilled
	case "Rejected":
		return OrderStatusRejected
	case "Cancelled", "Deactivated", "PartiallyFilledCanceled":
		return OrderStatusCancelled
	}
	return strings.ToLower(status)
}

// bybitInterval переводит интервал свечей "1m"/"1h"/"1d" в формат Bybit
func bybitInterval(interval string) string {
	switch interval {
	case "1m":
		return "1"
	case "3m":
		return "3"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "30m":
		return "30"
	case "1h":
		return "60"
	case "4h":
		return "240"
	case "1d":
		return "D"
	}
	return interval
}

// ============================================================
// Общие помощники
// ============================================================

// positionSideFromFlow - сторона позиции по стороне ордера и признаку закрытия
func positionSideFromFlow(orderSide string, closing bool) string {
	opensLong := orderSide == SideBuy
	if closing {
		opensLong = !opensLong
	}
	if opensLong {
		return SideLong
	}
	return SideShort
}

func newOrderFromParams(p *OrderParams, orderID string, now time.Time) *Order {
	return &Order{
		ID:            orderID,
		ClientOrderID: p.ClientOrderID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		PositionSide:  p.PositionSide,
		Type:          p.Type,
		Quantity:      p.Quantity,
		Price:         p.Price,
		StopPrice:     p.StopPrice,
		ReduceOnly:    p.ReduceOnly,
		Status:        OrderStatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
