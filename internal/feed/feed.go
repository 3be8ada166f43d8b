package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"liqbot/internal/exchange"
	"liqbot/internal/models"
	"liqbot/pkg/utils"
)

const (
	// BinanceForceOrderURL - общий поток принудительных ордеров USDⓈ-M фьючерсов
	BinanceForceOrderURL = "wss://fstream.binance.com/ws/!forceOrder@arr"

	DefaultBuffer          = 1024
	DefaultRetention       = 24 * time.Hour
	DefaultCleanupInterval = time.Hour
	DefaultSaveTimeout     = 3 * time.Second
)

// streamJSON различает регистр: в событии одновременно есть "s" и "S"
var streamJSON = jsoniter.Config{
	EscapeHTML:    false,
	CaseSensitive: true,
}.Froze()

// Store - хранилище окна ликвидаций
type Store interface {
	Save(ctx context.Context, l *models.Liquidation) (bool, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Config - параметры ленты
type Config struct {
	URL             string
	Buffer          int           // ёмкость каждой из очередей
	Retention       time.Duration // сколько хранить события в БД
	CleanupInterval time.Duration
	SaveTimeout     time.Duration
	Stream          exchange.WSReconnectConfig
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = BinanceForceOrderURL
	}
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = DefaultSaveTimeout
	}
	return c
}

// Feed - лента ликвидаций.
//
// Сокет → incoming (drop-oldest) → сохранение в окно → Out (drop-oldest).
// Событие, уже сохранённое ранее (повтор после переподключения), дальше не идёт.
// Чтение сокета никогда не ждёт медленного потребителя.
type Feed struct {
	cfg     Config
	store   Store
	manager *exchange.WSReconnectManager
	log     *utils.Logger
	notify  func(*models.Notification)

	filterMu sync.RWMutex
	filter   map[string]bool // nil - все символы

	incoming chan *models.Liquidation
	out      chan *models.Liquidation

	wg  sync.WaitGroup
	now func() time.Time
}

// New создаёт ленту. store может быть nil - тогда события не сохраняются.
func New(cfg Config, store Store, log *utils.Logger) *Feed {
	cfg = cfg.withDefaults()
	if log == nil {
		log = utils.L()
	}
	log = log.WithComponent("feed")

	f := &Feed{
		cfg:      cfg,
		store:    store,
		log:      log,
		incoming: make(chan *models.Liquidation, cfg.Buffer),
		out:      make(chan *models.Liquidation, cfg.Buffer),
		now:      time.Now,
	}

	f.manager = exchange.NewWSReconnectManager("liquidations", exchange.StaticURL(cfg.URL), cfg.Stream, log)
	f.manager.SetOnMessage(f.handleMessage)
	f.manager.SetOnConnect(f.onConnect)
	f.manager.SetOnDisconnect(f.onDisconnect)
	f.manager.SetOnFatal(f.onFatal)
	return f
}

// SetNotifier задаёт получателя событий STREAM
func (f *Feed) SetNotifier(fn func(*models.Notification)) {
	f.notify = fn
}

// SetSymbols ограничивает ленту символами. Пустой список - все символы.
func (f *Feed) SetSymbols(symbols []string) {
	var filter map[string]bool
	if len(symbols) > 0 {
		filter = make(map[string]bool, len(symbols))
		for _, s := range symbols {
			filter[strings.ToUpper(s)] = true
		}
	}
	f.filterMu.Lock()
	f.filter = filter
	f.filterMu.Unlock()
}

func (f *Feed) accepts(symbol string) bool {
	f.filterMu.RLock()
	defer f.filterMu.RUnlock()
	return f.filter == nil || f.filter[symbol]
}

// Out - канал нормализованных ликвидаций для движка
func (f *Feed) Out() <-chan *models.Liquidation {
	return f.out
}

// State - состояние соединения
func (f *Feed) State() exchange.StreamState {
	return f.manager.GetState()
}

// Run подключается к потоку и работает до отмены ctx
func (f *Feed) Run(ctx context.Context) error {
	f.wg.Add(2)
	go f.persistLoop(ctx)
	go f.cleanupLoop(ctx)

	if err := f.manager.Connect(ctx); err != nil {
		// переподключение уже запланировано менеджером
		f.log.Warn("liquidation stream connect failed", utils.Err(err))
	}

	<-ctx.Done()
	if err := f.manager.Disconnect(); err != nil {
		f.log.Debug("liquidation stream close failed", utils.Err(err))
	}
	f.wg.Wait()
	return ctx.Err()
}

// forceOrderEvent - событие !forceOrder@arr
type forceOrderEvent struct {
	Event string `json:"e"`
	Time  int64  `json:"E"`
	Order struct {
		Symbol    string `json:"s"`
		Side      string `json:"S"`
		Quantity  string `json:"q"`
		Price     string `json:"p"`
		AvgPrice  string `json:"ap"`
		FilledQty string `json:"z"`
		TradeTime int64  `json:"T"`
	} `json:"o"`
}

var errNotLiquidation = errors.New("not a liquidation event")

// ParseForceOrder нормализует событие принудительного ордера.
//
// Принудительная продажа (S=SELL) - ликвидация длинных позиций, падение цены:
// сторона ликвидации short, входим против движения в long. Покупка - наоборот.
// У Binance нет id события, поэтому id строится из символа, времени и объёма.
func ParseForceOrder(data []byte) (*models.Liquidation, error) {
	var ev forceOrderEvent
	if err := streamJSON.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if ev.Event != "forceOrder" {
		return nil, errNotLiquidation
	}

	o := ev.Order
	price := parseFloat(o.AvgPrice)
	if price <= 0 {
		price = parseFloat(o.Price)
	}
	qty := parseFloat(o.FilledQty)
	if qty <= 0 {
		qty = parseFloat(o.Quantity)
	}
	if o.Symbol == "" || price <= 0 || qty <= 0 {
		return nil, fmt.Errorf("invalid force order %s: price=%v qty=%v", o.Symbol, price, qty)
	}

	var side string
	switch strings.ToUpper(o.Side) {
	case "SELL":
		side = models.SideShort
	case "BUY":
		side = models.SideLong
	default:
		return nil, fmt.Errorf("unknown force order side %q", o.Side)
	}

	ts := o.TradeTime
	if ts == 0 {
		ts = ev.Time
	}

	return &models.Liquidation{
		ID:        fmt.Sprintf("%s-%s-%d-%s", o.Symbol, strings.ToLower(o.Side), ts, strconv.FormatFloat(qty, 'f', -1, 64)),
		Symbol:    o.Symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Value:     qty * price,
		Timestamp: time.UnixMilli(ts),
	}, nil
}

func (f *Feed) handleMessage(data []byte) {
	liq, err := ParseForceOrder(data)
	if err != nil {
		if !errors.Is(err, errNotLiquidation) {
			f.log.Debug("failed to parse liquidation", utils.Err(err))
			LiquidationsReceived.WithLabelValues("invalid").Inc()
		}
		return
	}
	if !f.accepts(liq.Symbol) {
		return
	}
	LiquidationsReceived.WithLabelValues("accepted").Inc()
	pushDropOldest(f.incoming, liq, "incoming")
}

// persistLoop сохраняет события в окно и передаёт новые движку
func (f *Feed) persistLoop(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case liq := <-f.incoming:
			if !f.persist(ctx, liq) {
				continue
			}
			pushDropOldest(f.out, liq, "out")
		}
	}
}

// persist возвращает false для уже известного события.
// Ошибка БД не останавливает торговлю: событие всё равно передаётся дальше.
func (f *Feed) persist(ctx context.Context, liq *models.Liquidation) bool {
	if f.store == nil {
		return true
	}
	saveCtx, cancel := context.WithTimeout(ctx, f.cfg.SaveTimeout)
	defer cancel()

	saved, err := f.store.Save(saveCtx, liq)
	if err != nil {
		f.log.Warn("failed to persist liquidation",
			utils.LiquidationID(liq.ID), utils.Symbol(liq.Symbol), utils.Err(err))
		return true
	}
	if !saved {
		LiquidationsReceived.WithLabelValues("duplicate").Inc()
	}
	return saved
}

func (f *Feed) cleanupLoop(ctx context.Context) {
	defer f.wg.Done()
	if f.store == nil {
		return
	}
	ticker := time.NewTicker(f.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Cleanup(ctx)
		}
	}
}

// Cleanup удаляет события старше окна хранения
func (f *Feed) Cleanup(ctx context.Context) {
	if f.store == nil {
		return
	}
	n, err := f.store.DeleteOlderThan(ctx, f.now().Add(-f.cfg.Retention))
	if err != nil {
		f.log.Warn("liquidation cleanup failed", utils.Err(err))
		return
	}
	if n > 0 {
		f.log.Debug("old liquidations removed", utils.Int64("count", n))
	}
}

func (f *Feed) onConnect(reconnected bool) {
	StreamConnected.Set(1)
	if reconnected {
		f.log.Info("liquidation stream reconnected")
		f.emit(models.SeverityInfo, "liquidation stream reconnected")
		return
	}
	f.log.Info("liquidation stream connected", utils.String("url", f.cfg.URL))
}

func (f *Feed) onDisconnect(err error) {
	StreamConnected.Set(0)
	f.log.Warn("liquidation stream disconnected", utils.Err(err))
	f.emit(models.SeverityWarn, "liquidation stream disconnected: "+errString(err))
}

func (f *Feed) onFatal(err error) {
	StreamConnected.Set(0)
	f.log.Error("liquidation stream gave up reconnecting", utils.Err(err))
	f.emit(models.SeverityError, "liquidation stream stopped: "+errString(err))
}

func (f *Feed) emit(severity, msg string) {
	if f.notify == nil {
		return
	}
	f.notify(&models.Notification{
		Timestamp: f.now(),
		Type:      models.NotificationTypeStream,
		Severity:  severity,
		Message:   msg,
		Meta:      map[string]interface{}{"stream": "liquidations"},
	})
}

// pushDropOldest кладёт событие в канал, при переполнении вытесняя самое старое
func pushDropOldest(ch chan *models.Liquidation, liq *models.Liquidation, queue string) {
	select {
	case ch <- liq:
		return
	default:
	}

	BufferOverflows.WithLabelValues(queue).Inc()
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- liq:
	default:
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
