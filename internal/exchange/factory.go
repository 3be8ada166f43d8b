package exchange

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"liqbot/pkg/crypto"
	"liqbot/pkg/ratelimit"
	"liqbot/pkg/utils"
)

// SupportedExchanges - список поддерживаемых бирж
var SupportedExchanges = []string{
	"binance",
	"bybit",
}

// Options - параметры создания адаптера и потока
type Options struct {
	BaseURL      string             // переопределение REST URL (тесты, testnet)
	StreamURL    string             // переопределение WebSocket URL
	Testnet      bool               // использовать testnet
	OneWayMode   bool               // аккаунт в one-way режиме (по умолчанию hedge)
	Fetcher      *ratelimit.Fetcher // nil - ratelimit.Default()
	PrecisionTTL time.Duration      // TTL кэша торговых правил
	Stream       WSReconnectConfig  // параметры переподключения потока
	Logger       *utils.Logger
}

func (o Options) fetcher() *ratelimit.Fetcher {
	if o.Fetcher != nil {
		return o.Fetcher
	}
	return ratelimit.Default()
}

func (o Options) logger(exchangeName, component string) *utils.Logger {
	l := o.Logger
	if l == nil {
		l = utils.L()
	}
	return l.WithExchange(exchangeName).WithComponent(component)
}

// NewExchange создает новый экземпляр адаптера по имени
func NewExchange(name string, creds crypto.Credentials, opts Options) (Exchange, error) {
	switch strings.ToLower(name) {
	case "bybit":
		return NewBybit(creds, opts), nil
	case "binance":
		return NewBinance(creds, opts), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, name)
	}
}

// NewStream создает приватный поток пользовательских данных по имени биржи
func NewStream(name string, creds crypto.Credentials, opts Options) (Stream, error) {
	switch strings.ToLower(name) {
	case "bybit":
		return NewBybitStream(creds, opts), nil
	case "binance":
		return NewBinanceStream(creds, opts), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, name)
	}
}

// IsSupported проверяет, поддерживается ли биржа
func IsSupported(name string) bool {
	name = strings.ToLower(name)
	for _, supported := range SupportedExchanges {
		if name == supported {
			return true
		}
	}
	return false
}

type registryKey struct {
	strategyID int
	exchange   string
}

// Registry хранит адаптеры и потоки по ключу (стратегия, биржа).
// Повторный запрос по тому же ключу возвращает существующий экземпляр.
type Registry struct {
	opts Options

	mu       sync.Mutex
	adapters map[registryKey]Exchange
	streams  map[registryKey]Stream

	newExchange func(name string, creds crypto.Credentials, opts Options) (Exchange, error)
	newStream   func(name string, creds crypto.Credentials, opts Options) (Stream, error)
}

// NewRegistry создаёт реестр с общими параметрами
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:        opts,
		adapters:    make(map[registryKey]Exchange),
		streams:     make(map[registryKey]Stream),
		newExchange: NewExchange,
		newStream:   NewStream,
	}
}

// Exchange возвращает адаптер стратегии, создавая его при первом обращении
func (r *Registry) Exchange(strategyID int, name string, creds crypto.Credentials) (Exchange, error) {
	key := registryKey{strategyID: strategyID, exchange: strings.ToLower(name)}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ex, ok := r.adapters[key]; ok {
		return ex, nil
	}
	ex, err := r.newExchange(key.exchange, creds, r.opts)
	if err != nil {
		return nil, err
	}
	r.adapters[key] = ex
	return ex, nil
}

// Stream возвращает поток стратегии, создавая его при первом обращении
func (r *Registry) Stream(strategyID int, name string, creds crypto.Credentials) (Stream, error) {
	key := registryKey{strategyID: strategyID, exchange: strings.ToLower(name)}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.streams[key]; ok {
		return s, nil
	}
	s, err := r.newStream(key.exchange, creds, r.opts)
	if err != nil {
		return nil, err
	}
	r.streams[key] = s
	return s, nil
}

// Release закрывает и удаляет адаптер и поток стратегии
func (r *Registry) Release(strategyID int, name string) {
	key := registryKey{strategyID: strategyID, exchange: strings.ToLower(name)}

	r.mu.Lock()
	ex := r.adapters[key]
	s := r.streams[key]
	delete(r.adapters, key)
	delete(r.streams, key)
	r.mu.Unlock()

	if s != nil {
		s.Disconnect()
	}
	if ex != nil {
		ex.Close()
	}
}

// CloseAll закрывает все адаптеры и потоки
func (r *Registry) CloseAll() {
	r.mu.Lock()
	keys := make([]registryKey, 0, len(r.adapters)+len(r.streams))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	for k := range r.streams {
		if _, ok := r.adapters[k]; !ok {
			keys = append(keys, k)
		}
	}
	r.mu.Unlock()

	for _, k := range keys {
		r.Release(k.strategyID, k.exchange)
	}
}
