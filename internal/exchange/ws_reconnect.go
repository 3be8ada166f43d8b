package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"liqbot/pkg/retry"
	"liqbot/pkg/utils"
)

// WSReconnectConfig конфигурация переподключения WebSocket
type WSReconnectConfig struct {
	// Начальная задержка перед переподключением
	BaseDelay time.Duration
	// Максимальная задержка (после exponential backoff)
	MaxDelay time.Duration
	// Максимальное количество попыток подряд (0 = бесконечно)
	MaxAttempts int
	// Запас сверх окончания бана перед попыткой подключения
	BanMargin time.Duration
	// Таймаут подключения
	ConnectTimeout time.Duration
	// Интервал ping для проверки соединения
	PingInterval time.Duration
	// Таймаут ожидания pong
	PongTimeout time.Duration
	// Интервал продления listen key (0 - не требуется)
	KeepAliveInterval time.Duration
	// Ёмкость буфера событий
	EventBuffer int
}

// DefaultWSReconnectConfig возвращает конфигурацию по умолчанию: 5s, 10s, 20s ... 5m
func DefaultWSReconnectConfig() WSReconnectConfig {
	return WSReconnectConfig{
		BaseDelay:         5 * time.Second,
		MaxDelay:          5 * time.Minute,
		MaxAttempts:       20,
		BanMargin:         5 * time.Second,
		ConnectTimeout:    10 * time.Second,
		PingInterval:      30 * time.Second,
		PongTimeout:       10 * time.Second,
		KeepAliveInterval: 30 * time.Minute,
		EventBuffer:       DefaultStreamBuffer,
	}
}

func (c *WSReconnectConfig) withDefaults() WSReconnectConfig {
	def := DefaultWSReconnectConfig()
	out := *c
	if out.BaseDelay <= 0 {
		out.BaseDelay = def.BaseDelay
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = def.MaxDelay
	}
	if out.BanMargin <= 0 {
		out.BanMargin = def.BanMargin
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = def.ConnectTimeout
	}
	if out.PingInterval <= 0 {
		out.PingInterval = def.PingInterval
	}
	if out.PongTimeout <= 0 {
		out.PongTimeout = def.PongTimeout
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = def.EventBuffer
	}
	return out
}

// ReconnectDelay - задержка перед попыткой attempt (с 1): base × 2^(attempt-1), не больше max
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Ошибки менеджера переподключений
var (
	ErrStreamRunning    = errors.New("stream already running")
	ErrStreamNotRunning = errors.New("stream not running")
	ErrReconnectGaveUp  = errors.New("reconnect attempts exhausted")
	ErrNotConnected     = errors.New("stream not connected")
	errManualReconnect  = errors.New("manual reconnect")
	errKeepAliveFailed  = errors.New("keepalive failed")
)

// WSReconnectManager управляет WebSocket соединением с автоматическим переподключением
//
// Функции:
//   - переподключение с exponential backoff и ограничением числа попыток
//   - ожидание окончания бана без увеличения счётчика попыток
//   - повторная аутентификация и подписка после переподключения
//   - ping/pong для проверки живости соединения
//   - продление listen key на отдельном таймере
//
// Disconnect отменяет запланированное переподключение и все таймеры.
type WSReconnectManager struct {
	name   string
	config WSReconnectConfig
	log    *utils.Logger

	// URL вычисляется на каждое подключение (listen key может смениться)
	urlFunc   func(ctx context.Context) (string, error)
	authFunc  func(conn *websocket.Conn) error
	keepAlive func(ctx context.Context) error
	banSource func() time.Time

	onMessage    func([]byte)
	onConnect    func(reconnected bool)
	onDisconnect func(error)
	onFatal      func(error)

	// conn и gen защищены connMu; он же сериализует запись в сокет
	connMu sync.Mutex
	conn   *websocket.Conn
	gen    uint64

	state    int32 // atomic StreamState
	attempts int32 // atomic, попытки подряд без успеха

	runMu     sync.Mutex
	runCtx    context.Context
	runCancel context.CancelFunc

	subscriptionsMu sync.RWMutex
	subscriptions   []interface{}

	now func() time.Time
}

// NewWSReconnectManager создаёт новый менеджер переподключений
func NewWSReconnectManager(name string, urlFunc func(ctx context.Context) (string, error), config WSReconnectConfig, log *utils.Logger) *WSReconnectManager {
	if log == nil {
		log = utils.L()
	}
	return &WSReconnectManager{
		name:    name,
		config:  config.withDefaults(),
		log:     log.WithComponent("ws").With(utils.String("stream", name)),
		urlFunc: urlFunc,
		now:     time.Now,
	}
}

// StaticURL - urlFunc для потоков с постоянным адресом
func StaticURL(u string) func(ctx context.Context) (string, error) {
	return func(context.Context) (string, error) { return u, nil }
}

// SetAuthFunc устанавливает функцию аутентификации для приватных каналов.
// Вызывается до запуска чтения, поэтому может читать ответ из conn.
func (m *WSReconnectManager) SetAuthFunc(authFunc func(*websocket.Conn) error) {
	m.authFunc = authFunc
}

// SetKeepAlive устанавливает функцию продления (listen key)
func (m *WSReconnectManager) SetKeepAlive(fn func(ctx context.Context) error) {
	m.keepAlive = fn
}

// SetBanSource устанавливает источник времени окончания бана (обычно Fetcher.BannedUntil)
func (m *WSReconnectManager) SetBanSource(fn func() time.Time) {
	m.banSource = fn
}

// SetOnMessage устанавливает callback для входящих сообщений
func (m *WSReconnectManager) SetOnMessage(handler func([]byte)) {
	m.onMessage = handler
}

// SetOnConnect устанавливает callback успешного подключения
func (m *WSReconnectManager) SetOnConnect(handler func(reconnected bool)) {
	m.onConnect = handler
}

// SetOnDisconnect устанавливает callback для события отключения
func (m *WSReconnectManager) SetOnDisconnect(handler func(error)) {
	m.onDisconnect = handler
}

// SetOnFatal устанавливает callback исчерпания попыток переподключения
func (m *WSReconnectManager) SetOnFatal(handler func(error)) {
	m.onFatal = handler
}

// AddSubscription добавляет подписку для восстановления после переподключения
func (m *WSReconnectManager) AddSubscription(sub interface{}) {
	m.subscriptionsMu.Lock()
	m.subscriptions = append(m.subscriptions, sub)
	m.subscriptionsMu.Unlock()
}

// GetState возвращает текущее состояние соединения
func (m *WSReconnectManager) GetState() StreamState {
	return StreamState(atomic.LoadInt32(&m.state))
}

func (m *WSReconnectManager) setState(s StreamState) {
	atomic.StoreInt32(&m.state, int32(s))
}

// GetAttempts возвращает количество неудачных попыток подряд
func (m *WSReconnectManager) GetAttempts() int {
	return int(atomic.LoadInt32(&m.attempts))
}

// Connect устанавливает соединение.
// При неудаче переподключение уже запланировано; остановить его можно через Disconnect.
func (m *WSReconnectManager) Connect(ctx context.Context) error {
	m.runMu.Lock()
	if m.runCancel != nil {
		m.runMu.Unlock()
		return ErrStreamRunning
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.runCtx, m.runCancel = runCtx, cancel
	m.runMu.Unlock()

	if m.keepAlive != nil && m.config.KeepAliveInterval > 0 {
		go m.keepAliveLoop(runCtx)
	}

	if err := m.connectOnce(ctx, runCtx, false); err != nil {
		m.setState(StreamDisconnected)
		go m.reconnectLoop(runCtx, err)
		return err
	}
	return nil
}

// connectOnce проходит Connecting → Authenticating → Subscribed → Connected
func (m *WSReconnectManager) connectOnce(ctx, runCtx context.Context, reconnected bool) error {
	m.setState(StreamConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	defer cancel()

	u, err := m.urlFunc(dialCtx)
	if err != nil {
		return fmt.Errorf("resolve url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: m.config.ConnectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, u, nil)
	if err != nil {
		return fmt.Errorf("dial error: %w", err)
	}

	if m.authFunc != nil {
		m.setState(StreamAuthenticating)
		conn.SetReadDeadline(time.Now().Add(m.config.ConnectTimeout))
		if err := m.authFunc(conn); err != nil {
			conn.Close()
			return fmt.Errorf("auth error: %w", err)
		}
		conn.SetReadDeadline(time.Time{})
	}

	if err := m.resubscribe(conn); err != nil {
		conn.Close()
		return err
	}
	m.setState(StreamSubscribed)

	m.connMu.Lock()
	if runCtx.Err() != nil {
		m.connMu.Unlock()
		conn.Close()
		return runCtx.Err()
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.connMu.Unlock()

	m.setState(StreamConnected)
	atomic.StoreInt32(&m.attempts, 0)

	go m.readPump(runCtx, conn, gen)
	go m.pingPump(runCtx, conn, gen)

	if m.onConnect != nil {
		m.onConnect(reconnected)
	}
	m.log.Info("websocket connected", utils.Bool("reconnected", reconnected))
	return nil
}

// resubscribe восстанавливает подписки после переподключения
func (m *WSReconnectManager) resubscribe(conn *websocket.Conn) error {
	m.subscriptionsMu.RLock()
	subs := make([]interface{}, len(m.subscriptions))
	copy(subs, m.subscriptions)
	m.subscriptionsMu.RUnlock()

	for _, sub := range subs {
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("resubscribe error: %w", err)
		}
	}
	return nil
}

// readPump читает сообщения из WebSocket
func (m *WSReconnectManager) readPump(runCtx context.Context, conn *websocket.Conn, gen uint64) {
	deadline := m.config.PingInterval + m.config.PongTimeout
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(runCtx, gen, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(deadline))

		if m.onMessage != nil {
			m.onMessage(message)
		}
	}
}

// pingPump отправляет ping для проверки соединения
func (m *WSReconnectManager) pingPump(runCtx context.Context, conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			m.connMu.Lock()
			if m.gen != gen || m.conn == nil {
				m.connMu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(m.config.PongTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.connMu.Unlock()

			if err != nil {
				m.handleDisconnect(runCtx, gen, err)
				return
			}
		}
	}
}

// dropConn закрывает соединение поколения gen; false - оно уже было закрыто
func (m *WSReconnectManager) dropConn(gen uint64) bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.gen != gen || m.conn == nil {
		return false
	}
	m.conn.Close()
	m.conn = nil
	return true
}

// handleDisconnect обрабатывает разрыв соединения поколения gen
func (m *WSReconnectManager) handleDisconnect(runCtx context.Context, gen uint64, err error) {
	if !m.dropConn(gen) {
		return
	}
	m.setState(StreamDisconnected)

	if runCtx.Err() != nil {
		return
	}

	m.log.Warn("websocket disconnected", utils.Err(err))
	if m.onDisconnect != nil {
		m.onDisconnect(err)
	}

	go m.reconnectLoop(runCtx, err)
}

// nextDelay возвращает задержку перед следующей попыткой.
// counted=false - ожидание окончания бана, счётчик попыток не растёт.
func (m *WSReconnectManager) nextDelay(cause error) (delay time.Duration, counted bool) {
	now := m.now()

	var until time.Time
	if m.banSource != nil {
		until = m.banSource()
	}
	if exp, ok := BanExpiry(cause, now); ok && exp.After(until) {
		until = exp
	}
	if until.After(now) {
		return until.Sub(now) + m.config.BanMargin, false
	}

	attempt := int(atomic.AddInt32(&m.attempts, 1))
	return ReconnectDelay(attempt, m.config.BaseDelay, m.config.MaxDelay), true
}

// reconnectLoop выполняет переподключение с exponential backoff
func (m *WSReconnectManager) reconnectLoop(runCtx context.Context, cause error) {
	for {
		delay, counted := m.nextDelay(cause)
		attempt := m.GetAttempts()

		if counted && m.config.MaxAttempts > 0 && attempt > m.config.MaxAttempts {
			m.log.Error("max reconnect attempts reached", utils.Int("attempts", m.config.MaxAttempts))
			m.setState(StreamDisconnected)
			if m.onFatal != nil {
				m.onFatal(fmt.Errorf("%w: %v", ErrReconnectGaveUp, cause))
			}
			return
		}

		if counted {
			m.log.Info("reconnecting", utils.Dur("delay", delay), utils.Int("attempt", attempt))
		} else {
			m.log.Warn("waiting for ban to expire", utils.Dur("delay", delay))
		}

		timer := time.NewTimer(delay)
		select {
		case <-runCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := m.connectOnce(runCtx, runCtx, true); err != nil {
			m.setState(StreamDisconnected)
			if runCtx.Err() != nil {
				return
			}
			m.log.Warn("reconnect failed", utils.Err(err))
			cause = err
			continue
		}
		return
	}
}

// keepAliveLoop продлевает listen key; при неудаче соединение пересоздаётся
func (m *WSReconnectManager) keepAliveLoop(runCtx context.Context) {
	ticker := time.NewTicker(m.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			err := retry.Do(runCtx, func() error {
				return m.keepAlive(runCtx)
			}, retry.KeepAliveConfig())
			if err == nil {
				continue
			}
			if runCtx.Err() != nil {
				return
			}
			m.log.Warn("keepalive failed, recreating connection", utils.Err(err))
			m.connMu.Lock()
			gen := m.gen
			m.connMu.Unlock()
			m.handleDisconnect(runCtx, gen, fmt.Errorf("%w: %v", errKeepAliveFailed, err))
		}
	}
}

// Reconnect закрывает текущее соединение и подключается заново без задержки
func (m *WSReconnectManager) Reconnect() error {
	m.runMu.Lock()
	runCtx := m.runCtx
	running := m.runCancel != nil
	m.runMu.Unlock()
	if !running {
		return ErrStreamNotRunning
	}

	m.connMu.Lock()
	gen := m.gen
	m.connMu.Unlock()
	m.dropConn(gen)
	m.setState(StreamDisconnected)
	atomic.StoreInt32(&m.attempts, 0)

	if err := m.connectOnce(runCtx, runCtx, true); err != nil {
		m.setState(StreamDisconnected)
		go m.reconnectLoop(runCtx, fmt.Errorf("%w: %v", errManualReconnect, err))
		return err
	}
	return nil
}

// Send отправляет сообщение через WebSocket
func (m *WSReconnectManager) Send(msg interface{}) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.conn == nil || m.GetState() != StreamConnected {
		return fmt.Errorf("%w (state: %s)", ErrNotConnected, m.GetState())
	}
	m.conn.SetWriteDeadline(time.Now().Add(m.config.PongTimeout))
	return m.conn.WriteJSON(msg)
}

// Disconnect закрывает соединение и отменяет переподключение и таймеры
func (m *WSReconnectManager) Disconnect() error {
	m.runMu.Lock()
	cancel := m.runCancel
	m.runCtx, m.runCancel = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	m.connMu.Lock()
	var err error
	if m.conn != nil {
		m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = m.conn.Close()
		m.conn = nil
	}
	m.gen++
	m.connMu.Unlock()

	m.setState(StreamDisconnected)
	atomic.StoreInt32(&m.attempts, 0)
	return err
}
