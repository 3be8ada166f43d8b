package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"liqbot/pkg/utils"
)

// ============================================================
// Backoff
// ============================================================

func TestReconnectDelay(t *testing.T) {
	base, max := 5*time.Second, 5*time.Minute

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{7, 5 * time.Minute},
		{50, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := ReconnectDelay(tt.attempt, base, max); got != tt.want {
			t.Errorf("ReconnectDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestReconnectDelay_NonDecreasing(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 100; attempt++ {
		d := ReconnectDelay(attempt, 5*time.Second, 5*time.Minute)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > 5*time.Minute {
			t.Fatalf("delay above cap at attempt %d: %v", attempt, d)
		}
		prev = d
	}
}

func TestNextDelay_BanDoesNotCountAttempt(t *testing.T) {
	m := NewWSReconnectManager("test", StaticURL("ws://unused"), DefaultWSReconnectConfig(), utils.NewNopLogger())
	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }

	bannedUntil := now.Add(90 * time.Second)
	m.SetBanSource(func() time.Time { return bannedUntil })

	delay, counted := m.nextDelay(errors.New("read: connection reset"))
	if counted {
		t.Error("ban wait must not count as an attempt")
	}
	if want := 90*time.Second + m.config.BanMargin; delay != want {
		t.Errorf("delay = %v, want %v", delay, want)
	}
	if m.GetAttempts() != 0 {
		t.Errorf("attempts = %d, want 0", m.GetAttempts())
	}

	bannedUntil = time.Time{}
	delay, counted = m.nextDelay(errors.New("dial error"))
	if !counted || delay != m.config.BaseDelay {
		t.Errorf("after ban: delay=%v counted=%v", delay, counted)
	}
	delay, _ = m.nextDelay(errors.New("dial error"))
	if delay != 2*m.config.BaseDelay {
		t.Errorf("second attempt delay = %v", delay)
	}
}

func TestNextDelay_BanFromCause(t *testing.T) {
	m := NewWSReconnectManager("test", StaticURL("ws://unused"), DefaultWSReconnectConfig(), utils.NewNopLogger())
	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }

	cause := &ExchangeError{Exchange: "binance", HTTPStatus: http.StatusTeapot, RetryAfter: 2 * time.Minute}
	delay, counted := m.nextDelay(cause)
	if counted {
		t.Error("ban from cause must not count as an attempt")
	}
	if delay < 2*time.Minute {
		t.Errorf("delay %v shorter than ban", delay)
	}
}

// ============================================================
// Соединение
// ============================================================

type wsTestServer struct {
	*httptest.Server
	connects int32

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSTestServer(t *testing.T, onConn func(c *websocket.Conn)) *wsTestServer {
	t.Helper()
	s := &wsTestServer{}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(&s.connects, 1)
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		if onConn != nil {
			onConn(c)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsTestServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func fastReconnectConfig() WSReconnectConfig {
	return WSReconnectConfig{
		BaseDelay:      10 * time.Millisecond,
		MaxDelay:       50 * time.Millisecond,
		MaxAttempts:    5,
		ConnectTimeout: time.Second,
		PingInterval:   time.Second,
		PongTimeout:    time.Second,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWSReconnectManager_ResubscribesAfterDrop(t *testing.T) {
	subs := make(chan string, 10)
	srv := newWSTestServer(t, func(c *websocket.Conn) {
		go func() {
			for {
				_, msg, err := c.ReadMessage()
				if err != nil {
					return
				}
				subs <- string(msg)
			}
		}()
	})

	m := NewWSReconnectManager("test", StaticURL(srv.url()), fastReconnectConfig(), utils.NewNopLogger())
	m.AddSubscription(map[string]string{"op": "subscribe"})

	var reconnects int32
	m.SetOnConnect(func(reconnected bool) {
		if reconnected {
			atomic.AddInt32(&reconnects, 1)
		}
	})
	disconnected := make(chan error, 1)
	m.SetOnDisconnect(func(err error) {
		select {
		case disconnected <- err:
		default:
		}
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Disconnect()

	if m.GetState() != StreamConnected {
		t.Fatalf("state = %s", m.GetState())
	}
	if got := <-subs; !strings.Contains(got, "subscribe") {
		t.Errorf("first subscription = %s", got)
	}

	srv.dropAll()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&reconnects) == 1 })

	select {
	case got := <-subs:
		if !strings.Contains(got, "subscribe") {
			t.Errorf("resubscription = %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not restored")
	}
	if m.GetAttempts() != 0 {
		t.Errorf("attempts must reset after success, got %d", m.GetAttempts())
	}
}

func TestWSReconnectManager_DisconnectAbortsPendingReconnect(t *testing.T) {
	srv := newWSTestServer(t, nil)

	cfg := fastReconnectConfig()
	cfg.BaseDelay = 200 * time.Millisecond
	m := NewWSReconnectManager("test", StaticURL(srv.url()), cfg, utils.NewNopLogger())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv.dropAll()
	waitFor(t, 2*time.Second, func() bool { return m.GetState() == StreamDisconnected })

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	before := atomic.LoadInt32(&srv.connects)
	time.Sleep(400 * time.Millisecond)

	if after := atomic.LoadInt32(&srv.connects); after != before {
		t.Errorf("reconnected after Disconnect: %d -> %d", before, after)
	}
	if m.GetState() != StreamDisconnected {
		t.Errorf("state = %s", m.GetState())
	}
}

func TestWSReconnectManager_GivesUpAfterMaxAttempts(t *testing.T) {
	cfg := fastReconnectConfig()
	cfg.MaxAttempts = 2
	cfg.ConnectTimeout = 100 * time.Millisecond

	m := NewWSReconnectManager("test", StaticURL("ws://127.0.0.1:1/closed"), cfg, utils.NewNopLogger())
	fatal := make(chan error, 1)
	m.SetOnFatal(func(err error) { fatal <- err })

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	defer m.Disconnect()

	select {
	case err := <-fatal:
		if !errors.Is(err, ErrReconnectGaveUp) {
			t.Errorf("fatal error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not give up")
	}
}

func TestWSReconnectManager_ConnectTwice(t *testing.T) {
	srv := newWSTestServer(t, nil)
	m := NewWSReconnectManager("test", StaticURL(srv.url()), fastReconnectConfig(), utils.NewNopLogger())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()
	if err := m.Connect(context.Background()); !errors.Is(err, ErrStreamRunning) {
		t.Errorf("second Connect = %v", err)
	}
}
