package service

import (
	"context"
	"sync"
	"time"

	"liqbot/internal/bot"
	"liqbot/internal/models"
	"liqbot/internal/repository"
)

// ============ Mock StrategyRepository ============

type MockStrategyRepository struct {
	mu         sync.Mutex
	strategies map[int]*models.Strategy
	nextID     int
	createErr  error
	setErr     error
}

func NewMockStrategyRepository() *MockStrategyRepository {
	return &MockStrategyRepository{strategies: make(map[int]*models.Strategy), nextID: 1}
}

func (m *MockStrategyRepository) add(s *models.Strategy) *models.Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		s.ID = m.nextID
		m.nextID++
	}
	cp := *s
	m.strategies[s.ID] = &cp
	return s
}

func (m *MockStrategyRepository) Create(ctx context.Context, s *models.Strategy) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.add(s)
	return nil
}

func (m *MockStrategyRepository) GetByID(ctx context.Context, id int) (*models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	if !ok {
		return nil, repository.ErrStrategyNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MockStrategyRepository) GetActive(ctx context.Context) (*models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.strategies {
		if s.IsActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrNoActiveStrategy
}

func (m *MockStrategyRepository) List(ctx context.Context) ([]*models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Strategy, 0, len(m.strategies))
	for _, s := range m.strategies {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockStrategyRepository) Update(ctx context.Context, s *models.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.strategies[s.ID]
	if !ok {
		return repository.ErrStrategyNotFound
	}
	cp := *s
	cp.IsActive = cur.IsActive
	m.strategies[s.ID] = &cp
	return nil
}

func (m *MockStrategyRepository) SetActive(ctx context.Context, id int) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strategies[id]; !ok {
		return repository.ErrStrategyNotFound
	}
	for sid, s := range m.strategies {
		s.IsActive = sid == id
	}
	return nil
}

func (m *MockStrategyRepository) Deactivate(ctx context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	if !ok {
		return repository.ErrStrategyNotFound
	}
	s.IsActive = false
	return nil
}

func (m *MockStrategyRepository) isActive(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	return ok && s.IsActive
}

// ============ Mock SessionRepository ============

type MockSessionRepository struct {
	mu        sync.Mutex
	sessions  map[int]*models.TradeSession
	nextID    int
	getErr    error
	rotateErr error
}

func NewMockSessionRepository() *MockSessionRepository {
	return &MockSessionRepository{sessions: make(map[int]*models.TradeSession), nextID: 1}
}

func (m *MockSessionRepository) Create(ctx context.Context, s *models.TradeSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.nextID
	m.nextID++
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MockSessionRepository) GetActive(ctx context.Context, strategyID int) (*models.TradeSession, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.StrategyID == strategyID && s.IsActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrNoActiveSession
}

func (m *MockSessionRepository) GetByID(ctx context.Context, id int) (*models.TradeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MockSessionRepository) Update(ctx context.Context, s *models.TradeSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return repository.ErrSessionNotFound
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MockSessionRepository) Rotate(ctx context.Context, archiveID int, at time.Time, next *models.TradeSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rotateErr != nil {
		return m.rotateErr
	}
	if archiveID > 0 {
		s, ok := m.sessions[archiveID]
		if !ok || !s.IsActive {
			return repository.ErrSessionNotFound
		}
		s.IsActive = false
		ended := at
		s.EndedAt = &ended
	}
	next.ID = m.nextID
	m.nextID++
	next.IsActive = true
	cp := *next
	m.sessions[next.ID] = &cp
	return nil
}

func (m *MockSessionRepository) ListByStrategy(ctx context.Context, strategyID int) ([]*models.TradeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TradeSession
	for _, s := range m.sessions {
		if s.StrategyID == strategyID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ============ Mock NotificationRepository ============

type MockNotificationRepository struct {
	mu            sync.Mutex
	notifications []*models.Notification
	createErr     error
	lastTypes     []string
	lastLimit     int
	deleteBefore  time.Time
}

func NewMockNotificationRepository() *MockNotificationRepository {
	return &MockNotificationRepository{}
}

func (m *MockNotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = len(m.notifications) + 1
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *MockNotificationRepository) GetRecent(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTypes = types
	m.lastLimit = limit
	return m.notifications, nil
}

func (m *MockNotificationRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteBefore = before
	return 3, nil
}

func (m *MockNotificationRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifications)
}

// ============ Mock StatsRepository ============

type MockStatsRepository struct {
	periods map[time.Time]repository.PeriodStats
	open    int
	err     error
}

func (m *MockStatsRepository) ClosedSince(ctx context.Context, sessionID int, since time.Time) (repository.PeriodStats, error) {
	if m.err != nil {
		return repository.PeriodStats{}, m.err
	}
	return m.periods[since], nil
}

func (m *MockStatsRepository) CountOpen(ctx context.Context, sessionID int) (int, error) {
	return m.open, nil
}

// ============ Mock Position/Fill/Order repositories ============

type MockPositionRepository struct {
	positions map[int]*models.Position
	fills     map[int][]models.Fill
	orders    []*models.OrderRecord
}

func NewMockPositionRepository() *MockPositionRepository {
	return &MockPositionRepository{
		positions: make(map[int]*models.Position),
		fills:     make(map[int][]models.Fill),
	}
}

func (m *MockPositionRepository) GetByID(ctx context.Context, id int) (*models.Position, error) {
	p, ok := m.positions[id]
	if !ok {
		return nil, repository.ErrPositionNotFound
	}
	return p, nil
}

func (m *MockPositionRepository) ListOpen(ctx context.Context, sessionID int) ([]*models.Position, error) {
	var out []*models.Position
	for _, p := range m.positions {
		if p.SessionID == sessionID && p.IsOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockPositionRepository) ListBySession(ctx context.Context, sessionID int) ([]*models.Position, error) {
	var out []*models.Position
	for _, p := range m.positions {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockPositionRepository) ListByPosition(ctx context.Context, positionID int) ([]models.Fill, error) {
	return m.fills[positionID], nil
}

func (m *MockPositionRepository) ListRecent(ctx context.Context, sessionID, limit int) ([]*models.OrderRecord, error) {
	return m.orders, nil
}

// ============ Mock Trader ============

type MockTrader struct {
	mu        sync.Mutex
	session   models.TradeSession
	status    bot.EngineStatus
	risk      bot.RiskSnapshot
	submitted []*models.Liquidation
	closeErr  error
	closed    []string
	runErr    error
	started   chan struct{}
	stopped   chan struct{}
}

func NewMockTrader() *MockTrader {
	return &MockTrader{started: make(chan struct{}), stopped: make(chan struct{})}
}

func (m *MockTrader) Run(ctx context.Context) error {
	close(m.started)
	defer close(m.stopped)
	if m.runErr != nil {
		return m.runErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *MockTrader) Submit(liq *models.Liquidation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, liq)
	return true
}

func (m *MockTrader) ClosePosition(ctx context.Context, symbol, side string) (*models.OrderRecord, error) {
	if m.closeErr != nil {
		return nil, m.closeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, models.PositionKey(symbol, side))
	return &models.OrderRecord{
		ClientOrderID: "lq-x-test",
		Symbol:        symbol,
		PositionSide:  side,
		Purpose:       models.OrderPurposeExit,
		Status:        models.OrderStatusNew,
	}, nil
}

func (m *MockTrader) Status() bot.EngineStatus     { return m.status }
func (m *MockTrader) Risk() bot.RiskSnapshot       { return m.risk }
func (m *MockTrader) Session() models.TradeSession { return m.session }

func (m *MockTrader) submittedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submitted)
}

// mockFactory выдаёт заранее подготовленных трейдеров по очереди
type mockFactory struct {
	mu      sync.Mutex
	traders []*MockTrader
	calls   []int
	err     error
}

func (f *mockFactory) build(ctx context.Context, s *models.Strategy) (Trader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s.ID)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.traders) == 0 {
		return NewMockTrader(), nil
	}
	t := f.traders[0]
	f.traders = f.traders[1:]
	return t, nil
}

// ============ Mock WebSocket Broadcaster ============

type MockWebSocketBroadcaster struct {
	mu            sync.Mutex
	notifications []*models.Notification
	stats         []*models.SessionStats
}

func (m *MockWebSocketBroadcaster) BroadcastNotification(n *models.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
}

func (m *MockWebSocketBroadcaster) BroadcastStats(stats *models.SessionStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = append(m.stats, stats)
}
