package handlers

import (
	"context"
	"errors"
	"sync"

	"liqbot/internal/bot"
	"liqbot/internal/models"
	"liqbot/internal/repository"
	"liqbot/internal/service"
)

// ErrMockDatabase - ошибка хранилища для тестов
var ErrMockDatabase = errors.New("mock database error")

// ============ Mock Strategy Manager ============

type MockStrategyManager struct {
	mu         sync.Mutex
	strategies map[int]*models.Strategy
	nextID     int
	err        error
	lastReq    *service.StrategyRequest
}

func NewMockStrategyManager() *MockStrategyManager {
	return &MockStrategyManager{strategies: make(map[int]*models.Strategy), nextID: 1}
}

func (m *MockStrategyManager) add(st *models.Strategy) *models.Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.ID = m.nextID
	m.nextID++
	m.strategies[st.ID] = st
	return st
}

func (m *MockStrategyManager) List(ctx context.Context) ([]*models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]*models.Strategy, 0, len(m.strategies))
	for id := 1; id < m.nextID; id++ {
		if st, ok := m.strategies[id]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *MockStrategyManager) Get(ctx context.Context, id int) (*models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[id]
	if !ok {
		return nil, repository.ErrStrategyNotFound
	}
	return st, nil
}

func (m *MockStrategyManager) Create(ctx context.Context, req *service.StrategyRequest) (*models.Strategy, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	st := req.Strategy
	if req.APIKey != "" {
		st.APIKeyEnc, st.SecretKeyEnc = "sealed", "sealed"
	}
	return m.add(&st), nil
}

func (m *MockStrategyManager) Update(ctx context.Context, id int, req *service.StrategyRequest) (*models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastReq = req
	cur, ok := m.strategies[id]
	if !ok {
		return nil, repository.ErrStrategyNotFound
	}
	if cur.IsActive {
		return nil, service.ErrStrategyActive
	}
	st := req.Strategy
	st.ID = id
	m.strategies[id] = &st
	return &st, nil
}

func (m *MockStrategyManager) Activate(ctx context.Context, id int) (*models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[id]
	if !ok {
		return nil, repository.ErrStrategyNotFound
	}
	if !st.HasCredentials() {
		return nil, service.ErrMissingCredentials
	}
	for _, other := range m.strategies {
		other.IsActive = false
	}
	st.IsActive = true
	return st, nil
}

func (m *MockStrategyManager) Deactivate(ctx context.Context) (*models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.strategies {
		if st.IsActive {
			st.IsActive = false
			return st, nil
		}
	}
	return nil, repository.ErrNoActiveStrategy
}

// ============ Mock Session Manager / Stats ============

type MockSessionManager struct {
	sessions map[int][]*models.TradeSession // strategyID -> история
	resetErr error
	stats    map[int]*models.SessionStats // strategyID -> статистика
	byID     map[int]*models.SessionStats // sessionID -> статистика
}

func NewMockSessionManager() *MockSessionManager {
	return &MockSessionManager{
		sessions: make(map[int][]*models.TradeSession),
		stats:    make(map[int]*models.SessionStats),
		byID:     make(map[int]*models.SessionStats),
	}
}

func (m *MockSessionManager) GetActive(ctx context.Context, strategyID int) (*models.TradeSession, error) {
	for _, s := range m.sessions[strategyID] {
		if s.IsActive {
			return s, nil
		}
	}
	return nil, repository.ErrNoActiveSession
}

func (m *MockSessionManager) List(ctx context.Context, strategyID int) ([]*models.TradeSession, error) {
	return m.sessions[strategyID], nil
}

func (m *MockSessionManager) Reset(ctx context.Context, strategyID int) (*models.TradeSession, error) {
	if m.resetErr != nil {
		return nil, m.resetErr
	}
	var last float64
	for _, s := range m.sessions[strategyID] {
		if s.IsActive {
			s.IsActive = false
			last = s.CurrentBalance
		}
	}
	fresh := &models.TradeSession{
		ID:              len(m.sessions[strategyID]) + 1,
		StrategyID:      strategyID,
		StartingBalance: last,
		CurrentBalance:  last,
		IsActive:        true,
	}
	m.sessions[strategyID] = append(m.sessions[strategyID], fresh)
	return fresh, nil
}

func (m *MockSessionManager) SessionStats(ctx context.Context, strategyID int) (*models.SessionStats, error) {
	s, ok := m.stats[strategyID]
	if !ok {
		return nil, repository.ErrNoActiveSession
	}
	return s, nil
}

func (m *MockSessionManager) SessionStatsByID(ctx context.Context, sessionID int) (*models.SessionStats, error) {
	s, ok := m.byID[sessionID]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	return s, nil
}

// ============ Mock Position Manager ============

type MockPositionManager struct {
	open      map[int][]*models.Position
	bySession map[int][]*models.Position
	details   map[int]*service.PositionDetail
	orders    []*models.OrderRecord
	lastLimit int

	running  bool
	status   bot.EngineStatus
	closeErr error
	closed   []string
}

func NewMockPositionManager() *MockPositionManager {
	return &MockPositionManager{
		open:      make(map[int][]*models.Position),
		bySession: make(map[int][]*models.Position),
		details:   make(map[int]*service.PositionDetail),
	}
}

func (m *MockPositionManager) ListOpen(ctx context.Context, strategyID int) ([]*models.Position, error) {
	return m.open[strategyID], nil
}

func (m *MockPositionManager) ListBySession(ctx context.Context, sessionID int) ([]*models.Position, error) {
	return m.bySession[sessionID], nil
}

func (m *MockPositionManager) Get(ctx context.Context, id int) (*service.PositionDetail, error) {
	d, ok := m.details[id]
	if !ok {
		return nil, repository.ErrPositionNotFound
	}
	return d, nil
}

func (m *MockPositionManager) RecentOrders(ctx context.Context, sessionID, limit int) ([]*models.OrderRecord, error) {
	m.lastLimit = limit
	return m.orders, nil
}

func (m *MockPositionManager) Close(ctx context.Context, symbol, side string) (*models.OrderRecord, error) {
	if side != models.SideLong && side != models.SideShort {
		return nil, service.ErrInvalidSide
	}
	if !m.running {
		return nil, service.ErrEngineNotRunning
	}
	if m.closeErr != nil {
		return nil, m.closeErr
	}
	m.closed = append(m.closed, models.PositionKey(symbol, side))
	return &models.OrderRecord{Symbol: symbol, Purpose: models.OrderPurposeExit, Status: models.OrderStatusNew}, nil
}

func (m *MockPositionManager) Status() (bot.EngineStatus, error) {
	if !m.running {
		return bot.EngineStatus{}, service.ErrEngineNotRunning
	}
	return m.status, nil
}

// ============ Mock Notification Provider ============

type MockNotificationProvider struct {
	notifications []*models.Notification
	err           error
	lastTypes     []string
	lastLimit     int
}

func (m *MockNotificationProvider) GetNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	m.lastTypes = types
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.notifications, nil
}
