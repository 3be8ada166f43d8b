package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"liqbot/internal/bot"
	"liqbot/internal/models"
	"liqbot/pkg/utils"
)

// ErrInvalidSide - сторона позиции не long/short
var ErrInvalidSide = errors.New("side must be long or short")

// PositionDetail - позиция вместе с журналом исполнений
type PositionDetail struct {
	Position *models.Position `json:"position"`
	Fills    []models.Fill    `json:"fills"`
}

// PositionService - чтение позиций и ручное закрытие
type PositionService struct {
	positions PositionRepository
	fills     FillRepository
	orders    OrderRepository
	sessions  SessionRepository
	runner    *Runner
	log       *utils.Logger
}

// NewPositionService создает новый экземпляр PositionService
func NewPositionService(
	positions PositionRepository,
	fills FillRepository,
	orders OrderRepository,
	sessions SessionRepository,
	runner *Runner,
	log *utils.Logger,
) *PositionService {
	if log == nil {
		log = utils.L()
	}
	return &PositionService{
		positions: positions,
		fills:     fills,
		orders:    orders,
		sessions:  sessions,
		runner:    runner,
		log:       log.WithComponent("position-service"),
	}
}

// ListOpen возвращает открытые позиции активной стратегии.
// Пока движок работает, позиции берутся из его памяти (с текущим PNL),
// иначе из журнала активной сессии.
func (s *PositionService) ListOpen(ctx context.Context, strategyID int) ([]*models.Position, error) {
	if t, st, ok := s.runner.Active(); ok && st.ID == strategyID {
		status := t.Status()
		out := make([]*models.Position, 0, len(status.Positions))
		for i := range status.Positions {
			out = append(out, &status.Positions[i])
		}
		return out, nil
	}

	session, err := s.sessions.GetActive(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	out, err := s.positions.ListOpen(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// ListBySession возвращает все позиции сессии, включая закрытые
func (s *PositionService) ListBySession(ctx context.Context, sessionID int) ([]*models.Position, error) {
	return s.positions.ListBySession(ctx, sessionID)
}

// Get возвращает позицию с историей исполнений
func (s *PositionService) Get(ctx context.Context, id int) (*PositionDetail, error) {
	p, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	fills, err := s.fills.ListByPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	return &PositionDetail{Position: p, Fills: fills}, nil
}

// RecentOrders возвращает последние ордера сессии
func (s *PositionService) RecentOrders(ctx context.Context, sessionID, limit int) ([]*models.OrderRecord, error) {
	if limit <= 0 || limit > maxNotificationLimit {
		limit = defaultNotificationLimit
	}
	return s.orders.ListRecent(ctx, sessionID, limit)
}

// Close закрывает позицию рыночным reduce-only ордером через работающий движок.
// Позиция в журнале закрывается, когда придёт исполнение.
func (s *PositionService) Close(ctx context.Context, symbol, side string) (*models.OrderRecord, error) {
	symbol = utils.NormalizeSymbol(symbol)
	side = strings.ToLower(strings.TrimSpace(side))
	if side != models.SideLong && side != models.SideShort {
		return nil, ErrInvalidSide
	}

	t, st, ok := s.runner.Active()
	if !ok {
		return nil, ErrEngineNotRunning
	}

	rec, err := t.ClosePosition(ctx, symbol, side)
	if err != nil {
		if errors.Is(err, bot.ErrNoOpenPosition) {
			return nil, err
		}
		return rec, fmt.Errorf("close %s %s: %w", symbol, side, err)
	}

	s.log.Info("manual close requested",
		utils.StrategyID(st.ID),
		utils.Symbol(symbol),
		utils.Side(side),
		utils.ClientOrderID(rec.ClientOrderID))
	return rec, nil
}

// Status возвращает снимок работающего движка
func (s *PositionService) Status() (bot.EngineStatus, error) {
	t, _, ok := s.runner.Active()
	if !ok {
		return bot.EngineStatus{}, ErrEngineNotRunning
	}
	return t.Status(), nil
}
