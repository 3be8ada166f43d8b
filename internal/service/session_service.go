package service

import (
	"context"
	"errors"
	"time"

	"liqbot/internal/models"
	"liqbot/internal/repository"
	"liqbot/pkg/utils"
)

// BalanceFunc возвращает текущий баланс аккаунта для новой сессии
type BalanceFunc func(ctx context.Context) (float64, error)

// SessionService - торговые сессии стратегий.
// Сессии не удаляются: сброс архивирует текущую и открывает новую.
type SessionService struct {
	sessions   SessionRepository
	strategies StrategyRepository
	runner     *Runner
	log        *utils.Logger
	now        func() time.Time
}

// NewSessionService создает новый экземпляр SessionService
func NewSessionService(sessions SessionRepository, strategies StrategyRepository, runner *Runner, log *utils.Logger) *SessionService {
	if log == nil {
		log = utils.L()
	}
	return &SessionService{
		sessions:   sessions,
		strategies: strategies,
		runner:     runner,
		log:        log.WithComponent("session-service"),
		now:        time.Now,
	}
}

// GetActive возвращает активную сессию стратегии
func (s *SessionService) GetActive(ctx context.Context, strategyID int) (*models.TradeSession, error) {
	return s.sessions.GetActive(ctx, strategyID)
}

// List возвращает все сессии стратегии, включая архивные
func (s *SessionService) List(ctx context.Context, strategyID int) ([]*models.TradeSession, error) {
	return s.sessions.ListByStrategy(ctx, strategyID)
}

// EnsureActive возвращает активную сессию, а если её нет, открывает новую
// с текущим балансом аккаунта.
func (s *SessionService) EnsureActive(ctx context.Context, strategyID int, balance BalanceFunc) (*models.TradeSession, error) {
	session, err := s.sessions.GetActive(ctx, strategyID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, repository.ErrNoActiveSession) {
		return nil, err
	}

	var starting float64
	if balance != nil {
		starting, err = balance(ctx)
		if err != nil {
			return nil, err
		}
	}
	return s.open(ctx, strategyID, starting)
}

// Reset архивирует активную сессию стратегии и открывает новую.
//
// Если движок стратегии работает, он останавливается на время сброса
// и запускается снова уже с новой сессией. Позиции старой сессии
// остаются в журнале как есть.
func (s *SessionService) Reset(ctx context.Context, strategyID int) (*models.TradeSession, error) {
	st, err := s.strategies.GetByID(ctx, strategyID)
	if err != nil {
		return nil, err
	}

	starting := 0.0
	wasRunning := s.runner != nil && s.runner.Running(strategyID)
	if wasRunning {
		if t, _, ok := s.runner.Active(); ok {
			starting = t.Status().Balance
		}
		if err := s.runner.Stop(); err != nil {
			return nil, err
		}
	}

	current, err := s.sessions.GetActive(ctx, strategyID)
	archiveID := 0
	switch {
	case err == nil:
		if starting <= 0 {
			starting = current.CurrentBalance
		}
		archiveID = current.ID
	case errors.Is(err, repository.ErrNoActiveSession):
	default:
		return nil, s.resume(ctx, st, wasRunning, err)
	}

	session := s.newSession(strategyID, starting)
	if err := s.sessions.Rotate(ctx, archiveID, s.now(), session); err != nil {
		return nil, s.resume(ctx, st, wasRunning, err)
	}
	if current != nil {
		s.log.Info("session archived",
			utils.StrategyID(strategyID),
			utils.SessionID(current.ID),
			utils.PNL(current.RealizedPNL),
			utils.Int("trades", current.TradeCount))
	}
	s.logOpened(session)

	if wasRunning {
		if err := s.runner.Start(ctx, st); err != nil {
			return session, err
		}
	}
	return session, nil
}

// resume перезапускает остановленный движок со старой сессией после
// неудачного сброса и возвращает исходную ошибку
func (s *SessionService) resume(ctx context.Context, st *models.Strategy, wasRunning bool, cause error) error {
	if !wasRunning {
		return cause
	}
	if err := s.runner.Start(ctx, st); err != nil {
		s.log.Error("engine not resumed after failed session reset",
			utils.StrategyID(st.ID),
			utils.Err(err))
	}
	return cause
}

func (s *SessionService) newSession(strategyID int, starting float64) *models.TradeSession {
	return &models.TradeSession{
		StrategyID:      strategyID,
		StartingBalance: starting,
		CurrentBalance:  starting,
		IsActive:        true,
		StartedAt:       s.now(),
	}
}

func (s *SessionService) logOpened(session *models.TradeSession) {
	s.log.Info("session opened",
		utils.StrategyID(session.StrategyID),
		utils.SessionID(session.ID),
		utils.Float64("starting_balance", session.StartingBalance))
}

func (s *SessionService) open(ctx context.Context, strategyID int, starting float64) (*models.TradeSession, error) {
	session := s.newSession(strategyID, starting)
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	s.logOpened(session)
	return session, nil
}
