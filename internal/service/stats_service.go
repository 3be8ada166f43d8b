package service

import (
	"context"
	"time"

	"liqbot/internal/models"
	"liqbot/pkg/utils"
)

// StatsService - статистика торговой сессии.
//
// PNL по периодам считается по позициям, закрытым в этой сессии:
// сегодня, с понедельника и с 1-го числа (UTC). Риск берётся из
// работающего движка, если он относится к той же стратегии.
type StatsService struct {
	stats    StatsRepository
	sessions SessionRepository
	runner   *Runner
	wsHub    StatsBroadcaster
	log      *utils.Logger
	now      func() time.Time
}

// NewStatsService создает новый экземпляр StatsService
func NewStatsService(stats StatsRepository, sessions SessionRepository, runner *Runner, log *utils.Logger) *StatsService {
	if log == nil {
		log = utils.L()
	}
	return &StatsService{
		stats:    stats,
		sessions: sessions,
		runner:   runner,
		log:      log.WithComponent("stats-service"),
		now:      time.Now,
	}
}

// SetWebSocketHub устанавливает WebSocket hub для broadcast статистики
func (s *StatsService) SetWebSocketHub(hub StatsBroadcaster) {
	s.wsHub = hub
}

// SessionStats возвращает статистику активной сессии стратегии
func (s *StatsService) SessionStats(ctx context.Context, strategyID int) (*models.SessionStats, error) {
	session, err := s.sessions.GetActive(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	return s.build(ctx, session)
}

// SessionStatsByID возвращает статистику сессии, в том числе архивной
func (s *StatsService) SessionStatsByID(ctx context.Context, sessionID int) (*models.SessionStats, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.build(ctx, session)
}

func (s *StatsService) build(ctx context.Context, session *models.TradeSession) (*models.SessionStats, error) {
	// баланс и счётчики в движке свежее, чем в БД между записями
	if t, st, ok := s.active(); ok && st.ID == session.StrategyID {
		if live := t.Session(); live.ID == session.ID {
			session = &live
		}
	}

	out := &models.SessionStats{
		Session: *session,
		WinRate: session.WinRate(),
	}

	periods := utils.PeriodsFrom(s.now())
	for _, p := range []struct {
		since  time.Time
		pnl    *float64
		trades *int
	}{
		{periods.Day, &out.TodayPNL, &out.TodayTrades},
		{periods.Week, &out.WeekPNL, &out.WeekTrades},
		{periods.Month, &out.MonthPNL, &out.MonthTrades},
	} {
		ps, err := s.stats.ClosedSince(ctx, session.ID, p.since)
		if err != nil {
			return nil, err
		}
		*p.pnl = ps.PNL
		*p.trades = ps.Trades
	}

	open, err := s.stats.CountOpen(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	out.OpenPositions = open

	if t, st, ok := s.active(); ok && st.ID == session.StrategyID && session.IsActive {
		risk := t.Risk()
		out.FilledRisk = risk.FilledRisk
		out.ReservedRisk = risk.ReservedRisk
	}
	return out, nil
}

// Publish рассылает статистику активной сессии работающего движка
func (s *StatsService) Publish(ctx context.Context) {
	if s.wsHub == nil {
		return
	}
	_, st, ok := s.active()
	if !ok {
		return
	}
	stats, err := s.SessionStats(ctx, st.ID)
	if err != nil {
		s.log.Warn("failed to build session stats", utils.StrategyID(st.ID), utils.Err(err))
		return
	}
	s.wsHub.BroadcastStats(stats)
}

func (s *StatsService) active() (Trader, *models.Strategy, bool) {
	if s.runner == nil {
		return nil, nil, false
	}
	return s.runner.Active()
}
