package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"liqbot/internal/bot"
	"liqbot/internal/models"
	"liqbot/pkg/utils"
)

func newSessionFixture(t *testing.T) (*SessionService, *MockSessionRepository, *MockStrategyRepository, *Runner, *mockFactory) {
	t.Helper()
	sessions := NewMockSessionRepository()
	strategies := NewMockStrategyRepository()
	factory := &mockFactory{}
	runner := NewRunner(strategies, factory.build, RunnerConfig{StopTimeout: time.Second}, utils.NewNopLogger())
	t.Cleanup(runner.Shutdown)

	svc := NewSessionService(sessions, strategies, runner, utils.NewNopLogger())
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return svc, sessions, strategies, runner, factory
}

func TestSessionService_EnsureActive(t *testing.T) {
	svc, sessions, _, _, _ := newSessionFixture(t)
	ctx := context.Background()

	calls := 0
	balance := func(ctx context.Context) (float64, error) {
		calls++
		return 1500, nil
	}

	s, err := svc.EnsureActive(ctx, 1, balance)
	if err != nil {
		t.Fatalf("EnsureActive() error = %v", err)
	}
	if s.StartingBalance != 1500 || s.CurrentBalance != 1500 || !s.IsActive {
		t.Errorf("new session = %+v", s)
	}

	again, err := svc.EnsureActive(ctx, 1, balance)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != s.ID {
		t.Errorf("second call opened session %d, want existing %d", again.ID, s.ID)
	}
	if calls != 1 {
		t.Errorf("balance queried %d times, want 1", calls)
	}
	if len(sessions.sessions) != 1 {
		t.Errorf("sessions = %d", len(sessions.sessions))
	}
}

func TestSessionService_EnsureActiveBalanceError(t *testing.T) {
	svc, sessions, _, _, _ := newSessionFixture(t)
	wantErr := errors.New("account unavailable")

	_, err := svc.EnsureActive(context.Background(), 1, func(ctx context.Context) (float64, error) {
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want %v", err, wantErr)
	}
	if len(sessions.sessions) != 0 {
		t.Error("session opened without balance")
	}
}

func TestSessionService_ResetArchivesAndOpens(t *testing.T) {
	svc, sessions, strategies, _, _ := newSessionFixture(t)
	ctx := context.Background()
	st := strategies.add(&models.Strategy{Name: "a", Exchange: "bybit"})

	old := &models.TradeSession{StrategyID: st.ID, StartingBalance: 1000, CurrentBalance: 1120, RealizedPNL: 120, TradeCount: 4, IsActive: true}
	_ = sessions.Create(ctx, old)

	fresh, err := svc.Reset(ctx, st.ID)
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if fresh.ID == old.ID || !fresh.IsActive {
		t.Errorf("fresh session = %+v", fresh)
	}
	if fresh.StartingBalance != 1120 || fresh.TradeCount != 0 || fresh.RealizedPNL != 0 {
		t.Errorf("fresh session must start from the last balance with zero stats: %+v", fresh)
	}

	archived, _ := sessions.GetByID(ctx, old.ID)
	if archived.IsActive || archived.EndedAt == nil {
		t.Errorf("old session not archived: %+v", archived)
	}
	if archived.TradeCount != 4 {
		t.Error("archived session changed")
	}

	list, _ := svc.List(ctx, st.ID)
	if len(list) != 2 {
		t.Errorf("sessions kept = %d, want 2", len(list))
	}
}

func TestSessionService_ResetRestartsRunningEngine(t *testing.T) {
	svc, sessions, strategies, runner, factory := newSessionFixture(t)
	ctx := context.Background()
	st := strategies.add(&models.Strategy{Name: "a", Exchange: "binance", IsActive: true})
	_ = sessions.Create(ctx, &models.TradeSession{StrategyID: st.ID, CurrentBalance: 900, IsActive: true})

	first := NewMockTrader()
	first.status = bot.EngineStatus{Balance: 950}
	second := NewMockTrader()
	factory.traders = []*MockTrader{first, second}

	if err := runner.Start(ctx, st); err != nil {
		t.Fatal(err)
	}
	<-first.started

	fresh, err := svc.Reset(ctx, st.ID)
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	<-first.stopped
	<-second.started

	if fresh.StartingBalance != 950 {
		t.Errorf("StartingBalance = %v, want live balance 950", fresh.StartingBalance)
	}
	if !runner.Running(st.ID) {
		t.Error("engine not restarted")
	}
}

func TestSessionService_ResetFailureKeepsActiveSession(t *testing.T) {
	svc, sessions, strategies, runner, factory := newSessionFixture(t)
	ctx := context.Background()
	st := strategies.add(&models.Strategy{Name: "a", Exchange: "binance", IsActive: true})
	old := &models.TradeSession{StrategyID: st.ID, CurrentBalance: 900, IsActive: true}
	_ = sessions.Create(ctx, old)

	first := NewMockTrader()
	second := NewMockTrader()
	factory.traders = []*MockTrader{first, second}
	if err := runner.Start(ctx, st); err != nil {
		t.Fatal(err)
	}
	<-first.started

	wantErr := errors.New("transaction aborted")
	sessions.rotateErr = wantErr

	if _, err := svc.Reset(ctx, st.ID); !errors.Is(err, wantErr) {
		t.Fatalf("Reset() error = %v, want %v", err, wantErr)
	}

	active, err := sessions.GetActive(ctx, st.ID)
	if err != nil || active.ID != old.ID {
		t.Errorf("active session = %+v, %v; want %d", active, err, old.ID)
	}
	if len(sessions.sessions) != 1 {
		t.Errorf("sessions = %d, want 1", len(sessions.sessions))
	}

	<-second.started
	if !runner.Running(st.ID) {
		t.Error("engine not resumed after failed reset")
	}
}

func TestSessionService_ResetUnknownStrategy(t *testing.T) {
	svc, _, _, _, _ := newSessionFixture(t)
	if _, err := svc.Reset(context.Background(), 42); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
