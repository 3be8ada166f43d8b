package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"liqbot/internal/models"
	"liqbot/internal/repository"
	"liqbot/pkg/utils"
)

var (
	// ErrEngineNotRunning - нет активной стратегии с работающим движком
	ErrEngineNotRunning = errors.New("engine is not running")
	// ErrEngineStopTimeout - движок не остановился за отведённое время
	ErrEngineStopTimeout = errors.New("engine stop timed out")
)

const defaultStopTimeout = 30 * time.Second

// RunnerConfig - параметры Runner
type RunnerConfig struct {
	// StopTimeout - сколько ждать завершения движка при остановке
	StopTimeout time.Duration
	// OnSymbols получает символы активной стратегии (фильтр ленты ликвидаций)
	OnSymbols func(symbols []string)
	// OnRelease освобождает адаптер биржи остановленной стратегии
	OnRelease func(strategyID int, exchange string)
}

type runningTrader struct {
	strategy *models.Strategy
	trader   Trader
	cancel   context.CancelFunc
	done     chan struct{}
}

// Runner держит движок активной стратегии.
//
// Одновременно работает не больше одного движка. Контекст движка не
// зависит от HTTP запроса, который его запустил: движок живёт до Stop
// или Shutdown.
type Runner struct {
	strategies StrategyRepository
	factory    TraderFactory
	cfg        RunnerConfig
	log        *utils.Logger

	base       context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex // сериализует Start/Stop
	current *runningTrader
	curMu   sync.RWMutex
}

// NewRunner создает Runner
func NewRunner(strategies StrategyRepository, factory TraderFactory, cfg RunnerConfig, log *utils.Logger) *Runner {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if log == nil {
		log = utils.L()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		strategies: strategies,
		factory:    factory,
		cfg:        cfg,
		log:        log.WithComponent("runner"),
		base:       base,
		cancelBase: cancel,
	}
}

// Run возобновляет активную стратегию и передаёт ликвидации движку до отмены ctx.
// Стратегия никогда не активируется здесь сама: запускается только та,
// что уже помечена активной.
func (r *Runner) Run(ctx context.Context, in <-chan *models.Liquidation) error {
	if err := r.Resume(ctx); err != nil {
		r.log.Error("failed to resume active strategy", utils.Err(err))
	}

	r.Consume(ctx, in)
	r.Shutdown()
	return ctx.Err()
}

// Resume запускает движок стратегии, помеченной активной в БД
func (r *Runner) Resume(ctx context.Context) error {
	s, err := r.strategies.GetActive(ctx)
	if errors.Is(err, repository.ErrNoActiveStrategy) {
		r.log.Info("no active strategy, waiting for activation")
		return nil
	}
	if err != nil {
		return err
	}
	return r.Start(ctx, s)
}

// Consume передаёт ликвидации работающему движку.
// Пока движка нет, события отбрасываются: окно ликвидаций уже в БД.
func (r *Runner) Consume(ctx context.Context, in <-chan *models.Liquidation) {
	for {
		select {
		case <-ctx.Done():
			return
		case liq, ok := <-in:
			if !ok {
				return
			}
			if t := r.trader(); t != nil {
				t.Submit(liq)
			}
		}
	}
}

// Start создаёт и запускает движок стратегии.
// Движок предыдущей стратегии останавливается.
func (r *Runner) Start(ctx context.Context, s *models.Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.stopLocked(); err != nil {
		return err
	}

	t, err := r.factory(ctx, s)
	if err != nil {
		r.release(s)
		return fmt.Errorf("create engine for strategy %d: %w", s.ID, err)
	}

	runCtx, cancel := context.WithCancel(r.base)
	rt := &runningTrader{strategy: s, trader: t, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(rt.done)
		if err := t.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("engine stopped with error", utils.StrategyID(s.ID), utils.Err(err))
		}
		r.curMu.Lock()
		if r.current == rt {
			r.current = nil
		}
		r.curMu.Unlock()
	}()

	r.curMu.Lock()
	r.current = rt
	r.curMu.Unlock()

	if r.cfg.OnSymbols != nil {
		r.cfg.OnSymbols(s.Symbols)
	}

	r.log.Info("engine started",
		utils.StrategyID(s.ID),
		utils.Exchange(s.Exchange),
		utils.Int("symbols", len(s.Symbols)))
	return nil
}

// Stop останавливает работающий движок. Позиции и защитные ордера на бирже остаются.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked()
}

func (r *Runner) stopLocked() error {
	r.curMu.Lock()
	rt := r.current
	r.current = nil
	r.curMu.Unlock()
	if rt == nil {
		return nil
	}

	rt.cancel()
	select {
	case <-rt.done:
	case <-time.After(r.cfg.StopTimeout):
		r.log.Error("engine did not stop in time", utils.StrategyID(rt.strategy.ID), utils.Dur("timeout", r.cfg.StopTimeout))
		return ErrEngineStopTimeout
	}

	r.release(rt.strategy)
	r.log.Info("engine stopped", utils.StrategyID(rt.strategy.ID))
	return nil
}

func (r *Runner) release(s *models.Strategy) {
	if r.cfg.OnRelease != nil {
		r.cfg.OnRelease(s.ID, s.Exchange)
	}
}

// Shutdown останавливает движок при завершении процесса
func (r *Runner) Shutdown() {
	if err := r.Stop(); err != nil {
		r.log.Warn("engine shutdown", utils.Err(err))
	}
	r.cancelBase()
}

// Active возвращает работающий движок и его стратегию
func (r *Runner) Active() (Trader, *models.Strategy, bool) {
	r.curMu.RLock()
	defer r.curMu.RUnlock()
	if r.current == nil {
		return nil, nil, false
	}
	return r.current.trader, r.current.strategy, true
}

// Running проверяет, работает ли движок указанной стратегии
func (r *Runner) Running(strategyID int) bool {
	_, s, ok := r.Active()
	return ok && s.ID == strategyID
}

func (r *Runner) trader() Trader {
	t, _, _ := r.Active()
	return t
}
