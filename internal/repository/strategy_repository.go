package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"liqbot/internal/models"
)

// Ошибки репозитория стратегий
var (
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrNoActiveStrategy = errors.New("no active strategy")
)

const strategyColumns = `id, name, exchange, symbols, is_active, leverage, margin_per_layer,
	start_step_percent, step_convexity, size_growth, max_layers, volatility_ref,
	take_profit_percent, exit_cushion, stop_loss_percent, adaptive_stop_loss,
	adaptive_sl_atr_mult, adaptive_sl_min_pct, adaptive_sl_max_pct, risk_use_adaptive_sl,
	max_portfolio_risk, entry_percentile, dca_percentile, cooldown_seconds, min_fill_gap_seconds,
	api_key_enc, secret_key_enc, created_at, updated_at`

// StrategyRepository - работа с таблицей strategies.
// Активной может быть не больше одной стратегии (частичный уникальный индекс).
type StrategyRepository struct {
	db *sql.DB
}

// NewStrategyRepository создает новый экземпляр репозитория
func NewStrategyRepository(db *sql.DB) *StrategyRepository {
	return &StrategyRepository{db: db}
}

// Create создает стратегию (неактивной)
func (r *StrategyRepository) Create(ctx context.Context, s *models.Strategy) error {
	query := `
		INSERT INTO strategies (name, exchange, symbols, is_active, leverage, margin_per_layer,
			start_step_percent, step_convexity, size_growth, max_layers, volatility_ref,
			take_profit_percent, exit_cushion, stop_loss_percent, adaptive_stop_loss,
			adaptive_sl_atr_mult, adaptive_sl_min_pct, adaptive_sl_max_pct, risk_use_adaptive_sl,
			max_portfolio_risk, entry_percentile, dca_percentile, cooldown_seconds, min_fill_gap_seconds,
			api_key_enc, secret_key_enc, created_at, updated_at)
		VALUES ($1, $2, $3, false, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26, $26)
		RETURNING id`

	now := time.Now()
	s.IsActive = false
	s.CreatedAt = now
	s.UpdatedAt = now

	return r.db.QueryRowContext(ctx, query,
		s.Name,
		s.Exchange,
		pq.Array(s.Symbols),
		s.Leverage,
		s.MarginPerLayer,
		s.StartStepPercent,
		s.StepConvexity,
		s.SizeGrowth,
		s.MaxLayers,
		s.VolatilityRef,
		s.TakeProfitPercent,
		s.ExitCushion,
		s.StopLossPercent,
		s.AdaptiveStopLoss,
		s.AdaptiveSLATRMult,
		s.AdaptiveSLMinPct,
		s.AdaptiveSLMaxPct,
		s.RiskUseAdaptiveSL,
		s.MaxPortfolioRisk,
		s.EntryPercentile,
		s.DCAPercentile,
		s.CooldownSeconds,
		s.MinFillGapSeconds,
		s.APIKeyEnc,
		s.SecretKeyEnc,
		now,
	).Scan(&s.ID)
}

// GetByID возвращает стратегию по ID
func (r *StrategyRepository) GetByID(ctx context.Context, id int) (*models.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE id = $1`

	s, err := scanStrategy(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStrategyNotFound
		}
		return nil, err
	}
	return s, nil
}

// GetActive возвращает активную стратегию
func (r *StrategyRepository) GetActive(ctx context.Context) (*models.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE is_active LIMIT 1`

	s, err := scanStrategy(r.db.QueryRowContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoActiveStrategy
		}
		return nil, err
	}
	return s, nil
}

// List возвращает все стратегии
func (r *StrategyRepository) List(ctx context.Context) ([]*models.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var strategies []*models.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, s)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return strategies, nil
}

// Update обновляет параметры стратегии. Флаг активности меняется только
// через SetActive/Deactivate.
func (r *StrategyRepository) Update(ctx context.Context, s *models.Strategy) error {
	query := `
		UPDATE strategies
		SET name = $1, exchange = $2, symbols = $3, leverage = $4, margin_per_layer = $5,
			start_step_percent = $6, step_convexity = $7, size_growth = $8, max_layers = $9,
			volatility_ref = $10, take_profit_percent = $11, exit_cushion = $12, stop_loss_percent = $13,
			adaptive_stop_loss = $14, adaptive_sl_atr_mult = $15, adaptive_sl_min_pct = $16,
			adaptive_sl_max_pct = $17, risk_use_adaptive_sl = $18, max_portfolio_risk = $19,
			entry_percentile = $20, dca_percentile = $21, cooldown_seconds = $22,
			min_fill_gap_seconds = $23, api_key_enc = $24, secret_key_enc = $25, updated_at = $26
		WHERE id = $27`

	s.UpdatedAt = time.Now()
	result, err := r.db.ExecContext(ctx, query,
		s.Name,
		s.Exchange,
		pq.Array(s.Symbols),
		s.Leverage,
		s.MarginPerLayer,
		s.StartStepPercent,
		s.StepConvexity,
		s.SizeGrowth,
		s.MaxLayers,
		s.VolatilityRef,
		s.TakeProfitPercent,
		s.ExitCushion,
		s.StopLossPercent,
		s.AdaptiveStopLoss,
		s.AdaptiveSLATRMult,
		s.AdaptiveSLMinPct,
		s.AdaptiveSLMaxPct,
		s.RiskUseAdaptiveSL,
		s.MaxPortfolioRisk,
		s.EntryPercentile,
		s.DCAPercentile,
		s.CooldownSeconds,
		s.MinFillGapSeconds,
		s.APIKeyEnc,
		s.SecretKeyEnc,
		s.UpdatedAt,
		s.ID,
	)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrStrategyNotFound)
}

// SetActive делает стратегию единственной активной
func (r *StrategyRepository) SetActive(ctx context.Context, id int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE strategies SET is_active = false, updated_at = $1 WHERE is_active AND id <> $2`,
		now, id); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE strategies SET is_active = true, updated_at = $1 WHERE id = $2`,
		now, id)
	if err != nil {
		return err
	}
	if err := expectAffected(result, ErrStrategyNotFound); err != nil {
		return err
	}

	return tx.Commit()
}

// Deactivate снимает флаг активности
func (r *StrategyRepository) Deactivate(ctx context.Context, id int) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE strategies SET is_active = false, updated_at = $1 WHERE id = $2`,
		time.Now(), id)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrStrategyNotFound)
}

// rowScanner - общий интерфейс *sql.Row и *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStrategy(row rowScanner) (*models.Strategy, error) {
	s := &models.Strategy{}
	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.Exchange,
		pq.Array(&s.Symbols),
		&s.IsActive,
		&s.Leverage,
		&s.MarginPerLayer,
		&s.StartStepPercent,
		&s.StepConvexity,
		&s.SizeGrowth,
		&s.MaxLayers,
		&s.VolatilityRef,
		&s.TakeProfitPercent,
		&s.ExitCushion,
		&s.StopLossPercent,
		&s.AdaptiveStopLoss,
		&s.AdaptiveSLATRMult,
		&s.AdaptiveSLMinPct,
		&s.AdaptiveSLMaxPct,
		&s.RiskUseAdaptiveSL,
		&s.MaxPortfolioRisk,
		&s.EntryPercentile,
		&s.DCAPercentile,
		&s.CooldownSeconds,
		&s.MinFillGapSeconds,
		&s.APIKeyEnc,
		&s.SecretKeyEnc,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// expectAffected возвращает notFound, если запрос не затронул ни одной строки
func expectAffected(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}
