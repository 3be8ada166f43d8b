package models

import "time"

// Strategy - параметры торговой стратегии.
// Активной может быть только одна стратегия; активация выполняется извне (API/CLI).
type Strategy struct {
	ID       int      `json:"id" db:"id"`
	Name     string   `json:"name" db:"name"`
	Exchange string   `json:"exchange" db:"exchange"` // binance, bybit
	Symbols  []string `json:"symbols" db:"symbols"`   // выбранные символы
	IsActive bool     `json:"is_active" db:"is_active"`

	Leverage       int     `json:"leverage" db:"leverage"`
	MarginPerLayer float64 `json:"margin_per_layer" db:"margin_per_layer"` // маржа первого слоя, USDT

	// Сетка усреднения
	StartStepPercent float64 `json:"start_step_percent" db:"start_step_percent"` // Δ1, % от цены входа
	StepConvexity    float64 `json:"step_convexity" db:"step_convexity"`         // p
	SizeGrowth       float64 `json:"size_growth" db:"size_growth"`               // g
	MaxLayers        int     `json:"max_layers" db:"max_layers"`
	VolatilityRef    float64 `json:"volatility_ref" db:"volatility_ref"` // Vref, ATR в % от цены

	// Выход
	TakeProfitPercent float64 `json:"take_profit_percent" db:"take_profit_percent"`
	ExitCushion       float64 `json:"exit_cushion" db:"exit_cushion"`
	StopLossPercent   float64 `json:"stop_loss_percent" db:"stop_loss_percent"`
	AdaptiveStopLoss  bool    `json:"adaptive_stop_loss" db:"adaptive_stop_loss"`
	AdaptiveSLATRMult float64 `json:"adaptive_sl_atr_mult" db:"adaptive_sl_atr_mult"`
	AdaptiveSLMinPct  float64 `json:"adaptive_sl_min_pct" db:"adaptive_sl_min_pct"`
	AdaptiveSLMaxPct  float64 `json:"adaptive_sl_max_pct" db:"adaptive_sl_max_pct"`
	RiskUseAdaptiveSL bool    `json:"risk_use_adaptive_sl" db:"risk_use_adaptive_sl"` // стоп для расчёта риска
	MaxPortfolioRisk  float64 `json:"max_portfolio_risk" db:"max_portfolio_risk"`     // % от баланса

	// Фильтры входа
	EntryPercentile   float64 `json:"entry_percentile" db:"entry_percentile"`
	DCAPercentile     float64 `json:"dca_percentile" db:"dca_percentile"`
	CooldownSeconds   int     `json:"cooldown_seconds" db:"cooldown_seconds"`
	MinFillGapSeconds int     `json:"min_fill_gap_seconds" db:"min_fill_gap_seconds"`

	// Ключи API хранятся только в зашифрованном виде
	APIKeyEnc    string `json:"-" db:"api_key_enc"`
	SecretKeyEnc string `json:"-" db:"secret_key_enc"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Значения по умолчанию для новых стратегий
const (
	DefaultCooldownSeconds   = 60
	DefaultMinFillGapSeconds = 120
)

// Cooldown - минимальный интервал между входами по одному ключу (symbol, side)
func (s *Strategy) Cooldown() time.Duration {
	if s.CooldownSeconds <= 0 {
		return DefaultCooldownSeconds * time.Second
	}
	return time.Duration(s.CooldownSeconds) * time.Second
}

// MinFillGap - минимальный интервал между последним исполнением и следующим слоем
func (s *Strategy) MinFillGap() time.Duration {
	if s.MinFillGapSeconds <= 0 {
		return DefaultMinFillGapSeconds * time.Second
	}
	return time.Duration(s.MinFillGapSeconds) * time.Second
}

// HasSymbol проверяет, выбран ли символ в стратегии
func (s *Strategy) HasSymbol(symbol string) bool {
	for _, sym := range s.Symbols {
		if sym == symbol {
			return true
		}
	}
	return false
}

// HasCredentials - заданы ли ключи API
func (s *Strategy) HasCredentials() bool {
	return s.APIKeyEnc != "" && s.SecretKeyEnc != ""
}
