package models

import "time"

// TradeSession - торговая сессия стратегии.
// Сессии не удаляются: "начать заново" архивирует текущую и открывает новую.
type TradeSession struct {
	ID              int        `json:"id" db:"id"`
	StrategyID      int        `json:"strategy_id" db:"strategy_id"`
	StartingBalance float64    `json:"starting_balance" db:"starting_balance"`
	CurrentBalance  float64    `json:"current_balance" db:"current_balance"`
	RealizedPNL     float64    `json:"realized_pnl" db:"realized_pnl"`
	TradeCount      int        `json:"trade_count" db:"trade_count"`
	WinCount        int        `json:"win_count" db:"win_count"`
	IsActive        bool       `json:"is_active" db:"is_active"`
	StartedAt       time.Time  `json:"started_at" db:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

// WinRate - доля прибыльных сделок в процентах
func (s *TradeSession) WinRate() float64 {
	if s.TradeCount == 0 {
		return 0
	}
	return float64(s.WinCount) / float64(s.TradeCount) * 100
}

// RecordClose учитывает закрытую сделку в статистике сессии
func (s *TradeSession) RecordClose(realizedPNL float64) {
	s.TradeCount++
	if realizedPNL > 0 {
		s.WinCount++
	}
	s.RealizedPNL += realizedPNL
	s.CurrentBalance += realizedPNL
}

// SessionStats - сводка по сессии для API
type SessionStats struct {
	Session       TradeSession `json:"session"`
	WinRate       float64      `json:"win_rate"`
	OpenPositions int          `json:"open_positions"`
	TodayPNL      float64      `json:"today_pnl"`
	TodayTrades   int          `json:"today_trades"`
	WeekPNL       float64      `json:"week_pnl"`
	WeekTrades    int          `json:"week_trades"`
	MonthPNL      float64      `json:"month_pnl"`
	MonthTrades   int          `json:"month_trades"`
	FilledRisk    float64      `json:"filled_risk"`
	ReservedRisk  float64      `json:"reserved_risk"`
}
