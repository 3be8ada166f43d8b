package bot

import (
	"errors"
	"testing"

	"liqbot/internal/models"
)

func riskStrategy() *models.Strategy {
	return &models.Strategy{
		Leverage:          10,
		MarginPerLayer:    100,
		StartStepPercent:  1,
		StepConvexity:     1,
		SizeGrowth:        1,
		MaxLayers:         2,
		TakeProfitPercent: 1,
		StopLossPercent:   5,
		AdaptiveSLATRMult: 2,
		AdaptiveSLMinPct:  2,
		AdaptiveSLMaxPct:  10,
		MaxPortfolioRisk:  10,
	}
}

func openLong(qty, avg float64, layers int) *models.Position {
	return &models.Position{
		Symbol:         "BTCUSDT",
		Side:           models.SideLong,
		Quantity:       qty,
		AvgEntryPrice:  avg,
		LastLayerPrice: avg,
		LayersFilled:   layers,
		MaxLayers:      2,
		IsOpen:         true,
	}
}

// ============================================================
// Заполненный риск
// ============================================================

func TestRiskManager_FilledRisk(t *testing.T) {
	rm := NewRiskManager(riskStrategy())

	tests := []struct {
		name  string
		input RiskInput
		want  float64
	}{
		{
			name:  "mark price unknown uses average",
			input: RiskInput{Position: openLong(0.02, 50000, 2)},
			want:  0.02 * 2500,
		},
		{
			name:  "mark below average",
			input: RiskInput{Position: openLong(0.02, 50000, 2), Price: 49000},
			want:  0.02 * 1500,
		},
		{
			name: "short position",
			input: RiskInput{Position: &models.Position{
				Symbol: "ETHUSDT", Side: models.SideShort, Quantity: 1, AvgEntryPrice: 3000,
				LayersFilled: 2, MaxLayers: 2, IsOpen: true,
			}, Price: 3000},
			want: 150,
		},
		{
			name:  "closed position ignored",
			input: RiskInput{Position: &models.Position{Quantity: 1, AvgEntryPrice: 100, IsOpen: false}},
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := rm.Evaluate([]RiskInput{tt.input}, 10000)
			if !almostEqual(snap.FilledRisk, tt.want) {
				t.Errorf("FilledRisk = %v, want %v", snap.FilledRisk, tt.want)
			}
		})
	}
}

func TestRiskManager_Limit(t *testing.T) {
	rm := NewRiskManager(riskStrategy())
	inputs := []RiskInput{{Position: openLong(0.02, 50000, 2)}} // риск 50

	tests := []struct {
		name    string
		balance float64
		blocked bool
	}{
		{"under limit", 1000, false},
		{"just under limit", 510, false},
		{"over limit", 400, true},
		{"unknown balance", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := rm.Evaluate(inputs, tt.balance)
			if snap.Blocked != tt.blocked {
				t.Errorf("Blocked = %v, want %v (limit %v)", snap.Blocked, tt.blocked, snap.Limit)
			}
			err := snap.Check()
			if tt.blocked != errors.Is(err, ErrRiskLimit) {
				t.Errorf("Check() = %v", err)
			}
		})
	}
}

func TestRiskManager_ReservedNeverBlocks(t *testing.T) {
	rm := NewRiskManager(riskStrategy())
	// один слой из двух: резерв учитывает второй слой на 49500
	snap := rm.Evaluate([]RiskInput{{Position: openLong(0.02, 50000, 1)}}, 600)

	add := 1000.0 / 49500
	avg := (0.02*50000 + add*49500) / (0.02 + add)
	want := (0.02 + add) * (49500 - avg*0.95)
	if !almostEqual(snap.ReservedRisk, want) {
		t.Errorf("ReservedRisk = %v, want %v", snap.ReservedRisk, want)
	}
	if snap.ReservedRisk <= snap.Limit {
		t.Fatalf("reserved risk %v must exceed limit %v for this check", snap.ReservedRisk, snap.Limit)
	}
	if snap.Blocked {
		t.Error("reserved risk must not block entries")
	}
}

func TestRiskManager_AdaptiveStop(t *testing.T) {
	s := riskStrategy()
	s.AdaptiveStopLoss = true
	s.RiskUseAdaptiveSL = true
	rm := NewRiskManager(s)

	// ATR 1.5% × 2 = 3% стоп
	if got := rm.StopFor(models.SideLong, 100, 1.5); !almostEqual(got, 97) {
		t.Errorf("adaptive long stop = %v, want 97", got)
	}

	s.RiskUseAdaptiveSL = false
	rm = NewRiskManager(s)
	if got := rm.StopFor(models.SideLong, 100, 1.5); !almostEqual(got, 95) {
		t.Errorf("fixed long stop = %v, want 95", got)
	}
}
