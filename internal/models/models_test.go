package models

import (
	"math"
	"testing"
	"time"
)

func floatEq(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// ============================================================
// Position
// ============================================================

func TestPosition_ApplyEntryFill_VolumeWeightedAverage(t *testing.T) {
	p := &Position{Symbol: "BTCUSDT", Side: SideLong, IsOpen: true}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	p.ApplyEntryFill(&Fill{Quantity: 1, Price: 100, Fee: 0.04, Layer: 1, FilledAt: t0}, 10)
	p.ApplyEntryFill(&Fill{Quantity: 2, Price: 94, Fee: 0.08, Layer: 2, FilledAt: t0.Add(time.Minute)}, 10)

	if !floatEq(p.Quantity, 3) {
		t.Errorf("Quantity = %v, want 3", p.Quantity)
	}
	if !floatEq(p.AvgEntryPrice, 96) {
		t.Errorf("AvgEntryPrice = %v, want 96", p.AvgEntryPrice)
	}
	if !floatEq(p.TotalCost, 28.8) {
		t.Errorf("TotalCost = %v, want 28.8", p.TotalCost)
	}
	if p.LayersFilled != 2 {
		t.Errorf("LayersFilled = %d, want 2", p.LayersFilled)
	}
	if p.LastLayerPrice != 94 {
		t.Errorf("LastLayerPrice = %v, want 94", p.LastLayerPrice)
	}
	if p.LastFillAt == nil || !p.LastFillAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("LastFillAt = %v", p.LastFillAt)
	}
}

func TestPosition_ApplyEntryFill_IgnoresInvalid(t *testing.T) {
	p := &Position{Quantity: 1, AvgEntryPrice: 100}
	p.ApplyEntryFill(&Fill{Quantity: 0, Price: 50, Layer: 2}, 1)
	p.ApplyEntryFill(&Fill{Quantity: 1, Price: 0, Layer: 2}, 1)

	if p.Quantity != 1 || p.AvgEntryPrice != 100 {
		t.Errorf("position mutated by invalid fill: %+v", p)
	}
}

func TestPosition_ApplyExitFill(t *testing.T) {
	p := &Position{Quantity: 2, AvgEntryPrice: 100, TotalCost: 20, IsOpen: true}
	at := time.Now()

	closed := p.ApplyExitFill(&Fill{Quantity: 1, Price: 110, RealizedPNL: 10, Fee: 0.05, FilledAt: at})
	if closed {
		t.Fatal("partial exit must not close position")
	}
	if !floatEq(p.Quantity, 1) || !floatEq(p.TotalCost, 10) {
		t.Errorf("after partial exit: qty=%v cost=%v", p.Quantity, p.TotalCost)
	}

	closed = p.ApplyExitFill(&Fill{Quantity: 1, Price: 105, RealizedPNL: 5, Fee: 0.05, FilledAt: at})
	if !closed {
		t.Fatal("full exit must close position")
	}
	if p.IsOpen || p.ClosedAt == nil {
		t.Error("position must be marked closed")
	}
	if !floatEq(p.RealizedPNL, 15) {
		t.Errorf("RealizedPNL = %v, want 15", p.RealizedPNL)
	}
	if !floatEq(p.NetPNL(), 14.9) {
		t.Errorf("NetPNL = %v, want 14.9", p.NetPNL())
	}
}

func TestReplayFills_ReconstructsAverage(t *testing.T) {
	t0 := time.Now()
	fills := []Fill{
		{Quantity: 0.01, Price: 50000, Layer: 1, FilledAt: t0},
		{Quantity: 0.012, Price: 49000, Layer: 2, FilledAt: t0.Add(3 * time.Minute)},
		{Quantity: 0.0144, Price: 47500, Layer: 3, FilledAt: t0.Add(9 * time.Minute)},
	}

	var live Position
	for i := range fills {
		live.ApplyEntryFill(&fills[i], 20)
	}
	replayed := ReplayFills(Position{Symbol: "BTCUSDT"}, fills, 20)

	if !floatEq(replayed.AvgEntryPrice, live.AvgEntryPrice) {
		t.Errorf("replayed avg %v != live avg %v", replayed.AvgEntryPrice, live.AvgEntryPrice)
	}
	if !floatEq(replayed.Quantity, live.Quantity) {
		t.Errorf("replayed qty %v != live qty %v", replayed.Quantity, live.Quantity)
	}
	if replayed.LayersFilled != 3 || !replayed.IsOpen {
		t.Errorf("replayed state: layers=%d open=%v", replayed.LayersFilled, replayed.IsOpen)
	}
}

func TestReplayFills_WithExit(t *testing.T) {
	fills := []Fill{
		{Quantity: 1, Price: 100, Layer: 1, FilledAt: time.Now()},
		{Quantity: 1, Price: 102, Layer: ExitLayer, RealizedPNL: 2, FilledAt: time.Now()},
	}
	p := ReplayFills(Position{}, fills, 1)
	if p.IsOpen || p.Quantity != 0 || !floatEq(p.RealizedPNL, 2) {
		t.Errorf("replayed closed position = %+v", p)
	}
}

// ============================================================
// Strategy / Session / Liquidation
// ============================================================

func TestStrategy_Durations(t *testing.T) {
	s := &Strategy{}
	if s.Cooldown() != 60*time.Second {
		t.Errorf("default cooldown = %s", s.Cooldown())
	}
	if s.MinFillGap() != 2*time.Minute {
		t.Errorf("default min fill gap = %s", s.MinFillGap())
	}

	s.CooldownSeconds = 30
	s.MinFillGapSeconds = 300
	if s.Cooldown() != 30*time.Second || s.MinFillGap() != 5*time.Minute {
		t.Errorf("configured durations = %s / %s", s.Cooldown(), s.MinFillGap())
	}
}

func TestStrategy_HasSymbol(t *testing.T) {
	s := &Strategy{Symbols: []string{"BTCUSDT", "ETHUSDT"}}
	if !s.HasSymbol("ETHUSDT") || s.HasSymbol("SOLUSDT") {
		t.Error("HasSymbol mismatch")
	}
}

func TestTradeSession_RecordClose(t *testing.T) {
	s := &TradeSession{StartingBalance: 1000, CurrentBalance: 1000}
	s.RecordClose(10)
	s.RecordClose(-4)
	s.RecordClose(6)

	if s.TradeCount != 3 || s.WinCount != 2 {
		t.Errorf("counts = %d/%d, want 3/2", s.TradeCount, s.WinCount)
	}
	if !floatEq(s.CurrentBalance, 1012) || !floatEq(s.RealizedPNL, 12) {
		t.Errorf("balance=%v pnl=%v", s.CurrentBalance, s.RealizedPNL)
	}
	if !floatEq(s.WinRate(), 200.0/3) {
		t.Errorf("WinRate = %v", s.WinRate())
	}
	if (&TradeSession{}).WinRate() != 0 {
		t.Error("empty session win rate must be 0")
	}
}

func TestLiquidation_EntrySide(t *testing.T) {
	tests := []struct {
		side string
		want string
	}{
		{SideShort, SideLong},
		{SideLong, SideShort},
	}
	for _, tt := range tests {
		l := &Liquidation{Side: tt.side}
		if got := l.EntrySide(); got != tt.want {
			t.Errorf("EntrySide(%s) = %s, want %s", tt.side, got, tt.want)
		}
	}
}

func TestIsTerminalOrderStatus(t *testing.T) {
	terminal := []string{OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired}
	for _, s := range terminal {
		if !IsTerminalOrderStatus(s) {
			t.Errorf("%s must be terminal", s)
		}
	}
	for _, s := range []string{OrderStatusPending, OrderStatusNew, OrderStatusPartial} {
		if IsTerminalOrderStatus(s) {
			t.Errorf("%s must not be terminal", s)
		}
	}
}
