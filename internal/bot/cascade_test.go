package bot

import (
	"fmt"
	"testing"
	"time"

	"liqbot/internal/models"
)

func newTestDetector(now *time.Time) *CascadeDetector {
	d := NewCascadeDetector(DefaultCascadeConfig())
	d.now = func() time.Time { return *now }
	return d
}

func newLiq(id, symbol string, value float64, at time.Time) *models.Liquidation {
	return &models.Liquidation{
		ID:        id,
		Symbol:    symbol,
		Side:      models.SideShort,
		Quantity:  value / 50000,
		Price:     50000,
		Value:     value,
		Timestamp: at,
	}
}

func TestBandForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  CascadeBand
	}{
		{0, BandGreen},
		{1.9, BandGreen},
		{2, BandYellow},
		{3.5, BandYellow},
		{4, BandOrange},
		{5, BandOrange},
		{6, BandRed},
		{9, BandRed},
	}
	for _, tt := range tests {
		if got := BandForScore(tt.score); got != tt.want {
			t.Errorf("BandForScore(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

// ============================================================
// Монотонность и затухание
// ============================================================

func liqSeries(prefix string, n int, value float64, at func(i int) time.Time) []*models.Liquidation {
	out := make([]*models.Liquidation, n)
	for i := range out {
		out[i] = newLiq(fmt.Sprintf("%s%d", prefix, i), "BTCUSDT", value, at(i))
	}
	return out
}

func TestCascade_MonotonicInLiquidations(t *testing.T) {
	now := time.Unix(1700000000, 0)
	at := func(d time.Duration) func(int) time.Time {
		return func(int) time.Time { return now.Add(-d) }
	}
	lastSeconds := func(i int) time.Time { return now.Add(-time.Duration(30-i%30) * time.Second) }

	tests := []struct {
		name        string
		historySize int
		history     []*models.Liquidation
		added       []*models.Liquidation
		wantScore   float64
		wantCount   int
	}{
		{
			name:      "burst on calm history",
			history:   liqSeries("h", 20, 10000, func(i int) time.Time { return now.Add(-time.Hour + time.Duration(i)*time.Minute) }),
			added:     liqSeries("c", 30, 40000, lastSeconds),
			wantScore: 6,
			wantCount: 30,
		},
		{
			// старые ликвидации не меняют балл окна
			name: "older liquidations added after burst",
			history: append(
				liqSeries("h", 1, 100, at(10*time.Minute)),
				liqSeries("c", 15, 100000, at(0))...,
			),
			added: append(
				liqSeries("o", 1, 100000, at(10*time.Minute)),
				liqSeries("x", 1, 10000000, at(30*time.Minute))...,
			),
			wantScore: 6,
			wantCount: 15,
		},
		{
			name:      "cold start without history",
			added:     liqSeries("c", 200, 1000000, at(0)),
			wantScore: 6,
			wantCount: 200,
		},
		{
			name:        "history trimmed by size",
			historySize: 10,
			history:     liqSeries("h", 10, 10000, at(time.Hour)),
			added: append(
				liqSeries("c", 30, 40000, lastSeconds),
				liqSeries("o", 5, 500000, at(2*time.Hour))...,
			),
			wantScore: 6,
			wantCount: 30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultCascadeConfig()
			if tt.historySize > 0 {
				cfg.HistorySize = tt.historySize
			}
			d := NewCascadeDetector(cfg)
			d.now = func() time.Time { return now }

			for _, liq := range tt.history {
				d.Observe(liq)
			}
			prev := d.Assess("BTCUSDT").Score
			for i, liq := range tt.added {
				a := d.Observe(liq)
				if a.Score < prev {
					t.Fatalf("score decreased after liquidation %d (%s): %v < %v", i, liq.ID, a.Score, prev)
				}
				prev = a.Score
			}

			final := d.Assess("BTCUSDT")
			if final.Score != tt.wantScore {
				t.Errorf("final score = %v, want %v", final.Score, tt.wantScore)
			}
			if final.Count != tt.wantCount {
				t.Errorf("window count = %d, want %d", final.Count, tt.wantCount)
			}
			if tt.wantScore >= 6 && !final.Blocked() {
				t.Errorf("band = %s, want red", final.Band)
			}
		})
	}
}

func TestCascade_NotionalTiers(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tests := []struct {
		name  string
		value float64
		want  float64
	}{
		{"below mid", 240000, 0},
		{"mid", 250000, 1},
		{"high", 1000000, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDetector(&now)
			// одно событие: количество и скорость баллов не дают
			a := d.Observe(newLiq("n", "BTCUSDT", tt.value, now))
			if a.Score != tt.want {
				t.Errorf("score = %v, want %v", a.Score, tt.want)
			}
		})
	}
}

func TestCascade_DecaysAsWindowAges(t *testing.T) {
	now := time.Unix(1700000000, 0)
	d := newTestDetector(&now)

	for i := 0; i < 15; i++ {
		d.Observe(newLiq(fmt.Sprintf("c%d", i), "ETHUSDT", 5000, now))
	}
	hot := d.Assess("ETHUSDT")
	if hot.Band == BandGreen {
		t.Fatalf("burst must raise band, got %s (score %v)", hot.Band, hot.Score)
	}

	now = now.Add(10 * time.Minute)
	cold := d.Assess("ETHUSDT")
	if cold.Score != 0 || cold.Band != BandGreen || cold.Count != 0 {
		t.Errorf("aged window must reset, got %+v", cold)
	}
}

func TestCascade_RedBlocks(t *testing.T) {
	now := time.Unix(1700000000, 0)
	d := newTestDetector(&now)
	var a CascadeAssessment
	for i := 0; i < 15; i++ {
		a = d.Observe(newLiq(fmt.Sprintf("r%d", i), "SOLUSDT", 100000, now))
	}
	// count 15 → 2, velocity 15 → 2, notional 1.5M → 2
	if a.Score != 6 || !a.Blocked() {
		t.Errorf("expected red block, got score=%v band=%s", a.Score, a.Band)
	}
	if a.Quality != ReversalPoor {
		t.Errorf("red band quality = %s", a.Quality)
	}
}

func TestCascade_OpenInterestDrop(t *testing.T) {
	now := time.Unix(1700000000, 0)
	d := newTestDetector(&now)

	d.RecordOpenInterest("BTCUSDT", 1000, now.Add(-50*time.Second))
	d.RecordOpenInterest("BTCUSDT", 980, now)

	a := d.Assess("BTCUSDT")
	if a.OIDelta1m != -2 {
		t.Errorf("OIDelta1m = %v, want -2", a.OIDelta1m)
	}
	if a.Score != 1 {
		t.Errorf("OI drop must add one point, score = %v", a.Score)
	}
}

// ============================================================
// Перцентиль и LQ
// ============================================================

func TestCascade_PercentileAndLQ(t *testing.T) {
	now := time.Unix(1700000000, 0)
	d := newTestDetector(&now)

	for i, v := range []float64{10000, 20000, 30000, 60000} {
		d.Observe(newLiq(fmt.Sprintf("p%d", i), "BTCUSDT", v, now.Add(-time.Hour)))
	}

	if p := d.Percentile("BTCUSDT", 50000); p != 75 {
		t.Errorf("Percentile = %v, want 75", p)
	}

	a := d.Observe(newLiq("x", "BTCUSDT", 50000, now))
	if a.Percentile != 75 {
		t.Errorf("Observe percentile = %v, want 75", a.Percentile)
	}
	// медиана истории 25000
	if a.LQScore != 2 {
		t.Errorf("LQScore = %v, want 2", a.LQScore)
	}
	if a.Band != BandGreen {
		t.Errorf("single liquidation band = %s", a.Band)
	}
}

func TestCascade_SymbolsAreIndependent(t *testing.T) {
	now := time.Unix(1700000000, 0)
	d := newTestDetector(&now)
	for i := 0; i < 20; i++ {
		d.Observe(newLiq(fmt.Sprintf("a%d", i), "BTCUSDT", 1000, now))
	}
	if a := d.Assess("ETHUSDT"); a.Count != 0 || a.Score != 0 {
		t.Errorf("other symbol affected: %+v", a)
	}
}

func TestCascade_SeedRestoresHistory(t *testing.T) {
	now := time.Unix(1700000000, 0)
	d := newTestDetector(&now)
	d.Seed([]*models.Liquidation{
		newLiq("1", "BTCUSDT", 100, now.Add(-time.Hour)),
		newLiq("2", "BTCUSDT", 300, now.Add(-2*time.Hour)),
		newLiq("old", "BTCUSDT", 999999, now.Add(-48*time.Hour)),
	})
	if p := d.Percentile("BTCUSDT", 200); p != 50 {
		t.Errorf("Percentile after seed = %v, want 50", p)
	}
}
