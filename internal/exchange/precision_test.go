package exchange

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testRules() []SymbolInfo {
	return []SymbolInfo{
		{Symbol: "BTCUSDT", TickSize: 0.1, StepSize: 0.001, MinQty: 0.001, MinNotional: 5},
		{Symbol: "ETHUSDT", TickSize: 0.01, StepSize: 0.01, MinQty: 0.01, MinNotional: 5},
	}
}

func TestPrecisionCache_ReloadsAfterTTL(t *testing.T) {
	loads := 0
	c := NewPrecisionCache(time.Minute, func(context.Context) ([]SymbolInfo, error) {
		loads++
		return testRules(), nil
	})
	clock := time.Now()
	c.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		if _, err := c.Get(context.Background(), "BTCUSDT"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if loads != 1 {
		t.Errorf("loads = %d, want 1 within TTL", loads)
	}

	clock = clock.Add(2 * time.Minute)
	if _, err := c.Get(context.Background(), "ETHUSDT"); err != nil {
		t.Fatalf("Get after TTL: %v", err)
	}
	if loads != 2 {
		t.Errorf("loads = %d, want 2 after TTL", loads)
	}

	c.Invalidate()
	if _, err := c.Get(context.Background(), "ETHUSDT"); err != nil {
		t.Fatal(err)
	}
	if loads != 3 {
		t.Errorf("loads = %d, want 3 after Invalidate", loads)
	}
}

func TestPrecisionCache_UnknownSymbol(t *testing.T) {
	c := NewPrecisionCache(0, func(context.Context) ([]SymbolInfo, error) { return testRules(), nil })
	if _, err := c.Get(context.Background(), "DOGEUSDT"); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("expected ErrSymbolNotFound, got %v", err)
	}
}

func TestPrecisionCache_LoadErrorIsNotCached(t *testing.T) {
	fail := true
	c := NewPrecisionCache(time.Hour, func(context.Context) ([]SymbolInfo, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return testRules(), nil
	})
	if _, err := c.Get(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("expected load error")
	}
	fail = false
	if _, err := c.Get(context.Background(), "BTCUSDT"); err != nil {
		t.Errorf("second Get must reload: %v", err)
	}
}

// ============================================================
// Округление ордера
// ============================================================

func TestRoundOrder(t *testing.T) {
	btc := testRules()[0]

	tests := []struct {
		name      string
		params    OrderParams
		wantQty   float64
		wantPrice float64
		wantStop  float64
		wantErr   error
	}{
		{
			name:      "floor qty and nearest tick",
			params:    OrderParams{Symbol: "BTCUSDT", Quantity: 0.01999, Price: 50000.06},
			wantQty:   0.019,
			wantPrice: 50000.1,
		},
		{
			name:     "stop price rounded",
			params:   OrderParams{Symbol: "BTCUSDT", Quantity: 0.002, StopPrice: 49999.94, ReduceOnly: true},
			wantQty:  0.002,
			wantStop: 49999.9,
		},
		{
			name:    "qty rounds to zero",
			params:  OrderParams{Symbol: "BTCUSDT", Quantity: 0.0009, Price: 50000},
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "below min notional",
			params:  OrderParams{Symbol: "BTCUSDT", Quantity: 0.001, Price: 1000},
			wantErr: ErrBelowMinNotional,
		},
		{
			name:     "reduce-only skips min notional",
			params:   OrderParams{Symbol: "BTCUSDT", Quantity: 0.001, StopPrice: 1000, ReduceOnly: true},
			wantQty:  0.001,
			wantStop: 1000,
		},
		{
			name:    "market without price skips notional check",
			params:  OrderParams{Symbol: "BTCUSDT", Quantity: 0.001},
			wantQty: 0.001,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.params
			got, err := roundOrder(&btc, &in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Quantity != tt.wantQty || got.Price != tt.wantPrice || got.StopPrice != tt.wantStop {
				t.Errorf("got qty=%v price=%v stop=%v", got.Quantity, got.Price, got.StopPrice)
			}
			if in.Quantity != tt.params.Quantity {
				t.Error("input params must not be mutated")
			}
		})
	}
}
