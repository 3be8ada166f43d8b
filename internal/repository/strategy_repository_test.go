package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"liqbot/internal/models"
)

var strategyRowColumns = []string{
	"id", "name", "exchange", "symbols", "is_active", "leverage", "margin_per_layer",
	"start_step_percent", "step_convexity", "size_growth", "max_layers", "volatility_ref",
	"take_profit_percent", "exit_cushion", "stop_loss_percent", "adaptive_stop_loss",
	"adaptive_sl_atr_mult", "adaptive_sl_min_pct", "adaptive_sl_max_pct", "risk_use_adaptive_sl",
	"max_portfolio_risk", "entry_percentile", "dca_percentile", "cooldown_seconds", "min_fill_gap_seconds",
	"api_key_enc", "secret_key_enc", "created_at", "updated_at",
}

func strategyRow(rows *sqlmock.Rows, id int, active bool) *sqlmock.Rows {
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return rows.AddRow(id, "btc-eth", "binance", "{BTCUSDT,ETHUSDT}", active, 10, 100.0,
		1.0, 1.2, 1.5, 4, 0.0,
		1.0, 1.0, 5.0, false,
		0.0, 0.0, 0.0, false,
		10.0, 75.0, 80.0, 60, 120,
		"enc-key", "enc-secret", at, at)
}

// ============================================================
// StrategyRepository Tests
// ============================================================

func TestNewStrategyRepository(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewStrategyRepository(db)
	if repo.db != db {
		t.Error("db not set correctly")
	}
}

func TestStrategyRepositoryCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO strategies`).
		WithArgs("btc", "bybit", sqlmock.AnyArg(), 10, 100.0,
			1.0, 1.0, 1.0, 3, 0.0,
			1.0, 1.0, 5.0, false,
			0.0, 0.0, 0.0, false,
			10.0, 75.0, 80.0, 60, 120,
			"", "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4))

	s := &models.Strategy{
		Name:              "btc",
		Exchange:          "bybit",
		Symbols:           []string{"BTCUSDT"},
		IsActive:          true,
		Leverage:          10,
		MarginPerLayer:    100,
		StartStepPercent:  1,
		StepConvexity:     1,
		SizeGrowth:        1,
		MaxLayers:         3,
		TakeProfitPercent: 1,
		ExitCushion:       1,
		StopLossPercent:   5,
		MaxPortfolioRisk:  10,
		EntryPercentile:   75,
		DCAPercentile:     80,
		CooldownSeconds:   60,
		MinFillGapSeconds: 120,
	}

	repo := NewStrategyRepository(db)
	if err := repo.Create(context.Background(), s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ID != 4 {
		t.Errorf("expected ID=4, got %d", s.ID)
	}
	if s.IsActive {
		t.Error("new strategy must be inactive")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestStrategyRepositoryGetActive(t *testing.T) {
	tests := []struct {
		name      string
		mockSetup func(mock sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name: "found",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT .+ FROM strategies WHERE is_active`).
					WillReturnRows(strategyRow(sqlmock.NewRows(strategyRowColumns), 2, true))
			},
		},
		{
			name: "no active strategy",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT .+ FROM strategies WHERE is_active`).
					WillReturnRows(sqlmock.NewRows(strategyRowColumns))
			},
			wantErr: ErrNoActiveStrategy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewStrategyRepository(db)
			s, err := repo.GetActive(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("GetActive() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil {
				if len(s.Symbols) != 2 || s.Symbols[1] != "ETHUSDT" {
					t.Errorf("Symbols = %v", s.Symbols)
				}
				if !s.HasSymbol("BTCUSDT") {
					t.Error("BTCUSDT must be selected")
				}
				if s.Cooldown() != time.Minute {
					t.Errorf("Cooldown() = %v", s.Cooldown())
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestStrategyRepositoryGetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM strategies WHERE id = \$1`).
		WithArgs(99).
		WillReturnRows(sqlmock.NewRows(strategyRowColumns))

	repo := NewStrategyRepository(db)
	if _, err := repo.GetByID(context.Background(), 99); !errors.Is(err, ErrStrategyNotFound) {
		t.Errorf("expected ErrStrategyNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestStrategyRepositoryList(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows(strategyRowColumns)
	strategyRow(rows, 1, false)
	strategyRow(rows, 2, true)
	mock.ExpectQuery(`SELECT .+ FROM strategies ORDER BY id`).WillReturnRows(rows)

	repo := NewStrategyRepository(db)
	list, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 || !list[1].IsActive || list[0].IsActive {
		t.Errorf("unexpected list: %+v", list)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestStrategyRepositorySetActive(t *testing.T) {
	tests := []struct {
		name      string
		mockSetup func(mock sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name: "switches active strategy",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(`UPDATE strategies SET is_active = false`).
					WithArgs(sqlmock.AnyArg(), 2).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(`UPDATE strategies SET is_active = true`).
					WithArgs(sqlmock.AnyArg(), 2).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "unknown strategy rolls back",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(`UPDATE strategies SET is_active = false`).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(`UPDATE strategies SET is_active = true`).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectRollback()
			},
			wantErr: ErrStrategyNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewStrategyRepository(db)
			if err := repo.SetActive(context.Background(), 2); !errors.Is(err, tt.wantErr) {
				t.Errorf("SetActive() error = %v, want %v", err, tt.wantErr)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestStrategyRepositoryDeactivate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE strategies SET is_active = false`).
		WithArgs(sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewStrategyRepository(db)
	if err := repo.Deactivate(context.Background(), 7); !errors.Is(err, ErrStrategyNotFound) {
		t.Errorf("expected ErrStrategyNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
