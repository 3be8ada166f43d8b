package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"liqbot/internal/models"
)

// ============================================================
// LiquidationRepository Tests
// ============================================================

func TestLiquidationRepositorySave(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := &models.Liquidation{
		ID: "BTCUSDT-1709294400000-1", Symbol: "BTCUSDT", Side: models.SideShort,
		Quantity: 1.2, Price: 50000, Value: 60000, Timestamp: at,
	}

	tests := []struct {
		name      string
		mockSetup func(mock sqlmock.Sqlmock)
		wantSaved bool
		wantErr   bool
	}{
		{
			name: "new event",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO liquidations .+ ON CONFLICT \(id\) DO NOTHING`).
					WithArgs(l.ID, "BTCUSDT", models.SideShort, 1.2, 50000.0, 60000.0, at).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			wantSaved: true,
		},
		{
			name: "duplicate id",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO liquidations`).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantSaved: false,
		},
		{
			name: "database error",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO liquidations`).
					WillReturnError(errors.New("database error"))
			},
			wantErr: true,
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

			repo := NewLiquidationRepository(db)
			saved, err := repo.Save(context.Background(), l)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Save() error = %v, wantErr %v", err, tt.wantErr)
			}
			if saved != tt.wantSaved {
				t.Errorf("Save() saved = %v, want %v", saved, tt.wantSaved)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestLiquidationRepositoryListSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .+ FROM liquidations\s+WHERE timestamp >= \$1`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"id", "symbol", "side", "quantity", "price", "value", "timestamp"}).
			AddRow("a", "BTCUSDT", "short", 1.0, 50000.0, 50000.0, since.Add(time.Hour)).
			AddRow("b", "ETHUSDT", "long", 10.0, 3000.0, 30000.0, since.Add(2*time.Hour)))

	repo := NewLiquidationRepository(db)
	list, err := repo.ListSince(context.Background(), since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 events, got %d", len(list))
	}
	if list[0].EntrySide() != models.SideLong {
		t.Errorf("short liquidation must map to long entry, got %s", list[0].EntrySide())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestLiquidationRepositoryDeleteOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	before := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`DELETE FROM liquidations WHERE timestamp < \$1`).
		WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 42))

	repo := NewLiquidationRepository(db)
	n, err := repo.DeleteOlderThan(context.Background(), before)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 42 {
		t.Errorf("deleted = %d, want 42", n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// ============================================================
// NotificationRepository Tests
// ============================================================

func TestNotificationRepositoryCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	strategyID := 2
	mock.ExpectQuery(`INSERT INTO notifications`).
		WithArgs(at, models.NotificationTypeBlock, models.SeverityInfo, 2, "BTCUSDT", "long",
			"entry blocked", []byte(`{"reason":"cooldown active"}`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	n := &models.Notification{
		Timestamp:  at,
		Type:       models.NotificationTypeBlock,
		Severity:   models.SeverityInfo,
		StrategyID: &strategyID,
		Symbol:     "BTCUSDT",
		Side:       "long",
		Message:    "entry blocked",
		Meta:       map[string]interface{}{"reason": "cooldown active"},
	}

	repo := NewNotificationRepository(db)
	if err := repo.Create(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ID != 1 {
		t.Errorf("expected ID=1, got %d", n.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestNotificationRepositoryGetRecent(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	columns := []string{"id", "timestamp", "type", "severity", "strategy_id", "symbol", "side", "message", "meta"}

	tests := []struct {
		name      string
		types     []string
		mockSetup func(mock sqlmock.Sqlmock)
	}{
		{
			name: "all types",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT .+ FROM notifications\s+ORDER BY`).
					WithArgs(10).
					WillReturnRows(sqlmock.NewRows(columns).
						AddRow(2, at, "CLOSE", "info", 2, "BTCUSDT", "long", "position closed", []byte(`{"pnl":18.5}`)).
						AddRow(1, at, "STREAM", "warn", nil, "", "", "reconnecting", nil))
			},
		},
		{
			name:  "filtered",
			types: []string{"CLOSE", "STREAM"},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT .+ FROM notifications\s+WHERE type = ANY\(\$1\)`).
					WithArgs(sqlmock.AnyArg(), 10).
					WillReturnRows(sqlmock.NewRows(columns).
						AddRow(2, at, "CLOSE", "info", 2, "BTCUSDT", "long", "position closed", []byte(`{"pnl":18.5}`)).
						AddRow(1, at, "STREAM", "warn", nil, "", "", "reconnecting", nil))
			},
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

			repo := NewNotificationRepository(db)
			list, err := repo.GetRecent(context.Background(), tt.types, 10)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(list) != 2 {
				t.Fatalf("expected 2 notifications, got %d", len(list))
			}
			if list[0].Meta["pnl"] != 18.5 {
				t.Errorf("meta pnl = %v", list[0].Meta["pnl"])
			}
			if list[0].StrategyID == nil || *list[0].StrategyID != 2 {
				t.Errorf("StrategyID = %v", list[0].StrategyID)
			}
			if list[1].StrategyID != nil || list[1].Meta != nil {
				t.Errorf("unexpected second notification: %+v", list[1])
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

// ============================================================
// StatsRepository Tests
// ============================================================

func TestStatsRepositoryClosedSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(realized_pnl - fees\), 0\), COUNT\(\*\)\s+FROM positions`).
		WithArgs(8, since).
		WillReturnRows(sqlmock.NewRows([]string{"pnl", "count"}).AddRow(12.5, 3))

	repo := NewStatsRepository(db)
	stats, err := repo.ClosedSince(context.Background(), 8, since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.PNL != 12.5 || stats.Trades != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMigrate_AppliesAllStatements(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	found := false
	for _, stmt := range schema {
		if strings.Contains(stmt, "positions_one_open") {
			found = true
			mock.ExpectExec(`CREATE UNIQUE INDEX IF NOT EXISTS positions_one_open ON positions \(session_id, symbol, side\) WHERE is_open`).
				WillReturnResult(sqlmock.NewResult(0, 0))
			continue
		}
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	if !found {
		t.Fatal("schema has no unique index for open positions")
	}

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	for range schema[:3] {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec(`CREATE`).WillReturnError(errors.New("permission denied"))

	if err := Migrate(context.Background(), db); err == nil {
		t.Fatal("expected error, got nil")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
