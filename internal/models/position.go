package models

import (
	"math"
	"time"
)

// Position - позиция по (сессия, символ, сторона).
//
// Количество и средняя цена меняются только подтверждёнными исполнениями (Fill).
// Открытой может быть только одна позиция на (session, symbol, side).
type Position struct {
	ID                   int        `json:"id" db:"id"`
	SessionID            int        `json:"session_id" db:"session_id"`
	Symbol               string     `json:"symbol" db:"symbol"`
	Side                 string     `json:"side" db:"side"` // long, short
	Quantity             float64    `json:"quantity" db:"quantity"`
	AvgEntryPrice        float64    `json:"avg_entry_price" db:"avg_entry_price"`
	TotalCost            float64    `json:"total_cost" db:"total_cost"` // маржа, USDT
	UnrealizedPNLPercent float64    `json:"unrealized_pnl_percent" db:"unrealized_pnl_percent"`
	RealizedPNL          float64    `json:"realized_pnl" db:"realized_pnl"`
	Fees                 float64    `json:"fees" db:"fees"`
	LayersFilled         int        `json:"layers_filled" db:"layers_filled"`
	MaxLayers            int        `json:"max_layers" db:"max_layers"`
	LastLayerPrice       float64    `json:"last_layer_price" db:"last_layer_price"`
	LastFillAt           *time.Time `json:"last_fill_at,omitempty" db:"last_fill_at"`
	IsOpen               bool       `json:"is_open" db:"is_open"`
	OpenedAt             time.Time  `json:"opened_at" db:"opened_at"`
	ClosedAt             *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// Стороны позиции
const (
	SideLong  = "long"
	SideShort = "short"
)

// quantityEpsilon - остаток, ниже которого позиция считается закрытой
const quantityEpsilon = 1e-9

// Key - ключ блокировки и кулдауна для позиции
func (p *Position) Key() string {
	return PositionKey(p.Symbol, p.Side)
}

// PositionKey - ключ (symbol, side)
func PositionKey(symbol, side string) string {
	return symbol + ":" + side
}

// ApplyEntryFill учитывает исполнение входного ордера (слой layer >= 1)
func (p *Position) ApplyEntryFill(f *Fill, leverage int) {
	if f.Quantity <= 0 || f.Price <= 0 {
		return
	}
	if leverage <= 0 {
		leverage = 1
	}

	newQty := p.Quantity + f.Quantity
	p.AvgEntryPrice = (p.AvgEntryPrice*p.Quantity + f.Price*f.Quantity) / newQty
	p.Quantity = newQty
	p.TotalCost += f.Price * f.Quantity / float64(leverage)
	p.Fees += f.Fee
	if f.Layer > p.LayersFilled {
		p.LayersFilled = f.Layer
	}
	p.LastLayerPrice = f.Price
	at := f.FilledAt
	p.LastFillAt = &at
}

// ApplyExitFill учитывает исполнение закрывающего ордера.
// Реализованный PNL берётся из данных биржи (f.RealizedPNL).
// Возвращает true, если позиция закрыта полностью.
func (p *Position) ApplyExitFill(f *Fill) bool {
	if f.Quantity <= 0 {
		return false
	}

	closing := math.Min(f.Quantity, p.Quantity)
	if p.Quantity > 0 {
		p.TotalCost -= p.TotalCost * closing / p.Quantity
	}
	p.Quantity -= closing
	p.RealizedPNL += f.RealizedPNL
	p.Fees += f.Fee
	at := f.FilledAt
	p.LastFillAt = &at

	if p.Quantity <= quantityEpsilon {
		p.Quantity = 0
		p.TotalCost = 0
		p.Close(at)
		return true
	}
	return false
}

// Close помечает позицию закрытой. Строка в БД сохраняется.
func (p *Position) Close(at time.Time) {
	p.IsOpen = false
	p.UnrealizedPNLPercent = 0
	p.ClosedAt = &at
}

// NetPNL - реализованный PNL за вычетом комиссий
func (p *Position) NetPNL() float64 {
	return p.RealizedPNL - p.Fees
}

// Notional - номинальная стоимость позиции по средней цене
func (p *Position) Notional() float64 {
	return p.Quantity * p.AvgEntryPrice
}

// ReplayFills восстанавливает количество и среднюю цену позиции из журнала исполнений.
// Исполнения применяются в переданном порядке.
func ReplayFills(base Position, fills []Fill, leverage int) Position {
	p := base
	p.Quantity = 0
	p.AvgEntryPrice = 0
	p.TotalCost = 0
	p.RealizedPNL = 0
	p.Fees = 0
	p.LayersFilled = 0
	p.IsOpen = true
	p.ClosedAt = nil

	for i := range fills {
		f := fills[i]
		if f.Layer == ExitLayer {
			p.ApplyExitFill(&f)
		} else {
			p.ApplyEntryFill(&f, leverage)
		}
	}
	return p
}
