package bot

import (
	"errors"
	"fmt"
	"math"

	"liqbot/internal/models"
)

// ErrRiskLimit - заполненный риск портфеля превышает лимит стратегии
var ErrRiskLimit = errors.New("portfolio risk limit exceeded")

// RiskManager - портфельный риск-гейт
//
// Функции:
// - Заполненный риск: Σ размер × |цена − SL| по открытым позициям
// - Зарезервированный риск: заполненный риск при исполнении всех оставшихся слоёв
// - Блокировка входов и слоёв, если заполненный риск > лимит% × баланс
//
// Зарезервированный риск только отображается и никогда не блокирует.
// Какой стоп брать для расчёта (фиксированный или адаптивный) задаёт
// флаг стратегии RiskUseAdaptiveSL.
type RiskManager struct {
	params         DCAParams
	marginPerLayer float64
	leverage       int
	maxRiskPercent float64
	useAdaptiveSL  bool
}

// NewRiskManager создаёт риск-менеджер по параметрам стратегии
func NewRiskManager(s *models.Strategy) *RiskManager {
	return &RiskManager{
		params:         DCAParamsFromStrategy(s),
		marginPerLayer: s.MarginPerLayer,
		leverage:       s.Leverage,
		maxRiskPercent: s.MaxPortfolioRisk,
		useAdaptiveSL:  s.RiskUseAdaptiveSL,
	}
}

// RiskInput - открытая позиция с текущей ценой и волатильностью символа
type RiskInput struct {
	Position *models.Position
	Price    float64 // текущая (mark) цена
	ATRPct   float64
}

// RiskSnapshot - результат оценки портфеля
type RiskSnapshot struct {
	Balance      float64 `json:"balance"`
	FilledRisk   float64 `json:"filled_risk"`
	ReservedRisk float64 `json:"reserved_risk"`
	Limit        float64 `json:"limit"` // USDT, 0 - без ограничения
	Blocked      bool    `json:"blocked"`
}

// FilledRiskPercent - заполненный риск в % от баланса
func (s RiskSnapshot) FilledRiskPercent() float64 {
	if s.Balance <= 0 {
		return 0
	}
	return s.FilledRisk / s.Balance * 100
}

// Check возвращает ErrRiskLimit, если входы запрещены
func (s RiskSnapshot) Check() error {
	if s.Blocked {
		return fmt.Errorf("%w: filled %.2f > limit %.2f USDT", ErrRiskLimit, s.FilledRisk, s.Limit)
	}
	return nil
}

// Evaluate оценивает портфель при балансе balance
func (rm *RiskManager) Evaluate(inputs []RiskInput, balance float64) RiskSnapshot {
	snap := RiskSnapshot{Balance: balance}
	for _, in := range inputs {
		if in.Position == nil || !in.Position.IsOpen {
			continue
		}
		snap.FilledRisk += rm.positionRisk(in)
		snap.ReservedRisk += rm.reservedRisk(in)
	}

	// баланс ещё неизвестен - гейт не применяется
	if rm.maxRiskPercent > 0 && balance > 0 {
		snap.Limit = rm.maxRiskPercent / 100 * balance
		snap.Blocked = snap.FilledRisk > snap.Limit
	}
	return snap
}

// StopFor - стоп позиции для расчёта риска
func (rm *RiskManager) StopFor(side string, avgEntry, atrPct float64) float64 {
	if rm.useAdaptiveSL {
		return rm.params.ExitPricesFor(side, avgEntry, atrPct).StopLoss
	}
	return rm.params.FixedStopLoss(side, avgEntry)
}

func (rm *RiskManager) positionRisk(in RiskInput) float64 {
	p := in.Position
	price := in.Price
	if price <= 0 {
		price = p.AvgEntryPrice
	}
	stop := rm.StopFor(p.Side, p.AvgEntryPrice, in.ATRPct)
	return p.Quantity * math.Abs(price-stop)
}

// reservedRisk - риск позиции, если все оставшиеся слои исполнятся по ценам сетки
func (rm *RiskManager) reservedRisk(in RiskInput) float64 {
	p := in.Position
	qty := p.Quantity
	avg := p.AvgEntryPrice
	price := in.Price
	if price <= 0 {
		price = avg
	}

	maxLayers := p.MaxLayers
	if maxLayers <= 0 {
		maxLayers = rm.params.MaxLayers
	}

	layerPrice := p.LastLayerPrice
	if layerPrice <= 0 {
		layerPrice = avg
	}
	for k := p.LayersFilled + 1; k <= maxLayers; k++ {
		layerPrice = rm.params.NextLayerPrice(p.Side, layerPrice, k-1, in.ATRPct)
		add := rm.params.LayerQuantity(rm.marginPerLayer, rm.leverage, k, layerPrice)
		if add <= 0 {
			continue
		}
		avg = (avg*qty + layerPrice*add) / (qty + add)
		qty += add
		price = layerPrice
	}

	stop := rm.StopFor(p.Side, avg, in.ATRPct)
	return qty * math.Abs(price-stop)
}
