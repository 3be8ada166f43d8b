package bot

import (
	"math"

	"liqbot/internal/exchange"
	"liqbot/internal/models"
	"liqbot/pkg/utils"
)

// ============================================================
// Калькулятор усреднения (DCA)
// ============================================================
//
// Чистые функции без состояния и ввода-вывода. Результат зависит
// только от (номер слоя, средняя цена, ATR, параметры стратегии).
//
// Все расстояния и ATR выражены в процентах от цены:
//
//	stepDistance(k) = Δ1 × k^p × max(1, ATR / Vref)
//	layerWeight(k)  = g^(k-1)
//	TP = avg ± TP% × max(1, ATR / Vref) × cushion
//	SL = avg ∓ SL%  (или clamp(ATR × mult, min, max) в адаптивном режиме)

// DCAParams - параметры сетки и выхода
type DCAParams struct {
	StartStepPercent float64 // Δ1
	StepConvexity    float64 // p
	SizeGrowth       float64 // g
	MaxLayers        int
	VolatilityRef    float64 // Vref

	TakeProfitPercent float64
	ExitCushion       float64
	StopLossPercent   float64
	AdaptiveStopLoss  bool
	AdaptiveSLATRMult float64
	AdaptiveSLMinPct  float64
	AdaptiveSLMaxPct  float64
}

// DCAParamsFromStrategy извлекает параметры сетки из стратегии
func DCAParamsFromStrategy(s *models.Strategy) DCAParams {
	return DCAParams{
		StartStepPercent:  s.StartStepPercent,
		StepConvexity:     s.StepConvexity,
		SizeGrowth:        s.SizeGrowth,
		MaxLayers:         s.MaxLayers,
		VolatilityRef:     s.VolatilityRef,
		TakeProfitPercent: s.TakeProfitPercent,
		ExitCushion:       s.ExitCushion,
		StopLossPercent:   s.StopLossPercent,
		AdaptiveStopLoss:  s.AdaptiveStopLoss,
		AdaptiveSLATRMult: s.AdaptiveSLATRMult,
		AdaptiveSLMinPct:  s.AdaptiveSLMinPct,
		AdaptiveSLMaxPct:  s.AdaptiveSLMaxPct,
	}
}

// VolatilityScale - max(1, ATR / Vref). Без эталона масштаб равен 1.
func (p DCAParams) VolatilityScale(atrPct float64) float64 {
	if p.VolatilityRef <= 0 || atrPct <= 0 {
		return 1
	}
	return math.Max(1, atrPct/p.VolatilityRef)
}

// StepDistance - расстояние в процентах от предыдущего слоя до слоя k+1
func (p DCAParams) StepDistance(k int, atrPct float64) float64 {
	if k < 1 {
		return 0
	}
	convexity := p.StepConvexity
	if convexity <= 0 {
		convexity = 1
	}
	return p.StartStepPercent * math.Pow(float64(k), convexity) * p.VolatilityScale(atrPct)
}

// LayerWeight - множитель размера слоя k относительно первого
func (p DCAParams) LayerWeight(k int) float64 {
	if k < 1 {
		return 0
	}
	growth := p.SizeGrowth
	if growth < 1 {
		growth = 1
	}
	return math.Pow(growth, float64(k-1))
}

// LayerOffset - суммарное смещение слоя k от цены первого входа, в процентах.
// Первый слой стоит на цене входа.
func (p DCAParams) LayerOffset(k int, atrPct float64) float64 {
	var offset float64
	for i := 1; i < k; i++ {
		offset += p.StepDistance(i, atrPct)
	}
	return offset
}

// LayerPrice - цена слоя k при входе по anchor. Для лонга сетка уходит вниз,
// для шорта вверх.
func (p DCAParams) LayerPrice(side string, anchor float64, k int, atrPct float64) float64 {
	return shiftAgainst(side, anchor, p.LayerOffset(k, atrPct))
}

// NextLayerPrice - цена, которую рынок должен пройти от последнего слоя,
// прежде чем разрешён слой layersFilled+1
func (p DCAParams) NextLayerPrice(side string, lastLayerPrice float64, layersFilled int, atrPct float64) float64 {
	return shiftAgainst(side, lastLayerPrice, p.StepDistance(layersFilled, atrPct))
}

// LayerMargin - маржа слоя k при базовой марже первого слоя
func (p DCAParams) LayerMargin(baseMargin float64, k int) float64 {
	return baseMargin * p.LayerWeight(k)
}

// LayerQuantity - количество контрактов слоя k по цене price (до округления биржей)
func (p DCAParams) LayerQuantity(baseMargin float64, leverage, k int, price float64) float64 {
	if price <= 0 {
		return 0
	}
	if leverage <= 0 {
		leverage = 1
	}
	return p.LayerMargin(baseMargin, k) * float64(leverage) / price
}

// TakeProfitPercentAt - расстояние TP от средней цены с учётом волатильности и подушки
func (p DCAParams) TakeProfitPercentAt(atrPct float64) float64 {
	cushion := p.ExitCushion
	if cushion <= 0 {
		cushion = 1
	}
	return p.TakeProfitPercent * p.VolatilityScale(atrPct) * cushion
}

// StopLossPercentAt - расстояние SL от средней цены. В адаптивном режиме
// ATR × mult, зажатое в [min, max].
func (p DCAParams) StopLossPercentAt(atrPct float64) float64 {
	if !p.AdaptiveStopLoss || atrPct <= 0 {
		return p.StopLossPercent
	}
	mult := p.AdaptiveSLATRMult
	if mult <= 0 {
		mult = 1
	}
	lo, hi := p.AdaptiveSLMinPct, p.AdaptiveSLMaxPct
	if hi <= 0 {
		hi = math.Inf(1)
	}
	return utils.Clamp(atrPct*mult, lo, hi)
}

// ExitPrices - цены TP и SL для позиции
type ExitPrices struct {
	TakeProfit float64
	StopLoss   float64
}

// ExitPricesFor рассчитывает TP/SL от средней цены входа
func (p DCAParams) ExitPricesFor(side string, avgEntry, atrPct float64) ExitPrices {
	return ExitPrices{
		TakeProfit: shiftWith(side, avgEntry, p.TakeProfitPercentAt(atrPct)),
		StopLoss:   shiftAgainst(side, avgEntry, p.StopLossPercentAt(atrPct)),
	}
}

// FixedStopLoss - SL без адаптивного режима (для расчёта риска)
func (p DCAParams) FixedStopLoss(side string, avgEntry float64) float64 {
	return shiftAgainst(side, avgEntry, p.StopLossPercent)
}

// shiftAgainst сдвигает цену против позиции на pct процентов
func shiftAgainst(side string, price, pct float64) float64 {
	if side == models.SideShort {
		return price * (1 + pct/100)
	}
	return price * (1 - pct/100)
}

// shiftWith сдвигает цену в сторону прибыли позиции на pct процентов
func shiftWith(side string, price, pct float64) float64 {
	return shiftAgainst(side, price, -pct)
}

// ============================================================
// ATR
// ============================================================

// ATRPercent - средний истинный диапазон последних period свечей в процентах
// от цены закрытия последней свечи. Свечи в хронологическом порядке.
func ATRPercent(klines []exchange.Kline, period int) float64 {
	if len(klines) < 2 || period <= 0 {
		return 0
	}
	start := len(klines) - period
	if start < 1 {
		start = 1
	}

	var sum float64
	var n int
	for i := start; i < len(klines); i++ {
		k, prev := klines[i], klines[i-1]
		tr := math.Max(k.High-k.Low, math.Max(math.Abs(k.High-prev.Close), math.Abs(k.Low-prev.Close)))
		sum += tr
		n++
	}
	last := klines[len(klines)-1].Close
	if n == 0 || last <= 0 {
		return 0
	}
	return sum / float64(n) / last * 100
}
