package utils

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// math.go - математические утилиты для торговых операций
//
// Назначение:
// Округление количества и цены к шагам биржи, расчёт PNL,
// статистики по скользящим окнам (медиана, перцентиль, волатильность).
// Все функции являются чистыми (pure functions) без побочных эффектов.

var (
	// ErrInvalidStep - шаг округления не задан или отрицателен
	ErrInvalidStep = errors.New("invalid rounding step")
	// ErrRoundedToZero - после округления значение стало нулевым
	ErrRoundedToZero = errors.New("value rounds to zero")
	// ErrInvalidValue - NaN, Inf или отрицательное значение
	ErrInvalidValue = errors.New("invalid value")
)

// RoundToStep округляет количество ВНИЗ до кратного step.
//
// В отличие от простого math.Floor работает в десятичной арифметике,
// поэтому 0.3/0.1 не превращается в 2.9999999.
//
// Параметры:
//   - value: исходное количество (в монетах актива)
//   - step: шаг количества биржи (stepSize / qtyStep)
//
// Возвращает:
//   - Округлённое значение
//   - ErrInvalidStep если step <= 0, ErrRoundedToZero если результат 0
//
// Примеры:
//   - RoundToStep(0.123456, 0.001) = 0.123
//   - RoundToStep(0.3, 0.1) = 0.3
//   - RoundToStep(0.0004, 0.001) -> ErrRoundedToZero
func RoundToStep(value, step float64) (float64, error) {
	if err := checkRoundingInput(value, step); err != nil {
		return 0, err
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	rounded := v.Div(s).Floor().Mul(s)
	if rounded.IsZero() {
		return 0, fmt.Errorf("%w: %v with step %v", ErrRoundedToZero, value, step)
	}
	f, _ := rounded.Float64()
	return f, nil
}

// RoundToTick округляет цену к БЛИЖАЙШЕМУ кратному tick.
//
// Примеры:
//   - RoundToTick(25000.06, 0.1) = 25000.1
//   - RoundToTick(1.23449, 0.0001) = 1.2345
func RoundToTick(price, tick float64) (float64, error) {
	if err := checkRoundingInput(price, tick); err != nil {
		return 0, err
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	rounded := p.Div(t).Round(0).Mul(t)
	if rounded.IsZero() {
		return 0, fmt.Errorf("%w: price %v with tick %v", ErrRoundedToZero, price, tick)
	}
	f, _ := rounded.Float64()
	return f, nil
}

// FormatDecimal выводит значение без экспоненты и лишних нулей,
// в виде, который принимают REST API бирж.
func FormatDecimal(value float64) string {
	return decimal.NewFromFloat(value).String()
}

func checkRoundingInput(value, step float64) error {
	if step <= 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidStep, step)
	}
	if value <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidValue, value)
	}
	return nil
}

// CalculatePNL расчитывает прибыль/убыток по позиции.
//
//   - Long PNL = (P_close - P_open) × qty
//   - Short PNL = (P_open - P_close) × qty
//
// Для неизвестной стороны возвращает 0.
func CalculatePNL(side string, entryPrice, currentPrice, quantity float64) float64 {
	if quantity <= 0 {
		return 0
	}

	switch side {
	case "long":
		return (currentPrice - entryPrice) * quantity
	case "short":
		return (entryPrice - currentPrice) * quantity
	default:
		return 0
	}
}

// CalculatePNLPercent - PNL в процентах от маржи (с учётом плеча)
func CalculatePNLPercent(side string, entryPrice, currentPrice float64, leverage int) float64 {
	if entryPrice <= 0 {
		return 0
	}
	if leverage <= 0 {
		leverage = 1
	}
	move := CalculatePNL(side, entryPrice, currentPrice, 1) / entryPrice
	return move * float64(leverage) * 100
}

// CalculateWeightedAverage - средневзвешенное значение.
//
//	VWAP = Σ(price_i × volume_i) / Σ(volume_i)
//
// Отрицательные веса пропускаются; при некорректном входе возвращает 0.
func CalculateWeightedAverage(values, weights []float64) float64 {
	if len(values) == 0 || len(values) != len(weights) {
		return 0
	}

	var sumWeighted, sumWeights float64
	for i := range values {
		if weights[i] < 0 {
			continue
		}
		sumWeighted += values[i] * weights[i]
		sumWeights += weights[i]
	}

	if sumWeights == 0 {
		return 0
	}
	return sumWeighted / sumWeights
}

// Median возвращает медиану выборки (0 для пустой). Вход не изменяется.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// PercentileRank возвращает долю значений выборки, не превышающих value, в процентах [0, 100].
//
// Пример: для выборки [10, 20, 30, 40] значение 30 имеет ранг 75.
func PercentileRank(values []float64, value float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var le int
	for _, v := range values {
		if v <= value {
			le++
		}
	}
	return float64(le) / float64(len(values)) * 100
}

// LogReturnStdDev - стандартное отклонение логарифмических доходностей ряда цен.
// Используется как прокси реализованной волатильности.
func LogReturnStdDev(prices []float64) float64 {
	if len(prices) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance)
}

// Abs возвращает абсолютное значение числа.
func Abs(x float64) float64 {
	return math.Abs(x)
}

// Clamp ограничивает значение диапазоном [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
