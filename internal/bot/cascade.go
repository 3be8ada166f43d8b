package bot

import (
	"sync"
	"time"

	"liqbot/internal/models"
	"liqbot/pkg/utils"
)

// ============================================================
// Детектор каскадов ликвидаций
// ============================================================

// CascadeBand - уровень каскадного риска
type CascadeBand int

const (
	BandGreen  CascadeBand = iota // < 2, норма
	BandYellow                    // >= 2, осторожно
	BandOrange                    // >= 4, высокий риск
	BandRed                       // >= 6, авто-блок входов
)

func (b CascadeBand) String() string {
	switch b {
	case BandGreen:
		return "green"
	case BandYellow:
		return "yellow"
	case BandOrange:
		return "orange"
	case BandRed:
		return "red"
	}
	return "unknown"
}

// BandForScore возвращает уровень для каскадного балла
func BandForScore(score float64) CascadeBand {
	switch {
	case score >= 6:
		return BandRed
	case score >= 4:
		return BandOrange
	case score >= 2:
		return BandYellow
	}
	return BandGreen
}

// ReversalQuality - оценка качества разворота после ликвидации
type ReversalQuality int

const (
	ReversalPoor ReversalQuality = iota
	ReversalOK
	ReversalGood
	ReversalExcellent
)

func (q ReversalQuality) String() string {
	switch q {
	case ReversalPoor:
		return "poor"
	case ReversalOK:
		return "ok"
	case ReversalGood:
		return "good"
	case ReversalExcellent:
		return "excellent"
	}
	return "unknown"
}

// CascadeConfig - пороги детектора
type CascadeConfig struct {
	Window        time.Duration // окно анализа каскада
	HistoryWindow time.Duration // окно истории для медианы и перцентилей
	HistorySize   int           // максимум событий истории на символ

	CountMid, CountHigh       int     // ликвидаций в окне
	VelocityMid, VelocityHigh float64 // ликвидаций за последнюю минуту
	NotionalMid, NotionalHigh float64 // объём ликвидаций в окне, USDT
	OIDrop1m, OIDrop3m        float64 // падение открытого интереса, %

	LQGood, LQExcellent float64 // размер ликвидации / медиана
	RETHigh             float64 // волатильность цен ликвидаций, %
}

// DefaultCascadeConfig возвращает пороги по умолчанию
func DefaultCascadeConfig() CascadeConfig {
	return CascadeConfig{
		Window:        5 * time.Minute,
		HistoryWindow: 24 * time.Hour,
		HistorySize:   2000,
		CountMid:      5,
		CountHigh:     12,
		VelocityMid:   3,
		VelocityHigh:  8,
		NotionalMid:   250000,
		NotionalHigh:  1000000,
		OIDrop1m:      1,
		OIDrop3m:      2,
		LQGood:        2,
		LQExcellent:   5,
		RETHigh:       0.3,
	}
}

// CascadeAssessment - снимок оценки каскада по символу
type CascadeAssessment struct {
	Symbol     string          `json:"symbol"`
	Count      int             `json:"count"`
	Velocity   float64         `json:"velocity"` // ликвидаций в минуту
	Notional   float64         `json:"notional"`
	LQScore    float64         `json:"lq_score"`
	RETScore   float64         `json:"ret_score"`
	OIDelta1m  float64         `json:"oi_delta_1m"` // %
	OIDelta3m  float64         `json:"oi_delta_3m"` // %
	Score      float64         `json:"score"`
	Band       CascadeBand     `json:"band"`
	Quality    ReversalQuality `json:"quality"`
	Percentile float64         `json:"percentile"`
}

// Blocked - каскад в красной зоне, новые входы запрещены
func (a CascadeAssessment) Blocked() bool {
	return a.Band == BandRed
}

type liqSample struct {
	at    time.Time
	price float64
	value float64
}

type oiSample struct {
	at    time.Time
	value float64
}

type symbolWindow struct {
	events []liqSample // хронологически, в пределах HistoryWindow
	oi     []oiSample
}

// CascadeDetector ведёт скользящие окна ликвидаций по символам.
// Безопасен для конкурентного использования.
type CascadeDetector struct {
	cfg CascadeConfig
	now func() time.Time

	mu      sync.Mutex
	symbols map[string]*symbolWindow
}

// NewCascadeDetector создаёт детектор
func NewCascadeDetector(cfg CascadeConfig) *CascadeDetector {
	def := DefaultCascadeConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.HistoryWindow < cfg.Window {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	return &CascadeDetector{
		cfg:     cfg,
		now:     time.Now,
		symbols: make(map[string]*symbolWindow),
	}
}

// Observe учитывает ликвидацию и возвращает оценку с её участием.
// Перцентиль и LQ считаются относительно истории до этой ликвидации.
func (d *CascadeDetector) Observe(liq *models.Liquidation) CascadeAssessment {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	w := d.window(liq.Symbol)
	d.prune(w, now)

	history := values(w.events)
	percentile := utils.PercentileRank(history, liq.Value)
	lq := 1.0
	if median := utils.Median(history); median > 0 {
		lq = liq.Value / median
	}

	at := liq.Timestamp
	if at.IsZero() || at.After(now) {
		at = now
	}
	w.events = insertSample(w.events, liqSample{at: at, price: liq.Price, value: liq.Value})
	d.trim(w, now)

	a := d.assess(liq.Symbol, w, now)
	a.Percentile = percentile
	a.LQScore = lq
	a.Quality = d.quality(a)
	return a
}

// Assess возвращает текущую оценку символа без добавления событий
func (d *CascadeDetector) Assess(symbol string) CascadeAssessment {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	w := d.window(symbol)
	d.prune(w, now)
	a := d.assess(symbol, w, now)
	a.Quality = d.quality(a)
	return a
}

// Percentile - ранг значения среди ликвидаций символа в окне истории
func (d *CascadeDetector) Percentile(symbol string, value float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	w := d.window(symbol)
	d.prune(w, d.now())
	return utils.PercentileRank(values(w.events), value)
}

// RecordOpenInterest сохраняет замер открытого интереса
func (d *CascadeDetector) RecordOpenInterest(symbol string, value float64, at time.Time) {
	if value <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	w := d.window(symbol)
	w.oi = append(w.oi, oiSample{at: at, value: value})
	d.prune(w, d.now())
}

// Seed загружает историю ликвидаций (например, из БД после рестарта)
func (d *CascadeDetector) Seed(liqs []*models.Liquidation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, liq := range liqs {
		w := d.window(liq.Symbol)
		w.events = insertSample(w.events, liqSample{at: liq.Timestamp, price: liq.Price, value: liq.Value})
	}
	now := d.now()
	for _, w := range d.symbols {
		d.prune(w, now)
		d.trim(w, now)
	}
}

func (d *CascadeDetector) window(symbol string) *symbolWindow {
	w, ok := d.symbols[symbol]
	if !ok {
		w = &symbolWindow{}
		d.symbols[symbol] = w
	}
	return w
}

// prune удаляет события старше окна истории и замеры OI старше 3 минут с запасом
func (d *CascadeDetector) prune(w *symbolWindow, now time.Time) {
	cutoff := now.Add(-d.cfg.HistoryWindow)
	i := 0
	for i < len(w.events) && w.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}

	oiCutoff := now.Add(-5 * time.Minute)
	j := 0
	for j < len(w.oi) && w.oi[j].at.Before(oiCutoff) {
		j++
	}
	if j > 0 {
		w.oi = append(w.oi[:0], w.oi[j:]...)
	}
}

// trim ограничивает историю HistorySize, удаляя только события старше окна
// каскада: события окна участвуют в балле и не вытесняются
func (d *CascadeDetector) trim(w *symbolWindow, now time.Time) {
	excess := len(w.events) - d.cfg.HistorySize
	if excess <= 0 {
		return
	}
	windowStart := now.Add(-d.cfg.Window)
	old := 0
	for old < excess && old < len(w.events) && w.events[old].at.Before(windowStart) {
		old++
	}
	if old > 0 {
		w.events = append(w.events[:0], w.events[old:]...)
	}
}

// assess считает метрики окна. Каждая составляющая балла зависит только от
// событий окна и абсолютных порогов, поэтому не убывает при добавлении
// любой ликвидации.
func (d *CascadeDetector) assess(symbol string, w *symbolWindow, now time.Time) CascadeAssessment {
	a := CascadeAssessment{Symbol: symbol}

	windowStart := now.Add(-d.cfg.Window)
	minuteStart := now.Add(-time.Minute)

	var prices []float64
	var lastMinute int
	for _, e := range w.events {
		if e.at.Before(windowStart) {
			continue
		}
		a.Count++
		a.Notional += e.value
		prices = append(prices, e.price)
		if !e.at.Before(minuteStart) {
			lastMinute++
		}
	}
	a.Velocity = float64(lastMinute)
	a.RETScore = utils.LogReturnStdDev(prices) * 100

	a.OIDelta1m = oiDelta(w.oi, now.Add(-time.Minute))
	a.OIDelta3m = oiDelta(w.oi, now.Add(-3*time.Minute))

	var score float64
	score += tier(float64(a.Count), float64(d.cfg.CountMid), float64(d.cfg.CountHigh))
	score += tier(a.Velocity, d.cfg.VelocityMid, d.cfg.VelocityHigh)
	score += tier(a.Notional, d.cfg.NotionalMid, d.cfg.NotionalHigh)
	if -a.OIDelta1m >= d.cfg.OIDrop1m || -a.OIDelta3m >= d.cfg.OIDrop3m {
		score++
	}

	a.Score = score
	a.Band = BandForScore(score)
	return a
}

// quality классифицирует разворот: крупная ликвидация на растянутом
// движении вне каскада даёт лучший разворот
func (d *CascadeDetector) quality(a CascadeAssessment) ReversalQuality {
	if a.Band == BandRed {
		return ReversalPoor
	}

	points := 0
	switch {
	case a.LQScore >= d.cfg.LQExcellent:
		points += 2
	case a.LQScore >= d.cfg.LQGood:
		points++
	}
	if a.RETScore >= d.cfg.RETHigh {
		points++
	}
	if a.Band == BandGreen {
		points++
	}
	if a.Band == BandOrange && points > 0 {
		points--
	}

	switch {
	case points >= 3:
		return ReversalExcellent
	case points == 2:
		return ReversalGood
	case points == 1:
		return ReversalOK
	}
	return ReversalPoor
}

// tier - 0, 1 или 2 балла в зависимости от порогов
func tier(v, mid, high float64) float64 {
	switch {
	case high > 0 && v >= high:
		return 2
	case mid > 0 && v >= mid:
		return 1
	}
	return 0
}

// oiDelta - изменение открытого интереса в % от первого замера не раньше since
func oiDelta(samples []oiSample, since time.Time) float64 {
	if len(samples) < 2 {
		return 0
	}
	last := samples[len(samples)-1]
	for _, s := range samples {
		if s.at.Before(since) {
			continue
		}
		if s.value <= 0 || s.at.Equal(last.at) {
			return 0
		}
		return (last.value - s.value) * 100 / s.value
	}
	return 0
}

func values(events []liqSample) []float64 {
	out := make([]float64, len(events))
	for i, e := range events {
		out[i] = e.value
	}
	return out
}

// insertSample вставляет событие с сохранением хронологии
func insertSample(events []liqSample, s liqSample) []liqSample {
	i := len(events)
	for i > 0 && events[i-1].at.After(s.at) {
		i--
	}
	events = append(events, liqSample{})
	copy(events[i+1:], events[i:])
	events[i] = s
	return events
}
