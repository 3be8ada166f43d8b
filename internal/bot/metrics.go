package bot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================
//
// Решения движка, ордера, исполнения, каскады, риск,
// лимитер запросов и приватные потоки бирж.
// Отдаются на /metrics через API управления.

// ============ Решения и ордера ============

// DecisionsTotal - решения движка по ликвидациям
var DecisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "liqbot",
		Subsystem: "engine",
		Name:      "decisions_total",
		Help:      "Engine decisions on liquidation events by action and reason",
	},
	[]string{"action", "reason"},
)

// OrdersPlaced - размещённые ордера по назначению и результату
var OrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "liqbot",
		Subsystem: "engine",
		Name:      "orders_placed_total",
		Help:      "Orders sent to the exchange by purpose and result",
	},
	[]string{"purpose", "result"}, // result: ok, rejected, ambiguous
)

// OrderLatency - время от решения до ответа биржи
var OrderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "liqbot",
		Subsystem: "engine",
		Name:      "order_latency_ms",
		Help:      "Latency from decision to exchange acknowledgment in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"exchange", "purpose"},
)

// FillsApplied - исполнения, применённые к позициям
var FillsApplied = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "liqbot",
		Subsystem: "engine",
		Name:      "fills_applied_total",
		Help:      "Fills applied to the ledger by kind and provenance",
	},
	[]string{"kind", "provenance"}, // kind: entry, exit
)

// PositionsClosed - закрытые позиции
var PositionsClosed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "liqbot",
		Subsystem: "engine",
		Name:      "positions_closed_total",
		Help:      "Closed positions by symbol and result",
	},
	[]string{"symbol", "result"}, // result: win, loss
)

// RealizedPNL - суммарный реализованный PNL в USDT
var RealizedPNL = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "liqbot",
		Subsystem: "engine",
		Name:      "realized_pnl_usdt",
		Help:      "Realized PnL of the active session in USDT",
	},
)

// OpenPositions - текущее количество открытых позиций
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "liqbot",
		Subsystem: "engine",
		Name:      "open_positions",
		Help:      "Current number of open positions",
	},
)

// ============ Каскады и риск ============

// CascadeScore - последний рассчитанный каскадный балл по символу
var CascadeScore = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "liqbot",
		Subsystem: "cascade",
		Name:      "score",
		Help:      "Latest cascade risk score per symbol",
	},
	[]string{"symbol"},
)

// LiquidationsSeen - ликвидации, поступившие в детектор
var LiquidationsSeen = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "liqbot",
		Subsystem: "cascade",
		Name:      "liquidations_total",
		Help:      "Liquidations observed by the cascade detector",
	},
	[]string{"symbol", "band"},
)

// PortfolioRisk - заполненный и зарезервированный риск в USDT
var PortfolioRisk = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "liqbot",
		Subsystem: "risk",
		Name:      "portfolio_risk_usdt",
		Help:      "Portfolio risk in USDT by kind",
	},
	[]string{"kind"}, // filled, reserved
)

// ============ Защита позиций ============

// ProtectionCorrections - исправления TP/SL при сверке
var ProtectionCorrections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "liqbot",
		Subsystem: "protection",
		Name:      "corrections_total",
		Help:      "Protective order corrections by kind",
	},
	[]string{"kind"}, // tp, sl, orphan
)

// ReconcileDuration - длительность прохода сверки
var ReconcileDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "liqbot",
		Subsystem: "protection",
		Name:      "reconcile_duration_ms",
		Help:      "Duration of a protective-order reconciliation pass in milliseconds",
		Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
	},
)

// ============ Лимитер и потоки ============

// LimiterCooldowns - входы лимитера в режим охлаждения
var LimiterCooldowns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "liqbot",
		Subsystem: "ratelimit",
		Name:      "cooldowns_total",
		Help:      "Rate limiter cooldown windows by HTTP status",
	},
	[]string{"status"},
)

// LimiterRequests - ответы бирж, прошедшие через лимитер
var LimiterRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "liqbot",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Exchange responses passed through the rate limiter by status class",
	},
	[]string{"status"}, // 2xx, 4xx, 418, 429, 5xx
)

// LimiterLatency - время запроса включая ожидание в очереди
var LimiterLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "liqbot",
		Subsystem: "ratelimit",
		Name:      "request_latency_ms",
		Help:      "Exchange request latency including queue wait in milliseconds",
		Buckets:   []float64{50, 200, 500, 1000, 2000, 5000, 30000},
	},
)

// StreamState - состояние приватного потока (0..4, 4 = connected)
var StreamState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "liqbot",
		Subsystem: "stream",
		Name:      "state",
		Help:      "Private stream state (0=disconnected, 4=connected)",
	},
	[]string{"exchange"},
)

// StreamReconnects - переподключения потоков
var StreamReconnects = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "liqbot",
		Subsystem: "stream",
		Name:      "reconnects_total",
		Help:      "Stream reconnects by exchange",
	},
	[]string{"exchange"},
)

// ============ Буферы ============

// BufferOverflows - события, вытесненные из переполненных буферов
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "liqbot",
		Subsystem: "runtime",
		Name:      "buffer_overflows_total",
		Help:      "Number of events dropped from full buffers",
	},
	[]string{"buffer"}, // events, liquidations
)

// BufferBacklog - заполненность буфера в момент переполнения
var BufferBacklog = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "liqbot",
		Subsystem: "runtime",
		Name:      "buffer_backlog_ratio",
		Help:      "Buffer fill ratio observed on overflow",
	},
	[]string{"buffer"},
)

// ============ Вспомогательные функции ============

// RecordDecision записывает решение движка
func RecordDecision(d Decision) {
	DecisionsTotal.WithLabelValues(string(d.Action), d.Reason).Inc()
}

// RecordOrder записывает результат размещения ордера
func RecordOrder(exchange, purpose, result string, elapsed time.Duration) {
	OrdersPlaced.WithLabelValues(purpose, result).Inc()
	OrderLatency.WithLabelValues(exchange, purpose).Observe(float64(elapsed.Milliseconds()))
}

// RecordFill записывает применённое исполнение
func RecordFill(exit bool, provenance string) {
	kind := "entry"
	if exit {
		kind = "exit"
	}
	FillsApplied.WithLabelValues(kind, provenance).Inc()
}

// RecordClose записывает закрытие позиции
func RecordClose(symbol string, pnl float64) {
	result := "loss"
	if pnl > 0 {
		result = "win"
	}
	PositionsClosed.WithLabelValues(symbol, result).Inc()
}

// RecordCascade записывает ликвидацию и текущий каскадный балл
func RecordCascade(symbol string, a CascadeAssessment) {
	CascadeScore.WithLabelValues(symbol).Set(a.Score)
	LiquidationsSeen.WithLabelValues(symbol, a.Band.String()).Inc()
}

// UpdateRisk обновляет метрики портфельного риска
func UpdateRisk(r RiskSnapshot) {
	PortfolioRisk.WithLabelValues("filled").Set(r.FilledRisk)
	PortfolioRisk.WithLabelValues("reserved").Set(r.ReservedRisk)
}

// RecordCorrection записывает исправление защитного ордера
func RecordCorrection(kind string) {
	ProtectionCorrections.WithLabelValues(kind).Inc()
}

// RecordLimiterCooldown записывает вход лимитера в охлаждение
func RecordLimiterCooldown(status int) {
	LimiterCooldowns.WithLabelValues(statusLabel(status)).Inc()
}

// RecordLimiterRequest записывает завершённый запрос лимитера
func RecordLimiterRequest(status int, latency time.Duration) {
	LimiterRequests.WithLabelValues(statusLabel(status)).Inc()
	LimiterLatency.Observe(float64(latency.Milliseconds()))
}

// UpdateStreamState обновляет состояние потока
func UpdateStreamState(exchange string, state int) {
	StreamState.WithLabelValues(exchange).Set(float64(state))
}

// RecordStreamReconnect записывает переподключение потока
func RecordStreamReconnect(exchange string) {
	StreamReconnects.WithLabelValues(exchange).Inc()
}

// RecordBufferOverflow записывает вытеснение события из буфера
func RecordBufferOverflow(bufferName string) {
	BufferOverflows.WithLabelValues(bufferName).Inc()
}

// RecordBufferBacklog записывает заполненность буфера
func RecordBufferBacklog(bufferName string, capacity, length int) {
	if capacity <= 0 {
		return
	}
	BufferBacklog.WithLabelValues(bufferName).Set(float64(length) / float64(capacity))
}

func statusLabel(status int) string {
	switch {
	case status == 418:
		return "418"
	case status == 429:
		return "429"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	}
	return "2xx"
}
