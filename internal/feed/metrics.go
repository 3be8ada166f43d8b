package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LiquidationsReceived - события ленты по результату разбора
var LiquidationsReceived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "liqbot",
		Subsystem: "feed",
		Name:      "liquidations_total",
		Help:      "Liquidation events received by result",
	},
	[]string{"result"}, // accepted, duplicate, invalid
)

// BufferOverflows - вытеснения из очередей ленты
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "liqbot",
		Subsystem: "feed",
		Name:      "buffer_overflows_total",
		Help:      "Liquidations dropped from a full feed queue",
	},
	[]string{"queue"},
)

// StreamConnected - 1, если поток ликвидаций подключён
var StreamConnected = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "liqbot",
		Subsystem: "feed",
		Name:      "stream_connected",
		Help:      "Whether the liquidation stream is connected",
	},
)
