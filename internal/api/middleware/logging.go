package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"liqbot/pkg/utils"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RequestIDHeader - заголовок идентификатора запроса
const RequestIDHeader = "X-Request-ID"

// httpRequestDuration - время обработки запросов API управления
var httpRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "liqbot",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Control API request latency by route and status",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

// responseWriter запоминает код ответа и размер тела
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Hijack нужен для upgrade WebSocket соединения
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Logging - middleware для логирования HTTP запросов
//
// Пишет метод, путь, код ответа, время обработки, адрес клиента и
// размер ответа. Ошибки 5xx логируются уровнем Error, 4xx - Warn.
// Время обработки также попадает в гистограмму по шаблону маршрута,
// чтобы ID в пути не раздували число серий.
func Logging(log *utils.Logger) mux.MiddlewareFunc {
	if log == nil {
		log = utils.L()
	}
	log = log.WithComponent("api")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, reqID)
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			httpRequestDuration.
				WithLabelValues(r.Method, routeTemplate(r), strconv.Itoa(wrapped.statusCode)).
				Observe(duration.Seconds())

			fields := []utils.Field{
				utils.String("method", r.Method),
				utils.String("path", r.URL.Path),
				utils.Int("status", wrapped.statusCode),
				utils.Latency(float64(duration.Microseconds()) / 1000),
				utils.String("remote", r.RemoteAddr),
				utils.Int64("bytes", wrapped.written),
				utils.RequestID(reqID),
			}
			switch {
			case wrapped.statusCode >= http.StatusInternalServerError:
				log.Error("http request", fields...)
			case wrapped.statusCode >= http.StatusBadRequest:
				log.Warn("http request", fields...)
			default:
				log.Debug("http request", fields...)
			}
		})
	}
}

// routeTemplate - шаблон маршрута mux или "unmatched"
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
