package api

import (
	"net/http"

	"liqbot/internal/api/handlers"
	"liqbot/internal/api/middleware"
	"liqbot/pkg/utils"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies содержит все зависимости для API handlers.
// Нулевой сервис отключает соответствующую группу маршрутов.
type Dependencies struct {
	Strategies    handlers.StrategyManager
	Sessions      handlers.SessionManager
	Stats         handlers.StatsProvider
	Positions     handlers.PositionManager
	Notifications handlers.NotificationProvider
	WebSocket     http.Handler // обработчик /ws/stream

	AllowedOrigins []string
	APIToken       string
	Logger         *utils.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /strategies/
//	│   ├── GET / - список стратегий
//	│   ├── POST / - создать стратегию
//	│   ├── POST /deactivate - остановить активную стратегию
//	│   ├── GET /{id} - получить стратегию
//	│   ├── PATCH /{id} - изменить стратегию
//	│   ├── POST /{id}/activate - активировать стратегию
//	│   ├── GET /{id}/sessions - история сессий
//	│   ├── GET /{id}/session - активная сессия
//	│   ├── POST /{id}/session/reset - начать заново
//	│   ├── GET /{id}/stats - статистика активной сессии
//	│   └── GET /{id}/positions - открытые позиции
//	├── /sessions/
//	│   ├── GET /{id}/stats - статистика сессии
//	│   ├── GET /{id}/positions - позиции сессии
//	│   └── GET /{id}/orders - последние ордера
//	├── /positions/
//	│   ├── POST /close - ручное закрытие
//	│   └── GET /{id} - позиция с исполнениями
//	├── GET /status - состояние движка
//	└── GET /notifications - журнал уведомлений
//
// /ws/stream - WebSocket для real-time обновлений
// /metrics   - Prometheus
// /health    - проверка живости
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
// 4. TokenAuth (/api/v1 и /ws)
func SetupRoutes(deps *Dependencies) *mux.Router {
	if deps == nil {
		deps = &Dependencies{}
	}

	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))
	cors := middleware.CORS(deps.AllowedOrigins)
	router.Use(cors)

	// middleware роутера не вызываются при несовпадении метода,
	// поэтому preflight обрабатывается здесь
	router.MethodNotAllowedHandler = cors(http.HandlerFunc(methodNotAllowed))

	auth := middleware.TokenAuth(deps.APIToken)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth)

	if deps.Strategies != nil {
		h := handlers.NewStrategyHandler(deps.Strategies)
		api.HandleFunc("/strategies", h.GetStrategies).Methods("GET")
		api.HandleFunc("/strategies", h.CreateStrategy).Methods("POST")
		api.HandleFunc("/strategies/deactivate", h.DeactivateStrategy).Methods("POST")
		api.HandleFunc("/strategies/{id:[0-9]+}", h.GetStrategy).Methods("GET")
		api.HandleFunc("/strategies/{id:[0-9]+}", h.UpdateStrategy).Methods("PATCH")
		api.HandleFunc("/strategies/{id:[0-9]+}/activate", h.ActivateStrategy).Methods("POST")
	}

	if deps.Sessions != nil && deps.Stats != nil {
		h := handlers.NewSessionHandler(deps.Sessions, deps.Stats)
		api.HandleFunc("/strategies/{id:[0-9]+}/sessions", h.GetSessions).Methods("GET")
		api.HandleFunc("/strategies/{id:[0-9]+}/session", h.GetActiveSession).Methods("GET")
		api.HandleFunc("/strategies/{id:[0-9]+}/session/reset", h.ResetSession).Methods("POST")
		api.HandleFunc("/strategies/{id:[0-9]+}/stats", h.GetStrategyStats).Methods("GET")
		api.HandleFunc("/sessions/{id:[0-9]+}/stats", h.GetSessionStats).Methods("GET")
	}

	if deps.Positions != nil {
		h := handlers.NewPositionHandler(deps.Positions)
		api.HandleFunc("/strategies/{id:[0-9]+}/positions", h.GetOpenPositions).Methods("GET")
		api.HandleFunc("/sessions/{id:[0-9]+}/positions", h.GetSessionPositions).Methods("GET")
		api.HandleFunc("/sessions/{id:[0-9]+}/orders", h.GetSessionOrders).Methods("GET")
		api.HandleFunc("/positions/close", h.ClosePosition).Methods("POST")
		api.HandleFunc("/positions/{id:[0-9]+}", h.GetPosition).Methods("GET")
		api.HandleFunc("/status", h.GetStatus).Methods("GET")
	}

	if deps.Notifications != nil {
		h := handlers.NewNotificationHandler(deps.Notifications)
		api.HandleFunc("/notifications", h.GetNotifications).Methods("GET")
	}

	if deps.WebSocket != nil {
		router.Handle("/ws/stream", auth(deps.WebSocket)).Methods("GET")
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}

// methodNotAllowed отвечает 405, а на preflight - 204
func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	_, _ = w.Write([]byte(`{"error":"Method not allowed","code":"method_not_allowed"}`))
}
