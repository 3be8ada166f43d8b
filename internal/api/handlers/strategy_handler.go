package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"liqbot/internal/models"
	"liqbot/internal/service"
)

// StrategyManager - операции над стратегиями, нужные API
type StrategyManager interface {
	List(ctx context.Context) ([]*models.Strategy, error)
	Get(ctx context.Context, id int) (*models.Strategy, error)
	Create(ctx context.Context, req *service.StrategyRequest) (*models.Strategy, error)
	Update(ctx context.Context, id int, req *service.StrategyRequest) (*models.Strategy, error)
	Activate(ctx context.Context, id int) (*models.Strategy, error)
	Deactivate(ctx context.Context) (*models.Strategy, error)
}

var _ StrategyManager = (*service.StrategyService)(nil)

// StrategyHandler отвечает за управление стратегиями
//
// Endpoints:
// - GET /api/v1/strategies                 - список стратегий
// - POST /api/v1/strategies                - создание стратегии
// - GET /api/v1/strategies/{id}            - получение стратегии
// - PATCH /api/v1/strategies/{id}          - изменение неактивной стратегии
// - POST /api/v1/strategies/{id}/activate  - активация и запуск движка
// - POST /api/v1/strategies/deactivate     - остановка активной стратегии
//
// Активной может быть только одна стратегия. Активация другой стратегии
// останавливает текущий движок. Ключи API принимаются в открытом виде
// и в ответах не возвращаются.
type StrategyHandler struct {
	strategies StrategyManager
}

// NewStrategyHandler создает новый StrategyHandler с внедрением зависимостей
func NewStrategyHandler(strategies StrategyManager) *StrategyHandler {
	return &StrategyHandler{strategies: strategies}
}

// StrategyResponse - стратегия с признаком наличия ключей
type StrategyResponse struct {
	*models.Strategy
	HasCredentials bool `json:"has_credentials"`
}

func toStrategyResponse(st *models.Strategy) StrategyResponse {
	return StrategyResponse{Strategy: st, HasCredentials: st.HasCredentials()}
}

// GetStrategies возвращает все стратегии
// GET /api/v1/strategies
func (h *StrategyHandler) GetStrategies(w http.ResponseWriter, r *http.Request) {
	list, err := h.strategies.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]StrategyResponse, 0, len(list))
	for _, st := range list {
		resp = append(resp, toStrategyResponse(st))
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// CreateStrategy создает стратегию
// POST /api/v1/strategies
//
// Request Body:
//
//	{
//	  "name": "btc-fade",
//	  "exchange": "binance",
//	  "symbols": ["BTCUSDT", "ETHUSDT"],
//	  "leverage": 10,
//	  "margin_per_layer": 20,
//	  "start_step_percent": 1.5,
//	  "step_convexity": 1.3,
//	  "size_growth": 1.4,
//	  "max_layers": 5,
//	  "take_profit_percent": 1.2,
//	  "stop_loss_percent": 8,
//	  "max_portfolio_risk": 10,
//	  "entry_percentile": 75,
//	  "dca_percentile": 90,
//	  "api_key": "...",
//	  "secret_key": "..."
//	}
//
// Response:
// - 201 Created: стратегия создана
// - 400 Bad Request: невалидные параметры
func (h *StrategyHandler) CreateStrategy(w http.ResponseWriter, r *http.Request) {
	var req service.StrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", err.Error())
		return
	}

	st, err := h.strategies.Create(r.Context(), &req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, toStrategyResponse(st))
}

// GetStrategy возвращает стратегию по ID
// GET /api/v1/strategies/{id}
func (h *StrategyHandler) GetStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid strategy ID", "ID must be a positive number")
		return
	}

	st, err := h.strategies.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toStrategyResponse(st))
}

// UpdateStrategy изменяет параметры стратегии.
// PATCH /api/v1/strategies/{id}
//
// Тело запроса - полный набор параметров, как при создании.
// Ключи можно не передавать, тогда сохраняются текущие.
//
// Response:
// - 200 OK
// - 400 Bad Request: невалидные параметры
// - 404 Not Found
// - 409 Conflict: стратегия активна
func (h *StrategyHandler) UpdateStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid strategy ID", "ID must be a positive number")
		return
	}

	var req service.StrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", err.Error())
		return
	}

	st, err := h.strategies.Update(r.Context(), id, &req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toStrategyResponse(st))
}

// ActivateStrategy активирует стратегию и запускает движок
// POST /api/v1/strategies/{id}/activate
//
// Response:
// - 200 OK
// - 404 Not Found
// - 409 Conflict: нет ключей API
func (h *StrategyHandler) ActivateStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid strategy ID", "ID must be a positive number")
		return
	}

	st, err := h.strategies.Activate(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toStrategyResponse(st))
}

// DeactivateStrategy останавливает движок активной стратегии.
// Открытые позиции остаются на бирже под защитой TP/SL.
// POST /api/v1/strategies/deactivate
func (h *StrategyHandler) DeactivateStrategy(w http.ResponseWriter, r *http.Request) {
	st, err := h.strategies.Deactivate(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toStrategyResponse(st))
}
