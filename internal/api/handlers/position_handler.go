package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"liqbot/internal/bot"
	"liqbot/internal/models"
	"liqbot/internal/service"
)

// PositionManager - чтение позиций и ручное закрытие
type PositionManager interface {
	ListOpen(ctx context.Context, strategyID int) ([]*models.Position, error)
	ListBySession(ctx context.Context, sessionID int) ([]*models.Position, error)
	Get(ctx context.Context, id int) (*service.PositionDetail, error)
	RecentOrders(ctx context.Context, sessionID, limit int) ([]*models.OrderRecord, error)
	Close(ctx context.Context, symbol, side string) (*models.OrderRecord, error)
	Status() (bot.EngineStatus, error)
}

var _ PositionManager = (*service.PositionService)(nil)

const (
	defaultOrdersLimit = 50
	maxOrdersLimit     = 500
)

// PositionHandler обрабатывает запросы по позициям и состоянию движка.
//
// Endpoints:
// - GET /api/v1/strategies/{id}/positions - открытые позиции стратегии
// - GET /api/v1/sessions/{id}/positions   - все позиции сессии
// - GET /api/v1/sessions/{id}/orders      - последние ордера сессии (?limit=50)
// - GET /api/v1/positions/{id}            - позиция с исполнениями
// - POST /api/v1/positions/close          - ручное закрытие по рынку
// - GET /api/v1/status                    - снимок состояния движка
type PositionHandler struct {
	positions PositionManager
}

// NewPositionHandler создает новый PositionHandler
func NewPositionHandler(positions PositionManager) *PositionHandler {
	return &PositionHandler{positions: positions}
}

// ClosePositionRequest - запрос на ручное закрытие
type ClosePositionRequest struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"` // long, short
}

// GetOpenPositions возвращает открытые позиции стратегии
func (h *PositionHandler) GetOpenPositions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid strategy ID", "ID must be a positive number")
		return
	}

	list, err := h.positions.ListOpen(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if list == nil {
		list = []*models.Position{}
	}
	respondWithJSON(w, http.StatusOK, list)
}

// GetSessionPositions возвращает все позиции сессии, включая закрытые
func (h *PositionHandler) GetSessionPositions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid session ID", "ID must be a positive number")
		return
	}

	list, err := h.positions.ListBySession(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if list == nil {
		list = []*models.Position{}
	}
	respondWithJSON(w, http.StatusOK, list)
}

// GetSessionOrders возвращает последние ордера сессии
func (h *PositionHandler) GetSessionOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid session ID", "ID must be a positive number")
		return
	}

	limit := defaultOrdersLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "invalid_limit", "Invalid limit", "limit must be a positive number")
			return
		}
		limit = n
	}
	if limit > maxOrdersLimit {
		limit = maxOrdersLimit
	}

	list, err := h.positions.RecentOrders(r.Context(), id, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if list == nil {
		list = []*models.OrderRecord{}
	}
	respondWithJSON(w, http.StatusOK, list)
}

// GetPosition возвращает позицию с журналом исполнений
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid position ID", "ID must be a positive number")
		return
	}

	d, err := h.positions.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, d)
}

// ClosePosition закрывает позицию по рынку.
// POST /api/v1/positions/close
//
// Request Body:
//
//	{"symbol": "BTCUSDT", "side": "long"}
//
// Response:
// - 200 OK: ордер на закрытие
// - 400 Bad Request: невалидная сторона или пустой символ
// - 404 Not Found: открытой позиции нет
// - 409 Conflict: движок не запущен
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", err.Error())
		return
	}
	if req.Symbol == "" {
		respondWithError(w, http.StatusBadRequest, "missing_symbol", "Symbol is required", "")
		return
	}

	order, err := h.positions.Close(r.Context(), req.Symbol, req.Side)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, order)
}

// GetStatus возвращает снимок состояния движка: позиции, ключи, риск, каскады
// GET /api/v1/status
func (h *PositionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.positions.Status()
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}
