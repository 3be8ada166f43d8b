package handlers

import (
	"context"
	"net/http"

	"liqbot/internal/models"
	"liqbot/internal/service"
)

// SessionManager - операции над сессиями
type SessionManager interface {
	GetActive(ctx context.Context, strategyID int) (*models.TradeSession, error)
	List(ctx context.Context, strategyID int) ([]*models.TradeSession, error)
	Reset(ctx context.Context, strategyID int) (*models.TradeSession, error)
}

// StatsProvider - сводная статистика сессии
type StatsProvider interface {
	SessionStats(ctx context.Context, strategyID int) (*models.SessionStats, error)
	SessionStatsByID(ctx context.Context, sessionID int) (*models.SessionStats, error)
}

var (
	_ SessionManager = (*service.SessionService)(nil)
	_ StatsProvider  = (*service.StatsService)(nil)
)

// SessionHandler обрабатывает запросы по торговым сессиям.
//
// Endpoints:
// - GET /api/v1/strategies/{id}/sessions       - история сессий стратегии
// - GET /api/v1/strategies/{id}/session        - активная сессия
// - POST /api/v1/strategies/{id}/session/reset - "начать заново"
// - GET /api/v1/strategies/{id}/stats          - статистика активной сессии
// - GET /api/v1/sessions/{id}/stats            - статистика любой сессии
//
// Сброс архивирует текущую сессию и открывает новую с нулевыми
// счетчиками. Данные прошлых сессий не удаляются.
type SessionHandler struct {
	sessions SessionManager
	stats    StatsProvider
}

// NewSessionHandler создает новый SessionHandler
func NewSessionHandler(sessions SessionManager, stats StatsProvider) *SessionHandler {
	return &SessionHandler{sessions: sessions, stats: stats}
}

// GetSessions возвращает историю сессий стратегии
func (h *SessionHandler) GetSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid strategy ID", "ID must be a positive number")
		return
	}

	list, err := h.sessions.List(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if list == nil {
		list = []*models.TradeSession{}
	}
	respondWithJSON(w, http.StatusOK, list)
}

// GetActiveSession возвращает активную сессию стратегии
func (h *SessionHandler) GetActiveSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid strategy ID", "ID must be a positive number")
		return
	}

	s, err := h.sessions.GetActive(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, s)
}

// ResetSession начинает новую сессию.
// POST /api/v1/strategies/{id}/session/reset
//
// Если движок стратегии запущен, он перезапускается на новой сессии.
//
// Response:
// - 200 OK: новая сессия
// - 404 Not Found: стратегия не найдена
func (h *SessionHandler) ResetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid strategy ID", "ID must be a positive number")
		return
	}

	s, err := h.sessions.Reset(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, s)
}

// GetStrategyStats возвращает статистику активной сессии стратегии.
// GET /api/v1/strategies/{id}/stats
//
// Response 200 OK:
//
//	{
//	  "session": {...},
//	  "win_rate": 66.7,
//	  "open_positions": 2,
//	  "today_pnl": 12.4,
//	  "today_trades": 3,
//	  "week_pnl": 40.1,
//	  "week_trades": 9,
//	  "month_pnl": 120.5,
//	  "month_trades": 31,
//	  "filled_risk": 18.2,
//	  "reserved_risk": 4.0
//	}
func (h *SessionHandler) GetStrategyStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid strategy ID", "ID must be a positive number")
		return
	}

	stats, err := h.stats.SessionStats(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

// GetSessionStats возвращает статистику сессии по её ID
// GET /api/v1/sessions/{id}/stats
func (h *SessionHandler) GetSessionStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid session ID", "ID must be a positive number")
		return
	}

	stats, err := h.stats.SessionStatsByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}
