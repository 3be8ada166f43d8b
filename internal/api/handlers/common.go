package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"liqbot/internal/bot"
	"liqbot/internal/repository"
	"liqbot/internal/service"

	"github.com/gorilla/mux"
)

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse стандартный формат успешного ответа
type SuccessResponse struct {
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// respondWithJSON отправляет JSON ответ
func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondWithError отправляет JSON ответ с ошибкой
func respondWithError(w http.ResponseWriter, statusCode int, code, message, details string) {
	respondWithJSON(w, statusCode, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}

// pathID извлекает числовой параметр из пути
func pathID(r *http.Request, name string) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)[name])
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// errorMapping - соответствие ошибки сервиса HTTP ответу
type errorMapping struct {
	err    error
	status int
	code   string
}

var serviceErrors = []errorMapping{
	{repository.ErrStrategyNotFound, http.StatusNotFound, "strategy_not_found"},
	{repository.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	{repository.ErrPositionNotFound, http.StatusNotFound, "position_not_found"},
	{repository.ErrNoActiveStrategy, http.StatusNotFound, "no_active_strategy"},
	{repository.ErrNoActiveSession, http.StatusNotFound, "no_active_session"},
	{bot.ErrNoOpenPosition, http.StatusNotFound, "no_open_position"},

	{service.ErrMissingCredentials, http.StatusConflict, "missing_credentials"},
	{service.ErrStrategyActive, http.StatusConflict, "strategy_active"},
	{service.ErrEngineNotRunning, http.StatusConflict, "engine_not_running"},
	{service.ErrEngineStopTimeout, http.StatusServiceUnavailable, "engine_stop_timeout"},
	{service.ErrNoEncryptionKey, http.StatusServiceUnavailable, "no_encryption_key"},

	{service.ErrExchangeNotSupported, http.StatusBadRequest, "exchange_not_supported"},
	{service.ErrInvalidName, http.StatusBadRequest, "invalid_name"},
	{service.ErrNoSymbols, http.StatusBadRequest, "no_symbols"},
	{service.ErrInvalidSymbol, http.StatusBadRequest, "invalid_symbol"},
	{service.ErrInvalidLeverage, http.StatusBadRequest, "invalid_leverage"},
	{service.ErrInvalidMargin, http.StatusBadRequest, "invalid_margin"},
	{service.ErrInvalidMaxLayers, http.StatusBadRequest, "invalid_max_layers"},
	{service.ErrInvalidStep, http.StatusBadRequest, "invalid_step"},
	{service.ErrInvalidConvexity, http.StatusBadRequest, "invalid_convexity"},
	{service.ErrInvalidGrowth, http.StatusBadRequest, "invalid_growth"},
	{service.ErrInvalidTakeProfit, http.StatusBadRequest, "invalid_take_profit"},
	{service.ErrInvalidStopLoss, http.StatusBadRequest, "invalid_stop_loss"},
	{service.ErrInvalidPortfolioRisk, http.StatusBadRequest, "invalid_portfolio_risk"},
	{service.ErrInvalidPercentile, http.StatusBadRequest, "invalid_percentile"},
	{service.ErrInvalidSide, http.StatusBadRequest, "invalid_side"},
}

// handleServiceError преобразует ошибку сервиса в HTTP ответ.
// Неизвестные ошибки отдаются как 500.
func handleServiceError(w http.ResponseWriter, err error) {
	for _, m := range serviceErrors {
		if errors.Is(err, m.err) {
			respondWithError(w, m.status, m.code, m.err.Error(), detailsOf(err, m.err))
			return
		}
	}
	respondWithError(w, http.StatusInternalServerError, "internal_error", "Internal server error", err.Error())
}

// detailsOf возвращает полный текст ошибки, если он шире sentinel
func detailsOf(err, sentinel error) string {
	if err.Error() == sentinel.Error() {
		return ""
	}
	return err.Error()
}
