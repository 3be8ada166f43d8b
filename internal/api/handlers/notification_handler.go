package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"liqbot/internal/models"
	"liqbot/internal/service"
)

// NotificationProvider - чтение журнала уведомлений
type NotificationProvider interface {
	GetNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error)
}

var _ NotificationProvider = (*service.NotificationService)(nil)

// NotificationHandler обрабатывает HTTP запросы для уведомлений
//
// Endpoints:
// - GET /api/v1/notifications - получить уведомления с фильтрацией
//
// Уведомления описывают жизненный цикл сделок: вход, слой усреднения,
// исполнение, закрытие, блокировка решения, обновление TP/SL, каскад,
// состояние потока и ошибки.
type NotificationHandler struct {
	notifications NotificationProvider
}

// NewNotificationHandler создает новый NotificationHandler
func NewNotificationHandler(notifications NotificationProvider) *NotificationHandler {
	return &NotificationHandler{notifications: notifications}
}

// GetNotificationsResponse представляет ответ со списком уведомлений
type GetNotificationsResponse struct {
	Notifications []*models.Notification `json:"notifications"`
	Total         int                    `json:"total"`
}

// GetNotifications возвращает список уведомлений
//
// GET /api/v1/notifications?types=ENTRY,CLOSE&limit=100
//
// Query параметры:
// - types: типы через запятую (ENTRY, LAYER, FILL, CLOSE, BLOCK, PROTECTION,
//   CASCADE, STREAM, ERROR). Если не указан - все типы.
// - limit: количество (по умолчанию 100, максимум 500)
//
// HTTP коды:
// - 200 OK
// - 400 Bad Request: невалидный limit
// - 500 Internal Server Error
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondWithError(w, http.StatusBadRequest, "invalid_limit", "Invalid limit", "limit must be a non-negative number")
			return
		}
		limit = n
	}

	list, err := h.notifications.GetNotifications(r.Context(), types, limit)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "internal_error", "Failed to get notifications", err.Error())
		return
	}
	if list == nil {
		list = []*models.Notification{}
	}

	respondWithJSON(w, http.StatusOK, GetNotificationsResponse{
		Notifications: list,
		Total:         len(list),
	})
}
