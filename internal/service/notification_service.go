package service

import (
	"context"
	"strings"
	"time"

	"liqbot/internal/models"
	"liqbot/pkg/utils"
)

const (
	defaultNotificationLimit = 100
	maxNotificationLimit     = 500
	persistTimeout           = 3 * time.Second
)

var validNotificationTypes = map[string]bool{
	models.NotificationTypeEntry:      true,
	models.NotificationTypeLayer:      true,
	models.NotificationTypeFill:       true,
	models.NotificationTypeClose:      true,
	models.NotificationTypeBlock:      true,
	models.NotificationTypeProtection: true,
	models.NotificationTypeCascade:    true,
	models.NotificationTypeStream:     true,
	models.NotificationTypeError:      true,
}

// NotificationService - журнал событий жизненного цикла сделок.
//
// Движок и лента кладут уведомления в ограниченный канал; Run сохраняет
// их в БД и рассылает клиентам UI. Ошибка записи не останавливает
// рассылку, а медленный потребитель не блокирует ядро: при переполнении
// канала движок сам вытесняет старые события.
type NotificationService struct {
	repo  NotificationRepository
	wsHub NotificationBroadcaster
	stats *StatsService
	log   *utils.Logger
}

// NewNotificationService создает новый экземпляр NotificationService
func NewNotificationService(repo NotificationRepository, log *utils.Logger) *NotificationService {
	if log == nil {
		log = utils.L()
	}
	return &NotificationService{
		repo: repo,
		log:  log.WithComponent("notifications"),
	}
}

// SetWebSocketHub устанавливает WebSocket hub для broadcast уведомлений
func (s *NotificationService) SetWebSocketHub(hub NotificationBroadcaster) {
	s.wsHub = hub
}

// SetStatsService включает рассылку статистики после закрытия позиций
func (s *NotificationService) SetStatsService(stats *StatsService) {
	s.stats = stats
}

// Run обрабатывает уведомления из канала до отмены ctx или закрытия канала
func (s *NotificationService) Run(ctx context.Context, in <-chan *models.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-in:
			if !ok {
				return
			}
			s.Publish(ctx, n)
		}
	}
}

// Publish сохраняет уведомление и рассылает его
func (s *NotificationService) Publish(ctx context.Context, n *models.Notification) {
	if n == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	if n.Severity == "" {
		n.Severity = models.SeverityInfo
	}

	saveCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	err := s.repo.Create(saveCtx, n)
	cancel()
	if err != nil {
		s.log.Warn("failed to persist notification", utils.String("type", n.Type), utils.Err(err))
	}

	if s.wsHub != nil {
		s.wsHub.BroadcastNotification(n)
	}
	if n.Type == models.NotificationTypeClose && s.stats != nil {
		s.stats.Publish(ctx)
	}
}

// GetNotifications возвращает последние уведомления, новые сверху.
// Пустой types - все типы; неизвестные типы игнорируются.
func (s *NotificationService) GetNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}

	normalized := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.ToUpper(strings.TrimSpace(t))
		if validNotificationTypes[t] {
			normalized = append(normalized, t)
		}
	}
	if len(types) > 0 && len(normalized) == 0 {
		return []*models.Notification{}, nil
	}
	return s.repo.GetRecent(ctx, normalized, limit)
}

// Cleanup удаляет уведомления старше retention
func (s *NotificationService) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.repo.DeleteOlderThan(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("old notifications removed", utils.Int64("count", n))
	}
	return n, nil
}
