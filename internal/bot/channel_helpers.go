package bot

import "liqbot/internal/models"

// tryEnqueueNotification кладёт уведомление в канал. Если канал полон,
// самое старое уведомление вытесняется. Возвращает false, если что-то
// пришлось выбросить.
func tryEnqueueNotification(ch chan *models.Notification, notif *models.Notification) bool {
	if ch == nil || notif == nil {
		return false
	}

	select {
	case ch <- notif:
		return true
	default:
	}

	RecordBufferOverflow("notification")
	RecordBufferBacklog("notification", cap(ch), len(ch))

	select {
	case <-ch:
	default:
	}
	select {
	case ch <- notif:
	default:
		// канал снова занят конкурентным писателем - выбрасываем своё
	}
	return false
}
