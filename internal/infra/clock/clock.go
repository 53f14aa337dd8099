// Package clock — единая точка доступа к текущему времени приложения.
// Все временные метки персистентного слоя (sync_task, message_mapping,
// heartbeat) заведены в UTC, поэтому Now нормализует зону в одном месте.
package clock

import "time"

// Now возвращает текущее время в UTC.
func Now() time.Time {
	return time.Now().UTC()
}
