package utils

import (
	"time"
)

// time.go - границы периодов для статистики сессии (день/неделя/месяц).
// Все границы считаются в UTC.

// Periods - начала периодов статистики
type Periods struct {
	Day   time.Time
	Week  time.Time
	Month time.Time
}

// PeriodsFrom возвращает начала дня, недели и месяца, содержащих t
func PeriodsFrom(t time.Time) Periods {
	return Periods{
		Day:   GetDayStartFrom(t),
		Week:  GetWeekStartFrom(t),
		Month: GetMonthStartFrom(t),
	}
}

// GetDayStartFrom возвращает начало дня (00:00:00 UTC) для указанного времени
func GetDayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// GetWeekStartFrom возвращает понедельник 00:00:00 UTC недели, содержащей t.
// Неделя начинается с понедельника (ISO 8601).
func GetWeekStartFrom(t time.Time) time.Time {
	day := GetDayStartFrom(t)
	offset := int(day.Weekday()) - int(time.Monday)
	if offset < 0 {
		offset += 7 // воскресенье
	}
	return day.AddDate(0, 0, -offset)
}

// GetMonthStartFrom возвращает 1-е число месяца 00:00:00 UTC
func GetMonthStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
