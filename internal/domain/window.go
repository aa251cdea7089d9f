package domain

import "time"

// WindowDuration — длительность скользящего окна лимита
const WindowDuration = 24 * time.Hour

// CvWindowBalance — счетчик обработанных документов в 24-часовом окне.
// Окно привязано не к календарным суткам, а ко времени суток первого
// использования: пользователь, начавший в 14:37, всегда сбрасывается в 14:37.
type CvWindowBalance struct {
	ID            int64     `json:"id" db:"id"`
	OwnerID       string    `json:"owner_id" db:"owner_id"`
	WindowStartAt time.Time `json:"window_start_at" db:"window_start_at"`
	Used          int       `json:"used" db:"used"`
	Limit         int       `json:"limit" db:"window_limit"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// NextWindowStart пересчитывает начало окна после его истечения, сохраняя
// исходное время суток: дата берется от now, часы/минуты/секунды — от старого
// окна. Если полученный момент еще не наступил, окно начинается сутками раньше.
func NextWindowStart(old, now time.Time) time.Time {
	n := now.In(old.Location())
	candidate := time.Date(
		n.Year(), n.Month(), n.Day(),
		old.Hour(), old.Minute(), old.Second(), old.Nanosecond(),
		old.Location(),
	)
	if n.Before(candidate) {
		candidate = candidate.Add(-WindowDuration)
	}
	return candidate
}

// RollIfElapsed перезапускает окно, если оно истекло. used обнуляется только
// вместе с переносом window_start_at.
func (w *CvWindowBalance) RollIfElapsed(now time.Time) bool {
	if now.Sub(w.WindowStartAt) < WindowDuration {
		return false
	}
	w.WindowStartAt = NextWindowStart(w.WindowStartAt, now)
	w.Used = 0
	return true
}

// WindowInfo — снимок состояния лимита для клиента
type WindowInfo struct {
	Allowed       bool      `json:"allowed"`
	Remaining     int       `json:"remaining"`
	Used          int       `json:"used"`
	Limit         int       `json:"limit"`
	WindowStartAt time.Time `json:"window_start_at"`
	ResetsIn      int64     `json:"resets_in"`
}

// Info строит снимок лимита. Окно должно быть уже перезапущено на момент now.
func (w *CvWindowBalance) Info(now time.Time) *WindowInfo {
	remaining := w.Limit - w.Used
	if remaining < 0 {
		remaining = 0
	}
	resetsIn := int64(w.WindowStartAt.Add(WindowDuration).Sub(now).Seconds())
	if resetsIn < 0 {
		resetsIn = 0
	}
	return &WindowInfo{
		Allowed:       w.Used < w.Limit,
		Remaining:     remaining,
		Used:          w.Used,
		Limit:         w.Limit,
		WindowStartAt: w.WindowStartAt,
		ResetsIn:      resetsIn,
	}
}
