package channel

import "time"

// Timetable отметки времени жизненного цикла канала.
// Нулевое значение означает, что событие еще не произошло.
type Timetable struct {
	Created  time.Time `json:"created"`
	Answered time.Time `json:"answered,omitempty"`
	Hungup   time.Time `json:"hungup,omitempty"`
}

// markAnswered фиксирует время ответа один раз. Вызывается под stateMu.
func (t *Timetable) markAnswered(now time.Time) bool {
	if !t.Answered.IsZero() {
		return false
	}
	t.Answered = clampAfter(now, t.Created)
	return true
}

// markHungup фиксирует время завершения один раз. Вызывается под stateMu.
func (t *Timetable) markHungup(now time.Time) bool {
	if !t.Hungup.IsZero() {
		return false
	}
	floor := t.Created
	if !t.Answered.IsZero() {
		floor = t.Answered
	}
	t.Hungup = clampAfter(now, floor)
	return true
}

// Duration время от создания до завершения (или до now, если вызов идет)
func (t Timetable) Duration(now time.Time) time.Duration {
	end := now
	if !t.Hungup.IsZero() {
		end = t.Hungup
	}
	if t.Created.IsZero() || end.Before(t.Created) {
		return 0
	}
	return end.Sub(t.Created)
}

// clampAfter не дает отметке оказаться раньше предыдущей
func clampAfter(ts, floor time.Time) time.Time {
	if ts.Before(floor) {
		return floor
	}
	return ts
}
