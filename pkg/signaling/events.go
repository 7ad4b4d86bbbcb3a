package signaling

import (
	"fmt"

	"github.com/arzzra/switchcore/pkg/channel"
)

// EventKind тип события стека сигнализации. Набор закрытый.
type EventKind int

const (
	// EventStart входящий вызов или начало исходящего
	EventStart EventKind = iota
	// EventProgressMedia удаленная сторона дала раннее медиа
	EventProgressMedia
	// EventUp вызов отвечен
	EventUp
	// EventStop удаленное завершение
	EventStop
	// EventError ошибка стека на канале
	EventError
	// EventDTMF цифры, принятые стеком
	EventDTMF
)

var eventKindNames = [...]string{
	EventStart:         "start",
	EventProgressMedia: "progress_media",
	EventUp:            "up",
	EventStop:          "stop",
	EventError:         "error",
	EventDTMF:          "dtmf",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// terminal событие завершает вызов
func (k EventKind) terminal() bool {
	return k == EventStop || k == EventError
}

// Event событие стека сигнализации, привязанное к каналу
type Event struct {
	Kind    EventKind
	Channel *channel.Channel

	// координаты в стеке: span/chan для TDM, для SIP не используются
	SpanID    int
	ChanID    int
	Transport string

	// Cause причина для EventStop и EventError
	Cause channel.HangupCause
	// Digits цифры для EventDTMF
	Digits string
}

// hangupCause причина, с которой мост завершает канал
func (e Event) hangupCause() channel.HangupCause {
	if e.Cause != channel.CauseNone {
		return e.Cause
	}
	if e.Kind == EventError {
		return channel.CauseNormalTemporaryFailure
	}
	return channel.CauseNormalClearing
}

// Callback обработчик событий моста. Вызывается в потоке стека
// и не должен блокироваться: все отложенное идет через планировщик.
type Callback func(ev Event) error
