package channel

import (
	"errors"
	"fmt"
	"time"
)

// Базовые ошибки ядра для errors.Is. Структурированные *Error
// разворачиваются в одну из них.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrQueueFull         = errors.New("dtmf queue full")
	ErrSchedulerFull     = errors.New("scheduler full")
	ErrStaleReference    = errors.New("channel destroyed")
	ErrHandlerRejected   = errors.New("state handler rejected")
	ErrHandlerStackFull  = errors.New("state handler stack full")
	ErrInvalidDTMF       = errors.New("invalid dtmf digit")
	ErrInvalidVariable   = errors.New("invalid variable")

	// ErrStopDispatch возвращается обработчиком состояния, чтобы прервать
	// цепочку обработчиков для текущего перехода. Ошибкой не считается.
	ErrStopDispatch = errors.New("stop state handler dispatch")
)

// ErrorCategory категории ошибок для классификации
type ErrorCategory string

const (
	ErrorCategoryState     ErrorCategory = "STATE"
	ErrorCategoryResource  ErrorCategory = "RESOURCE"
	ErrorCategoryHandler   ErrorCategory = "HANDLER"
	ErrorCategoryLifecycle ErrorCategory = "LIFECYCLE"
	ErrorCategoryInput     ErrorCategory = "INPUT"
)

// ErrorSeverity уровни критичности ошибок
type ErrorSeverity string

const (
	ErrorSeverityError   ErrorSeverity = "ERROR"   // операция не выполнена
	ErrorSeverityWarning ErrorSeverity = "WARNING" // операция не выполнена, вызывающий сам решает что делать
	ErrorSeverityInfo    ErrorSeverity = "INFO"    // информационное
)

// Error структурированная ошибка с контекстом канала
type Error struct {
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Category ErrorCategory `json:"category"`
	Severity ErrorSeverity `json:"severity"`

	ChannelID string    `json:"channel_id,omitempty"`
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`

	Fields    map[string]interface{} `json:"fields,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	if e.ChannelID != "" {
		return fmt.Sprintf("[%s:%s] %s (channel: %s)", e.Category, e.Code, e.Message, e.ChannelID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithField добавляет дополнительное поле к ошибке
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithChannel привязывает ошибку к каналу
func (e *Error) WithChannel(id string, state State) *Error {
	e.ChannelID = id
	e.State = state
	return e
}

// LogFields отдает поля ошибки для структурированного лога
func (e *Error) LogFields() map[string]interface{} {
	out := map[string]interface{}{
		"error_code":     e.Code,
		"error_category": string(e.Category),
		"error_severity": string(e.Severity),
		"retryable":      e.Retryable,
	}
	if e.ChannelID != "" {
		out["channel_uuid"] = e.ChannelID
		out["channel_state"] = e.State.String()
	}
	for k, v := range e.Fields {
		out[k] = v
	}
	return out
}

// newError создает структурированную ошибку поверх базовой
func newError(cause error, code, message string, category ErrorCategory, severity ErrorSeverity) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  category,
		Severity:  severity,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// ErrInvalidStateTransition переход не разрешен таблицей переходов
func ErrInvalidStateTransition(from, to State) *Error {
	return newError(ErrInvalidTransition,
		"INVALID_STATE_TRANSITION",
		fmt.Sprintf("переход %s -> %s не разрешен", from, to),
		ErrorCategoryState, ErrorSeverityError,
	).WithField("from_state", from.String()).WithField("to_state", to.String())
}

// ErrDTMFQueueFull в очереди нет места под все цифры
func ErrDTMFQueueFull(pending, incoming, capacity int) *Error {
	err := newError(ErrQueueFull,
		"DTMF_QUEUE_FULL",
		fmt.Sprintf("очередь DTMF заполнена: %d+%d > %d", pending, incoming, capacity),
		ErrorCategoryResource, ErrorSeverityWarning,
	).WithField("pending", pending).WithField("incoming", incoming).WithField("capacity", capacity)
	err.Retryable = true
	return err
}

// ErrInvalidDTMFDigit недопустимый символ DTMF
func ErrInvalidDTMFDigit(digit byte) *Error {
	return newError(ErrInvalidDTMF,
		"INVALID_DTMF",
		fmt.Sprintf("недопустимая цифра DTMF %q", digit),
		ErrorCategoryInput, ErrorSeverityWarning,
	).WithField("digit", string(digit))
}

// ErrEmptyVariableKey попытка записать переменную без имени
func ErrEmptyVariableKey() *Error {
	return newError(ErrInvalidVariable,
		"INVALID_VARIABLE",
		"имя переменной не может быть пустым",
		ErrorCategoryInput, ErrorSeverityWarning,
	)
}

// ErrSchedulerExhausted нет свободного слота таймера
func ErrSchedulerExhausted(capacity int, action string) *Error {
	err := newError(ErrSchedulerFull,
		"SCHEDULER_FULL",
		fmt.Sprintf("нет свободного слота для действия %q (емкость %d)", action, capacity),
		ErrorCategoryResource, ErrorSeverityWarning,
	).WithField("capacity", capacity).WithField("action", action)
	err.Retryable = true
	return err
}

// ErrChannelDestroyed операция над уже уничтоженным каналом
func ErrChannelDestroyed(id, operation string) *Error {
	return newError(ErrStaleReference,
		"STALE_REFERENCE",
		fmt.Sprintf("канал уничтожен, операция %q отклонена", operation),
		ErrorCategoryLifecycle, ErrorSeverityWarning,
	).WithChannel(id, StateDestroyed).WithField("operation", operation)
}

// ErrChannelNotReady операция недопустима в текущем состоянии канала
func ErrChannelNotReady(id string, state State, operation string) *Error {
	return newError(ErrInvalidTransition,
		"CHANNEL_NOT_READY",
		fmt.Sprintf("операция %q недопустима в состоянии %s", operation, state),
		ErrorCategoryState, ErrorSeverityWarning,
	).WithChannel(id, state).WithField("operation", operation)
}

// ErrStateHandlerRejected обработчик состояния сообщил об ошибке
func ErrStateHandlerRejected(table string, state State, cause error) *Error {
	err := newError(ErrHandlerRejected,
		"HANDLER_REJECTED",
		fmt.Sprintf("обработчик %q отказал в состоянии %s: %v", table, state, cause),
		ErrorCategoryHandler, ErrorSeverityWarning,
	).WithField("table", table).WithField("handler_state", state.String())
	err.Fields["handler_error"] = fmt.Sprint(cause)
	return err
}

// ErrStateHandlersExhausted стек обработчиков заполнен
func ErrStateHandlersExhausted(capacity int) *Error {
	return newError(ErrHandlerStackFull,
		"HANDLER_STACK_FULL",
		fmt.Sprintf("стек обработчиков заполнен (емкость %d)", capacity),
		ErrorCategoryResource, ErrorSeverityError,
	).WithField("capacity", capacity)
}

// IsRetryable проверяет, можно ли повторить операцию
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetErrorCode извлекает код ошибки
func GetErrorCode(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return "UNKNOWN_ERROR"
}
