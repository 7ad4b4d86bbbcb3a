package channel

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/switchcore/pkg/logging"
	"github.com/arzzra/switchcore/pkg/metrics"
)

// Config параметры канала
type Config struct {
	// DTMFCapacity емкость очереди DTMF
	DTMFCapacity int
	// MaxStateHandlers емкость стека таблиц обработчиков
	MaxStateHandlers int

	// UUID идентификатор канала; пустой означает сгенерировать новый
	UUID string
	// Name имя канала, например "sip/1001"
	Name string

	Logger  logging.StructuredLogger
	Metrics *metrics.Collector

	// Clock источник времени, по умолчанию time.Now
	Clock func() time.Time
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		DTMFCapacity:     DefaultDTMFCapacity,
		MaxStateHandlers: DefaultMaxStateHandlers,
	}
}

// Channel состояние одного плеча вызова и его автомат состояний.
//
// Блокировки:
//   - mu: широкая блокировка (профили, private, имя, extension, снимок);
//   - stateMu: состояние, флаги, причина, таймтейбл, признак уничтожения;
//   - dispatchMu: очередь неразосланных переходов.
//
// Порядок захвата всегда mu -> stateMu -> dispatchMu, обратный запрещен.
// Обработчики состояний вызываются без удержания этих блокировок.
type Channel struct {
	uuid    string
	logger  logging.StructuredLogger
	metrics *metrics.Collector
	clock   func() time.Time

	mu                sync.Mutex
	name              string
	callerProfile     *CallerProfile
	originatorProfile *CallerProfile
	originateeProfile *CallerProfile
	extension         *CallerExtension
	private           any

	stateMu   sync.RWMutex
	state     State
	sm        *fsm.FSM
	flags     atomic.Uint64 // запись только под stateMu
	cause     HangupCause
	timetable Timetable
	destroyed bool

	dispatchMu  sync.Mutex
	pending     []pendingTransition
	dispatching bool
	dispatchSeq uint64

	vars     *Variables
	dtmf     *DTMFQueue
	handlers *handlerStack
}

// New создает канал в состоянии NEW
func New(cfg Config) *Channel {
	if cfg.UUID == "" {
		cfg.UUID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	c := &Channel{
		uuid:     cfg.UUID,
		name:     cfg.Name,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		state:    StateNew,
		sm:       newStateMachine(),
		vars:     NewVariables(),
		dtmf:     NewDTMFQueue(cfg.DTMFCapacity),
		handlers: newHandlerStack(cfg.MaxStateHandlers),
	}
	c.logger = cfg.Logger.WithComponent("channel")
	c.timetable.Created = c.clock()

	c.metrics.ChannelCreated()
	c.logger.Debug(c.logCtx(), "канал создан", logging.String("name", cfg.Name))
	return c
}

// UUID неизменяемый идентификатор канала
func (c *Channel) UUID() string {
	return c.uuid
}

func (c *Channel) logCtx() context.Context {
	return logging.WithChannelUUID(context.Background(), c.uuid)
}

// State текущее состояние
func (c *Channel) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Ready true, пока канал не дошел до HANGUP и не приостановлен.
// Состояние и флаги читаются одним снимком.
func (c *Channel) Ready() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state < StateHangup && !Flag(c.flags.Load()).Has(FlagSuspend)
}

// Cause причина завершения; CauseNone до HANGUP
func (c *Channel) Cause() HangupCause {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.cause
}

// Timetable копия отметок времени
func (c *Channel) Timetable() Timetable {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.timetable
}

// Destroyed true после перехода в DESTROYED
func (c *Channel) Destroyed() bool {
	return c.isDestroyed()
}

func (c *Channel) isDestroyed() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.destroyed
}

// SetState единственная точка смены состояния.
//
// Переход проверяется по таблице переходов. Недопустимый переход оставляет
// состояние без изменений и возвращает ошибку с ErrInvalidTransition.
// После подтверждения перехода вызываются обработчики нового состояния;
// если какой-то из них отказал, новое состояние возвращается вместе
// с ошибкой ErrHandlerRejected (переход при этом уже выполнен).
// Если очередь рассылки уже разбирает другой вызов, переход только
// ставится в очередь и ошибки его обработчиков получит тот вызов.
func (c *Channel) SetState(to State) (State, error) {
	c.stateMu.Lock()
	if c.destroyed {
		c.stateMu.Unlock()
		return StateDestroyed, ErrChannelDestroyed(c.uuid, "set_state")
	}
	from := c.state
	if err := c.sm.Event(context.Background(), to.String()); err != nil {
		c.stateMu.Unlock()
		return from, c.rejectTransition(from, to, err)
	}
	c.commitLocked(to, CauseNormalClearing)
	c.enqueueDispatch(from, to)
	c.stateMu.Unlock()

	c.afterCommit(from, to)
	return to, c.drainDispatch()
}

// Hangup переводит канал в HANGUP с указанной причиной.
// Идемпотентен: если канал уже в HANGUP или дальше, ничего не меняет,
// причина первого вызова сохраняется. Возвращает итоговое состояние.
func (c *Channel) Hangup(cause HangupCause) State {
	if cause == CauseNone {
		cause = CauseNormalClearing
	}

	c.stateMu.Lock()
	if c.state >= StateHangup {
		s := c.state
		c.stateMu.Unlock()
		return s
	}
	from := c.state
	if err := c.sm.Event(context.Background(), StateHangup.String()); err != nil {
		// каждое состояние ниже HANGUP имеет переход в HANGUP
		c.stateMu.Unlock()
		c.logger.LogError(c.logCtx(), c.rejectTransition(from, StateHangup, err), "hangup отклонен автоматом")
		return from
	}
	c.commitLocked(StateHangup, cause)
	c.enqueueDispatch(from, StateHangup)
	c.stateMu.Unlock()

	c.logger.Info(c.logCtx(), "канал завершен",
		logging.String("cause", cause.String()),
		logging.String("from_state", from.String()),
	)
	c.afterCommit(from, StateHangup)
	if err := c.drainDispatch(); err != nil {
		c.logger.Debug(c.logCtx(), "обработчики hangup вернули ошибки", logging.Err(err))
	}
	return StateHangup
}

// commitLocked применяет побочные эффекты входа в состояние. Под stateMu.
func (c *Channel) commitLocked(to State, cause HangupCause) {
	c.state = to
	switch to {
	case StateHangup:
		if c.cause == CauseNone {
			c.cause = cause
		}
		c.timetable.markHungup(c.clock())
		c.flags.Store(c.flags.Load() &^ uint64(FlagHangupPending))
	case StateDestroyed:
		c.destroyed = true
	}
}

func (c *Channel) afterCommit(from, to State) {
	c.metrics.StateTransition(from.String(), to.String())
	c.logger.Debug(c.logCtx(), "смена состояния",
		logging.String("from_state", from.String()),
		logging.String("to_state", to.String()),
	)
	if to == StateDestroyed {
		tt := c.Timetable()
		c.metrics.ChannelDestroyed(tt.Duration(c.clock()))
		c.dtmf.Flush()
	}
}

func (c *Channel) rejectTransition(from, to State, cause error) error {
	c.metrics.InvalidTransition(from.String(), to.String())
	err := ErrInvalidStateTransition(from, to).WithChannel(c.uuid, from).WithField("fsm_error", cause.Error())
	c.logger.Warn(c.logCtx(), "недопустимый переход состояния",
		logging.String("from_state", from.String()),
		logging.String("to_state", to.String()),
	)
	return err
}

// Answer отмечает канал отвеченным (флаг ANSWERED и время ответа)
func (c *Channel) Answer() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.destroyed {
		return ErrChannelDestroyed(c.uuid, "answer")
	}
	if c.state >= StateHangup {
		return ErrChannelNotReady(c.uuid, c.state, "answer")
	}
	if Flag(c.flags.Load()).Has(FlagAnswered) {
		return nil
	}
	c.flags.Store(c.flags.Load() | uint64(FlagAnswered))
	c.timetable.markAnswered(c.clock())
	return nil
}

// PreAnswer включает раннее медиа (флаг EARLY_MEDIA).
// На уже отвеченном канале ничего не делает.
func (c *Channel) PreAnswer() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.destroyed {
		return ErrChannelDestroyed(c.uuid, "pre_answer")
	}
	if c.state >= StateHangup {
		return ErrChannelNotReady(c.uuid, c.state, "pre_answer")
	}
	f := Flag(c.flags.Load())
	if f.Has(FlagAnswered) {
		return nil
	}
	c.flags.Store(uint64(f | FlagEarlyMedia))
	return nil
}

// Destroy переводит завершенный канал в DESTROYED.
// Допустим только из HANGUP или REPORTING.
func (c *Channel) Destroy() error {
	_, err := c.SetState(StateDestroyed)
	return err
}

// TestFlag проверяет флаг без блокировок
func (c *Channel) TestFlag(f Flag) bool {
	return Flag(c.flags.Load()).Has(f)
}

// Flags текущая маска флагов
func (c *Channel) Flags() Flag {
	return Flag(c.flags.Load())
}

// SetFlag устанавливает флаг под блокировкой состояния
func (c *Channel) SetFlag(f Flag) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.setFlagsLocked(f, 0, "set_flag")
}

// ClearFlag сбрасывает флаг под блокировкой состояния
func (c *Channel) ClearFlag(f Flag) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.setFlagsLocked(0, f, "clear_flag")
}

// SetFlagLocked устанавливает флаг под широкой блокировкой канала.
// Нужен, когда флаг должен меняться согласованно с профилями или private.
func (c *Channel) SetFlagLocked(f Flag) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SetFlag(f)
}

// ClearFlagLocked сбрасывает флаг под широкой блокировкой канала
func (c *Channel) ClearFlagLocked(f Flag) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ClearFlag(f)
}

func (c *Channel) setFlagsLocked(set, clear Flag, op string) error {
	if c.destroyed {
		return ErrChannelDestroyed(c.uuid, op)
	}
	c.flags.Store((c.flags.Load() | uint64(set)) &^ uint64(clear))
	return nil
}

// checkAliveLocked проверка уничтожения под mu (берет stateMu на чтение)
func (c *Channel) checkAliveLocked(op string) error {
	if c.isDestroyed() {
		return ErrChannelDestroyed(c.uuid, op)
	}
	return nil
}

// SetName задает имя канала
func (c *Channel) SetName(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkAliveLocked("set_name"); err != nil {
		return err
	}
	c.name = name
	return nil
}

// Name имя канала
func (c *Channel) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// SetCallerProfile задает профиль вызывающего; nil очищает слот
func (c *Channel) SetCallerProfile(p *CallerProfile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkAliveLocked("set_caller_profile"); err != nil {
		return err
	}
	c.callerProfile = p
	return nil
}

// CallerProfile профиль вызывающего или nil
func (c *Channel) CallerProfile() *CallerProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callerProfile
}

// SetOriginatorProfile запоминает профиль плеча, создавшего этот канал,
// и отмечает канал исходящим. Профиль и флаг меняются согласованно.
func (c *Channel) SetOriginatorProfile(p *CallerProfile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if err := c.setFlagsLocked(FlagOutbound, 0, "set_originator_profile"); err != nil {
		return err
	}
	c.originatorProfile = p
	return nil
}

// OriginatorProfile профиль создателя канала или nil
func (c *Channel) OriginatorProfile() *CallerProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.originatorProfile
}

// SetOriginateeProfile запоминает профиль плеча, созданного этим каналом,
// и отмечает канал флагом ORIGINATOR
func (c *Channel) SetOriginateeProfile(p *CallerProfile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if err := c.setFlagsLocked(FlagOriginator, 0, "set_originatee_profile"); err != nil {
		return err
	}
	c.originateeProfile = p
	return nil
}

// OriginateeProfile профиль созданного плеча или nil
func (c *Channel) OriginateeProfile() *CallerProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.originateeProfile
}

// SetCallerExtension задает результат маршрутизации
func (c *Channel) SetCallerExtension(ext *CallerExtension) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkAliveLocked("set_caller_extension"); err != nil {
		return err
	}
	c.extension = ext
	return nil
}

// CallerExtension результат маршрутизации или nil
func (c *Channel) CallerExtension() *CallerExtension {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extension
}

// SetPrivate сохраняет непрозрачные данные владельца канала
// (например, состояние адаптера сигнализации)
func (c *Channel) SetPrivate(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkAliveLocked("set_private"); err != nil {
		return err
	}
	c.private = v
	return nil
}

// Private непрозрачные данные владельца
func (c *Channel) Private() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.private
}

// GetVariable значение переменной
func (c *Channel) GetVariable(key string) (string, bool) {
	return c.vars.Get(key)
}

// SetVariable записывает переменную
func (c *Channel) SetVariable(key, value string) error {
	if c.isDestroyed() {
		return ErrChannelDestroyed(c.uuid, "set_variable")
	}
	return c.vars.Set(key, value)
}

// UnsetVariable удаляет переменную; false, если ее не было
func (c *Channel) UnsetVariable(key string) (bool, error) {
	if c.isDestroyed() {
		return false, ErrChannelDestroyed(c.uuid, "unset_variable")
	}
	return c.vars.Unset(key), nil
}

// VariableCount количество переменных
func (c *Channel) VariableCount() int {
	return c.vars.Len()
}

// RangeVariables обходит копию переменных; fn возвращает false для остановки
func (c *Channel) RangeVariables(fn func(key, value string) bool) {
	c.vars.Range(fn)
}

// QueueDTMF ставит цифры в очередь: все или ни одной
func (c *Channel) QueueDTMF(digits string) error {
	if c.isDestroyed() {
		return ErrChannelDestroyed(c.uuid, "queue_dtmf")
	}
	err := c.dtmf.Queue(digits)
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			c.metrics.DTMFQueueFull()
		}
		c.logger.LogError(c.logCtx(), err, "цифры DTMF отклонены", logging.String("digits", digits))
		return err
	}
	return nil
}

// DequeueDTMF забирает до len(buf) цифр в порядке поступления
func (c *Channel) DequeueDTMF(buf []byte) int {
	return c.dtmf.Dequeue(buf)
}

// HasDTMF количество цифр в очереди
func (c *Channel) HasDTMF() int {
	return c.dtmf.Len()
}

// Snapshot согласованный снимок канала для внешних потребителей
type Snapshot struct {
	UUID       string            `json:"uuid"`
	Name       string            `json:"name"`
	State      State             `json:"state"`
	Flags      string            `json:"flags"`
	Cause      HangupCause       `json:"cause"`
	Timetable  Timetable         `json:"timetable"`
	Caller     string            `json:"caller,omitempty"`
	Dest       string            `json:"destination,omitempty"`
	DTMF       int               `json:"dtmf_pending"`
	Handlers   int               `json:"handlers"`
	Variables  map[string]string `json:"variables,omitempty"`
	Originator string            `json:"originator,omitempty"`
}

// Snapshot снимает состояние под широкой блокировкой
func (c *Channel) Snapshot() Snapshot {
	c.mu.Lock()
	c.stateMu.RLock()
	s := Snapshot{
		UUID:      c.uuid,
		Name:      c.name,
		State:     c.state,
		Flags:     Flag(c.flags.Load()).String(),
		Cause:     c.cause,
		Timetable: c.timetable,
	}
	c.stateMu.RUnlock()
	if c.callerProfile != nil {
		s.Caller = c.callerProfile.Number()
		s.Dest = c.callerProfile.Destination()
	}
	if c.originatorProfile != nil {
		s.Originator = c.originatorProfile.Number()
	}
	c.mu.Unlock()

	s.DTMF = c.dtmf.Len()
	s.Handlers = c.handlers.count()
	s.Variables = c.vars.All()
	return s
}

// EventData плоское представление канала для потребителей событий
func (c *Channel) EventData() map[string]string {
	out := make(map[string]string)

	c.mu.Lock()
	c.stateMu.RLock()
	out["Unique-ID"] = c.uuid
	out["Channel-Name"] = c.name
	out["Channel-State"] = c.state.String()
	out["Channel-State-Number"] = strconv.Itoa(int(c.state))
	out["Channel-Flags"] = Flag(c.flags.Load()).String()
	if c.cause != CauseNone {
		out["Hangup-Cause"] = c.cause.String()
	}
	out["Caller-Channel-Created-Time"] = strconv.FormatInt(c.timetable.Created.UnixMicro(), 10)
	if !c.timetable.Answered.IsZero() {
		out["Caller-Channel-Answered-Time"] = strconv.FormatInt(c.timetable.Answered.UnixMicro(), 10)
	}
	if !c.timetable.Hungup.IsZero() {
		out["Caller-Channel-Hangup-Time"] = strconv.FormatInt(c.timetable.Hungup.UnixMicro(), 10)
	}
	c.stateMu.RUnlock()

	c.callerProfile.eventData("Caller", out)
	c.originatorProfile.eventData("Originator", out)
	c.originateeProfile.eventData("Originatee", out)
	c.mu.Unlock()

	c.vars.Range(func(k, v string) bool {
		out["variable_"+k] = v
		return true
	})
	return out
}
