package channel

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/arzzra/switchcore/pkg/logging"
)

// DefaultMaxStateHandlers емкость стека обработчиков по умолчанию
const DefaultMaxStateHandlers = 30

// StateHandlerFunc реакция на вход канала в состояние.
// nil продолжает цепочку, ErrStopDispatch ее прерывает,
// любая другая ошибка фиксируется как отказ обработчика, цепочка продолжается.
type StateHandlerFunc func(ch *Channel) error

// StateHandlerTable набор обработчиков по состояниям.
// Один и тот же экземпляр можно регистрировать на многих каналах.
type StateHandlerTable struct {
	name string

	mu       sync.RWMutex
	handlers map[State]StateHandlerFunc
}

// NewStateHandlerTable создает пустую таблицу
func NewStateHandlerTable(name string) *StateHandlerTable {
	return &StateHandlerTable{
		name:     name,
		handlers: make(map[State]StateHandlerFunc),
	}
}

// Name имя таблицы для логов
func (t *StateHandlerTable) Name() string {
	return t.name
}

// On задает обработчик состояния; nil удаляет его
func (t *StateHandlerTable) On(state State, fn StateHandlerFunc) *StateHandlerTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		delete(t.handlers, state)
	} else {
		t.handlers[state] = fn
	}
	return t
}

// Handler возвращает обработчик состояния или nil
func (t *StateHandlerTable) Handler(state State) StateHandlerFunc {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handlers[state]
}

// handlerStack индексированный стек таблиц обработчиков.
// Индекс таблицы стабилен до ее удаления; порядок обхода = порядок индексов.
type handlerStack struct {
	mu       sync.RWMutex
	slots    []*StateHandlerTable
	capacity int
}

func newHandlerStack(capacity int) *handlerStack {
	if capacity <= 0 {
		capacity = DefaultMaxStateHandlers
	}
	return &handlerStack{capacity: capacity}
}

// add добавляет таблицу в конец стека. Дыры от удаленных таблиц
// используются только когда конец стека исчерпан.
func (s *handlerStack) add(t *StateHandlerTable) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.slots {
		if existing == t {
			return i, nil
		}
	}
	if len(s.slots) < s.capacity {
		s.slots = append(s.slots, t)
		return len(s.slots) - 1, nil
	}
	for i, existing := range s.slots {
		if existing == nil {
			s.slots[i] = t
			return i, nil
		}
	}
	return -1, ErrStateHandlersExhausted(s.capacity)
}

// remove удаляет таблицу по указателю, оставляя дыру на ее месте
func (s *handlerStack) remove(t *StateHandlerTable) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.slots {
		if existing == t {
			s.slots[i] = nil
			// хвостовые дыры срезаем, чтобы append снова занимал их по порядку
			for len(s.slots) > 0 && s.slots[len(s.slots)-1] == nil {
				s.slots = s.slots[:len(s.slots)-1]
			}
			return true
		}
	}
	return false
}

func (s *handlerStack) get(index int) *StateHandlerTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.slots) {
		return nil
	}
	return s.slots[index]
}

func (s *handlerStack) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.slots {
		if t != nil {
			n++
		}
	}
	return n
}

func (s *handlerStack) snapshot() []*StateHandlerTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*StateHandlerTable, 0, len(s.slots))
	for _, t := range s.slots {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// AddStateHandler регистрирует таблицу обработчиков.
// Повторная регистрация той же таблицы возвращает ее текущий индекс.
func (c *Channel) AddStateHandler(t *StateHandlerTable) (int, error) {
	if t == nil {
		return -1, fmt.Errorf("nil state handler table")
	}
	if c.isDestroyed() {
		return -1, ErrChannelDestroyed(c.uuid, "add_state_handler")
	}
	idx, err := c.handlers.add(t)
	if err != nil {
		c.logger.Warn(c.logCtx(), "стек обработчиков заполнен",
			logging.String("table", t.Name()),
			logging.Int("capacity", c.handlers.capacity),
		)
		return -1, err
	}
	return idx, nil
}

// ClearStateHandler удаляет таблицу; индексы остальных не меняются.
// Возвращает false, если таблица не была зарегистрирована.
func (c *Channel) ClearStateHandler(t *StateHandlerTable) (bool, error) {
	if c.isDestroyed() {
		return false, ErrChannelDestroyed(c.uuid, "clear_state_handler")
	}
	return c.handlers.remove(t), nil
}

// StateHandler возвращает таблицу по индексу или nil
func (c *Channel) StateHandler(index int) *StateHandlerTable {
	return c.handlers.get(index)
}

// StateHandlerCount количество зарегистрированных таблиц
func (c *Channel) StateHandlerCount() int {
	return c.handlers.count()
}

// pendingTransition подтвержденный, но еще не разосланный переход
type pendingTransition struct {
	seq      uint64
	from, to State
}

// enqueueDispatch ставит переход в очередь рассылки. Вызывается под stateMu,
// поэтому порядок очереди совпадает с порядком подтверждения переходов.
func (c *Channel) enqueueDispatch(from, to State) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.dispatchSeq++
	c.pending = append(c.pending, pendingTransition{seq: c.dispatchSeq, from: from, to: to})
}

// drainDispatch рассылает очередь переходов. Одновременно очередь
// разбирает только одна горутина. Остальные вызовы SetState (обработчики,
// вызвавшие SetState изнутри рассылки, и конкурентные вызовы из других
// горутин) только добавляют переход в очередь и сразу возвращают nil:
// их обработчики еще не вызваны. Отказы обработчиков таких отложенных
// переходов возвращаются горутине, разбирающей очередь, вместе с отказами
// ее собственного перехода.
func (c *Channel) drainDispatch() error {
	c.dispatchMu.Lock()
	if c.dispatching {
		c.dispatchMu.Unlock()
		return nil
	}
	c.dispatching = true
	c.dispatchMu.Unlock()

	var errs []error
	for {
		c.dispatchMu.Lock()
		if len(c.pending) == 0 {
			c.dispatching = false
			c.pending = nil
			c.dispatchMu.Unlock()
			return errors.Join(errs...)
		}
		tr := c.pending[0]
		c.pending = c.pending[1:]
		c.dispatchMu.Unlock()

		if err := c.dispatch(tr); err != nil {
			errs = append(errs, err)
		}
	}
}

// dispatch вызывает обработчики состояния tr.to по порядку индексов
func (c *Channel) dispatch(tr pendingTransition) error {
	var errs []error
	for _, table := range c.handlers.snapshot() {
		fn := table.Handler(tr.to)
		if fn == nil {
			continue
		}
		err := c.invokeHandler(table, tr.to, fn)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrStopDispatch) {
			break
		}
		rejected := ErrStateHandlerRejected(table.Name(), tr.to, err).WithChannel(c.uuid, tr.to)
		c.metrics.HandlerRejected(tr.to.String())
		c.logger.LogError(c.logCtx(), rejected, "обработчик состояния вернул ошибку",
			logging.String("from_state", tr.from.String()),
			logging.Any("seq", tr.seq),
		)
		errs = append(errs, rejected)
	}
	return errors.Join(errs...)
}

// invokeHandler вызывает обработчик, превращая панику в ошибку
func (c *Channel) invokeHandler(table *StateHandlerTable, state State, fn StateHandlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(c.logCtx(), "PANIC в обработчике состояния",
				logging.String("table", table.Name()),
				logging.String("state", state.String()),
				logging.Any("panic_value", r),
				logging.String("stack_trace", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(c)
}
