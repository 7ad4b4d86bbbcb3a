// Package sched планировщик отложенных действий над каналами.
//
// Фиксированный пул слотов под одним мьютексом. Каждый Tick уменьшает
// счетчик всех активных слотов и вызывает истекшие действия уже после
// освобождения мьютекса, поэтому действие может само планировать новые.
// Это не очередь с приоритетами: Tick обходит все слоты, O(емкость).
package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/arzzra/switchcore/pkg/channel"
	"github.com/arzzra/switchcore/pkg/logging"
	"github.com/arzzra/switchcore/pkg/metrics"
)

// DefaultCapacity число слотов по умолчанию
const DefaultCapacity = 512

// Action отложенное действие над каналом
type Action func(ch *channel.Channel)

// Config параметры планировщика
type Config struct {
	Capacity int
	Logger   logging.StructuredLogger
	Metrics  *metrics.Collector
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{Capacity: DefaultCapacity}
}

type slot struct {
	active    bool
	ch        *channel.Channel
	remaining int
	name      string
	fn        Action
}

// Stats счетчики планировщика
type Stats struct {
	Capacity  int    `json:"capacity"`
	Active    int    `json:"active"`
	Scheduled uint64 `json:"scheduled"`
	Fired     uint64 `json:"fired"`
	Cancelled uint64 `json:"cancelled"`
	Rejected  uint64 `json:"rejected"`
	Stale     uint64 `json:"stale"`
}

// Scheduler пул слотов отложенных действий
type Scheduler struct {
	mu     sync.Mutex
	slots  []slot
	active int

	logger  logging.StructuredLogger
	metrics *metrics.Collector

	scheduled atomic.Uint64
	fired     atomic.Uint64
	cancelled atomic.Uint64
	rejected  atomic.Uint64
	stale     atomic.Uint64
}

// New создает планировщик с cfg.Capacity слотами
func New(cfg Config) *Scheduler {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	return &Scheduler{
		slots:   make([]slot, cfg.Capacity),
		logger:  cfg.Logger.WithComponent("sched"),
		metrics: cfg.Metrics,
	}
}

// Schedule занимает свободный слот: fn будет вызвана на тике номер ticks,
// считая от текущего. Если свободного слота нет, возвращает ошибку
// с channel.ErrSchedulerFull; ждать освобождения вызывающий не должен.
func (s *Scheduler) Schedule(ch *channel.Channel, ticks int, name string, fn Action) error {
	if ch == nil || fn == nil {
		return fmt.Errorf("sched: канал и действие обязательны")
	}
	if ticks <= 0 {
		return fmt.Errorf("sched: задержка должна быть положительной, получено %d", ticks)
	}

	s.mu.Lock()
	idx := -1
	for i := range s.slots {
		if !s.slots[i].active {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		s.rejected.Add(1)
		s.metrics.SchedulerFull()
		err := channel.ErrSchedulerExhausted(len(s.slots), name).WithChannel(ch.UUID(), ch.State())
		s.logger.LogError(logging.WithChannelUUID(context.Background(), ch.UUID()), err, "нет свободного слота")
		return err
	}
	s.slots[idx] = slot{active: true, ch: ch, remaining: ticks, name: name, fn: fn}
	s.active++
	s.mu.Unlock()

	s.scheduled.Add(1)
	s.metrics.Scheduled()
	s.logger.Trace(logging.WithChannelUUID(context.Background(), ch.UUID()), "действие запланировано",
		logging.String("action", name),
		logging.Int("ticks", ticks),
		logging.Int("slot", idx),
	)
	return nil
}

// Tick продвигает время на один тик и вызывает истекшие действия.
// Возвращает количество вызванных действий.
func (s *Scheduler) Tick() int {
	var due []slot

	s.mu.Lock()
	for i := range s.slots {
		sl := &s.slots[i]
		if !sl.active {
			continue
		}
		sl.remaining--
		if sl.remaining <= 0 {
			due = append(due, *sl)
			*sl = slot{}
			s.active--
		}
	}
	s.mu.Unlock()

	fired := 0
	for _, sl := range due {
		s.fired.Add(1)
		s.metrics.Fired()
		if sl.ch.Destroyed() {
			s.stale.Add(1)
			err := channel.ErrChannelDestroyed(sl.ch.UUID(), sl.name)
			s.logger.LogError(logging.WithChannelUUID(context.Background(), sl.ch.UUID()), err, "действие для уничтоженного канала пропущено")
			continue
		}
		s.run(sl)
		fired++
	}
	return fired
}

func (s *Scheduler) run(sl slot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(logging.WithChannelUUID(context.Background(), sl.ch.UUID()), "PANIC в отложенном действии",
				logging.String("action", sl.name),
				logging.Any("panic_value", r),
				logging.String("stack_trace", string(debug.Stack())),
			)
		}
	}()
	sl.fn(sl.ch)
}

// CancelAll освобождает все слоты канала. Возвращает число отмененных действий.
func (s *Scheduler) CancelAll(ch *channel.Channel) int {
	n := 0
	s.mu.Lock()
	for i := range s.slots {
		if s.slots[i].active && s.slots[i].ch == ch {
			s.slots[i] = slot{}
			n++
		}
	}
	s.active -= n
	s.mu.Unlock()

	if n > 0 {
		s.cancelled.Add(uint64(n))
		s.metrics.Cancelled(n)
		s.logger.Debug(logging.WithChannelUUID(context.Background(), ch.UUID()), "отложенные действия отменены", logging.Int("count", n))
	}
	return n
}

// Pending имена ожидающих действий канала
func (s *Scheduler) Pending(ch *channel.Channel) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for i := range s.slots {
		if s.slots[i].active && s.slots[i].ch == ch {
			names = append(names, s.slots[i].name)
		}
	}
	return names
}

// Active число занятых слотов
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Capacity общее число слотов
func (s *Scheduler) Capacity() int {
	return len(s.slots)
}

// Stats снимок счетчиков
func (s *Scheduler) Stats() Stats {
	return Stats{
		Capacity:  len(s.slots),
		Active:    s.Active(),
		Scheduled: s.scheduled.Load(),
		Fired:     s.fired.Load(),
		Cancelled: s.cancelled.Load(),
		Rejected:  s.rejected.Load(),
		Stale:     s.stale.Load(),
	}
}
