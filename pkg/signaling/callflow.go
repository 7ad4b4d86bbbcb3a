package signaling

import (
	"context"

	"github.com/arzzra/switchcore/pkg/channel"
	"github.com/arzzra/switchcore/pkg/logging"
	"github.com/arzzra/switchcore/pkg/sched"
)

// Имена отложенных действий сценария
const (
	ActionProgress = "progress"
	ActionAnswer   = "answer"
	ActionHangup   = "hangup"
	ActionReap     = "reap"
)

// CallFlowConfig задержки сценария в тиках планировщика
type CallFlowConfig struct {
	ProgressTicks int
	AnswerTicks   int
	// HangupTicks через сколько тиков после ответа завершить вызов, 0 отключает
	HangupTicks int
	// ReapTicks через сколько тиков после HANGUP канал уничтожается
	ReapTicks int
}

// DefaultCallFlowConfig возвращает конфигурацию по умолчанию
func DefaultCallFlowConfig() CallFlowConfig {
	return CallFlowConfig{
		ProgressTicks: 1,
		AnswerTicks:   5,
		HangupTicks:   15,
		ReapTicks:     1,
	}
}

// CallFlow сценарий вызова по умолчанию: старт, прогресс, ответ, завершение.
// Все задержки идут через планировщик, callback моста не блокируется.
type CallFlow struct {
	sched  *sched.Scheduler
	cfg    CallFlowConfig
	logger logging.StructuredLogger

	lifecycle *channel.StateHandlerTable
}

// NewCallFlow создает сценарий
func NewCallFlow(s *sched.Scheduler, cfg CallFlowConfig, logger logging.StructuredLogger) *CallFlow {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cfg.ProgressTicks <= 0 {
		cfg.ProgressTicks = 1
	}
	if cfg.AnswerTicks <= 0 {
		cfg.AnswerTicks = 1
	}
	f := &CallFlow{sched: s, cfg: cfg, logger: logger.WithComponent("callflow")}
	f.lifecycle = channel.NewStateHandlerTable("callflow-lifecycle").On(channel.StateHangup, f.onHangup)
	return f
}

// Config текущая конфигурация
func (f *CallFlow) Config() CallFlowConfig {
	return f.cfg
}

// LifecycleTable таблица, доводящая завершенный канал до DESTROYED
func (f *CallFlow) LifecycleTable() *channel.StateHandlerTable {
	return f.lifecycle
}

// Handle callback моста
func (f *CallFlow) Handle(ev Event) error {
	ch := ev.Channel
	switch ev.Kind {
	case EventStart:
		return f.Start(ch)
	case EventProgressMedia:
		if err := ch.PreAnswer(); err != nil {
			return err
		}
		if ch.State() == channel.StateInit {
			_, err := ch.SetState(channel.StateRouting)
			return err
		}
	case EventUp:
		if err := ch.Answer(); err != nil {
			return err
		}
		f.sched.CancelAll(ch)
		switch ch.State() {
		case channel.StateInit:
			if _, err := ch.SetState(channel.StateRouting); err != nil {
				return err
			}
			fallthrough
		case channel.StateRouting, channel.StateSoftExecute:
			if _, err := ch.SetState(channel.StateExecute); err != nil {
				return err
			}
		}
		f.scheduleHangup(ch)
	case EventStop, EventError:
		f.logger.Info(f.ctx(ch), "удаленное завершение",
			logging.String("kind", ev.Kind.String()),
			logging.String("cause", ev.hangupCause().String()),
		)
	case EventDTMF:
		f.logger.Debug(f.ctx(ch), "приняты цифры DTMF", logging.Int("pending", ch.HasDTMF()))
	}
	return nil
}

// Start переводит новый канал в INIT и планирует прогресс
func (f *CallFlow) Start(ch *channel.Channel) error {
	if _, err := ch.SetState(channel.StateInit); err != nil {
		return err
	}
	return f.sched.Schedule(ch, f.cfg.ProgressTicks, ActionProgress, f.progress)
}

func (f *CallFlow) progress(ch *channel.Channel) {
	if !ch.Ready() {
		return
	}
	if ch.State() == channel.StateInit {
		if _, err := ch.SetState(channel.StateRouting); err != nil {
			f.logger.LogError(f.ctx(ch), err, "переход в ROUTING не выполнен")
		}
	}
	if err := ch.PreAnswer(); err != nil {
		f.logger.LogError(f.ctx(ch), err, "pre-answer не выполнен")
		return
	}
	if err := f.sched.Schedule(ch, f.cfg.AnswerTicks, ActionAnswer, f.answer); err != nil {
		ch.Hangup(channel.CauseSwitchCongestion)
	}
}

func (f *CallFlow) answer(ch *channel.Channel) {
	if !ch.Ready() {
		return
	}
	if err := ch.Answer(); err != nil {
		f.logger.LogError(f.ctx(ch), err, "ответ не выполнен")
		return
	}
	if _, err := ch.SetState(channel.StateExecute); err != nil {
		f.logger.LogError(f.ctx(ch), err, "переход в EXECUTE не выполнен")
	}
	f.scheduleHangup(ch)
}

func (f *CallFlow) scheduleHangup(ch *channel.Channel) {
	if f.cfg.HangupTicks <= 0 || !ch.Ready() {
		return
	}
	if err := f.sched.Schedule(ch, f.cfg.HangupTicks, ActionHangup, f.hangup); err != nil {
		f.logger.LogError(f.ctx(ch), err, "завершение по таймеру не запланировано")
	}
}

func (f *CallFlow) hangup(ch *channel.Channel) {
	ch.Hangup(channel.CauseNormalClearing)
}

// onHangup снимает таймеры сценария и планирует уничтожение канала;
// без свободного слота уничтожает сразу
func (f *CallFlow) onHangup(ch *channel.Channel) error {
	f.sched.CancelAll(ch)
	if f.cfg.ReapTicks > 0 {
		if err := f.sched.Schedule(ch, f.cfg.ReapTicks, ActionReap, f.reap); err == nil {
			return nil
		}
	}
	f.reap(ch)
	return nil
}

func (f *CallFlow) reap(ch *channel.Channel) {
	if ch.State() == channel.StateHangup {
		if _, err := ch.SetState(channel.StateReporting); err != nil {
			f.logger.LogError(f.ctx(ch), err, "переход в REPORTING не выполнен")
		}
	}
	if err := ch.Destroy(); err != nil {
		f.logger.LogError(f.ctx(ch), err, "канал не уничтожен")
	}
}

func (f *CallFlow) ctx(ch *channel.Channel) context.Context {
	return logging.WithChannelUUID(context.Background(), ch.UUID())
}
