// Package signaling мост между стеками сигнализации и каналами.
package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arzzra/switchcore/pkg/channel"
	"github.com/arzzra/switchcore/pkg/logging"
	"github.com/arzzra/switchcore/pkg/metrics"
	"github.com/arzzra/switchcore/pkg/sched"
)

// DefaultSlowCallbackThreshold порог, после которого callback считается блокирующим
const DefaultSlowCallbackThreshold = 20 * time.Millisecond

// ErrNoChannel событие без канала
var ErrNoChannel = errors.New("signaling event without channel")

// BridgeConfig параметры моста
type BridgeConfig struct {
	Scheduler             *sched.Scheduler
	SlowCallbackThreshold time.Duration
	Logger                logging.StructuredLogger
	Metrics               *metrics.Collector
}

// Bridge принимает события стеков и превращает их в переходы каналов.
//
// Для EventStop и EventError мост сначала отменяет все отложенные
// действия канала, затем вызывает callback, и если канал все еще
// не завершен, завершает его с причиной из события.
type Bridge struct {
	sched     *sched.Scheduler
	threshold time.Duration
	logger    logging.StructuredLogger
	metrics   *metrics.Collector

	mu       sync.RWMutex
	callback Callback
}

// NewBridge создает мост
func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	if cfg.SlowCallbackThreshold <= 0 {
		cfg.SlowCallbackThreshold = DefaultSlowCallbackThreshold
	}
	return &Bridge{
		sched:     cfg.Scheduler,
		threshold: cfg.SlowCallbackThreshold,
		logger:    cfg.Logger.WithComponent("bridge"),
		metrics:   cfg.Metrics,
	}
}

// Register устанавливает callback; nil снимает его
func (b *Bridge) Register(cb Callback) {
	b.mu.Lock()
	b.callback = cb
	b.mu.Unlock()
}

func (b *Bridge) registered() Callback {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.callback
}

// Deliver точка входа для потоков стека
func (b *Bridge) Deliver(ev Event) error {
	ch := ev.Channel
	if ch == nil {
		b.logger.Warn(context.Background(), "событие без канала отброшено", logging.String("kind", ev.Kind.String()))
		return ErrNoChannel
	}
	ctx := logging.WithChannelUUID(context.Background(), ch.UUID())

	// для Stop/Error проверкой уничтожения служит сама установка HANGUP_PENDING
	if ev.Kind.terminal() {
		if err := ch.SetFlag(channel.FlagHangupPending); err != nil {
			return b.drop(ctx, ev, err)
		}
	} else if ch.Destroyed() {
		return b.drop(ctx, ev, channel.ErrChannelDestroyed(ch.UUID(), "signaling_"+ev.Kind.String()))
	}
	b.metrics.SignalingEvent(ev.Kind.String())
	b.logger.Debug(ctx, "событие сигнализации",
		logging.String("kind", ev.Kind.String()),
		logging.String("state", ch.State().String()),
		logging.Int("span_id", ev.SpanID),
		logging.Int("chan_id", ev.ChanID),
	)

	if ev.Kind.terminal() && b.sched != nil {
		b.sched.CancelAll(ch)
	}
	if ev.Kind == EventDTMF && ev.Digits != "" {
		if err := ch.QueueDTMF(ev.Digits); err != nil {
			b.logger.Warn(ctx, "цифры DTMF не поставлены в очередь",
				logging.String("digits", ev.Digits),
				logging.Err(err),
			)
		}
	}

	err := b.invoke(ctx, ev)

	if ev.Kind.terminal() && ch.State() < channel.StateHangup {
		ch.Hangup(ev.hangupCause())
	}
	return err
}

// drop отбрасывает событие для уничтоженного канала. Отложенные действия
// такого канала все равно освобождаются.
func (b *Bridge) drop(ctx context.Context, ev Event, err error) error {
	if ev.Kind.terminal() && b.sched != nil {
		b.sched.CancelAll(ev.Channel)
	}
	b.logger.LogError(ctx, err, "событие для уничтоженного канала отброшено", logging.String("kind", ev.Kind.String()))
	return err
}

func (b *Bridge) invoke(ctx context.Context, ev Event) error {
	cb := b.registered()
	if cb == nil {
		return nil
	}

	start := time.Now()
	err := cb(ev)
	if elapsed := time.Since(start); elapsed > b.threshold {
		b.metrics.SlowCallback(ev.Kind.String())
		b.logger.Warn(ctx, "callback сигнализации превысил бюджет",
			logging.String("kind", ev.Kind.String()),
			logging.Duration("elapsed", elapsed),
			logging.Duration("threshold", b.threshold),
		)
	}
	if err != nil {
		b.logger.LogError(ctx, err, "callback сигнализации вернул ошибку", logging.String("kind", ev.Kind.String()))
	}
	return err
}
