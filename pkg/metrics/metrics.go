package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector собирает и экспортирует метрики ядра управления вызовами
//
// Регистрируется в переданном prometheus.Registerer: глобальный реестр
// не используется, каждый экземпляр ядра владеет своим. Все методы
// допускают nil-получатель и тогда ничего не делают.
type Collector struct {
	channelsCreated    prometheus.Counter
	channelsActive     prometheus.Gauge
	channelDuration    prometheus.Histogram
	stateTransitions   *prometheus.CounterVec
	invalidTransitions *prometheus.CounterVec
	handlerRejections  *prometheus.CounterVec
	dtmfQueueFull      prometheus.Counter

	schedScheduled prometheus.Counter
	schedFired     prometheus.Counter
	schedCancelled prometheus.Counter
	schedFull      prometheus.Counter
	schedActive    prometheus.Gauge

	signalingEvents *prometheus.CounterVec
	slowCallbacks   *prometheus.CounterVec
	publishDropped  prometheus.Counter
}

// Config конфигурация системы метрик
type Config struct {
	// Namespace префикс для Prometheus метрик
	Namespace string
	// Subsystem подсистема для Prometheus метрик
	Subsystem string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{Namespace: "switchcore", Subsystem: "core"}
}

// NewCollector создает сборщик и регистрирует метрики в reg
func NewCollector(reg prometheus.Registerer, cfg Config) (*Collector, error) {
	ns, sub := cfg.Namespace, cfg.Subsystem

	c := &Collector{
		channelsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "channels_total",
			Help: "Total number of channels allocated",
		}),
		channelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "channels_active",
			Help: "Number of channels not yet destroyed",
		}),
		channelDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "channel_duration_seconds",
			Help:    "Lifetime of channels from creation to hangup",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800, 3600}, // от 100ms до 1 часа
		}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "state_transitions_total",
			Help: "Committed channel state transitions",
		}, []string{"from", "to"}),
		invalidTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "invalid_transitions_total",
			Help: "Rejected channel state transitions",
		}, []string{"from", "to"}),
		handlerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "handler_rejections_total",
			Help: "State handler callbacks that reported failure",
		}, []string{"state"}),
		dtmfQueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "dtmf_queue_full_total",
			Help: "DTMF digits rejected because the queue was full",
		}),
		schedScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "scheduler",
			Name: "scheduled_total",
			Help: "Deferred actions placed into a timer slot",
		}),
		schedFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "scheduler",
			Name: "fired_total",
			Help: "Deferred actions that expired and ran",
		}),
		schedCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "scheduler",
			Name: "cancelled_total",
			Help: "Deferred actions released before expiry",
		}),
		schedFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "scheduler",
			Name: "full_total",
			Help: "Schedule requests rejected because no slot was free",
		}),
		schedActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "scheduler",
			Name: "active_slots",
			Help: "Timer slots currently in use",
		}),
		signalingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "signaling",
			Name: "events_total",
			Help: "Signaling events delivered through the bridge",
		}, []string{"kind"}),
		slowCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "signaling",
			Name: "slow_callbacks_total",
			Help: "Bridge callbacks that exceeded the non-blocking budget",
		}, []string{"kind"}),
		publishDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "eventpub",
			Name: "dropped_total",
			Help: "State-change messages dropped because the publish queue was full",
		}),
	}

	collectors := []prometheus.Collector{
		c.channelsCreated, c.channelsActive, c.channelDuration,
		c.stateTransitions, c.invalidTransitions, c.handlerRejections, c.dtmfQueueFull,
		c.schedScheduled, c.schedFired, c.schedCancelled, c.schedFull, c.schedActive,
		c.signalingEvents, c.slowCallbacks, c.publishDropped,
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// ChannelCreated фиксирует создание канала
func (c *Collector) ChannelCreated() {
	if c == nil {
		return
	}
	c.channelsCreated.Inc()
	c.channelsActive.Inc()
}

// ChannelDestroyed фиксирует уничтожение канала и время его жизни
func (c *Collector) ChannelDestroyed(lifetime time.Duration) {
	if c == nil {
		return
	}
	c.channelsActive.Dec()
	c.channelDuration.Observe(lifetime.Seconds())
}

// StateTransition фиксирует подтвержденный переход
func (c *Collector) StateTransition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// InvalidTransition фиксирует отклоненный переход
func (c *Collector) InvalidTransition(from, to string) {
	if c == nil {
		return
	}
	c.invalidTransitions.WithLabelValues(from, to).Inc()
}

// HandlerRejected фиксирует отказ обработчика состояния
func (c *Collector) HandlerRejected(state string) {
	if c == nil {
		return
	}
	c.handlerRejections.WithLabelValues(state).Inc()
}

// DTMFQueueFull фиксирует переполнение очереди DTMF
func (c *Collector) DTMFQueueFull() {
	if c == nil {
		return
	}
	c.dtmfQueueFull.Inc()
}

// Scheduled фиксирует занятие слота таймера
func (c *Collector) Scheduled() {
	if c == nil {
		return
	}
	c.schedScheduled.Inc()
	c.schedActive.Inc()
}

// Fired фиксирует срабатывание отложенного действия
func (c *Collector) Fired() {
	if c == nil {
		return
	}
	c.schedFired.Inc()
	c.schedActive.Dec()
}

// Cancelled фиксирует освобождение n слотов без срабатывания
func (c *Collector) Cancelled(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.schedCancelled.Add(float64(n))
	c.schedActive.Sub(float64(n))
}

// SchedulerFull фиксирует отказ в планировании
func (c *Collector) SchedulerFull() {
	if c == nil {
		return
	}
	c.schedFull.Inc()
}

// SignalingEvent фиксирует доставленное событие сигнализации
func (c *Collector) SignalingEvent(kind string) {
	if c == nil {
		return
	}
	c.signalingEvents.WithLabelValues(kind).Inc()
}

// SlowCallback фиксирует callback, превысивший бюджет
func (c *Collector) SlowCallback(kind string) {
	if c == nil {
		return
	}
	c.slowCallbacks.WithLabelValues(kind).Inc()
}

// PublishDropped фиксирует отброшенное сообщение публикатора
func (c *Collector) PublishDropped() {
	if c == nil {
		return
	}
	c.publishDropped.Inc()
}
