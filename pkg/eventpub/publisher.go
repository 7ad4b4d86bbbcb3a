// Package eventpub публикует смены состояний каналов во внешнюю шину (Redis pub/sub).
//
// Обработчик состояния только кладет сообщение в ограниченную очередь и
// никогда не блокируется; отправкой занимается отдельный воркер.
package eventpub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/arzzra/switchcore/pkg/channel"
	"github.com/arzzra/switchcore/pkg/logging"
	"github.com/arzzra/switchcore/pkg/metrics"
)

// Sink получатель сообщений
type Sink interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Message сообщение о смене состояния
type Message struct {
	UUID      string            `json:"uuid"`
	Name      string            `json:"name"`
	State     string            `json:"state"`
	Cause     string            `json:"cause"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data"`
}

// Config параметры публикатора
type Config struct {
	// Prefix префикс темы: <prefix>.<state>
	Prefix         string
	QueueSize      int
	PublishTimeout time.Duration
	Logger         logging.StructuredLogger
	Metrics        *metrics.Collector
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Prefix:         "switchcore",
		QueueSize:      1024,
		PublishTimeout: 2 * time.Second,
	}
}

// Publisher очередь сообщений и воркер отправки
type Publisher struct {
	sink    Sink
	cfg     Config
	logger  logging.StructuredLogger
	metrics *metrics.Collector

	queue chan Message
	table *channel.StateHandlerTable

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// New создает публикатор
func New(sink Sink, cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}

	p := &Publisher{
		sink:    sink,
		cfg:     cfg,
		logger:  cfg.Logger.WithComponent("eventpub"),
		metrics: cfg.Metrics,
		queue:   make(chan Message, cfg.QueueSize),
	}
	p.table = channel.NewStateHandlerTable("eventpub")
	for _, s := range channel.States() {
		s := s
		p.table.On(s, func(ch *channel.Channel) error {
			p.Enqueue(newMessage(ch, s))
			return nil
		})
	}
	return p
}

func newMessage(ch *channel.Channel, state channel.State) Message {
	return Message{
		UUID:      ch.UUID(),
		Name:      ch.Name(),
		State:     state.String(),
		Cause:     ch.Cause().String(),
		Timestamp: time.Now(),
		Data:      ch.EventData(),
	}
}

// Table таблица обработчиков на все состояния
func (p *Publisher) Table() *channel.StateHandlerTable {
	return p.table
}

// Topic тема для состояния
func (p *Publisher) Topic(state string) string {
	return p.cfg.Prefix + "." + strings.ToLower(strings.TrimPrefix(state, "CS_"))
}

// Enqueue ставит сообщение в очередь; при переполнении отбрасывает его
func (p *Publisher) Enqueue(msg Message) bool {
	select {
	case p.queue <- msg:
		return true
	default:
		p.dropped.Add(1)
		p.metrics.PublishDropped()
		p.logger.Warn(logging.WithChannelUUID(context.Background(), msg.UUID), "очередь публикации заполнена, сообщение отброшено",
			logging.String("state", msg.State),
			logging.Int("queue_size", p.cfg.QueueSize),
		)
		return false
	}
}

// Run отправляет сообщения до отмены ctx, затем дочищает очередь
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-p.queue:
			p.publish(ctx, msg)
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case msg := <-p.queue:
			p.publish(context.Background(), msg)
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, msg Message) {
	logCtx := logging.WithChannelUUID(context.Background(), msg.UUID)
	payload, err := json.Marshal(msg)
	if err != nil {
		p.failed.Add(1)
		p.logger.LogError(logCtx, err, "сообщение не сериализовано")
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PublishTimeout)
	defer cancel()
	if err := p.sink.Publish(pubCtx, p.Topic(msg.State), payload); err != nil {
		p.failed.Add(1)
		p.logger.LogError(logCtx, fmt.Errorf("публикация %s: %w", msg.State, err), "сообщение не опубликовано")
		return
	}
	p.published.Add(1)
}

// Stats счетчики публикатора
type Stats struct {
	Queued    int   `json:"queued"`
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

// Stats текущие счетчики
func (p *Publisher) Stats() Stats {
	return Stats{
		Queued:    len(p.queue),
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
	}
}
