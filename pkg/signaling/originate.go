package signaling

import (
	"context"
	"fmt"

	"github.com/arzzra/switchcore/pkg/channel"
	"github.com/arzzra/switchcore/pkg/logging"
)

// Factory создает каналы, регистрирует их в реестре и навешивает
// общие таблицы обработчиков. Используется адаптерами стеков.
type Factory struct {
	Registry *channel.Registry
	Config   channel.Config
	// Tables регистрируются на каждом новом канале по порядку, после таблицы реестра
	Tables []*channel.StateHandlerTable
}

// NewChannel создает канал в состоянии NEW
func (f *Factory) NewChannel(name string, profile *channel.CallerProfile) (*channel.Channel, error) {
	cfg := f.Config
	cfg.Name = name
	ch := channel.New(cfg)

	if profile != nil {
		if err := ch.SetCallerProfile(profile); err != nil {
			return nil, err
		}
	}
	tables := f.Tables
	if f.Registry != nil {
		if !f.Registry.Add(ch) {
			return nil, fmt.Errorf("канал %s уже зарегистрирован", ch.UUID())
		}
		tables = append([]*channel.StateHandlerTable{f.Registry.ReapHandler()}, tables...)
	}
	for _, t := range tables {
		if _, err := ch.AddStateHandler(t); err != nil {
			if f.Registry != nil {
				f.Registry.Remove(ch)
			}
			return nil, err
		}
	}
	return ch, nil
}

// Originator размещает исходящие вызовы
type Originator struct {
	factory *Factory
	flow    *CallFlow
	logger  logging.StructuredLogger
}

// NewOriginator создает originator. flow может быть nil, тогда канал
// только переводится в INIT, а дальше его ведет стек сигнализации.
func NewOriginator(factory *Factory, flow *CallFlow, logger logging.StructuredLogger) *Originator {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Originator{factory: factory, flow: flow, logger: logger.WithComponent("originate")}
}

// Originate создает исходящий канал к destination профиля
func (o *Originator) Originate(profile *channel.CallerProfile) (*channel.Channel, error) {
	if profile == nil || profile.Destination() == "" {
		return nil, fmt.Errorf("originate: не задан номер назначения")
	}

	ch, err := o.factory.NewChannel("outbound/"+profile.Destination(), profile)
	if err != nil {
		return nil, err
	}
	if err := ch.SetFlag(channel.FlagOutbound); err != nil {
		return nil, err
	}

	ctx := logging.WithChannelUUID(context.Background(), ch.UUID())
	if o.flow != nil {
		err = o.flow.Start(ch)
	} else {
		_, err = ch.SetState(channel.StateInit)
	}
	if err != nil {
		o.logger.LogError(ctx, err, "исходящий вызов не запущен")
		ch.Hangup(channel.CauseNormalTemporaryFailure)
		return ch, err
	}

	o.logger.Info(ctx, "исходящий вызов размещен",
		logging.String("destination", profile.Destination()),
		logging.String("caller", profile.Number()),
	)
	return ch, nil
}
