package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sys/unix"

	"github.com/arzzra/switchcore/pkg/admin"
	"github.com/arzzra/switchcore/pkg/channel"
	"github.com/arzzra/switchcore/pkg/config"
	"github.com/arzzra/switchcore/pkg/eventpub"
	"github.com/arzzra/switchcore/pkg/logging"
	"github.com/arzzra/switchcore/pkg/metrics"
	"github.com/arzzra/switchcore/pkg/sched"
	"github.com/arzzra/switchcore/pkg/signaling"
	"github.com/arzzra/switchcore/pkg/signaling/rfc4733"
	"github.com/arzzra/switchcore/pkg/signaling/sipstack"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to settings.ini")
		dial       = flag.String("dial", "", "Originate a test call to the number on startup")
		caller     = flag.String("caller", "1000", "Caller number for -dial")
		debug      = flag.Bool("debug", false, "Enable SIP message dump")
	)
	flag.Parse()

	if *debug {
		sip.SIPDebug = true
	}

	if err := run(*configPath, *dial, *caller); err != nil {
		fmt.Fprintf(os.Stderr, "switchcore: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, dial, caller string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logSetup := logging.New(cfg.LoggingConfig())
	defer logSetup.Close()
	logger := logSetup.Logger

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mcfg := metrics.DefaultConfig()
	mcfg.Namespace = cfg.Metrics.Namespace
	m, err := metrics.NewCollector(reg, mcfg)
	if err != nil {
		return fmt.Errorf("метрики: %w", err)
	}

	registry := channel.NewRegistry()
	scheduler := sched.New(sched.Config{Capacity: cfg.Scheduler.Capacity, Logger: logger, Metrics: m})
	bridge := signaling.NewBridge(signaling.BridgeConfig{Scheduler: scheduler, Logger: logger, Metrics: m})
	flow := signaling.NewCallFlow(scheduler, cfg.CallFlowConfig(), logger)
	bridge.Register(flow.Handle)

	chCfg := cfg.ChannelConfig()
	chCfg.Logger = logger
	chCfg.Metrics = m
	factory := &signaling.Factory{
		Registry: registry,
		Config:   chCfg,
		Tables:   []*channel.StateHandlerTable{flow.LifecycleTable()},
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	spawn("scheduler", sched.NewDriver(scheduler, cfg.Scheduler.TickInterval, logger).Run)

	var publisher *eventpub.Publisher
	if cfg.Redis.Enabled {
		sink, err := eventpub.NewRedisSink(eventpub.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer sink.Close()
		publisher = eventpub.New(sink, eventpub.Config{
			Prefix:    cfg.Redis.Prefix,
			QueueSize: cfg.Redis.QueueSize,
			Logger:    logger,
			Metrics:   m,
		})
		factory.Tables = append(factory.Tables, publisher.Table())
		spawn("eventpub", publisher.Run)
	}

	var adapter *sipstack.Adapter
	if cfg.SIP.Enabled {
		adapter, err = startSIP(ctx, cfg, factory, bridge, logger, spawn)
		if err != nil {
			return err
		}
	}

	originator := signaling.NewOriginator(factory, flow, logger)

	if cfg.Admin.Enabled {
		srv := admin.NewServer(cfg.Admin.ListenAddr, admin.Deps{
			Registry:   registry,
			Scheduler:  scheduler,
			Originator: originator,
			Publisher:  publisher,
			Gatherer:   reg,
			Logger:     logger,
		})
		spawn("admin", srv.Run)
	}

	logger.Info(ctx, "switchcore запущен",
		logging.Bool("sip", cfg.SIP.Enabled),
		logging.Bool("admin", cfg.Admin.Enabled),
		logging.Bool("redis", cfg.Redis.Enabled),
	)

	if dial != "" {
		profile := channel.NewCallerProfile(channel.CallerProfileParams{
			Number:      caller,
			Destination: dial,
			Context:     cfg.SIP.Context,
			Dialplan:    cfg.SIP.Dialplan,
			Source:      "cli",
		})
		if _, err := originator.Originate(profile); err != nil {
			logger.LogError(ctx, err, "тестовый вызов не размещен")
		}
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
		logger.LogError(ctx, err, "компонент остановился с ошибкой")
	}
	stop()

	shutdown(registry, logger)
	wg.Wait()
	if adapter != nil {
		adapter.Wait()
	}
	logger.Info(context.Background(), "switchcore остановлен", logging.Int("channels", registry.Count()))
	return err
}

// startSIP поднимает sipgo стек, адаптер и прием RFC 4733 на медиа порту
func startSIP(ctx context.Context, cfg *config.Config, factory *signaling.Factory, bridge *signaling.Bridge,
	logger logging.StructuredLogger, spawn func(string, func(context.Context) error)) (*sipstack.Adapter, error) {
	sipCfg := cfg.SIPConfig()

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(sipCfg.UserAgent),
		sipgo.WithUserAgentHostname(sipCfg.Hostname),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания User Agent: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(sipCfg.Hostname))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания сервера: %w", err)
	}

	send := func(ctx context.Context, req *sip.Request) (*sip.Response, error) {
		return client.Do(ctx, req)
	}
	adapter, err := sipstack.New(sipCfg, factory, bridge, send, logger)
	if err != nil {
		return nil, err
	}

	dtmf := rfc4733.NewListener(bridge, logger)
	factory.Tables = append(factory.Tables, adapter.Table(), dtmf.Table())
	adapter.Attach(server)

	mediaAddr := net.JoinHostPort(sipCfg.MediaIP, strconv.Itoa(sipCfg.MediaPort))
	conn, err := rfc4733.ListenPacket(ctx, mediaAddr)
	if err != nil {
		return nil, fmt.Errorf("медиа порт %s: %w", mediaAddr, err)
	}
	spawn("rfc4733", func(ctx context.Context) error {
		return dtmf.Serve(ctx, conn)
	})
	spawn("sip", func(ctx context.Context) error {
		defer ua.Close()
		logger.Info(ctx, "SIP стек запущен",
			logging.String("transport", sipCfg.Transport),
			logging.String("addr", sipCfg.ListenAddr),
		)
		return server.ListenAndServe(ctx, sipCfg.Transport, sipCfg.ListenAddr)
	})
	return adapter, nil
}

// shutdown завершает оставшиеся каналы перед выходом
func shutdown(registry *channel.Registry, logger logging.StructuredLogger) {
	var live []*channel.Channel
	registry.ForEach(func(ch *channel.Channel) {
		live = append(live, ch)
	})
	for _, ch := range live {
		ch.Hangup(channel.CauseSystemShutdown)
		if err := ch.Destroy(); err != nil {
			logger.LogError(logging.WithChannelUUID(context.Background(), ch.UUID()), err, "канал не уничтожен при остановке")
		}
	}
}
