// Package config загрузка настроек switchcore: ini файл, затем .env и
// переменные окружения с префиксом SWITCHCORE_.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	ini "gopkg.in/ini.v1"

	"github.com/arzzra/switchcore/pkg/channel"
	"github.com/arzzra/switchcore/pkg/logging"
	"github.com/arzzra/switchcore/pkg/sched"
	"github.com/arzzra/switchcore/pkg/signaling"
	"github.com/arzzra/switchcore/pkg/signaling/sipstack"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "SWITCHCORE_"

// Core параметры каналов
type Core struct {
	DTMFCapacity     int `env:"DTMF_CAPACITY"`
	MaxStateHandlers int `env:"MAX_STATE_HANDLERS"`
}

// Scheduler параметры планировщика
type Scheduler struct {
	Capacity     int           `env:"CAPACITY"`
	TickInterval time.Duration `env:"TICK_INTERVAL"`
}

// CallFlow задержки сценария вызова в тиках
type CallFlow struct {
	ProgressTicks int `env:"PROGRESS_TICKS"`
	AnswerTicks   int `env:"ANSWER_TICKS"`
	HangupTicks   int `env:"HANGUP_TICKS"`
	ReapTicks     int `env:"REAP_TICKS"`
}

// Logging параметры логирования
type Logging struct {
	Level        string `env:"LEVEL"`
	ConsoleLevel string `env:"CONSOLE_MIN_LEVEL"`
	FileLevel    string `env:"FILE_MIN_LEVEL"`
	File         string `env:"FILE"`
	MaxSizeMB    int    `env:"MAX_SIZE_MB"`
	MaxBackups   int    `env:"MAX_BACKUPS"`
	JSON         bool   `env:"JSON"`
}

// SIP параметры SIP стека
type SIP struct {
	Enabled    bool          `env:"ENABLED"`
	ListenAddr string        `env:"LISTEN_ADDR"`
	Transport  string        `env:"TRANSPORT"`
	UserAgent  string        `env:"USER_AGENT"`
	Hostname   string        `env:"HOSTNAME"`
	MediaIP    string        `env:"MEDIA_IP"`
	MediaPort  int           `env:"MEDIA_PORT"`
	Context    string        `env:"CONTEXT"`
	Dialplan   string        `env:"DIALPLAN"`
	ByeTimeout time.Duration `env:"BYE_TIMEOUT"`
}

// Admin параметры HTTP API
type Admin struct {
	Enabled    bool   `env:"ENABLED"`
	ListenAddr string `env:"LISTEN_ADDR"`
}

// Redis параметры публикации смен состояний
type Redis struct {
	Enabled   bool   `env:"ENABLED"`
	Addr      string `env:"ADDR"`
	Password  string `env:"PASSWORD"`
	DB        int    `env:"DB"`
	Prefix    string `env:"PREFIX"`
	QueueSize int    `env:"QUEUE_SIZE"`
}

// Metrics параметры Prometheus
type Metrics struct {
	Namespace string `env:"NAMESPACE"`
}

// Config настройки приложения
type Config struct {
	Core      Core      `envPrefix:"CORE_"`
	Scheduler Scheduler `envPrefix:"SCHEDULER_"`
	CallFlow  CallFlow  `envPrefix:"CALLFLOW_"`
	Logging   Logging   `envPrefix:"LOGGING_"`
	SIP       SIP       `envPrefix:"SIP_"`
	Admin     Admin     `envPrefix:"ADMIN_"`
	Redis     Redis     `envPrefix:"REDIS_"`
	Metrics   Metrics   `envPrefix:"METRICS_"`
}

// Default настройки по умолчанию
func Default() *Config {
	flow := signaling.DefaultCallFlowConfig()
	sip := sipstack.DefaultConfig()
	return &Config{
		Core: Core{
			DTMFCapacity:     channel.DefaultDTMFCapacity,
			MaxStateHandlers: channel.DefaultMaxStateHandlers,
		},
		Scheduler: Scheduler{
			Capacity:     sched.DefaultCapacity,
			TickInterval: sched.DefaultTickInterval,
		},
		CallFlow: CallFlow{
			ProgressTicks: flow.ProgressTicks,
			AnswerTicks:   flow.AnswerTicks,
			HangupTicks:   flow.HangupTicks,
			ReapTicks:     flow.ReapTicks,
		},
		Logging: Logging{
			Level:        "info",
			ConsoleLevel: "trace",
			FileLevel:    "trace",
			MaxSizeMB:    100,
			MaxBackups:   1,
		},
		SIP: SIP{
			Enabled:    true,
			ListenAddr: sip.ListenAddr,
			Transport:  sip.Transport,
			UserAgent:  sip.UserAgent,
			Hostname:   sip.Hostname,
			MediaIP:    sip.MediaIP,
			MediaPort:  sip.MediaPort,
			Context:    sip.Context,
			Dialplan:   sip.Dialplan,
			ByeTimeout: sip.ByeTimeout,
		},
		Admin: Admin{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8080",
		},
		Redis: Redis{
			Addr:      "127.0.0.1:6379",
			Prefix:    "switchcore",
			QueueSize: 1024,
		},
		Metrics: Metrics{Namespace: "switchcore"},
	}
}

// Load читает ini файл (пустой путь пропускает его), затем .env и окружение.
// Значения окружения перекрывают ini.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения %s: %w", path, err)
		}
		cfg.apply(f)
	}
	if err := LoadEnv(); err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("ошибка разбора переменных окружения: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv загружает ENV_FILE или .env; отсутствие файла не ошибка
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")
	if envfile == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("ошибка чтения .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(envfile); err != nil {
		return fmt.Errorf("ошибка чтения %s: %w", envfile, err)
	}
	return nil
}

// apply переносит значения из ini поверх текущих
func (c *Config) apply(f *ini.File) {
	sec := f.Section("core")
	c.Core.DTMFCapacity = sec.Key("dtmf_capacity").MustInt(c.Core.DTMFCapacity)
	c.Core.MaxStateHandlers = sec.Key("max_state_handlers").MustInt(c.Core.MaxStateHandlers)

	sec = f.Section("scheduler")
	c.Scheduler.Capacity = sec.Key("capacity").MustInt(c.Scheduler.Capacity)
	c.Scheduler.TickInterval = sec.Key("tick_interval").MustDuration(c.Scheduler.TickInterval)

	sec = f.Section("callflow")
	c.CallFlow.ProgressTicks = sec.Key("progress_ticks").MustInt(c.CallFlow.ProgressTicks)
	c.CallFlow.AnswerTicks = sec.Key("answer_ticks").MustInt(c.CallFlow.AnswerTicks)
	c.CallFlow.HangupTicks = sec.Key("hangup_ticks").MustInt(c.CallFlow.HangupTicks)
	c.CallFlow.ReapTicks = sec.Key("reap_ticks").MustInt(c.CallFlow.ReapTicks)

	sec = f.Section("logging")
	c.Logging.Level = sec.Key("level").MustString(c.Logging.Level)
	c.Logging.ConsoleLevel = sec.Key("console_min_level").MustString(c.Logging.ConsoleLevel)
	c.Logging.FileLevel = sec.Key("file_min_level").MustString(c.Logging.FileLevel)
	c.Logging.File = sec.Key("file").MustString(c.Logging.File)
	c.Logging.MaxSizeMB = sec.Key("max_size_mb").MustInt(c.Logging.MaxSizeMB)
	c.Logging.MaxBackups = sec.Key("max_backups").MustInt(c.Logging.MaxBackups)
	c.Logging.JSON = sec.Key("json").MustBool(c.Logging.JSON)

	sec = f.Section("sip")
	c.SIP.Enabled = sec.Key("enabled").MustBool(c.SIP.Enabled)
	c.SIP.ListenAddr = sec.Key("listen_addr").MustString(c.SIP.ListenAddr)
	c.SIP.Transport = sec.Key("transport").MustString(c.SIP.Transport)
	c.SIP.UserAgent = sec.Key("user_agent").MustString(c.SIP.UserAgent)
	c.SIP.Hostname = sec.Key("hostname").MustString(c.SIP.Hostname)
	c.SIP.MediaIP = sec.Key("media_ip").MustString(c.SIP.MediaIP)
	c.SIP.MediaPort = sec.Key("media_port").MustInt(c.SIP.MediaPort)
	c.SIP.Context = sec.Key("context").MustString(c.SIP.Context)
	c.SIP.Dialplan = sec.Key("dialplan").MustString(c.SIP.Dialplan)
	c.SIP.ByeTimeout = sec.Key("bye_timeout").MustDuration(c.SIP.ByeTimeout)

	sec = f.Section("admin")
	c.Admin.Enabled = sec.Key("enabled").MustBool(c.Admin.Enabled)
	c.Admin.ListenAddr = sec.Key("listen_addr").MustString(c.Admin.ListenAddr)

	sec = f.Section("redis")
	c.Redis.Enabled = sec.Key("enabled").MustBool(c.Redis.Enabled)
	c.Redis.Addr = sec.Key("addr").MustString(c.Redis.Addr)
	c.Redis.Password = sec.Key("password").MustString(c.Redis.Password)
	c.Redis.DB = sec.Key("db").MustInt(c.Redis.DB)
	c.Redis.Prefix = sec.Key("prefix").MustString(c.Redis.Prefix)
	c.Redis.QueueSize = sec.Key("queue_size").MustInt(c.Redis.QueueSize)

	sec = f.Section("metrics")
	c.Metrics.Namespace = sec.Key("namespace").MustString(c.Metrics.Namespace)
}

// Validate проверяет емкости и интервалы
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"core.dtmf_capacity":      c.Core.DTMFCapacity,
		"core.max_state_handlers": c.Core.MaxStateHandlers,
		"scheduler.capacity":      c.Scheduler.Capacity,
		"callflow.progress_ticks": c.CallFlow.ProgressTicks,
		"callflow.answer_ticks":   c.CallFlow.AnswerTicks,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s должно быть положительным, получено %d", name, v))
		}
	}
	if c.CallFlow.HangupTicks < 0 || c.CallFlow.ReapTicks < 0 {
		errs = append(errs, fmt.Errorf("callflow: hangup_ticks и reap_ticks не могут быть отрицательными"))
	}
	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.tick_interval должен быть положительным"))
	}
	if c.Redis.Enabled && c.Redis.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("redis.queue_size должен быть положительным"))
	}
	for _, lvl := range []string{c.Logging.Level, c.Logging.ConsoleLevel, c.Logging.FileLevel} {
		if _, err := logging.ParseLevel(lvl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoggingConfig настройки для logging.New
func (c *Config) LoggingConfig() logging.Config {
	out := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(c.Logging.Level); err == nil {
		out.Level = lvl
	}
	if lvl, err := logging.ParseLevel(c.Logging.ConsoleLevel); err == nil {
		out.ConsoleMinLevel = lvl
	}
	if lvl, err := logging.ParseLevel(c.Logging.FileLevel); err == nil {
		out.FileMinLevel = lvl
	}
	out.File = c.Logging.File
	out.MaxSizeMB = c.Logging.MaxSizeMB
	out.MaxBackups = c.Logging.MaxBackups
	out.JSON = c.Logging.JSON
	return out
}

// ChannelConfig шаблон настроек канала
func (c *Config) ChannelConfig() channel.Config {
	out := channel.DefaultConfig()
	out.DTMFCapacity = c.Core.DTMFCapacity
	out.MaxStateHandlers = c.Core.MaxStateHandlers
	return out
}

// CallFlowConfig настройки сценария
func (c *Config) CallFlowConfig() signaling.CallFlowConfig {
	return signaling.CallFlowConfig{
		ProgressTicks: c.CallFlow.ProgressTicks,
		AnswerTicks:   c.CallFlow.AnswerTicks,
		HangupTicks:   c.CallFlow.HangupTicks,
		ReapTicks:     c.CallFlow.ReapTicks,
	}
}

// SIPConfig настройки SIP адаптера
func (c *Config) SIPConfig() sipstack.Config {
	return sipstack.Config{
		ListenAddr: c.SIP.ListenAddr,
		Transport:  c.SIP.Transport,
		UserAgent:  c.SIP.UserAgent,
		Hostname:   c.SIP.Hostname,
		MediaIP:    c.SIP.MediaIP,
		MediaPort:  c.SIP.MediaPort,
		Context:    c.SIP.Context,
		Dialplan:   c.SIP.Dialplan,
		ByeTimeout: c.SIP.ByeTimeout,
	}
}
