package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config конфигурация подсистемы логирования
type Config struct {
	// Level минимальный уровень для logger'а
	Level LogLevel
	// ConsoleMinLevel уровень, начиная с которого записи попадают в консоль
	ConsoleMinLevel LogLevel
	// FileMinLevel уровень, начиная с которого записи попадают в файл
	FileMinLevel LogLevel
	// File путь к файлу лога; пустая строка отключает файл
	File string
	// MaxSizeMB размер файла до ротации
	MaxSizeMB int
	// MaxBackups количество хранимых ротированных файлов
	MaxBackups int
	// JSON включает JSON формат записей
	JSON bool
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Level:           LogLevelInfo,
		ConsoleMinLevel: LogLevelTrace,
		FileMinLevel:    LogLevelTrace,
		MaxSizeMB:       100,
		MaxBackups:      1,
	}
}

// Setup результат инициализации логирования
type Setup struct {
	Logger StructuredLogger
	file   *lumberjack.Logger
}

// Close сбрасывает и закрывает файл лога
func (s *Setup) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// New настраивает logrus с хуками на консоль и ротируемый файл
func New(cfg Config) *Setup {
	return newWithConsole(cfg, os.Stdout)
}

func newWithConsole(cfg Config, console io.Writer) *Setup {
	base := logrus.New()
	base.SetLevel(cfg.Level.toLogrus())
	// Вывод идет только через хуки, каждый со своим порогом
	base.SetOutput(io.Discard)
	if cfg.JSON {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	}

	s := &Setup{}
	base.AddHook(&writerHook{Writer: console, LogLevels: availableLevels(cfg.ConsoleMinLevel.toLogrus())})

	if cfg.File != "" {
		s.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // megabytes
			MaxBackups: cfg.MaxBackups,
		}
		base.AddHook(&writerHook{Writer: s.file, LogLevels: availableLevels(cfg.FileMinLevel.toLogrus())})
	}

	s.Logger = NewLogrusLogger(base)
	return s
}

// writerHook пишет записи в writer для указанных уровней
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

// availableLevels возвращает уровни не ниже min (в терминах logrus это <= min)
func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}
