package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	"github.com/arzzra/switchcore/pkg/logging"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// emptyEnvFile изолирует тест от .env в рабочем каталоге
func emptyEnvFile(t *testing.T) {
	t.Setenv("ENV_FILE", writeFile(t, "empty.env", ""))
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadIni(t *testing.T) {
	emptyEnvFile(t)
	path := writeFile(t, "settings.ini", `
[core]
dtmf_capacity = 64

[scheduler]
capacity = 100
tick_interval = 250ms

[callflow]
hangup_ticks = 0

[logging]
level = debug
json = true

[sip]
listen_addr = 127.0.0.1:5070
bye_timeout = 2s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Core.DTMFCapacity)
	assert.Equal(t, 30, cfg.Core.MaxStateHandlers, "незаданное значение остается по умолчанию")
	assert.Equal(t, 100, cfg.Scheduler.Capacity)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.TickInterval)
	assert.Equal(t, 0, cfg.CallFlow.HangupTicks)
	assert.Equal(t, "127.0.0.1:5070", cfg.SIPConfig().ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.SIPConfig().ByeTimeout)

	lc := cfg.LoggingConfig()
	assert.Equal(t, logging.LogLevelDebug, lc.Level)
	assert.True(t, lc.JSON)

	assert.Equal(t, 64, cfg.ChannelConfig().DTMFCapacity)
	assert.Equal(t, 0, cfg.CallFlowConfig().HangupTicks)
}

func TestEnvOverridesIni(t *testing.T) {
	emptyEnvFile(t)
	path := writeFile(t, "settings.ini", "[scheduler]\ncapacity = 100\n")

	t.Setenv("SWITCHCORE_SCHEDULER_CAPACITY", "64")
	t.Setenv("SWITCHCORE_REDIS_ENABLED", "true")
	t.Setenv("SWITCHCORE_SIP_BYE_TIMEOUT", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Scheduler.Capacity)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 3*time.Second, cfg.SIP.ByeTimeout)
}

func TestEnvFile(t *testing.T) {
	t.Setenv("ENV_FILE", writeFile(t, "test.env", "SWITCHCORE_ADMIN_LISTEN_ADDR=0.0.0.0:9090\n"))
	t.Cleanup(func() { os.Unsetenv("SWITCHCORE_ADMIN_LISTEN_ADDR") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.Admin.ListenAddr)
}

func TestMissingEnvFileIsError(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidateRejectsNonPositive(t *testing.T) {
	cfg := Default()
	cfg.Core.DTMFCapacity = 0
	cfg.Scheduler.Capacity = -1
	cfg.CallFlow.ReapTicks = -1
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "core.dtmf_capacity")
	assert.Contains(t, err.Error(), "scheduler.capacity")
	assert.Contains(t, err.Error(), "reap_ticks")
	assert.Contains(t, err.Error(), "loud")
}

func TestLoadMissingIni(t *testing.T) {
	emptyEnvFile(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.ini"))
	assert.Error(t, err)
}

func TestExampleSettingsLoad(t *testing.T) {
	emptyEnvFile(t)
	cfg, err := Load(filepath.Join("..", "..", "configs", "settings.ini"))
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.Scheduler.Capacity)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
	assert.False(t, cfg.Redis.Enabled)
}

func TestEnvOverridesLogLevels(t *testing.T) {
	emptyEnvFile(t)
	path := writeFile(t, "settings.ini", "[logging]\nconsole_min_level = info\nfile_min_level = info\n")

	t.Setenv("SWITCHCORE_LOGGING_CONSOLE_MIN_LEVEL", "warn")
	t.Setenv("SWITCHCORE_LOGGING_FILE_MIN_LEVEL", "error")

	cfg, err := Load(path)
	require.NoError(t, err)
	lc := cfg.LoggingConfig()
	assert.Equal(t, logging.LogLevelWarn, lc.ConsoleMinLevel)
	assert.Equal(t, logging.LogLevelError, lc.FileMinLevel)
}

// каждый ключ примера настроек перекрывается SWITCHCORE_<SECTION>_<KEY>
func TestEveryIniKeyHasEnvOverride(t *testing.T) {
	envKeys := map[string]bool{}
	ct := reflect.TypeOf(Config{})
	for i := 0; i < ct.NumField(); i++ {
		sf := ct.Field(i)
		prefix := sf.Tag.Get("envPrefix")
		for j := 0; j < sf.Type.NumField(); j++ {
			envKeys[EnvPrefix+prefix+sf.Type.Field(j).Tag.Get("env")] = true
		}
	}

	f, err := ini.Load(filepath.Join("..", "..", "configs", "settings.ini"))
	require.NoError(t, err)
	checked := 0
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		for _, key := range sec.Keys() {
			name := EnvPrefix + strings.ToUpper(sec.Name()+"_"+key.Name())
			assert.True(t, envKeys[name], "нет переменной окружения %s", name)
			checked++
		}
	}
	assert.Greater(t, checked, 30)
}
