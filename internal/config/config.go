package config

import (
	"os"
	"strings"
	"time"

	"hostbridge/cli/internal/global"
)

const DefaultExtension = "loopback"

type Config struct {
	LogLevel         string
	ConfigDir        string
	ListenAddr       string
	RequestTimeout   time.Duration
	ActivationWindow time.Duration
	Extension        string
	DBDSN            string
	TraceBridge      bool
	StateBufferSize  int
	JournalRetention int
	CITimeout        time.Duration
}

// LoadConfig reads the environment. Unset values stay zero so that
// ApplySettings can fill them from settings.toml.
func LoadConfig() Config {
	return Config{
		LogLevel:         strings.TrimSpace(os.Getenv("HOSTBRIDGE_LOG_LEVEL")),
		ConfigDir:        strings.TrimSpace(os.Getenv(global.ConfigDirEnv)),
		ListenAddr:       strings.TrimSpace(os.Getenv("HOSTBRIDGE_LISTEN_ADDR")),
		RequestTimeout:   millis(atoiOrDefault(os.Getenv("HOSTBRIDGE_REQUEST_TIMEOUT_MS"), 0)),
		ActivationWindow: millis(atoiOrDefault(os.Getenv("HOSTBRIDGE_ACTIVATION_WINDOW_MS"), 0)),
		Extension:        strings.TrimSpace(os.Getenv("HOSTBRIDGE_EXTENSION")),
		DBDSN:            strings.TrimSpace(os.Getenv("HOSTBRIDGE_DB_DSN")),
		TraceBridge:      os.Getenv("HOSTBRIDGE_TRACE_BRIDGE") == "1",
	}
}

// ApplySettings fills every value the environment left unset. Environment wins.
func (c Config) ApplySettings(s global.Settings) Config {
	if c.LogLevel == "" {
		c.LogLevel = s.LogLevel
	}
	if c.ListenAddr == "" {
		c.ListenAddr = s.ListenAddr
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = millis(s.RequestTimeoutMS)
	}
	if c.ActivationWindow <= 0 {
		c.ActivationWindow = millis(s.ActivationWindowMS)
	}
	if c.StateBufferSize <= 0 {
		c.StateBufferSize = s.StateBufferSize
	}
	if c.JournalRetention <= 0 {
		c.JournalRetention = s.JournalRetention
	}
	if c.CITimeout <= 0 && s.CI.TimeoutSeconds > 0 {
		c.CITimeout = time.Duration(s.CI.TimeoutSeconds) * time.Second
	}
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = global.DefaultListenAddr
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = millis(global.DefaultRequestTimeoutMS)
	}
	if c.ActivationWindow <= 0 {
		c.ActivationWindow = millis(global.DefaultActivationWindowMS)
	}
	if c.Extension == "" {
		c.Extension = DefaultExtension
	}
	if c.StateBufferSize <= 0 {
		c.StateBufferSize = global.DefaultStateBufferSize
	}
	if c.JournalRetention <= 0 {
		c.JournalRetention = global.DefaultJournalRetention
	}
	return c
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func atoiOrDefault(v string, fallback int) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
