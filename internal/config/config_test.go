package config

import (
	"testing"
	"time"

	"hostbridge/cli/internal/global"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HOSTBRIDGE_LOG_LEVEL",
		"HOSTBRIDGE_HOME",
		"HOSTBRIDGE_LISTEN_ADDR",
		"HOSTBRIDGE_REQUEST_TIMEOUT_MS",
		"HOSTBRIDGE_ACTIVATION_WINDOW_MS",
		"HOSTBRIDGE_EXTENSION",
		"HOSTBRIDGE_DB_DSN",
		"HOSTBRIDGE_TRACE_BRIDGE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig_DefaultsAfterSettings(t *testing.T) {
	clearEnv(t)

	cfg := LoadConfig().ApplySettings(global.Settings{})
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected LogLevel: %s", cfg.LogLevel)
	}
	if cfg.ListenAddr != global.DefaultListenAddr {
		t.Fatalf("unexpected ListenAddr: %s", cfg.ListenAddr)
	}
	if cfg.RequestTimeout != 5*time.Second || cfg.ActivationWindow != 5*time.Second {
		t.Fatalf("unexpected timeouts: request=%s activation=%s", cfg.RequestTimeout, cfg.ActivationWindow)
	}
	if cfg.Extension != DefaultExtension {
		t.Fatalf("unexpected extension: %s", cfg.Extension)
	}
	if cfg.TraceBridge {
		t.Fatal("bridge tracing should default to disabled")
	}
	if cfg.CITimeout != 0 {
		t.Fatalf("ci timeout should default to none, got %s", cfg.CITimeout)
	}
}

func TestLoadConfig_EnvWinsOverSettings(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOSTBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("HOSTBRIDGE_REQUEST_TIMEOUT_MS", "250")
	t.Setenv("HOSTBRIDGE_TRACE_BRIDGE", "1")

	cfg := LoadConfig().ApplySettings(global.Settings{
		LogLevel:           "warn",
		RequestTimeoutMS:   9000,
		ActivationWindowMS: 1200,
		ListenAddr:         "127.0.0.1:9999",
		CI:                 global.CISettings{TimeoutSeconds: 30},
	})
	if cfg.LogLevel != "debug" {
		t.Fatalf("env log level should win, got %s", cfg.LogLevel)
	}
	if cfg.RequestTimeout != 250*time.Millisecond {
		t.Fatalf("env request timeout should win, got %s", cfg.RequestTimeout)
	}
	if cfg.ActivationWindow != 1200*time.Millisecond {
		t.Fatalf("settings activation window should apply, got %s", cfg.ActivationWindow)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("settings listen addr should apply, got %s", cfg.ListenAddr)
	}
	if cfg.CITimeout != 30*time.Second {
		t.Fatalf("settings ci timeout should apply, got %s", cfg.CITimeout)
	}
	if !cfg.TraceBridge {
		t.Fatal("trace bridge should be enabled")
	}
}

func TestLoadConfig_MalformedNumberFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOSTBRIDGE_ACTIVATION_WINDOW_MS", "12s")
	cfg := LoadConfig().ApplySettings(global.Settings{})
	if cfg.ActivationWindow != 5*time.Second {
		t.Fatalf("malformed value should fall back, got %s", cfg.ActivationWindow)
	}
}
