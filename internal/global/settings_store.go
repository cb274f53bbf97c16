package global

import (
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const settingsTOMLFileName = "settings.toml"

const (
	DefaultListenAddr         = "127.0.0.1:4731"
	DefaultRequestTimeoutMS   = 5000
	DefaultActivationWindowMS = 5000
	DefaultStateBufferSize    = 1000
	DefaultJournalRetention   = 5000
)

type CISettings struct {
	TimeoutSeconds int `json:"timeout_seconds" toml:"timeout_seconds"`
}

// Settings is the runtime tuning file kept next to the persisted config.
type Settings struct {
	LogLevel           string     `json:"log_level" toml:"log_level"`
	ListenAddr         string     `json:"listen_addr" toml:"listen_addr"`
	RequestTimeoutMS   int        `json:"request_timeout_ms" toml:"request_timeout_ms"`
	ActivationWindowMS int        `json:"activation_window_ms" toml:"activation_window_ms"`
	StateBufferSize    int        `json:"state_buffer_size" toml:"state_buffer_size"`
	JournalRetention   int        `json:"journal_retention" toml:"journal_retention"`
	CI                 CISettings `json:"ci" toml:"ci"`
}

type SettingsStore struct {
	dir string
}

func NewSettingsStore(dir string) *SettingsStore {
	return &SettingsStore{dir: dir}
}

func (s *SettingsStore) Path() string {
	return filepath.Join(s.dir, settingsTOMLFileName)
}

func (s *SettingsStore) LoadOrInit() (Settings, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Settings{}, err
	}

	path := s.Path()
	if b, err := os.ReadFile(path); err == nil {
		var cfg Settings
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Settings{}, err
		}
		return normalizeSettings(cfg), nil
	} else if !os.IsNotExist(err) {
		return Settings{}, err
	}

	cfg := normalizeSettings(Settings{})
	if err := writeTOMLAtomically(path, cfg); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

func (s *SettingsStore) Save(cfg Settings) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeTOMLAtomically(s.Path(), normalizeSettings(cfg))
}

func normalizeSettings(cfg Settings) Settings {
	switch strings.ToLower(strings.TrimSpace(cfg.LogLevel)) {
	case "debug", "info", "warn", "error":
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	default:
		cfg.LogLevel = "info"
	}
	cfg.ListenAddr = strings.TrimSpace(cfg.ListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.RequestTimeoutMS <= 0 {
		cfg.RequestTimeoutMS = DefaultRequestTimeoutMS
	}
	if cfg.ActivationWindowMS <= 0 {
		cfg.ActivationWindowMS = DefaultActivationWindowMS
	}
	if cfg.StateBufferSize <= 0 {
		cfg.StateBufferSize = DefaultStateBufferSize
	}
	if cfg.JournalRetention <= 0 {
		cfg.JournalRetention = DefaultJournalRetention
	}
	if cfg.CI.TimeoutSeconds < 0 {
		cfg.CI.TimeoutSeconds = 0
	}
	return cfg
}

func writeTOMLAtomically(path string, v any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
