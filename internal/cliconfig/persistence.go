package cliconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"hostbridge/cli/internal/logging"
)

// Store reads and writes config.json. Loads and saves are serialized so a
// load never observes a half-written save.
type Store struct {
	path   string
	logger *slog.Logger

	mu          sync.Mutex
	lastWritten []byte
}

func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logging.OrDiscard(logger)}
}

func (s *Store) Path() string { return s.path }

func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load merges the file with defaults, validates the result and writes the
// merged config back. Validation problems are returned, never raised; err is
// reserved for filesystem failures. Only a body that is not a JSON object is
// backed up and replaced by defaults; a field of the wrong type keeps its
// default and is reported in the result.
func (s *Store) Load() (Config, ValidationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return Default(), ValidationResult{}, fmt.Errorf("create config dir: %w", err)
	}
	var doc Document
	b, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		parsed, parseErr := ParseDocument(b)
		if parseErr != nil {
			backup := s.path + ".bak"
			s.logger.Warn("malformed config, using defaults", "path", s.path, "backup", backup, "err", parseErr)
			_ = os.WriteFile(backup, b, 0o600)
		} else {
			doc = parsed
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Default(), ValidationResult{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Merge(Default(), doc)
	result := Validate(cfg)
	if len(doc.Problems) > 0 {
		result.Errors = append(append([]string{}, doc.Problems...), result.Errors...)
		result.Valid = false
	}
	if !result.Valid {
		s.logger.Warn("config validation failed", "errors", result.Errors)
	}
	if err := s.writeLocked(cfg); err != nil {
		return cfg, result, err
	}
	return cfg, result, nil
}

func (s *Store) Save(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return s.writeLocked(cfg)
}

func (s *Store) writeLocked(cfg Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.lastWritten = b
	return nil
}

// changedExternally reports whether the file differs from what this store last wrote.
func (s *Store) changedExternally() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if err != nil {
		return false
	}
	return !bytes.Equal(b, s.lastWritten)
}
