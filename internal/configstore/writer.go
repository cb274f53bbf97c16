package configstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

type writeJob struct {
	key    docKey
	field  string
	value  any
	result chan error

	barrier chan struct{}
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for job := range s.queue {
		if job.barrier != nil {
			close(job.barrier)
			continue
		}
		err := s.persist(job)
		if err != nil {
			s.logger.Error("persist failed", "scope", job.key.scope.String(), "key", job.field, "err", err)
		}
		job.result <- err
	}
}

// persist re-reads the document from disk, applies only this job's field and
// rewrites the whole file, so keys written by other processes survive.
func (s *Store) persist(job writeJob) error {
	path := s.docPath(job.key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrStorageDir, err)
		s.setFatal(wrapped)
		return wrapped
	}
	if job.key.scope == Workspace {
		writeWorkspaceMeta(dir, job.key.ws)
	}
	doc := readDocument(path, s.logger)
	if job.value == nil {
		delete(doc, job.field)
	} else {
		doc[job.field] = job.value
	}
	return writeJSONAtomically(path, doc)
}

func readDocument(path string, logger *slog.Logger) map[string]any {
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("read document failed, starting empty", "path", path, "err", err)
		}
		return map[string]any{}
	}
	doc := map[string]any{}
	if err := json.Unmarshal(b, &doc); err != nil || doc == nil {
		logger.Warn("malformed document, starting empty", "path", path, "err", err)
		return map[string]any{}
	}
	return doc
}

func writeWorkspaceMeta(dir, ws string) {
	path := filepath.Join(dir, "workspace.json")
	if _, err := os.Stat(path); err == nil {
		return
	}
	_ = writeJSONAtomically(path, map[string]string{"path": ws})
}

func writeJSONAtomically(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
