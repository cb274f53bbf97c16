// Package configstore is the scoped key/value store behind the host shim's
// configuration and memento APIs. Each store holds one named document per
// scope root: a single Global document and one document per workspace.
package configstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"hostbridge/cli/internal/logging"
)

type Scope int

const (
	Global Scope = iota
	Workspace
)

func (s Scope) String() string {
	if s == Workspace {
		return "workspace"
	}
	return "global"
}

var (
	ErrStorageDir = errors.New("configstore: cannot create storage directory")
	ErrClosed     = errors.New("configstore: store closed")
)

const writeQueueSize = 256

type Options struct {
	// Root is the config dir; documents live under global-storage/ and workspace-storage/.
	Root   string
	Name   string
	Logger *slog.Logger
}

type docKey struct {
	scope Scope
	ws    string
}

type Store struct {
	root   string
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	docs   map[docKey]map[string]any
	closed bool

	queue chan writeJob
	done  chan struct{}

	errMu sync.Mutex
	fatal error
}

// Open prepares the store root and starts its writer. A root that cannot be
// created is a fatal storage error.
func Open(opts Options) (*Store, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, errors.New("configstore: root is required")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "settings"
	}
	if err := os.MkdirAll(filepath.Join(root, "global-storage"), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageDir, err)
	}
	s := &Store{
		root:   root,
		name:   name,
		logger: logging.OrDiscard(opts.Logger).With("store", name),
		docs:   map[docKey]map[string]any{},
		queue:  make(chan writeJob, writeQueueSize),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

func (s *Store) Name() string { return s.name }

// Get returns the effective value for key. For the Workspace scope the
// workspace bucket of ws is consulted first, then the Global bucket; for the
// Global scope only the Global bucket is read. def is returned when no
// bucket defines the key.
func (s *Store) Get(scope Scope, ws, key string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scope == Workspace && ws != "" {
		if v, ok := s.docLocked(docKey{scope: Workspace, ws: ws})[key]; ok {
			return cloneValue(v)
		}
	}
	if v, ok := s.docLocked(docKey{scope: Global})[key]; ok {
		return cloneValue(v)
	}
	return def
}

// Has reports whether the given bucket itself defines key, without fallback.
func (s *Store) Has(scope Scope, ws, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docLocked(bucketKey(scope, ws))[key]
	return ok
}

// Raw returns the bucket's own value for key, without fallback.
func (s *Store) Raw(scope Scope, ws, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.docLocked(bucketKey(scope, ws))[key]
	return cloneValue(v), ok
}

// Set stores value under key in the scope's bucket and queues persistence. A
// nil value deletes the key. The cache is updated before Set returns; the
// returned channel yields the persistence result once the write has landed.
func (s *Store) Set(scope Scope, ws, key string, value any) <-chan error {
	result := make(chan error, 1)
	if strings.TrimSpace(key) == "" {
		result <- errors.New("configstore: key is required")
		return result
	}
	if scope == Workspace && strings.TrimSpace(ws) == "" {
		result <- errors.New("configstore: workspace key is required for workspace scope")
		return result
	}
	normalized, err := normalize(value)
	if err != nil {
		result <- fmt.Errorf("configstore: encode %s: %w", key, err)
		return result
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		result <- ErrClosed
		return result
	}
	dk := bucketKey(scope, ws)
	doc := s.docLocked(dk)
	if normalized == nil {
		delete(doc, key)
	} else {
		doc[key] = normalized
	}
	s.queue <- writeJob{
		key:    dk,
		field:  key,
		value:  normalized,
		result: result,
	}
	return result
}

// GetAll returns a copy of one bucket without fallback.
func (s *Store) GetAll(scope Scope, ws string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.docLocked(bucketKey(scope, ws))
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func (s *Store) Keys(scope Scope, ws string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.docLocked(bucketKey(scope, ws))
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flush waits until every write queued before the call has been persisted.
// It returns the sticky storage error, if any write hit one.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.fatalErr()
	}
	ack := make(chan struct{})
	s.queue <- writeJob{barrier: ack}
	s.mu.Unlock()

	select {
	case <-ack:
		return s.fatalErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending writes and stops the writer. Later Sets fail with ErrClosed.
func (s *Store) Close(ctx context.Context) error {
	flushErr := s.Flush(ctx)
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	select {
	case <-s.done:
	case <-ctx.Done():
		return errors.Join(flushErr, ctx.Err())
	}
	return flushErr
}

func (s *Store) fatalErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.fatal
}

func (s *Store) setFatal(err error) {
	s.errMu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.errMu.Unlock()
}

func (s *Store) docLocked(dk docKey) map[string]any {
	if doc, ok := s.docs[dk]; ok {
		return doc
	}
	doc := readDocument(s.docPath(dk), s.logger)
	s.docs[dk] = doc
	return doc
}

func (s *Store) docPath(dk docKey) string {
	if dk.scope == Workspace {
		return filepath.Join(s.root, "workspace-storage", WorkspaceID(dk.ws), s.name+".json")
	}
	return filepath.Join(s.root, "global-storage", s.name+".json")
}

func bucketKey(scope Scope, ws string) docKey {
	if scope == Workspace {
		return docKey{scope: Workspace, ws: ws}
	}
	return docKey{scope: Global}
}

// WorkspaceID derives the storage directory name for a workspace path.
func WorkspaceID(ws string) string {
	p := strings.TrimSpace(ws)
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	sum := sha256.Sum256([]byte(filepath.Clean(p)))
	return hex.EncodeToString(sum[:])[:16]
}

// normalize converts a value into its JSON-decoded form so cached values
// look the same as values read back from disk.
// cloneValue deep-copies a normalized value so callers cannot reach the cache.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
