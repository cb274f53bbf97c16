package hostshim

import (
	"context"
	"sync"
)

// SecretStorage keeps credentials out of the plain settings documents.
type SecretStorage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Store(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

type memorySecrets struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemorySecrets is a process-lifetime SecretStorage, used when no
// database is configured.
func NewMemorySecrets() SecretStorage {
	return &memorySecrets{values: map[string]string{}}
}

func (m *memorySecrets) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memorySecrets) Store(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memorySecrets) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
