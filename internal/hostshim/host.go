// Package hostshim is the capability surface handed to extensions in place of
// the IDE host API. Everything an extension may touch goes through Host.
package hostshim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"hostbridge/cli/internal/configstore"
	"hostbridge/cli/internal/hostctx"
)

var (
	ErrCommandNotFound = errors.New("hostshim: command not found")
	ErrCommandExists   = errors.New("hostshim: command already registered")
	ErrProviderExists  = errors.New("hostshim: webview provider already registered")
	ErrNoProvider      = errors.New("hostshim: no webview provider registered")
	ErrNilProvider     = errors.New("hostshim: webview provider is nil")
	ErrNoWorkspace     = errors.New("hostshim: no workspace folder open")
)

// Host is what an extension sees of its environment.
type Host interface {
	Configuration(section string) *Configuration
	RegisterWebviewViewProvider(viewID string, provider WebviewViewProvider) (Disposable, error)
	RegisterCommand(id string, fn CommandFunc) (Disposable, error)
	ExecuteCommand(ctx context.Context, id string, args ...any) (any, error)
	GlobalState() *Memento
	WorkspaceState() *Memento
	Secrets() SecretStorage
	Paths() Paths
	Console() *Console
	Flush(ctx context.Context) error
}

type Disposable interface {
	Dispose()
}

// DisposableFunc adapts a func to Disposable. Dispose runs it at most once.
type DisposableFunc func()

func (f DisposableFunc) Dispose() {
	if f != nil {
		f()
	}
}

func onceDisposable(fn func()) Disposable {
	var once sync.Once
	return DisposableFunc(func() { once.Do(fn) })
}

type Options struct {
	Runtime *hostctx.Context
	// Settings backs Configuration; State backs the mementos.
	Settings      *configstore.Store
	State         *configstore.Store
	Secrets       SecretStorage
	ExtensionPath string
}

type registeredProvider struct {
	viewID   string
	provider WebviewViewProvider
}

// Shim implements Host for a single workspace.
type Shim struct {
	runtime       *hostctx.Context
	settings      *configstore.Store
	state         *configstore.Store
	secrets       SecretStorage
	extensionPath string
	logger        *slog.Logger
	console       *Console

	mu         sync.Mutex
	providers  []registeredProvider
	registered chan struct{}
	commands   map[string]CommandFunc
}

var _ Host = (*Shim)(nil)

func New(opts Options) *Shim {
	rt := opts.Runtime
	if rt == nil {
		rt = hostctx.New(hostctx.Options{})
	}
	secrets := opts.Secrets
	if secrets == nil {
		secrets = NewMemorySecrets()
	}
	s := &Shim{
		runtime:       rt,
		settings:      opts.Settings,
		state:         opts.State,
		secrets:       secrets,
		extensionPath: opts.ExtensionPath,
		logger:        rt.Component("hostshim"),
		console:       &Console{runtime: rt},
		registered:    make(chan struct{}),
		commands:      map[string]CommandFunc{},
	}
	s.registerBuiltins()
	return s
}

func (s *Shim) workspace() string {
	return s.runtime.Paths.Workspace
}

func (s *Shim) Configuration(section string) *Configuration {
	return &Configuration{section: section, store: s.settings, workspace: s.workspace()}
}

func (s *Shim) GlobalState() *Memento {
	return &Memento{store: s.state, scope: configstore.Global}
}

func (s *Shim) WorkspaceState() *Memento {
	return &Memento{store: s.state, scope: configstore.Workspace, workspace: s.workspace()}
}

func (s *Shim) Secrets() SecretStorage { return s.secrets }

func (s *Shim) Console() *Console { return s.console }

func (s *Shim) Paths() Paths {
	p := s.runtime.Paths
	out := Paths{
		GlobalStorageURI: FileURI(p.GlobalStorageDir()),
		LogURI:           FileURI(p.LogDir()),
	}
	if s.extensionPath != "" {
		out.ExtensionURI = FileURI(s.extensionPath)
	}
	if ws := s.workspace(); ws != "" {
		out.WorkspaceFolder = FileURI(ws)
		out.WorkspaceStorageURI = FileURI(p.WorkspaceStorageRoot()).JoinPath(configstore.WorkspaceID(ws))
	}
	return out
}

// RegisterWebviewViewProvider records provider under viewID. The first
// registration releases anyone blocked in WaitForProvider.
func (s *Shim) RegisterWebviewViewProvider(viewID string, provider WebviewViewProvider) (Disposable, error) {
	if provider == nil {
		return nil, ErrNilProvider
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rp := range s.providers {
		if rp.viewID == viewID {
			return nil, fmt.Errorf("%w: %s", ErrProviderExists, viewID)
		}
	}
	s.providers = append(s.providers, registeredProvider{viewID: viewID, provider: provider})
	if len(s.providers) == 1 {
		select {
		case <-s.registered:
		default:
			close(s.registered)
		}
	}
	s.logger.Info("webview provider registered", "view_id", viewID)
	return onceDisposable(func() { s.removeProvider(viewID) }), nil
}

func (s *Shim) removeProvider(viewID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rp := range s.providers {
		if rp.viewID == viewID {
			s.providers = append(s.providers[:i], s.providers[i+1:]...)
			return
		}
	}
}

// Provider returns the earliest registered provider still in place.
func (s *Shim) Provider() (string, WebviewViewProvider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.providers) == 0 {
		return "", nil, false
	}
	rp := s.providers[0]
	return rp.viewID, rp.provider, true
}

// WaitForProvider blocks until a provider has been registered or ctx ends.
func (s *Shim) WaitForProvider(ctx context.Context) (string, WebviewViewProvider, error) {
	select {
	case <-s.registered:
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
	id, p, ok := s.Provider()
	if !ok {
		return "", nil, ErrNoProvider
	}
	return id, p, nil
}

// Flush waits for pending configuration and state writes.
func (s *Shim) Flush(ctx context.Context) error {
	var errs []error
	for _, store := range []*configstore.Store{s.settings, s.state} {
		if store == nil {
			continue
		}
		if err := store.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", store.Name(), err))
		}
	}
	return errors.Join(errs...)
}
