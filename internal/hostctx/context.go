// Package hostctx holds the per-process runtime context shared by the host
// components: loggers, the log ring, resolved storage paths, and the console
// sink that extension output is written through.
package hostctx

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"hostbridge/cli/internal/logging"
)

type Paths struct {
	ConfigDir string
	Workspace string
}

func (p Paths) GlobalStorageDir() string {
	return filepath.Join(p.ConfigDir, "global-storage")
}

func (p Paths) WorkspaceStorageRoot() string {
	return filepath.Join(p.ConfigDir, "workspace-storage")
}

func (p Paths) LogDir() string {
	return filepath.Join(p.ConfigDir, "logs")
}

func (p Paths) PersistedConfigFile() string {
	return filepath.Join(p.ConfigDir, "config.json")
}

func (p Paths) DBFile() string {
	return filepath.Join(p.ConfigDir, "hostbridge.db")
}

func (p Paths) SecretKeyFile() string {
	return filepath.Join(p.ConfigDir, ".hostbridge-secret")
}

// Context is constructed once per process (or per test) and handed to every
// component that needs shared runtime facilities.
type Context struct {
	Paths  Paths
	Logger *slog.Logger
	Logs   *logging.Buffer

	mu      sync.Mutex
	console Sink
}

type Options struct {
	Paths  Paths
	Logger *slog.Logger
	Logs   *logging.Buffer
	// Stderr is the raw sink used for console output while no redirect is installed.
	Stderr io.Writer
}

func New(opts Options) *Context {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	logs := opts.Logs
	if logs == nil {
		logs = logging.NewBuffer(logging.DefaultBufferSize)
	}
	return &Context{
		Paths:   opts.Paths,
		Logger:  logging.OrDiscard(opts.Logger),
		Logs:    logs,
		console: WriterSink(stderr),
	}
}

// Component returns the context logger tagged with a component name.
func (c *Context) Component(name string) *slog.Logger {
	if c == nil {
		return logging.Discard()
	}
	return c.Logger.With("component", name)
}

func (c *Context) Console() Sink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.console
}

// RedirectConsole installs sink as the console target. The returned restore
// func reinstates the previous sink; calling it more than once is harmless.
func (c *Context) RedirectConsole(sink Sink) (restore func()) {
	c.mu.Lock()
	prev := c.console
	c.console = sink
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.console = prev
			c.mu.Unlock()
		})
	}
}
