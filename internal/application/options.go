package application

import (
	"io"
	"os"
	"time"

	"hostbridge/cli/internal/config"
	"hostbridge/cli/internal/extensionhost"
)

// StartOptions defines one CLI session: where it runs, how it is driven and
// which extension it hosts.
type StartOptions struct {
	Config    config.Config
	Workspace string
	// Mode overrides the persisted mode when non-empty.
	Mode   string
	Auto   bool
	Prompt string
	// Timeout bounds an auto session; zero waits for completion indefinitely.
	Timeout time.Duration
	// Serve exposes the UI side of the bridge over websocket instead of
	// driving it locally.
	Serve bool

	LogWriter io.Writer
	Stderr    io.Writer
	Signals   []os.Signal
	Hooks     Hooks
}

// Hooks replaces collaborators in tests.
type Hooks struct {
	Registry *extensionhost.Registry
	// OnStarted runs once the extension is active and the UI pipeline is ready.
	OnStarted func(*Application)
}
