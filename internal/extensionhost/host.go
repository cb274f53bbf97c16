// Package extensionhost loads an extension, activates it against a host
// shim, and relays webview messages in both directions.
package extensionhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hostbridge/cli/internal/hostctx"
	"hostbridge/cli/internal/hostshim"
	"hostbridge/cli/internal/mailbox"
	"hostbridge/cli/internal/protocol"
)

const DefaultActivationWindow = 5 * time.Second

var (
	ErrNotActive         = errors.New("extensionhost: extension is not active")
	ErrProviderTimeout   = errors.New("extensionhost: no webview provider registered within the activation window")
	ErrActivationTimeout = errors.New("extensionhost: activate did not return within the activation window")
	ErrExtensionNotFound = errors.New("extensionhost: extension not found")
)

type LifecycleState int

const (
	StateInactive LifecycleState = iota
	StateActivating
	StateActive
	StateDeactivating
)

func (s LifecycleState) String() string {
	switch s {
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateDeactivating:
		return "deactivating"
	default:
		return "inactive"
	}
}

type EventKind string

const (
	EventActivated   EventKind = "activated"
	EventMessage     EventKind = "message"
	EventError       EventKind = "error"
	EventDeactivated EventKind = "deactivated"
)

type Event struct {
	Kind    EventKind
	Message protocol.ExtensionMessage
	Err     error
}

type Options struct {
	Runtime *hostctx.Context
	Loader  Loader
	Entry   string
	// Shim configures the host shim built for each activation. Its Runtime
	// is always replaced by Options.Runtime.
	Shim             hostshim.Options
	ActivationWindow time.Duration
	RequireProvider  bool
}

type Host struct {
	runtime *hostctx.Context
	loader  Loader
	entry   string
	shimOpt hostshim.Options
	window  time.Duration
	require bool
	logger  *slog.Logger
	events  *mailbox.Queue[Event]

	mu             sync.Mutex
	state          LifecycleState
	ext            Extension
	api            API
	shim           *hostshim.Shim
	view           *hostshim.WebviewView
	restoreConsole func()
}

func New(opts Options) *Host {
	rt := opts.Runtime
	if rt == nil {
		rt = hostctx.New(hostctx.Options{})
	}
	window := opts.ActivationWindow
	if window <= 0 {
		window = DefaultActivationWindow
	}
	shimOpt := opts.Shim
	shimOpt.Runtime = rt
	return &Host{
		runtime: rt,
		loader:  opts.Loader,
		entry:   opts.Entry,
		shimOpt: shimOpt,
		window:  window,
		require: opts.RequireProvider,
		logger:  rt.Component("extensionhost"),
		events:  mailbox.New[Event](),
	}
}

// Events delivers lifecycle and message events in emission order.
func (h *Host) Events() <-chan Event { return h.events.Out() }

func (h *Host) State() LifecycleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Host) emit(ev Event) {
	h.events.Push(ev)
}

// Activate runs the activation sequence. Failures are reported as an error
// event and a false return; the host is left Inactive and may be retried.
func (h *Host) Activate(ctx context.Context) bool {
	h.mu.Lock()
	if h.state != StateInactive {
		st := h.state
		h.mu.Unlock()
		h.logger.Warn("activate ignored", "state", st.String())
		return st == StateActive
	}
	h.state = StateActivating
	h.mu.Unlock()

	started := time.Now()
	if err := h.activate(ctx); err != nil {
		h.fail(err)
		return false
	}
	h.logger.Info("extension activated", "entry", h.entry, "elapsed_ms", time.Since(started).Milliseconds())
	h.emit(Event{Kind: EventActivated})
	return true
}

func (h *Host) activate(ctx context.Context) (err error) {
	if h.loader == nil {
		return errors.New("extensionhost: no loader configured")
	}
	actx, cancel := context.WithTimeout(ctx, h.window)
	defer cancel()

	ext, err := h.loader.Load(actx, h.entry)
	if err != nil {
		return fmt.Errorf("load extension %q: %w", h.entry, err)
	}
	shim := hostshim.New(h.shimOpt)
	restore := h.runtime.RedirectConsole(hostctx.LoggerSink(h.runtime.Component("extension")))
	h.mu.Lock()
	h.restoreConsole = restore
	h.mu.Unlock()

	api, err := callActivate(actx, ext, shim)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			h.undoActivate(ctx, ext)
		}
	}()

	var (
		viewID   string
		provider hostshim.WebviewViewProvider
	)
	if h.require {
		viewID, provider, err = shim.WaitForProvider(actx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w (%s)", ErrProviderTimeout, h.window)
			}
			return err
		}
	} else {
		viewID, provider, _ = shim.Provider()
	}

	var view *hostshim.WebviewView
	if provider != nil {
		view = hostshim.NewWebviewView(viewID, h.post)
		if err := safeCall("resolveWebviewView", func() error { return provider.ResolveWebviewView(view) }); err != nil {
			return err
		}
	}

	h.mu.Lock()
	h.state = StateActive
	h.ext = ext
	h.api = api
	h.shim = shim
	h.view = view
	h.mu.Unlock()
	return nil
}

// undoActivate runs the deactivate hook of an extension whose Activate
// returned but whose activation failed afterwards.
func (h *Host) undoActivate(ctx context.Context, ext Extension) {
	d, ok := ext.(Deactivator)
	if !ok {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.window)
	defer cancel()
	if err := safeCall("deactivate", func() error { return d.Deactivate(dctx) }); err != nil {
		h.logger.Warn("deactivate after failed activation", "entry", h.entry, "err", err)
	}
}

type activateResult struct {
	api API
	err error
}

// callActivate bounds the extension's Activate by ctx. An Activate that
// never returns is abandoned, not killed.
func callActivate(ctx context.Context, ext Extension, shim *hostshim.Shim) (API, error) {
	done := make(chan activateResult, 1)
	go func() {
		var api API
		err := safeCall("activate", func() error {
			var err error
			api, err = ext.Activate(ctx, shim)
			return err
		})
		done <- activateResult{api: api, err: err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("activate: %w", res.err)
		}
		return res.api, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrActivationTimeout
		}
		return nil, ctx.Err()
	}
}

func safeCall(stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extension panicked in %s: %v", stage, r)
		}
	}()
	return fn()
}

func (h *Host) fail(err error) {
	h.mu.Lock()
	restore := h.restoreConsole
	h.restoreConsole = nil
	h.state = StateInactive
	h.ext, h.api, h.shim, h.view = nil, nil, nil, nil
	h.mu.Unlock()
	if restore != nil {
		restore()
	}
	h.logger.Error("extension activation failed", "entry", h.entry, "err", err)
	h.emit(Event{Kind: EventError, Err: err})
}

// post is the extension-to-UI path handed to the webview view.
func (h *Host) post(_ context.Context, msg protocol.ExtensionMessage) error {
	if h.State() == StateInactive {
		return ErrNotActive
	}
	h.emit(Event{Kind: EventMessage, Message: msg})
	return nil
}

// SendWebviewMessage delivers msg to the extension's webview handlers.
func (h *Host) SendWebviewMessage(ctx context.Context, msg protocol.WebviewMessage) error {
	h.mu.Lock()
	st, view := h.state, h.view
	h.mu.Unlock()
	if st != StateActive || view == nil {
		h.logger.Warn("webview message dropped", "type", msg.Type, "state", st.String())
		return ErrNotActive
	}
	if err := safeCall("webview message handler", func() error { return view.Deliver(ctx, msg) }); err != nil {
		h.logger.Error("webview message failed", "type", msg.Type, "err", err)
		return err
	}
	return nil
}

// GetState proxies the extension API. ok is false while not active.
func (h *Host) GetState() (protocol.ExtensionState, bool) {
	h.mu.Lock()
	api := h.api
	h.mu.Unlock()
	if api == nil {
		return protocol.ExtensionState{}, false
	}
	var st protocol.ExtensionState
	if err := safeCall("getState", func() error {
		st = api.GetState()
		return nil
	}); err != nil {
		h.logger.Error("getState failed", "err", err)
		return protocol.ExtensionState{}, false
	}
	return st, true
}

// BroadcastState emits the extension's current state as a state message.
func (h *Host) BroadcastState(context.Context) error {
	st, ok := h.GetState()
	if !ok {
		return ErrNotActive
	}
	h.emit(Event{Kind: EventMessage, Message: protocol.ExtensionMessage{Type: protocol.ExtState, State: &st}})
	return nil
}

// Shim returns the active shim, or nil while not active.
func (h *Host) Shim() *hostshim.Shim {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shim
}

// Deactivate runs the extension's deactivate hook, flushes pending shim
// writes and restores the console. Calling it when not active is a no-op.
func (h *Host) Deactivate(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateActive {
		h.mu.Unlock()
		return nil
	}
	h.state = StateDeactivating
	ext, shim, restore := h.ext, h.shim, h.restoreConsole
	h.mu.Unlock()

	var errs []error
	if d, ok := ext.(Deactivator); ok {
		if err := safeCall("deactivate", func() error { return d.Deactivate(ctx) }); err != nil {
			errs = append(errs, fmt.Errorf("deactivate: %w", err))
		}
	}
	if shim != nil {
		if err := shim.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if restore != nil {
		restore()
	}

	h.mu.Lock()
	h.state = StateInactive
	h.ext, h.api, h.shim, h.view = nil, nil, nil, nil
	h.restoreConsole = nil
	h.mu.Unlock()

	err := errors.Join(errs...)
	if err != nil {
		h.logger.Error("extension deactivated with errors", "err", err)
	} else {
		h.logger.Info("extension deactivated")
	}
	h.emit(Event{Kind: EventDeactivated, Err: err})
	return err
}

// Close ends the event stream once queued events are delivered.
func (h *Host) Close() {
	h.events.Close()
}
