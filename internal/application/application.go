// Package application wires one CLI session: storage, the extension host,
// the message bridge and the UI-side consumers, run under a lifecycle manager.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hostbridge/cli/internal/approval"
	"hostbridge/cli/internal/bridge"
	"hostbridge/cli/internal/cliconfig"
	"hostbridge/cli/internal/config"
	"hostbridge/cli/internal/configstore"
	"hostbridge/cli/internal/db"
	"hostbridge/cli/internal/extensionhost"
	"hostbridge/cli/internal/extensions/loopback"
	"hostbridge/cli/internal/historydb"
	"hostbridge/cli/internal/hostctx"
	"hostbridge/cli/internal/hostshim"
	"hostbridge/cli/internal/journal"
	"hostbridge/cli/internal/lifecycle"
	"hostbridge/cli/internal/logging"
	"hostbridge/cli/internal/protocol"
	"hostbridge/cli/internal/remote"
	"hostbridge/cli/internal/secretstore"
	"hostbridge/cli/internal/statesync"

	"gorm.io/gorm"
)

type ExitCode int

const (
	ExitOK      ExitCode = 0
	ExitFailure ExitCode = 1
	ExitTimeout ExitCode = 124
)

// Exit reasons recorded on the session row.
const (
	ReasonCompletion       = "completion_result"
	ReasonTimeout          = "timeout"
	ReasonActivationFailed = "activation_failed"
	ReasonTaskFailed       = "task_failed"
	ReasonInterrupted      = "interrupted"
	ReasonSignal           = "signal"
	ReasonError            = "error"
)

const (
	staleSessionAfter = 24 * time.Hour
	disposeTimeout    = 5 * time.Second
)

var ErrActivationFailed = errors.New("extension activation failed")

type Application struct {
	opts    StartOptions
	cfg     config.Config
	logger  *slog.Logger
	runtime *hostctx.Context

	gdb       *gorm.DB
	sessions  *journal.Sessions
	sessionID string
	recorder  *journal.Recorder
	history   *historydb.Store
	secrets   *secretstore.Store
	settings  *configstore.Store
	state     *configstore.Store
	persisted *cliconfig.Store

	host   *extensionhost.Host
	bridge *bridge.Bridge
	mirror *statesync.Store
	effect *approval.Effect
	server *remote.Server
	ln     net.Listener

	cfgMu   sync.RWMutex
	current cliconfig.Config

	exitMu sync.Mutex
	code   ExitCode
	reason string
}

// StartApplication opens every store and builds the session's components.
// Nothing runs until Run is called.
func StartApplication(_ context.Context, opts StartOptions) (app *Application, err error) {
	cfg := opts.Config
	if strings.TrimSpace(cfg.ConfigDir) == "" {
		return nil, errors.New("config dir is required")
	}
	if cfg.Extension == "" {
		cfg.Extension = config.DefaultExtension
	}
	workspace, err := resolveWorkspace(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if opts.Auto && strings.TrimSpace(opts.Prompt) == "" {
		return nil, errors.New("auto mode requires a prompt")
	}

	logs := logging.NewBuffer(logging.DefaultBufferSize)
	logger := logging.NewLogger(logging.Options{Level: cfg.LogLevel, Writer: opts.LogWriter, Buffer: logs})
	rt := hostctx.New(hostctx.Options{
		Paths:  hostctx.Paths{ConfigDir: cfg.ConfigDir, Workspace: workspace},
		Logger: logger,
		Logs:   logs,
		Stderr: opts.Stderr,
	})
	app = &Application{opts: opts, cfg: cfg, logger: rt.Component("application"), runtime: rt}
	app.opts.Workspace = workspace

	var cleanup []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	migrate := db.MigrateOptions{JournalRetention: cfg.JournalRetention, StaleSessionAfter: staleSessionAfter}
	if dsn := strings.TrimSpace(cfg.DBDSN); dsn != "" {
		app.gdb, err = db.OpenDSN(dsn, migrate)
	} else {
		app.gdb, err = db.Open(rt.Paths.DBFile(), migrate)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	cleanup = append(cleanup, func() { _ = db.Close(app.gdb) })

	if app.sessions, err = journal.NewSessions(app.gdb); err != nil {
		return nil, err
	}
	if app.history, err = historydb.NewStore(app.gdb); err != nil {
		return nil, err
	}
	if err := app.history.Upsert(workspace); err != nil {
		app.logger.Warn("workspace history update failed", "workspace", workspace, "err", err)
	}
	if app.secrets, err = secretstore.NewStore(app.gdb, rt.Paths.SecretKeyFile()); err != nil {
		return nil, fmt.Errorf("open secrets: %w", err)
	}

	if app.settings, err = configstore.Open(configstore.Options{Root: cfg.ConfigDir, Name: "settings", Logger: rt.Component("configstore")}); err != nil {
		return nil, err
	}
	cleanup = append(cleanup, func() { _ = app.settings.Close(context.Background()) })
	if app.state, err = configstore.Open(configstore.Options{Root: cfg.ConfigDir, Name: "state", Logger: rt.Component("configstore")}); err != nil {
		return nil, err
	}
	cleanup = append(cleanup, func() { _ = app.state.Close(context.Background()) })

	app.persisted = cliconfig.NewStore(rt.Paths.PersistedConfigFile(), rt.Component("cliconfig"))
	current, result, err := app.persisted.Load()
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		app.logger.Warn("persisted config is invalid, continuing", "errors", result.Errors)
	}
	if mode := strings.TrimSpace(opts.Mode); mode != "" {
		current.Mode = mode
	}
	app.current = current

	app.sessionID, err = app.sessions.Start(journal.SessionInfo{
		Workspace: workspace,
		Mode:      current.Mode,
		Extension: cfg.Extension,
		Auto:      opts.Auto,
	})
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	app.recorder, err = journal.NewRecorder(app.gdb, journal.RecorderOptions{
		SessionID: app.sessionID,
		Retention: cfg.JournalRetention,
		Logger:    rt.Component("journal"),
	})
	if err != nil {
		return nil, err
	}

	registry := opts.Hooks.Registry
	if registry == nil {
		registry = extensionhost.NewRegistry()
		if err := loopback.Register(registry); err != nil {
			return nil, err
		}
	}
	app.host = extensionhost.New(extensionhost.Options{
		Runtime: rt,
		Loader:  registry,
		Entry:   cfg.Extension,
		Shim: hostshim.Options{
			Settings:      app.settings,
			State:         app.state,
			Secrets:       app.secrets,
			ExtensionPath: filepath.Join(cfg.ConfigDir, "extensions", cfg.Extension),
		},
		ActivationWindow: cfg.ActivationWindow,
		RequireProvider:  true,
	})
	app.bridge = bridge.New(bridge.Options{
		DefaultTimeout: cfg.RequestTimeout,
		Hook:           app.bridgeHook(),
		Logger:         rt.Component("bridge"),
	})

	if opts.Serve {
		app.ln, err = net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
		}
		cleanup = append(cleanup, func() { _ = app.ln.Close() })
		app.server = remote.NewServer(remote.Options{
			Bridge:         app.bridge,
			RequestTimeout: cfg.RequestTimeout,
			Logger:         rt.Component("remote"),
		})
	} else {
		app.mirror = statesync.New(statesync.Options{
			BufferSize: cfg.StateBufferSize,
			Logger:     rt.Component("statesync"),
			Responder:  app.bridge,
		})
		app.effect = approval.NewEffect(approval.EffectOptions{
			Coordinator: approval.NewCoordinator(rt.Component("approval")),
			State:       app.mirror,
			Bridge:      app.bridge,
			Policy:      app.policy,
			CIMode:      opts.Auto,
			Timeout:     cfg.RequestTimeout,
			Logger:      rt.Component("approval"),
		})
	}
	return app, nil
}

func resolveWorkspace(ws string) (string, error) {
	ws = strings.TrimSpace(ws)
	if ws == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		ws = cwd
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workspace %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", abs)
	}
	return abs, nil
}

func (a *Application) bridgeHook() bridge.Hook {
	if !a.cfg.TraceBridge {
		return a.recorder.Record
	}
	trace := a.runtime.Component("bridge-trace")
	return func(env protocol.Envelope) {
		trace.Debug("envelope",
			"channel", env.Channel, "kind", env.Kind, "id", env.ID,
			"correlation_id", env.CorrelationID, "type", protocol.PayloadType(env.Payload))
		a.recorder.Record(env)
	}
}

func (a *Application) policy() cliconfig.AutoApproval {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.current.AutoApproval
}

// Run serves the session until it completes, times out or is interrupted,
// then disposes the host and records the outcome on the session row.
func (a *Application) Run(ctx context.Context) (ExitCode, error) {
	if a == nil {
		return ExitFailure, errors.New("application is nil")
	}
	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		_ = a.recorder.Run(context.Background())
	}()

	mgr := lifecycle.NewManager(a.logger)
	mgr.AddRun("extension-handler", func(ctx context.Context) error {
		return bridge.NewHandler(a.host, a.runtime.Component("handler")).Run(ctx, a.bridge)
	})
	mgr.AddRun("extension-events", func(ctx context.Context) error {
		return bridge.Pump(ctx, a.bridge, a.host.Events(), a.runtime.Component("pump"))
	})
	mgr.AddRun("config-watcher", cliconfig.NewWatcher(a.persisted, cliconfig.WatcherOptions{
		OnChange: a.applyConfig,
		Logger:   a.runtime.Component("cliconfig"),
	}).Run)
	if a.server != nil {
		mgr.AddRun("remote-events", func(ctx context.Context) error {
			return a.server.Run(ctx, a.bridge.Listen(protocol.ChannelTUI))
		})
		mgr.AddRun("remote-server", func(ctx context.Context) error {
			return a.server.ServeListener(ctx, a.ln)
		})
	} else {
		mgr.AddRun("state-sync", func(ctx context.Context) error {
			return a.mirror.Run(ctx, a.bridge.Listen(protocol.ChannelTUI))
		})
		mgr.AddRun("approval", a.effect.Run)
	}
	mgr.AddMain("session", a.session)

	mgr.AddShutdown("deactivate-extension", func(context.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
		defer cancel()
		err := a.host.Deactivate(ctx)
		a.host.Close()
		return err
	})
	mgr.AddShutdown("close-bridge", func(context.Context) error {
		a.bridge.Close()
		return nil
	})
	mgr.AddShutdown("close-config-stores", func(context.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
		defer cancel()
		return errors.Join(a.settings.Close(ctx), a.state.Close(ctx))
	})
	mgr.AddShutdown("flush-journal", func(context.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
		defer cancel()
		return a.recorder.Close(ctx)
	})

	runErr := mgr.StartAndWait(ctx, a.opts.Signals...)
	<-recorderDone

	code, reason := a.exit()
	if runErr != nil && code == ExitOK {
		code, reason = ExitFailure, ReasonError
	}
	if err := a.sessions.Finish(a.sessionID, int(code), reason); err != nil {
		a.logger.Warn("session finish failed", "session", a.sessionID, "err", err)
	}
	if dropped := a.recorder.Dropped(); dropped > 0 {
		a.logger.Warn("bridge journal dropped envelopes", "count", dropped)
	}
	_ = a.secrets.Close()
	_ = a.history.Close()
	if err := db.Close(a.gdb); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("close database: %w", err))
		if code == ExitOK {
			code, reason = ExitFailure, ReasonError
		}
	}
	a.logger.Info("session finished", "session", a.sessionID, "exit_code", int(code), "reason", reason)
	return code, runErr
}

func (a *Application) session(ctx context.Context) error {
	if !a.host.Activate(ctx) {
		a.setExit(ExitFailure, ReasonActivationFailed)
		return ErrActivationFailed
	}
	a.pushConfig(a.currentConfig())
	if err := a.bridge.SendEvent(protocol.ChannelExtension, protocol.WebviewMessage{Type: protocol.WebviewDidLaunch}); err != nil {
		return err
	}
	if a.mirror != nil {
		a.mirror.Ready()
	}
	if a.opts.Hooks.OnStarted != nil {
		a.opts.Hooks.OnStarted(a)
	}
	if a.opts.Auto {
		return a.runAuto(ctx)
	}
	if prompt := strings.TrimSpace(a.opts.Prompt); prompt != "" {
		if err := a.startTask(ctx, prompt); err != nil {
			a.logger.Warn("initial task was not accepted", "err", err)
		}
	}
	<-ctx.Done()
	a.setExit(ExitOK, ReasonSignal)
	return nil
}

func (a *Application) runAuto(ctx context.Context) error {
	var deadline <-chan time.Time
	timeout := a.opts.Timeout
	if timeout <= 0 {
		timeout = a.cfg.CITimeout
	}
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	if err := a.startTask(ctx, a.opts.Prompt); err != nil {
		a.setExit(ExitFailure, ReasonTaskFailed)
		return fmt.Errorf("start task: %w", err)
	}
	select {
	case <-a.mirror.Completion():
		a.setExit(ExitOK, ReasonCompletion)
		msgs := a.mirror.Messages()
		if n := len(msgs); n > 0 {
			a.logger.Info("task completed", "result", msgs[n-1].Text)
		}
	case <-deadline:
		a.setExit(ExitTimeout, ReasonTimeout)
		a.logger.Warn("task timed out", "timeout", timeout.String())
	case <-ctx.Done():
		a.setExit(ExitFailure, ReasonInterrupted)
	}
	return nil
}

func (a *Application) startTask(ctx context.Context, prompt string) error {
	_, err := a.bridge.SendRequest(ctx, protocol.ChannelExtension, protocol.WebviewMessage{
		Type: protocol.WebviewNewTask,
		Text: strings.TrimSpace(prompt),
	}, 0)
	return err
}

func (a *Application) applyConfig(cfg cliconfig.Config, result cliconfig.ValidationResult) {
	if !result.Valid {
		a.logger.Warn("reloaded config is invalid, keeping it", "errors", result.Errors)
	}
	a.cfgMu.Lock()
	a.current = cfg
	a.cfgMu.Unlock()
	a.pushConfig(cfg)
}

// pushConfig sends the mapped config to the extension as ordinary webview
// events, so it is ordered with everything else on the extension channel.
func (a *Application) pushConfig(cfg cliconfig.Config) {
	mapped, err := cliconfig.MapToExtensionState(cfg)
	if err != nil {
		a.logger.Warn("config mapping failed", "err", err)
		return
	}
	for _, msg := range mapped.Messages() {
		if err := a.bridge.SendEvent(protocol.ChannelExtension, msg); err != nil {
			a.logger.Warn("config push failed", "type", msg.Type, "err", err)
			return
		}
	}
}

func (a *Application) currentConfig() cliconfig.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.current.Clone()
}

func (a *Application) setExit(code ExitCode, reason string) {
	a.exitMu.Lock()
	defer a.exitMu.Unlock()
	a.code, a.reason = code, reason
}

func (a *Application) exit() (ExitCode, string) {
	a.exitMu.Lock()
	defer a.exitMu.Unlock()
	return a.code, a.reason
}

func (a *Application) SessionID() string { return a.sessionID }

func (a *Application) Workspace() string { return a.opts.Workspace }

func (a *Application) Bridge() *bridge.Bridge { return a.bridge }

// State is the mirrored UI state; nil in serve mode.
func (a *Application) State() *statesync.Store { return a.mirror }

// Approvals is the approval effect; nil in serve mode.
func (a *Application) Approvals() *approval.Effect { return a.effect }

// ListenAddr is the bound websocket address in serve mode.
func (a *Application) ListenAddr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

func (a *Application) Logs() *logging.Buffer { return a.runtime.Logs }
