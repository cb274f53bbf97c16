// Package loopback is a small deterministic extension compiled into the
// binary. It answers the webview protocol with a scripted task so the whole
// host pipeline can run without a model provider.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"hostbridge/cli/internal/extensionhost"
	"hostbridge/cli/internal/hostshim"
	"hostbridge/cli/internal/protocol"

	"github.com/google/uuid"
)

const (
	Name   = "loopback"
	ViewID = "hostbridge.SidebarProvider"

	lastTaskKey = "loopback.lastTask"
	version     = "0.1.0"
)

var modes = map[string]bool{"code": true, "architect": true, "ask": true, "debug": true, "orchestrator": true}

// Register adds the loopback factory to r.
func Register(r *extensionhost.Registry) error {
	return r.Register(Name, func() extensionhost.Extension { return New() })
}

type Extension struct {
	now func() time.Time

	mu     sync.Mutex
	host   hostshim.Host
	view   *hostshim.WebviewView
	state  protocol.ExtensionState
	lastTs int64
}

func New() *Extension {
	return &Extension{
		now:   time.Now,
		state: protocol.ExtensionState{Version: version, Mode: "code", ClineMessages: []protocol.ChatMessage{}},
	}
}

func (e *Extension) Activate(_ context.Context, host hostshim.Host) (extensionhost.API, error) {
	e.mu.Lock()
	e.host = host
	if ws := host.Paths().WorkspaceFolder; !ws.IsZero() {
		e.state.Cwd = ws.FSPath()
	}
	if mode, ok := host.Configuration("hostbridge").Get("mode", "code").(string); ok && modes[mode] {
		e.state.Mode = mode
	}
	e.mu.Unlock()

	if _, err := host.RegisterWebviewViewProvider(ViewID, e); err != nil {
		return nil, err
	}
	if _, err := host.RegisterCommand("loopback.clearTask", func(ctx context.Context, _ ...any) (any, error) {
		return nil, e.clearTask(ctx)
	}); err != nil {
		return nil, err
	}
	host.Console().Info("loopback activated", "version", version)
	return e, nil
}

func (e *Extension) Deactivate(context.Context) error {
	e.mu.Lock()
	host := e.host
	e.view = nil
	e.mu.Unlock()
	if host != nil {
		host.Console().Info("loopback deactivated")
	}
	return nil
}

func (e *Extension) ResolveWebviewView(view *hostshim.WebviewView) error {
	e.mu.Lock()
	e.view = view
	e.mu.Unlock()
	view.OnDidReceiveMessage(e.handle)
	return nil
}

func (e *Extension) GetState() protocol.ExtensionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// LastTask returns the prompt persisted by the most recent newTask.
func (e *Extension) LastTask() string {
	e.mu.Lock()
	host := e.host
	e.mu.Unlock()
	if host == nil {
		return ""
	}
	s, _ := host.WorkspaceState().Get(lastTaskKey, "").(string)
	return s
}

func (e *Extension) handle(ctx context.Context, msg protocol.WebviewMessage) error {
	switch msg.Type {
	case protocol.WebviewDidLaunch:
		return e.postState(ctx)
	case protocol.WebviewNewTask:
		return e.startTask(ctx, msg.Text)
	case protocol.WebviewAskResponse:
		return e.answer(ctx, msg)
	case protocol.WebviewCancelTask:
		return e.cancelTask(ctx)
	case protocol.WebviewClearTask:
		return e.clearTask(ctx)
	case protocol.WebviewMode:
		return e.switchMode(ctx, msg.Text)
	case protocol.WebviewUpsertAPIConfig:
		e.mu.Lock()
		e.state.APIConfiguration = append(json.RawMessage(nil), msg.APIConfiguration...)
		e.mu.Unlock()
		return nil
	case protocol.WebviewUpdateSettings:
		e.mu.Lock()
		if e.state.Settings == nil {
			e.state.Settings = map[string]any{}
		}
		for k, v := range msg.Values {
			e.state.Settings[k] = v
		}
		e.mu.Unlock()
		return nil
	case protocol.WebviewFetchProfile:
		return e.post(ctx, protocol.ExtensionMessage{
			Type:    protocol.ExtProfileData,
			Payload: protocol.MustRaw(map[string]any{"success": true, "data": map[string]any{"user": "loopback"}}),
		})
	case protocol.WebviewFetchBalance:
		return e.post(ctx, protocol.ExtensionMessage{
			Type:    protocol.ExtBalanceData,
			Payload: protocol.MustRaw(map[string]any{"success": true, "data": map[string]any{"balance": 0}}),
		})
	case protocol.WebviewRequestRouterMod:
		return e.post(ctx, protocol.ExtensionMessage{
			Type:         protocol.ExtRouterModels,
			RouterModels: map[string]json.RawMessage{Name: protocol.MustRaw(map[string]any{"loopback-1": map[string]any{"contextWindow": 8192}})},
		})
	default:
		e.console().Warn("unhandled webview message", msg.Type)
		return nil
	}
}

func (e *Extension) console() *hostshim.Console {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.host == nil {
		return &hostshim.Console{}
	}
	return e.host.Console()
}

// tickLocked returns a strictly increasing millisecond timestamp.
func (e *Extension) tickLocked() int64 {
	ts := e.now().UnixMilli()
	if ts <= e.lastTs {
		ts = e.lastTs + 1
	}
	e.lastTs = ts
	return ts
}

func (e *Extension) post(ctx context.Context, msg protocol.ExtensionMessage) error {
	e.mu.Lock()
	view := e.view
	e.mu.Unlock()
	if view == nil {
		return fmt.Errorf("loopback: no webview resolved")
	}
	return view.PostMessage(ctx, msg)
}

func (e *Extension) postState(ctx context.Context) error {
	st := e.GetState()
	return e.post(ctx, protocol.ExtensionMessage{Type: protocol.ExtState, State: &st})
}

func (e *Extension) postMessage(ctx context.Context, m protocol.ChatMessage) error {
	return e.post(ctx, protocol.ExtensionMessage{Type: protocol.ExtMessageUpdated, ClineMessage: &m})
}

// upsertLocked replaces the message with the same ts or appends m.
func (e *Extension) upsertLocked(m protocol.ChatMessage) {
	for i := range e.state.ClineMessages {
		if e.state.ClineMessages[i].Ts == m.Ts {
			e.state.ClineMessages[i] = m
			return
		}
	}
	e.state.ClineMessages = append(e.state.ClineMessages, m)
}

func (e *Extension) startTask(ctx context.Context, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return fmt.Errorf("loopback: newTask needs a prompt")
	}

	e.mu.Lock()
	host := e.host
	taskTs := e.tickLocked()
	e.state.ClineMessages = []protocol.ChatMessage{{Ts: taskTs, Type: "say", Say: "text", Text: prompt}}
	e.state.CurrentTaskItem = &protocol.HistoryItem{ID: uuid.NewString(), Ts: taskTs, Task: prompt, Workspace: e.state.Cwd}
	e.state.Todos = nil
	e.mu.Unlock()

	if host != nil {
		select {
		case err := <-host.WorkspaceState().Update(lastTaskKey, prompt):
			if err != nil {
				host.Console().Warn("last task not persisted", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		host.Console().Info("task started", prompt)
	}
	if err := e.postState(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	streamTs := e.tickLocked()
	e.mu.Unlock()
	reply := "I will read README.md to get started."
	words := strings.Fields(reply)
	for i := 1; i <= len(words); i++ {
		m := protocol.ChatMessage{Ts: streamTs, Type: "say", Say: "text", Text: strings.Join(words[:i], " "), Partial: i < len(words)}
		e.mu.Lock()
		e.upsertLocked(m)
		e.mu.Unlock()
		if err := e.postMessage(ctx, m); err != nil {
			return err
		}
	}

	e.mu.Lock()
	ask := protocol.ChatMessage{
		Ts:   e.tickLocked(),
		Type: "ask",
		Ask:  "tool",
		Text: string(protocol.MustRaw(map[string]any{"tool": "readFile", "path": "README.md", "isOutsideWorkspace": false})),
	}
	e.upsertLocked(ask)
	e.mu.Unlock()
	return e.postMessage(ctx, ask)
}

func (e *Extension) answer(ctx context.Context, msg protocol.WebviewMessage) error {
	e.mu.Lock()
	var asked *protocol.ChatMessage
	for i := range e.state.ClineMessages {
		m := &e.state.ClineMessages[i]
		if m.Type == "ask" && !m.IsAnswered {
			asked = m
		}
	}
	if asked == nil {
		e.mu.Unlock()
		e.console().Warn("askResponse with no open ask")
		return nil
	}
	asked.IsAnswered = true
	answered := *asked
	if answered.Ask == "completion_result" {
		e.mu.Unlock()
		if err := e.postMessage(ctx, answered); err != nil {
			return err
		}
		return e.postState(ctx)
	}

	var outcome string
	if msg.AskResponse == protocol.AskNo {
		outcome = "Stopped: reading README.md was rejected."
	} else {
		outcome = "Read README.md. The task is complete."
	}
	done := protocol.ChatMessage{Ts: e.tickLocked(), Type: "ask", Ask: "completion_result", Text: outcome}
	e.upsertLocked(done)
	e.mu.Unlock()

	e.console().Info("ask answered", answered.Ask, msg.AskResponse)
	if err := e.postMessage(ctx, answered); err != nil {
		return err
	}
	if err := e.postMessage(ctx, done); err != nil {
		return err
	}
	return e.postState(ctx)
}

func (e *Extension) cancelTask(ctx context.Context) error {
	e.mu.Lock()
	if e.state.CurrentTaskItem != nil {
		e.upsertLocked(protocol.ChatMessage{Ts: e.tickLocked(), Type: "say", Say: "text", Text: "Task cancelled."})
	}
	for i := range e.state.ClineMessages {
		e.state.ClineMessages[i].Partial = false
		if e.state.ClineMessages[i].Type == "ask" {
			e.state.ClineMessages[i].IsAnswered = true
		}
	}
	e.mu.Unlock()
	return e.postState(ctx)
}

func (e *Extension) clearTask(ctx context.Context) error {
	e.mu.Lock()
	e.state.ClineMessages = []protocol.ChatMessage{}
	e.state.CurrentTaskItem = nil
	e.state.Todos = nil
	e.mu.Unlock()
	return e.postState(ctx)
}

func (e *Extension) switchMode(ctx context.Context, mode string) error {
	mode = strings.TrimSpace(mode)
	if !modes[mode] {
		return fmt.Errorf("loopback: unknown mode %q", mode)
	}
	e.mu.Lock()
	e.state.Mode = mode
	e.mu.Unlock()
	return e.postState(ctx)
}
