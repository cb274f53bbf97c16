package hostshim

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostbridge/cli/internal/configstore"
	"hostbridge/cli/internal/hostctx"
	"hostbridge/cli/internal/protocol"
)

type shimFixture struct {
	shim     *Shim
	settings *configstore.Store
	state    *configstore.Store
	stderr   *bytes.Buffer
	root     string
}

func newFixture(t *testing.T, workspace string) shimFixture {
	t.Helper()
	root := t.TempDir()
	open := func(name string) *configstore.Store {
		s, err := configstore.Open(configstore.Options{Root: root, Name: name})
		require.NoError(t, err)
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = s.Close(ctx)
		})
		return s
	}
	stderr := &bytes.Buffer{}
	rt := hostctx.New(hostctx.Options{
		Paths:  hostctx.Paths{ConfigDir: root, Workspace: workspace},
		Stderr: stderr,
	})
	settings, state := open("settings"), open("state")
	return shimFixture{
		shim:     New(Options{Runtime: rt, Settings: settings, State: state}),
		settings: settings,
		state:    state,
		stderr:   stderr,
		root:     root,
	}
}

func await(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("update did not persist")
	}
}

type stubProvider struct{ resolved *WebviewView }

func (p *stubProvider) ResolveWebviewView(view *WebviewView) error {
	p.resolved = view
	return nil
}

func TestConfiguration_BuiltinDefaults(t *testing.T) {
	f := newFixture(t, "/ws/a")
	cfg := f.shim.Configuration("kilo-code")

	assert.Equal(t, []any{"git log", "git diff", "git show"}, cfg.Get("allowedCommands", nil))
	assert.Equal(t, []any{}, cfg.Get("deniedCommands", []any{"x"}))
	assert.Equal(t, float64(0), cfg.Get("commandExecutionTimeout", 99))
	assert.Equal(t, "fallback", cfg.Get("unknown", "fallback"))
	assert.True(t, cfg.Has("allowedCommands"))
	assert.False(t, cfg.Has("unknown"))

	root := f.shim.Configuration("")
	assert.True(t, root.Has("kilo-code.allowedCommands"))
	assert.False(t, root.Has("allowedCommands"))

	other := f.shim.Configuration("other")
	assert.False(t, other.Has("allowedCommands"), "defaults belong to their own section")
	assert.Equal(t, "fallback", other.Get("allowedCommands", "fallback"))
	assert.Nil(t, other.Inspect("allowedCommands").DefaultValue)
}

func TestConfiguration_UpdateTargets(t *testing.T) {
	f := newFixture(t, "/ws/a")
	cfg := f.shim.Configuration("kilo-code")

	await(t, cfg.Update("model", "global-model", TargetGlobal))
	assert.Equal(t, "global-model", cfg.Get("model", nil))

	await(t, cfg.Update("model", "ws-model", TargetWorkspace))
	assert.Equal(t, "ws-model", cfg.Get("model", nil))
	assert.Equal(t, "ws-model", f.settings.Get(configstore.Workspace, "/ws/a", "kilo-code.model", nil), "stored under section.key")

	insp := cfg.Inspect("model")
	assert.Equal(t, "kilo-code.model", insp.Key)
	assert.Equal(t, "global-model", insp.GlobalValue)
	assert.Equal(t, "ws-model", insp.WorkspaceValue)

	await(t, cfg.Update("model", nil, TargetWorkspace))
	assert.Equal(t, "global-model", cfg.Get("model", nil))
}

func TestConfiguration_WorkspaceIsolation(t *testing.T) {
	a := newFixture(t, "/ws/a")
	await(t, a.shim.Configuration("s").Update("k", "only-a", TargetWorkspace))

	other := New(Options{
		Runtime:  hostctx.New(hostctx.Options{Paths: hostctx.Paths{ConfigDir: a.root, Workspace: "/ws/b"}}),
		Settings: a.settings,
	})
	assert.Nil(t, other.Configuration("s").Get("k", nil))
}

func TestMemento_ScopesDoNotFallBack(t *testing.T) {
	f := newFixture(t, "/ws/a")

	await(t, f.shim.GlobalState().Update("lastPrompt", "global"))
	assert.Nil(t, f.shim.WorkspaceState().Get("lastPrompt", nil))

	await(t, f.shim.WorkspaceState().Update("lastPrompt", "ws"))
	assert.Equal(t, "ws", f.shim.WorkspaceState().Get("lastPrompt", nil))
	assert.Equal(t, "global", f.shim.GlobalState().Get("lastPrompt", nil))
	assert.Equal(t, []string{"lastPrompt"}, f.shim.WorkspaceState().Keys())

	await(t, f.shim.WorkspaceState().Update("lastPrompt", nil))
	assert.Equal(t, "dflt", f.shim.WorkspaceState().Get("lastPrompt", "dflt"))
	require.NoError(t, f.shim.Flush(context.Background()))
}

func TestMemento_WorkspaceStateNeedsWorkspace(t *testing.T) {
	f := newFixture(t, "")
	err := <-f.shim.WorkspaceState().Update("k", "v")
	assert.ErrorIs(t, err, ErrNoWorkspace)
}

func TestCommands(t *testing.T) {
	f := newFixture(t, "/ws/a")
	ctx := context.Background()

	_, err := f.shim.ExecuteCommand(ctx, "workbench.action.files.saveFiles")
	require.NoError(t, err)

	d, err := f.shim.RegisterCommand("ext.echo", func(_ context.Context, args ...any) (any, error) {
		return args[0], nil
	})
	require.NoError(t, err)
	_, err = f.shim.RegisterCommand("ext.echo", func(context.Context, ...any) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrCommandExists)

	out, err := f.shim.ExecuteCommand(ctx, "ext.echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	d.Dispose()
	_, err = f.shim.ExecuteCommand(ctx, "ext.echo", "hi")
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestWebviewProvider_RegistrationReleasesWaiter(t *testing.T) {
	f := newFixture(t, "/ws/a")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got := make(chan string, 1)
	go func() {
		id, _, err := f.shim.WaitForProvider(ctx)
		if err == nil {
			got <- id
		}
		close(got)
	}()

	p := &stubProvider{}
	d, err := f.shim.RegisterWebviewViewProvider("hostbridge.SidebarProvider", p)
	require.NoError(t, err)
	assert.Equal(t, "hostbridge.SidebarProvider", <-got)

	_, err = f.shim.RegisterWebviewViewProvider("hostbridge.SidebarProvider", p)
	assert.ErrorIs(t, err, ErrProviderExists)

	d.Dispose()
	_, _, ok := f.shim.Provider()
	assert.False(t, ok)
}

func TestWebviewProvider_WaitTimesOut(t *testing.T) {
	f := newFixture(t, "/ws/a")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err := f.shim.WaitForProvider(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWebviewView_BothDirections(t *testing.T) {
	var posted []protocol.ExtensionMessage
	view := NewWebviewView("hostbridge.SidebarProvider", func(_ context.Context, msg protocol.ExtensionMessage) error {
		posted = append(posted, msg)
		return nil
	})
	var received []string
	sub := view.OnDidReceiveMessage(func(_ context.Context, msg protocol.WebviewMessage) error {
		received = append(received, msg.Type)
		return nil
	})
	ctx := context.Background()

	require.NoError(t, view.PostMessage(ctx, protocol.ExtensionMessage{Type: protocol.ExtAction, Action: "didBecomeVisible"}))
	require.NoError(t, view.Deliver(ctx, protocol.WebviewMessage{Type: protocol.WebviewDidLaunch}))
	sub.Dispose()
	require.NoError(t, view.Deliver(ctx, protocol.WebviewMessage{Type: protocol.WebviewNewTask}))

	require.Len(t, posted, 1)
	assert.Equal(t, []string{protocol.WebviewDidLaunch}, received)
	assert.Equal(t, 0, view.HandlerCount())
}

func TestConsole_WritesThroughCurrentSink(t *testing.T) {
	f := newFixture(t, "/ws/a")
	f.shim.Console().Log("count", map[string]int{"n": 2}, errors.New("boom"))
	assert.Equal(t, "count {\"n\":2} boom\n", f.stderr.String())
}

func TestPathsAndURIs(t *testing.T) {
	f := newFixture(t, "/ws/a")
	p := f.shim.Paths()

	assert.Equal(t, "file:///ws/a", p.WorkspaceFolder.String())
	assert.Equal(t, filepath.Join(f.root, "global-storage"), p.GlobalStorageURI.FSPath())
	assert.Equal(t, configstore.WorkspaceID("/ws/a"), filepath.Base(p.WorkspaceStorageURI.FSPath()))
	assert.True(t, p.ExtensionURI.IsZero())

	u, err := ParseURI("file:///ws/a/src")
	require.NoError(t, err)
	assert.Equal(t, "/ws/a/src/main.go", u.JoinPath("main.go").Path)
	_, err = ParseURI("relative/path")
	assert.Error(t, err)
}

func TestSecrets_Memory(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySecrets()
	require.NoError(t, s.Store(ctx, "token", "abc"))
	v, ok, err := s.Get(ctx, "token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", v)
	require.NoError(t, s.Delete(ctx, "token"))
	_, ok, _ = s.Get(ctx, "token")
	assert.False(t, ok)
}
