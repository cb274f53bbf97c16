package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostbridge/cli/internal/cliconfig"
	"hostbridge/cli/internal/protocol"
)

func ask(ts int64, kind, text string) protocol.ChatMessage {
	return protocol.ChatMessage{Ts: ts, Type: "ask", Ask: kind, Text: text}
}

func tool(t *testing.T, fields map[string]any) string {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return string(b)
}

func TestCoordinator_ScenarioSingleFlight(t *testing.T) {
	c := NewCoordinator(nil)
	first := ask(1000, "tool", `{"tool":"readFile"}`)
	require.True(t, c.SetPending(first))
	require.True(t, c.StartProcessing(OpApprove))

	assert.False(t, c.SetPending(ask(2000, "tool", `{"tool":"readFile"}`)))
	pending, ok := c.Pending()
	require.True(t, ok)
	assert.Equal(t, int64(1000), pending.Ts)

	c.Complete()
	_, ok = c.Pending()
	assert.False(t, ok)
	assert.False(t, c.Processing().Active)
}

func TestCoordinator_SecondStartProcessingKeepsRecord(t *testing.T) {
	c := NewCoordinator(nil)
	require.True(t, c.SetPending(ask(1000, "command", "ls")))
	require.True(t, c.StartProcessing(OpApprove))

	assert.False(t, c.StartProcessing(OpReject))
	assert.Equal(t, Processing{Active: true, Op: OpApprove, Ts: 1000}, c.Processing())
	assert.False(t, c.IsPending())
}

func TestCoordinator_StartProcessingWithoutPendingFails(t *testing.T) {
	c := NewCoordinator(nil)
	assert.False(t, c.StartProcessing(OpApprove))
}

func TestCoordinator_AnsweredNeverPending(t *testing.T) {
	c := NewCoordinator(nil)
	m := ask(1, "tool", "{}")
	m.IsAnswered = true
	assert.False(t, c.SetPending(m))
	assert.False(t, c.IsPending())
}

func TestCoordinator_ClearPendingResetsMatchingProcessing(t *testing.T) {
	c := NewCoordinator(nil)
	require.True(t, c.SetPending(ask(7, "tool", "{}")))
	require.True(t, c.StartProcessing(OpApprove))
	c.ClearPending()
	assert.False(t, c.Processing().Active)
	assert.True(t, c.SetPending(ask(8, "tool", "{}")))
}

func TestCoordinator_OptionsAndSelection(t *testing.T) {
	c := NewCoordinator(nil)
	assert.Empty(t, c.Options())

	c.SetPending(ask(1, "tool", `{"tool":"appliedDiff"}`))
	opts := c.Options()
	require.Len(t, opts, 2)
	assert.Equal(t, Option{Label: "Save", Action: OpApprove, Hotkey: "y"}, opts[0])
	assert.Equal(t, Option{Label: "Reject", Action: OpReject, Hotkey: "n"}, opts[1])

	c.SelectPrev()
	sel, ok := c.Selected()
	require.True(t, ok)
	assert.Equal(t, OpReject, sel.Action)
	c.SelectNext()
	sel, _ = c.Selected()
	assert.Equal(t, OpApprove, sel.Action)

	c.SetPending(ask(2, "command", "npm test"))
	assert.Equal(t, "Run Command", c.Options()[0].Label)
	c.SetPending(ask(3, "tool", "not json"))
	assert.Equal(t, "Approve", c.Options()[0].Label)
}

func TestDecide_Tools(t *testing.T) {
	p := cliconfig.AutoApproval{Enabled: true}
	p.Read.Enabled = true
	p.Write.Enabled = true

	read := ask(1, "tool", tool(t, map[string]any{"tool": "readFile"}))
	assert.Equal(t, ActionApprove, Decide(read, p, false).Action)

	outside := ask(1, "tool", tool(t, map[string]any{"tool": "readFile", "isOutsideWorkspace": true}))
	assert.Equal(t, ActionManual, Decide(outside, p, false).Action)
	p.Read.Outside = true
	assert.Equal(t, ActionApprove, Decide(outside, p, false).Action)

	protected := ask(1, "tool", tool(t, map[string]any{"tool": "editedExistingFile", "isProtected": true}))
	assert.Equal(t, ActionManual, Decide(protected, p, false).Action)
	p.Write.Protected = true
	assert.Equal(t, ActionApprove, Decide(protected, p, false).Action)

	mcp := ask(1, "tool", tool(t, map[string]any{"tool": "access_mcp_resource"}))
	assert.Equal(t, ActionManual, Decide(mcp, p, false).Action)
	p.MCP.Enabled = true
	assert.Equal(t, ActionApprove, Decide(mcp, p, false).Action)

	assert.Equal(t, ActionManual, Decide(ask(1, "tool", "invalid json"), p, false).Action)
	assert.Equal(t, ActionManual, Decide(ask(1, "unknown_type", "x"), p, false).Action)

	p.Enabled = false
	assert.Equal(t, ActionManual, Decide(read, p, false).Action)
}

func TestDecide_ModeSubtasksTodo(t *testing.T) {
	p := cliconfig.AutoApproval{Enabled: true}
	p.Mode.Enabled = true
	p.Subtasks.Enabled = true
	for _, name := range []string{"switchMode", "newTask"} {
		assert.Equal(t, ActionApprove, Decide(ask(1, "tool", tool(t, map[string]any{"tool": name})), p, false).Action, name)
	}
	assert.Equal(t, ActionManual, Decide(ask(1, "tool", `{"tool":"updateTodoList"}`), p, false).Action)
}

func TestDecide_Commands(t *testing.T) {
	p := cliconfig.AutoApproval{Enabled: true}
	p.Execute.Enabled = true

	cases := []struct {
		name    string
		allowed []string
		denied  []string
		cmd     string
		want    Action
	}{
		{"empty allow list", nil, nil, "npm install", ActionManual},
		{"allowed prefix", []string{"npm", "git"}, nil, "npm install", ActionApprove},
		{"not allowed", []string{"npm"}, nil, "rm -rf /", ActionManual},
		{"denied", []string{"npm"}, []string{"npm publish"}, "npm publish", ActionManual},
		{"longer allow wins", []string{"git push --dry-run"}, []string{"git push"}, "git push --dry-run origin", ActionApprove},
		{"tie goes to denied", []string{"git"}, []string{"git"}, "git status", ActionManual},
		{"wildcard", []string{"*"}, nil, "anything", ActionApprove},
		{"denied beats wildcard", []string{"*"}, []string{"rm"}, "rm file", ActionManual},
		{"every chained part must pass", []string{"npm"}, nil, "npm test && rm -rf dist", ActionManual},
		{"chained parts all allowed", []string{"npm", "git"}, nil, "npm test && git status", ActionApprove},
	}
	for _, tc := range cases {
		p.Execute.Allowed = tc.allowed
		p.Execute.Denied = tc.denied
		assert.Equal(t, tc.want, Decide(ask(1, "command", tc.cmd), p, false).Action, tc.name)
	}
}

func TestDecide_QuestionRetryAndCompletion(t *testing.T) {
	p := cliconfig.AutoApproval{Enabled: true}
	p.Question = cliconfig.QuestionPolicy{Enabled: true, Timeout: 60}
	p.Retry = cliconfig.RetryPolicy{Enabled: true, Delay: 10}

	d := Decide(ask(1, "followup", `{"question":"which?","suggest":[{"answer":"first"},{"answer":"second"}]}`), p, false)
	assert.Equal(t, Decision{Action: ActionApprove, Delay: time.Minute, Text: "first"}, d)

	d = Decide(ask(1, "api_req_failed", "boom"), p, false)
	assert.Equal(t, Decision{Action: ActionApprove, Delay: 10 * time.Second}, d)

	assert.Equal(t, ActionManual, Decide(ask(1, "completion_result", "done"), p, false).Action)
	assert.Equal(t, ActionManual, Decide(ask(1, "completion_result", "done"), p, true).Action)
}

func TestDecide_CIMode(t *testing.T) {
	p := cliconfig.AutoApproval{Enabled: true}
	read := ask(1, "tool", `{"tool":"readFile"}`)
	assert.Equal(t, ActionReject, Decide(read, p, true).Action)

	p.Read.Enabled = true
	assert.Equal(t, ActionApprove, Decide(read, p, true).Action)

	d := Decide(ask(1, "followup", `{"question":"?"}`), cliconfig.AutoApproval{}, true)
	assert.Equal(t, Decision{Action: ActionApprove, Text: CINotice}, d)

	p.Retry = cliconfig.RetryPolicy{Enabled: true, Delay: 30}
	assert.Zero(t, Decide(ask(1, "api_req_failed", ""), p, true).Delay)
}

type fakeState struct {
	mu      sync.Mutex
	msgs    []protocol.ChatMessage
	changed chan struct{}
}

func newFakeState() *fakeState { return &fakeState{changed: make(chan struct{}, 1)} }

func (f *fakeState) set(msgs ...protocol.ChatMessage) {
	f.mu.Lock()
	f.msgs = msgs
	f.mu.Unlock()
	select {
	case f.changed <- struct{}{}:
	default:
	}
}

func (f *fakeState) Changed() <-chan struct{} { return f.changed }

func (f *fakeState) Messages() []protocol.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ChatMessage(nil), f.msgs...)
}

type fakeRequester struct {
	mu    sync.Mutex
	sent  []protocol.WebviewMessage
	err   error
	block chan struct{}
}

func (f *fakeRequester) SendRequest(ctx context.Context, ch protocol.Channel, payload any, _ time.Duration) (protocol.Envelope, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return protocol.Envelope{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch != protocol.ChannelExtension {
		return protocol.Envelope{}, errors.New("wrong channel")
	}
	f.sent = append(f.sent, payload.(protocol.WebviewMessage))
	return protocol.Envelope{}, f.err
}

func (f *fakeRequester) messages() []protocol.WebviewMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.WebviewMessage(nil), f.sent...)
}

func startEffect(t *testing.T, opts EffectOptions) (*Effect, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e := NewEffect(opts)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e, cancel
}

func TestEffect_AutoApprovesOncePerAsk(t *testing.T) {
	state := newFakeState()
	req := &fakeRequester{}
	policy := cliconfig.AutoApproval{Enabled: true}
	policy.Read.Enabled = true
	e, _ := startEffect(t, EffectOptions{
		State:  state,
		Bridge: req,
		Policy: func() cliconfig.AutoApproval { return policy },
	})

	m := ask(10, "tool", `{"tool":"readFile"}`)
	state.set(m)
	require.Eventually(t, func() bool { return len(req.messages()) == 1 }, time.Second, 5*time.Millisecond)

	state.set(m)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, req.messages(), 1)
	sent := req.messages()[0]
	assert.Equal(t, protocol.WebviewAskResponse, sent.Type)
	assert.Equal(t, protocol.AskYes, sent.AskResponse)
	assert.False(t, e.Coordinator().Processing().Active)
}

func TestEffect_ManualAskWaitsForRespond(t *testing.T) {
	state := newFakeState()
	req := &fakeRequester{}
	e, _ := startEffect(t, EffectOptions{State: state, Bridge: req})

	state.set(protocol.ChatMessage{Ts: 1, Type: "say", Say: "text"}, ask(2, "command", "rm -rf /"))
	require.Eventually(t, e.Coordinator().IsPending, time.Second, 5*time.Millisecond)
	assert.Empty(t, req.messages())

	require.NoError(t, e.Respond(context.Background(), OpReject, ""))
	assert.Equal(t, protocol.AskNo, req.messages()[0].AskResponse)
	assert.ErrorIs(t, e.Respond(context.Background(), OpApprove, ""), ErrNotPending)
}

func TestEffect_AnsweredAskClearsPending(t *testing.T) {
	state := newFakeState()
	e, _ := startEffect(t, EffectOptions{State: state, Bridge: &fakeRequester{}})

	state.set(ask(3, "command", "ls"))
	require.Eventually(t, e.Coordinator().IsPending, time.Second, 5*time.Millisecond)

	answered := ask(3, "command", "ls")
	answered.IsAnswered = true
	state.set(answered)
	require.Eventually(t, func() bool { return !e.Coordinator().IsPending() }, time.Second, 5*time.Millisecond)
}

func TestEffect_ManualAndAutoRaceSendOnce(t *testing.T) {
	state := newFakeState()
	req := &fakeRequester{block: make(chan struct{})}
	policy := cliconfig.AutoApproval{Enabled: true}
	policy.Execute = cliconfig.ExecutePolicy{Enabled: true, Allowed: []string{"*"}}
	e, _ := startEffect(t, EffectOptions{
		State:  state,
		Bridge: req,
		Policy: func() cliconfig.AutoApproval { return policy },
	})

	state.set(ask(5, "command", "make"))
	require.Eventually(t, func() bool { return e.Coordinator().Processing().Active }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, e.Respond(context.Background(), OpReject, ""), ErrNotPending)
	close(req.block)
	require.Eventually(t, func() bool { return len(req.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.AskYes, req.messages()[0].AskResponse)
}

func TestEffect_FailedSendStillCompletes(t *testing.T) {
	state := newFakeState()
	req := &fakeRequester{err: errors.New("timeout")}
	e, _ := startEffect(t, EffectOptions{State: state, Bridge: req})

	state.set(ask(4, "tool", `{"tool":"readFile"}`))
	require.Eventually(t, e.Coordinator().IsPending, time.Second, 5*time.Millisecond)
	err := e.Respond(context.Background(), OpApprove, "")
	require.Error(t, err)
	assert.False(t, e.Coordinator().Processing().Active)
	_, ok := e.Coordinator().Pending()
	assert.False(t, ok)
}

func TestEffect_CIFollowupAnswersWithNotice(t *testing.T) {
	state := newFakeState()
	req := &fakeRequester{}
	startEffect(t, EffectOptions{State: state, Bridge: req, CIMode: true})

	state.set(ask(9, "followup", `{"question":"which file?"}`))
	require.Eventually(t, func() bool { return len(req.messages()) == 1 }, time.Second, 5*time.Millisecond)
	sent := req.messages()[0]
	assert.Equal(t, protocol.AskMessage, sent.AskResponse)
	assert.Equal(t, CINotice, sent.Text)
}

func TestEffect_DelayedApprovalSkippedWhenSuperseded(t *testing.T) {
	state := newFakeState()
	req := &fakeRequester{}
	policy := cliconfig.AutoApproval{Enabled: true}
	policy.Retry = cliconfig.RetryPolicy{Enabled: true, Delay: 1}
	e, _ := startEffect(t, EffectOptions{
		State:  state,
		Bridge: req,
		Policy: func() cliconfig.AutoApproval { return policy },
	})

	state.set(ask(20, "api_req_failed", "boom"))
	require.Eventually(t, e.Coordinator().IsPending, time.Second, 5*time.Millisecond)
	e.Coordinator().ClearPending()

	time.Sleep(1200 * time.Millisecond)
	assert.Empty(t, req.messages())
}
