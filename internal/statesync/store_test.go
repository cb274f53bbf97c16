package statesync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostbridge/cli/internal/protocol"
)

func say(ts int64, subtype, text string, partial bool) protocol.ChatMessage {
	return protocol.ChatMessage{Ts: ts, Type: "say", Say: subtype, Text: text, Partial: partial}
}

func updated(m protocol.ChatMessage) protocol.ExtensionMessage {
	return protocol.ExtensionMessage{Type: protocol.ExtMessageUpdated, ClineMessage: &m}
}

func snapshot(msgs ...protocol.ChatMessage) protocol.ExtensionMessage {
	return protocol.ExtensionMessage{Type: protocol.ExtState, State: &protocol.ExtensionState{ClineMessages: msgs}}
}

func readyStore(t *testing.T) *Store {
	t.Helper()
	s := New(Options{})
	s.Ready()
	return s
}

func TestDispatch_BuffersUntilReady(t *testing.T) {
	s := New(Options{})
	s.Dispatch(snapshot(say(1, "text", "a", false)))
	s.Dispatch(updated(say(2, "text", "b", false)))

	assert.False(t, s.IsReady())
	assert.Equal(t, 2, s.Buffered())
	assert.Empty(t, s.Messages())

	s.Ready()
	require.True(t, s.IsReady())
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].Ts)
	assert.Equal(t, int64(2), msgs[1].Ts)
	assert.Zero(t, s.Buffered())
}

func TestDispatch_BufferDropsOldestWhenFull(t *testing.T) {
	s := New(Options{BufferSize: 2})
	s.Dispatch(updated(say(1, "text", "a", false)))
	s.Dispatch(updated(say(2, "text", "b", false)))
	s.Dispatch(updated(say(3, "text", "c", false)))
	assert.Equal(t, 1, s.Dropped())

	s.Ready()
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(2), msgs[0].Ts)
	assert.Equal(t, int64(3), msgs[1].Ts)
}

func TestReady_EventsDuringReplayQueueBehindBuffer(t *testing.T) {
	s := New(Options{})
	s.Dispatch(updated(say(1, "text", "a", false)))
	s.Dispatch(updated(say(2, "text", "b", false)))

	injected := false
	s.afterReplayStep = func() {
		if injected {
			return
		}
		injected = true
		assert.False(t, s.IsReady())
		s.Dispatch(updated(say(3, "text", "c", false)))
	}
	s.Ready()

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	for i, ts := range []int64{1, 2, 3} {
		assert.Equal(t, ts, msgs[i].Ts)
	}
	assert.True(t, s.IsReady())
}

func TestMessageUpdated_ReplacesSameTs(t *testing.T) {
	s := readyStore(t)
	s.Dispatch(updated(say(5, "text", "he", true)))
	s.Dispatch(updated(say(5, "text", "hello", false)))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.False(t, msgs[0].Partial)
}

func TestMessageUpdated_AmendsPartialOfSameSubtype(t *testing.T) {
	s := readyStore(t)
	s.Dispatch(updated(say(1000, "text", "par", true)))
	s.Dispatch(updated(say(1001, "text", "partial done", false)))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1001), msgs[0].Ts)
	assert.Equal(t, "partial done", msgs[0].Text)
	assert.Zero(t, s.Deferred())
}

func TestMessageUpdated_DefersDifferentSubtypeWhilePartial(t *testing.T) {
	s := readyStore(t)
	s.Dispatch(updated(say(1000, "text", "par", true)))
	s.Dispatch(updated(say(1001, "reasoning", "thinking", false)))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1000), msgs[0].Ts)
	assert.Equal(t, 1, s.Deferred())

	s.Dispatch(snapshot(say(1000, "text", "partial", false), say(1001, "reasoning", "thinking", false)))
	assert.Len(t, s.Messages(), 2)
	assert.Zero(t, s.Deferred())
}

func TestMessageUpdated_AppendsAfterCompleteMessage(t *testing.T) {
	s := readyStore(t)
	s.Dispatch(updated(say(1, "text", "a", false)))
	s.Dispatch(updated(say(2, "reasoning", "b", false)))
	assert.Len(t, s.Messages(), 2)
}

func TestSnapshot_KeepsLongerStreamingPartial(t *testing.T) {
	s := readyStore(t)
	s.Dispatch(updated(say(10, "text", "streamed further", true)))
	s.Dispatch(snapshot(say(10, "text", "stream", true)))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "streamed further", msgs[0].Text)

	s.Dispatch(snapshot(say(10, "text", "final", false)))
	assert.Equal(t, "final", s.Messages()[0].Text)
}

func TestSnapshot_SortsDefaultsModeAndPreservesRouterModels(t *testing.T) {
	s := readyStore(t)
	s.Dispatch(protocol.ExtensionMessage{
		Type:         protocol.ExtRouterModels,
		RouterModels: map[string]json.RawMessage{"openrouter": json.RawMessage(`{"m":1}`)},
	})
	s.Dispatch(snapshot(say(3, "text", "c", false), say(1, "text", "a", false)))

	st := s.State()
	assert.Equal(t, "code", st.Mode)
	require.Len(t, st.ClineMessages, 2)
	assert.Equal(t, int64(1), st.ClineMessages[0].Ts)
	assert.JSONEq(t, `{"m":1}`, string(st.RouterModels["openrouter"]))
}

func TestState_ReturnsDeepCopy(t *testing.T) {
	s := readyStore(t)
	s.Dispatch(updated(say(1, "text", "a", false)))
	st := s.State()
	st.ClineMessages[0].Text = "mutated"
	assert.Equal(t, "a", s.Messages()[0].Text)
}

func TestSideChannels(t *testing.T) {
	s := readyStore(t)
	s.Dispatch(protocol.ExtensionMessage{Type: protocol.ExtProfileData, Payload: json.RawMessage(`{"user":"u"}`)})
	s.Dispatch(protocol.ExtensionMessage{Type: protocol.ExtBalanceData, Payload: json.RawMessage(`{"balance":3}`)})
	s.Dispatch(protocol.ExtensionMessage{Type: protocol.ExtHostError, Text: "activation failed"})

	assert.JSONEq(t, `{"user":"u"}`, string(s.Profile()))
	assert.JSONEq(t, `{"balance":3}`, string(s.Balance()))
	assert.Equal(t, "activation failed", s.LastError())
}

func TestCompletion_ClosedOnceForFinishedCompletionAsk(t *testing.T) {
	s := readyStore(t)
	done := protocol.ChatMessage{Ts: 2, Type: "ask", Ask: "completion_result", Text: "ok"}

	partial := done
	partial.Partial = true
	s.Dispatch(snapshot(say(1, "text", "a", false), partial))
	select {
	case <-s.Completion():
		t.Fatal("partial completion must not signal")
	default:
	}

	s.Dispatch(snapshot(say(1, "text", "a", false), done))
	s.Dispatch(snapshot(say(1, "text", "a", false), done))
	select {
	case <-s.Completion():
	case <-time.After(time.Second):
		t.Fatal("completion not signalled")
	}
}

func TestChanged_Coalesces(t *testing.T) {
	s := readyStore(t)
	<-s.Changed()
	s.Dispatch(updated(say(1, "text", "a", false)))
	s.Dispatch(updated(say(2, "text", "b", false)))

	<-s.Changed()
	select {
	case <-s.Changed():
		t.Fatal("expected a single coalesced signal")
	default:
	}
}

func TestRun_DecodesEvents(t *testing.T) {
	s := readyStore(t)
	in := make(chan protocol.Envelope, 3)
	payload, err := json.Marshal(updated(say(1, "text", "a", false)))
	require.NoError(t, err)
	in <- protocol.Envelope{Kind: protocol.KindResponse, Payload: payload}
	in <- protocol.Envelope{Kind: protocol.KindEvent, Payload: json.RawMessage(`not json`)}
	in <- protocol.Envelope{Kind: protocol.KindEvent, Payload: payload}
	close(in)

	require.NoError(t, s.Run(context.Background(), in))
	assert.Len(t, s.Messages(), 1)
}

type recordingResponder struct {
	calls []string
}

func (r *recordingResponder) RespondError(ch protocol.Channel, id, code, _ string) bool {
	r.calls = append(r.calls, string(ch)+"|"+id+"|"+code)
	return true
}

func TestRun_RejectsRequestsOnTUIChannel(t *testing.T) {
	resp := &recordingResponder{}
	s := New(Options{Responder: resp})
	s.Ready()
	in := make(chan protocol.Envelope, 2)
	in <- protocol.Envelope{Channel: protocol.ChannelTUI, Kind: protocol.KindRequest, ID: "req_7", Payload: json.RawMessage(`{}`)}
	in <- protocol.Envelope{Channel: protocol.ChannelTUI, Kind: protocol.KindResponse, CorrelationID: "req_1"}
	close(in)

	require.NoError(t, s.Run(context.Background(), in))
	assert.Equal(t, []string{string(protocol.ChannelExtension) + "|req_7|" + protocol.CodeBadPayload}, resp.calls)
	assert.Empty(t, s.Messages())
}
