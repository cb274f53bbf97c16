package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hostbridge/cli/internal/bridge"
	"hostbridge/cli/internal/protocol"

	"github.com/coder/websocket"
)

// fakeExtension answers every extension request and records events.
func fakeExtension(ctx context.Context, b *bridge.Bridge, events chan<- protocol.Envelope) {
	in := b.Listen(protocol.ChannelExtension)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			switch env.Kind {
			case protocol.KindRequest:
				if protocol.PayloadType(env.Payload) == "cancelTask" {
					b.RespondError(protocol.ChannelTUI, env.ID, protocol.CodeNotActive, "extension not active")
					continue
				}
				b.Respond(protocol.ChannelTUI, env.ID, map[string]any{"ok": true})
			case protocol.KindEvent:
				events <- env
			}
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + Path
}

func waitConnected(t *testing.T, s *Server) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !s.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_RoundTripOverWebsocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bridge.New(bridge.Options{DefaultTimeout: time.Second})
	defer b.Close()
	events := make(chan protocol.Envelope, 4)
	go fakeExtension(ctx, b, events)

	s := NewServer(Options{Bridge: b})
	go func() { _ = s.Run(ctx, b.Listen(protocol.ChannelTUI)) }()
	httpSrv := httptest.NewServer(s.Handler())
	defer httpSrv.Close()

	sock, err := Dial(ctx, wsURL(httpSrv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client := NewClient(sock, nil)
	got := make(chan protocol.Envelope, 4)
	client.OnEvent(func(env protocol.Envelope) { got <- env })
	go func() { _ = client.Run(ctx) }()
	defer client.Close()
	waitConnected(t, s)

	resp, err := client.Request(ctx, protocol.WebviewMessage{Type: protocol.WebviewNewTask, Text: "hi"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(resp.Payload) != `{"ok":true}` {
		t.Fatalf("unexpected payload: %s", resp.Payload)
	}

	_, err = client.Request(ctx, protocol.WebviewMessage{Type: protocol.WebviewCancelTask})
	var payloadErr *protocol.ErrPayload
	if !errors.As(err, &payloadErr) || payloadErr.Code != protocol.CodeNotActive {
		t.Fatalf("expected NOT_ACTIVE error payload, got %v", err)
	}

	if err := client.SendEvent(ctx, protocol.WebviewMessage{Type: protocol.WebviewDidLaunch}); err != nil {
		t.Fatalf("send event: %v", err)
	}
	select {
	case env := <-events:
		if protocol.PayloadType(env.Payload) != protocol.WebviewDidLaunch {
			t.Fatalf("unexpected event: %s", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event never reached the extension channel")
	}

	if err := b.SendEvent(protocol.ChannelTUI, protocol.ExtensionMessage{Type: protocol.ExtState}); err != nil {
		t.Fatalf("send tui event: %v", err)
	}
	select {
	case env := <-got:
		if env.Channel != protocol.ChannelTUI || protocol.PayloadType(env.Payload) != protocol.ExtState {
			t.Fatalf("unexpected tui frame: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("tui event never reached the client")
	}
}

func TestServer_SecondClientGetsConflict(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bridge.New(bridge.Options{})
	defer b.Close()
	s := NewServer(Options{Bridge: b})
	httpSrv := httptest.NewServer(s.Handler())
	defer httpSrv.Close()

	first, err := Dial(ctx, wsURL(httpSrv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	waitConnected(t, s)

	_, resp, err := websocket.Dial(ctx, wsURL(httpSrv), nil)
	if err == nil {
		t.Fatal("second dial should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %+v", resp)
	}
}

func TestServer_AttachFakeSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bridge.New(bridge.Options{DefaultTimeout: time.Second})
	defer b.Close()
	go fakeExtension(ctx, b, make(chan protocol.Envelope, 1))
	s := NewServer(Options{Bridge: b})

	fake := NewFakeSocket()
	done := make(chan error, 1)
	go func() { done <- s.Attach(ctx, fake) }()

	fake.EmitText(`not a frame`)
	fake.EmitText(`{"channel":"extension","kind":"request","id":"r1","payload":{"type":"newTask"}}`)
	select {
	case text := <-fake.Written():
		var env protocol.Envelope
		if err := json.Unmarshal([]byte(text), &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Kind != protocol.KindResponse || env.CorrelationID != "r1" || env.Error != nil {
			t.Fatalf("unexpected response: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("no response written")
	}

	if err := s.Attach(ctx, NewFakeSocket()); err == nil {
		t.Fatal("second attach should fail")
	}

	_ = fake.Close()
	if err := <-done; err != nil {
		t.Fatalf("attach returned %v", err)
	}
	if s.Connected() {
		t.Fatal("client should be detached")
	}
}

func TestClient_RunFailsPendingOnClose(t *testing.T) {
	fake := NewFakeSocket()
	c := NewClient(fake, nil)
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(context.Background()) }()

	reqDone := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), protocol.WebviewMessage{Type: protocol.WebviewNewTask})
		reqDone <- err
	}()
	<-fake.Written()
	fake.EmitText(`{"channel":"tui","kind":"response","correlationId":"unknown","payload":{}}`)
	_ = fake.Close()

	if err := <-runDone; err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := <-reqDone; !errors.Is(err, bridge.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := c.Request(context.Background(), protocol.WebviewMessage{Type: protocol.WebviewNewTask}); !errors.Is(err, bridge.ErrClosed) {
		t.Fatalf("expected ErrClosed after run, got %v", err)
	}
}
