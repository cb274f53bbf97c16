// Package remote carries bridge envelopes over a websocket so a UI can attach
// to a headless host.
package remote

import (
	"context"
	"io"
	"sync"

	"github.com/coder/websocket"
)

const readLimitBytes int64 = 1 << 20 // 1 MiB

// Socket is one text-frame connection.
type Socket interface {
	ReadText(ctx context.Context) (string, error)
	WriteText(ctx context.Context, text string) error
	Close() error
}

// Dial connects to a remote host's /ws endpoint.
func Dial(ctx context.Context, url string) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimitBytes)
	return &wsSocket{conn: conn}, nil
}

type wsSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsSocket) ReadText(ctx context.Context) (string, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return "", io.EOF
		}
		return "", err
	}
	return string(data), nil
}

func (s *wsSocket) WriteText(ctx context.Context, text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, []byte(text))
}

func (s *wsSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// FakeSocket is an in-memory Socket for tests. Inbound text is queued with
// EmitText; written text is readable from Written.
type FakeSocket struct {
	readCh    chan string
	written   chan string
	closeOnce sync.Once
}

func NewFakeSocket() *FakeSocket {
	return &FakeSocket{readCh: make(chan string, 8), written: make(chan string, 64)}
}

func (f *FakeSocket) EmitText(text string) {
	f.readCh <- text
}

func (f *FakeSocket) Written() <-chan string { return f.written }

func (f *FakeSocket) ReadText(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case text, ok := <-f.readCh:
		if !ok {
			return "", io.EOF
		}
		return text, nil
	}
}

func (f *FakeSocket) WriteText(ctx context.Context, text string) error {
	select {
	case f.written <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FakeSocket) Close() error {
	f.closeOnce.Do(func() { close(f.readCh) })
	return nil
}
