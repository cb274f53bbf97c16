package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"hostbridge/cli/internal/bridge"
	"hostbridge/cli/internal/logging"
	"hostbridge/cli/internal/protocol"

	"github.com/google/uuid"
)

// Client is the UI end of a remote session. Requests go to the extension
// channel; responses and tui events come back.
type Client struct {
	sock   Socket
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope
	onEvent func(protocol.Envelope)
	done    bool
}

func NewClient(sock Socket, logger *slog.Logger) *Client {
	return &Client{
		sock:    sock,
		logger:  logging.OrDiscard(logger),
		pending: map[string]chan protocol.Envelope{},
	}
}

// OnEvent sets the handler for tui events. Call it before Run.
func (c *Client) OnEvent(fn func(protocol.Envelope)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// Run reads frames until the socket closes or ctx ends. Pending requests
// fail with bridge.ErrClosed when it returns.
func (c *Client) Run(ctx context.Context) error {
	defer c.failPending()
	for {
		text, err := c.sock.ReadText(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		env, err := protocol.DecodeFrame([]byte(text))
		if err != nil {
			c.logger.Warn("remote frame rejected", "err", err)
			continue
		}
		switch env.Kind {
		case protocol.KindResponse:
			c.resolve(env)
		case protocol.KindEvent:
			c.mu.Lock()
			fn := c.onEvent
			c.mu.Unlock()
			if fn != nil {
				fn(env)
			}
		default:
			c.logger.Debug("remote frame ignored", "kind", env.Kind)
		}
	}
}

func (c *Client) resolve(env protocol.Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.CorrelationID]
	delete(c.pending, env.CorrelationID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("remote response for unknown request dropped", "correlation_id", env.CorrelationID)
		return
	}
	ch <- env
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) send(ctx context.Context, env protocol.Envelope) error {
	raw, err := protocol.EncodeFrame(env)
	if err != nil {
		return err
	}
	return c.sock.WriteText(ctx, string(raw))
}

// SendEvent sends a fire-and-forget webview message.
func (c *Client) SendEvent(ctx context.Context, msg protocol.WebviewMessage) error {
	return c.send(ctx, protocol.Envelope{
		Channel: protocol.ChannelExtension,
		Kind:    protocol.KindEvent,
		Payload: protocol.MustRaw(msg),
	})
}

// Request sends msg and waits for the host's response. An error response
// is returned as *protocol.ErrPayload.
func (c *Client) Request(ctx context.Context, msg protocol.WebviewMessage) (protocol.Envelope, error) {
	id := uuid.NewString()
	reply := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return protocol.Envelope{}, bridge.ErrClosed
	}
	c.pending[id] = reply
	c.mu.Unlock()

	env := protocol.Envelope{
		Channel: protocol.ChannelExtension,
		Kind:    protocol.KindRequest,
		ID:      id,
		Payload: protocol.MustRaw(msg),
	}
	if err := c.send(ctx, env); err != nil {
		c.forget(id)
		return protocol.Envelope{}, fmt.Errorf("remote: send %s: %w", msg.Type, err)
	}
	select {
	case resp, ok := <-reply:
		if !ok {
			return protocol.Envelope{}, bridge.ErrClosed
		}
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(id)
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) Close() error {
	return c.sock.Close()
}
