// Package bridge carries requests, responses and events between the UI side
// ("tui") and the extension side ("extension") of the host.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"hostbridge/cli/internal/logging"
	"hostbridge/cli/internal/mailbox"
	"hostbridge/cli/internal/protocol"

	"github.com/google/uuid"
)

const DefaultTimeout = 5 * time.Second

var (
	ErrTimeout   = errors.New("bridge: request timed out")
	ErrClosed    = errors.New("bridge: closed")
	ErrDuplicate = errors.New("bridge: request id already pending")
)

// Hook observes every envelope before it is delivered.
type Hook func(protocol.Envelope)

type Options struct {
	DefaultTimeout time.Duration
	Hook           Hook
	Logger         *slog.Logger
}

type pendingRequest struct {
	channel protocol.Channel
	reply   chan protocol.Envelope
}

type Bridge struct {
	defaultTimeout time.Duration
	hook           Hook
	logger         *slog.Logger
	mailboxes      map[protocol.Channel]*mailbox.Queue[protocol.Envelope]

	mu      sync.Mutex
	closed  bool
	pending map[string]*pendingRequest
}

func New(opts Options) *Bridge {
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{
		defaultTimeout: timeout,
		hook:           opts.Hook,
		logger:         logging.OrDiscard(opts.Logger),
		mailboxes: map[protocol.Channel]*mailbox.Queue[protocol.Envelope]{
			protocol.ChannelTUI:       mailbox.New[protocol.Envelope](),
			protocol.ChannelExtension: mailbox.New[protocol.Envelope](),
		},
		pending: map[string]*pendingRequest{},
	}
}

// Listen returns the ordered stream of requests and events addressed to ch.
// Each channel has a single consumer; envelopes sent before anyone listens
// are held until read.
func (b *Bridge) Listen(ch protocol.Channel) <-chan protocol.Envelope {
	mb, ok := b.mailboxes[ch]
	if !ok {
		closed := make(chan protocol.Envelope)
		close(closed)
		return closed
	}
	return mb.Out()
}

func (b *Bridge) observe(env protocol.Envelope) {
	if b.hook != nil {
		b.hook(env)
	}
}

func (b *Bridge) deliver(env protocol.Envelope) error {
	mb, ok := b.mailboxes[env.Channel]
	if !ok {
		return fmt.Errorf("bridge: unknown channel %q", env.Channel)
	}
	b.observe(env)
	if !mb.Push(env) {
		return ErrClosed
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

// SendRequest sends payload as a request on ch and waits for the matching
// response on ch.Other(). A timeout <= 0 uses the bridge default. An error
// response is returned as *protocol.ErrPayload alongside the envelope.
func (b *Bridge) SendRequest(ctx context.Context, ch protocol.Channel, payload any, timeout time.Duration) (protocol.Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("bridge: encode request: %w", err)
	}
	return b.request(ctx, protocol.Envelope{
		Channel: ch,
		Kind:    protocol.KindRequest,
		ID:      uuid.NewString(),
		Payload: raw,
	}, timeout)
}

// Forward sends a request that already carries an id, as received from a
// remote client.
func (b *Bridge) Forward(ctx context.Context, env protocol.Envelope, timeout time.Duration) (protocol.Envelope, error) {
	if env.Kind != protocol.KindRequest || strings.TrimSpace(env.ID) == "" {
		return protocol.Envelope{}, errors.New("bridge: forward needs a request with an id")
	}
	env.CorrelationID = ""
	env.Error = nil
	return b.request(ctx, env, timeout)
}

func (b *Bridge) request(ctx context.Context, env protocol.Envelope, timeout time.Duration) (protocol.Envelope, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	p := &pendingRequest{channel: env.Channel, reply: make(chan protocol.Envelope, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return protocol.Envelope{}, ErrClosed
	}
	if _, exists := b.pending[env.ID]; exists {
		b.mu.Unlock()
		return protocol.Envelope{}, fmt.Errorf("%w: %s", ErrDuplicate, env.ID)
	}
	b.pending[env.ID] = p
	b.mu.Unlock()
	defer b.forget(env.ID, p)

	if err := b.deliver(env); err != nil {
		return protocol.Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-p.reply:
		if !ok {
			return protocol.Envelope{}, ErrClosed
		}
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-timer.C:
		b.logger.Warn("bridge request timed out",
			"channel", env.Channel, "id", env.ID,
			"type", protocol.PayloadType(env.Payload), "timeout_ms", timeout.Milliseconds())
		return protocol.Envelope{}, fmt.Errorf("%w after %s (id %s)", ErrTimeout, timeout, env.ID)
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (b *Bridge) forget(id string, p *pendingRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.pending[id]; ok && cur == p {
		delete(b.pending, id)
	}
}

// Respond answers request id. ch is the channel the response travels on,
// which is the other side of the one the request was sent on. Answering an
// unknown or already answered id is a logged no-op.
func (b *Bridge) Respond(ch protocol.Channel, id string, payload any) bool {
	raw, err := encodePayload(payload)
	if err != nil {
		b.logger.Error("bridge response dropped: encode failed", "id", id, "err", err)
		return false
	}
	return b.resolve(protocol.Envelope{Channel: ch, Kind: protocol.KindResponse, CorrelationID: id, Payload: raw})
}

func (b *Bridge) RespondError(ch protocol.Channel, id, code, message string) bool {
	return b.resolve(protocol.Envelope{
		Channel:       ch,
		Kind:          protocol.KindResponse,
		CorrelationID: id,
		Error:         &protocol.ErrPayload{Code: code, Message: message},
	})
}

func (b *Bridge) resolve(env protocol.Envelope) bool {
	b.observe(env)
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[env.CorrelationID]
	if !ok || p.channel.Other() != env.Channel {
		b.logger.Debug("bridge response for unknown request dropped", "channel", env.Channel, "correlation_id", env.CorrelationID)
		return false
	}
	delete(b.pending, env.CorrelationID)
	p.reply <- env
	return true
}

// SendEvent delivers payload on ch without correlation.
func (b *Bridge) SendEvent(ch protocol.Channel, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("bridge: encode event: %w", err)
	}
	return b.deliver(protocol.Envelope{Channel: ch, Kind: protocol.KindEvent, Payload: raw})
}

// Pending is the number of requests awaiting a response.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close fails every waiting request with ErrClosed and closes both
// channels once their queued envelopes are consumed.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	waiters := b.pending
	b.pending = map[string]*pendingRequest{}
	for _, p := range waiters {
		close(p.reply)
	}
	b.mu.Unlock()
	for _, mb := range b.mailboxes {
		mb.Close()
	}
}
