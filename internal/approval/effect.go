package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hostbridge/cli/internal/cliconfig"
	"hostbridge/cli/internal/logging"
	"hostbridge/cli/internal/protocol"
)

var ErrNotPending = errors.New("approval: no ask waiting for an answer")

// Requester sends askResponse requests to the extension.
type Requester interface {
	SendRequest(ctx context.Context, ch protocol.Channel, payload any, timeout time.Duration) (protocol.Envelope, error)
}

// StateSource is the mirrored chat state the effect watches.
type StateSource interface {
	Changed() <-chan struct{}
	Messages() []protocol.ChatMessage
}

type EffectOptions struct {
	Coordinator *Coordinator
	State       StateSource
	Bridge      Requester
	// Policy is read at decision time so config reloads apply to later asks.
	Policy  func() cliconfig.AutoApproval
	CIMode  bool
	Timeout time.Duration
	Logger  *slog.Logger
}

// Effect turns asks at the tail of the mirrored chat into pending approvals
// and answers the ones the policy decides automatically.
type Effect struct {
	coord   *Coordinator
	state   StateSource
	bridge  Requester
	policy  func() cliconfig.AutoApproval
	ciMode  bool
	timeout time.Duration
	logger  *slog.Logger

	poke chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	lastTs  int64
	handled map[int64]bool
}

func NewEffect(opts EffectOptions) *Effect {
	coord := opts.Coordinator
	if coord == nil {
		coord = NewCoordinator(opts.Logger)
	}
	policy := opts.Policy
	if policy == nil {
		policy = func() cliconfig.AutoApproval { return cliconfig.AutoApproval{} }
	}
	return &Effect{
		coord:   coord,
		state:   opts.State,
		bridge:  opts.Bridge,
		policy:  policy,
		ciMode:  opts.CIMode,
		timeout: opts.Timeout,
		logger:  logging.OrDiscard(opts.Logger),
		poke:    make(chan struct{}, 1),
		handled: map[int64]bool{},
	}
}

func (e *Effect) Coordinator() *Coordinator { return e.coord }

// Run evaluates the chat tail on every state change until ctx ends. It
// waits for in-flight answers before returning.
func (e *Effect) Run(ctx context.Context) error {
	defer e.wg.Wait()
	e.evaluate(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.state.Changed():
		case <-e.poke:
		}
		e.evaluate(ctx)
	}
}

func (e *Effect) wake() {
	select {
	case e.poke <- struct{}{}:
	default:
	}
}

func (e *Effect) evaluate(ctx context.Context) {
	msgs := e.state.Messages()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Type != "ask" {
		return
	}
	if last.IsAnswered {
		e.coord.ClearPending()
		return
	}
	if last.Partial {
		return
	}

	e.mu.Lock()
	seen := e.lastTs == last.Ts
	e.mu.Unlock()
	if seen {
		return
	}
	if p := e.coord.Processing(); p.Active {
		return
	}
	if pending, ok := e.coord.Pending(); !ok || pending.Ts != last.Ts {
		if !e.coord.SetPending(last) {
			return
		}
	}

	e.mu.Lock()
	e.lastTs = last.Ts
	first := !e.handled[last.Ts]
	e.handled[last.Ts] = true
	e.mu.Unlock()
	if !first {
		return
	}

	d := Decide(last, e.policy(), e.ciMode)
	switch d.Action {
	case ActionApprove:
		e.logger.Info("auto-approving ask", "ask", last.Ask, "ts", last.Ts, "delay", d.Delay, "ci", e.ciMode)
		e.spawn(func() { e.autoAnswer(ctx, last.Ts, OpApprove, d) })
	case ActionReject:
		e.logger.Info("auto-rejecting ask", "ask", last.Ask, "ts", last.Ts, "ci", e.ciMode)
		e.spawn(func() { e.autoAnswer(ctx, last.Ts, OpReject, d) })
	default:
		e.logger.Debug("ask waiting for user", "ask", last.Ask, "ts", last.Ts)
	}
}

func (e *Effect) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Effect) autoAnswer(ctx context.Context, ts int64, op Op, d Decision) {
	if d.Delay > 0 {
		timer := time.NewTimer(d.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		pending, ok := e.coord.Pending()
		if !ok || pending.Ts != ts || pending.IsAnswered {
			e.logger.Debug("delayed answer skipped, ask no longer pending", "ts", ts)
			return
		}
	}
	if err := e.Respond(ctx, op, d.Text); err != nil && !errors.Is(err, ErrNotPending) {
		e.logger.Error("auto answer failed", "op", op, "ts", ts, "err", err)
	}
}

// Respond answers the pending ask. Automatic and manual answers pass the
// same StartProcessing gate, so only one of them is ever sent.
func (e *Effect) Respond(ctx context.Context, op Op, text string) error {
	pending, ok := e.coord.claim(op)
	if !ok {
		return ErrNotPending
	}
	defer e.wake()
	defer e.coord.Complete()

	msg := protocol.WebviewMessage{Type: protocol.WebviewAskResponse, Text: text}
	switch {
	case op == OpReject:
		msg.AskResponse = protocol.AskNo
	case pending.Ask == "followup" && text != "":
		msg.AskResponse = protocol.AskMessage
	default:
		msg.AskResponse = protocol.AskYes
	}
	if _, err := e.bridge.SendRequest(ctx, protocol.ChannelExtension, msg, e.timeout); err != nil {
		return fmt.Errorf("approval: %s ask %d: %w", op, pending.Ts, err)
	}
	e.logger.Debug("ask answered", "op", op, "ts", pending.Ts, "response", msg.AskResponse)
	return nil
}
