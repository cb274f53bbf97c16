// Package statesync keeps the UI's mirror of extension state. Events that
// arrive before the pipeline is ready are buffered and replayed in order.
package statesync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"hostbridge/cli/internal/logging"
	"hostbridge/cli/internal/protocol"
)

const DefaultBufferSize = 1000

type Options struct {
	BufferSize int
	Logger     *slog.Logger
	// Responder rejects requests that arrive on the tui channel, which only
	// carries events in local mode. Without one they are only logged.
	Responder Responder
}

type Responder interface {
	RespondError(ch protocol.Channel, id, code, message string) bool
}

type Store struct {
	logger     *slog.Logger
	bufferSize int
	responder  Responder

	mu        sync.Mutex
	ready     bool
	replaying bool
	buffer    []protocol.ExtensionMessage
	state     protocol.ExtensionState
	profile   json.RawMessage
	balance   json.RawMessage
	lastError string
	deferred  int
	dropped   int

	changed        chan struct{}
	completion     chan struct{}
	completionOnce sync.Once

	// afterReplayStep runs between replayed events; tests use it to inject
	// concurrent dispatches.
	afterReplayStep func()
}

func New(opts Options) *Store {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Store{
		logger:     logging.OrDiscard(opts.Logger),
		bufferSize: size,
		responder:  opts.Responder,
		state:      protocol.ExtensionState{Mode: "code"},
		changed:    make(chan struct{}, 1),
		completion: make(chan struct{}),
	}
}

// Dispatch applies msg, or buffers it while the store is not ready or is
// replaying earlier events.
func (s *Store) Dispatch(msg protocol.ExtensionMessage) {
	s.mu.Lock()
	if !s.ready || s.replaying {
		s.bufferLocked(msg)
		s.mu.Unlock()
		return
	}
	changed := s.applyLocked(msg)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Store) bufferLocked(msg protocol.ExtensionMessage) {
	if len(s.buffer) >= s.bufferSize {
		dropped := s.buffer[0]
		s.buffer[0] = protocol.ExtensionMessage{}
		s.buffer = s.buffer[1:]
		s.dropped++
		s.logger.Warn("state buffer full, dropping oldest event", "type", dropped.Type, "capacity", s.bufferSize)
	}
	s.buffer = append(s.buffer, msg)
}

// Ready drains the buffer in arrival order and switches to direct dispatch.
// Events dispatched during the drain queue behind the buffered ones.
func (s *Store) Ready() {
	s.mu.Lock()
	if s.ready {
		s.mu.Unlock()
		return
	}
	s.ready = true
	s.replaying = true
	s.mu.Unlock()

	replayed := 0
	for {
		s.mu.Lock()
		if len(s.buffer) == 0 {
			s.replaying = false
			s.buffer = nil
			s.mu.Unlock()
			break
		}
		msg := s.buffer[0]
		s.buffer[0] = protocol.ExtensionMessage{}
		s.buffer = s.buffer[1:]
		s.applyLocked(msg)
		s.mu.Unlock()
		replayed++
		if s.afterReplayStep != nil {
			s.afterReplayStep()
		}
	}
	s.logger.Debug("state buffer replayed", "events", replayed)
	s.notify()
}

func (s *Store) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && !s.replaying
}

func (s *Store) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Changed signals after one or more updates; bursts coalesce into one signal.
func (s *Store) Changed() <-chan struct{} { return s.changed }

// Completion is closed the first time a snapshot ends in a finished
// completion_result ask.
func (s *Store) Completion() <-chan struct{} { return s.completion }

func (s *Store) State() protocol.ExtensionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

func (s *Store) Messages() []protocol.ChatMessage {
	return s.State().ClineMessages
}

func (s *Store) Profile() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(json.RawMessage(nil), s.profile...)
}

func (s *Store) Balance() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(json.RawMessage(nil), s.balance...)
}

func (s *Store) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Deferred counts messageUpdated events left for the next snapshot to
// reconcile.
func (s *Store) Deferred() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deferred
}

func (s *Store) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *Store) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Store) applyLocked(msg protocol.ExtensionMessage) bool {
	switch msg.Type {
	case protocol.ExtState:
		if msg.State == nil {
			s.logger.Warn("state event without state")
			return false
		}
		s.applySnapshotLocked(*msg.State)
	case protocol.ExtMessageUpdated:
		if msg.ClineMessage == nil {
			return false
		}
		return s.applyMessageLocked(msg.ClineMessage.Clone())
	case protocol.ExtRouterModels:
		if s.state.RouterModels == nil {
			s.state.RouterModels = map[string]json.RawMessage{}
		}
		for k, v := range msg.RouterModels {
			s.state.RouterModels[k] = append(json.RawMessage(nil), v...)
		}
	case protocol.ExtProfileData:
		s.profile = append(json.RawMessage(nil), msg.Payload...)
	case protocol.ExtBalanceData:
		s.balance = append(json.RawMessage(nil), msg.Payload...)
	case protocol.ExtHostError:
		s.lastError = msg.Text
	default:
		s.logger.Debug("extension message ignored", "type", msg.Type)
		return false
	}
	return true
}

func (s *Store) applySnapshotLocked(next protocol.ExtensionState) {
	next = next.Clone()
	if next.Mode == "" {
		next.Mode = "code"
	}
	if next.RouterModels == nil {
		next.RouterModels = s.state.RouterModels
	}
	if len(s.state.ClineMessages) > 0 {
		current := make(map[int64]protocol.ChatMessage, len(s.state.ClineMessages))
		for _, m := range s.state.ClineMessages {
			current[m.Ts] = m
		}
		for i, m := range next.ClineMessages {
			if cur, ok := current[m.Ts]; ok && cur.Partial && m.Partial && cur.ContentLength() > m.ContentLength() {
				next.ClineMessages[i] = cur
			}
		}
	}
	sort.SliceStable(next.ClineMessages, func(i, j int) bool {
		return next.ClineMessages[i].Ts < next.ClineMessages[j].Ts
	})
	s.state = next
	s.deferred = 0
	s.checkCompletionLocked()
}

// applyMessageLocked updates an entry with the same ts in place, amends a
// still-partial last entry of the same stream, and otherwise appends. An
// update that would interrupt a different partial stream is deferred.
func (s *Store) applyMessageLocked(m protocol.ChatMessage) bool {
	msgs := s.state.ClineMessages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Ts == m.Ts {
			msgs[i] = m
			return true
		}
	}
	if n := len(msgs); n > 0 && msgs[n-1].Partial {
		last := msgs[n-1]
		if last.Type == m.Type && last.Subtype() == m.Subtype() {
			msgs[n-1] = m
			return true
		}
		s.deferred++
		s.logger.Debug("message update deferred to next snapshot",
			"ts", m.Ts, "subtype", m.Subtype(), "partial_ts", last.Ts, "partial_subtype", last.Subtype())
		return false
	}
	s.state.ClineMessages = append(msgs, m)
	return true
}

func (s *Store) checkCompletionLocked() {
	msgs := s.state.ClineMessages
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Type == "ask" && last.Ask == "completion_result" && !last.Partial {
		s.completionOnce.Do(func() {
			s.logger.Info("completion detected", "ts", last.Ts)
			close(s.completion)
		})
	}
}

// Run dispatches tui events from in until ctx ends or in closes.
func (s *Store) Run(ctx context.Context, in <-chan protocol.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-in:
			if !ok {
				return nil
			}
			if env.Kind != protocol.KindEvent {
				s.rejectLocalEnvelope(env)
				continue
			}
			var msg protocol.ExtensionMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				s.logger.Warn("undecodable extension event", "err", err)
				continue
			}
			s.Dispatch(msg)
		}
	}
}

func (s *Store) rejectLocalEnvelope(env protocol.Envelope) {
	s.logger.Debug("non-event tui envelope dropped", "kind", env.Kind, "id", env.ID)
	if env.Kind == protocol.KindRequest && env.ID != "" && s.responder != nil {
		s.responder.RespondError(protocol.ChannelTUI.Other(), env.ID, protocol.CodeBadPayload, "tui channel accepts events only")
	}
}
