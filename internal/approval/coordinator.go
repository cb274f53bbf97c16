// Package approval coordinates approve/reject answers to extension asks so
// that at most one answer is ever in flight.
package approval

import (
	"encoding/json"
	"log/slog"
	"sync"

	"hostbridge/cli/internal/logging"
	"hostbridge/cli/internal/protocol"
)

type Op string

const (
	OpApprove Op = "approve"
	OpReject  Op = "reject"
)

type Option struct {
	Label  string `json:"label"`
	Action Op     `json:"action"`
	Hotkey string `json:"hotkey"`
}

// Processing records the answer currently in flight.
type Processing struct {
	Active bool  `json:"isProcessing"`
	Op     Op    `json:"operation,omitempty"`
	Ts     int64 `json:"processingTs,omitempty"`
}

var saveTools = map[string]bool{
	"editedExistingFile": true,
	"appliedDiff":        true,
	"newFileCreated":     true,
	"insertContent":      true,
	"generateImage":      true,
}

// Coordinator is the Idle -> Pending -> Processing -> Idle state machine.
// Every transition is a single locked read-modify-write.
type Coordinator struct {
	logger *slog.Logger

	mu         sync.Mutex
	pending    *protocol.ChatMessage
	selected   int
	processing Processing
}

func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{logger: logging.OrDiscard(logger)}
}

// SetPending makes msg the pending ask. It is ignored while an answer is
// in flight or when msg was already answered.
func (c *Coordinator) SetPending(msg protocol.ChatMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.processing.Active {
		c.logger.Debug("pending ask ignored while processing", "ts", msg.Ts, "processing_ts", c.processing.Ts)
		return false
	}
	if msg.IsAnswered {
		return false
	}
	m := msg.Clone()
	c.pending = &m
	c.selected = 0
	return true
}

// ClearPending drops the pending ask. If that ask is the one being
// processed, the processing record is reset as well.
func (c *Coordinator) ClearPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil && c.processing.Active && c.processing.Ts == c.pending.Ts {
		c.processing = Processing{}
	}
	c.pending = nil
	c.selected = 0
}

// StartProcessing claims the single in-flight slot for the pending ask.
func (c *Coordinator) StartProcessing(op Op) bool {
	_, ok := c.claim(op)
	return ok
}

// claim is StartProcessing that also hands back the claimed ask.
func (c *Coordinator) claim(op Op) (protocol.ChatMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || c.processing.Active {
		return protocol.ChatMessage{}, false
	}
	c.processing = Processing{Active: true, Op: op, Ts: c.pending.Ts}
	return c.pending.Clone(), true
}

// Complete returns to Idle whatever the outcome of the answer was.
func (c *Coordinator) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	c.selected = 0
	c.processing = Processing{}
}

func (c *Coordinator) Pending() (protocol.ChatMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return protocol.ChatMessage{}, false
	}
	return c.pending.Clone(), true
}

func (c *Coordinator) Processing() Processing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processing
}

// IsPending reports whether an ask is waiting for the user. It is false
// while an answer is being processed.
func (c *Coordinator) IsPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil && !c.processing.Active
}

func (c *Coordinator) Options() []Option {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.optionsLocked()
}

func (c *Coordinator) optionsLocked() []Option {
	if c.pending == nil || c.pending.Type != "ask" {
		return nil
	}
	approve := "Approve"
	switch c.pending.Ask {
	case "tool":
		var data struct {
			Tool string `json:"tool"`
		}
		if err := json.Unmarshal([]byte(c.pending.Text), &data); err == nil && saveTools[data.Tool] {
			approve = "Save"
		}
	case "command":
		approve = "Run Command"
	}
	return []Option{
		{Label: approve, Action: OpApprove, Hotkey: "y"},
		{Label: "Reject", Action: OpReject, Hotkey: "n"},
	}
}

func (c *Coordinator) SelectNext() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.optionsLocked()); n > 0 {
		c.selected = (c.selected + 1) % n
	}
}

func (c *Coordinator) SelectPrev() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.optionsLocked()); n > 0 {
		c.selected = (c.selected - 1 + n) % n
	}
}

func (c *Coordinator) Selected() (Option, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	opts := c.optionsLocked()
	if c.selected >= len(opts) {
		return Option{}, false
	}
	return opts[c.selected], true
}
