package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"hostbridge/cli/internal/extensionhost"
	"hostbridge/cli/internal/logging"
	"hostbridge/cli/internal/protocol"
)

// ExtensionTarget is the extension-side sink for webview messages.
type ExtensionTarget interface {
	SendWebviewMessage(ctx context.Context, msg protocol.WebviewMessage) error
}

// Handler consumes the extension channel and forwards each webview message
// to the extension host.
type Handler struct {
	target ExtensionTarget
	logger *slog.Logger
}

func NewHandler(target ExtensionTarget, logger *slog.Logger) *Handler {
	return &Handler{target: target, logger: logging.OrDiscard(logger)}
}

// Handle processes one envelope and returns the response that answers it.
// The response is meaningful only for requests.
func (h *Handler) Handle(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	resp := protocol.Envelope{Channel: env.Channel.Other(), Kind: protocol.KindResponse, CorrelationID: env.ID}

	var msg protocol.WebviewMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		resp.Error = &protocol.ErrPayload{Code: protocol.CodeBadPayload, Message: err.Error()}
		return resp
	}
	if strings.TrimSpace(msg.Type) == "" {
		resp.Error = &protocol.ErrPayload{Code: protocol.CodeBadPayload, Message: "webview message type is required"}
		return resp
	}
	if err := h.target.SendWebviewMessage(ctx, msg); err != nil {
		code := protocol.CodeExtensionError
		if errors.Is(err, extensionhost.ErrNotActive) {
			code = protocol.CodeNotActive
		}
		resp.Error = &protocol.ErrPayload{Code: code, Message: err.Error()}
		return resp
	}
	resp.Payload = protocol.MustRaw(map[string]any{"ok": true})
	return resp
}

// Run serves the extension channel of b until ctx ends or the channel closes.
func (h *Handler) Run(ctx context.Context, b *Bridge) error {
	in := b.Listen(protocol.ChannelExtension)
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-in:
			if !ok {
				return nil
			}
			resp := h.Handle(ctx, env)
			switch env.Kind {
			case protocol.KindRequest:
				if resp.Error != nil {
					b.RespondError(resp.Channel, env.ID, resp.Error.Code, resp.Error.Message)
				} else {
					b.Respond(resp.Channel, env.ID, resp.Payload)
				}
			case protocol.KindEvent:
				if resp.Error != nil {
					h.logger.Warn("webview event failed", "type", protocol.PayloadType(env.Payload), "code", resp.Error.Code, "err", resp.Error.Message)
				}
			}
		}
	}
}

// Pump forwards extension host events to the tui channel in order. Host
// errors are surfaced to the UI as hostError messages.
func Pump(ctx context.Context, b *Bridge, events <-chan extensionhost.Event, logger *slog.Logger) error {
	logger = logging.OrDiscard(logger)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			var msg protocol.ExtensionMessage
			switch ev.Kind {
			case extensionhost.EventMessage:
				msg = ev.Message
			case extensionhost.EventError:
				msg = protocol.ExtensionMessage{Type: protocol.ExtHostError, Text: errText(ev.Err)}
			default:
				logger.Debug("extension lifecycle event", "kind", ev.Kind)
				continue
			}
			if err := b.SendEvent(protocol.ChannelTUI, msg); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				logger.Warn("extension event dropped", "type", msg.Type, "err", err)
			}
		}
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
