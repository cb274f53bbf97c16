package protocol

import "encoding/json"

type Channel string

const (
	ChannelTUI       Channel = "tui"
	ChannelExtension Channel = "extension"
)

// Other returns the channel on which responses to requests sent on c arrive.
func (c Channel) Other() Channel {
	if c == ChannelTUI {
		return ChannelExtension
	}
	return ChannelTUI
}

func (c Channel) Valid() bool {
	return c == ChannelTUI || c == ChannelExtension
}

type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Envelope is the unit carried by the message bridge and by the remote
// websocket transport.
type Envelope struct {
	Channel       Channel         `json:"channel"`
	Kind          Kind            `json:"kind"`
	ID            string          `json:"id,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         *ErrPayload     `json:"error,omitempty"`
}

type ErrPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrPayload) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

const (
	CodeBadPayload     = "BAD_PAYLOAD"
	CodeUnknownOp      = "UNKNOWN_OP"
	CodeNotActive      = "NOT_ACTIVE"
	CodeExtensionError = "EXTENSION_ERROR"
	CodeTimeout        = "TIMEOUT"
)

func MustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// PayloadType peeks at the "type" discriminator of a webview or extension payload.
func PayloadType(raw json.RawMessage) string {
	var head struct {
		Type string `json:"type"`
	}
	if len(raw) == 0 {
		return ""
	}
	_ = json.Unmarshal(raw, &head)
	return head.Type
}
