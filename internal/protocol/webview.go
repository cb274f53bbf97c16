package protocol

import (
	"encoding/json"
	"strings"
)

// Webview message types sent from the UI to the extension.
const (
	WebviewDidLaunch        = "webviewDidLaunch"
	WebviewNewTask          = "newTask"
	WebviewAskResponse      = "askResponse"
	WebviewMode             = "mode"
	WebviewCancelTask       = "cancelTask"
	WebviewClearTask        = "clearTask"
	WebviewUpsertAPIConfig  = "upsertApiConfiguration"
	WebviewUpdateSettings   = "updateSettings"
	WebviewFetchProfile     = "fetchProfileDataRequest"
	WebviewFetchBalance     = "fetchBalanceDataRequest"
	WebviewRequestRouterMod = "requestRouterModels"
	WebviewSelectImages     = "selectImages"
)

// Ask responses carried by askResponse messages.
const (
	AskYes     = "yesButtonClicked"
	AskNo      = "noButtonClicked"
	AskMessage = "messageResponse"
)

// Extension message types sent from the extension to the UI.
const (
	ExtState           = "state"
	ExtMessageUpdated  = "messageUpdated"
	ExtRouterModels    = "routerModels"
	ExtProfileData     = "profileDataResponse"
	ExtBalanceData     = "balanceDataResponse"
	ExtAction          = "action"
	ExtInvoke          = "invoke"
	ExtPartialMessage  = "partialMessage"
	ExtSelectedImages  = "selectedImages"
	ExtTaskHistoryResp = "taskHistoryResponse"
	// ExtHostError reports host-side failures (activation, handler panics) to the UI.
	ExtHostError = "hostError"
)

type WebviewMessage struct {
	Type             string          `json:"type"`
	Text             string          `json:"text,omitempty"`
	Images           []string        `json:"images,omitempty"`
	AskResponse      string          `json:"askResponse,omitempty"`
	APIConfiguration json.RawMessage `json:"apiConfiguration,omitempty"`
	Values           map[string]any  `json:"values,omitempty"`
}

type ExtensionMessage struct {
	Type         string                     `json:"type"`
	State        *ExtensionState            `json:"state,omitempty"`
	ClineMessage *ChatMessage               `json:"clineMessage,omitempty"`
	RouterModels map[string]json.RawMessage `json:"routerModels,omitempty"`
	Payload      json.RawMessage            `json:"payload,omitempty"`
	Action       string                     `json:"action,omitempty"`
	Invoke       string                     `json:"invoke,omitempty"`
	Text         string                     `json:"text,omitempty"`
}

type ChatMessage struct {
	Ts         int64    `json:"ts"`
	Type       string   `json:"type"`
	Ask        string   `json:"ask,omitempty"`
	Say        string   `json:"say,omitempty"`
	Text       string   `json:"text,omitempty"`
	Images     []string `json:"images,omitempty"`
	Partial    bool     `json:"partial,omitempty"`
	IsAnswered bool     `json:"isAnswered,omitempty"`
}

// Subtype is the ask or say discriminator, whichever applies.
func (m ChatMessage) Subtype() string {
	if m.Type == "ask" {
		return m.Ask
	}
	return m.Say
}

// ContentLength approximates how much streamed content a message carries.
func (m ChatMessage) ContentLength() int {
	return len(m.Text) + len(m.Say) + len(m.Ask)
}

// IsComplete reports whether a message has finished streaming and, where
// relevant, been resolved.
func (m ChatMessage) IsComplete() bool {
	if m.Partial {
		return false
	}
	if m.Type == "say" && m.Say == "api_req_started" {
		var info struct {
			Cost                   *float64 `json:"cost"`
			CancelReason           string   `json:"cancelReason"`
			StreamingFailedMessage string   `json:"streamingFailedMessage"`
		}
		if err := json.Unmarshal([]byte(m.Text), &info); err != nil {
			return false
		}
		return info.Cost != nil || strings.TrimSpace(info.CancelReason) != "" || strings.TrimSpace(info.StreamingFailedMessage) != ""
	}
	if m.Type == "ask" {
		return m.IsAnswered
	}
	return true
}

func (m ChatMessage) Clone() ChatMessage {
	out := m
	if m.Images != nil {
		out.Images = append([]string(nil), m.Images...)
	}
	return out
}

type TodoItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

type HistoryItem struct {
	ID        string  `json:"id"`
	Ts        int64   `json:"ts"`
	Task      string  `json:"task"`
	Workspace string  `json:"workspace,omitempty"`
	TotalCost float64 `json:"totalCost,omitempty"`
}

type ExtensionState struct {
	Version          string                     `json:"version,omitempty"`
	Mode             string                     `json:"mode,omitempty"`
	ClineMessages    []ChatMessage              `json:"clineMessages"`
	CurrentTaskItem  *HistoryItem               `json:"currentTaskItem,omitempty"`
	Todos            []TodoItem                 `json:"todos,omitempty"`
	APIConfiguration json.RawMessage            `json:"apiConfiguration,omitempty"`
	CustomModes      []json.RawMessage          `json:"customModes,omitempty"`
	MCPServers       []json.RawMessage          `json:"mcpServers,omitempty"`
	Cwd              string                     `json:"cwd,omitempty"`
	RouterModels     map[string]json.RawMessage `json:"routerModels,omitempty"`
	Settings         map[string]any             `json:"settings,omitempty"`
}

// Clone returns a copy that shares no slices or maps with s.
func (s ExtensionState) Clone() ExtensionState {
	out := s
	if s.ClineMessages != nil {
		out.ClineMessages = make([]ChatMessage, len(s.ClineMessages))
		for i, m := range s.ClineMessages {
			out.ClineMessages[i] = m.Clone()
		}
	}
	if s.CurrentTaskItem != nil {
		item := *s.CurrentTaskItem
		out.CurrentTaskItem = &item
	}
	if s.Todos != nil {
		out.Todos = append([]TodoItem(nil), s.Todos...)
	}
	out.APIConfiguration = cloneRaw(s.APIConfiguration)
	out.CustomModes = cloneRawSlice(s.CustomModes)
	out.MCPServers = cloneRawSlice(s.MCPServers)
	if s.RouterModels != nil {
		out.RouterModels = make(map[string]json.RawMessage, len(s.RouterModels))
		for k, v := range s.RouterModels {
			out.RouterModels[k] = cloneRaw(v)
		}
	}
	if s.Settings != nil {
		out.Settings = make(map[string]any, len(s.Settings))
		for k, v := range s.Settings {
			out.Settings[k] = v
		}
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneRawSlice(in []json.RawMessage) []json.RawMessage {
	if in == nil {
		return nil
	}
	out := make([]json.RawMessage, len(in))
	for i, v := range in {
		out[i] = cloneRaw(v)
	}
	return out
}
