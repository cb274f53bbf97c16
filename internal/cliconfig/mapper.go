package cliconfig

import (
	"errors"

	"hostbridge/cli/internal/protocol"
)

type APIConfigMeta struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	APIProvider string `json:"apiProvider"`
	ModelID     string `json:"modelId"`
}

// ExtensionSettings is the slice of extension state derived from the CLI config.
type ExtensionSettings struct {
	APIConfiguration     map[string]any  `json:"apiConfiguration"`
	CurrentAPIConfigName string          `json:"currentApiConfigName"`
	ListAPIConfigMeta    []APIConfigMeta `json:"listApiConfigMeta"`
	TelemetrySetting     string          `json:"telemetrySetting"`
	Mode                 string          `json:"mode"`
	Settings             map[string]any  `json:"settings"`
}

var ErrNoProviders = errors.New("cliconfig: no providers configured")

// MapToExtensionState projects cfg onto the settings the extension reads. An
// unknown selected provider falls back to the first profile.
func MapToExtensionState(cfg Config) (ExtensionSettings, error) {
	p, ok := cfg.ActiveProvider()
	if !ok {
		if len(cfg.Providers) == 0 {
			return ExtensionSettings{}, ErrNoProviders
		}
		p = cfg.Providers[0]
	}
	api := map[string]any{"apiProvider": p.Type}
	for k, v := range p.Fields {
		api[k] = v
	}
	metas := make([]APIConfigMeta, 0, len(cfg.Providers))
	for _, item := range cfg.Providers {
		metas = append(metas, APIConfigMeta{ID: item.ID, Name: item.ID, APIProvider: item.Type, ModelID: item.ModelID()})
	}
	telemetry := "disabled"
	if cfg.Telemetry {
		telemetry = "enabled"
	}
	return ExtensionSettings{
		APIConfiguration:     api,
		CurrentAPIConfigName: p.ID,
		ListAPIConfigMeta:    metas,
		TelemetrySetting:     telemetry,
		Mode:                 cfg.Mode,
		Settings:             autoApprovalSettings(cfg.AutoApproval),
	}, nil
}

func autoApprovalSettings(a AutoApproval) map[string]any {
	return map[string]any{
		"autoApprovalEnabled":                 a.Enabled,
		"alwaysAllowReadOnly":                 a.Read.Enabled,
		"alwaysAllowReadOnlyOutsideWorkspace": a.Read.Outside,
		"alwaysAllowWrite":                    a.Write.Enabled,
		"alwaysAllowWriteOutsideWorkspace":    a.Write.Outside,
		"alwaysAllowWriteProtected":           a.Write.Protected,
		"alwaysAllowBrowser":                  a.Browser.Enabled,
		"alwaysApproveResubmit":               a.Retry.Enabled,
		"requestDelaySeconds":                 a.Retry.Delay,
		"alwaysAllowMcp":                      a.MCP.Enabled,
		"alwaysAllowModeSwitch":               a.Mode.Enabled,
		"alwaysAllowSubtasks":                 a.Subtasks.Enabled,
		"alwaysAllowUpdateTodoList":           a.Todo.Enabled,
		"alwaysAllowExecute":                  a.Execute.Enabled,
		"allowedCommands":                     nonNil(a.Execute.Allowed),
		"deniedCommands":                      nonNil(a.Execute.Denied),
		"alwaysAllowFollowupQuestions":        a.Question.Enabled,
		"followupAutoApproveTimeoutMs":        a.Question.Timeout * 1000,
	}
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// Messages renders the mapped settings as the webview messages that push
// them into a running extension.
func (s ExtensionSettings) Messages() []protocol.WebviewMessage {
	settings := make(map[string]any, len(s.Settings)+1)
	for k, v := range s.Settings {
		settings[k] = v
	}
	settings["telemetrySetting"] = s.TelemetrySetting
	return []protocol.WebviewMessage{
		{
			Type:             protocol.WebviewUpsertAPIConfig,
			Text:             s.CurrentAPIConfigName,
			APIConfiguration: protocol.MustRaw(s.APIConfiguration),
		},
		{Type: protocol.WebviewUpdateSettings, Values: settings},
		{Type: protocol.WebviewMode, Text: s.Mode},
	}
}
