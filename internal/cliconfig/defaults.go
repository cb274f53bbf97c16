package cliconfig

var KnownModes = []string{"code", "architect", "ask", "debug", "orchestrator"}

var KnownProviderTypes = []string{
	"kilocode",
	"anthropic",
	"openrouter",
	"openai",
	"openai-native",
	"ollama",
	"lmstudio",
	"gemini",
}

// providerTypeDefaults are filled into any provider of that type that omits them.
var providerTypeDefaults = map[string]map[string]any{
	"kilocode": {
		"kilocodeToken": "",
		"kilocodeModel": "anthropic/claude-sonnet-4",
	},
	"anthropic": {
		"apiKey":     "",
		"apiModelId": "claude-sonnet-4-20250514",
	},
	"openrouter": {
		"openRouterApiKey":  "",
		"openRouterModelId": "anthropic/claude-sonnet-4",
	},
	"openai": {
		"openAiApiKey":  "",
		"openAiBaseUrl": "https://api.openai.com/v1",
		"openAiModelId": "",
	},
	"openai-native": {
		"openAiNativeApiKey": "",
		"apiModelId":         "gpt-4o",
	},
	"ollama": {
		"ollamaBaseUrl": "http://localhost:11434",
		"ollamaModelId": "",
	},
	"lmstudio": {
		"lmStudioBaseUrl": "http://localhost:1234",
		"lmStudioModelId": "",
	},
	"gemini": {
		"geminiApiKey": "",
		"apiModelId":   "gemini-2.5-pro",
	},
}

// providerRequiredFields are checked only for the selected provider.
var providerRequiredFields = map[string][]string{
	"kilocode":      {"kilocodeToken", "kilocodeModel"},
	"anthropic":     {"apiKey", "apiModelId"},
	"openrouter":    {"openRouterApiKey", "openRouterModelId"},
	"openai":        {"openAiApiKey", "openAiBaseUrl", "openAiModelId"},
	"openai-native": {"openAiNativeApiKey", "apiModelId"},
	"ollama":        {"ollamaBaseUrl", "ollamaModelId"},
	"lmstudio":      {"lmStudioBaseUrl", "lmStudioModelId"},
	"gemini":        {"geminiApiKey", "apiModelId"},
}

func DefaultAutoApproval() AutoApproval {
	return AutoApproval{
		Enabled:  true,
		Read:     ReadPolicy{Enabled: true, Outside: false},
		Write:    WritePolicy{Enabled: true, Outside: false, Protected: false},
		Browser:  Toggle{Enabled: false},
		Retry:    RetryPolicy{Enabled: false, Delay: 10},
		MCP:      Toggle{Enabled: true},
		Mode:     Toggle{Enabled: true},
		Subtasks: Toggle{Enabled: true},
		Todo:     Toggle{Enabled: true},
		Execute: ExecutePolicy{
			Enabled: true,
			Allowed: []string{"ls", "cat", "echo", "pwd"},
			Denied:  []string{"rm -rf", "sudo", "rmdir", "chmod", "chown"},
		},
		Question: QuestionPolicy{Enabled: false, Timeout: 60},
	}
}

func Default() Config {
	return Config{
		Version:   "1.0.0",
		Mode:      "code",
		Telemetry: true,
		Provider:  "default",
		Providers: []Provider{{
			ID:   "default",
			Type: "kilocode",
			Fields: map[string]any{
				"kilocodeToken": "",
				"kilocodeModel": "anthropic/claude-sonnet-4",
			},
		}},
		AutoApproval: DefaultAutoApproval(),
	}
}
