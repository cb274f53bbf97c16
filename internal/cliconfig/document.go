package cliconfig

import "encoding/json"

// Document is the on-disk form of Config. Every field is optional so a
// partially written file can be merged field by field onto the defaults.
type Document struct {
	Version      *string                    `json:"version,omitempty"`
	Mode         *string                    `json:"mode,omitempty"`
	Telemetry    *bool                      `json:"telemetry,omitempty"`
	Provider     *string                    `json:"provider,omitempty"`
	Providers    *[]Provider                `json:"providers,omitempty"`
	AutoApproval *AutoApprovalDoc           `json:"autoApproval,omitempty"`
	Theme        *string                    `json:"theme,omitempty"`
	Extra        map[string]json.RawMessage `json:"-"`

	// Problems lists known fields that were present but could not be decoded.
	Problems []string `json:"-"`
}

type ToggleDoc struct {
	Enabled *bool `json:"enabled,omitempty"`
}

type ReadPolicyDoc struct {
	Enabled *bool `json:"enabled,omitempty"`
	Outside *bool `json:"outside,omitempty"`
}

type WritePolicyDoc struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Outside   *bool `json:"outside,omitempty"`
	Protected *bool `json:"protected,omitempty"`
}

type RetryPolicyDoc struct {
	Enabled *bool `json:"enabled,omitempty"`
	Delay   *int  `json:"delay,omitempty"`
}

type ExecutePolicyDoc struct {
	Enabled *bool     `json:"enabled,omitempty"`
	Allowed *[]string `json:"allowed,omitempty"`
	Denied  *[]string `json:"denied,omitempty"`
}

type QuestionPolicyDoc struct {
	Enabled *bool `json:"enabled,omitempty"`
	Timeout *int  `json:"timeout,omitempty"`
}

type AutoApprovalDoc struct {
	Enabled  *bool              `json:"enabled,omitempty"`
	Read     *ReadPolicyDoc     `json:"read,omitempty"`
	Write    *WritePolicyDoc    `json:"write,omitempty"`
	Browser  *ToggleDoc         `json:"browser,omitempty"`
	Retry    *RetryPolicyDoc    `json:"retry,omitempty"`
	MCP      *ToggleDoc         `json:"mcp,omitempty"`
	Mode     *ToggleDoc         `json:"mode,omitempty"`
	Subtasks *ToggleDoc         `json:"subtasks,omitempty"`
	Todo     *ToggleDoc         `json:"todo,omitempty"`
	Execute  *ExecutePolicyDoc  `json:"execute,omitempty"`
	Question *QuestionPolicyDoc `json:"question,omitempty"`

	// Extra holds unknown policies; PolicyExtra holds unknown keys inside
	// known policies, keyed by policy name.
	Extra       map[string]json.RawMessage            `json:"-"`
	PolicyExtra map[string]map[string]json.RawMessage `json:"-"`
}

func (d *Document) UnmarshalJSON(b []byte) error {
	doc, err := decodeDocument(b)
	if err != nil {
		return err
	}
	*d = doc
	return nil
}

// ParseDocument decodes a config file body. Only a body that is not a JSON
// object is an error. A known field holding the wrong type is skipped and
// reported in Document.Problems so the rest of the file still applies.
func ParseDocument(b []byte) (Document, error) {
	return decodeDocument(b)
}

// Document returns c in on-disk form with every field present.
func (c Config) Document() Document {
	cp := c.Clone()
	a := cp.AutoApproval
	return Document{
		Version:   &cp.Version,
		Mode:      &cp.Mode,
		Telemetry: &cp.Telemetry,
		Provider:  &cp.Provider,
		Providers: &cp.Providers,
		AutoApproval: &AutoApprovalDoc{
			Enabled:  &a.Enabled,
			Read:     &ReadPolicyDoc{Enabled: &a.Read.Enabled, Outside: &a.Read.Outside},
			Write:    &WritePolicyDoc{Enabled: &a.Write.Enabled, Outside: &a.Write.Outside, Protected: &a.Write.Protected},
			Browser:  &ToggleDoc{Enabled: &a.Browser.Enabled},
			Retry:    &RetryPolicyDoc{Enabled: &a.Retry.Enabled, Delay: &a.Retry.Delay},
			MCP:      &ToggleDoc{Enabled: &a.MCP.Enabled},
			Mode:     &ToggleDoc{Enabled: &a.Mode.Enabled},
			Subtasks: &ToggleDoc{Enabled: &a.Subtasks.Enabled},
			Todo:     &ToggleDoc{Enabled: &a.Todo.Enabled},
			Execute:  &ExecutePolicyDoc{Enabled: &a.Execute.Enabled, Allowed: &a.Execute.Allowed, Denied: &a.Execute.Denied},
			Question: &QuestionPolicyDoc{Enabled: &a.Question.Enabled, Timeout: &a.Question.Timeout},

			Extra:       a.Extra,
			PolicyExtra: a.PolicyExtra,
		},
		Theme: &cp.Theme,
		Extra: cp.Extra,
	}
}
