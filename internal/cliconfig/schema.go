// Package cliconfig owns the CLI's persisted configuration: mode, provider
// profiles and the auto-approval policy tree, stored as one JSON document
// that is merged with built-in defaults on every load.
package cliconfig

import (
	"encoding/json"
	"sort"
)

type Config struct {
	Version      string       `json:"version"`
	Mode         string       `json:"mode" validate:"required"`
	Telemetry    bool         `json:"telemetry"`
	Provider     string       `json:"provider" validate:"required"`
	Providers    []Provider   `json:"providers" validate:"required,min=1,dive"`
	AutoApproval AutoApproval `json:"autoApproval"`
	Theme        string       `json:"theme,omitempty"`

	// Extra holds top-level keys this version does not know about.
	Extra map[string]json.RawMessage `json:"-"`
}

// Provider is one provider profile. Fields carries every provider-specific
// setting (tokens, model ids, base urls) keyed by its JSON name.
type Provider struct {
	ID     string         `json:"id" validate:"required"`
	Type   string         `json:"provider" validate:"required,provider_type"`
	Fields map[string]any `json:"-" validate:"-"`
}

func (p Provider) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Fields)+2)
	for k, v := range p.Fields {
		out[k] = v
	}
	out["id"] = p.ID
	if p.Type != "" {
		out["provider"] = p.Type
	}
	return json.Marshal(out)
}

func (p *Provider) UnmarshalJSON(b []byte) error {
	raw := map[string]any{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*p = Provider{Fields: map[string]any{}}
	for k, v := range raw {
		switch k {
		case "id":
			p.ID, _ = v.(string)
		case "provider":
			p.Type, _ = v.(string)
		default:
			p.Fields[k] = v
		}
	}
	return nil
}

func (p Provider) String(field string) string {
	s, _ := p.Fields[field].(string)
	return s
}

func (p Provider) Clone() Provider {
	out := Provider{ID: p.ID, Type: p.Type, Fields: make(map[string]any, len(p.Fields))}
	for k, v := range p.Fields {
		out.Fields[k] = v
	}
	return out
}

// ModelID returns the model identifier field for the provider's type.
func (p Provider) ModelID() string {
	switch p.Type {
	case "kilocode":
		return p.String("kilocodeModel")
	case "openrouter":
		return p.String("openRouterModelId")
	case "ollama":
		return p.String("ollamaModelId")
	case "lmstudio":
		return p.String("lmStudioModelId")
	case "openai":
		return p.String("openAiModelId")
	default:
		return p.String("apiModelId")
	}
}

func (p Provider) FieldNames() []string {
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type Toggle struct {
	Enabled bool `json:"enabled"`
}

type ReadPolicy struct {
	Enabled bool `json:"enabled"`
	Outside bool `json:"outside"`
}

type WritePolicy struct {
	Enabled   bool `json:"enabled"`
	Outside   bool `json:"outside"`
	Protected bool `json:"protected"`
}

type RetryPolicy struct {
	Enabled bool `json:"enabled"`
	Delay   int  `json:"delay" validate:"gte=0"`
}

type ExecutePolicy struct {
	Enabled bool     `json:"enabled"`
	Allowed []string `json:"allowed"`
	Denied  []string `json:"denied"`
}

type QuestionPolicy struct {
	Enabled bool `json:"enabled"`
	Timeout int  `json:"timeout" validate:"gte=0"`
}

type AutoApproval struct {
	Enabled  bool           `json:"enabled"`
	Read     ReadPolicy     `json:"read"`
	Write    WritePolicy    `json:"write"`
	Browser  Toggle         `json:"browser"`
	Retry    RetryPolicy    `json:"retry"`
	MCP      Toggle         `json:"mcp"`
	Mode     Toggle         `json:"mode"`
	Subtasks Toggle         `json:"subtasks"`
	Todo     Toggle         `json:"todo"`
	Execute  ExecutePolicy  `json:"execute"`
	Question QuestionPolicy `json:"question"`

	// Extra and PolicyExtra carry unknown policies and unknown keys inside
	// known policies through a load and save.
	Extra       map[string]json.RawMessage            `json:"-" validate:"-"`
	PolicyExtra map[string]map[string]json.RawMessage `json:"-" validate:"-"`
}

func (a AutoApproval) MarshalJSON() ([]byte, error) {
	type plain AutoApproval
	b, err := json.Marshal(plain(a))
	if err != nil || (len(a.Extra) == 0 && len(a.PolicyExtra) == 0) {
		return b, err
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for name, extra := range a.PolicyExtra {
		raw, ok := merged[name]
		if !ok {
			continue
		}
		if merged[name], err = withExtra(raw, extra); err != nil {
			return nil, err
		}
	}
	for k, v := range a.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// withExtra adds extra to the JSON object b without overriding its keys.
func withExtra(b []byte, extra map[string]json.RawMessage) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, known := obj[k]; !known {
			obj[k] = v
		}
	}
	return json.Marshal(obj)
}

func (a AutoApproval) Clone() AutoApproval {
	out := a
	out.Execute.Allowed = cloneStrings(a.Execute.Allowed)
	out.Execute.Denied = cloneStrings(a.Execute.Denied)
	out.Extra = cloneRaw(a.Extra)
	if a.PolicyExtra != nil {
		out.PolicyExtra = make(map[string]map[string]json.RawMessage, len(a.PolicyExtra))
		for k, v := range a.PolicyExtra {
			out.PolicyExtra[k] = cloneRaw(v)
		}
	}
	return out
}

func cloneRaw(in map[string]json.RawMessage) map[string]json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Clone returns a copy sharing no slices or maps with c.
func (c Config) Clone() Config {
	out := c
	if c.Providers != nil {
		out.Providers = make([]Provider, len(c.Providers))
		for i, p := range c.Providers {
			out.Providers[i] = p.Clone()
		}
	}
	out.AutoApproval = c.AutoApproval.Clone()
	out.Extra = cloneRaw(c.Extra)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string{}, in...)
}

// ActiveProvider returns the provider selected by Provider.
func (c Config) ActiveProvider() (Provider, bool) {
	for _, p := range c.Providers {
		if p.ID == c.Provider {
			return p, true
		}
	}
	return Provider{}, false
}

func (c Config) MarshalJSON() ([]byte, error) {
	type plain Config
	b, err := json.Marshal(plain(c))
	if err != nil || len(c.Extra) == 0 {
		return b, err
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
