package cliconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

type fieldDecoder struct {
	problems []string
}

func (d *fieldDecoder) fail(path string, err error) {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		d.problems = append(d.problems, fmt.Sprintf("%s: expected %s, got %s", path, typeErr.Type, typeErr.Value))
		return
	}
	d.problems = append(d.problems, fmt.Sprintf("%s: %v", path, err))
}

// decodeOpt returns nil for an explicit null so the default survives.
func decodeOpt[T any](d *fieldDecoder, path string, raw json.RawMessage) *T {
	if isNull(raw) {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		d.fail(path, err)
		return nil
	}
	return &v
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func decodeDocument(b []byte) (Document, error) {
	top := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &top); err != nil {
		return Document{}, err
	}
	var d fieldDecoder
	var doc Document
	for _, k := range sortedKeys(top) {
		v := top[k]
		switch k {
		case "version":
			doc.Version = decodeOpt[string](&d, k, v)
		case "mode":
			doc.Mode = decodeOpt[string](&d, k, v)
		case "telemetry":
			doc.Telemetry = decodeOpt[bool](&d, k, v)
		case "provider":
			doc.Provider = decodeOpt[string](&d, k, v)
		case "theme":
			doc.Theme = decodeOpt[string](&d, k, v)
		case "providers":
			doc.Providers = decodeProviders(&d, v)
		case "autoApproval":
			doc.AutoApproval = decodeAutoApproval(&d, v)
		default:
			if doc.Extra == nil {
				doc.Extra = map[string]json.RawMessage{}
			}
			doc.Extra[k] = v
		}
	}
	doc.Problems = d.problems
	return doc, nil
}

// decodeProviders drops entries that are not objects and keeps the rest.
func decodeProviders(d *fieldDecoder, raw json.RawMessage) *[]Provider {
	items := decodeOpt[[]json.RawMessage](d, "providers", raw)
	if items == nil {
		return nil
	}
	out := make([]Provider, 0, len(*items))
	for i, item := range *items {
		var p Provider
		if err := json.Unmarshal(item, &p); err != nil {
			d.fail(fmt.Sprintf("providers[%d]", i), err)
			continue
		}
		out = append(out, p)
	}
	return &out
}

func decodeAutoApproval(d *fieldDecoder, raw json.RawMessage) *AutoApprovalDoc {
	fields := decodeOpt[map[string]json.RawMessage](d, "autoApproval", raw)
	if fields == nil {
		return nil
	}
	var doc AutoApprovalDoc
	policy := func(name string, v json.RawMessage, leaves map[string]any) {
		extra := decodePolicy(d, "autoApproval."+name, v, leaves)
		if len(extra) == 0 {
			return
		}
		if doc.PolicyExtra == nil {
			doc.PolicyExtra = map[string]map[string]json.RawMessage{}
		}
		doc.PolicyExtra[name] = extra
	}
	for _, k := range sortedKeys(*fields) {
		v := (*fields)[k]
		switch k {
		case "enabled":
			doc.Enabled = decodeOpt[bool](d, "autoApproval.enabled", v)
		case "read":
			doc.Read = &ReadPolicyDoc{}
			policy(k, v, map[string]any{"enabled": &doc.Read.Enabled, "outside": &doc.Read.Outside})
		case "write":
			doc.Write = &WritePolicyDoc{}
			policy(k, v, map[string]any{"enabled": &doc.Write.Enabled, "outside": &doc.Write.Outside, "protected": &doc.Write.Protected})
		case "retry":
			doc.Retry = &RetryPolicyDoc{}
			policy(k, v, map[string]any{"enabled": &doc.Retry.Enabled, "delay": &doc.Retry.Delay})
		case "execute":
			doc.Execute = &ExecutePolicyDoc{}
			policy(k, v, map[string]any{"enabled": &doc.Execute.Enabled, "allowed": &doc.Execute.Allowed, "denied": &doc.Execute.Denied})
		case "question":
			doc.Question = &QuestionPolicyDoc{}
			policy(k, v, map[string]any{"enabled": &doc.Question.Enabled, "timeout": &doc.Question.Timeout})
		case "browser", "mcp", "mode", "subtasks", "todo":
			t := &ToggleDoc{}
			policy(k, v, map[string]any{"enabled": &t.Enabled})
			switch k {
			case "browser":
				doc.Browser = t
			case "mcp":
				doc.MCP = t
			case "mode":
				doc.Mode = t
			case "subtasks":
				doc.Subtasks = t
			case "todo":
				doc.Todo = t
			}
		default:
			if doc.Extra == nil {
				doc.Extra = map[string]json.RawMessage{}
			}
			doc.Extra[k] = v
		}
	}
	return &doc
}

// decodePolicy fills the known leaves of one policy object and returns the
// keys it does not know.
func decodePolicy(d *fieldDecoder, path string, raw json.RawMessage, leaves map[string]any) map[string]json.RawMessage {
	fields := decodeOpt[map[string]json.RawMessage](d, path, raw)
	if fields == nil {
		return nil
	}
	var extra map[string]json.RawMessage
	for _, k := range sortedKeys(*fields) {
		v := (*fields)[k]
		leafPath := path + "." + k
		switch dst := leaves[k].(type) {
		case **bool:
			*dst = decodeOpt[bool](d, leafPath, v)
		case **int:
			*dst = decodeOpt[int](d, leafPath, v)
		case **[]string:
			*dst = decodeOpt[[]string](d, leafPath, v)
		default:
			if extra == nil {
				extra = map[string]json.RawMessage{}
			}
			extra[k] = v
		}
	}
	return extra
}
