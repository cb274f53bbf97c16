package cliconfig

import "encoding/json"

// Merge overlays doc onto defaults. Objects merge field by field; slices and
// scalars present in doc replace the default outright. Providers are then
// completed from the default profile with the same id and from the
// built-in defaults for their type.
func Merge(defaults Config, doc Document) Config {
	out := defaults.Clone()
	if doc.Version != nil {
		out.Version = *doc.Version
	}
	if doc.Mode != nil {
		out.Mode = *doc.Mode
	}
	if doc.Telemetry != nil {
		out.Telemetry = *doc.Telemetry
	}
	if doc.Provider != nil {
		out.Provider = *doc.Provider
	}
	if doc.Providers != nil {
		loaded := make([]Provider, len(*doc.Providers))
		for i, p := range *doc.Providers {
			loaded[i] = p.Clone()
		}
		out.Providers = loaded
	}
	if doc.AutoApproval != nil {
		out.AutoApproval = mergeAutoApproval(out.AutoApproval, *doc.AutoApproval)
	}
	if doc.Theme != nil {
		out.Theme = *doc.Theme
	}
	out.Extra = mergeRaw(out.Extra, doc.Extra)
	out.Providers = completeProviders(defaults.Providers, out.Providers)
	return out
}

func completeProviders(defaults, loaded []Provider) []Provider {
	if loaded == nil {
		return nil
	}
	out := make([]Provider, len(loaded))
	for i, p := range loaded {
		p = p.Clone()
		base, hasBase := findProvider(defaults, p.ID)
		if p.Type == "" && hasBase {
			p.Type = base.Type
		}
		if hasBase && base.Type == p.Type {
			fillMissing(p.Fields, base.Fields)
		}
		fillMissing(p.Fields, providerTypeDefaults[p.Type])
		out[i] = p
	}
	return out
}

func findProvider(list []Provider, id string) (Provider, bool) {
	for _, p := range list {
		if p.ID == id {
			return p, true
		}
	}
	return Provider{}, false
}

func fillMissing(dst, src map[string]any) {
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
}

func mergeAutoApproval(base AutoApproval, doc AutoApprovalDoc) AutoApproval {
	setBool(&base.Enabled, doc.Enabled)
	if doc.Read != nil {
		setBool(&base.Read.Enabled, doc.Read.Enabled)
		setBool(&base.Read.Outside, doc.Read.Outside)
	}
	if doc.Write != nil {
		setBool(&base.Write.Enabled, doc.Write.Enabled)
		setBool(&base.Write.Outside, doc.Write.Outside)
		setBool(&base.Write.Protected, doc.Write.Protected)
	}
	mergeToggle(&base.Browser, doc.Browser)
	if doc.Retry != nil {
		setBool(&base.Retry.Enabled, doc.Retry.Enabled)
		setInt(&base.Retry.Delay, doc.Retry.Delay)
	}
	mergeToggle(&base.MCP, doc.MCP)
	mergeToggle(&base.Mode, doc.Mode)
	mergeToggle(&base.Subtasks, doc.Subtasks)
	mergeToggle(&base.Todo, doc.Todo)
	if doc.Execute != nil {
		setBool(&base.Execute.Enabled, doc.Execute.Enabled)
		if doc.Execute.Allowed != nil {
			base.Execute.Allowed = cloneStrings(*doc.Execute.Allowed)
		}
		if doc.Execute.Denied != nil {
			base.Execute.Denied = cloneStrings(*doc.Execute.Denied)
		}
	}
	if doc.Question != nil {
		setBool(&base.Question.Enabled, doc.Question.Enabled)
		setInt(&base.Question.Timeout, doc.Question.Timeout)
	}
	base.Extra = mergeRaw(base.Extra, doc.Extra)
	for name, extra := range doc.PolicyExtra {
		if base.PolicyExtra == nil {
			base.PolicyExtra = map[string]map[string]json.RawMessage{}
		}
		base.PolicyExtra[name] = mergeRaw(base.PolicyExtra[name], extra)
	}
	return base
}

// mergeRaw copies src over dst, allocating dst only when src has keys.
func mergeRaw(dst, src map[string]json.RawMessage) map[string]json.RawMessage {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]json.RawMessage, len(src))
	}
	for k, v := range src {
		dst[k] = append(json.RawMessage(nil), v...)
	}
	return dst
}

func mergeToggle(dst *Toggle, doc *ToggleDoc) {
	if doc != nil {
		setBool(&dst.Enabled, doc.Enabled)
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
