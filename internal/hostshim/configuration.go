package hostshim

import (
	"hostbridge/cli/internal/configstore"
)

type ConfigurationTarget int

const (
	TargetGlobal ConfigurationTarget = iota + 1
	TargetWorkspace
)

// builtinDefaults are the contributed defaults, keyed by full section.key.
var builtinDefaults = map[string]any{
	"kilo-code.allowedCommands":         []any{"git log", "git diff", "git show"},
	"kilo-code.deniedCommands":          []any{},
	"kilo-code.commandExecutionTimeout": float64(0),
}

// Configuration is a section-scoped view over the settings documents.
// Reads resolve workspace, then global, then the built-in default, then the
// caller's default.
type Configuration struct {
	section   string
	store     *configstore.Store
	workspace string
}

type Inspection struct {
	Key            string
	DefaultValue   any
	GlobalValue    any
	WorkspaceValue any
}

func (c *Configuration) fullKey(key string) string {
	if c.section == "" {
		return key
	}
	return c.section + "." + key
}

func builtinDefault(key string) (any, bool) {
	v, ok := builtinDefaults[key]
	if ok {
		if list, isList := v.([]any); isList {
			return append([]any{}, list...), true
		}
	}
	return v, ok
}

func (c *Configuration) Get(key string, def any) any {
	fallback := def
	if v, ok := builtinDefault(c.fullKey(key)); ok {
		fallback = v
	}
	if c.store == nil {
		return fallback
	}
	return c.store.Get(configstore.Workspace, c.workspace, c.fullKey(key), fallback)
}

func (c *Configuration) Has(key string) bool {
	if _, ok := builtinDefaults[c.fullKey(key)]; ok {
		return true
	}
	if c.store == nil {
		return false
	}
	full := c.fullKey(key)
	if c.workspace != "" && c.store.Has(configstore.Workspace, c.workspace, full) {
		return true
	}
	return c.store.Has(configstore.Global, "", full)
}

func (c *Configuration) Inspect(key string) Inspection {
	out := Inspection{Key: c.fullKey(key)}
	out.DefaultValue, _ = builtinDefault(out.Key)
	if c.store == nil {
		return out
	}
	out.GlobalValue, _ = c.store.Raw(configstore.Global, "", out.Key)
	if c.workspace != "" {
		out.WorkspaceValue, _ = c.store.Raw(configstore.Workspace, c.workspace, out.Key)
	}
	return out
}

// Update writes value to the target bucket; nil removes it. The read cache
// reflects the change immediately and the channel reports persistence.
// Without an open workspace a Workspace target falls back to Global.
func (c *Configuration) Update(key string, value any, target ConfigurationTarget) <-chan error {
	if c.store == nil {
		return closedErr(nil)
	}
	if target == TargetWorkspace && c.workspace != "" {
		return c.store.Set(configstore.Workspace, c.workspace, c.fullKey(key), value)
	}
	return c.store.Set(configstore.Global, "", c.fullKey(key), value)
}

func closedErr(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	return ch
}

// Memento is the key/value state bag extensions keep across sessions.
type Memento struct {
	store     *configstore.Store
	scope     configstore.Scope
	workspace string
}

// Get reads only this memento's bucket; workspace state does not fall back
// to global state.
func (m *Memento) Get(key string, def any) any {
	if m.store == nil {
		return def
	}
	if v, ok := m.store.Raw(m.scope, m.workspace, key); ok {
		return v
	}
	return def
}

func (m *Memento) Update(key string, value any) <-chan error {
	if m.store == nil {
		return closedErr(nil)
	}
	if m.scope == configstore.Workspace && m.workspace == "" {
		return closedErr(ErrNoWorkspace)
	}
	return m.store.Set(m.scope, m.workspace, key, value)
}

func (m *Memento) Keys() []string {
	if m.store == nil {
		return nil
	}
	if m.scope == configstore.Workspace && m.workspace == "" {
		return nil
	}
	return m.store.Keys(m.scope, m.workspace)
}
