package configstore

import "encoding/json"

// Lookup is a typed Get. Values that do not decode into T yield def.
func Lookup[T any](s *Store, scope Scope, ws, key string, def T) T {
	v := s.Get(scope, ws, key, nil)
	if v == nil {
		return def
	}
	if t, ok := v.(T); ok {
		return t
	}
	b, err := json.Marshal(v)
	if err != nil {
		return def
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return def
	}
	return out
}
