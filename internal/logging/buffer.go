package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultBufferSize = 1000

type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Source  string
	Attrs   map[string]any
}

// Buffer keeps the most recent log entries in memory for display by the UI.
type Buffer struct {
	mu        sync.Mutex
	entries   []Entry
	start     int
	size      int
	listeners map[int]func(Entry)
	nextID    int
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Buffer{
		entries:   make([]Entry, capacity),
		listeners: map[int]func(Entry){},
	}
}

func (b *Buffer) Add(e Entry) {
	if b == nil {
		return
	}
	b.mu.Lock()
	capacity := len(b.entries)
	if b.size < capacity {
		b.entries[(b.start+b.size)%capacity] = e
		b.size++
	} else {
		b.entries[b.start] = e
		b.start = (b.start + 1) % capacity
	}
	listeners := make([]func(Entry), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
}

// Entries returns buffered entries oldest first.
func (b *Buffer) Entries() []Entry {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.entries[(b.start+i)%len(b.entries)])
	}
	return out
}

// Filter returns entries at or above min, optionally restricted to one source.
func (b *Buffer) Filter(min slog.Level, source string) []Entry {
	all := b.Entries()
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.Level < min {
			continue
		}
		if source != "" && e.Source != source {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (b *Buffer) Subscribe(fn func(Entry)) (unsubscribe func()) {
	if b == nil || fn == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *Buffer) Clear() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.start = 0
	b.size = 0
	b.mu.Unlock()
}

// Handler adapts the buffer into a slog handler. The "component" attribute,
// wherever it was attached, becomes the entry source.
func (b *Buffer) Handler(level slog.Leveler) slog.Handler {
	return &bufferHandler{buf: b, level: level}
}

type bufferHandler struct {
	buf    *Buffer
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

func (h *bufferHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.level != nil {
		min = h.level.Level()
	}
	return level >= min
}

func (h *bufferHandler) Handle(_ context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   map[string]any{},
	}
	collect := func(key string, v slog.Value) {
		if key == "component" {
			e.Source = v.String()
			return
		}
		e.Attrs[key] = v.Any()
	}
	for _, a := range h.attrs {
		collect(a.Key, a.Value.Resolve())
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(h.prefix+a.Key, a.Value.Resolve())
		return true
	})
	h.buf.Add(e)
	return nil
}

func (h *bufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), prefixed(h.prefix, attrs)...)
	return &next
}

func (h *bufferHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func prefixed(prefix string, attrs []slog.Attr) []slog.Attr {
	if prefix == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
	}
	return out
}
