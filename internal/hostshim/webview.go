package hostshim

import (
	"context"
	"errors"
	"sync"

	"hostbridge/cli/internal/protocol"
)

// WebviewViewProvider is registered by the extension. The host resolves it
// once with the view that carries messages in both directions.
type WebviewViewProvider interface {
	ResolveWebviewView(view *WebviewView) error
}

// PostFunc delivers an extension message to the UI side.
type PostFunc func(ctx context.Context, msg protocol.ExtensionMessage) error

type MessageHandler func(ctx context.Context, msg protocol.WebviewMessage) error

type WebviewView struct {
	ViewType string
	post     PostFunc

	mu       sync.RWMutex
	nextID   int
	handlers map[int]MessageHandler
	order    []int
}

func NewWebviewView(viewType string, post PostFunc) *WebviewView {
	return &WebviewView{ViewType: viewType, post: post, handlers: map[int]MessageHandler{}}
}

// PostMessage sends msg from the extension to the UI.
func (v *WebviewView) PostMessage(ctx context.Context, msg protocol.ExtensionMessage) error {
	if v.post == nil {
		return errors.New("hostshim: webview view is detached")
	}
	return v.post(ctx, msg)
}

// OnDidReceiveMessage subscribes fn to messages from the UI.
func (v *WebviewView) OnDidReceiveMessage(fn MessageHandler) Disposable {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextID
	v.nextID++
	v.handlers[id] = fn
	v.order = append(v.order, id)
	return onceDisposable(func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.handlers, id)
		for i, o := range v.order {
			if o == id {
				v.order = append(v.order[:i], v.order[i+1:]...)
				break
			}
		}
	})
}

// Deliver hands msg to every subscribed handler in subscription order.
func (v *WebviewView) Deliver(ctx context.Context, msg protocol.WebviewMessage) error {
	v.mu.RLock()
	handlers := make([]MessageHandler, 0, len(v.order))
	for _, id := range v.order {
		handlers = append(handlers, v.handlers[id])
	}
	v.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (v *WebviewView) HandlerCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.order)
}
