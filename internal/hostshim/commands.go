package hostshim

import (
	"context"
	"fmt"
)

type CommandFunc func(ctx context.Context, args ...any) (any, error)

var builtinCommands = []string{
	"workbench.action.files.saveFiles",
	"workbench.action.closeWindow",
	"workbench.action.reloadWindow",
}

func (s *Shim) registerBuiltins() {
	for _, id := range builtinCommands {
		id := id
		s.commands[id] = func(context.Context, ...any) (any, error) {
			s.logger.Debug("builtin command ignored", "command", id)
			return nil, nil
		}
	}
}

func (s *Shim) RegisterCommand(id string, fn CommandFunc) (Disposable, error) {
	if fn == nil {
		return nil, fmt.Errorf("hostshim: command %q has no handler", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.commands[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrCommandExists, id)
	}
	s.commands[id] = fn
	return onceDisposable(func() {
		s.mu.Lock()
		delete(s.commands, id)
		s.mu.Unlock()
	}), nil
}

func (s *Shim) ExecuteCommand(ctx context.Context, id string, args ...any) (any, error) {
	s.mu.Lock()
	fn, ok := s.commands[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, id)
	}
	return fn(ctx, args...)
}
