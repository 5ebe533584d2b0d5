// Package command provides the closed command-type registry used to dispatch
// accepted commands to their handlers.
package command

import (
	"context"
	"fmt"
	"sort"

	commandDomain "github.com/allisson/relay/internal/command/domain"
	apperrors "github.com/allisson/relay/internal/errors"
)

// Handler re-executes a command. The handler performs the same transactional
// domain-write plus outbox-emit path as initial acceptance, so re-invoking it
// for a retried record is itself idempotent.
type Handler interface {
	Handle(ctx context.Context, envelope commandDomain.CommandEnvelope) (*commandDomain.HandlerResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, envelope commandDomain.CommandEnvelope) (*commandDomain.HandlerResult, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(
	ctx context.Context,
	envelope commandDomain.CommandEnvelope,
) (*commandDomain.HandlerResult, error) {
	return f(ctx, envelope)
}

// Registry maps command names to handlers over a closed set of command types.
// The set is fixed at construction; registering an unlisted command name fails
// immediately and Validate reports any listed name still missing a handler, so
// wiring mistakes surface at startup rather than on the first live command.
type Registry struct {
	known    map[string]struct{}
	handlers map[string]Handler
}

// NewRegistry creates a registry closed over the given command names.
func NewRegistry(commandNames ...string) *Registry {
	known := make(map[string]struct{}, len(commandNames))
	for _, name := range commandNames {
		known[name] = struct{}{}
	}
	return &Registry{
		known:    known,
		handlers: make(map[string]Handler, len(commandNames)),
	}
}

// Register binds a handler to a command name. The name must be part of the
// closed set and not already bound.
func (r *Registry) Register(commandName string, handler Handler) error {
	if _, ok := r.known[commandName]; !ok {
		return fmt.Errorf("command %q is not part of the registry's command set: %w",
			commandName, apperrors.ErrUnknownCommand)
	}
	if _, ok := r.handlers[commandName]; ok {
		return fmt.Errorf("command %q already has a handler: %w", commandName, apperrors.ErrConflict)
	}
	r.handlers[commandName] = handler
	return nil
}

// Resolve returns the handler for a command name.
func (r *Registry) Resolve(commandName string) (Handler, error) {
	handler, ok := r.handlers[commandName]
	if !ok {
		return nil, fmt.Errorf("no handler for command %q: %w", commandName, apperrors.ErrUnknownCommand)
	}
	return handler, nil
}

// Validate reports an error naming every command in the closed set that has no
// handler yet. Call it once during startup, after all Register calls.
func (r *Registry) Validate() error {
	var missing []string
	for name := range r.known {
		if _, ok := r.handlers[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("commands without handlers: %v: %w", missing, apperrors.ErrUnknownCommand)
	}
	return nil
}

// CommandNames returns the closed set of command names, sorted.
func (r *Registry) CommandNames() []string {
	names := make([]string, 0, len(r.known))
	for name := range r.known {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
