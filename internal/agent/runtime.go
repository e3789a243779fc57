package agent

import (
	"context"
	"fmt"
)

// RuntimeType identifies the agent runtime provider.
type RuntimeType string

const (
	// RuntimeClaude is the Claude Code CLI runtime.
	RuntimeClaude RuntimeType = "claude"
	// RuntimeMock is a scripted runtime for testing.
	RuntimeMock RuntimeType = "mock"
)

// Runtime is the narrow surface the slot pool needs from an agent provider:
// a capability probe and a session factory. Implementations adapt whatever
// CLI or SDK is installed on the machine.
type Runtime interface {
	// Type returns the runtime type identifier.
	Type() RuntimeType

	// Available reports whether the underlying runtime can be launched at
	// all (executable present, etc). A non-nil error means no session will
	// ever spawn and the pool should mark itself unavailable.
	Available() error

	// Spawn starts a streaming session bound to the given configuration.
	// The session stays alive across many request/response exchanges until
	// cancelled or its input is closed.
	Spawn(ctx context.Context, cfg SessionConfig) (Session, error)
}

// ErrUnknownRuntimeType is returned when an unknown runtime type is requested.
var ErrUnknownRuntimeType = fmt.Errorf("unknown runtime type")

// runtimeRegistry holds registered runtime factories.
// Use RegisterRuntime to add new runtime types.
var runtimeRegistry = make(map[RuntimeType]func() Runtime)

// RegisterRuntime registers a runtime factory for the given type.
// This should be called in init() functions of provider packages.
func RegisterRuntime(runtimeType RuntimeType, factory func() Runtime) {
	runtimeRegistry[runtimeType] = factory
}

// NewRuntime creates a Runtime for the given type.
// Returns ErrUnknownRuntimeType if the type is not registered.
func NewRuntime(runtimeType RuntimeType) (Runtime, error) {
	factory, ok := runtimeRegistry[runtimeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRuntimeType, runtimeType)
	}
	return factory(), nil
}

// RegisteredRuntimes returns a slice of all registered runtime types.
func RegisteredRuntimes() []RuntimeType {
	types := make([]RuntimeType, 0, len(runtimeRegistry))
	for t := range runtimeRegistry {
		types = append(types, t)
	}
	return types
}

// IsRegistered returns true if the given runtime type has been registered.
func IsRegistered(runtimeType RuntimeType) bool {
	_, ok := runtimeRegistry[runtimeType]
	return ok
}
