// Package hostfn implements the capability table the Effects Translator
// resolves CallRequests against: a (service_id, function_name) -> Handler
// registry behind a read-write mutex, with write-locked registration and
// read-locked invocation.
package hostfn

import (
	"context"
	"sync"

	"github.com/oriys/particle-node/internal/actor"
	"github.com/oriys/particle-node/internal/domain"
)

// Handler resolves one CallRequest to a FunctionOutcome. Implementations
// must be side-effect-safe to call from multiple goroutines concurrently
// and must return domain.NotDefined when they decline to handle a call, so
// a chain-of-responsibility dispatch (not used by this registry directly,
// but by callers layering multiple registries) can try the next handler.
type Handler func(ctx context.Context, req domain.CallRequest) domain.FunctionOutcome

type key struct {
	service  string
	function string
}

// Registry is the capability table.
type Registry struct {
	mu       sync.RWMutex
	handlers map[key]Handler
}

// NewRegistry constructs a Registry with the builtin op.identity and
// op.noop handlers already registered.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[key]Handler)}
	r.Register("op", "identity", identityHandler)
	r.Register("op", "noop", noopHandler)
	return r
}

// Register installs handler for (service, function), replacing any
// existing registration.
func (r *Registry) Register(service, function string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key{service, function}] = handler
}

// Unregister removes the handler for (service, function), if any.
func (r *Registry) Unregister(service, function string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, key{service, function})
}

// Invoke resolves and runs the handler for req, returning
// domain.NotDefined if no handler is registered for (req.ServiceID,
// req.FunctionName).
func (r *Registry) Invoke(ctx context.Context, req domain.CallRequest) domain.FunctionOutcome {
	r.mu.RLock()
	h, ok := r.handlers[key{req.ServiceID, req.FunctionName}]
	r.mu.RUnlock()
	if !ok {
		return domain.NotDefined(req.Arguments)
	}
	return h(ctx, req)
}

// Snapshot reports the (service, function) pairs currently registered, used
// by execution.CapabilitySnapshotter implementations that wrap a Registry.
func (r *Registry) Snapshot(ctx context.Context) (actor.Functions, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fns := make(actor.Functions, len(r.handlers))
	for k := range r.handlers {
		fns[k.service+"."+k.function] = struct{}{}
	}
	return fns, nil
}

// identityHandler echoes its arguments back as the call's value.
func identityHandler(ctx context.Context, req domain.CallRequest) domain.FunctionOutcome {
	return domain.Ok(req.Arguments)
}

// noopHandler always succeeds with an empty result.
func noopHandler(ctx context.Context, req domain.CallRequest) domain.FunctionOutcome {
	return domain.Empty()
}
