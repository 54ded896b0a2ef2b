// Package registry provides name-based intra-process dispatch over a
// uniform request/response envelope. Modules call each other through the
// envelope instead of importing one another, so moving a service behind a
// network transport changes only the registry implementation.
package registry

import (
	"context"
	"sync"

	"github.com/cutfactor/cutcore/domain"
)

type (
	// Request is the uniform call envelope.
	Request struct {
		Method  string
		Path    string
		Data    any
		Headers map[string]string
	}

	// Response is the uniform reply envelope.
	Response struct {
		Success bool
		Data    any
		Error   string
	}

	// Handler serves one path of a registered service.
	Handler func(ctx context.Context, req Request) (any, error)

	// Registry dispatches envelopes to handlers registered under
	// (service, method, path).
	Registry struct {
		mu       sync.RWMutex
		services map[string]map[routeKey]Handler
	}

	routeKey struct {
		method string
		path   string
	}
)

// New returns an empty isolated registry. Production code shares Default.
func New() *Registry {
	return &Registry{services: map[string]map[routeKey]Handler{}}
}

// defaultRegistry is the process-wide instance.
var defaultRegistry = New()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register binds a handler to (service, method, path). Registering the
// same route twice replaces the handler.
func (r *Registry) Register(service, method, path string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	routes, ok := r.services[service]
	if !ok {
		routes = map[routeKey]Handler{}
		r.services[service] = routes
	}
	routes[routeKey{method: method, path: path}] = h
}

// Unregister removes a whole service.
func (r *Registry) Unregister(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, service)
}

// Services lists the registered service names.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.services))
	for name := range r.services {
		out = append(out, name)
	}
	return out
}

// Request dispatches the envelope. An unknown service fails with
// SERVICE_NOT_FOUND, an unknown route within a known service with
// NOT_FOUND. Handler errors are folded into the response envelope.
func (r *Registry) Request(ctx context.Context, service string, req Request) Response {
	r.mu.RLock()
	routes, ok := r.services[service]
	var h Handler
	if ok {
		h = routes[routeKey{method: req.Method, path: req.Path}]
	}
	r.mu.RUnlock()

	if !ok {
		return errResponse(domain.Ef(domain.KindServiceNotFound, "service %q not registered", service))
	}
	if h == nil {
		return errResponse(domain.Ef(domain.KindNotFound, "no handler for %s %s on %q", req.Method, req.Path, service))
	}
	data, err := h(ctx, req)
	if err != nil {
		return errResponse(err)
	}
	return Response{Success: true, Data: data}
}

func errResponse(err error) Response {
	return Response{Success: false, Error: err.Error()}
}
