package armi

import (
	"context"
	"fmt"
	"sync"
)

// Handler is one method's declarative, non-reflective entry: a typed
// function over the closed Value grammar, replacing the runtime-reflected
// dispatch of Armi.java's invoke(). This is the Go-idiomatic service
// descriptor called for in §9.
type Handler func(ctx context.Context, args []Value) (Value, error)

// Service is a named, declarative method table. Registering a Service
// never inspects Go reflect.Type; every method it exposes is supplied
// directly by the registering code.
type Service struct {
	Name    string
	Methods map[string]Handler
}

// Registry stores one Service per name, grounded on Armi.java's service
// map keyed by name with replace-on-register, remove-on-nil semantics.
type Registry struct {
	mu       sync.Mutex
	services map[string]*Service
}

// NewRegistry returns an empty service registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Register installs svc under its name, replacing any prior registration.
// A Service whose Methods is nil unregisters the service of that name
// (Service{Name: name}); a nil *Service is ignored.
func (r *Registry) Register(svc *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc == nil {
		return
	}
	if svc.Methods == nil {
		delete(r.services, svc.Name)
		registryLog.WithField("service", svc.Name).Info("service unregistered")
		return
	}
	r.services[svc.Name] = svc
	registryLog.WithField("service", svc.Name).Info("service registered")
}

// Unregister removes the named service, the explicit form of "register
// with null" from §3.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, name)
	registryLog.WithField("service", name).Info("service unregistered")
}

func (r *Registry) lookup(name string) (*Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Names returns every registered service name, the diagnostic
// ServiceNames() surface named in SPEC_FULL.md §4.3.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.services))
	for name := range r.services {
		out = append(out, name)
	}
	return out
}

// Invoke runs serviceName.methodName(args), implementing the invocation
// worker's first three steps from §4.4: service lookup, method resolution
// by name (arity is simply len(args), checked by the handler itself since
// Go has no variadic-by-reflection concept to special-case), and rejection
// of an unknown service/method as an invocationError. A handler's error
// return is wrapped as an invocationError cause, mirroring "a user-thrown
// exception propagates as armiError wrapping the cause."
func (r *Registry) Invoke(ctx context.Context, serviceName, methodName string, args []Value) (Value, error) {
	svc, ok := r.lookup(serviceName)
	if !ok {
		return Value{}, NewArmiError(KindInvocationError, fmt.Sprintf("Service not found: %q", serviceName))
	}
	handler, ok := svc.Methods[methodName]
	if !ok {
		return Value{}, NewArmiError(KindInvocationError, fmt.Sprintf("method not found: %s.%s", serviceName, methodName))
	}
	result, err := handler(ctx, args)
	if err != nil {
		return Value{}, Wrap(KindInvocationError, fmt.Sprintf("%s.%s failed", serviceName, methodName), err)
	}
	return result, nil
}
