package service

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/marmos91/remoting/pkg/rpcerror"
)

// Lifetime controls how service instances are produced per invocation.
type Lifetime int

const (
	// SingleCall produces a fresh instance for every invocation.
	SingleCall Lifetime = iota
	// Scoped produces one instance per session, cached on the session.
	Scoped
	// Singleton produces one instance for the server's lifetime.
	Singleton
)

func (l Lifetime) String() string {
	switch l {
	case SingleCall:
		return "single_call"
	case Scoped:
		return "scoped"
	case Singleton:
		return "singleton"
	default:
		return fmt.Sprintf("lifetime(%d)", int(l))
	}
}

// Factory produces service instances. It must return the same concrete
// type on every call.
type Factory func() any

// Registration binds a service name to its descriptor, factory, and
// lifetime.
type Registration struct {
	Name       string
	Descriptor *Descriptor
	Factory    Factory
	Lifetime   Lifetime
}

// Scope caches per-session service instances. Sessions implement it.
type Scope interface {
	// ScopedInstance returns the cached instance for name, creating and
	// caching it via create on first use.
	ScopedInstance(name string, create func() any) any
}

// Option customizes a registration.
type Option func(*Registration) error

// WithOneWay marks the named methods as one-way: they produce no response
// envelope and their failures stay on the callee side.
func WithOneWay(methods ...string) Option {
	return func(r *Registration) error {
		for _, name := range methods {
			found := false
			for _, m := range r.Descriptor.Methods {
				if m.Name == name {
					m.OneWay = true
					found = true
				}
			}
			if !found {
				return fmt.Errorf("one-way method %q not found on %s", name, r.Name)
			}
		}
		return nil
	}
}

// WithGenericMethod registers a wire alias for a generic instantiation:
// calls naming goMethod with the given type-argument names dispatch to
// goMethod. Type arguments are matched by full type name.
func WithGenericMethod(goMethod string, typeArgNames ...string) Option {
	return func(r *Registration) error {
		for _, m := range r.Descriptor.Methods {
			if m.GoName != goMethod || len(m.GenericArgNames) != 0 {
				continue
			}
			alias := *m
			alias.GenericArgNames = typeArgNames
			r.Descriptor.Methods = append(r.Descriptor.Methods, &alias)
			return nil
		}
		return fmt.Errorf("generic method %q not found on %s", goMethod, r.Name)
	}
}

// Registry maps service names to registrations. Reads vastly outnumber
// writes; registration is serialized by the registry lock while
// resolution takes only read locks.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Registration

	singletonsMu sync.Mutex
	singletons   map[string]any
	flight       singleflight.Group
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:    make(map[string]*Registration),
		singletons: make(map[string]any),
	}
}

// Register adds a service. An empty name selects the default: the
// implementation's package-qualified type name. Registering a name twice
// fails with duplicate_registration.
func (r *Registry) Register(name string, factory Factory, lifetime Lifetime, opts ...Option) (*Registration, error) {
	if factory == nil {
		return nil, rpcerror.New(rpcerror.KindInternal, "nil service factory")
	}

	probe := factory()
	desc, err := BuildDescriptor(probe)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindInternal, err, "build descriptor")
	}
	if name == "" {
		name = desc.Name
	}

	reg := &Registration{
		Name:       name,
		Descriptor: desc,
		Factory:    factory,
		Lifetime:   lifetime,
	}
	for _, opt := range opts {
		if err := opt(reg); err != nil {
			return nil, rpcerror.Wrap(rpcerror.KindInternal, err, "apply registration option")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return nil, rpcerror.Newf(rpcerror.KindDuplicateRegistration,
			"service %q already registered", name)
	}
	r.entries[name] = reg

	// The probe doubles as the singleton so the instance observed by the
	// first call is the one created at registration time.
	if lifetime == Singleton {
		r.singletonsMu.Lock()
		r.singletons[name] = probe
		r.singletonsMu.Unlock()
	}
	return reg, nil
}

// Lookup returns the registration for name, failing with service_unknown.
func (r *Registry) Lookup(name string) (*Registration, error) {
	r.mu.RLock()
	reg, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, rpcerror.Newf(rpcerror.KindServiceUnknown, "service %q not registered", name)
	}
	return reg, nil
}

// InterfaceOf returns the descriptor for name.
func (r *Registry) InterfaceOf(name string) (*Descriptor, error) {
	reg, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return reg.Descriptor, nil
}

// List returns a name-sorted snapshot of all registrations.
func (r *Registry) List() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registration, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve produces the service instance for an invocation according to
// the registered lifetime. scope may be nil for lifetimes that do not
// need it; resolving a scoped service without a scope falls back to a
// fresh instance.
func (r *Registry) Resolve(name string, scope Scope) (any, *Registration, error) {
	reg, err := r.Lookup(name)
	if err != nil {
		return nil, nil, err
	}

	switch reg.Lifetime {
	case Singleton:
		v, err, _ := r.flight.Do(name, func() (any, error) {
			r.singletonsMu.Lock()
			cached, ok := r.singletons[name]
			r.singletonsMu.Unlock()
			if ok {
				return cached, nil
			}
			instance := reg.Factory()
			r.singletonsMu.Lock()
			r.singletons[name] = instance
			r.singletonsMu.Unlock()
			return instance, nil
		})
		if err != nil {
			return nil, nil, rpcerror.Wrap(rpcerror.KindInternal, err, "create singleton")
		}
		return v, reg, nil

	case Scoped:
		if scope == nil {
			return reg.Factory(), reg, nil
		}
		return scope.ScopedInstance(name, reg.Factory), reg, nil

	default: // SingleCall
		return reg.Factory(), reg, nil
	}
}
