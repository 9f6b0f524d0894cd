package service

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/marmos91/remoting/pkg/rpcerror"
)

type counterService struct {
	n int
}

func (s *counterService) Bump() int { s.n++; return s.n }

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	reg, err := r.Register("counter", func() any { return &counterService{} }, SingleCall)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.Name != "counter" || reg.Lifetime != SingleCall {
		t.Errorf("registration mismatch: %+v", reg)
	}

	got, err := r.Lookup("counter")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != reg {
		t.Error("Lookup returned a different registration")
	}

	if _, err := r.Lookup("missing"); rpcerror.KindOf(err) != rpcerror.KindServiceUnknown {
		t.Errorf("missing service: got %v, want service_unknown", err)
	}
}

func TestRegisterDefaultName(t *testing.T) {
	r := NewRegistry()
	reg, err := r.Register("", func() any { return &counterService{} }, SingleCall)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.Name != "service.counterService" {
		t.Errorf("default name = %q", reg.Name)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register("c", func() any { return &counterService{} }, SingleCall); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := r.Register("c", func() any { return &counterService{} }, Singleton)
	if rpcerror.KindOf(err) != rpcerror.KindDuplicateRegistration {
		t.Errorf("got %v, want duplicate_registration", err)
	}
}

type mapScope struct {
	instances map[string]any
}

func (s *mapScope) ScopedInstance(name string, create func() any) any {
	if v, ok := s.instances[name]; ok {
		return v
	}
	if s.instances == nil {
		s.instances = make(map[string]any)
	}
	v := create()
	s.instances[name] = v
	return v
}

func TestResolveLifetimes(t *testing.T) {
	r := NewRegistry()
	mustRegister := func(name string, lt Lifetime) {
		t.Helper()
		if _, err := r.Register(name, func() any { return &counterService{} }, lt); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	mustRegister("fresh", SingleCall)
	mustRegister("session", Scoped)
	mustRegister("shared", Singleton)

	// single_call: every resolution is a distinct instance.
	a, _, err := r.Resolve("fresh", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b, _, _ := r.Resolve("fresh", nil)
	if a == b {
		t.Error("single_call returned the same instance twice")
	}

	// scoped: stable within a scope, distinct across scopes.
	s1, s2 := &mapScope{}, &mapScope{}
	x1, _, _ := r.Resolve("session", s1)
	x2, _, _ := r.Resolve("session", s1)
	y, _, _ := r.Resolve("session", s2)
	if x1 != x2 {
		t.Error("scoped resolution not stable within a scope")
	}
	if x1 == y {
		t.Error("scoped instance shared across scopes")
	}

	// scoped without a scope degrades to a fresh instance.
	z1, _, _ := r.Resolve("session", nil)
	z2, _, _ := r.Resolve("session", nil)
	if z1 == z2 {
		t.Error("nil-scope resolution cached an instance")
	}

	// singleton: one instance everywhere.
	g1, _, _ := r.Resolve("shared", s1)
	g2, _, _ := r.Resolve("shared", nil)
	if g1 != g2 {
		t.Error("singleton returned distinct instances")
	}
}

type notifyService struct{}

func (s *notifyService) Notify(msg string)       {}
func (s *notifyService) Query(msg string) string { return msg }

func TestWithOneWay(t *testing.T) {
	r := NewRegistry()
	reg, err := r.Register("notify", func() any { return &notifyService{} }, SingleCall, WithOneWay("Notify"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	byName := map[string]*MethodInfo{}
	for _, m := range reg.Descriptor.Methods {
		byName[m.Name] = m
	}
	if !byName["Notify"].OneWay {
		t.Error("Notify not marked one-way")
	}
	if byName["Query"].OneWay {
		t.Error("Query wrongly marked one-way")
	}

	_, err = r.Register("bad", func() any { return &notifyService{} }, SingleCall, WithOneWay("Nope"))
	if err == nil {
		t.Error("WithOneWay accepted an unknown method")
	}
}

func TestWithGenericMethod(t *testing.T) {
	r := NewRegistry()
	reg, err := r.Register("box", func() any { return &notifyService{} }, SingleCall,
		WithGenericMethod("Query", "string"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	m, err := reg.Descriptor.FindMethod("Query", []string{"string"}, []string{"string"})
	if err != nil {
		t.Fatalf("FindMethod: %v", err)
	}
	if m.GoName != "Query" || len(m.GenericArgNames) != 1 {
		t.Errorf("alias mismatch: %+v", m)
	}

	// The plain method is still reachable without type arguments.
	if _, err := reg.Descriptor.FindMethod("Query", nil, []string{"string"}); err != nil {
		t.Errorf("plain method lost: %v", err)
	}
}

type errService struct{}

func (s *errService) Fail() error                                  { return errors.New("boom") }
func (s *errService) Pair(v int) (int, error)                      { return v * 2, nil }
func (s *errService) WithCtx(ctx context.Context, v string) string { return v }

func TestDescriptorShapes(t *testing.T) {
	d, err := BuildDescriptor(&errService{})
	if err != nil {
		t.Fatalf("BuildDescriptor: %v", err)
	}

	byName := map[string]*MethodInfo{}
	for _, m := range d.Methods {
		byName[m.Name] = m
	}

	if m := byName["Fail"]; !m.ReturnsError || m.ReturnType != nil {
		t.Errorf("Fail shape: %+v", m)
	}
	if m := byName["Pair"]; !m.ReturnsError || m.ReturnType == nil || len(m.ParamTypeNames) != 1 {
		t.Errorf("Pair shape: %+v", m)
	}
	if m := byName["WithCtx"]; !m.TakesContext || len(m.ParamTypeNames) != 1 || m.ParamTypeNames[0] != "string" {
		t.Errorf("WithCtx shape: %+v", m)
	}
}

func TestMethodInvoke(t *testing.T) {
	d, err := BuildDescriptor(&errService{})
	if err != nil {
		t.Fatalf("BuildDescriptor: %v", err)
	}
	var pair *MethodInfo
	for _, m := range d.Methods {
		if m.Name == "Pair" {
			pair = m
		}
	}

	ret, err := pair.Invoke(context.Background(), &errService{}, []reflect.Value{reflect.ValueOf(21)})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if ret.Interface() != 42 {
		t.Errorf("got %v, want 42", ret.Interface())
	}
}
