// Package service implements the service registry: reflection-derived
// interface descriptors, factories with single-call, scoped, and
// singleton lifetimes, and method resolution for the invocation
// dispatcher.
package service

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// MethodInfo describes one invocable method of a service.
type MethodInfo struct {
	// Name is the wire-visible method name. For generic instantiations it
	// carries the decoration "Name[T1,T2]" while GoName holds the actual
	// Go method to invoke.
	Name   string
	GoName string

	// GenericArgNames are the full type names of the instantiation's type
	// arguments, empty for non-generic methods.
	GenericArgNames []string

	// TakesContext reports whether the first Go parameter is a
	// context.Context (never serialized).
	TakesContext bool

	// ParamTypes are the serialized parameter types in order, excluding
	// the context. ParamNames are the wire names (arg0..argN) and
	// ParamTypeNames the serialized type names used for resolution.
	ParamTypes     []reflect.Type
	ParamNames     []string
	ParamTypeNames []string

	// ReturnType is the non-error return type, or nil.
	ReturnType   reflect.Type
	ReturnsError bool

	// OneWay methods send no response envelope; failures are logged on
	// the callee side only.
	OneWay bool

	method reflect.Method
}

// IsDelegateParam reports whether parameter i is delegate-typed (a func
// value the dispatcher replaces with a proxy bound to the caller).
func (m *MethodInfo) IsDelegateParam(i int) bool {
	return i >= 0 && i < len(m.ParamTypes) && m.ParamTypes[i].Kind() == reflect.Func
}

// Descriptor is the interface contract of a registered service: the
// method set with parameter type names, return types, and one-way flags.
type Descriptor struct {
	// Name is the default service name: the implementation's
	// package-qualified type name.
	Name    string
	Type    reflect.Type
	Methods []*MethodInfo
}

// TypeName returns the serialized name of a Go type, as carried in
// Param.TypeName and used for method resolution on the receiving side.
func TypeName(t reflect.Type) string {
	return t.String()
}

// Signature renders a delegate signature ("func(int) error") for handler
// validation on both sides of the wire.
func Signature(t reflect.Type) string {
	return t.String()
}

// BuildDescriptor derives a descriptor from a service implementation via
// reflection. Exported methods of these shapes are invocable:
//
//	func (s *T) M([ctx context.Context,] args...) error
//	func (s *T) M([ctx context.Context,] args...) (R, error)
//	func (s *T) M([ctx context.Context,] args...)
//	func (s *T) M([ctx context.Context,] args...) R
//
// Methods with more than one non-error result are rejected.
func BuildDescriptor(impl any) (*Descriptor, error) {
	t := reflect.TypeOf(impl)
	if t == nil {
		return nil, fmt.Errorf("service: nil implementation")
	}

	d := &Descriptor{
		Name: strings.TrimPrefix(t.String(), "*"),
		Type: t,
	}

	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if m.PkgPath != "" {
			continue // unexported
		}
		info, err := buildMethodInfo(m)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", d.Name, err)
		}
		d.Methods = append(d.Methods, info)
	}

	if len(d.Methods) == 0 {
		return nil, fmt.Errorf("service: type %s has no invocable exported methods", t)
	}
	return d, nil
}

func buildMethodInfo(m reflect.Method) (*MethodInfo, error) {
	ft := m.Func.Type()

	info := &MethodInfo{
		Name:   m.Name,
		GoName: m.Name,
		method: m,
	}

	// Skip the receiver at index 0.
	first := 1
	if ft.NumIn() > 1 && ft.In(1) == ctxType {
		info.TakesContext = true
		first = 2
	}
	for i := first; i < ft.NumIn(); i++ {
		pt := ft.In(i)
		info.ParamTypes = append(info.ParamTypes, pt)
		info.ParamNames = append(info.ParamNames, fmt.Sprintf("arg%d", i-first))
		info.ParamTypeNames = append(info.ParamTypeNames, TypeName(pt))
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errType {
			info.ReturnsError = true
		} else {
			info.ReturnType = ft.Out(0)
		}
	case 2:
		if ft.Out(1) != errType {
			return nil, fmt.Errorf("method %s: second result must be error, got %s", m.Name, ft.Out(1))
		}
		info.ReturnType = ft.Out(0)
		info.ReturnsError = true
	default:
		return nil, fmt.Errorf("method %s: too many results (%d)", m.Name, ft.NumOut())
	}

	return info, nil
}

// Invoke calls the method on instance with the given argument values
// (excluding receiver and context, which are supplied here) and returns
// the non-error result (or invalid Value) and the error result.
func (m *MethodInfo) Invoke(ctx context.Context, instance any, args []reflect.Value) (reflect.Value, error) {
	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, reflect.ValueOf(instance))
	if m.TakesContext {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, args...)

	out := m.method.Func.Call(in)

	var ret reflect.Value
	var err error
	switch {
	case m.ReturnType != nil && m.ReturnsError:
		ret = out[0]
		if !out[1].IsNil() {
			err = out[1].Interface().(error)
		}
	case m.ReturnType != nil:
		ret = out[0]
	case m.ReturnsError:
		if !out[0].IsNil() {
			err = out[0].Interface().(error)
		}
	}
	return ret, err
}
