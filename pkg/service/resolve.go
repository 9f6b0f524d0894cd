package service

import (
	"slices"
	"strings"

	"github.com/marmos91/remoting/pkg/rpcerror"
)

// FindMethod locates the target method for a call by name, generic type
// arguments, and the serialized parameter type-name tuple.
//
// Tie-break rule: an exact match on all serialized type names beats any
// arity-only match; if more than one candidate remains after that, the
// call fails with ambiguous_method.
func (d *Descriptor) FindMethod(name string, genericArgs, paramTypeNames []string) (*MethodInfo, error) {
	var named []*MethodInfo
	for _, m := range d.Methods {
		if m.Name == name && slices.Equal(m.GenericArgNames, genericArgs) {
			named = append(named, m)
		}
	}
	if len(named) == 0 {
		return nil, rpcerror.Newf(rpcerror.KindMethodUnknown,
			"method %s%s not found on %s", name, renderGenerics(genericArgs), d.Name)
	}

	var exact, arity []*MethodInfo
	for _, m := range named {
		if slices.Equal(m.ParamTypeNames, paramTypeNames) {
			exact = append(exact, m)
		} else if len(m.ParamTypeNames) == len(paramTypeNames) {
			arity = append(arity, m)
		}
	}

	switch {
	case len(exact) == 1:
		return exact[0], nil
	case len(exact) > 1:
		return nil, rpcerror.Newf(rpcerror.KindAmbiguousMethod,
			"method %s on %s has %d exact overloads", name, d.Name, len(exact))
	case len(arity) == 1:
		return arity[0], nil
	case len(arity) > 1:
		return nil, rpcerror.Newf(rpcerror.KindAmbiguousMethod,
			"method %s on %s has %d candidates for %d parameters", name, d.Name, len(arity), len(paramTypeNames))
	default:
		return nil, rpcerror.Newf(rpcerror.KindMethodUnknown,
			"method %s on %s takes no %d-parameter form", name, d.Name, len(paramTypeNames))
	}
}

func renderGenerics(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return "[" + strings.Join(args, ",") + "]"
}
