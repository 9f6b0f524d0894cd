// Package message defines the typed RPC messages carried inside wire
// envelopes. These structs are serializer-agnostic: the configured
// serializer turns them into the envelope payload, and every user argument
// value travels as an independently serialized blob so that per-parameter
// type resolution happens on the receiving side.
package message

// Param describes one parameter of a method call. Value is empty iff
// IsNull is set. Delegate-typed parameters carry a serialized DelegateRef
// instead of a user value.
type Param struct {
	Name     string `json:"name" msgpack:"name"`
	TypeName string `json:"type_name" msgpack:"type_name"`
	IsOut    bool   `json:"is_out" msgpack:"is_out"`
	IsNull   bool   `json:"is_null" msgpack:"is_null"`
	Value    []byte `json:"value,omitempty" msgpack:"value"`
}

// CallContextEntry is one name/value pair of the per-call ambient context.
// The value blob is serialized with the session serializer.
type CallContextEntry struct {
	Name  string `json:"name" msgpack:"name"`
	Value []byte `json:"value,omitempty" msgpack:"value"`
}

// MethodCall asks the server to invoke a method on a named service.
type MethodCall struct {
	ServiceName         string             `json:"service_name" msgpack:"service_name"`
	MethodName          string             `json:"method_name" msgpack:"method_name"`
	GenericTypeArgNames []string           `json:"generic_type_arg_names,omitempty" msgpack:"generic_type_arg_names"`
	Parameters          []Param            `json:"parameters,omitempty" msgpack:"parameters"`
	CallContext         []CallContextEntry `json:"call_context,omitempty" msgpack:"call_context"`
}

// OutParam carries the post-invocation value of an out parameter.
type OutParam struct {
	Name   string `json:"name" msgpack:"name"`
	IsNull bool   `json:"is_null" msgpack:"is_null"`
	Value  []byte `json:"value,omitempty" msgpack:"value"`
}

// MethodCallResult is the success response to a MethodCall. Failures travel
// as a Fault in an envelope with the error flag set instead.
type MethodCallResult struct {
	IsReturnNull  bool               `json:"is_return_null" msgpack:"is_return_null"`
	ReturnValue   []byte             `json:"return_value,omitempty" msgpack:"return_value"`
	OutParameters []OutParam         `json:"out_parameters,omitempty" msgpack:"out_parameters"`
	CallContext   []CallContextEntry `json:"call_context,omitempty" msgpack:"call_context"`
}

// DelegateInvocation is a callback from the service side to a handler the
// client registered earlier. The envelope's correlation id is empty for
// fire-and-forget invocations and non-empty when the proxy signature has a
// return value.
type DelegateInvocation struct {
	HandlerKey []byte   `json:"handler_key" msgpack:"handler_key"`
	Arguments  [][]byte `json:"arguments,omitempty" msgpack:"arguments"`
}

// DelegateRef is the placeholder value shipped in a Param whose declared
// type is a delegate. Signature is the textual signature of the callback
// so both sides can validate argument arity and types.
type DelegateRef struct {
	HandlerKey []byte `json:"handler_key" msgpack:"handler_key"`
	Signature  string `json:"signature" msgpack:"signature"`
}

// FaultDepthLimit caps recursive fault causes to avoid unbounded nesting.
const FaultDepthLimit = 16

// Fault is the serialized form of a failure raised by service code or by
// the dispatcher itself.
type Fault struct {
	TypeName   string            `json:"type_name" msgpack:"type_name"`
	Message    string            `json:"message" msgpack:"message"`
	StackTrace string            `json:"stack_trace,omitempty" msgpack:"stack_trace"`
	Data       map[string]string `json:"data,omitempty" msgpack:"data"`
	Inner      *Fault            `json:"inner,omitempty" msgpack:"inner"`
}

// Truncate returns the fault with its cause chain cut at FaultDepthLimit.
func (f *Fault) Truncate() *Fault {
	cur := f
	for depth := 1; cur != nil; depth++ {
		if depth >= FaultDepthLimit {
			cur.Inner = nil
			break
		}
		cur = cur.Inner
	}
	return f
}
