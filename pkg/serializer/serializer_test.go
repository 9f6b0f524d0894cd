package serializer

import (
	"bytes"
	"testing"

	"github.com/marmos91/remoting/pkg/message"
)

func backends(t *testing.T) []Serializer {
	t.Helper()
	var out []Serializer
	for _, name := range []string{"json", "msgpack"} {
		s, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%s): %v", name, err)
		}
		out = append(out, s)
	}
	return out
}

func TestByName(t *testing.T) {
	s, err := ByName("")
	if err != nil {
		t.Fatalf("ByName(\"\"): %v", err)
	}
	if s.Name() != "json" {
		t.Errorf("empty name selected %q, want json", s.Name())
	}

	if _, err := ByName("protobuf"); err == nil {
		t.Error("ByName accepted an unregistered serializer")
	}
}

func TestMethodCallRoundTrip(t *testing.T) {
	call := &message.MethodCall{
		ServiceName: "gateway",
		MethodName:  "Watch",
		Parameters: []message.Param{
			{Name: "arg0", TypeName: "string", Value: []byte(`"orders"`)},
			{Name: "arg1", TypeName: "*int", IsOut: true, Value: []byte(`5`)},
			{Name: "arg2", TypeName: "main.Filter", IsNull: true},
		},
		CallContext: []message.CallContextEntry{{Name: "tenant", Value: []byte(`"acme"`)}},
	}

	for _, s := range backends(t) {
		t.Run(s.Name(), func(t *testing.T) {
			blob, err := s.Serialize(call)
			if err != nil {
				t.Fatalf("Serialize: %v", err)
			}
			var got message.MethodCall
			if err := s.Deserialize(blob, &got); err != nil {
				t.Fatalf("Deserialize: %v", err)
			}
			if got.ServiceName != call.ServiceName || got.MethodName != call.MethodName {
				t.Errorf("header = %s.%s", got.ServiceName, got.MethodName)
			}
			if len(got.Parameters) != 3 {
				t.Fatalf("got %d parameters", len(got.Parameters))
			}
			if !got.Parameters[1].IsOut || !bytes.Equal(got.Parameters[1].Value, []byte(`5`)) {
				t.Errorf("out param = %+v", got.Parameters[1])
			}
			if !got.Parameters[2].IsNull || len(got.Parameters[2].Value) != 0 {
				t.Errorf("null param = %+v", got.Parameters[2])
			}
			if len(got.CallContext) != 1 || got.CallContext[0].Name != "tenant" {
				t.Errorf("call context = %+v", got.CallContext)
			}
		})
	}
}

func TestFaultRoundTrip(t *testing.T) {
	fault := &message.Fault{
		TypeName: "errors.errorString",
		Message:  "deliberate failure",
		Data:     map[string]string{"kind": "service_faulted"},
		Inner:    &message.Fault{Message: "root cause"},
	}

	for _, s := range backends(t) {
		t.Run(s.Name(), func(t *testing.T) {
			blob, err := s.Serialize(fault)
			if err != nil {
				t.Fatalf("Serialize: %v", err)
			}
			var got message.Fault
			if err := s.Deserialize(blob, &got); err != nil {
				t.Fatalf("Deserialize: %v", err)
			}
			if got.Message != fault.Message || got.Data["kind"] != "service_faulted" {
				t.Errorf("fault = %+v", got)
			}
			if got.Inner == nil || got.Inner.Message != "root cause" {
				t.Errorf("inner = %+v", got.Inner)
			}
		})
	}
}

func TestFaultTruncate(t *testing.T) {
	// A cause chain twice the depth limit gets cut at the limit.
	root := &message.Fault{Message: "level 0"}
	cur := root
	for i := 1; i < 2*message.FaultDepthLimit; i++ {
		cur.Inner = &message.Fault{Message: "deeper"}
		cur = cur.Inner
	}

	root.Truncate()

	depth := 0
	for f := root; f != nil; f = f.Inner {
		depth++
	}
	if depth != message.FaultDepthLimit {
		t.Errorf("depth after Truncate = %d, want %d", depth, message.FaultDepthLimit)
	}
}

func TestMarshalBareValues(t *testing.T) {
	for _, s := range backends(t) {
		t.Run(s.Name(), func(t *testing.T) {
			blob, err := Marshal(s, 42)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var n int
			if err := Unmarshal(s, blob, &n); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if n != 42 {
				t.Errorf("n = %d", n)
			}
		})
	}
}
