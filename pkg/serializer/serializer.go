// Package serializer defines the byte-level serialization port used for
// message payloads and user argument blobs, together with the built-in
// JSON and msgpack back-ends.
//
// Every argument value is serialized independently, so the receiving side
// resolves each parameter's concrete type from the service descriptor
// rather than from the blob itself.
package serializer

import (
	"fmt"
	"sort"
	"sync"
)

// Serializer converts values to and from bytes. Implementations must
// round-trip all message structs in pkg/message and any user argument
// value whose static type is known from the service interface.
type Serializer interface {
	// Name identifies the serializer in configuration ("json", "msgpack").
	Name() string

	// Serialize encodes a value.
	Serialize(v any) ([]byte, error)

	// Deserialize decodes data into the value pointed to by into.
	Deserialize(data []byte, into any) error

	// EnvelopeNeeded reports whether bare (non-struct) values must be
	// wrapped in a single-field record so schema-based back-ends can
	// locate them.
	EnvelopeNeeded() bool
}

// valueEnvelope wraps a bare value for envelope-needed back-ends.
type valueEnvelope struct {
	Value any `json:"value" msgpack:"value"`
}

// Marshal serializes v, honoring the back-end's envelope flag.
func Marshal(s Serializer, v any) ([]byte, error) {
	if s.EnvelopeNeeded() {
		return s.Serialize(valueEnvelope{Value: v})
	}
	return s.Serialize(v)
}

// Unmarshal deserializes data into the value pointed to by into, honoring
// the back-end's envelope flag.
func Unmarshal(s Serializer, data []byte, into any) error {
	if s.EnvelopeNeeded() {
		env := valueEnvelope{Value: into}
		return s.Deserialize(data, &env)
	}
	return s.Deserialize(data, into)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Serializer{}
)

// Register adds a serializer under its name. Later registrations with the
// same name replace earlier ones.
func Register(s Serializer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[s.Name()] = s
}

// ByName returns the serializer registered under name. The empty name
// selects the JSON default.
func ByName(name string) (Serializer, error) {
	if name == "" {
		name = "json"
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown serializer %q (have %v)", name, names())
	}
	return s, nil
}

// names returns registered names for error reporting. Callers hold registryMu.
func names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
