package serializer

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack is a compact binary alternative to JSON. Wire-compatible peers
// must agree on the serializer out of band (it is part of the channel
// configuration, not negotiated).
type Msgpack struct{}

func init() { Register(Msgpack{}) }

func (Msgpack) Name() string { return "msgpack" }

func (Msgpack) Serialize(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack serialize: %w", err)
	}
	return data, nil
}

func (Msgpack) Deserialize(data []byte, into any) error {
	if err := msgpack.Unmarshal(data, into); err != nil {
		return fmt.Errorf("msgpack deserialize: %w", err)
	}
	return nil
}

func (Msgpack) EnvelopeNeeded() bool { return false }
