package serializer

import (
	"encoding/json"
	"fmt"
)

// JSON is the default serializer. It is self-describing, so bare values
// need no envelope record.
type JSON struct{}

func init() { Register(JSON{}) }

func (JSON) Name() string { return "json" }

func (JSON) Serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json serialize: %w", err)
	}
	return data, nil
}

func (JSON) Deserialize(data []byte, into any) error {
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("json deserialize: %w", err)
	}
	return nil
}

func (JSON) EnvelopeNeeded() bool { return false }
