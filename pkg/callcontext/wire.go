package callcontext

import (
	"github.com/marmos91/remoting/pkg/message"
	"github.com/marmos91/remoting/pkg/serializer"
)

// EncodeEntries serializes a snapshot of the call context into wire
// entries. A nil context yields nil.
func EncodeEntries(s serializer.Serializer, cc *Context) ([]message.CallContextEntry, error) {
	if cc == nil || cc.Len() == 0 {
		return nil, nil
	}
	snapshot := cc.Snapshot()
	entries := make([]message.CallContextEntry, 0, len(snapshot))
	for name, v := range snapshot {
		blob, err := serializer.Marshal(s, v)
		if err != nil {
			return nil, err
		}
		entries = append(entries, message.CallContextEntry{Name: name, Value: blob})
	}
	return entries, nil
}

// DecodeEntries deserializes wire entries into a plain map. Values come
// back in the serializer's generic representation (JSON: string, float64,
// map, slice).
func DecodeEntries(s serializer.Serializer, entries []message.CallContextEntry) (map[string]any, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(entries))
	for _, e := range entries {
		var v any
		if len(e.Value) != 0 {
			if err := serializer.Unmarshal(s, e.Value, &v); err != nil {
				return nil, err
			}
		}
		out[e.Name] = v
	}
	return out, nil
}
