package callcontext

import (
	"context"
	"testing"

	"github.com/marmos91/remoting/pkg/serializer"
)

func TestSetGetDelete(t *testing.T) {
	cc := New()

	cc.Set("tenant", "acme")
	cc.Set("attempt", 3)

	v, ok := cc.Get("tenant")
	if !ok || v != "acme" {
		t.Errorf("Get(tenant) = %v, %v", v, ok)
	}
	if cc.Len() != 2 {
		t.Errorf("Len = %d, want 2", cc.Len())
	}

	cc.Delete("tenant")
	if _, ok := cc.Get("tenant"); ok {
		t.Error("tenant survived Delete")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	cc := New()
	cc.Set("key", "before")

	snap := cc.Snapshot()
	cc.Set("key", "after")

	if snap["key"] != "before" {
		t.Error("snapshot mutated by later Set")
	}

	// Mutating the snapshot must not reach the context either.
	snap["other"] = 1
	if _, ok := cc.Get("other"); ok {
		t.Error("snapshot write leaked into the context")
	}
}

func TestMerge(t *testing.T) {
	cc := New()
	cc.Set("keep", "original")
	cc.Set("replace", "old")

	cc.Merge(map[string]any{"replace": "new", "added": 7})

	if v, _ := cc.Get("keep"); v != "original" {
		t.Errorf("keep = %v", v)
	}
	if v, _ := cc.Get("replace"); v != "new" {
		t.Errorf("replace = %v", v)
	}
	if v, _ := cc.Get("added"); v != 7 {
		t.Errorf("added = %v", v)
	}
}

func TestContextCarry(t *testing.T) {
	ctx := With(context.Background(), map[string]any{"trace": "abc123"})

	cc := FromContext(ctx)
	if cc == nil {
		t.Fatal("FromContext returned nil")
	}
	if v, _ := cc.Get("trace"); v != "abc123" {
		t.Errorf("seed entry = %v", v)
	}

	Set(ctx, "hop", 1)
	if v, ok := Get(ctx, "hop"); !ok || v != 1 {
		t.Errorf("Get(hop) = %v, %v", v, ok)
	}

	// Helpers are no-ops without an attached call context.
	bare := context.Background()
	Set(bare, "x", 1)
	if _, ok := Get(bare, "x"); ok {
		t.Error("Get succeeded on a bare context")
	}
	if FromContext(bare) != nil {
		t.Error("FromContext on bare context is non-nil")
	}
}

func TestWireEntriesRoundTrip(t *testing.T) {
	ser, err := serializer.ByName("json")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}

	cc := New()
	cc.Set("tenant", "acme")
	cc.Set("depth", 2)

	entries, err := EncodeEntries(ser, cc)
	if err != nil {
		t.Fatalf("EncodeEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	got, err := DecodeEntries(ser, entries)
	if err != nil {
		t.Fatalf("DecodeEntries: %v", err)
	}
	if got["tenant"] != "acme" {
		t.Errorf("tenant = %v", got["tenant"])
	}
	// JSON decodes numbers into float64.
	if got["depth"] != float64(2) {
		t.Errorf("depth = %v (%T)", got["depth"], got["depth"])
	}
}

func TestWireEntriesEmpty(t *testing.T) {
	ser, err := serializer.ByName("json")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}

	entries, err := EncodeEntries(ser, nil)
	if err != nil || entries != nil {
		t.Errorf("nil context: got %v, %v", entries, err)
	}
	entries, err = EncodeEntries(ser, New())
	if err != nil || entries != nil {
		t.Errorf("empty context: got %v, %v", entries, err)
	}

	m, err := DecodeEntries(ser, nil)
	if err != nil || m != nil {
		t.Errorf("nil entries: got %v, %v", m, err)
	}
}
