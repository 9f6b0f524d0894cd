package transport

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := Pipe()
	defer a.Close() //nolint:errcheck
	defer b.Close() //nolint:errcheck
	ctx := context.Background()

	if err := a.Send(ctx, []byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != "ping" {
		t.Errorf("got %q", got)
	}

	// Both directions work.
	if err := b.Send(ctx, []byte("pong")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err = a.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != "pong" {
		t.Errorf("got %q", got)
	}
}

func TestPipeCopiesBuffers(t *testing.T) {
	a, b := Pipe()
	defer a.Close() //nolint:errcheck
	defer b.Close() //nolint:errcheck
	ctx := context.Background()

	buf := []byte("original")
	if err := a.Send(ctx, buf); err != nil {
		t.Fatalf("Send: %v", err)
	}
	copy(buf, "mutated!")

	got, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(got, []byte("original")) {
		t.Errorf("sender mutation leaked: %q", got)
	}
}

func TestPipeOrdering(t *testing.T) {
	a, b := Pipe()
	defer a.Close() //nolint:errcheck
	defer b.Close() //nolint:errcheck
	ctx := context.Background()

	frames := [][]byte{[]byte("1"), []byte("2"), []byte("3")}
	for _, f := range frames {
		if err := a.Send(ctx, f); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for i, want := range frames {
		got, err := b.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d = %q, want %q", i, got, want)
		}
	}
}

func TestPipeCloseDrainsThenEOF(t *testing.T) {
	a, b := Pipe()
	defer b.Close() //nolint:errcheck
	ctx := context.Background()

	if err := a.Send(ctx, []byte("parting gift")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The frame sent before the close is still delivered.
	got, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != "parting gift" {
		t.Errorf("got %q", got)
	}

	if _, err := b.Receive(ctx); err != io.EOF {
		t.Errorf("after drain: got %v, want io.EOF", err)
	}

	// Sending on a closed pipe fails.
	if err := b.Send(ctx, []byte("x")); err == nil {
		t.Error("Send succeeded after peer close")
	}

	// Close is idempotent.
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestPipeReceiveContext(t *testing.T) {
	a, b := Pipe()
	defer a.Close() //nolint:errcheck
	defer b.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Receive(ctx); err != context.DeadlineExceeded {
		t.Errorf("got %v, want context.DeadlineExceeded", err)
	}
}
