package provider

import (
	"context"
	"testing"
)

func drain(t *testing.T, ch <-chan Chunk) string {
	t.Helper()
	var out string
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("unexpected chunk error: %v", c.Err)
		}
		out += c.Text
	}
	return out
}

func TestMockProviderSendAndSuspendRestore(t *testing.T) {
	p := NewMockProvider()
	ctx := context.Background()

	sess, err := p.Create(ctx, "test-model", "be terse")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ch, err := sess.Send(ctx, "hello there")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp := drain(t, ch)
	if resp == "" {
		t.Fatalf("expected non-empty response")
	}

	state, err := sess.Suspend(ctx)
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if len(state) == 0 {
		t.Fatalf("expected non-empty opaque state")
	}

	restored, err := p.Restore(ctx, state)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	ch2, err := restored.Send(ctx, "again")
	if err != nil {
		t.Fatalf("Send after restore: %v", err)
	}
	if resp2 := drain(t, ch2); resp2 == "" {
		t.Fatalf("expected non-empty response after restore")
	}
}

func TestMockProviderSendAfterStopFails(t *testing.T) {
	p := NewMockProvider()
	ctx := context.Background()
	sess, _ := p.Create(ctx, "m", "")
	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := sess.Send(ctx, "hi"); err == nil {
		t.Fatalf("expected error sending on a stopped session")
	}
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry(NewMockProvider())
	if _, ok := r.Get("mock"); !ok {
		t.Fatalf("expected mock provider registered")
	}
	if _, ok := r.Get("nonexistent"); ok {
		t.Fatalf("expected nonexistent provider to be absent")
	}
}
