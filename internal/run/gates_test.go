package run

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGateRegistryConfirmationRoundTrip(t *testing.T) {
	registry := NewGateRegistry()
	done := make(chan bool, 1)

	go func() {
		approved, err := registry.AwaitConfirmation(context.Background(), "r1", "启动支付应用")
		if err != nil {
			t.Errorf("await failed: %v", err)
		}
		done <- approved
	}()

	// 等待挂起点登记完成。
	deadline := time.After(2 * time.Second)
	for {
		if _, ok := registry.Pending("r1"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pending gate never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	info, _ := registry.Pending("r1")
	if info.Kind != StatusAwaitingConfirmation || info.Description != "启动支付应用" {
		t.Fatalf("unexpected pending info: %+v", info)
	}

	if err := registry.ResolveConfirmation("r1", true); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	select {
	case approved := <-done:
		if !approved {
			t.Fatalf("expected approval to propagate")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("await never resumed")
	}

	if _, ok := registry.Pending("r1"); ok {
		t.Fatalf("gate must be unregistered after resolution")
	}
}

func TestGateRegistryTakeover(t *testing.T) {
	registry := NewGateRegistry()
	done := make(chan error, 1)

	go func() {
		done <- registry.AwaitTakeover(context.Background(), "r1", "login")
	}()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := registry.Pending("r1"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pending gate never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// 接管挂起点不接受确认决策。
	if err := registry.ResolveConfirmation("r1", true); !errors.Is(err, ErrNoPendingGate) {
		t.Fatalf("expected no pending confirmation, got %v", err)
	}
	if err := registry.ResolveTakeover("r1"); err != nil {
		t.Fatalf("resolve takeover failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("await takeover failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("await never resumed")
	}
}

func TestGateRegistryResolveWithoutPending(t *testing.T) {
	registry := NewGateRegistry()
	if err := registry.ResolveConfirmation("ghost", true); !errors.Is(err, ErrNoPendingGate) {
		t.Fatalf("expected ErrNoPendingGate, got %v", err)
	}
	if err := registry.ResolveTakeover("ghost"); !errors.Is(err, ErrNoPendingGate) {
		t.Fatalf("expected ErrNoPendingGate, got %v", err)
	}
}

func TestGateRegistryCancelledAwait(t *testing.T) {
	registry := NewGateRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := registry.AwaitConfirmation(ctx, "r1", "desc")
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := registry.Pending("r1"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pending gate never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("await never resumed after cancel")
	}
}
