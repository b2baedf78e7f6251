package device

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"PhonePilot/internal/action"
	xerrors "PhonePilot/internal/errors"
)

type stubController struct {
	alive    bool
	tapErr   error
	tapCalls int
	tapDelay time.Duration
}

func (s *stubController) Capture(ctx context.Context) (*Screenshot, error) {
	return &Screenshot{Format: "png", Width: 1080, Height: 2400, TakenAt: time.Now()}, nil
}

func (s *stubController) Tap(ctx context.Context, x, y int) error {
	s.tapCalls++
	if s.tapDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.tapDelay):
		}
	}
	return s.tapErr
}

func (s *stubController) Swipe(ctx context.Context, path []action.Point) error { return nil }
func (s *stubController) Text(ctx context.Context, text string) error          { return nil }
func (s *stubController) Key(ctx context.Context, code int) error              { return nil }
func (s *stubController) Launch(ctx context.Context, pkg string) error         { return nil }
func (s *stubController) ListPackages(ctx context.Context) ([]string, error)   { return nil, nil }
func (s *stubController) Alive(ctx context.Context) bool                       { return s.alive }
func (s *stubController) Capabilities(ctx context.Context) (Capabilities, error) {
	return Capabilities{ExtendedInput: true}, nil
}

func TestManagerExclusiveAcquire(t *testing.T) {
	manager := NewManager()
	manager.Register("dev-1", KindLocal, &stubController{alive: true})

	first, err := manager.Acquire(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := manager.Acquire(context.Background(), "dev-1"); err == nil {
		t.Fatalf("expected second acquire to fail while locked")
	} else if xerrors.CodeOf(err) != xerrors.CodeDeviceUnavailable {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}

	first.Close()
	second, err := manager.Acquire(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	second.Close()
}

func TestManagerCloseIdempotent(t *testing.T) {
	manager := NewManager()
	manager.Register("dev-1", KindLocal, &stubController{alive: true})

	session, err := manager.Acquire(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	session.Close()
	session.Close()

	if _, err := manager.Acquire(context.Background(), "dev-1"); err != nil {
		t.Fatalf("acquire after double close failed: %v", err)
	}
}

func TestManagerUnknownDevice(t *testing.T) {
	manager := NewManager()
	if _, err := manager.Acquire(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for unknown device")
	}
}

func TestManagerDeadDevice(t *testing.T) {
	manager := NewManager()
	manager.Register("dev-1", KindNetwork, &stubController{alive: false})

	if _, err := manager.Acquire(context.Background(), "dev-1"); err == nil {
		t.Fatalf("expected error for dead device")
	}
	// 探活失败不应遗留锁。
	infos := manager.Snapshot()
	if len(infos) != 1 || infos[0].Locked {
		t.Fatalf("unexpected snapshot: %+v", infos)
	}
}

func TestGuardRetriesAfterTimeout(t *testing.T) {
	ctrl := &stubController{alive: true, tapDelay: 30 * time.Millisecond}
	guarded := WithGuard(ctrl, 10*time.Millisecond)

	// 第一次尝试超时，探活成功后重试；重试仍超时则判定不可用。
	err := guarded.Tap(context.Background(), 1, 2)
	if err == nil {
		t.Fatalf("expected failure when both attempts time out")
	}
	if xerrors.CodeOf(err) != xerrors.CodeDeviceUnavailable {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
	if ctrl.tapCalls != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", ctrl.tapCalls)
	}
}

func TestGuardFailsFastWhenDeviceGone(t *testing.T) {
	ctrl := &stubController{alive: false, tapDelay: 30 * time.Millisecond}
	guarded := WithGuard(ctrl, 10*time.Millisecond)

	err := guarded.Tap(context.Background(), 1, 2)
	if err == nil || xerrors.CodeOf(err) != xerrors.CodeDeviceUnavailable {
		t.Fatalf("expected device unavailable, got %v", err)
	}
	if ctrl.tapCalls != 1 {
		t.Fatalf("expected no retry when liveness check fails, got %d calls", ctrl.tapCalls)
	}
}

func TestGuardPassesThroughOtherErrors(t *testing.T) {
	wantErr := stdErrors.New("input rejected")
	ctrl := &stubController{alive: true, tapErr: wantErr}
	guarded := WithGuard(ctrl, time.Second)

	if err := guarded.Tap(context.Background(), 1, 2); !stdErrors.Is(err, wantErr) {
		t.Fatalf("expected original error, got %v", err)
	}
	if ctrl.tapCalls != 1 {
		t.Fatalf("non-timeout errors must not be retried, got %d calls", ctrl.tapCalls)
	}
}

func TestExecuteWaitHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Execute(ctx, &stubController{alive: true}, action.Wait(5000))
	if !stdErrors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
