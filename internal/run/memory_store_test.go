package run

import (
	"context"
	"errors"
	"testing"

	xerrors "PhonePilot/internal/errors"
)

func newPendingRun(id string) *Run {
	return &Run{
		ID:          id,
		Instruction: "打开设置",
		DeviceID:    "dev-1",
		StepBudget:  10,
		Status:      StatusPending,
		MaxRetries:  3,
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Create(ctx, newPendingRun("r1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.Create(ctx, newPendingRun("r1")); !errors.Is(err, ErrRunConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	claimed, err := store.Claim(ctx, "r1")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed run: %+v", claimed)
	}

	// 运行中的记录不能被再次领取。
	if _, err := store.Claim(ctx, "r1"); !errors.Is(err, ErrRunConflict) {
		t.Fatalf("expected conflict on double claim, got %v", err)
	}

	outcome := Outcome{FinalStatus: "completed", StepCount: 2, LastStepIndex: 1}
	if err := store.MarkCompleted(ctx, "r1", outcome); err != nil {
		t.Fatalf("mark completed failed: %v", err)
	}
	record, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.Status != StatusCompleted || record.Result == nil || record.Result.StepCount != 2 {
		t.Fatalf("unexpected record: %+v", record)
	}

	if _, err := store.Claim(ctx, "r1"); !errors.Is(err, ErrRunFinished) {
		t.Fatalf("finished run must not be claimable, got %v", err)
	}
}

func TestMemoryStoreGateState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, newPendingRun("r1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if err := store.SetGateState(ctx, "r1", StatusAwaitingConfirmation); err != nil {
		t.Fatalf("set gate state failed: %v", err)
	}
	record, _ := store.Get(ctx, "r1")
	if record.Status != StatusAwaitingConfirmation {
		t.Fatalf("unexpected status: %s", record.Status)
	}

	if err := store.SetGateState(ctx, "r1", StatusCompleted); err == nil {
		t.Fatalf("terminal statuses must be rejected as gate states")
	}

	if err := store.MarkAborted(ctx, "r1", Outcome{FinalStatus: "aborted", Reason: "USER_CANCELLED"}); err != nil {
		t.Fatalf("mark aborted failed: %v", err)
	}
	if err := store.SetGateState(ctx, "r1", StatusRunning); !errors.Is(err, ErrRunFinished) {
		t.Fatalf("gate state on finished run must fail, got %v", err)
	}
}

func TestMemoryStoreClaimExhausted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	record := newPendingRun("r1")
	record.MaxRetries = 1
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := store.MarkFailed(ctx, "r1", xerrors.CodePlannerTimeout, "timeout", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); !errors.Is(err, ErrRunExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
}

func TestMemoryStoreListAndStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, id := range []string{"a", "b", "c"} {
		record := newPendingRun(id)
		if id == "c" {
			record.DeviceID = "dev-2"
		}
		if err := store.Create(ctx, record); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if _, err := store.Claim(ctx, "a"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := store.MarkCompleted(ctx, "a", Outcome{FinalStatus: "completed"}); err != nil {
		t.Fatalf("mark completed failed: %v", err)
	}

	pending, err := store.List(ctx, ListOptions{Statuses: []Status{StatusPending}})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending runs, got %d", len(pending))
	}

	byDevice, err := store.List(ctx, ListOptions{DeviceID: "dev-2"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(byDevice) != 1 || byDevice[0].ID != "c" {
		t.Fatalf("unexpected device filter result: %+v", byDevice)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 2 || stats.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
