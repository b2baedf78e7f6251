package run

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"PhonePilot/internal/agent"
	xerrors "PhonePilot/internal/errors"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	result    func(task agent.Task, hooks agent.Hooks) agent.RunResult
}

func (f *fakeExecutor) Run(ctx context.Context, task agent.Task, hooks agent.Hooks) agent.RunResult {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return agent.RunResult{Status: agent.StatusAborted, Err: ctx.Err()}
		}
	}
	f.processed.Add(1)
	if f.result != nil {
		return f.result(task, hooks)
	}
	return agent.RunResult{Status: agent.StatusCompleted}
}

func TestProcessorHandlesConcurrentRuns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3, 25)
	processor := NewProcessor(executor, store, queue, queue, nil, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 100
	for i := 0; i < total; i++ {
		req := SubmitRequest{
			Instruction: fmt.Sprintf("task-%d", i),
			DeviceID:    fmt.Sprintf("dev-%d", i),
		}
		if _, err := service.Submit(ctx, req); err != nil {
			t.Fatalf("提交运行失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(executor.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("运行未能及时处理，已完成 %d", executor.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorMarksAbortedWithoutRetry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{
		result: func(agent.Task, agent.Hooks) agent.RunResult {
			return agent.RunResult{
				Status: agent.StatusAborted,
				Reason: string(xerrors.CodeUserCancelled),
			}
		},
	}

	service := NewService(store, queue, 3, 25)
	processor := NewProcessor(executor, store, queue, queue, nil)

	go func() { _ = processor.Start(ctx) }()

	record, err := service.Submit(ctx, SubmitRequest{Instruction: "付款", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("提交运行失败: %v", err)
	}

	final, err := service.WaitUntilFinished(ctx, record.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("等待终态失败: %v", err)
	}
	if final.Status != StatusAborted {
		t.Fatalf("unexpected status: %s", final.Status)
	}
	if final.Result == nil || final.Result.Reason != string(xerrors.CodeUserCancelled) {
		t.Fatalf("unexpected outcome: %+v", final.Result)
	}
	if final.Attempts != 1 {
		t.Fatalf("aborted run must not be retried, attempts=%d", final.Attempts)
	}
}

func TestProcessorRetriesRetryableFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)

	var calls atomic.Int32
	executor := &fakeExecutor{
		result: func(agent.Task, agent.Hooks) agent.RunResult {
			if calls.Add(1) == 1 {
				// 规划器超时是可重试错误。
				return agent.RunResult{
					Status: agent.StatusFailed,
					Reason: string(xerrors.CodePlannerTimeout),
					Err:    xerrors.New(xerrors.CodePlannerTimeout, "规划器超时"),
				}
			}
			return agent.RunResult{Status: agent.StatusCompleted}
		},
	}

	service := NewService(store, queue, 3, 25)
	processor := NewProcessor(executor, store, queue, queue, nil)

	go func() { _ = processor.Start(ctx) }()

	record, err := service.Submit(ctx, SubmitRequest{Instruction: "task", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("提交运行失败: %v", err)
	}

	final, err := service.WaitUntilFinished(ctx, record.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("等待终态失败: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s (last error %s)", final.Status, final.LastError)
	}
	if final.Attempts != 2 {
		t.Fatalf("expected one retry, attempts=%d", final.Attempts)
	}
}

func TestProcessorDegradesDeviceLoss(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{
		result: func(agent.Task, agent.Hooks) agent.RunResult {
			return agent.RunResult{
				Status: agent.StatusFailed,
				Reason: string(xerrors.CodeDeviceUnavailable),
				Err:    xerrors.New(xerrors.CodeDeviceUnavailable, "设备失联"),
			}
		},
	}

	service := NewService(store, queue, 3, 25)
	processor := NewProcessor(executor, store, queue, queue, nil,
		WithRecoveryHandler(NewDeviceLossFallback()),
	)

	go func() { _ = processor.Start(ctx) }()

	record, err := service.Submit(ctx, SubmitRequest{Instruction: "task", DeviceID: "dev-9"})
	if err != nil {
		t.Fatalf("提交运行失败: %v", err)
	}

	final, err := service.WaitUntilFinished(ctx, record.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("等待终态失败: %v", err)
	}
	if final.Status != StatusAborted {
		t.Fatalf("device loss must degrade to aborted, got %s", final.Status)
	}
	if final.Result == nil || final.Result.Reason != string(xerrors.CodeDeviceUnavailable) {
		t.Fatalf("unexpected outcome: %+v", final.Result)
	}
}

func TestProcessorBridgesConfirmationGate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	gates := NewGateRegistry()

	executor := &fakeExecutor{
		result: func(task agent.Task, hooks agent.Hooks) agent.RunResult {
			approved, err := hooks.Confirm(ctx, "启动支付应用")
			if err != nil {
				return agent.RunResult{Status: agent.StatusFailed, Err: err}
			}
			if !approved {
				return agent.RunResult{Status: agent.StatusAborted, Reason: string(xerrors.CodeUserCancelled)}
			}
			return agent.RunResult{Status: agent.StatusCompleted}
		},
	}

	service := NewService(store, queue, 3, 25)
	processor := NewProcessor(executor, store, queue, queue, gates)

	go func() { _ = processor.Start(ctx) }()

	record, err := service.Submit(ctx, SubmitRequest{Instruction: "付款", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("提交运行失败: %v", err)
	}

	// 等待运行挂起在确认点，存储状态应随之切换。
	deadline := time.After(3 * time.Second)
	for {
		if _, ok := gates.Pending(record.ID); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("confirmation gate never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	suspended, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if suspended.Status != StatusAwaitingConfirmation {
		t.Fatalf("store must reflect the suspension: %s", suspended.Status)
	}

	if err := gates.ResolveConfirmation(record.ID, true); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	final, err := service.WaitUntilFinished(ctx, record.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("等待终态失败: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", final.Status)
	}
}
