package run

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueueRedeliversFailedRunOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queue := NewMemoryQueue(4)
	defer queue.Close()

	var mu sync.Mutex
	calls := 0
	second := make(chan struct{})
	handler := func(ctx context.Context, runID string) error {
		mu.Lock()
		calls++
		if calls == 2 {
			close(second)
		}
		mu.Unlock()
		return errors.New("存储暂不可用")
	}

	go func() { _ = queue.Consume(ctx, 1, handler) }()

	if err := queue.Publish(ctx, "run-1"); err != nil {
		t.Fatalf("发布运行失败: %v", err)
	}

	select {
	case <-second:
	case <-time.After(3 * time.Second):
		t.Fatalf("failed run must be redelivered once")
	}

	// 再观察一段时间，确认不会第三次投递。
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 2 {
		t.Fatalf("expected exactly 2 deliveries, got %d", got)
	}
}

func TestMemoryQueueRejectsPublishAfterClose(t *testing.T) {
	queue := NewMemoryQueue(4)
	if err := queue.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := queue.Publish(context.Background(), "run-1"); err == nil {
		t.Fatalf("publish after close must fail")
	}
}
