package run

import (
	"context"
	"errors"
	"sync"
)

// delivery 是内存队列中的一条投递，redelivered 标记是否已重投过。
type delivery struct {
	runID       string
	redelivered bool
}

// MemoryQueue 使用 channel 模拟消息队列，主要用于测试。
// 处理失败的运行最多重投一次，与 broker 队列的有界重投语义一致。
type MemoryQueue struct {
	ch     chan delivery
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan delivery, size)}
}

// Publish 将运行投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, runID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errors.New("队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- delivery{runID: runID}:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的运行。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, d.runID); err != nil && !d.redelivered {
						q.redeliverOnce(d)
					}
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// redeliverOnce 把处理失败的运行重投回队列，队列已满或已关闭时丢弃。
func (q *MemoryQueue) redeliverOnce(d delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	d.redelivered = true
	select {
	case q.ch <- d:
	default:
	}
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
