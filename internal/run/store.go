package run

import (
	"context"

	xerrors "PhonePilot/internal/errors"
)

// Store 抽象了运行状态的持久化接口。
type Store interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	Claim(ctx context.Context, id string) (*Run, error)
	// SetGateState 在运行等待人工决策时切换可见状态，
	// 决策完成后由处理器切回 running。
	SetGateState(ctx context.Context, id string, status Status) error
	MarkCompleted(ctx context.Context, id string, outcome Outcome) error
	MarkAborted(ctx context.Context, id string, outcome Outcome) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Run, error)
	Stats(ctx context.Context, opts ListOptions) (RunStats, error)
	Close() error
}
