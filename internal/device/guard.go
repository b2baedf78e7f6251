package device

import (
	"context"
	stdErrors "errors"
	"time"

	"PhonePilot/internal/action"
	xerrors "PhonePilot/internal/errors"
)

// guarded 为控制器的每个操作套上独立的超时预算：
// 操作超时后先做一次探活，设备仍在线才重试一次，再失败即视为致命。
// 设备操作超时与规划器调用超时是两套互不影响的预算。
type guarded struct {
	inner   Controller
	timeout time.Duration
}

// WithGuard 包装控制器，timeout 为单次设备操作的超时时间。
func WithGuard(ctrl Controller, timeout time.Duration) Controller {
	if timeout <= 0 {
		return ctrl
	}
	return &guarded{inner: ctrl, timeout: timeout}
}

func (g *guarded) do(ctx context.Context, op func(context.Context) error) error {
	attempt := func() error {
		opCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return op(opCtx)
	}

	err := attempt()
	if err == nil {
		return nil
	}
	if !stdErrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// 外层取消时不做重试。
	if ctx.Err() != nil {
		return ctx.Err()
	}

	aliveCtx, cancel := context.WithTimeout(ctx, g.timeout)
	alive := g.inner.Alive(aliveCtx)
	cancel()
	if !alive {
		return xerrors.Wrap(xerrors.CodeDeviceUnavailable, err, "设备操作超时且探活失败")
	}

	if retryErr := attempt(); retryErr != nil {
		return xerrors.Wrap(xerrors.CodeDeviceUnavailable, retryErr, "设备操作重试后仍然失败")
	}
	return nil
}

func (g *guarded) Capture(ctx context.Context) (*Screenshot, error) {
	var shot *Screenshot
	err := g.do(ctx, func(opCtx context.Context) error {
		var captureErr error
		shot, captureErr = g.inner.Capture(opCtx)
		return captureErr
	})
	return shot, err
}

func (g *guarded) Tap(ctx context.Context, x, y int) error {
	return g.do(ctx, func(opCtx context.Context) error { return g.inner.Tap(opCtx, x, y) })
}

func (g *guarded) Swipe(ctx context.Context, path []action.Point) error {
	return g.do(ctx, func(opCtx context.Context) error { return g.inner.Swipe(opCtx, path) })
}

func (g *guarded) Text(ctx context.Context, text string) error {
	return g.do(ctx, func(opCtx context.Context) error { return g.inner.Text(opCtx, text) })
}

func (g *guarded) Key(ctx context.Context, code int) error {
	return g.do(ctx, func(opCtx context.Context) error { return g.inner.Key(opCtx, code) })
}

func (g *guarded) Launch(ctx context.Context, pkg string) error {
	return g.do(ctx, func(opCtx context.Context) error { return g.inner.Launch(opCtx, pkg) })
}

func (g *guarded) ListPackages(ctx context.Context) ([]string, error) {
	var packages []string
	err := g.do(ctx, func(opCtx context.Context) error {
		var listErr error
		packages, listErr = g.inner.ListPackages(opCtx)
		return listErr
	})
	return packages, err
}

func (g *guarded) Alive(ctx context.Context) bool {
	return g.inner.Alive(ctx)
}

func (g *guarded) Capabilities(ctx context.Context) (Capabilities, error) {
	return g.inner.Capabilities(ctx)
}
