package device

import (
	"context"
	"time"

	"PhonePilot/internal/action"
)

// Kind 表示设备连接方式。
type Kind string

const (
	KindLocal   Kind = "local"
	KindNetwork Kind = "network"
)

// Screenshot 是一次屏幕捕获的结果。
type Screenshot struct {
	Data    []byte    `json:"-"`
	Format  string    `json:"format"`
	Width   int       `json:"width"`
	Height  int       `json:"height"`
	TakenAt time.Time `json:"taken_at"`
}

// Bounds 返回截图对应的屏幕边界。
func (s *Screenshot) Bounds() action.Bounds {
	if s == nil {
		return action.Bounds{}
	}
	return action.Bounds{Width: s.Width, Height: s.Height}
}

// Capabilities 描述设备的输入能力，在会话建立时查询一次。
type Capabilities struct {
	// ExtendedInput 表示设备装有支持任意文本注入的输入法。
	ExtendedInput bool
}

// Controller 是设备控制通道的统一操作集。实现不解释操作结果，
// 只报告成功或失败；每个物理操作内部附带让屏幕稳定的等待。
type Controller interface {
	Capture(ctx context.Context) (*Screenshot, error)
	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, path []action.Point) error
	Text(ctx context.Context, text string) error
	Key(ctx context.Context, code int) error
	Launch(ctx context.Context, pkg string) error
	ListPackages(ctx context.Context) ([]string, error)
	Alive(ctx context.Context) bool
	Capabilities(ctx context.Context) (Capabilities, error)
}

// Execute 将一个会改变设备状态的动作派发到对应的控制通道操作。
// wait 在这里以纯等待实现，escalate 与 done 不触达设备。
func Execute(ctx context.Context, ctrl Controller, act action.Action) error {
	switch act.Kind {
	case action.KindTap:
		return ctrl.Tap(ctx, act.X, act.Y)
	case action.KindSwipe:
		return ctrl.Swipe(ctx, act.Path)
	case action.KindText:
		return ctrl.Text(ctx, act.Text)
	case action.KindKey:
		return ctrl.Key(ctx, act.Code)
	case action.KindLaunch:
		return ctrl.Launch(ctx, act.Package)
	case action.KindWait:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(act.DurationMillis) * time.Millisecond):
			return nil
		}
	default:
		return nil
	}
}
