package action

import (
	"fmt"
	"strings"

	"PhonePilot/internal/apps"
	xerrors "PhonePilot/internal/errors"
)

// maxWaitMillis 限制单次 wait 动作的时长，防止规划器输出把运行挂死。
const maxWaitMillis = 60000

// Bounds 描述设备屏幕的像素边界。
type Bounds struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Contains 判断坐标是否落在屏幕内。
func (b Bounds) Contains(p Point) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < b.Width && p.Y < b.Height
}

// DeviceProfile 是解释动作时需要的设备能力快照。
type DeviceProfile struct {
	// Bounds 为当前截图对应的屏幕边界。
	Bounds Bounds
	// ExtendedInput 表示设备是否装有支持任意文本注入的输入法。
	ExtendedInput bool
}

// Interpret 将规划器产出的原始动作规范化为可执行动作。
// 纯函数：不触达设备，只做校验与改写。
//
// 坐标越界直接拒绝而不是钳制到屏幕内，钳制会掩盖规划器的坐标错误；
// 设备缺少扩展输入法时，text 动作被改写为 escalate，原生注入不可靠。
func Interpret(raw Action, profile DeviceProfile, resolver apps.Resolver) (Action, error) {
	if err := raw.Validate(); err != nil {
		return Action{}, xerrors.Wrap(xerrors.CodeActionOutOfBounds, err, "动作结构不合法")
	}

	switch raw.Kind {
	case KindTap:
		if !profile.Bounds.Contains(Point{X: raw.X, Y: raw.Y}) {
			return Action{}, xerrors.New(xerrors.CodeActionOutOfBounds,
				fmt.Sprintf("tap 坐标 (%d, %d) 超出屏幕 %dx%d", raw.X, raw.Y, profile.Bounds.Width, profile.Bounds.Height))
		}
		return raw, nil

	case KindSwipe:
		for _, p := range raw.Path {
			if !profile.Bounds.Contains(p) {
				return Action{}, xerrors.New(xerrors.CodeActionOutOfBounds,
					fmt.Sprintf("swipe 坐标 (%d, %d) 超出屏幕 %dx%d", p.X, p.Y, profile.Bounds.Width, profile.Bounds.Height))
			}
		}
		return raw, nil

	case KindText:
		if !profile.ExtendedInput {
			return Escalate("input-method"), nil
		}
		return raw, nil

	case KindLaunch:
		target := strings.TrimSpace(raw.Package)
		if resolver != nil {
			if entry, ok := resolver.Resolve(target); ok {
				raw.Package = entry.Package
				return raw, nil
			}
		}
		// 未收录的目标只有形如包名时才放行。
		if !strings.Contains(target, ".") {
			return Action{}, xerrors.New(xerrors.CodeActionOutOfBounds,
				fmt.Sprintf("无法将 %q 解析为应用包名", target))
		}
		raw.Package = target
		return raw, nil

	case KindWait:
		if raw.DurationMillis > maxWaitMillis {
			return Action{}, xerrors.New(xerrors.CodeActionOutOfBounds,
				fmt.Sprintf("wait 时长 %dms 超过上限 %dms", raw.DurationMillis, maxWaitMillis))
		}
		return raw, nil

	case KindKey, KindEscalate, KindDone:
		return raw, nil

	default:
		return Action{}, xerrors.New(xerrors.CodeActionOutOfBounds,
			fmt.Sprintf("未知的动作类型 %q", raw.Kind))
	}
}
