package action

import (
	"fmt"
	"strings"
)

// Kind 表示规划器可以输出的动作类型。
type Kind string

const (
	KindTap      Kind = "tap"
	KindSwipe    Kind = "swipe"
	KindText     Kind = "text"
	KindKey      Kind = "key"
	KindLaunch   Kind = "launch"
	KindWait     Kind = "wait"
	KindEscalate Kind = "escalate"
	KindDone     Kind = "done"
)

// DoneStatus 表示任务结束动作携带的结论。
type DoneStatus string

const (
	DoneSuccess DoneStatus = "success"
	DoneFailure DoneStatus = "failure"
)

// Point 是屏幕坐标，原点在左上角。
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Action 是规划器单轮决策的结构化表示。每一轮恰好产生一个变体，
// 字段按 Kind 取值生效，其余字段保持零值。
type Action struct {
	Kind Kind `json:"type"`

	// tap
	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	// swipe
	Path []Point `json:"path,omitempty"`

	// text
	Text string `json:"text,omitempty"`

	// key
	Code int `json:"code,omitempty"`

	// launch
	Package string `json:"package,omitempty"`

	// wait
	DurationMillis int `json:"duration_ms,omitempty"`

	// escalate
	Reason string `json:"reason,omitempty"`

	// done
	Status  DoneStatus `json:"status,omitempty"`
	Message string     `json:"message,omitempty"`
}

// Tap 构造点击动作。
func Tap(x, y int) Action {
	return Action{Kind: KindTap, X: x, Y: y}
}

// Swipe 构造滑动动作。
func Swipe(path ...Point) Action {
	return Action{Kind: KindSwipe, Path: path}
}

// TextInput 构造文本输入动作。
func TextInput(text string) Action {
	return Action{Kind: KindText, Text: text}
}

// KeyEvent 构造按键动作，code 为 Android keycode。
func KeyEvent(code int) Action {
	return Action{Kind: KindKey, Code: code}
}

// AppLaunch 构造启动应用动作。
func AppLaunch(pkg string) Action {
	return Action{Kind: KindLaunch, Package: pkg}
}

// Wait 构造等待动作。
func Wait(durationMillis int) Action {
	return Action{Kind: KindWait, DurationMillis: durationMillis}
}

// Escalate 构造升级动作，表示需要人工接管。
func Escalate(reason string) Action {
	return Action{Kind: KindEscalate, Reason: reason}
}

// Done 构造任务结束动作。
func Done(status DoneStatus, message string) Action {
	return Action{Kind: KindDone, Status: status, Message: message}
}

// Validate 校验动作变体自身的结构完整性，不涉及设备环境。
func (a Action) Validate() error {
	switch a.Kind {
	case KindTap:
		if a.X < 0 || a.Y < 0 {
			return fmt.Errorf("tap 坐标不能为负: (%d, %d)", a.X, a.Y)
		}
	case KindSwipe:
		if len(a.Path) < 2 {
			return fmt.Errorf("swipe 至少需要两个坐标点, 实际 %d", len(a.Path))
		}
		for _, p := range a.Path {
			if p.X < 0 || p.Y < 0 {
				return fmt.Errorf("swipe 坐标不能为负: (%d, %d)", p.X, p.Y)
			}
		}
	case KindText:
		if a.Text == "" {
			return fmt.Errorf("text 动作缺少输入内容")
		}
	case KindKey:
		if a.Code <= 0 {
			return fmt.Errorf("key 动作缺少有效的 keycode: %d", a.Code)
		}
	case KindLaunch:
		if strings.TrimSpace(a.Package) == "" {
			return fmt.Errorf("launch 动作缺少目标应用")
		}
	case KindWait:
		if a.DurationMillis <= 0 {
			return fmt.Errorf("wait 动作需要正的等待时长: %d", a.DurationMillis)
		}
	case KindEscalate:
		if strings.TrimSpace(a.Reason) == "" {
			return fmt.Errorf("escalate 动作缺少原因说明")
		}
	case KindDone:
		if a.Status != DoneSuccess && a.Status != DoneFailure {
			return fmt.Errorf("done 动作的 status 必须是 success 或 failure: %q", a.Status)
		}
	default:
		return fmt.Errorf("未知的动作类型: %q", a.Kind)
	}
	return nil
}

// Terminal 判断动作是否结束整个运行。
func (a Action) Terminal() bool {
	return a.Kind == KindDone
}

// Mutates 判断动作是否会改变设备状态。
// escalate、wait 与 done 不触达设备输入通道。
func (a Action) Mutates() bool {
	switch a.Kind {
	case KindTap, KindSwipe, KindText, KindKey, KindLaunch:
		return true
	default:
		return false
	}
}

// Describe 返回面向人工确认的可读描述。
func (a Action) Describe() string {
	switch a.Kind {
	case KindTap:
		return fmt.Sprintf("点击屏幕坐标 (%d, %d)", a.X, a.Y)
	case KindSwipe:
		if len(a.Path) >= 2 {
			first, last := a.Path[0], a.Path[len(a.Path)-1]
			return fmt.Sprintf("从 (%d, %d) 滑动到 (%d, %d)", first.X, first.Y, last.X, last.Y)
		}
		return "滑动屏幕"
	case KindText:
		return fmt.Sprintf("输入文本 %q", a.Text)
	case KindKey:
		return fmt.Sprintf("发送按键事件 keycode=%d", a.Code)
	case KindLaunch:
		return fmt.Sprintf("启动应用 %s", a.Package)
	case KindWait:
		return fmt.Sprintf("等待 %d 毫秒", a.DurationMillis)
	case KindEscalate:
		return fmt.Sprintf("请求人工接管: %s", a.Reason)
	case KindDone:
		if a.Message != "" {
			return fmt.Sprintf("结束任务 (%s): %s", a.Status, a.Message)
		}
		return fmt.Sprintf("结束任务 (%s)", a.Status)
	default:
		return fmt.Sprintf("未知动作 %q", a.Kind)
	}
}

// Equal 比较两个动作是否完全一致，用于回放测试。
func (a Action) Equal(other Action) bool {
	if a.Kind != other.Kind || a.X != other.X || a.Y != other.Y ||
		a.Text != other.Text || a.Code != other.Code ||
		a.Package != other.Package || a.DurationMillis != other.DurationMillis ||
		a.Reason != other.Reason || a.Status != other.Status || a.Message != other.Message {
		return false
	}
	if len(a.Path) != len(other.Path) {
		return false
	}
	for i := range a.Path {
		if a.Path[i] != other.Path[i] {
			return false
		}
	}
	return true
}
