package adb

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/png"
	"os/exec"
	"strings"
	"sync"
	"time"

	"PhonePilot/internal/action"
	"PhonePilot/internal/device"
	xerrors "PhonePilot/internal/errors"
)

// adbKeyboardIME 是支持任意文本注入的输入法组件，
// 文本输入通过它的广播接口完成。
const adbKeyboardIME = "com.android.adbkeyboard/.AdbIME"

// Config 描述一个 ADB 控制通道。Endpoint 非空时先 adb connect。
type Config struct {
	ADBPath     string
	Serial      string
	Endpoint    string
	SettleDelay time.Duration
}

// runner 抽象命令执行，测试中以假实现替换。
type runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

type execRunner struct {
	adbPath string
}

func (r *execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.adbPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("adb %s: %v, stderr=%s",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Controller 通过 adb 进程驱动一台本地或网络设备。
type Controller struct {
	serial string
	settle time.Duration
	runner runner

	mu   sync.Mutex
	dead bool
}

// New 创建 ADB 控制器。网络设备先执行 adb connect。
func New(ctx context.Context, cfg Config) (*Controller, error) {
	adbPath := cfg.ADBPath
	if adbPath == "" {
		adbPath = "adb"
	}
	run := &execRunner{adbPath: adbPath}

	serial := strings.TrimSpace(cfg.Serial)
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		out, err := run.Run(ctx, "connect", endpoint)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeDeviceUnavailable, err,
				fmt.Sprintf("连接网络设备 %s 失败", endpoint))
		}
		if strings.Contains(string(out), "failed") {
			return nil, xerrors.New(xerrors.CodeDeviceUnavailable,
				fmt.Sprintf("连接网络设备 %s 失败: %s", endpoint, strings.TrimSpace(string(out))))
		}
		serial = endpoint
	}
	if serial == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定设备 serial 或网络地址")
	}

	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = 800 * time.Millisecond
	}
	return &Controller{serial: serial, settle: settle, runner: run}, nil
}

// shell 执行 adb -s <serial> shell 命令，设备掉线后所有调用直接失败。
func (c *Controller) shell(ctx context.Context, args ...string) ([]byte, error) {
	c.mu.Lock()
	dead := c.dead
	c.mu.Unlock()
	if dead {
		return nil, xerrors.New(xerrors.CodeDeviceUnavailable,
			fmt.Sprintf("设备 %s 已断开", c.serial))
	}

	full := append([]string{"-s", c.serial, "shell"}, args...)
	out, err := c.runner.Run(ctx, full...)
	if err != nil {
		if isDisconnectError(err) {
			c.mu.Lock()
			c.dead = true
			c.mu.Unlock()
			return nil, xerrors.Wrap(xerrors.CodeDeviceUnavailable, err,
				fmt.Sprintf("设备 %s 连接中断", c.serial))
		}
		return nil, err
	}
	return out, nil
}

func isDisconnectError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "device offline") ||
		strings.Contains(msg, "device not found") ||
		strings.Contains(msg, "no devices") ||
		strings.Contains(msg, "connection reset")
}

// settleDown 在物理操作之后等待屏幕稳定，再允许下一次捕获。
func (c *Controller) settleDown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.settle):
		return nil
	}
}

// Capture 截取当前屏幕，返回 PNG 数据与像素尺寸。
func (c *Controller) Capture(ctx context.Context) (*device.Screenshot, error) {
	c.mu.Lock()
	dead := c.dead
	c.mu.Unlock()
	if dead {
		return nil, xerrors.New(xerrors.CodeDeviceUnavailable,
			fmt.Sprintf("设备 %s 已断开", c.serial))
	}

	data, err := c.runner.Run(ctx, "-s", c.serial, "exec-out", "screencap", "-p")
	if err != nil {
		if isDisconnectError(err) {
			c.mu.Lock()
			c.dead = true
			c.mu.Unlock()
			return nil, xerrors.Wrap(xerrors.CodeDeviceUnavailable, err, "截屏失败")
		}
		return nil, fmt.Errorf("截屏失败: %w", err)
	}

	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("解析截图尺寸失败: %w", err)
	}
	return &device.Screenshot{
		Data:    data,
		Format:  "png",
		Width:   cfg.Width,
		Height:  cfg.Height,
		TakenAt: time.Now(),
	}, nil
}

// Tap 点击指定坐标。
func (c *Controller) Tap(ctx context.Context, x, y int) error {
	if _, err := c.shell(ctx, "input", "tap", fmt.Sprint(x), fmt.Sprint(y)); err != nil {
		return err
	}
	return c.settleDown(ctx)
}

// Swipe 沿路径滑动。input swipe 只支持起止点，
// 多段路径拆成相邻点之间的连续滑动。
func (c *Controller) Swipe(ctx context.Context, path []action.Point) error {
	if len(path) < 2 {
		return xerrors.New(xerrors.CodeInvalidArgument, "swipe 路径至少包含两个点")
	}
	for i := 0; i+1 < len(path); i++ {
		from, to := path[i], path[i+1]
		_, err := c.shell(ctx, "input", "swipe",
			fmt.Sprint(from.X), fmt.Sprint(from.Y),
			fmt.Sprint(to.X), fmt.Sprint(to.Y), "300")
		if err != nil {
			return err
		}
	}
	return c.settleDown(ctx)
}

// Text 通过 ADB Keyboard 的广播接口注入任意文本。
// base64 编码绕开 shell 对引号和非 ASCII 字符的处理。
func (c *Controller) Text(ctx context.Context, text string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	_, err := c.shell(ctx, "am", "broadcast", "-a", "ADB_INPUT_B64", "--es", "msg", encoded)
	if err != nil {
		return err
	}
	return c.settleDown(ctx)
}

// Key 发送按键事件。
func (c *Controller) Key(ctx context.Context, code int) error {
	if _, err := c.shell(ctx, "input", "keyevent", fmt.Sprint(code)); err != nil {
		return err
	}
	return c.settleDown(ctx)
}

// Launch 通过 monkey 启动应用的 LAUNCHER activity。
func (c *Controller) Launch(ctx context.Context, pkg string) error {
	out, err := c.shell(ctx, "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return err
	}
	if strings.Contains(string(out), "No activities found") {
		return fmt.Errorf("应用 %s 没有可启动的入口", pkg)
	}
	return c.settleDown(ctx)
}

// ListPackages 列出第三方应用包名。
func (c *Controller) ListPackages(ctx context.Context) ([]string, error) {
	out, err := c.shell(ctx, "pm", "list", "packages", "-3")
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	packages := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(strings.TrimPrefix(line, "package:"))
		if line != "" {
			packages = append(packages, line)
		}
	}
	return packages, nil
}

// Alive 检查设备是否仍然在线。
func (c *Controller) Alive(ctx context.Context) bool {
	c.mu.Lock()
	dead := c.dead
	c.mu.Unlock()
	if dead {
		return false
	}
	out, err := c.runner.Run(ctx, "-s", c.serial, "get-state")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "device"
}

// Capabilities 查询设备输入能力。
func (c *Controller) Capabilities(ctx context.Context) (device.Capabilities, error) {
	out, err := c.shell(ctx, "ime", "list", "-s")
	if err != nil {
		return device.Capabilities{}, err
	}
	return device.Capabilities{
		ExtendedInput: strings.Contains(string(out), adbKeyboardIME),
	}, nil
}

// Ensure Controller 实现 device.Controller 接口。
var _ device.Controller = (*Controller)(nil)
