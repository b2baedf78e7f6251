package agent

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"PhonePilot/internal/action"
	"PhonePilot/internal/apps"
	"PhonePilot/internal/device"
	xerrors "PhonePilot/internal/errors"
	"PhonePilot/internal/planner"
	"PhonePilot/internal/safety"
	"PhonePilot/pkg/logger"
)

// defaultStepBudget 是单次运行允许的最大规划执行轮数的默认值。
const defaultStepBudget = 25

// Task 是一次运行的不可变输入。
type Task struct {
	Instruction string `json:"instruction"`
	DeviceID    string `json:"device_id"`
	StepBudget  int    `json:"step_budget"`
	Locale      string `json:"locale,omitempty"`
}

// Status 是运行的终态。
type Status string

const (
	// StatusCompleted 表示规划器发出了 done 动作。
	StatusCompleted Status = "completed"
	// StatusAborted 表示运行被干净地中止：人工拒绝或步数预算耗尽。
	StatusAborted Status = "aborted"
	// StatusFailed 表示设备或规划器发生了不可恢复错误。
	StatusFailed Status = "failed"
)

// Step 是一轮规划加执行的不可变记录。
// Consuming 为 false 的步骤（接管暂停、确认拒绝）不计入步数预算。
type Step struct {
	Index      int                `json:"index"`
	Screenshot *device.Screenshot `json:"screenshot,omitempty"`
	Thought    string             `json:"thought,omitempty"`
	Action     action.Action      `json:"action"`
	Outcome    string             `json:"outcome"`
	// Note 记录未终止运行的校验失败，例如触发纠错重询的越界错误。
	Note      string    `json:"note,omitempty"`
	Consuming bool      `json:"consuming"`
	At        time.Time `json:"at"`
}

// RunResult 是运行结束时返回的结构化结果。
type RunResult struct {
	Status Status        `json:"status"`
	Steps  []Step        `json:"steps"`
	Reason string        `json:"reason,omitempty"`
	Done   action.Action `json:"done,omitempty"`
	Err    error         `json:"-"`
}

// LastIndex 返回最后一个步骤的序号，空历史返回 -1。
func (r RunResult) LastIndex() int {
	if len(r.Steps) == 0 {
		return -1
	}
	return r.Steps[len(r.Steps)-1].Index
}

// Hooks 是宿主注入的人工介入回调。按运行传入而不是全局注册，
// 以便上层把决策接口绑定到具体的运行实例上。
type Hooks struct {
	Confirm  safety.ConfirmFunc
	Takeover safety.TakeoverFunc
	// Recorder 非空时覆盖编排器级别的轨迹记录器，用于按运行落盘。
	Recorder Recorder
}

// Recorder 接收运行过程中的轨迹事件，实现方负责落盘。
type Recorder interface {
	RunStarted(task Task)
	StepRecorded(step Step)
	RunFinished(result RunResult)
}

type nopRecorder struct{}

func (nopRecorder) RunStarted(Task)       {}
func (nopRecorder) StepRecorded(Step)     {}
func (nopRecorder) RunFinished(RunResult) {}

// Orchestrator 驱动感知、规划、执行的主循环。
// 同一实例可被多条运行并发使用，设备互斥由会话管理器保证。
type Orchestrator struct {
	sessions      *device.Manager
	planner       *planner.Planner
	gate          *safety.Gate
	catalog       apps.Resolver
	recorder      Recorder
	historyWindow int
	logger        *slog.Logger
}

// Option 定义可选的 Orchestrator 配置。
type Option func(*Orchestrator)

// WithGate 设置敏感动作安全门。
func WithGate(gate *safety.Gate) Option {
	return func(o *Orchestrator) {
		o.gate = gate
	}
}

// WithCatalog 设置应用名称解析目录。
func WithCatalog(catalog apps.Resolver) Option {
	return func(o *Orchestrator) {
		o.catalog = catalog
	}
}

// WithRecorder 设置轨迹记录器。
func WithRecorder(recorder Recorder) Option {
	return func(o *Orchestrator) {
		if recorder != nil {
			o.recorder = recorder
		}
	}
}

// WithHistoryWindow 设置交给规划器的历史滑动窗口大小。
func WithHistoryWindow(window int) Option {
	return func(o *Orchestrator) {
		if window > 0 {
			o.historyWindow = window
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = log
	}
}

// New 创建 Orchestrator。
func New(sessions *device.Manager, plan *planner.Planner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions:      sessions,
		planner:       plan,
		recorder:      nopRecorder{},
		historyWindow: 5,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.gate == nil {
		o.gate = safety.NewGate(nil, nil)
	}
	if o.logger == nil {
		o.logger = logger.Named("agent")
	}
	return o
}

// Run 执行一次任务运行直到终态。会话在所有退出路径上恰好释放一次；
// 取消只在循环顶部生效，绝不打断单个设备操作。
func (o *Orchestrator) Run(ctx context.Context, task Task, hooks Hooks) RunResult {
	if task.StepBudget <= 0 {
		task.StepBudget = defaultStepBudget
	}

	rec := o.recorder
	if hooks.Recorder != nil {
		rec = hooks.Recorder
	}

	session, err := o.sessions.Acquire(ctx, task.DeviceID)
	if err != nil {
		return RunResult{Status: StatusFailed, Reason: string(xerrors.CodeDeviceUnavailable), Err: err}
	}
	defer session.Close()

	rec.RunStarted(task)
	o.logger.Info("运行开始",
		slog.String("device", task.DeviceID),
		slog.Int("budget", task.StepBudget),
		slog.String("task", task.Instruction))

	result := o.loop(ctx, task, session, hooks, rec)
	rec.RunFinished(result)
	o.logger.Info("运行结束",
		slog.String("device", task.DeviceID),
		slog.String("status", string(result.Status)),
		slog.String("reason", result.Reason),
		slog.Int("steps", len(result.Steps)))
	return result
}

func (o *Orchestrator) loop(ctx context.Context, task Task, session *device.Session, hooks Hooks, rec Recorder) RunResult {
	var steps []Step
	consumed := 0
	// foreground 跟踪最近一次成功 launch 的包名，供安全门对
	// 不携带目标应用的动作（tap、text）按前台应用分类。
	foreground := ""

	capabilities, err := session.Controller.Capabilities(ctx)
	if err != nil {
		return o.failed(steps, xerrors.Wrap(xerrors.CodeDeviceUnavailable, err, "查询设备能力失败"))
	}

	for {
		// 协作式取消：只在新一轮感知之前检查。
		select {
		case <-ctx.Done():
			return RunResult{
				Status: StatusAborted,
				Steps:  steps,
				Reason: string(xerrors.CodeUserCancelled),
				Err:    ctx.Err(),
			}
		default:
		}

		shot, err := session.Controller.Capture(ctx)
		if err != nil {
			return o.failed(steps, xerrors.Wrap(xerrors.CodeDeviceUnavailable, err, "截屏失败"))
		}

		req := planner.Request{
			Task:    task.Instruction,
			Locale:  task.Locale,
			History: o.window(steps),
			Screen: planner.Screen{
				ImageBase64: base64.StdEncoding.EncodeToString(shot.Data),
				Format:      shot.Format,
				Width:       shot.Width,
				Height:      shot.Height,
			},
		}

		decision, err := o.planner.Plan(ctx, req)
		if err != nil {
			return o.failed(steps, err)
		}

		profile := action.DeviceProfile{
			Bounds:        shot.Bounds(),
			ExtendedInput: capabilities.ExtendedInput,
		}

		act, note, err := o.interpret(ctx, req, decision, profile)
		if err != nil {
			return o.failed(steps, err)
		}

		step := Step{
			Index:      len(steps),
			Screenshot: shot,
			Thought:    decision.Thought,
			Action:     act,
			Note:       note,
			At:         time.Now(),
		}

		// 敏感动作在任何设备变更之前恰好确认一次，拒绝即干净终止。
		if rule, sensitive := o.gate.Classify(act, foreground); sensitive {
			approved, err := o.gate.Confirm(ctx, act, rule, hooks.Confirm)
			if err != nil {
				return o.failed(steps, err)
			}
			if !approved {
				step.Outcome = "用户拒绝执行"
				steps = record(rec, steps, step)
				return RunResult{
					Status: StatusAborted,
					Steps:  steps,
					Reason: string(xerrors.CodeUserCancelled),
				}
			}
		}

		// 升级动作不触达设备：挂起等待接管，恢复后重新截屏，
		// 这一轮不消耗步数预算。
		if act.Kind == action.KindEscalate {
			if err := safety.AwaitTakeover(ctx, act.Reason, hooks.Takeover); err != nil {
				return o.failed(steps, err)
			}
			step.Outcome = "人工接管完成"
			steps = record(rec, steps, step)
			continue
		}

		if act.Terminal() {
			step.Outcome = "任务结束"
			step.Consuming = true
			steps = record(rec, steps, step)
			return RunResult{
				Status: StatusCompleted,
				Steps:  steps,
				Reason: act.Message,
				Done:   act,
			}
		}

		if err := device.Execute(ctx, session.Controller, act); err != nil {
			step.Outcome = "执行失败: " + err.Error()
			step.Consuming = true
			steps = record(rec, steps, step)
			return o.failed(steps, xerrors.Wrap(xerrors.CodeDeviceUnavailable, err, "设备操作失败"))
		}

		step.Outcome = "执行成功"
		step.Consuming = true
		steps = record(rec, steps, step)
		consumed++

		if act.Kind == action.KindLaunch {
			foreground = act.Package
		}

		if consumed >= task.StepBudget {
			return RunResult{
				Status: StatusAborted,
				Steps:  steps,
				Reason: string(xerrors.CodeStepBudgetExceeded),
			}
		}
	}
}

// interpret 解释规划器的决策，坐标类错误允许恰好一次纠错重询。
func (o *Orchestrator) interpret(ctx context.Context, req planner.Request, decision *action.Decision, profile action.DeviceProfile) (action.Action, string, error) {
	act, err := action.Interpret(decision.Action, profile, o.catalog)
	if err == nil {
		return act, "", nil
	}
	if xerrors.CodeOf(err) != xerrors.CodeActionOutOfBounds {
		return action.Action{}, "", err
	}

	note := err.Error()
	o.logger.Warn("动作校验失败，发起纠错重询", slog.String("error", note))
	req.Correction = note
	retried, planErr := o.planner.Plan(ctx, req)
	if planErr != nil {
		return action.Action{}, "", planErr
	}
	act, err = action.Interpret(retried.Action, profile, o.catalog)
	if err != nil {
		return action.Action{}, "", err
	}
	return act, note, nil
}

func (o *Orchestrator) window(steps []Step) []planner.HistoryEntry {
	start := 0
	if len(steps) > o.historyWindow {
		start = len(steps) - o.historyWindow
	}
	entries := make([]planner.HistoryEntry, 0, len(steps)-start)
	for _, step := range steps[start:] {
		entries = append(entries, planner.HistoryEntry{
			Index:   step.Index,
			Thought: step.Thought,
			Action:  step.Action,
			Outcome: step.Outcome,
		})
	}
	return entries
}

func record(rec Recorder, steps []Step, step Step) []Step {
	rec.StepRecorded(step)
	return append(steps, step)
}

func (o *Orchestrator) failed(steps []Step, err error) RunResult {
	o.logger.Error("运行失败", slog.String("error", err.Error()))
	return RunResult{
		Status: StatusFailed,
		Steps:  steps,
		Reason: string(xerrors.CodeOf(err)),
		Err:    err,
	}
}
