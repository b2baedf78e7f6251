package run

import (
	stdErrors "errors"

	"PhonePilot/internal/agent"
	xerrors "PhonePilot/internal/errors"
)

// Status 表示运行在生命周期中的状态。
type Status string

const (
	StatusPending              Status = "pending"
	StatusRunning              Status = "running"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusAwaitingTakeover     Status = "awaiting_takeover"
	StatusCompleted            Status = "completed"
	StatusAborted              Status = "aborted"
	StatusFailed               Status = "failed"
)

// Outcome 保存一次运行到达终态时的汇总结果。
type Outcome struct {
	FinalStatus   string `json:"final_status"`
	Reason        string `json:"reason,omitempty"`
	Message       string `json:"message,omitempty"`
	StepCount     int    `json:"step_count"`
	LastStepIndex int    `json:"last_step_index"`
	Transcript    string `json:"transcript,omitempty"`
}

// OutcomeOf 将编排器的结果压缩为可持久化的运行结果。
func OutcomeOf(result agent.RunResult) Outcome {
	return Outcome{
		FinalStatus:   string(result.Status),
		Reason:        result.Reason,
		Message:       result.Done.Message,
		StepCount:     len(result.Steps),
		LastStepIndex: result.LastIndex(),
	}
}

// Run 描述排队执行的一次设备自动化运行。
type Run struct {
	ID          string         `json:"id"`
	Instruction string         `json:"instruction"`
	DeviceID    string         `json:"device_id"`
	StepBudget  int            `json:"step_budget"`
	Locale      string         `json:"locale,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      Status         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Result      *Outcome       `json:"result,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// Task 构造交给编排器的不可变任务。
func (r *Run) Task() agent.Task {
	return agent.Task{
		Instruction: r.Instruction,
		DeviceID:    r.DeviceID,
		StepBudget:  r.StepBudget,
		Locale:      r.Locale,
	}
}

var (
	// ErrRunNotFound 表示指定的运行不存在。
	ErrRunNotFound = xerrors.New(CodeRunNotFound, "run not found")
	// ErrRunConflict 表示运行在当前状态下无法进行所请求的操作。
	ErrRunConflict = xerrors.New(CodeRunConflict, "run conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRunFinished 表示运行已经到达终态。
	ErrRunFinished = xerrors.New(CodeRunFinished, "run already finished", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrRunExhausted 表示运行的重试次数已经耗尽。
	ErrRunExhausted = xerrors.New(CodeRunExhausted, "run retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrNoPendingGate 表示运行当前没有等待中的人工决策。
	ErrNoPendingGate = xerrors.New(CodeNoPendingGate, "run has no pending decision", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeRunNotFound   xerrors.Code = "RUN_NOT_FOUND"
	CodeRunConflict   xerrors.Code = "RUN_CONFLICT"
	CodeRunFinished   xerrors.Code = "RUN_FINISHED"
	CodeRunExhausted  xerrors.Code = "RUN_RETRIES_EXHAUSTED"
	CodeRunValidation xerrors.Code = "RUN_VALIDATION_FAILED"
	CodeRunPublish    xerrors.Code = "RUN_PUBLISH_FAILED"
	CodeRunProcessing xerrors.Code = "RUN_PROCESSING_FAILED"
	CodeNoPendingGate xerrors.Code = "RUN_NO_PENDING_GATE"
)

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Message:   "run not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunConflict, xerrors.Attributes{
		Message:   "run conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunFinished, xerrors.Attributes{
		Message:   "run already finished",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunExhausted, xerrors.Attributes{
		Message:   "run retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRunValidation, xerrors.Attributes{
		Message:   "run validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunPublish, xerrors.Attributes{
		Message:   "failed to publish run",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRunProcessing, xerrors.Attributes{
		Message:   "run execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeNoPendingGate, xerrors.Attributes{
		Message:   "run has no pending decision",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsRunError 判断错误是否为统一运行错误。
func IsRunError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrRunNotFound) {
		return target == CodeRunNotFound
	}
	if stdErrors.Is(err, ErrRunConflict) {
		return target == CodeRunConflict
	}
	if stdErrors.Is(err, ErrRunFinished) {
		return target == CodeRunFinished
	}
	if stdErrors.Is(err, ErrRunExhausted) {
		return target == CodeRunExhausted
	}
	return false
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

// IsValidStatus 检查给定的运行状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusAwaitingConfirmation, StatusAwaitingTakeover,
		StatusCompleted, StatusAborted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否为终态。
func Terminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusAborted, StatusFailed:
		return true
	default:
		return false
	}
}
