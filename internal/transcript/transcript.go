// Package transcript 以 JSONL 轨迹文件记录每次运行：首条记录为会话配置，
// 之后每步一条记录（截图引用加决策），结束时追加终态记录。
// 轨迹用于审计与回放测试，截图单独落盘为图片文件。
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"PhonePilot/internal/agent"
	"PhonePilot/pkg/logger"
)

// Config 描述轨迹落盘位置。
type Config struct {
	// Dir 是 JSONL 轨迹文件目录。
	Dir string
	// ImageDir 是截图文件目录，留空时与 Dir 相同。
	ImageDir string
}

// Entry 是轨迹文件中的一行。
type Entry struct {
	SessionID string          `json:"session_id"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

// SessionStart 是会话首条记录的内容。
type SessionStart struct {
	LogType     string `json:"log_type"`
	Task        string `json:"task"`
	DeviceID    string `json:"device_id"`
	StepBudget  int    `json:"step_budget"`
	Locale      string `json:"locale,omitempty"`
	RecordedFmt string `json:"image_format,omitempty"`
}

// StepRecord 是单步记录的内容。
type StepRecord struct {
	Environment StepEnvironment `json:"environment"`
	Decision    StepDecision    `json:"action"`
}

// StepEnvironment 描述该步之前的设备状态。
type StepEnvironment struct {
	Image  string `json:"image"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// StepDecision 描述该步的决策与结果。
type StepDecision struct {
	Thought   string          `json:"cot,omitempty"`
	Kind      string          `json:"action_type"`
	Action    json.RawMessage `json:"action"`
	Outcome   string          `json:"outcome"`
	Note      string          `json:"note,omitempty"`
	Consuming bool            `json:"consuming"`
}

// SessionEnd 是会话末条记录的内容。
type SessionEnd struct {
	LogType string `json:"log_type"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Steps   int    `json:"steps"`
}

// Writer 实现 agent.Recorder，把一次运行写入独立的轨迹文件。
// 同一 Writer 只服务一次运行，并发安全由内部互斥保证。
type Writer struct {
	runID    string
	path     string
	imageDir string

	mu        sync.Mutex
	file      *os.File
	stepCount int
	logger    *slog.Logger
}

// NewWriter 为一次运行创建轨迹写入器，目录不存在时自动创建。
func NewWriter(cfg Config, runID string) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("轨迹目录不能为空")
	}
	if runID == "" {
		return nil, fmt.Errorf("运行 ID 不能为空")
	}
	imageDir := cfg.ImageDir
	if imageDir == "" {
		imageDir = cfg.Dir
	}
	for _, dir := range []string{cfg.Dir, imageDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建轨迹目录失败: %w", err)
		}
	}

	path := filepath.Join(cfg.Dir, runID+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开轨迹文件失败: %w", err)
	}

	return &Writer{
		runID:    runID,
		path:     path,
		imageDir: imageDir,
		file:     file,
		logger:   logger.Named("transcript"),
	}, nil
}

// Path 返回轨迹文件路径。
func (w *Writer) Path() string {
	return w.path
}

// RunStarted 实现 agent.Recorder。
func (w *Writer) RunStarted(task agent.Task) {
	w.write(SessionStart{
		LogType:    "session_start",
		Task:       task.Instruction,
		DeviceID:   task.DeviceID,
		StepBudget: task.StepBudget,
		Locale:     task.Locale,
	})
}

// StepRecorded 实现 agent.Recorder。截图落盘为独立文件，
// 轨迹行只保留文件引用。
func (w *Writer) StepRecorded(step agent.Step) {
	w.mu.Lock()
	w.stepCount++
	ordinal := w.stepCount
	w.mu.Unlock()

	imagePath := ""
	if step.Screenshot != nil && len(step.Screenshot.Data) > 0 {
		format := step.Screenshot.Format
		if format == "" {
			format = "png"
		}
		name := fmt.Sprintf("%s_step_%d.%s", w.runID, ordinal, format)
		imagePath = filepath.Join(w.imageDir, name)
		if err := os.WriteFile(imagePath, step.Screenshot.Data, 0o644); err != nil {
			w.logger.Warn("保存截图失败", slog.String("run_id", w.runID), slog.String("error", err.Error()))
			imagePath = ""
		}
	}

	encoded, err := json.Marshal(step.Action)
	if err != nil {
		w.logger.Warn("序列化动作失败", slog.String("run_id", w.runID), slog.String("error", err.Error()))
		return
	}

	record := StepRecord{
		Environment: StepEnvironment{Image: imagePath},
		Decision: StepDecision{
			Thought:   step.Thought,
			Kind:      string(step.Action.Kind),
			Action:    encoded,
			Outcome:   step.Outcome,
			Note:      step.Note,
			Consuming: step.Consuming,
		},
	}
	if step.Screenshot != nil {
		record.Environment.Width = step.Screenshot.Width
		record.Environment.Height = step.Screenshot.Height
	}
	w.write(record)
}

// RunFinished 实现 agent.Recorder，写入终态并关闭文件。
func (w *Writer) RunFinished(result agent.RunResult) {
	w.write(SessionEnd{
		LogType: "session_end",
		Status:  string(result.Status),
		Reason:  result.Reason,
		Steps:   len(result.Steps),
	})
	w.Close()
}

func (w *Writer) write(message any) {
	encoded, err := json.Marshal(message)
	if err != nil {
		w.logger.Warn("序列化轨迹记录失败", slog.String("run_id", w.runID), slog.String("error", err.Error()))
		return
	}
	entry := Entry{
		SessionID: w.runID,
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Message:   encoded,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		w.logger.Warn("序列化轨迹行失败", slog.String("run_id", w.runID), slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		w.logger.Warn("写入轨迹失败", slog.String("run_id", w.runID), slog.String("error", err.Error()))
	}
}

// Close 关闭轨迹文件，重复调用无副作用。
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
}

var _ agent.Recorder = (*Writer)(nil)
