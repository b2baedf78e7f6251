package transcript

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"PhonePilot/internal/agent"
	"PhonePilot/pkg/logger"
)

// Tee 返回把事件分发给多个记录器的组合记录器，nil 成员被跳过。
func Tee(recorders ...agent.Recorder) agent.Recorder {
	kept := make([]agent.Recorder, 0, len(recorders))
	for _, rec := range recorders {
		if rec != nil {
			kept = append(kept, rec)
		}
	}
	return teeRecorder(kept)
}

type teeRecorder []agent.Recorder

func (t teeRecorder) RunStarted(task agent.Task) {
	for _, rec := range t {
		rec.RunStarted(task)
	}
}

func (t teeRecorder) StepRecorded(step agent.Step) {
	for _, rec := range t {
		rec.StepRecorded(step)
	}
}

func (t teeRecorder) RunFinished(result agent.RunResult) {
	for _, rec := range t {
		rec.RunFinished(result)
	}
}

// ArchiveRecorder 实现 agent.Recorder，把每一步写入步骤归档，
// 供审计查询使用。写入失败只记日志，不影响运行本身。
type ArchiveRecorder struct {
	runID   string
	archive StepArchive
	logger  *slog.Logger
}

// NewArchiveRecorder 为一次运行创建归档记录器。
func NewArchiveRecorder(archive StepArchive, runID string) *ArchiveRecorder {
	return &ArchiveRecorder{
		runID:   runID,
		archive: archive,
		logger:  logger.Named("transcript"),
	}
}

// RunStarted 实现 agent.Recorder。
func (a *ArchiveRecorder) RunStarted(agent.Task) {}

// StepRecorded 实现 agent.Recorder。
func (a *ArchiveRecorder) StepRecorded(step agent.Step) {
	if a == nil || a.archive == nil {
		return
	}
	encoded, err := json.Marshal(step.Action)
	if err != nil {
		a.logger.Warn("序列化动作失败", slog.String("run_id", a.runID), slog.String("error", err.Error()))
		return
	}
	row := StepRow{
		RunID:      a.runID,
		StepIndex:  step.Index,
		Thought:    step.Thought,
		ActionKind: string(step.Action.Kind),
		ActionJSON: string(encoded),
		Outcome:    step.Outcome,
		Note:       step.Note,
		Consuming:  step.Consuming,
		CreatedAt:  time.Now().Unix(),
	}
	if err := a.archive.Save(context.Background(), row); err != nil {
		a.logger.Warn("归档步骤失败", slog.String("run_id", a.runID), slog.String("error", err.Error()))
	}
}

// RunFinished 实现 agent.Recorder。
func (a *ArchiveRecorder) RunFinished(agent.RunResult) {}

var _ agent.Recorder = (*ArchiveRecorder)(nil)
