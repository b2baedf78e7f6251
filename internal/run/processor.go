package run

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"PhonePilot/internal/agent"
	xerrors "PhonePilot/internal/errors"
	"PhonePilot/internal/observability/alerting"
	"PhonePilot/internal/observability/metrics"
	"PhonePilot/pkg/logger"
)

// Executor 定义了处理器所需的编排器能力。
type Executor interface {
	Run(ctx context.Context, task agent.Task, hooks agent.Hooks) agent.RunResult
}

// Processor 负责从队列消费运行并交给编排器执行，
// 并把循环内的人工介入挂起点桥接到决策登记表。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	gates       *GateRegistry
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	recorders   func(runID string) agent.Recorder
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithRecorderFactory 为每条运行创建独立的轨迹记录器。
// 工厂返回 nil 时该运行不记录轨迹。
func WithRecorderFactory(factory func(runID string) agent.Recorder) ProcessorOption {
	return func(p *Processor) {
		p.recorders = factory
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, gates *GateRegistry, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		gates:       gates,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.gates == nil {
		p.gates = NewGateRegistry()
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Gates 返回处理器使用的决策登记表，供接口层提交决策。
func (p *Processor) Gates() *GateRegistry {
	return p.gates
}

// Start 启动运行处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, runID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	record, err := p.store.Claim(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, ErrRunNotFound) || stdErrors.Is(err, ErrRunFinished) || stdErrors.Is(err, ErrRunExhausted) {
			p.logDebug("跳过运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取运行失败", slog.Any("error", err), slog.String("run_id", runID))
		p.emitAlert(ctx, &Run{ID: runID}, CodeRunProcessing, err, "claim")
		return err
	}

	result := p.executor.Run(ctx, record.Task(), p.hooks(record.ID))

	switch result.Status {
	case agent.StatusCompleted:
		if err := p.store.MarkCompleted(ctx, record.ID, OutcomeOf(result)); err != nil {
			return p.retryAfterStoreFailure(ctx, record, err)
		}
		metrics.ObserveRunFinished(string(StatusCompleted), result.Reason, len(result.Steps))
		logger.Audit().Info("运行执行完成",
			slog.String("run_id", record.ID),
			slog.String("device_id", record.DeviceID),
			slog.Int("steps", len(result.Steps)),
		)
		return nil

	case agent.StatusAborted:
		// 人工拒绝与预算耗尽是干净终止，不重试。
		if err := p.store.MarkAborted(ctx, record.ID, OutcomeOf(result)); err != nil {
			return p.retryAfterStoreFailure(ctx, record, err)
		}
		metrics.ObserveRunFinished(string(StatusAborted), result.Reason, len(result.Steps))
		logger.Audit().Warn("运行已中止",
			slog.String("run_id", record.ID),
			slog.String("device_id", record.DeviceID),
			slog.String("reason", result.Reason),
		)
		return nil

	default:
		cause := result.Err
		if cause == nil {
			cause = xerrors.New(CodeRunProcessing, "运行失败: "+result.Reason)
		}
		return p.handleExecutionFailure(ctx, record, cause)
	}
}

// hooks 把确认与接管回调绑定到决策登记表，并同步存储里的可见状态。
func (p *Processor) hooks(runID string) agent.Hooks {
	var recorder agent.Recorder
	if p.recorders != nil {
		recorder = p.recorders(runID)
	}
	return agent.Hooks{
		Recorder: recorder,
		Confirm: func(ctx context.Context, description string) (bool, error) {
			if err := p.store.SetGateState(ctx, runID, StatusAwaitingConfirmation); err != nil {
				return false, err
			}
			approved, err := p.gates.AwaitConfirmation(ctx, runID, description)
			if stateErr := p.store.SetGateState(ctx, runID, StatusRunning); stateErr != nil {
				p.logDebug("恢复运行状态失败", slog.String("run_id", runID), slog.String("error", stateErr.Error()))
			}
			return approved, err
		},
		Takeover: func(ctx context.Context, reason string) error {
			if err := p.store.SetGateState(ctx, runID, StatusAwaitingTakeover); err != nil {
				return err
			}
			err := p.gates.AwaitTakeover(ctx, runID, reason)
			if stateErr := p.store.SetGateState(ctx, runID, StatusRunning); stateErr != nil {
				p.logDebug("恢复运行状态失败", slog.String("run_id", runID), slog.String("error", stateErr.Error()))
			}
			return err
		},
	}
}

func (p *Processor) retryAfterStoreFailure(ctx context.Context, record *Run, cause error) error {
	logger.L().Error("回写运行终态失败", slog.Any("error", cause), slog.String("run_id", record.ID))
	if storeErr := p.store.MarkFailed(ctx, record.ID, CodeRunProcessing, cause.Error(), false); storeErr != nil {
		logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("run_id", record.ID))
		return storeErr
	}
	if pubErr := p.producer.Publish(ctx, record.ID); pubErr != nil {
		return xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("运行 %s 在回写失败后重投失败", record.ID))
	}
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, record *Run, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeRunProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := record.Attempts >= record.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, record, execErr); recErr != nil {
			logger.L().Error("执行补偿逻辑失败",
				slog.Any("error", recErr),
				slog.String("run_id", record.ID))
			p.emitAlert(ctx, record, code, recErr, "compensate")
		} else if fallback != nil {
			if fallback.Reason == "" {
				fallback.Reason = fmt.Sprintf("降级处理: %v", execErr)
			}
			if err := p.store.MarkAborted(ctx, record.ID, *fallback); err != nil {
				return p.retryAfterStoreFailure(ctx, record, err)
			}
			logger.Audit().Warn("运行降级中止",
				slog.String("run_id", record.ID),
				slog.String("reason", fallback.Reason),
			)
			p.emitAlert(ctx, record, code, execErr, "degraded")
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, record.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记运行失败状态出错", slog.Any("error", storeErr), slog.String("run_id", record.ID))
		return storeErr
	}
	if terminal {
		metrics.ObserveRunFinished(string(StatusFailed), string(code), 0)
	}
	logger.Audit().Warn("运行执行失败",
		slog.String("run_id", record.ID),
		slog.String("device_id", record.DeviceID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", record.Attempts),
		slog.Int("max_retries", record.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, record, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, record.ID); pubErr != nil {
			return xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("运行 %s 重投失败", record.ID))
		}
		p.logDebug("运行已重新排队", slog.String("run_id", record.ID), slog.Int("attempts", record.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, record *Run, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || record == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		RunID:      record.ID,
		DeviceID:   record.DeviceID,
		Attempts:   record.Attempts,
		MaxRetries: record.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", record.ID),
			slog.String("stage", stage),
		)
	}
}
