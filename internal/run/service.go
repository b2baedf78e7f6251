package run

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "PhonePilot/internal/errors"
	"PhonePilot/pkg/logger"
)

// SubmitRequest 描述一次新运行的提交参数。
type SubmitRequest struct {
	ID          string         `json:"id,omitempty"`
	Instruction string         `json:"instruction"`
	DeviceID    string         `json:"device_id"`
	StepBudget  int            `json:"step_budget,omitempty"`
	Locale      string         `json:"locale,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Service 负责运行的创建与查询。
type Service struct {
	store         Store
	producer      Producer
	maxRetries    int
	stepBudget    int
	defaultLocale string
}

// ServiceOption 定义可选的 Service 配置。
type ServiceOption func(*Service)

// WithDefaultLocale 设置提交请求未指定时使用的回复语言。
func WithDefaultLocale(locale string) ServiceOption {
	return func(s *Service) {
		s.defaultLocale = strings.TrimSpace(locale)
	}
}

// NewService 构造运行服务。stepBudget 是未显式指定时的默认步数预算。
func NewService(store Store, producer Producer, maxRetries, stepBudget int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if stepBudget <= 0 {
		stepBudget = 25
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries, stepBudget: stepBudget}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的运行并推送到队列。重复提交同一 ID 幂等返回已有记录。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Run, error) {
	if strings.TrimSpace(req.Instruction) == "" {
		return nil, xerrors.New(CodeRunValidation, "任务指令不能为空")
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		return nil, xerrors.New(CodeRunValidation, "目标设备不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}

	runID := strings.TrimSpace(req.ID)
	if runID != "" {
		record, err := s.store.Get(ctx, runID)
		if err == nil {
			return record, nil
		}
		if !stdErrors.Is(err, ErrRunNotFound) {
			return nil, err
		}
	} else {
		runID = uuid.NewString()
	}

	budget := req.StepBudget
	if budget <= 0 {
		budget = s.stepBudget
	}
	locale := strings.TrimSpace(req.Locale)
	if locale == "" {
		locale = s.defaultLocale
	}

	record := &Run{
		ID:          runID,
		Instruction: req.Instruction,
		DeviceID:    req.DeviceID,
		StepBudget:  budget,
		Locale:      locale,
		Metadata:    cloneMetadata(req.Metadata),
		Status:      StatusPending,
		Attempts:    0,
		MaxRetries:  s.maxRetries,
	}
	if err := s.store.Create(ctx, record); err != nil {
		if stdErrors.Is(err, ErrRunConflict) {
			existing, getErr := s.store.Get(ctx, runID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrRunNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, runID); err != nil {
		logger.L().Error("运行入队失败", slog.Any("error", err), slog.String("run_id", runID))
		wrapped := xerrors.Wrap(CodeRunPublish, err, "发布运行到队列失败")
		_ = s.store.MarkFailed(ctx, runID, CodeRunPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("运行入队成功",
		slog.String("run_id", runID),
		slog.String("instruction", record.Instruction),
		slog.String("device_id", record.DeviceID),
		slog.Int("step_budget", record.StepBudget),
		slog.Int("max_retries", record.MaxRetries),
	)
	return record, nil
}

// Get 返回指定运行的状态。
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的运行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的运行统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (RunStats, error) {
	if s.store == nil {
		return RunStats{}, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilFinished 在指定超时时间内轮询运行状态直到终态。
func (s *Service) WaitUntilFinished(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		record, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if Terminal(record.Status) {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
