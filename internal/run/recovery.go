package run

import (
	"context"
	"fmt"

	xerrors "PhonePilot/internal/errors"
)

// RecoveryHandler 定义了在运行执行失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 尝试根据失败原因进行补偿或降级。
	// 返回的 Outcome 将作为降级结果把运行标记为中止；若返回 nil 则继续按照失败流程处理。
	Recover(ctx context.Context, record *Run, cause error) (*Outcome, error)
}

// DeviceLossFallback 把设备失联导致的不可重试失败降级为干净中止，
// 避免把基础设施故障算作任务失败。其余错误码不做补偿。
type DeviceLossFallback struct{}

// NewDeviceLossFallback 构造设备失联降级策略。
func NewDeviceLossFallback() DeviceLossFallback {
	return DeviceLossFallback{}
}

// Recover 实现 RecoveryHandler。
func (DeviceLossFallback) Recover(_ context.Context, record *Run, cause error) (*Outcome, error) {
	if xerrors.CodeOf(cause) != xerrors.CodeDeviceUnavailable {
		return nil, nil
	}
	return &Outcome{
		FinalStatus: string(StatusAborted),
		Reason:      string(xerrors.CodeDeviceUnavailable),
		Message:     fmt.Sprintf("设备 %s 不可用，运行已降级中止", record.DeviceID),
	}, nil
}
