package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	xerrors "PhonePilot/internal/errors"
)

// Session 表示对一台设备的独占使用权。同一设备同一时刻
// 只允许一个运行持有会话，Close 幂等且必须在所有退出路径上调用。
type Session struct {
	DeviceID   string
	Kind       Kind
	Controller Controller
	AcquiredAt time.Time

	manager *Manager
	once    sync.Once
}

// Close 释放会话，重复调用无副作用。
func (s *Session) Close() {
	if s == nil || s.manager == nil {
		return
	}
	s.once.Do(func() {
		s.manager.release(s.DeviceID)
	})
}

// SessionInfo 是设备清单接口展示用的会话快照。
type SessionInfo struct {
	DeviceID string `json:"device_id"`
	Kind     Kind   `json:"kind"`
	Locked   bool   `json:"locked"`
}

type registration struct {
	kind   Kind
	ctrl   Controller
	locked bool
}

// Manager 持有设备标识到控制器与锁状态的映射。
// 它是并发运行之间唯一共享的同步资源。
type Manager struct {
	mu      sync.Mutex
	devices map[string]*registration
}

// NewManager 创建一个空的会话管理器。
func NewManager() *Manager {
	return &Manager{devices: make(map[string]*registration)}
}

// Register 登记一台设备。重复登记覆盖旧的控制器。
func (m *Manager) Register(deviceID string, kind Kind, ctrl Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[deviceID] = &registration{kind: kind, ctrl: ctrl}
}

// Acquire 独占获取设备会话。设备未登记、已被占用或探活失败时
// 返回 DEVICE_UNAVAILABLE。
func (m *Manager) Acquire(ctx context.Context, deviceID string) (*Session, error) {
	m.mu.Lock()
	reg, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeDeviceUnavailable,
			fmt.Sprintf("设备 %s 未登记", deviceID))
	}
	if reg.locked {
		m.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeDeviceUnavailable,
			fmt.Sprintf("设备 %s 正在被其他运行占用", deviceID))
	}
	reg.locked = true
	m.mu.Unlock()

	// 探活放在锁外，避免网络设备把管理器整体卡住。
	if !reg.ctrl.Alive(ctx) {
		m.release(deviceID)
		return nil, xerrors.New(xerrors.CodeDeviceUnavailable,
			fmt.Sprintf("设备 %s 探活失败", deviceID))
	}

	return &Session{
		DeviceID:   deviceID,
		Kind:       reg.kind,
		Controller: reg.ctrl,
		AcquiredAt: time.Now(),
		manager:    m,
	}, nil
}

func (m *Manager) release(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg, ok := m.devices[deviceID]; ok {
		reg.locked = false
	}
}

// Snapshot 返回全部已登记设备的会话状态。
func (m *Manager) Snapshot() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]SessionInfo, 0, len(m.devices))
	for id, reg := range m.devices {
		infos = append(infos, SessionInfo{DeviceID: id, Kind: reg.kind, Locked: reg.locked})
	}
	return infos
}
