package run

import (
	"context"
	"sync"
	"time"

	xerrors "PhonePilot/internal/errors"
)

// PendingDecision 描述一个等待人工决策的挂起点，供查询接口展示。
type PendingDecision struct {
	RunID       string    `json:"run_id"`
	Kind        Status    `json:"kind"`
	Description string    `json:"description"`
	Since       time.Time `json:"since"`
}

type pendingGate struct {
	info     PendingDecision
	decision chan bool
}

// GateRegistry 把阻塞在运行循环里的确认与接管回调，
// 桥接到外部接口提交的决策上。每条运行同一时刻至多一个挂起点。
type GateRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingGate
}

// NewGateRegistry 创建空的决策登记表。
func NewGateRegistry() *GateRegistry {
	return &GateRegistry{pending: make(map[string]*pendingGate)}
}

func (r *GateRegistry) register(runID string, kind Status, description string) (*pendingGate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[runID]; ok {
		return nil, ErrRunConflict
	}
	gate := &pendingGate{
		info: PendingDecision{
			RunID:       runID,
			Kind:        kind,
			Description: description,
			Since:       time.Now(),
		},
		decision: make(chan bool, 1),
	}
	r.pending[runID] = gate
	return gate, nil
}

func (r *GateRegistry) unregister(runID string) {
	r.mu.Lock()
	delete(r.pending, runID)
	r.mu.Unlock()
}

// AwaitConfirmation 挂起调用方直到外部提交确认决策或上下文取消。
func (r *GateRegistry) AwaitConfirmation(ctx context.Context, runID, description string) (bool, error) {
	gate, err := r.register(runID, StatusAwaitingConfirmation, description)
	if err != nil {
		return false, err
	}
	defer r.unregister(runID)

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case approved := <-gate.decision:
		return approved, nil
	}
}

// AwaitTakeover 挂起调用方直到外部宣告人工接管完成或上下文取消。
func (r *GateRegistry) AwaitTakeover(ctx context.Context, runID, reason string) error {
	gate, err := r.register(runID, StatusAwaitingTakeover, reason)
	if err != nil {
		return err
	}
	defer r.unregister(runID)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-gate.decision:
		return nil
	}
}

func (r *GateRegistry) resolve(runID string, kind Status, value bool) error {
	r.mu.Lock()
	gate, ok := r.pending[runID]
	if ok && gate.info.Kind != kind {
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return ErrNoPendingGate
	}
	select {
	case gate.decision <- value:
		return nil
	default:
		// 决策已经提交过一次。
		return xerrors.New(xerrors.CodeConflict, "决策已提交")
	}
}

// ResolveConfirmation 提交确认决策。
func (r *GateRegistry) ResolveConfirmation(runID string, approved bool) error {
	return r.resolve(runID, StatusAwaitingConfirmation, approved)
}

// ResolveTakeover 宣告人工接管完成。
func (r *GateRegistry) ResolveTakeover(runID string) error {
	return r.resolve(runID, StatusAwaitingTakeover, true)
}

// Pending 返回指定运行的挂起决策。
func (r *GateRegistry) Pending(runID string) (PendingDecision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gate, ok := r.pending[runID]
	if !ok {
		return PendingDecision{}, false
	}
	return gate.info, true
}

// Snapshot 返回全部挂起决策。
func (r *GateRegistry) Snapshot() []PendingDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PendingDecision, 0, len(r.pending))
	for _, gate := range r.pending {
		out = append(out, gate.info)
	}
	return out
}
