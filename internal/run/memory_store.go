package run

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "PhonePilot/internal/errors"
)

// MemoryStore 以内存方式保存运行状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, record *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "run 不能为空")
	}
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	if _, ok := m.runs[record.ID]; ok {
		return ErrRunConflict
	}
	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	m.runs[record.ID] = cloneRun(record)
	return nil
}

// Get 返回运行。
func (m *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(record), nil
}

// Claim 将运行状态更新为执行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	switch record.Status {
	case StatusCompleted, StatusAborted:
		return cloneRun(record), ErrRunFinished
	case StatusRunning, StatusAwaitingConfirmation, StatusAwaitingTakeover:
		return cloneRun(record), ErrRunConflict
	}
	if record.Attempts >= record.MaxRetries {
		return cloneRun(record), ErrRunExhausted
	}
	record.Status = StatusRunning
	record.Attempts++
	record.LastError = ""
	record.ErrorCode = ""
	record.UpdatedAt = time.Now().Unix()
	return cloneRun(record), nil
}

// SetGateState 切换等待人工决策的可见状态。
func (m *MemoryStore) SetGateState(_ context.Context, id string, status Status) error {
	if status != StatusRunning && status != StatusAwaitingConfirmation && status != StatusAwaitingTakeover {
		return xerrors.New(xerrors.CodeInvalidArgument, "非法的门控状态: "+string(status))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if Terminal(record.Status) {
		return ErrRunFinished
	}
	record.Status = status
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkCompleted 记录成功结果。
func (m *MemoryStore) MarkCompleted(_ context.Context, id string, outcome Outcome) error {
	return m.finish(id, StatusCompleted, outcome)
}

// MarkAborted 记录干净中止的结果。
func (m *MemoryStore) MarkAborted(_ context.Context, id string, outcome Outcome) error {
	return m.finish(id, StatusAborted, outcome)
}

func (m *MemoryStore) finish(id string, status Status, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	record.Status = status
	record.Result = &outcome
	record.LastError = ""
	record.ErrorCode = ""
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记运行失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	record.Status = StatusFailed
	record.LastError = lastError
	record.ErrorCode = string(code)
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回最近运行。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Run, 0, len(m.runs))
	for _, record := range m.runs {
		if !matchesListFilters(record, opts) {
			continue
		}
		results = append(results, cloneRun(record))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Run{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的运行数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (RunStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := RunStats{}
	for _, record := range m.runs {
		if !matchesListFilters(record, opts) {
			continue
		}
		stats.Total++
		switch record.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusAwaitingConfirmation, StatusAwaitingTakeover:
			stats.Awaiting++
		case StatusCompleted:
			stats.Completed++
		case StatusAborted:
			stats.Aborted++
		case StatusFailed:
			stats.Failed++
		}
		if record.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = record.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (record.UpdatedAt != 0 && record.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = record.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneRun(record *Run) *Run {
	clone := *record
	if record.Result != nil {
		resultCopy := *record.Result
		clone.Result = &resultCopy
	}
	clone.Metadata = cloneMetadata(record.Metadata)
	return &clone
}

func matchesListFilters(record *Run, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if record.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.DeviceID != "" && record.DeviceID != opts.DeviceID {
		return false
	}
	if opts.UpdatedGTE > 0 && record.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && record.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && (record.Result != nil) != *opts.HasResult {
		return false
	}
	if opts.Query != "" && !matchesQuery(record, opts.Query) {
		return false
	}
	return true
}

func matchesQuery(record *Run, query string) bool {
	needle := strings.ToLower(query)
	haystacks := []string{record.ID, record.Instruction, record.DeviceID, record.LastError, record.ErrorCode}
	if record.Result != nil {
		haystacks = append(haystacks, record.Result.FinalStatus, record.Result.Reason, record.Result.Message)
	}
	for _, hay := range haystacks {
		if hay == "" {
			continue
		}
		if strings.Contains(strings.ToLower(hay), needle) {
			return true
		}
	}
	return false
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
