package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// MemoryStore 是 Store 的内存实现，面向开发与测试场景。
// 账号来自配置种子，运行期通过 ApplySeed 追加或覆盖。
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]*User
	byID   map[int64]*Subject
	nextID int64
}

// NewMemoryStore 用种子账号初始化存储。重复的用户名只保留第一个。
func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{
		users:  make(map[string]*User),
		byID:   make(map[int64]*Subject),
		nextID: 1,
	}
	for _, seed := range seeds {
		username := strings.TrimSpace(seed.Username)
		if username == "" {
			continue
		}
		if _, exists := store.users[username]; exists {
			continue
		}
		if err := store.upsert(seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// ApplySeed 实现 SeedWriter。已存在的账号被整体覆盖。
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(seed.Username) == "" {
		return errors.New("种子账号的用户名不能为空")
	}
	return s.upsert(seed)
}

// upsert 写入账号与主体两张表。调用方负责加锁（构造期除外）。
func (s *MemoryStore) upsert(seed Seed) error {
	username := strings.TrimSpace(seed.Username)
	hashed, err := HashPassword(seed.Password)
	if err != nil {
		return err
	}

	id := s.nextID
	if existing, ok := s.users[username]; ok {
		id = existing.ID
	} else {
		s.nextID++
	}

	s.users[username] = &User{
		ID:           id,
		Username:     username,
		PasswordHash: hashed,
		Disabled:     seed.Disabled,
	}
	subject := &Subject{
		ID:          id,
		Username:    username,
		Roles:       dedupeStrings(seed.Roles),
		Permissions: dedupeStrings(seed.Permissions),
		Disabled:    seed.Disabled,
	}
	subject.normalise()
	s.byID[id] = subject
	return nil
}

// FindUserByUsername 查询账号记录，返回副本。
func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[strings.TrimSpace(username)]
	if !ok {
		return nil, errors.New("账号不存在")
	}
	clone := *user
	return &clone, nil
}

// LoadSubject 返回带角色与权限的主体副本。
func (s *MemoryStore) LoadSubject(_ context.Context, userID int64) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subject, ok := s.byID[userID]
	if !ok {
		return nil, errors.New("主体不存在")
	}
	return subject.Clone(), nil
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		seen[strings.ToLower(value)] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
