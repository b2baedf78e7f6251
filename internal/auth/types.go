package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// 认证子系统的公共错误。
var (
	ErrDisabled           = errors.New("认证已禁用")
	ErrInvalidCredentials = errors.New("用户名或密码错误")
	ErrUnsupportedGrant   = errors.New("不支持的授权类型")
	ErrInvalidToken       = errors.New("无效的令牌")
	ErrMissingToken       = errors.New("缺少 Bearer 令牌")
	ErrPermissionDenied   = errors.New("权限不足")
	ErrSubjectRevoked     = errors.New("账号已停用")
)

// 运行编排服务暴露的权限名。
const (
	PermRunsSubmit   = "runs:submit"
	PermRunsRead     = "runs:read"
	PermGatesResolve = "gates:resolve"
	PermDevicesRead  = "devices:read"
)

// Store 抽象账号目录，实现必须并发安全。
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	LoadSubject(ctx context.Context, userID int64) (*Subject, error)
}

// SeedWriter 由支持引导写入种子账号的存储实现。
type SeedWriter interface {
	ApplySeed(ctx context.Context, seed Seed) error
}

// User 是带凭证的持久化账号。
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Disabled     bool
}

// Subject 是令牌承载并注入请求上下文的主体信息。
type Subject struct {
	ID          int64
	Username    string
	Roles       []string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// Normalise 填充内部查找缓存，供外部构造的主体使用。
func (s *Subject) Normalise() {
	s.normalise()
}

// HasPermission 判断主体是否拥有指定权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 校验主体拥有全部所需权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: 缺少 %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone 返回可嵌入令牌的浅拷贝。
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		ID:          s.ID,
		Username:    s.Username,
		Roles:       append([]string(nil), s.Roles...),
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// TokenRequest 是令牌签发端点接受的请求体。
type TokenRequest struct {
	GrantType string   `json:"grant_type"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	Scope     []string `json:"scope"`
}

// TokenPair 是签发的访问令牌与刷新令牌。
type TokenPair struct {
	AccessToken      string   `json:"access_token"`
	ExpiresIn        int64    `json:"expires_in"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64    `json:"refresh_expires_in,omitempty"`
	TokenType        string   `json:"token_type"`
	Subject          *Subject `json:"-"`
	GrantedScopes    []string `json:"scope,omitempty"`
}

// Config 配置认证服务。
type Config struct {
	Mode   Mode
	JWT    JWTOptions
	Tokens []StaticToken
	Seeds  []Seed
}

// Mode 枚举支持的认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
	// ModeToken 使用预置的静态 Bearer 令牌，面向机器客户端与脚本。
	ModeToken Mode = "token"
)

// JWTOptions 是本地 JWT 签发参数。
type JWTOptions struct {
	Secret     string
	Issuer     string
	Audience   []string
	AccessTTL  int64
	RefreshTTL int64
}

// StaticToken 把一个固定令牌映射到一个主体。
type StaticToken struct {
	Token       string
	Name        string
	Roles       []string
	Permissions []string
	Disabled    bool
}

// Seed 定义引导期写入的初始账号与权限。
type Seed struct {
	Username    string
	Password    string
	Roles       []string
	Permissions []string
	Disabled    bool
}
