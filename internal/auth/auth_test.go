package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newJWTService(t *testing.T) *Service {
	t.Helper()
	store, err := NewMemoryStore([]Seed{
		{
			Username:    "operator",
			Password:    "secret",
			Roles:       []string{"operator"},
			Permissions: []string{PermRunsSubmit, PermRunsRead, PermGatesResolve},
		},
		{
			Username:    "viewer",
			Password:    "readonly",
			Permissions: []string{PermRunsRead},
		},
	})
	if err != nil {
		t.Fatalf("创建账号存储失败: %v", err)
	}
	svc, err := NewService(context.Background(), Config{
		Mode: ModeJWT,
		JWT:  JWTOptions{Secret: "test-secret", Issuer: "phonepilot"},
	}, store)
	if err != nil {
		t.Fatalf("创建认证服务失败: %v", err)
	}
	return svc
}

func TestJWTIssueAndVerify(t *testing.T) {
	svc := newJWTService(t)
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "operator", Password: "secret"})
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.TokenType != "Bearer" {
		t.Fatalf("unexpected token pair: %+v", pair)
	}

	subject, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	if err != nil {
		t.Fatalf("校验令牌失败: %v", err)
	}
	if subject.Username != "operator" {
		t.Fatalf("unexpected subject: %s", subject.Username)
	}
	if err := subject.Authorize(PermRunsSubmit, PermGatesResolve); err != nil {
		t.Fatalf("operator must hold submit permissions: %v", err)
	}

	// 刷新令牌不能用于访问。
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token must not authenticate: %v", err)
	}
}

func TestJWTRejectsBadCredentials(t *testing.T) {
	svc := newJWTService(t)
	ctx := context.Background()

	if _, err := svc.Authenticate(ctx, TokenRequest{Username: "operator", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestStaticTokenMode(t *testing.T) {
	svc, err := NewService(context.Background(), Config{
		Mode: ModeToken,
		Tokens: []StaticToken{
			{Token: "ci-token", Name: "ci", Permissions: []string{PermRunsSubmit, PermRunsRead}},
			{Token: "revoked", Name: "old", Disabled: true},
		},
	}, nil)
	if err != nil {
		t.Fatalf("创建认证服务失败: %v", err)
	}

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer ci-token")
	if err != nil {
		t.Fatalf("静态令牌校验失败: %v", err)
	}
	if subject.Username != "ci" || !subject.HasPermission(PermRunsSubmit) {
		t.Fatalf("unexpected subject: %+v", subject)
	}

	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer revoked"); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected ErrSubjectRevoked, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer ghost"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	// 静态令牌模式不支持签发。
	if _, err := svc.Authenticate(context.Background(), TokenRequest{}); !errors.Is(err, ErrUnsupportedGrant) {
		t.Fatalf("expected ErrUnsupportedGrant, got %v", err)
	}
}

func TestMiddlewareAuthorization(t *testing.T) {
	svc, err := NewService(context.Background(), Config{
		Mode: ModeToken,
		Tokens: []StaticToken{
			{Token: "writer", Name: "writer", Permissions: []string{PermRunsSubmit}},
			{Token: "reader", Name: "reader", Permissions: []string{PermRunsRead}},
		},
	}, nil)
	if err != nil {
		t.Fatalf("创建认证服务失败: %v", err)
	}

	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodPost: {PermRunsSubmit},
			http.MethodGet:  {PermRunsRead},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := SubjectFromContext(r.Context())
		if subject == nil {
			t.Errorf("subject missing from context")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		method string
		token  string
		want   int
	}{
		{"写权限提交", http.MethodPost, "writer", http.StatusNoContent},
		{"读权限查询", http.MethodGet, "reader", http.StatusNoContent},
		{"读权限不能提交", http.MethodPost, "reader", http.StatusForbidden},
		{"缺少令牌", http.MethodGet, "", http.StatusUnauthorized},
		{"无效令牌", http.MethodGet, "ghost", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/api/v1/runs", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, req)
			if recorder.Code != tc.want {
				t.Fatalf("unexpected status: got %d want %d", recorder.Code, tc.want)
			}
		})
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, err := NewService(context.Background(), Config{Mode: ModeDisabled}, nil)
	if err != nil {
		t.Fatalf("创建认证服务失败: %v", err)
	}
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("disabled mode must pass through, got %d", recorder.Code)
	}
}
