package auth

import "context"

type subjectContextKey struct{}

// WithSubject 把通过认证的主体挂到请求上下文，供下游处理器读取。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectContextKey{}, subject)
}

// SubjectFromContext 取出上下文中的认证主体，不存在时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectContextKey{}).(*Subject)
	if subject != nil {
		subject.normalise()
	}
	return subject
}
