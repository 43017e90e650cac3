// Package appctx carries the request scope shared by config and utils: the
// print shop (company) a request acts for, the signed-in operator and the
// correlation id that follows a stage change into the outbox.
package appctx

import "context"

type ContextKey string

const (
	ContextKeyToken    ContextKey = "session_token"
	ContextKeyUsername ContextKey = "login_name"
	ContextKeyUserId   ContextKey = "user_id"
	ContextKeyUserName ContextKey = "display_name"

	// tenant; every production table is keyed by company_id
	ContextKeyCompanyId ContextKey = "company_id"
	ContextKeyBranchId  ContextKey = "branch_id"

	ContextKeyCorrelationId ContextKey = "correlation_id"

	// ContextKeyIsAdmin is set for shop admins and the system actor. The
	// tenant guard does not add its company filter for them.
	ContextKeyIsAdmin ContextKey = "is_admin"
)

// Value returns the value stored under key when it has type T.
func Value[T any](ctx context.Context, key ContextKey) (T, bool) {
	v, ok := ctx.Value(key).(T)
	return v, ok
}

// CompanyId is the tenant of ctx, or "" outside a request scope.
func CompanyId(ctx context.Context) string {
	v, _ := Value[string](ctx, ContextKeyCompanyId)
	return v
}

// IsAdmin reports whether ctx reads across the tenant guard.
func IsAdmin(ctx context.Context) bool {
	v, _ := Value[bool](ctx, ContextKeyIsAdmin)
	return v
}

func With(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
