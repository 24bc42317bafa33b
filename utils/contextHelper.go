package utils

import "context"

type ctxKey int

const (
	actorKey ctxKey = iota
	correlationKey
)

// requestActor is the authenticated caller, stored as one value so the
// fields never disagree.
type requestActor struct {
	id      int
	name    string
	isAdmin bool
}

func actorFrom(ctx context.Context) (requestActor, bool) {
	a, ok := ctx.Value(actorKey).(requestActor)
	return a, ok
}

// WithActor sets the acting user on ctx. Any admin flag already present is
// dropped.
func WithActor(ctx context.Context, userId int, userName string) context.Context {
	return context.WithValue(ctx, actorKey, requestActor{id: userId, name: userName})
}

// SetIsAdminInContext is a no-op until WithActor has run.
func SetIsAdminInContext(ctx context.Context, isAdmin bool) context.Context {
	a, ok := actorFrom(ctx)
	if !ok {
		return ctx
	}
	a.isAdmin = isAdmin
	return context.WithValue(ctx, actorKey, a)
}

func GetUserIdFromContext(ctx context.Context) (int, bool) {
	a, ok := actorFrom(ctx)
	return a.id, ok
}

func GetUserNameFromContext(ctx context.Context) (string, bool) {
	a, ok := actorFrom(ctx)
	return a.name, ok
}

func GetIsAdminFromContext(ctx context.Context) (bool, bool) {
	a, ok := actorFrom(ctx)
	return a.isAdmin, ok
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return context.WithValue(ctx, correlationKey, correlationId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(correlationKey).(string)
	return v, ok
}
