package grpcserver

import (
	"context"

	"github.com/and161185/keyhierarchy/internal/model"
)

type ctxKey string

const (
	callerKey ctxKey = "kh.caller"
	slotKey   ctxKey = "kh.caller.slot"
)

// callerSlot lets an outer interceptor see the caller an inner one
// authenticated.
type callerSlot struct {
	c  model.Caller
	ok bool
}

func withCallerSlot(ctx context.Context) (context.Context, *callerSlot) {
	s := new(callerSlot)
	return context.WithValue(ctx, slotKey, s), s
}

// WithCaller stores the authenticated device in context.
func WithCaller(ctx context.Context, c model.Caller) context.Context {
	if s, ok := ctx.Value(slotKey).(*callerSlot); ok {
		s.c, s.ok = c, true
	}
	return context.WithValue(ctx, callerKey, c)
}

// CallerFromCtx fetches the authenticated device from context.
func CallerFromCtx(ctx context.Context) (model.Caller, bool) {
	v := ctx.Value(callerKey)
	if v == nil {
		return model.Caller{}, false
	}
	c, ok := v.(model.Caller)
	return c, ok
}
