package engine

import (
	"context"

	"github.com/songzhibin97/sequence-engine/types"
)

// Token is a cooperative cancellation signal shared by a run and the
// commands it dispatches.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewToken derives a token from parent. Cancelling parent cancels the token.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel requests cancellation. Calling it more than once has no effect.
func (t *Token) Cancel() {
	t.cancel(types.ErrCancelled)
}

// Cancelled reports whether cancellation was requested.
func (t *Token) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Done is closed once the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context returns the context carried by the token.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Err returns types.ErrCancelled once the token is cancelled, nil before.
func (t *Token) Err() error {
	if t.ctx.Err() == nil {
		return nil
	}
	return types.ErrCancelled
}
