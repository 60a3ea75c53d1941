// Package cstate drives small state machines where each state returns its successor.
package cstate

import (
	"context"
	"fmt"

	"github.com/anacrolix/log"
)

type Shared struct {
	done context.CancelCauseFunc
}

type T interface {
	Update(context.Context, *Shared) T
}

// Failure terminates the machine with the given cause.
func Failure(cause error) failed {
	return failed{cause: cause}
}

type failed struct {
	cause error
}

func (t failed) Update(ctx context.Context, c *Shared) T {
	c.done(t.cause)
	return nil
}

func (t failed) String() string {
	return fmt.Sprintf("failed: %v", t.cause)
}

func Fn(fn fn) fn {
	return fn
}

type fn func(context.Context, *Shared) T

func (t fn) Update(ctx context.Context, s *Shared) T {
	return t(ctx, s)
}

// Run updates s until a state returns nil or the context is done. The returned error is the
// cause of the context cancellation, nil when the machine terminated on its own.
func Run(ctx context.Context, s T, l log.Logger) error {
	ctx, cancelled := context.WithCancelCause(ctx)
	defer cancelled(nil)
	var (
		m = Shared{
			done: cancelled,
		}
	)

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		default:
			if str, ok := s.(fmt.Stringer); ok {
				l.Levelf(log.Debug, "cstate: %s", str)
			}
			s = s.Update(ctx, &m)
		}

		if s == nil {
			return context.Cause(ctx)
		}
	}
}
