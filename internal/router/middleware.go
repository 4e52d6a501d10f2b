package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "sessionsms/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// Middleware wraps a command handler.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain applies m so that m[0] is the outermost wrapper.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// ErrTimedOut wraps context.DeadlineExceeded for a command that overran its
// bound, so the console can say how long it waited.
type ErrTimedOut struct{ After time.Duration }

func (e *ErrTimedOut) Error() string { return fmt.Sprintf("timed out after %s", e.After) }
func (e *ErrTimedOut) Unwrap() error { return context.DeadlineExceeded }

// withTimeout bounds a handler by d. Zero or negative means unbounded.
func withTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			err := next(cctx, req)
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return &ErrTimedOut{After: d}
			}
			return err
		}
	}
}

// recoverPanics turns a panicking handler into an error line on the console
// and a stack trace in the log.
func recoverPanics() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				req.Logger.Error("command panicked",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("panic: %v", r)
			}()
			return next(ctx, req)
		}
	}
}

// logRequests records each command with its duration. Argument values are
// not logged: sms_set_token and sms_test carry secrets and free text.
func logRequests() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			fields := []logx.Field{
				logx.Int("args", len(req.Args)),
				logx.Int("text_len", len(req.Text)),
				logx.Duration("took", time.Since(start)),
			}
			if err != nil {
				req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
				return err
			}
			req.Logger.Debug("command done", fields...)
			return nil
		}
	}
}
