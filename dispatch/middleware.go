package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/fxsml/replynode/event"
)

// HandleFunc processes one event and returns the output to emit, if any.
type HandleFunc func(ctx context.Context, ev *event.Event) (*event.Output, error)

// Middleware wraps a HandleFunc with additional behavior.
type Middleware func(next HandleFunc) HandleFunc

// chain applies middleware so that mw[0] is the outermost wrapper.
func chain(h HandleFunc, mw ...Middleware) HandleFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// RecoveryError wraps a panic value with the stack trace.
type RecoveryError struct {
	// PanicValue is the original value that was passed to panic().
	PanicValue any
	// StackTrace contains the full stack trace at the point of panic.
	StackTrace string
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.PanicValue)
}

// Recover converts panics during handling into a *RecoveryError.
func Recover() Middleware {
	return func(next HandleFunc) HandleFunc {
		return func(ctx context.Context, ev *event.Event) (out *event.Output, err error) {
			defer func() {
				if r := recover(); r != nil {
					out = nil
					err = &RecoveryError{
						PanicValue: r,
						StackTrace: string(debug.Stack()),
					}
				}
			}()
			return next(ctx, ev)
		}
	}
}

// Logging logs every handled input event at debug level. Events skipped for
// missing metadata are not logged.
// If logger is nil, slog.Default() is used.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandleFunc) HandleFunc {
		return func(ctx context.Context, ev *event.Event) (*event.Output, error) {
			start := time.Now()
			out, err := next(ctx, ev)
			if ev.Type != event.TypeInput || errors.Is(err, ErrMissingMetadata) {
				return out, err
			}
			args := []any{
				"input", ev.ID,
				"replied", out != nil,
				"duration", time.Since(start),
			}
			if err != nil {
				args = append(args, "error", err)
			}
			logger.DebugContext(ctx, "Handled event", args...)
			return out, err
		}
	}
}
