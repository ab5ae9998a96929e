package app

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"pewtask/internal/task/tracker"
	kit "pewtask/internal/transport"
	logx "pewtask/pkg/logx"
)

// Request is one chat update on its way to a command handler.
type Request struct {
	Update kit.Update
	Chat   kit.ChatTarget
	FromID int64
	// Command is "" for plain text and "callback" for button presses.
	Command string
	// Args is the text after the command, or the callback data.
	Args   string
	Logger logx.Logger
}

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// slowRequest is the duration above which successful requests log at info.
const slowRequest = 750 * time.Millisecond

// MWActor attributes tracker changes made by the request to the chat user.
func MWActor(source string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			return next(tracker.WithActor(ctx, tracker.Actor{Source: source, UserID: req.FromID}), req)
		}
	}
}

// MWTimeout bounds each request; d <= 0 disables it.
func MWTimeout(d time.Duration) Middleware {
	if d <= 0 {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// MWPanicRecover turns a handler panic into an error.
func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				req.Logger.Error("handler panicked",
					logx.String("cmd", req.Command),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("/%s panicked: %v", req.Command, r)
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs every request; failures at warn, slow ones at info.
func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			log := req.Logger.With(
				logx.String("kind", string(req.Update.Kind)),
				logx.String("cmd", req.Command),
				logx.Int64("chat_id", req.Chat.ChatID),
				logx.Int64("from_id", req.FromID),
				logx.Duration("took", took),
			)
			switch {
			case err != nil:
				log.Warn("request failed", logx.Err(err))
			case took >= slowRequest:
				log.Info("request slow")
			default:
				log.Debug("request done")
			}
			return err
		}
	}
}
