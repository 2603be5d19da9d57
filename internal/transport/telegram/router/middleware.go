package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"hundredbot/internal/eventbus"
	logx "hundredbot/pkg/logx"
)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] is the outermost middleware.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)
			if err != nil {
				logger.Warn("request failed", logx.Duration("dur", d), logx.Err(err))
				return err
			}
			// Short successful requests go to DEBUG.
			if d >= 750*time.Millisecond {
				logger.Info("request ok", logx.Duration("dur", d))
			} else {
				logger.Debug("request ok", logx.Duration("dur", d))
			}
			return nil
		}
	}
}

// MWEvents publishes one command.handled event per request.
func MWEvents(bus eventbus.Bus) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			bus.Publish(eventbus.Event{Type: eventbus.TypeCommandHandled, Data: eventbus.CommandData{
				Command: req.Command,
				OK:      err == nil,
				Took:    time.Since(start),
			}})
			return err
		}
	}
}
