package llm

import (
	"context"

	"golang.org/x/time/rate"
)

type CompleteFunc func(ctx context.Context, req Request) (Response, error)

type Middleware func(next CompleteFunc) CompleteFunc

func applyMiddleware(base CompleteFunc, mws []Middleware) CompleteFunc {
	h := base
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// RateLimit blocks each call until the shared token bucket admits it.
func RateLimit(requestsPerSecond float64, burst int) Middleware {
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	return func(next CompleteFunc) CompleteFunc {
		return func(ctx context.Context, req Request) (Response, error) {
			if err := lim.Wait(ctx); err != nil {
				return Response{}, WrapContextError(req.Provider, err)
			}
			return next(ctx, req)
		}
	}
}

// Observe reports the outcome of every call after it returns.
func Observe(fn func(req Request, resp Response, err error)) Middleware {
	return func(next CompleteFunc) CompleteFunc {
		return func(ctx context.Context, req Request) (Response, error) {
			resp, err := next(ctx, req)
			fn(req, resp, err)
			return resp, err
		}
	}
}
