package middleware

import (
	"context"
	"net/http"

	"github.com/upb/traffic-control-plane/services"
	"github.com/upb/traffic-control-plane/services/controlplane"
	"github.com/upb/traffic-control-plane/services/ratelimit"
	"github.com/upb/traffic-control-plane/utils"
	"go.uber.org/zap"
)

// Admitter decides whether a request may proceed
type Admitter interface {
	Admit(ctx context.Context, req controlplane.Request, cost uint32) (ratelimit.Decision, error)
}

// RateLimitMiddleware admits requests through the control plane's token buckets
type RateLimitMiddleware struct {
	admitter Admitter
	logger   *zap.Logger
}

// NewRateLimitMiddleware creates a new RateLimitMiddleware
func NewRateLimitMiddleware(admitter Admitter, logger *zap.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		admitter: admitter,
		logger:   logger,
	}
}

// Limit charges one token per request against the caller's bucket for route.
// Every response carries the bucket state; rejections get 429 and Retry-After.
func (m *RateLimitMiddleware) Limit(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithRoute(r.Context(), route)
			r = r.WithContext(ctx)

			req := RequestFromHTTP(r)
			decision, err := m.admitter.Admit(ctx, req, 1)
			utils.SetRateLimitHeaders(w, decision.Limit, decision.Remaining)

			if err != nil {
				m.logger.Info("rate limit exceeded",
					zap.String("request_id", req.RequestID),
					zap.String("route", route),
					zap.String("principal", req.Principal()))

				retryAfter, _ := services.GetErrorDetails(err)["retry_after_seconds"].(int64)
				if decision.Unsatisfiable() {
					retryAfter = -1
				}
				_ = utils.WriteTooManyRequests(w, "", retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
