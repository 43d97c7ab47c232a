package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/traffic-control-plane/services"
	"github.com/upb/traffic-control-plane/services/controlplane"
	"github.com/upb/traffic-control-plane/services/ratelimit"
	"github.com/upb/traffic-control-plane/utils"
	"go.uber.org/zap"
)

// MockAdmitter is a mock implementation of Admitter
type MockAdmitter struct {
	mock.Mock
}

func (m *MockAdmitter) Admit(ctx context.Context, req controlplane.Request, cost uint32) (ratelimit.Decision, error) {
	args := m.Called(ctx, req, cost)
	return args.Get(0).(ratelimit.Decision), args.Error(1)
}

func TestRateLimitMiddleware_Limit(t *testing.T) {
	logger := zap.NewNop()

	t.Run("admitted request carries bucket headers", func(t *testing.T) {
		admitter := new(MockAdmitter)
		admitter.On("Admit", mock.Anything, mock.MatchedBy(func(req controlplane.Request) bool {
			return req.Route == "flags" && req.OriginAddress == "203.0.113.7" && req.UserID == "user-1"
		}), uint32(1)).Return(ratelimit.Decision{Admitted: true, Remaining: 99, Limit: 100}, nil)

		handler := NewRateLimitMiddleware(admitter, logger).Limit("flags")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "flags", GetRouteFromContext(r.Context()))
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/flags", nil)
		req.RemoteAddr = "203.0.113.7:51234"
		req = req.WithContext(WithClaims(req.Context(), &Claims{Subject: "user-1"}))
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "100", w.Header().Get(utils.HeaderRateLimitLimit))
		assert.Equal(t, "99", w.Header().Get(utils.HeaderRateLimitRemaining))
		assert.Empty(t, w.Header().Get(utils.HeaderRetryAfter))
		admitter.AssertExpectations(t)
	})

	t.Run("rejected request gets 429 with retry after", func(t *testing.T) {
		admitter := new(MockAdmitter)
		admitter.On("Admit", mock.Anything, mock.Anything, uint32(1)).Return(
			ratelimit.Decision{RetryAfter: 2500 * time.Millisecond, Limit: 10},
			services.NewRateLimitedError("default", 2500*time.Millisecond),
		)

		handler := NewRateLimitMiddleware(admitter, logger).Limit("default")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/flags", nil))

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "3", w.Header().Get(utils.HeaderRetryAfter))
		assert.Equal(t, "0", w.Header().Get(utils.HeaderRateLimitRemaining))

		var response utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "rate_limit_exceeded", response.Error)
		assert.Equal(t, float64(3), response.Details["retry_after_seconds"])
	})

	t.Run("unsatisfiable request is not retryable", func(t *testing.T) {
		admitter := new(MockAdmitter)
		admitter.On("Admit", mock.Anything, mock.Anything, uint32(1)).Return(
			ratelimit.Decision{RetryAfter: ratelimit.RetryNever, Limit: 0},
			services.NewRateLimitedError("default", -1),
		)

		handler := NewRateLimitMiddleware(admitter, logger).Limit("default")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Empty(t, w.Header().Get(utils.HeaderRetryAfter))
	})
}
