package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/traffic-control-plane/internal/clock"
	"github.com/upb/traffic-control-plane/models"
	"go.uber.org/zap/zaptest"
)

type recordingMetrics struct {
	mu       sync.Mutex
	admitted map[string]int
	rejected map[string]int
	buckets  int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{admitted: map[string]int{}, rejected: map[string]int{}}
}

func (m *recordingMetrics) RecordRateLimitDecision(route string, admitted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if admitted {
		m.admitted[route]++
	} else {
		m.rejected[route]++
	}
}

func (m *recordingMetrics) SetRateLimitBuckets(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = n
}

var epoch = time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *clock.Fake, *recordingMetrics) {
	t.Helper()
	clk := clock.NewFake(epoch)
	metrics := newRecordingMetrics()
	return NewLimiter(cfg, clk, metrics, zaptest.NewLogger(t)), clk, metrics
}

func tenPerSecond() Config {
	return Config{
		Default: models.RateLimitPolicy{Capacity: 10, RefillRate: 1},
		IdleTTL: time.Minute,
		Shards:  8,
	}
}

func TestKey_String(t *testing.T) {
	key := Key{Principal: "10.0.0.1", Route: "auth"}
	assert.Equal(t, "route:auth:principal:10.0.0.1", key.String())
}

func TestLimiter_RefillScenario(t *testing.T) {
	l, clk, _ := newTestLimiter(t, tenPerSecond())
	key := Key{Principal: "user-1", Route: "products"}

	for i := 0; i < 10; i++ {
		require.True(t, l.Allow(key).Admitted, "consumption %d", i+1)
	}
	assert.False(t, l.Allow(key).Admitted, "bucket should be empty")

	clk.Advance(5 * time.Second)

	// five tokens refilled: consumptions 11-15 pass, the 16th fails
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(key).Admitted, "refilled consumption %d", i+1)
	}
	d := l.Allow(key)
	assert.False(t, d.Admitted)
	assert.Equal(t, time.Second, d.RetryAfter)
}

func TestLimiter_TryConsume(t *testing.T) {
	t.Run("retry after reflects deficit", func(t *testing.T) {
		l, _, _ := newTestLimiter(t, Config{Default: models.RateLimitPolicy{Capacity: 4, RefillRate: 2}})
		key := Key{Principal: "p", Route: "r"}

		require.True(t, l.TryConsume(key, 3).Admitted)
		d := l.TryConsume(key, 3)
		assert.False(t, d.Admitted)
		assert.InDelta(t, 1.0, d.Remaining, 1e-9)
		assert.Equal(t, time.Second, d.RetryAfter) // (3 - 1) / 2
		assert.Equal(t, uint32(4), d.Limit)
	})

	t.Run("cost above capacity is never admitted", func(t *testing.T) {
		l, clk, metrics := newTestLimiter(t, tenPerSecond())
		key := Key{Principal: "p", Route: "r"}

		d := l.TryConsume(key, 11)
		assert.False(t, d.Admitted)
		assert.True(t, d.Unsatisfiable())
		assert.Equal(t, RetryNever, d.RetryAfter)

		clk.Advance(time.Hour)
		assert.True(t, l.TryConsume(key, 11).Unsatisfiable())
		assert.Equal(t, 2, metrics.rejected["r"])
		assert.Equal(t, 0, l.Len(), "unsatisfiable requests do not allocate buckets")
	})

	t.Run("cost above capacity reports the bucket level", func(t *testing.T) {
		l, _, _ := newTestLimiter(t, tenPerSecond())
		key := Key{Principal: "p", Route: "r"}

		assert.InDelta(t, 10.0, l.TryConsume(key, 11).Remaining, 1e-9)

		require.True(t, l.TryConsume(key, 4).Admitted)
		d := l.TryConsume(key, 11)
		assert.True(t, d.Unsatisfiable())
		assert.InDelta(t, 6.0, d.Remaining, 1e-9)
	})

	t.Run("zero cost counts as one", func(t *testing.T) {
		l, _, _ := newTestLimiter(t, tenPerSecond())
		key := Key{Principal: "p", Route: "r"}

		require.True(t, l.TryConsume(key, 0).Admitted)
		assert.InDelta(t, 9.0, l.Peek(key), 1e-9)
	})

	t.Run("route policies override default", func(t *testing.T) {
		cfg := tenPerSecond()
		cfg.Routes = map[string]models.RateLimitPolicy{"auth": {Capacity: 2, RefillRate: 0.5}}
		l, _, _ := newTestLimiter(t, cfg)

		auth := Key{Principal: "p", Route: "auth"}
		assert.True(t, l.Allow(auth).Admitted)
		assert.True(t, l.Allow(auth).Admitted)
		d := l.Allow(auth)
		assert.False(t, d.Admitted)
		assert.Equal(t, 2*time.Second, d.RetryAfter)

		assert.True(t, l.Allow(Key{Principal: "p", Route: "products"}).Admitted)
	})

	t.Run("keys are independent", func(t *testing.T) {
		l, _, _ := newTestLimiter(t, Config{Default: models.RateLimitPolicy{Capacity: 1, RefillRate: 1}})

		assert.True(t, l.Allow(Key{Principal: "a", Route: "r"}).Admitted)
		assert.False(t, l.Allow(Key{Principal: "a", Route: "r"}).Admitted)
		assert.True(t, l.Allow(Key{Principal: "b", Route: "r"}).Admitted)
		assert.True(t, l.Allow(Key{Principal: "a", Route: "other"}).Admitted)
	})
}

func TestLimiter_TokensStayInBounds(t *testing.T) {
	l, clk, _ := newTestLimiter(t, Config{Default: models.RateLimitPolicy{Capacity: 5, RefillRate: 3}})
	key := Key{Principal: "p", Route: "r"}

	steps := []struct {
		advance time.Duration
		cost    uint32
	}{
		{0, 2}, {0, 4}, {100 * time.Millisecond, 1}, {time.Hour, 5}, {0, 1},
		{333 * time.Millisecond, 1}, {2 * time.Second, 3}, {0, 3}, {10 * time.Second, 1},
	}
	for _, step := range steps {
		clk.Advance(step.advance)
		l.TryConsume(key, step.cost)
		level := l.Peek(key)
		assert.GreaterOrEqual(t, level, 0.0)
		assert.LessOrEqual(t, level, 5.0)
	}
}

func TestLimiter_ConcurrentNoOverAdmission(t *testing.T) {
	l, _, _ := newTestLimiter(t, Config{Default: models.RateLimitPolicy{Capacity: 50, RefillRate: 1}, Shards: 4})
	key := Key{Principal: "hot", Route: "r"}

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(key).Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	// the fake clock does not move, so no refill happens during the burst
	assert.Equal(t, int64(50), admitted.Load())
	assert.GreaterOrEqual(t, l.Peek(key), 0.0)
}

func TestLimiter_EvictIdle(t *testing.T) {
	t.Run("evicts full idle buckets", func(t *testing.T) {
		l, clk, metrics := newTestLimiter(t, tenPerSecond())
		l.Allow(Key{Principal: "a", Route: "r"})
		l.Allow(Key{Principal: "b", Route: "r"})
		require.Equal(t, 2, l.Len())

		clk.Advance(30 * time.Second)
		assert.Equal(t, 0, l.EvictIdle(), "not idle yet")

		clk.Advance(time.Minute)
		assert.Equal(t, 2, l.EvictIdle())
		assert.Equal(t, 0, l.Len())
		assert.Equal(t, 0, metrics.buckets)
	})

	t.Run("keeps drained buckets", func(t *testing.T) {
		cfg := Config{Default: models.RateLimitPolicy{Capacity: 1000, RefillRate: 1}, IdleTTL: time.Minute}
		l, clk, _ := newTestLimiter(t, cfg)
		key := Key{Principal: "a", Route: "r"}
		require.True(t, l.TryConsume(key, 1000).Admitted)

		clk.Advance(2 * time.Minute)
		assert.Equal(t, 0, l.EvictIdle())
		assert.False(t, l.TryConsume(key, 1000).Admitted, "eviction must not reset the allowance")
	})

	t.Run("recreates evicted keys", func(t *testing.T) {
		l, clk, _ := newTestLimiter(t, tenPerSecond())
		key := Key{Principal: "a", Route: "r"}
		l.Allow(key)
		clk.Advance(2 * time.Minute)
		require.Equal(t, 1, l.EvictIdle())

		d := l.Allow(key)
		assert.True(t, d.Admitted)
		assert.InDelta(t, 9.0, d.Remaining, 1e-9)
	})

	t.Run("disabled ttl", func(t *testing.T) {
		l, clk, _ := newTestLimiter(t, Config{Default: models.RateLimitPolicy{Capacity: 1, RefillRate: 1}})
		l.Allow(Key{Principal: "a", Route: "r"})
		clk.Advance(24 * time.Hour)
		assert.Equal(t, 0, l.EvictIdle())
	})
}

func TestLimiter_EvictionRacesConsumption(t *testing.T) {
	cfg := Config{Default: models.RateLimitPolicy{Capacity: 1, RefillRate: 1000}, IdleTTL: time.Nanosecond, Shards: 1}
	l := NewLimiter(cfg, clock.Real{}, nil, nil)
	key := Key{Principal: "a", Route: "r"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			l.EvictIdle()
		}
	}()

	for i := 0; i < 1000; i++ {
		d := l.Allow(key)
		assert.LessOrEqual(t, d.Remaining, 1.0)
		assert.GreaterOrEqual(t, d.Remaining, 0.0)
	}
}

func TestLimiter_StartCleanupWorker(t *testing.T) {
	l := NewLimiter(Config{Default: models.RateLimitPolicy{Capacity: 1, RefillRate: 1000}, IdleTTL: time.Millisecond}, clock.Real{}, nil, zaptest.NewLogger(t))
	l.Allow(Key{Principal: "a", Route: "r"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.StartCleanupWorker(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup worker did not stop")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"valid", tenPerSecond(), ""},
		{"zero capacity", Config{Default: models.RateLimitPolicy{Capacity: 0, RefillRate: 1}}, "capacity"},
		{"negative rate", Config{Default: models.RateLimitPolicy{Capacity: 1, RefillRate: -1}}, "refill rate"},
		{
			"bad route",
			Config{
				Default: models.RateLimitPolicy{Capacity: 1, RefillRate: 1},
				Routes:  map[string]models.RateLimitPolicy{"auth": {Capacity: 1, RefillRate: 0}},
			},
			`route "auth"`,
		},
		{"negative ttl", Config{Default: models.RateLimitPolicy{Capacity: 1, RefillRate: 1}, IdleTTL: -time.Second}, "idle ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
