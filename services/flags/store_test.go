package flags

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/traffic-control-plane/internal/clock"
	"github.com/upb/traffic-control-plane/models"
	"github.com/upb/traffic-control-plane/services"
	"go.uber.org/zap/zaptest"
)

type evaluation struct {
	flag    string
	enabled bool
}

type recordingMetrics struct {
	mu          sync.Mutex
	evaluations []evaluation
}

func (m *recordingMetrics) RecordFlagEvaluation(flag string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluations = append(m.evaluations, evaluation{flag, enabled})
}

var epoch = time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Fake, *recordingMetrics) {
	t.Helper()
	clk := clock.NewFake(epoch)
	metrics := &recordingMetrics{}
	store, err := NewStore(DefaultFlags(), clk, metrics, zaptest.NewLogger(t))
	require.NoError(t, err)
	return store, clk, metrics
}

func TestNewStore_SeedsDefaults(t *testing.T) {
	store, _, _ := newTestStore(t)

	flags := store.List()
	require.Len(t, flags, 3)
	assert.Equal(t, "advanced_analytics", flags[0].Name)
	assert.Equal(t, "beta_features", flags[1].Name)
	assert.Equal(t, "user_registration", flags[2].Name)
	assert.Equal(t, epoch, flags[0].CreatedAt)
	assert.Equal(t, epoch, flags[0].UpdatedAt)
}

func TestNewStore_RejectsInvalidFlag(t *testing.T) {
	_, err := NewStore([]models.FeatureFlag{{Name: "broken", RolloutPercentage: 120}}, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"broken"`)
}

func TestStore_Get(t *testing.T) {
	store, _, _ := newTestStore(t)

	flag, err := store.Get("beta_features")
	require.NoError(t, err)
	assert.False(t, flag.Enabled)
	assert.Equal(t, 10.0, flag.RolloutPercentage)

	flag.Conditions["user_tier"] = nil
	again, err := store.Get("beta_features")
	require.NoError(t, err)
	assert.Equal(t, []string{"premium", "enterprise"}, again.Conditions["user_tier"], "callers get copies")

	_, err = store.Get("missing")
	assert.True(t, services.IsNotFoundError(err))
}

func TestStore_Set(t *testing.T) {
	store, clk, _ := newTestStore(t)

	clk.Advance(time.Hour)
	require.NoError(t, store.Set(models.FeatureFlag{Name: "advanced_analytics", Enabled: true, RolloutPercentage: 75}))

	flag, err := store.Get("advanced_analytics")
	require.NoError(t, err)
	assert.Equal(t, 75.0, flag.RolloutPercentage)
	assert.Equal(t, epoch, flag.CreatedAt, "creation time survives updates")
	assert.Equal(t, epoch.Add(time.Hour), flag.UpdatedAt)

	tests := []struct {
		name string
		flag models.FeatureFlag
	}{
		{"missing name", models.FeatureFlag{RolloutPercentage: 10}},
		{"negative percentage", models.FeatureFlag{Name: "x", RolloutPercentage: -1}},
		{"percentage above 100", models.FeatureFlag{Name: "x", RolloutPercentage: 100.5}},
		{"empty condition", models.FeatureFlag{Name: "x", Conditions: map[string][]string{"region": {}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, store.Set(tt.flag))
		})
	}
}

func TestStore_Delete(t *testing.T) {
	store, _, _ := newTestStore(t)

	assert.True(t, store.Delete("beta_features"))
	assert.False(t, store.Delete("beta_features"))
	assert.Len(t, store.List(), 2)
}

func TestStore_Toggle(t *testing.T) {
	store, clk, _ := newTestStore(t)
	clk.Advance(time.Minute)

	flag, err := store.Toggle("beta_features")
	require.NoError(t, err)
	assert.True(t, flag.Enabled)
	assert.Equal(t, epoch.Add(time.Minute), flag.UpdatedAt)

	flag, err = store.Toggle("beta_features")
	require.NoError(t, err)
	assert.False(t, flag.Enabled)

	_, err = store.Toggle("missing")
	assert.True(t, services.IsNotFoundError(err))
}

func TestStore_IsEnabled(t *testing.T) {
	store, _, metrics := newTestStore(t)
	premium := Context{UserID: "user-42", Attributes: map[string]string{"user_tier": "premium"}}

	assert.True(t, store.IsEnabled("user_registration", Context{OriginAddress: "10.0.0.1"}))
	assert.False(t, store.IsEnabled("beta_features", premium), "disabled by default")
	assert.False(t, store.IsEnabled("missing", premium))

	_, err := store.Toggle("beta_features")
	require.NoError(t, err)
	require.NoError(t, store.Set(models.FeatureFlag{
		Name: "beta_features", Enabled: true, RolloutPercentage: 100,
		Conditions: map[string][]string{"user_tier": {"premium", "enterprise"}},
	}))
	assert.True(t, store.IsEnabled("beta_features", premium))

	assert.Equal(t, []evaluation{
		{"user_registration", true},
		{"beta_features", false},
		{"missing", false},
		{"beta_features", true},
	}, metrics.evaluations)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := Context{UserID: "user-1"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = store.Toggle("advanced_analytics")
		}()
		go func() {
			defer wg.Done()
			_ = store.IsEnabled("advanced_analytics", ctx)
			_ = store.List()
		}()
	}
	wg.Wait()

	flag, err := store.Get("advanced_analytics")
	require.NoError(t, err)
	assert.True(t, flag.Enabled, "an even number of toggles restores the state")
}
