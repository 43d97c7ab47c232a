package flags

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/upb/traffic-control-plane/models"
)

func TestBucket(t *testing.T) {
	// FNV-1a 32 of "beta_features:user-42" is 4185736421
	assert.Equal(t, uint32(21), Bucket("beta_features", "user-42"))
	assert.Equal(t, uint32(99), Bucket("advanced_analytics", "user-1"))
	assert.Equal(t, Bucket("beta_features", "user-42"), Bucket("beta_features", "user-42"))
}

func TestContext_StableIdentity(t *testing.T) {
	assert.Equal(t, "user-1", Context{UserID: "user-1", OriginAddress: "10.0.0.7"}.StableIdentity())
	assert.Equal(t, "10.0.0.7", Context{OriginAddress: "10.0.0.7"}.StableIdentity())
}

func TestEvaluate(t *testing.T) {
	premium := map[string]string{"user_tier": "premium"}

	tests := []struct {
		name string
		flag models.FeatureFlag
		ctx  Context
		want bool
	}{
		{
			name: "disabled flag is off at full rollout",
			flag: models.FeatureFlag{Name: "f", Enabled: false, RolloutPercentage: 100},
			ctx:  Context{UserID: "user-1"},
			want: false,
		},
		{
			name: "zero rollout",
			flag: models.FeatureFlag{Name: "f", Enabled: true, RolloutPercentage: 0},
			ctx:  Context{UserID: "user-1"},
			want: false,
		},
		{
			name: "full rollout",
			flag: models.FeatureFlag{Name: "advanced_analytics", Enabled: true, RolloutPercentage: 100},
			ctx:  Context{UserID: "user-1"},
			want: true,
		},
		{
			name: "bucket below percentage",
			flag: models.FeatureFlag{Name: "beta_features", Enabled: true, RolloutPercentage: 21.5},
			ctx:  Context{UserID: "user-42"},
			want: true,
		},
		{
			name: "bucket equal to percentage",
			flag: models.FeatureFlag{Name: "beta_features", Enabled: true, RolloutPercentage: 21},
			ctx:  Context{UserID: "user-42"},
			want: false,
		},
		{
			name: "condition matches",
			flag: models.FeatureFlag{
				Name: "f", Enabled: true, RolloutPercentage: 100,
				Conditions: map[string][]string{"user_tier": {"premium", "enterprise"}},
			},
			ctx:  Context{UserID: "user-1", Attributes: premium},
			want: true,
		},
		{
			name: "condition mismatch beats full rollout",
			flag: models.FeatureFlag{
				Name: "f", Enabled: true, RolloutPercentage: 100,
				Conditions: map[string][]string{"user_tier": {"premium", "enterprise"}},
			},
			ctx:  Context{UserID: "user-1", Attributes: map[string]string{"user_tier": "basic"}},
			want: false,
		},
		{
			name: "missing attribute fails",
			flag: models.FeatureFlag{
				Name: "f", Enabled: true, RolloutPercentage: 100,
				Conditions: map[string][]string{"user_tier": {"premium"}},
			},
			ctx:  Context{UserID: "user-1"},
			want: false,
		},
		{
			name: "conditions are a conjunction",
			flag: models.FeatureFlag{
				Name: "f", Enabled: true, RolloutPercentage: 100,
				Conditions: map[string][]string{"user_tier": {"premium"}, "region": {"eu"}},
			},
			ctx:  Context{UserID: "user-1", Attributes: premium},
			want: false,
		},
		{
			name: "anonymous caller bucketed by origin address",
			flag: models.FeatureFlag{Name: "advanced_analytics", Enabled: true, RolloutPercentage: 61},
			ctx:  Context{OriginAddress: "10.0.0.7"},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.flag, tt.ctx))
			assert.Equal(t, tt.want, Evaluate(tt.flag, tt.ctx), "second evaluation must agree")
		})
	}
}

func TestEvaluate_EdgePercentagesForManyIdentities(t *testing.T) {
	off := models.FeatureFlag{Name: "f", Enabled: true, RolloutPercentage: 0}
	on := models.FeatureFlag{Name: "f", Enabled: true, RolloutPercentage: 100}

	for i := 0; i < 1000; i++ {
		ctx := Context{UserID: fmt.Sprintf("user-%d", i)}
		assert.False(t, Evaluate(off, ctx))
		assert.True(t, Evaluate(on, ctx))
	}
}

func TestEvaluate_RolloutDistribution(t *testing.T) {
	flag := models.FeatureFlag{Name: "advanced_analytics", Enabled: true, RolloutPercentage: 50}

	enabled := 0
	for i := 0; i < 10000; i++ {
		if Evaluate(flag, Context{UserID: fmt.Sprintf("user-%d", i)}) {
			enabled++
		}
	}
	assert.InDelta(t, 5000, enabled, 500)
}
