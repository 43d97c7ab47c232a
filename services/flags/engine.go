// Package flags evaluates feature flag rollout and targeting rules.
//
// Evaluation is a pure function of a flag snapshot and a request context.
// Rollout buckets come from a 32-bit FNV-1a hash of the flag name and the
// caller's identity, so a given identity lands in the same bucket in every
// process for as long as the flag name is unchanged.
package flags

import (
	"hash/fnv"

	"github.com/upb/traffic-control-plane/models"
)

// Context is the request data a flag is evaluated against
type Context struct {
	UserID        string
	OriginAddress string
	Attributes    map[string]string
}

// StableIdentity is the value hashed for rollout. Anonymous callers are
// bucketed by origin address.
func (c Context) StableIdentity() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.OriginAddress
}

// Evaluate reports whether flag is on for ctx.
//
// A disabled flag is always off. Every condition must be satisfied by the
// corresponding attribute; a missing attribute fails its condition. Callers
// passing all conditions are then admitted by rollout bucket.
func Evaluate(flag models.FeatureFlag, ctx Context) bool {
	if !flag.Enabled {
		return false
	}
	if !matchConditions(flag.Conditions, ctx.Attributes) {
		return false
	}
	return inRollout(flag.Name, ctx.StableIdentity(), flag.RolloutPercentage)
}

func matchConditions(conditions map[string][]string, attrs map[string]string) bool {
	for key, allowed := range conditions {
		value, ok := attrs[key]
		if !ok {
			return false
		}
		if !contains(allowed, value) {
			return false
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func inRollout(name, identity string, percentage float64) bool {
	if percentage <= 0 {
		return false
	}
	if percentage >= 100 {
		return true
	}
	return float64(Bucket(name, identity)) < percentage
}

// Bucket returns the rollout bucket in [0,100) for an identity under a flag
func Bucket(name, identity string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(identity))
	return h.Sum32() % 100
}
