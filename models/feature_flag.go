package models

import "time"

// FeatureFlag is a rollout rule. The evaluation engine treats a flag as a
// read-only snapshot; use Clone before handing a stored flag to callers.
type FeatureFlag struct {
	Name              string              `json:"name" yaml:"name" validate:"required"`
	Enabled           bool                `json:"enabled" yaml:"enabled"`
	RolloutPercentage float64             `json:"rollout_percentage" yaml:"rollout_percentage" validate:"gte=0,lte=100"`
	Conditions        map[string][]string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	CreatedAt         time.Time           `json:"created_at" yaml:"-"`
	UpdatedAt         time.Time           `json:"updated_at" yaml:"-"`
}

// Clone returns a deep copy of the flag
func (f FeatureFlag) Clone() FeatureFlag {
	out := f
	if f.Conditions != nil {
		out.Conditions = make(map[string][]string, len(f.Conditions))
		for attr, allowed := range f.Conditions {
			out.Conditions[attr] = append([]string(nil), allowed...)
		}
	}
	return out
}
