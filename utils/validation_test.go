package utils

import (
	"errors"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePolicy struct {
	Name     string  `validate:"required"`
	Capacity uint32  `validate:"gt=0"`
	Rate     float64 `validate:"gte=0,lte=1"`
	Mode     string  `validate:"omitempty,oneof=drop wait"`
}

func TestValidateStruct(t *testing.T) {
	tests := []struct {
		name       string
		input      samplePolicy
		wantFields []string
	}{
		{
			name:  "valid",
			input: samplePolicy{Name: "default", Capacity: 10, Rate: 0.5, Mode: "drop"},
		},
		{
			name:       "missing name",
			input:      samplePolicy{Capacity: 10},
			wantFields: []string{"samplePolicy.Name"},
		},
		{
			name:       "every rule violated",
			input:      samplePolicy{Rate: 2, Mode: "block"},
			wantFields: []string{"samplePolicy.Name", "samplePolicy.Capacity", "samplePolicy.Rate", "samplePolicy.Mode"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(tt.input)
			if len(tt.wantFields) == 0 {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			fields := GetValidationFields(err)
			assert.Len(t, fields, len(tt.wantFields))
			for _, f := range tt.wantFields {
				assert.Contains(t, fields, f)
			}
		})
	}
}

func TestValidationError_Messages(t *testing.T) {
	err := ValidateStruct(samplePolicy{Name: "x", Capacity: 0})
	require.Error(t, err)

	fields := GetValidationFields(err)
	assert.Equal(t, "Capacity must be greater than 0", fields["samplePolicy.Capacity"])
	assert.Contains(t, err.Error(), "Validation failed")
	assert.Contains(t, err.Error(), "Capacity must be greater than 0")
}

func TestIsValidationError(t *testing.T) {
	assert.False(t, IsValidationError(errors.New("plain")))
	assert.False(t, IsValidationError(nil))
	assert.Nil(t, GetValidationFields(errors.New("plain")))

	wrapped := errors.Join(errors.New("context"), &ValidationError{Message: "Validation failed"})
	assert.True(t, IsValidationError(wrapped))
}

func TestParseUUID(t *testing.T) {
	id := uuid.New()

	parsed, err := ParseUUID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseUUID("not-a-uuid")
	assert.Error(t, err)
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
		wantErr    bool
	}{
		{name: "defaults", query: "", wantLimit: DefaultPageLimit},
		{name: "explicit", query: "limit=10&offset=20", wantLimit: 10, wantOffset: 20},
		{name: "capped", query: "limit=100000", wantLimit: MaxPageLimit},
		{name: "zero limit", query: "limit=0", wantErr: true},
		{name: "non numeric limit", query: "limit=ten", wantErr: true},
		{name: "negative offset", query: "offset=-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := url.ParseQuery(tt.query)
			require.NoError(t, err)

			limit, offset, err := ParsePagination(values)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}
