package uuid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNew verifies generated ids are valid v4 and unique.
func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		assert.True(t, IsValid(id), "generated id %q is not v4", id)
		assert.False(t, seen[id], "duplicate id %q", id)
		seen[id] = true
	}
}

func TestNewDeviceID(t *testing.T) {
	id := NewDeviceID()
	assert.True(t, strings.HasPrefix(id, "dev-"))
	assert.Len(t, id, 12)
	assert.NotEqual(t, id, NewDeviceID())
}

// TestValidate verifies the strict v4 format check.
func TestValidate(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
	}{
		{"550e8400-e29b-41d4-a716-446655440000", true},
		{"550E8400-E29B-41D4-A716-446655440000", true},
		{"550e8400-e29b-11d4-a716-446655440000", false}, // v1
		{"550e8400e29b41d4a716446655440000", false},
		{"550e8400-e29b-41d4-c716-446655440000", false}, // bad variant
		{"", false},
	}
	for _, tt := range tests {
		err := Validate(tt.in)
		if tt.valid {
			assert.NoError(t, err, tt.in)
		} else {
			assert.Error(t, err, tt.in)
		}
	}
}
