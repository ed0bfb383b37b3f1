package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransformPassThrough(t *testing.T) {
	payload := map[string]any{"a": 1, "b": map[string]any{"c": 2}}

	assert.Equal(t, payload, Transform(payload, nil))
	assert.Equal(t, payload, Transform(payload, map[string]string{}))
}

func TestTransformDottedPaths(t *testing.T) {
	payload := map[string]any{
		"user": map[string]any{
			"email": "a@example.com",
			"name":  "Ada",
		},
		"event": "signup",
	}
	rules := map[string]string{
		"email": "user.email",
		"kind":  "event",
	}

	out := Transform(payload, rules)
	assert.Equal(t, map[string]any{
		"email": "a@example.com",
		"kind":  "signup",
	}, out)
}

func TestTransformMissingPathsOmitted(t *testing.T) {
	payload := map[string]any{
		"user": map[string]any{"email": "a@example.com"},
	}
	rules := map[string]string{
		"email":   "user.email",
		"phone":   "user.phone",          // missing leaf
		"country": "user.address.country", // missing branch
		"deep":    "user.email.domain",    // traverses into a non-map
	}

	out := Transform(payload, rules)
	assert.Equal(t, map[string]any{"email": "a@example.com"}, out)
}
