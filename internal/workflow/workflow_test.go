package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConditionEvaluate(t *testing.T) {
	ctx := map[string]any{
		"route":    "fast",
		"attempts": float64(3),
		"ratio":    1.5,
		"verified": true,
	}

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq string", Condition{Key: "route", Op: "eq", Value: "fast"}, true},
		{"eq mismatch", Condition{Key: "route", Op: "eq", Value: "slow"}, false},
		{"eq missing key", Condition{Key: "nope", Op: "eq", Value: "fast"}, false},
		{"eq integral number", Condition{Key: "attempts", Op: "eq", Value: "3"}, true},
		{"eq fractional number", Condition{Key: "ratio", Op: "eq", Value: "1.5"}, true},
		{"eq bool", Condition{Key: "verified", Op: "eq", Value: "true"}, true},
		{"ne holds", Condition{Key: "route", Op: "ne", Value: "slow"}, true},
		{"ne missing key holds", Condition{Key: "nope", Op: "ne", Value: "x"}, true},
		{"exists", Condition{Key: "route", Op: "exists"}, true},
		{"exists missing", Condition{Key: "nope", Op: "exists"}, false},
		{"absent", Condition{Key: "nope", Op: "absent"}, true},
		{"absent present", Condition{Key: "route", Op: "absent"}, false},
		{"unknown op never matches", Condition{Key: "route", Op: "matches"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cond.evaluate(ctx))
		})
	}
}

func TestStringifyUnsupportedType(t *testing.T) {
	// Arrays and objects have no stable scalar form; eq against them
	// never matches.
	assert.Equal(t, "", stringify([]any{"a"}))
	assert.Equal(t, "", stringify(map[string]any{"k": "v"}))
}
