package vecfs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vecfs/vecfs/model"
)

func TestNilFilterMatchesEverything(t *testing.T) {
	var f *FilterConditions
	assert.True(t, f.Matches(model.Payload{"language": "go"}))
	assert.True(t, f.Matches(nil))
}

func TestMustAllRequired(t *testing.T) {
	f := &FilterConditions{
		Must: []Condition{
			{Field: "language", Match: "go"},
			{Field: "path", Match: "main.go"},
		},
	}

	assert.True(t, f.Matches(model.Payload{"language": "go", "path": "main.go"}))
	assert.False(t, f.Matches(model.Payload{"language": "go", "path": "other.go"}))
	assert.False(t, f.Matches(model.Payload{"language": "go"}))
}

func TestMustNotTakesPrecedenceOverMust(t *testing.T) {
	f := &FilterConditions{
		Must:    []Condition{{Field: "language", Match: "go"}},
		MustNot: []Condition{{Field: "path", Match: "vendor/lib.go"}},
	}

	// Satisfies must AND must_not: exclusion wins unconditionally.
	assert.False(t, f.Matches(model.Payload{"language": "go", "path": "vendor/lib.go"}))
	assert.True(t, f.Matches(model.Payload{"language": "go", "path": "main.go"}))
}

func TestNestedShouldGroup(t *testing.T) {
	f := &FilterConditions{
		Must: []Condition{
			{Should: []Condition{
				{Field: "language", Match: "go"},
				{Field: "language", Match: "rust"},
			}},
			{Field: "kind", Match: "function"},
		},
	}

	assert.True(t, f.Matches(model.Payload{"language": "go", "kind": "function"}))
	assert.True(t, f.Matches(model.Payload{"language": "rust", "kind": "function"}))
	assert.False(t, f.Matches(model.Payload{"language": "python", "kind": "function"}))
	assert.False(t, f.Matches(model.Payload{"language": "go", "kind": "struct"}))
}

func TestMissingFieldNeverMatches(t *testing.T) {
	f := &FilterConditions{Must: []Condition{{Field: "language", Match: "go"}}}
	assert.False(t, f.Matches(model.Payload{}))
	assert.False(t, f.Matches(nil))

	// And a must_not on a missing field excludes nothing.
	f = &FilterConditions{MustNot: []Condition{{Field: "language", Match: "go"}}}
	assert.True(t, f.Matches(model.Payload{"path": "a.go"}))
}

func TestNumericValuesCompareAcrossTypes(t *testing.T) {
	// Payloads loaded from JSON carry float64 numbers.
	f := &FilterConditions{Must: []Condition{{Field: "line", Match: 42}}}
	assert.True(t, f.Matches(model.Payload{"line": float64(42)}))
	assert.False(t, f.Matches(model.Payload{"line": float64(43)}))
}

func TestBoolAndNilValues(t *testing.T) {
	f := &FilterConditions{Must: []Condition{{Field: "generated", Match: true}}}
	assert.True(t, f.Matches(model.Payload{"generated": true}))
	assert.False(t, f.Matches(model.Payload{"generated": false}))
	assert.False(t, f.Matches(model.Payload{"generated": "true"}))
}
