package persistence

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("status = active, name ~ Doe ,  role != admin,")
	require.NoError(t, err)
	want := []Clause{
		{Field: "status", Op: OpEqual, Value: "active"},
		{Field: "name", Op: OpContains, Value: "Doe"},
		{Field: "role", Op: OpNotEqual, Value: "admin"},
	}
	if diff := cmp.Diff(want, f.Clauses); diff != "" {
		t.Fatalf("clauses mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "status = active, name ~ Doe, role != admin", f.String())

	empty, err := ParseFilter("  ")
	require.NoError(t, err)
	assert.Empty(t, empty.Clauses)

	_, err = ParseFilter("status active")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = ParseFilter("= active")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestFilterMatch(t *testing.T) {
	r := optimistic.Record{"status": "active", "name": "John Doe", "age": 42}
	cases := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"status = active", true},
		{"status = Active", false},
		{"name ~ john", true},
		{"name ~ jane", false},
		{"age = 42", true},
		{"role != admin", true},
		{"status != active", false},
		{"missing ~ x", false},
		{"status = active, name ~ doe", true},
		{"status = active, name ~ jane", false},
	}
	for _, tc := range cases {
		f, err := ParseFilter(tc.expr)
		require.NoError(t, err)
		assert.Equal(t, tc.want, f.Match(r), tc.expr)
	}
}
