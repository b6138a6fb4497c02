package persistence

import (
	"fmt"
	"strings"

	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

type Op string

const (
	OpEqual    Op = "="
	OpNotEqual Op = "!="
	OpContains Op = "~"
)

type Clause struct {
	Field string
	Op    Op
	Value string
}

// Filter is a conjunction of clauses. An empty filter matches everything.
type Filter struct {
	Clauses []Clause
	Limit   int
}

// ParseFilter reads comma separated "field op value" clauses such as
// "status = active, name ~ doe".
func ParseFilter(expr string) (Filter, error) {
	var f Filter
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		clause, err := parseClause(part)
		if err != nil {
			return Filter{}, err
		}
		f.Clauses = append(f.Clauses, clause)
	}
	return f, nil
}

func parseClause(s string) (Clause, error) {
	// "!=" must be tried before "=".
	for _, op := range []Op{OpNotEqual, OpEqual, OpContains} {
		idx := strings.Index(s, string(op))
		if idx < 0 {
			continue
		}
		field := strings.TrimSpace(s[:idx])
		value := strings.TrimSpace(s[idx+len(op):])
		if field == "" {
			return Clause{}, fmt.Errorf("%w: filter clause %q has no field", ErrInvalidInput, s)
		}
		return Clause{Field: field, Op: op, Value: value}, nil
	}
	return Clause{}, fmt.Errorf("%w: filter clause %q has no operator", ErrInvalidInput, s)
}

func (f Filter) Match(r optimistic.Record) bool {
	for _, c := range f.Clauses {
		if !c.match(r) {
			return false
		}
	}
	return true
}

func (c Clause) match(r optimistic.Record) bool {
	v, ok := r[c.Field]
	actual := ""
	if ok && v != nil {
		actual = fmt.Sprint(v)
	}
	switch c.Op {
	case OpEqual:
		return ok && actual == c.Value
	case OpNotEqual:
		return !ok || actual != c.Value
	case OpContains:
		return ok && strings.Contains(strings.ToLower(actual), strings.ToLower(c.Value))
	}
	return false
}

func (f Filter) String() string {
	parts := make([]string, 0, len(f.Clauses))
	for _, c := range f.Clauses {
		parts = append(parts, fmt.Sprintf("%s %s %s", c.Field, c.Op, c.Value))
	}
	return strings.Join(parts, ", ")
}
