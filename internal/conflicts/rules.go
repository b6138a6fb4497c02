package conflicts

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

// Rule is one domain constraint checked by DetectConstraint.
type Rule interface {
	Name() string
	// Check returns a description of the violation, or "" when data satisfies
	// the rule.
	Check(data optimistic.Record) string
}

type ruleFunc struct {
	name  string
	check func(optimistic.Record) string
}

func (r ruleFunc) Name() string                        { return r.name }
func (r ruleFunc) Check(data optimistic.Record) string { return r.check(data) }

// RuleFunc adapts a function into a named Rule.
func RuleFunc(name string, check func(optimistic.Record) string) Rule {
	return ruleFunc{name: name, check: check}
}

// CapacityRule is violated when data[countField] exceeds data[capacityField].
// Missing or non-numeric fields are not checked.
func CapacityRule(countField, capacityField string) Rule {
	return RuleFunc("capacity", func(data optimistic.Record) string {
		count, ok := number(data[countField])
		if !ok {
			return ""
		}
		capacity, ok := number(data[capacityField])
		if !ok {
			return ""
		}
		if count > capacity {
			return fmt.Sprintf("%s %s exceeds %s %s", countField, formatNumber(count), capacityField, formatNumber(capacity))
		}
		return ""
	})
}

// DateOrderRule is violated when data[startField] is not before
// data[endField]. Values may be RFC 3339 timestamps, dates or time.Time.
func DateOrderRule(startField, endField string) Rule {
	return RuleFunc("date_order", func(data optimistic.Record) string {
		start, ok := parseTime(data[startField])
		if !ok {
			return ""
		}
		end, ok := parseTime(data[endField])
		if !ok {
			return ""
		}
		if !start.Before(end) {
			return fmt.Sprintf("%s must be before %s", startField, endField)
		}
		return ""
	})
}

// RequiredRoleRule is violated when data[roleField] is not one of roles.
func RequiredRoleRule(roleField string, roles ...string) Rule {
	return RuleFunc("required_role", func(data optimistic.Record) string {
		role, _ := data[roleField].(string)
		for _, allowed := range roles {
			if strings.EqualFold(role, allowed) {
				return ""
			}
		}
		if role == "" {
			return fmt.Sprintf("%s is required, expected one of %s", roleField, strings.Join(roles, ", "))
		}
		return fmt.Sprintf("role %q is not allowed, expected one of %s", role, strings.Join(roles, ", "))
	})
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
