// Package rowfilter evaluates subscription row predicates of the form
// "column=op.value" against change events, for transports that cannot
// filter on the server side.
//
// Supported operators:
//
//	eq, neq, lt, lte, gt, gte   comparison (numeric when both sides parse as numbers)
//	in                          membership, value written as (a,b,c)
//	like, ilike                 SQL patterns with % and _ wildcards
//	is                          null, true or false
package rowfilter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/civicworks/changefeed/realtime"
	"github.com/gobwas/glob"
)

// Operator is a filter comparison
type Operator string

const (
	OpEq    Operator = "eq"
	OpNeq   Operator = "neq"
	OpLt    Operator = "lt"
	OpLte   Operator = "lte"
	OpGt    Operator = "gt"
	OpGte   Operator = "gte"
	OpIn    Operator = "in"
	OpLike  Operator = "like"
	OpIlike Operator = "ilike"
	OpIs    Operator = "is"
)

// Filter is a parsed row predicate. A nil *Filter matches everything.
type Filter struct {
	Column string
	Op     Operator
	Value  string

	values  []string
	pattern glob.Glob
}

// Parse parses expr. An empty expression yields a nil filter.
func Parse(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	column, rest, ok := strings.Cut(expr, "=")
	if !ok || strings.TrimSpace(column) == "" {
		return nil, fmt.Errorf("invalid filter %q: expected column=op.value", expr)
	}
	op, value, ok := strings.Cut(rest, ".")
	if !ok {
		return nil, fmt.Errorf("invalid filter %q: expected op.value after column", expr)
	}

	f := &Filter{
		Column: strings.TrimSpace(column),
		Op:     Operator(strings.ToLower(op)),
		Value:  value,
	}

	switch f.Op {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte:
	case OpIn:
		values, err := parseList(value)
		if err != nil {
			return nil, fmt.Errorf("invalid filter %q: %w", expr, err)
		}
		f.values = values
	case OpLike, OpIlike:
		pattern := value
		if f.Op == OpIlike {
			pattern = strings.ToLower(pattern)
		}
		g, err := glob.Compile(likeToGlob(pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid filter %q: %w", expr, err)
		}
		f.pattern = g
	case OpIs:
		switch strings.ToLower(value) {
		case "null", "true", "false":
			f.Value = strings.ToLower(value)
		default:
			return nil, fmt.Errorf("invalid filter %q: is expects null, true or false", expr)
		}
	default:
		return nil, fmt.Errorf("invalid filter %q: unknown operator %q", expr, op)
	}

	return f, nil
}

// String renders the filter back to its canonical expression
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.Column + "=" + string(f.Op) + "." + f.Value
}

// MatchEvent evaluates the filter against the event's relevant row image
func (f *Filter) MatchEvent(event *realtime.ChangeEvent) bool {
	if f == nil {
		return true
	}
	if event == nil {
		return false
	}
	return f.Match(event.Row())
}

// Match evaluates the filter against a record
func (f *Filter) Match(record realtime.Record) bool {
	if f == nil {
		return true
	}

	value, present := record[f.Column]

	if f.Op == OpIs {
		switch f.Value {
		case "null":
			return !present || value == nil
		case "true":
			b, ok := value.(bool)
			return ok && b
		default:
			b, ok := value.(bool)
			return ok && !b
		}
	}

	if !present || value == nil {
		// SQL semantics: comparisons against NULL are never true
		return false
	}

	switch f.Op {
	case OpEq:
		return compare(value, f.Value) == 0
	case OpNeq:
		return compare(value, f.Value) != 0
	case OpLt:
		return compare(value, f.Value) < 0
	case OpLte:
		return compare(value, f.Value) <= 0
	case OpGt:
		return compare(value, f.Value) > 0
	case OpGte:
		return compare(value, f.Value) >= 0
	case OpIn:
		for _, v := range f.values {
			if compare(value, v) == 0 {
				return true
			}
		}
		return false
	case OpLike:
		return f.pattern.Match(stringify(value))
	case OpIlike:
		return f.pattern.Match(strings.ToLower(stringify(value)))
	}
	return false
}

// compare orders a record value against a filter literal. Numbers compare
// numerically, everything else by string.
func compare(value any, literal string) int {
	if n, ok := toFloat(value); ok {
		if m, err := strconv.ParseFloat(literal, 64); err == nil {
			switch {
			case n < m:
				return -1
			case n > m:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(stringify(value), literal)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	case fmt.Stringer:
		f, err := strconv.ParseFloat(v.String(), 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// parseList parses "(a,b,c)" into its elements, unquoting "quoted" items
func parseList(value string) ([]string, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "(") || !strings.HasSuffix(value, ")") {
		return nil, fmt.Errorf("in expects a parenthesized list")
	}
	inner := strings.TrimSpace(value[1 : len(value)-1])
	if inner == "" {
		return nil, fmt.Errorf("in expects at least one value")
	}

	parts := strings.Split(inner, ",")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) >= 2 && p[0] == '"' && p[len(p)-1] == '"' {
			p = p[1 : len(p)-1]
		}
		values = append(values, p)
	}
	return values, nil
}

// likeToGlob translates SQL LIKE wildcards into a glob pattern with every
// other glob metacharacter escaped
func likeToGlob(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteByte('*')
		case '_':
			b.WriteByte('?')
		default:
			b.WriteString(glob.QuoteMeta(string(r)))
		}
	}
	return b.String()
}
