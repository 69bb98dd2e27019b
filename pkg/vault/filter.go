package vault

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// ErrInvalidFilter is returned for filters that cannot be parsed.
var ErrInvalidFilter = errors.New("invalid filter")

// Op is a comparison operator.
type Op string

const (
	OpEq     Op = "$eq"
	OpNe     Op = "$ne"
	OpGt     Op = "$gt"
	OpGte    Op = "$gte"
	OpLt     Op = "$lt"
	OpLte    Op = "$lte"
	OpIn     Op = "$in"
	OpNin    Op = "$nin"
	OpExists Op = "$exists"
)

var knownOps = map[Op]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true,
	OpLte: true, OpIn: true, OpNin: true, OpExists: true,
}

// Condition is one field comparison. Path is split on dots.
type Condition struct {
	Path  []string
	Op    Op
	Value any
}

// Field returns the dotted field path.
func (c Condition) Field() string {
	return strings.Join(c.Path, ".")
}

// Filter is a conjunction of conditions. The zero Filter matches every
// document.
type Filter struct {
	Conditions []Condition
}

// ParseFilter parses a Mongo-style filter document:
//
//	{"status": "open", "priority": {"$gte": 2}, "tags": {"$in": ["a","b"]}}
//
// A bare value is shorthand for $eq. Conditions are sorted by field so
// translation to SQL is deterministic.
func ParseFilter(raw json.RawMessage) (Filter, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Filter{}, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return Filter{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}

	fields := make([]string, 0, len(doc))
	for k := range doc {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var f Filter
	for _, field := range fields {
		if field == "" || strings.HasPrefix(field, "$") {
			return Filter{}, fmt.Errorf("%w: unsupported field %q", ErrInvalidFilter, field)
		}
		path := strings.Split(field, ".")

		ops, isOps := doc[field].(map[string]any)
		if !isOps || !allOperators(ops) {
			f.Conditions = append(f.Conditions, Condition{Path: path, Op: OpEq, Value: doc[field]})
			continue
		}

		names := make([]string, 0, len(ops))
		for k := range ops {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, name := range names {
			op := Op(name)
			if !knownOps[op] {
				return Filter{}, fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, name)
			}
			v := ops[name]
			switch op {
			case OpIn, OpNin:
				if _, ok := v.([]any); !ok {
					return Filter{}, fmt.Errorf("%w: %s on %q requires an array", ErrInvalidFilter, op, field)
				}
			case OpExists:
				if _, ok := v.(bool); !ok {
					return Filter{}, fmt.Errorf("%w: $exists on %q requires a boolean", ErrInvalidFilter, field)
				}
			case OpGt, OpGte, OpLt, OpLte:
				switch v.(type) {
				case float64, string:
				default:
					return Filter{}, fmt.Errorf("%w: %s on %q requires a number or string", ErrInvalidFilter, op, field)
				}
			}
			f.Conditions = append(f.Conditions, Condition{Path: path, Op: op, Value: v})
		}
	}
	return f, nil
}

// allOperators reports whether every key of m is an operator. An empty map
// is treated as a literal value.
func allOperators(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// Match evaluates the filter against a JSON document value.
func (f Filter) Match(value json.RawMessage) bool {
	if len(f.Conditions) == 0 {
		return true
	}
	var doc any
	if err := json.Unmarshal(value, &doc); err != nil {
		return false
	}
	for _, c := range f.Conditions {
		if !c.match(doc) {
			return false
		}
	}
	return true
}

func (c Condition) match(doc any) bool {
	v, present := lookup(doc, c.Path)
	switch c.Op {
	case OpExists:
		return present == c.Value.(bool)
	case OpEq:
		return present && reflect.DeepEqual(v, c.Value)
	case OpNe:
		return !present || !reflect.DeepEqual(v, c.Value)
	case OpIn:
		return present && contains(c.Value.([]any), v)
	case OpNin:
		return !present || !contains(c.Value.([]any), v)
	case OpGt, OpGte, OpLt, OpLte:
		if !present {
			return false
		}
		cmp, ok := compare(v, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	}
	return false
}

func lookup(doc any, path []string) (any, bool) {
	cur := doc
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func contains(list []any, v any) bool {
	for _, e := range list {
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

// compare orders two numbers or two strings. Mixed types do not compare.
func compare(a, b any) (int, bool) {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	}
	return 0, false
}
