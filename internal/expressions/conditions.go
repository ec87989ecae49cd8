package expressions

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// EvaluateConditions ANDs a list of run-guard conditions. An empty list holds.
func EvaluateConditions(conds []schema.Condition, vars map[string]any) bool {
	for _, c := range conds {
		if !EvaluateCondition(c, vars) {
			return false
		}
	}
	return true
}

// EvaluateCondition applies one guard. Unknown operators never hold.
func EvaluateCondition(c schema.Condition, vars map[string]any) bool {
	actual, found := Evaluate(StripDelimiters(c.Field), vars)
	if !found {
		actual = nil
	}

	switch c.Operator {
	case schema.OpEquals:
		return looseEquals(actual, c.Value)
	case schema.OpNotEquals:
		return !looseEquals(actual, c.Value)
	case schema.OpIsEmpty:
		return isEmpty(actual)
	case schema.OpIsNotEmpty:
		return !isEmpty(actual)
	case schema.OpContains:
		if actual == nil {
			return false
		}
		return strings.Contains(Stringify(actual), Stringify(c.Value))
	case schema.OpGreaterThan:
		a, b := toNumber(actual), toNumber(c.Value)
		return !math.IsNaN(a) && !math.IsNaN(b) && a > b
	case schema.OpLessThan:
		a, b := toNumber(actual), toNumber(c.Value)
		return !math.IsNaN(a) && !math.IsNaN(b) && a < b
	default:
		return false
	}
}

// looseEquals compares as booleans when the target is a boolean, as numbers
// when both sides are numeric, and as strings otherwise.
func looseEquals(actual, target any) bool {
	if tb, ok := target.(bool); ok {
		return toBool(actual) == tb
	}
	if actual == nil || target == nil {
		return actual == nil && target == nil
	}
	if isNumeric(actual) && isNumeric(target) {
		return toNumber(actual) == toNumber(target)
	}
	return Stringify(actual) == Stringify(target)
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return err == nil && parsed
	case nil:
		return false
	default:
		if isNumeric(v) {
			return toNumber(v) != 0
		}
		return true
	}
}

func isNumeric(v any) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	}
	return false
}

// toNumber coerces v to float64, returning NaN when that is not possible.
func toNumber(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case bool:
		if n {
			return 1
		}
		return 0
	default:
		return math.NaN()
	}
}

// Truthy reports whether v counts as true when used as a condition result.
func Truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != "" && b != "false" && b != "0"
	case map[string]any:
		return len(b) > 0
	case []any:
		return len(b) > 0
	default:
		if isNumeric(v) {
			f := toNumber(v)
			return f != 0 && !math.IsNaN(f)
		}
		return true
	}
}
