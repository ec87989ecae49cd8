package expressions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Resolve renders every {{...}} placeholder in tmpl against vars.
// Objects and arrays render as compact JSON. A placeholder that resolves to
// nothing keeps its literal text so misses stay visible in the output.
func Resolve(tmpl string, vars map[string]any) string {
	if !strings.Contains(tmpl, openDelim) {
		return tmpl
	}
	out, _ := render(tmpl, vars)
	return out
}

// ResolvePure returns the raw typed value when tmpl is exactly one
// placeholder. The bool is false when tmpl is not pure or the value is missing.
func ResolvePure(tmpl string, vars map[string]any) (any, bool) {
	expr, ok := PureExpression(tmpl)
	if !ok {
		return nil, false
	}
	return evalChain(expr, vars)
}

// PureExpression reports whether s consists of a single placeholder and
// returns the expression inside it.
func PureExpression(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, openDelim) || !strings.HasSuffix(t, closeDelim) {
		return "", false
	}
	inner := t[len(openDelim) : len(t)-len(closeDelim)]
	if strings.Contains(inner, openDelim) || strings.Contains(inner, closeDelim) {
		return "", false
	}
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return "", false
	}
	return inner, true
}

// ResolveValue resolves placeholders recursively through maps and slices to
// build a clean structured input. Pure placeholders keep their typed value.
// Any string that still holds an unresolved placeholder is dropped: the map
// key is omitted, or the slice element removed. The bool is false when v
// itself resolved to nothing.
func ResolveValue(v any, vars map[string]any) (any, bool) {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, openDelim) {
			return val, true
		}
		if _, pure := PureExpression(val); pure {
			return ResolvePure(val, vars)
		}
		out, missed := render(val, vars)
		if missed {
			return nil, false
		}
		return out, true
	case map[string]any:
		return ResolveMap(val, vars), true
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			if resolved, ok := ResolveValue(item, vars); ok {
				out = append(out, resolved)
			}
		}
		return out, true
	case []string:
		out := make([]any, 0, len(val))
		for _, item := range val {
			if resolved, ok := ResolveValue(item, vars); ok {
				out = append(out, resolved)
			}
		}
		return out, true
	default:
		return v, true
	}
}

// ResolveMap resolves every value of m, omitting keys that resolve to nothing.
func ResolveMap(m map[string]any, vars map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, item := range m {
		if resolved, ok := ResolveValue(item, vars); ok {
			out[k] = resolved
		}
	}
	return out
}

// HasPlaceholder reports whether s contains a {{ marker.
func HasPlaceholder(s string) bool {
	return strings.Contains(s, openDelim)
}

// StripDelimiters removes a literal {{ }} wrapping from a field reference.
func StripDelimiters(field string) string {
	f := strings.TrimSpace(field)
	f = strings.TrimPrefix(f, openDelim)
	f = strings.TrimSuffix(f, closeDelim)
	return strings.TrimSpace(f)
}

// Evaluate resolves a bare placeholder expression, including fallback chains.
func Evaluate(expr string, vars map[string]any) (any, bool) {
	return evalChain(strings.TrimSpace(expr), vars)
}

// ResolveEscaped renders tmpl like Resolve but passes every substituted value
// through escape, e.g. url.QueryEscape for URL templates. The bool is false
// when any placeholder missed.
func ResolveEscaped(tmpl string, vars map[string]any, escape func(string) string) (string, bool) {
	return renderWith(tmpl, vars, escape)
}

// render scans tmpl left to right and reports whether any placeholder missed.
func render(tmpl string, vars map[string]any) (string, bool) {
	out, ok := renderWith(tmpl, vars, nil)
	return out, !ok
}

func renderWith(tmpl string, vars map[string]any, escape func(string) string) (string, bool) {
	missed := false
	out := replacePlaceholders(tmpl, func(raw, expr string) string {
		val, ok := evalChain(expr, vars)
		if !ok {
			missed = true
			return raw
		}
		if escape != nil {
			return escape(Stringify(val))
		}
		return Stringify(val)
	})
	return out, !missed
}

// replacePlaceholders calls fn for each {{expr}} and splices in its result.
// An unclosed {{ and everything after it is copied through unchanged.
func replacePlaceholders(input string, fn func(raw, expr string) string) string {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], openDelim)
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}
		result.WriteString(input[i : i+idx])
		start := i + idx + len(openDelim)

		end := strings.Index(input[start:], closeDelim)
		if end == -1 {
			result.WriteString(input[i+idx:])
			break
		}
		end += start

		raw := input[i+idx : end+len(closeDelim)]
		expr := strings.TrimSpace(input[start:end])
		if expr == "" {
			result.WriteString(raw)
		} else {
			result.WriteString(fn(raw, expr))
		}
		i = end + len(closeDelim)
	}
	return result.String()
}

// evalChain evaluates "a.b || c.d || 'default'" left to right and returns the
// first term that is present, non-null and not the empty string. When no term
// qualifies the last term's own result is returned, so a single-term
// expression yields its value as-is.
func evalChain(expr string, vars map[string]any) (any, bool) {
	terms := splitAlternatives(expr)
	var (
		last   any
		lastOK bool
	)
	for _, term := range terms {
		last, lastOK = evalTerm(term, vars)
		if lastOK && usable(last) {
			return last, true
		}
	}
	return last, lastOK
}

func usable(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok && s == "" {
		return false
	}
	return true
}

func evalTerm(term string, vars map[string]any) (any, bool) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, false
	}
	if lit, ok := parseLiteral(term); ok {
		return lit, true
	}
	return Lookup(vars, term)
}

// parseLiteral recognizes quoted strings, numbers, booleans and null.
func parseLiteral(term string) (any, bool) {
	if n := len(term); n >= 2 {
		q := term[0]
		if (q == '"' || q == '\'') && term[n-1] == q {
			if q == '"' {
				if s, err := strconv.Unquote(term); err == nil {
					return s, true
				}
			}
			return term[1 : n-1], true
		}
	}
	switch term {
	case "true":
		return true, true
	case "false":
		return false, true
	case "null":
		return nil, true
	}
	if f, err := strconv.ParseFloat(term, 64); err == nil {
		return f, true
	}
	return nil, false
}

// splitAlternatives splits on || outside of quoted literals.
func splitAlternatives(expr string) []string {
	var (
		parts []string
		quote byte
		start int
	)
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '|' && i+1 < len(expr) && expr[i+1] == '|':
			parts = append(parts, expr[start:i])
			i++
			start = i + 1
		}
	}
	return append(parts, expr[start:])
}

// Lookup walks a dot-delimited path through nested maps and slices. Any
// missing segment yields (nil, false); it never panics.
func Lookup(vars map[string]any, path string) (any, bool) {
	if vars == nil || path == "" {
		return nil, false
	}
	// Direct key lookup first so keys containing dots still resolve.
	if val, ok := vars[path]; ok {
		return val, true
	}
	return traversePath(vars, path)
}

func traversePath(root any, path string) (any, bool) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil, false
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = val
		case map[string]string:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Stringify renders a resolved value for interpolation into a larger string.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case json.RawMessage:
		return string(v)
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return fmt.Sprintf("%v", v)
		}
		return strings.TrimRight(buf.String(), "\n")
	}
}
