package expressions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// placeholderVar prefixes the variables that placeholders are bound to.
const placeholderVar = "__tpl"

// ExprEngine evaluates free-form condition expressions with expr-lang/expr.
// Placeholders are bound as variables rather than spliced in as text, and
// the remaining source must pass a character whitelist before compiling.
// Compiled programs are cached and safe for concurrent use.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs expression against data, whose keys become top-level
// variables. Placeholders are not processed; use EvaluateBool for conditions.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expression")
	}
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}
	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"evaluation failed for %q", expression).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// EvaluateBool evaluates a condition such as
// "{{spam.is_spam}} == true && {{spam.confidence}} > 0.7" against vars and
// coerces the result by truthiness. Malformed or disallowed input is an error.
func (e *ExprEngine) EvaluateBool(ctx context.Context, condition string, vars map[string]any) (bool, error) {
	src, env := bindPlaceholders(condition, vars)
	src, err := sanitize(src)
	if err != nil {
		return false, schema.NewError(schema.ErrCodeExpression, err.Error()).
			WithDetails(map[string]any{"expression": condition})
	}
	out, err := e.Evaluate(ctx, src, env)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// Check compiles a condition with every placeholder bound to nil, reporting
// syntax and whitelist errors without evaluating anything.
func (e *ExprEngine) Check(condition string) error {
	src, _ := bindPlaceholders(condition, nil)
	src, err := sanitize(src)
	if err != nil {
		return schema.NewError(schema.ErrCodeExpression, err.Error())
	}
	_, err = e.getOrCompile(src)
	return err
}

// bindPlaceholders replaces each {{...}} with a generated variable and
// returns an environment holding both the context and the resolved values.
func bindPlaceholders(condition string, vars map[string]any) (string, map[string]any) {
	env := make(map[string]any, len(vars)+4)
	for k, v := range vars {
		env[k] = v
	}
	n := 0
	src := replacePlaceholders(condition, func(_, inner string) string {
		name := fmt.Sprintf("%s%d", placeholderVar, n)
		n++
		val, ok := evalChain(inner, vars)
		if !ok {
			val = nil
		}
		env[name] = val
		return name
	})
	return src, env
}

// sanitize rewrites JavaScript-style equality and null literals into the
// parser's grammar and rejects characters outside the whitelist. Quoted
// literals pass through untouched.
func sanitize(src string) (string, error) {
	var (
		out   strings.Builder
		quote rune
	)
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if quote != 0 {
			out.WriteRune(c)
			if c == '\\' && i+1 < len(runes) {
				i++
				out.WriteRune(runes[i])
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch {
		case c == '"' || c == '\'':
			quote = c
			out.WriteRune(c)
		case (c == '=' || c == '!') && i+2 < len(runes) && runes[i+1] == '=' && runes[i+2] == '=':
			out.WriteRune(c)
			out.WriteRune('=')
			i += 2
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_' || runes[j] == '.') {
				j++
			}
			word := string(runes[i:j])
			switch word {
			case "null", "undefined", "None":
				word = "nil"
			}
			out.WriteString(word)
			i = j - 1
		case allowedChar(c):
			out.WriteRune(c)
		default:
			return "", fmt.Errorf("disallowed character %q in condition", c)
		}
	}
	if quote != 0 {
		return "", fmt.Errorf("unterminated string literal in condition")
	}
	return out.String(), nil
}

func allowedChar(c rune) bool {
	if unicode.IsDigit(c) || unicode.IsSpace(c) {
		return true
	}
	return strings.ContainsRune("<>=!&|()+-.", c)
}

// getOrCompile returns a cached compiled program or compiles and caches a new
// one. Variables are typed dynamically so one program serves every context.
func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"compile error in %q", expression).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
