// Package cond evaluates workflow guard conditions against a variable
// scope.
//
// The grammar is deliberately flat: logical connectives AND / OR are
// folded strictly left to right with no precedence and no parenthesis
// support, so "A OR B AND C" evaluates as "(A OR B) AND C". Leaf terms
// are binary comparisons, the special predicates (file exists,
// is defined, is true, is false, is empty), or bare boolean literals.
// Conditions prefixed with "expr:" bypass the flat grammar and are
// compiled with expr-lang instead.
package cond

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/substratumlabs/conduct/pkg/vars"
)

// FileChecker is the filesystem capability used by "file exists"
// predicates. Injected so tests and sandboxed callers never hit the
// real filesystem implicitly.
type FileChecker interface {
	FileExists(path string) (bool, error)
}

// OSFiles checks existence on the local filesystem, resolving relative
// paths against Root.
type OSFiles struct {
	Root string
}

func (f OSFiles) FileExists(path string) (bool, error) {
	if !filepath.IsAbs(path) && f.Root != "" {
		path = filepath.Join(f.Root, path)
	}
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// EvaluationError reports a condition that could not be evaluated,
// carrying the raw condition text for diagnosis.
type EvaluationError struct {
	Condition string
	Reason    string
	Err       error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluate condition %q: %s: %v", e.Condition, e.Reason, e.Err)
	}
	return fmt.Sprintf("evaluate condition %q: %s", e.Condition, e.Reason)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Evaluator evaluates guard conditions. A zero Files falls back to
// OSFiles rooted at the working directory.
type Evaluator struct {
	resolver *vars.Resolver
	files    FileChecker
}

// NewEvaluator creates an evaluator that resolves embedded {{ }}
// tokens with resolver and answers "file exists" through files.
func NewEvaluator(resolver *vars.Resolver, files FileChecker) *Evaluator {
	if resolver == nil {
		resolver = vars.NewResolver()
	}
	if files == nil {
		files = OSFiles{}
	}
	return &Evaluator{resolver: resolver, files: files}
}

// exprPrefix marks conditions evaluated with expr-lang instead of the
// flat workflow grammar.
const exprPrefix = "expr:"

// Evaluate resolves variable tokens in the condition, then folds the
// connective-separated terms left to right. An empty condition is true.
func (e *Evaluator) Evaluate(condition string, scope vars.Scope) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}

	if rest, ok := strings.CutPrefix(condition, exprPrefix); ok {
		return e.evalExpr(condition, strings.TrimSpace(rest), scope)
	}

	// Variable tokens are resolved before the grammar sees the text.
	// "is defined" takes a bare dotted path (no braces) so it can probe
	// the scope without tripping UndefinedVariableError here.
	resolved, err := e.resolver.Resolve(condition, scope)
	if err != nil {
		return false, err
	}

	terms, ops := splitConnectives(resolved)
	acc, err := e.evalTerm(terms[0], scope)
	if err != nil {
		return false, err
	}
	for i, op := range ops {
		rhs, err := e.evalTerm(terms[i+1], scope)
		if err != nil {
			return false, err
		}
		switch op {
		case "AND":
			acc = acc && rhs
		case "OR":
			acc = acc || rhs
		}
	}
	return acc, nil
}

// evalExpr compiles and runs an expr-lang condition against the scope.
func (e *Evaluator) evalExpr(raw, src string, scope vars.Scope) (bool, error) {
	env := map[string]any(scope)
	program, err := expr.Compile(src, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, &EvaluationError{Condition: raw, Reason: "compile expr", Err: err}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, &EvaluationError{Condition: raw, Reason: "run expr", Err: err}
	}
	b, ok := out.(bool)
	if !ok {
		return false, &EvaluationError{Condition: raw, Reason: fmt.Sprintf("expr returned %T, want bool", out)}
	}
	return b, nil
}

// splitConnectives tokenizes on word-boundary AND / OR, returning the
// terms and the connectives between them in declaration order.
func splitConnectives(s string) (terms []string, ops []string) {
	fields := strings.Fields(s)
	var current []string
	for _, f := range fields {
		if f == "AND" || f == "OR" {
			terms = append(terms, strings.Join(current, " "))
			ops = append(ops, f)
			current = nil
			continue
		}
		current = append(current, f)
	}
	terms = append(terms, strings.Join(current, " "))
	return terms, ops
}

// evalTerm evaluates one connective-free term.
func (e *Evaluator) evalTerm(term string, scope vars.Scope) (bool, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return false, &EvaluationError{Condition: term, Reason: "empty term (dangling connective?)"}
	}

	if rest, ok := strings.CutPrefix(term, "NOT "); ok {
		inner, err := e.evalTerm(strings.TrimSpace(rest), scope)
		if err != nil {
			return false, err
		}
		return !inner, nil
	}

	// Special predicates.
	if path, ok := strings.CutPrefix(term, "file exists "); ok {
		exists, err := e.files.FileExists(strings.TrimSpace(unquote(path)))
		if err != nil {
			return false, &EvaluationError{Condition: term, Reason: "file exists check", Err: err}
		}
		return exists, nil
	}
	if name, ok := strings.CutSuffix(term, " is defined"); ok {
		_, defined := vars.Lookup(scope, strings.TrimSpace(name))
		return defined, nil
	}
	// An "is X" predicate whose operand resolved to the empty string
	// leaves only the predicate text behind; that is an empty operand,
	// not a syntax error.
	switch term {
	case "is true":
		return false, nil
	case "is false":
		return true, nil
	case "is empty":
		return true, nil
	}
	if operand, ok := strings.CutSuffix(term, " is true"); ok {
		return truthy(unquote(strings.TrimSpace(operand))), nil
	}
	if operand, ok := strings.CutSuffix(term, " is false"); ok {
		return !truthy(unquote(strings.TrimSpace(operand))), nil
	}
	if operand, ok := strings.CutSuffix(term, " is empty"); ok {
		return strings.TrimSpace(unquote(strings.TrimSpace(operand))) == "", nil
	}

	// Binary comparisons. Two-character operators first so "<=" never
	// matches as "<".
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if lhs, rhs, found := cutOperator(term, op); found {
			return compare(term, op, lhs, rhs)
		}
	}

	// Bare boolean literals.
	switch strings.ToLower(unquote(term)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, &EvaluationError{Condition: term, Reason: "unrecognized condition syntax (expected comparison, predicate, or boolean literal)"}
}

// cutOperator splits term around the first occurrence of op when it is
// surrounded by spaces or operand text, avoiding matches inside longer
// operators.
func cutOperator(term, op string) (lhs, rhs string, found bool) {
	idx := strings.Index(term, op)
	if idx < 0 {
		return "", "", false
	}
	// "<" and ">" must not match inside "<=" / ">=".
	if (op == "<" || op == ">") && idx+1 < len(term) && term[idx+1] == '=' {
		rest := term[idx+2:]
		l2, r2, ok := cutOperator(rest, op)
		if !ok {
			return "", "", false
		}
		return term[:idx+2] + l2, r2, true
	}
	return strings.TrimSpace(term[:idx]), strings.TrimSpace(term[idx+len(op):]), true
}

// compare evaluates a binary comparison. Both operands numeric →
// numeric comparison; otherwise string comparison (ordering operators
// compare lexicographically).
func compare(raw, op, lhs, rhs string) (bool, error) {
	quotedL := lhs != unquote(lhs)
	quotedR := rhs != unquote(rhs)
	lhs, rhs = unquote(lhs), unquote(rhs)
	// An empty unquoted operand is a truncated comparison, not a value.
	if op != "==" && op != "!=" && ((lhs == "" && !quotedL) || (rhs == "" && !quotedR)) {
		return false, &EvaluationError{Condition: raw, Reason: "ordering comparison with a missing operand"}
	}

	lf, lErr := strconv.ParseFloat(lhs, 64)
	rf, rErr := strconv.ParseFloat(rhs, 64)
	if lErr == nil && rErr == nil {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case "<":
			return lf < rf, nil
		case ">":
			return lf > rf, nil
		case "<=":
			return lf <= rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}

	switch op {
	case "==":
		return lhs == rhs, nil
	case "!=":
		return lhs != rhs, nil
	case "<":
		return lhs < rhs, nil
	case ">":
		return lhs > rhs, nil
	case "<=":
		return lhs <= rhs, nil
	case ">=":
		return lhs >= rhs, nil
	}
	return false, &EvaluationError{Condition: raw, Reason: fmt.Sprintf("unknown operator %q", op)}
}

// truthy mirrors the template-evaluation convention: empty, "false"
// and "0" are false, everything else is true.
func truthy(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && !strings.EqualFold(s, "false") && s != "0"
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
