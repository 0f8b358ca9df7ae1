// Package vars implements {{ dotted.path }} variable interpolation
// against a nested binding scope.
package vars

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Scope is a set of variable bindings. Values may be nested
// map[string]any structures addressed by dotted paths.
type Scope map[string]any

// UndefinedVariableError reports a token whose path resolved to nothing
// and that carried no default. Available lists the top-level binding
// keys so the author can spot typos.
type UndefinedVariableError struct {
	Path      string
	Available []string
}

func (e *UndefinedVariableError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("undefined variable %q (no bindings are set — seed defaults or run a step that defines it)", e.Path)
	}
	return fmt.Sprintf("undefined variable %q (available: %s)", e.Path, strings.Join(e.Available, ", "))
}

// Resolver interpolates {{ path }} and {{ path|default }} tokens.
// Each Resolver owns its compiled pattern; no package-level regex state
// is shared between engine instances.
type Resolver struct {
	token *regexp.Regexp
}

// NewResolver creates a resolver with its own compiled token pattern.
func NewResolver() *Resolver {
	return &Resolver{
		token: regexp.MustCompile(`\{\{\s*([A-Za-z_][\w.-]*)\s*(?:\|\s*([^}]*?)\s*)?\}\}`),
	}
}

// Resolve substitutes every token in text against the scope. A token
// whose path is bound is replaced by the stringified value. An unbound
// token with a default is replaced by the default literal. An unbound
// token without a default fails with UndefinedVariableError.
//
// Substitution is textual and single-pass: substituted values are not
// re-scanned for tokens.
func (r *Resolver) Resolve(text string, scope Scope) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil // fast path for literals
	}

	var firstErr error
	out := r.token.ReplaceAllStringFunc(text, func(match string) string {
		if firstErr != nil {
			return match
		}
		groups := r.token.FindStringSubmatch(match)
		path := groups[1]
		val, ok := Lookup(scope, path)
		if ok {
			return Stringify(val)
		}
		if strings.Contains(match, "|") {
			return groups[2]
		}
		firstErr = &UndefinedVariableError{Path: path, Available: topLevelKeys(scope)}
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// Lookup walks a dotted path through nested map[string]any values.
// Traversal stops with ok=false when an intermediate segment is not a
// mapping or a segment is missing.
func Lookup(scope Scope, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = map[string]any(scope)
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Stringify renders a bound value for textual substitution.
func Stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

func topLevelKeys(scope Scope) []string {
	keys := make([]string, 0, len(scope))
	for k := range scope {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
