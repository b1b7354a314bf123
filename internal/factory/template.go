package factory

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// templateRe matches {{ expr }} placeholders. Expressions never contain
// braces, so a non-greedy scan up to the closing pair is sufficient.
var templateRe = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// bareRefRe matches a placeholder that is a plain variable reference rather
// than a computed expression.
var bareRefRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_-]+)*$`)

// ResolveTemplate replaces every {{ expr }} placeholder in s with the
// expression's value rendered as a string. A bare reference whose value is
// absent from the scope stays verbatim in the output, so unresolved
// placeholders are visible to the agent rather than silently blanked.
// Expressions that fail to parse also stay verbatim.
func ResolveTemplate(s string, scope map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return templateRe.ReplaceAllStringFunc(s, func(match string) string {
		expr := strings.TrimSpace(match[2 : len(match)-2])
		if expr == "" {
			return match
		}
		if bareRefRe.MatchString(expr) && expr != "true" && expr != "false" && expr != "null" {
			v := lookupPath(scope, expr)
			if v == nil {
				return match
			}
			return renderValue(v)
		}
		v, err := EvaluateExpression(expr, scope)
		if err != nil {
			return match
		}
		return renderValue(v)
	})
}

// ResolveInputs applies ResolveTemplate to every value of a stage input map,
// returning a new map.
func ResolveInputs(input map[string]string, scope map[string]any) map[string]string {
	out := make(map[string]string, len(input))
	for k, v := range input {
		out[k] = ResolveTemplate(v, scope)
	}
	return out
}

// renderValue formats an evaluated value for template substitution. Integral
// floats print without a decimal point so YAML-sourced integers round-trip.
func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
