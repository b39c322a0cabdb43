package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// explain annotates failing comparison leaves with the values of both operands.
func (e *Engine) explain(ctx context.Context, ev *Evaluation, data interface{}) {
	if ev.Kind == KindCondition {
		if ev.Error != "" || ev.Reason != "" {
			return
		}
		left, _, right, ok := splitComparison(ev.Expression)
		if !ok {
			return
		}
		for _, side := range []string{left, right} {
			op := Operand{Expression: side}
			v, err := e.evaluator.Evaluate(ctx, side, data)
			if err != nil {
				op.Error = err.Error()
			} else {
				op.Value = v
			}
			ev.Operands = append(ev.Operands, op)
		}
		return
	}
	for i := range ev.Children {
		e.explain(ctx, &ev.Children[i], data)
	}
}

// Flatten renders a failure tree as path-qualified messages, e.g.
// `AND > OR: $.a = 1 evaluated to false ($.a is 2)`.
func Flatten(ev *Evaluation) []string {
	if ev == nil {
		return nil
	}
	var out []string
	flatten(*ev, nil, "", &out)
	return out
}

func flatten(ev Evaluation, path []string, parent BlockType, out *[]string) {
	if ev.Kind == KindCondition {
		*out = append(*out, prefix(path)+describeLeaf(ev, parent))
		return
	}
	here := append(append([]string(nil), path...), string(ev.BlockType))
	if ev.Reason != "" && len(ev.Children) == 0 {
		*out = append(*out, prefix(here)+ev.Reason)
		return
	}
	if len(ev.Children) == 0 {
		if parent == BlockNot && ev.Passed {
			*out = append(*out, prefix(path)+fmt.Sprintf("nested %s block passed but was expected to fail", ev.BlockType))
		}
		return
	}
	for _, child := range ev.Children {
		flatten(child, here, ev.BlockType, out)
	}
}

func prefix(path []string) string {
	if len(path) == 0 {
		return ""
	}
	return strings.Join(path, " > ") + ": "
}

func describeLeaf(ev Evaluation, parent BlockType) string {
	switch {
	case ev.Error != "":
		return fmt.Sprintf("%s failed to evaluate: %s", ev.Expression, ev.Error)
	case ev.Reason != "":
		return fmt.Sprintf("%s: %s", ev.Expression, ev.Reason)
	}
	msg := fmt.Sprintf("%s evaluated to %s", ev.Expression, formatValue(ev.Value))
	if parent == BlockNot && ev.Passed {
		msg += " but was expected to fail"
	}
	var details []string
	for _, op := range ev.Operands {
		if op.Error != "" {
			details = append(details, fmt.Sprintf("%s could not be evaluated: %s", op.Expression, op.Error))
			continue
		}
		if isLiteral(op.Expression) {
			continue
		}
		details = append(details, fmt.Sprintf("%s is %s", op.Expression, formatValue(op.Value)))
	}
	if len(details) > 0 {
		msg += " (" + strings.Join(details, ", ") + ")"
	}
	return msg
}

func formatValue(v interface{}) string {
	if v == nil {
		return "undefined"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

func isLiteral(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return true
	}
	if s == "true" || s == "false" || s == "null" {
		return true
	}
	if (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return true
	}
	var f float64
	return json.Unmarshal([]byte(s), &f) == nil
}

// splitComparison splits `left <op> right` when the expression is a single
// top-level comparison. Expressions with boolean operators, chains, ternaries or
// bindings at the top level are not split.
func splitComparison(s string) (left, op, right string, ok bool) {
	depth := 0
	var quote rune
	idx, width := -1, 0
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if quote != 0 {
			if r == '\\' {
				i++
				continue
			}
			if r == quote {
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			quote = r
			continue
		case '(', '[', '{':
			depth++
			continue
		case ')', ']', '}':
			depth--
			continue
		}
		if depth != 0 {
			continue
		}
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		switch {
		case r == '~' && next == '>', r == ':' && next == '=', r == '?':
			return "", "", "", false
		case (r == '!' || r == '<' || r == '>') && next == '=':
			if idx >= 0 {
				return "", "", "", false
			}
			idx, width, op = i, 2, string([]rune{r, next})
			i++
		case r == '=' || r == '<' || r == '>':
			if idx >= 0 {
				return "", "", "", false
			}
			idx, width, op = i, 1, string(r)
		case unicode.IsSpace(r):
			word := nextWord(runes, i+1)
			switch word {
			case "and", "or":
				return "", "", "", false
			case "in":
				if idx >= 0 {
					return "", "", "", false
				}
				idx, width, op = i+1, 2, "in"
				i += 2
			}
		}
	}
	if idx < 0 {
		return "", "", "", false
	}
	left = strings.TrimSpace(string(runes[:idx]))
	right = strings.TrimSpace(string(runes[idx+width:]))
	if left == "" || right == "" {
		return "", "", "", false
	}
	return left, op, right, true
}

func nextWord(runes []rune, start int) string {
	end := start
	for end < len(runes) && unicode.IsLetter(runes[end]) {
		end++
	}
	if end == start || end >= len(runes) || !unicode.IsSpace(runes[end]) {
		return ""
	}
	return string(runes[start:end])
}
